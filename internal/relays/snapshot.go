package relays

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/sHx2604/relay/internal/realtime"
	"github.com/sHx2604/relay/internal/store"
	apperr "github.com/sHx2604/relay/pkg/errors"
)

// Snapshot is the full state pushed to a user's connections. Relays and timers are
// read together and every remaining value is computed from the same instant.
type Snapshot struct {
	Type   string        `json:"type"`
	Relays []store.Relay `json:"relays"`
	Timers []TimerView   `json:"timers"`
	States []string      `json:"states"`
}

type Status struct {
	Snapshot
	BrokerConnected bool          `json:"broker_connected"`
	LastReport      *store.Report `json:"last_report,omitempty"`
}

func (s *Service) BuildSnapshot(ctx context.Context, user string) (Snapshot, error) {
	relays, timers, err := s.repo.ReadState(ctx, user)
	if err != nil {
		return Snapshot{}, apperr.Internal("failed to read relay state", err)
	}
	now := s.now()
	states := make([]string, len(relays))
	for i, r := range relays {
		states[i] = r.Status
	}
	if relays == nil {
		relays = []store.Relay{}
	}
	return Snapshot{
		Type:   realtime.TypeStatus,
		Relays: relays,
		Timers: timerViews(timers, now),
		States: states,
	}, nil
}

// Snapshot implements realtime.Backend.
func (s *Service) Snapshot(ctx context.Context, user string) (any, error) {
	return s.BuildSnapshot(ctx, user)
}

// PushStatus broadcasts the current snapshot to every connection of user.
func (s *Service) PushStatus(ctx context.Context, user string) {
	if s.hub == nil {
		return
	}
	snap, err := s.BuildSnapshot(ctx, user)
	if err != nil {
		slog.Warn("status push skipped", "user", user, "error", err)
		return
	}
	s.hub.Broadcast(user, snap)
}

// Status is the snapshot plus broker and device diagnostics.
func (s *Service) Status(ctx context.Context, user string) (Status, error) {
	snap, err := s.BuildSnapshot(ctx, user)
	if err != nil {
		return Status{}, err
	}
	out := Status{Snapshot: snap, BrokerConnected: s.bus.Connected()}
	rep, err := s.reports.Get(ctx, user)
	if err != nil {
		slog.Warn("report cache read failed", "user", user, "error", err)
	} else {
		out.LastReport = rep
	}
	return out, nil
}

// RecordReport caches the raw device report for Status.
func (s *Service) RecordReport(ctx context.Context, user string, states json.RawMessage) {
	rep := store.Report{States: states, ReceivedAt: s.now().UTC()}
	if err := s.reports.Set(ctx, user, rep); err != nil {
		slog.Warn("report cache write failed", "user", user, "error", err)
	}
}

// HandleMessage implements realtime.Backend for authenticated websocket messages.
func (s *Service) HandleMessage(ctx context.Context, user string, msg realtime.Inbound) error {
	switch msg.Type {
	case realtime.TypeControl:
		if msg.RelayID == nil {
			return apperr.Validation("relayId is required")
		}
		return s.Control(ctx, user, *msg.RelayID, msg.Action)
	case realtime.TypeSetTimer:
		if msg.RelayID == nil {
			return apperr.Validation("relayId is required")
		}
		_, err := s.SetTimer(ctx, user, *msg.RelayID, msg.Duration)
		return err
	case realtime.TypeCancelTimer:
		return s.CancelTimer(ctx, user, msg.TimerID)
	case realtime.TypeStatus:
		s.PushStatus(ctx, user)
		return nil
	}
	return apperr.Validation("unsupported message type")
}

var _ realtime.Backend = (*Service)(nil)
