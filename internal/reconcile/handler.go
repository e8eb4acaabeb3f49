package reconcile

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/sHx2604/relay/internal/devicebus"
	"github.com/sHx2604/relay/internal/mqtt"
	"github.com/sHx2604/relay/internal/observability"
	"github.com/sHx2604/relay/internal/store"
	apperr "github.com/sHx2604/relay/pkg/errors"
)

// Sink receives the outcome of an applied report.
type Sink interface {
	PushStatus(ctx context.Context, user string)
	RecordReport(ctx context.Context, user string, states json.RawMessage)
}

// Handler merges device status reports into the store. A bad report is dropped
// and never stops later ones from being processed.
type Handler struct {
	repo    *store.Repo
	sink    Sink
	timeout time.Duration
}

func New(repo *store.Repo, sink Sink) *Handler {
	return &Handler{repo: repo, sink: sink, timeout: 5 * time.Second}
}

// HandleMessage is the bus callback for "<user>/relays/status".
func (h *Handler) HandleMessage(m mqtt.Message) {
	user, ok := devicebus.UserFromStatusTopic(m.Topic())
	if !ok {
		observability.ObserveReport("dropped")
		slog.Warn("status report on unexpected topic", "topic", m.Topic())
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	if err := h.Apply(ctx, user, m.Payload()); err != nil {
		slog.Warn("status report dropped", "user", user, "topic", m.Topic(), "error", err)
	}
}

type report struct {
	States json.RawMessage `json:"states"`
}

// parseStates returns the valid entries of a {states:[...]} payload keyed by index,
// plus the array length. Entries that are not exactly "on" or "off" are skipped.
func parseStates(payload []byte) (map[int]string, int, json.RawMessage, error) {
	var rep report
	if err := json.Unmarshal(payload, &rep); err != nil {
		return nil, 0, nil, apperr.Malformed("status payload is not a JSON object", err)
	}
	var entries []json.RawMessage
	if len(rep.States) == 0 {
		return nil, 0, nil, apperr.Malformed("status payload has no states", nil)
	}
	if err := json.Unmarshal(rep.States, &entries); err != nil || entries == nil {
		return nil, 0, nil, apperr.Malformed("states is not an array", err)
	}

	out := map[int]string{}
	for i, raw := range entries {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if store.ValidState(s) {
			out[i] = s
		}
	}
	return out, len(entries), rep.States, nil
}

// Apply writes one report for user. Timers are left as they are.
func (h *Handler) Apply(ctx context.Context, user string, payload []byte) error {
	states, n, raw, err := parseStates(payload)
	if err != nil {
		observability.ObserveReport("dropped")
		return err
	}

	relays, err := h.repo.GetRelays(ctx, user)
	if err != nil {
		return apperr.Internal("failed to load relays", err)
	}
	if len(relays) == 0 {
		observability.ObserveReport("unknown_user")
		return apperr.NotFound("unknown user")
	}
	if n != len(relays) {
		slog.Warn("status report length mismatch", "user", user, "reported", n, "relays", len(relays))
	}

	written, err := h.repo.ApplyReportedStates(ctx, user, states)
	if err != nil {
		return apperr.Internal("failed to apply status report", err)
	}
	observability.ObserveReport("applied")
	slog.Debug("status report applied", "user", user, "written", written)

	h.sink.RecordReport(ctx, user, raw)
	h.sink.PushStatus(ctx, user)
	return nil
}
