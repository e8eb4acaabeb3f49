package timers

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sHx2604/relay/internal/observability"
	"github.com/sHx2604/relay/internal/store"
)

const DefaultSchedule = "@every 1s"

// Store is the slice of the repo the engine needs.
type Store interface {
	ListExpiredTimers(ctx context.Context, now time.Time) ([]store.Timer, error)
	ExpireTimers(ctx context.Context, username string, index int, ids []string) (bool, error)
}

// Publisher sends relay commands to the device.
type Publisher interface {
	PublishCommand(user string, relays []int, action string) error
}

// StatusPusher pushes a user's snapshot to their live connections.
type StatusPusher interface {
	PushStatus(ctx context.Context, user string)
	Now() time.Time
}

// Engine fires expired timers on a cron schedule. Every fired timer turns its relay
// off, which supersedes any other timer on that relay.
type Engine struct {
	repo     Store
	bus      Publisher
	status   StatusPusher
	schedule string

	cron    *cron.Cron
	mu      sync.Mutex
	started bool
}

func New(repo Store, bus Publisher, status StatusPusher, schedule string) *Engine {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn))
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Engine{repo: repo, bus: bus, status: status, schedule: schedule, cron: c}
}

// Start registers the tick and starts the scheduler. ctx bounds every tick.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("timer engine already started")
	}
	if _, err := e.cron.AddFunc(e.schedule, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := e.Tick(ctx, e.status.Now()); err != nil {
			slog.Error("timer tick failed", "error", err)
		}
	}); err != nil {
		return err
	}
	e.cron.Start()
	e.started = true
	slog.Info("timer engine started", "schedule", e.schedule)
	return nil
}

// Stop halts the scheduler and waits for a running tick to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.started {
		return
	}
	<-e.cron.Stop().Done()
	e.started = false
}

type relayKey struct {
	user  string
	index int
}

// Tick switches off every relay with a timer expired at now and returns how many
// relays it switched. A timer cancelled between the scan and the switch no longer
// fires. Each affected user receives one snapshot.
func (e *Engine) Tick(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.repo.ListExpiredTimers(ctx, now)
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}

	ids := map[relayKey][]string{}
	var keys []relayKey
	for _, t := range expired {
		k := relayKey{user: t.Username, index: t.RelayIndex}
		if _, ok := ids[k]; !ok {
			keys = append(keys, k)
		}
		ids[k] = append(ids[k], t.ID)
	}

	switched := 0
	users := map[string]bool{}
	for _, k := range keys {
		ok, err := e.repo.ExpireTimers(ctx, k.user, k.index, ids[k])
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			slog.Error("timer expiry failed", "user", k.user, "relay", k.index, "error", err)
			continue
		}
		if !ok {
			slog.Debug("expired timers already gone", "user", k.user, "relay", k.index)
			continue
		}
		switched++
		users[k.user] = true
		slog.Info("timer expired", "user", k.user, "relay", k.index)

		if err := e.bus.PublishCommand(k.user, []int{k.index}, store.StateOff); err != nil {
			slog.Warn("timer off command not delivered", "user", k.user, "relay", k.index, "error", err)
		}
	}
	observability.ObserveTimersExpired(switched)

	names := make([]string, 0, len(users))
	for u := range users {
		names = append(names, u)
	}
	sort.Strings(names)
	for _, u := range names {
		e.status.PushStatus(ctx, u)
	}
	return switched, nil
}
