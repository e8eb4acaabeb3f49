package relays

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sHx2604/relay/internal/auth"
	"github.com/sHx2604/relay/internal/store"
	apperr "github.com/sHx2604/relay/pkg/errors"
)

// Bus is the broker side of the service.
type Bus interface {
	EnsureUser(user string) bool
	PublishCommand(user string, relays []int, action string) error
	PublishTimer(user string, relay, duration int) error
	Connected() bool
}

// Notifier delivers a message to every live connection of one user.
type Notifier interface {
	Broadcast(userID string, msg any)
}

// Service owns the relay and timer use cases. Store mutations are authoritative:
// broker failures after a successful mutation are logged and the caller still
// sees success.
type Service struct {
	repo    *store.Repo
	bus     Bus
	hub     Notifier
	reports *store.ReportCache
	now     func() time.Time
}

type Option func(*Service)

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func WithReportCache(c *store.ReportCache) Option { return func(s *Service) { s.reports = c } }

func New(repo *store.Repo, bus Bus, hub Notifier, opts ...Option) *Service {
	s := &Service{repo: repo, bus: bus, hub: hub, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Now is the service clock.
func (s *Service) Now() time.Time { return s.now() }

func mapStoreErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound(what + " not found")
	case errors.Is(err, store.ErrUserExists):
		return apperr.Conflict("username already taken")
	case errors.Is(err, store.ErrInvalidState):
		return apperr.Validation("invalid action")
	case errors.Is(err, store.ErrInvalidDuration):
		return apperr.Validation("invalid duration")
	}
	return apperr.Internal("failed to access "+what, err)
}

func validAction(action string) error {
	if !store.ValidState(action) {
		return apperr.Validation("invalid action")
	}
	return nil
}

// --- Accounts ---

func (s *Service) Register(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return apperr.Validation("username and password are required")
	}
	if strings.ContainsAny(username, "/+#") {
		return apperr.Validation("username must not contain '/', '+' or '#'")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return apperr.Internal("password hash error", err)
	}
	if _, err := s.repo.CreateUser(ctx, username, hash); err != nil {
		return mapStoreErr(err, "user")
	}
	slog.Info("user registered", "user", username)
	return nil
}

// Login verifies credentials and lazily attaches the user to the broker.
func (s *Service) Login(ctx context.Context, username, password string) error {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return apperr.Validation("username and password are required")
	}
	user, err := s.repo.GetUser(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Unauthorized("invalid username or password")
	}
	if err != nil {
		return apperr.Internal("failed to load user", err)
	}
	if !auth.CheckPassword(user.PasswordHash, password) {
		return apperr.Unauthorized("invalid username or password")
	}
	s.bus.EnsureUser(username)
	return nil
}

// Authorize checks that userID exists and attaches it to the broker.
func (s *Service) Authorize(ctx context.Context, userID string) error {
	ok, err := s.repo.UserExists(ctx, userID)
	if err != nil {
		return apperr.Internal("failed to load user", err)
	}
	if !ok {
		return apperr.NotFound("unknown user")
	}
	s.bus.EnsureUser(userID)
	return nil
}

// --- Relays ---

func (s *Service) Relays(ctx context.Context, user string) ([]store.Relay, error) {
	rows, err := s.repo.GetRelays(ctx, user)
	if err != nil {
		return nil, mapStoreErr(err, "relays")
	}
	return rows, nil
}

func (s *Service) RenameRelay(ctx context.Context, user string, index int, name string) (*store.Relay, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.Validation("name is required")
	}
	relay, err := s.repo.RenameRelay(ctx, user, index, name)
	if err != nil {
		return nil, mapStoreErr(err, "relay")
	}
	s.PushStatus(ctx, user)
	return relay, nil
}

// Control switches one relay. Turning it off supersedes every timer on it.
func (s *Service) Control(ctx context.Context, user string, index int, action string) error {
	if err := validAction(action); err != nil {
		return err
	}
	if err := s.repo.SetRelayState(ctx, user, index, action); err != nil {
		return mapStoreErr(err, "relay")
	}
	slog.Info("relay switched", "user", user, "relay", index, "action", action)

	if err := s.bus.PublishCommand(user, []int{index}, action); err != nil {
		slog.Warn("relay command not delivered", "user", user, "relay", index, "error", err)
	}
	s.PushStatus(ctx, user)
	return nil
}

// --- Timers ---

type TimerView struct {
	ID        string    `json:"id"`
	RelayID   int       `json:"relayId"`
	Duration  int       `json:"duration"`
	Remaining int       `json:"remaining"`
	ExpiresAt time.Time `json:"expires_at"`
}

func timerViews(rows []store.Timer, now time.Time) []TimerView {
	out := make([]TimerView, 0, len(rows))
	for _, t := range rows {
		out = append(out, TimerView{
			ID:        t.ID,
			RelayID:   t.RelayIndex,
			Duration:  t.Duration,
			Remaining: t.Remaining(now),
			ExpiresAt: t.ExpiresAt(),
		})
	}
	return out
}

func (s *Service) Timers(ctx context.Context, user string) ([]TimerView, error) {
	rows, err := s.repo.GetTimers(ctx, user)
	if err != nil {
		return nil, mapStoreErr(err, "timers")
	}
	return timerViews(rows, s.now()), nil
}

// SetTimer turns the relay on now and schedules it off after duration seconds,
// at most store.MaxTimerDuration.
func (s *Service) SetTimer(ctx context.Context, user string, index, duration int) (*store.Timer, error) {
	if duration <= 0 || duration > store.MaxTimerDuration {
		return nil, apperr.Validation("invalid duration")
	}
	timer, err := s.repo.CreateTimer(ctx, user, index, duration, s.now())
	if err != nil {
		return nil, mapStoreErr(err, "relay")
	}
	slog.Info("timer set", "user", user, "relay", index, "duration", duration, "timer_id", timer.ID)

	if err := s.bus.PublishTimer(user, index, duration); err != nil {
		slog.Warn("timer command not delivered", "user", user, "relay", index, "error", err)
	}
	if err := s.bus.PublishCommand(user, []int{index}, store.StateOn); err != nil {
		slog.Warn("relay command not delivered", "user", user, "relay", index, "error", err)
	}
	s.PushStatus(ctx, user)
	return timer, nil
}

// CancelTimer removes a timer; the relay keeps its current state.
func (s *Service) CancelTimer(ctx context.Context, user, timerID string) error {
	timerID = strings.TrimSpace(timerID)
	if timerID == "" {
		return apperr.Validation("timer id is required")
	}
	if err := s.repo.DeleteTimer(ctx, user, timerID); err != nil {
		return mapStoreErr(err, "timer")
	}
	slog.Info("timer cancelled", "user", user, "timer_id", timerID)
	s.PushStatus(ctx, user)
	return nil
}
