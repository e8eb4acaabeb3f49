package devicebus

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/sHx2604/relay/internal/mqtt"
	"github.com/sHx2604/relay/internal/observability"
	apperr "github.com/sHx2604/relay/pkg/errors"
)

// Topic paths below a user's namespace.
const (
	PathCommand       = "relays/command"
	PathStatus        = "relays/status"
	PathRequestStatus = "relays/request_status"
	PathTimerSet      = "timer/set"
)

func Topic(user, path string) string { return user + "/" + path }

// UserFromStatusTopic resolves "<user>/relays/status" to its user.
func UserFromStatusTopic(topic string) (string, bool) {
	user, ok := strings.CutSuffix(topic, "/"+PathStatus)
	if !ok || user == "" || strings.ContainsAny(user, "/+#") {
		return "", false
	}
	return user, true
}

// Transport is the slice of the MQTT client the bus needs.
type Transport interface {
	Subscribe(topic string, cb mqtt.Handler) error
	Publish(topic string, payload []byte) error
	IsConnected() bool
}

type CommandPayload struct {
	Relays []int  `json:"relays"`
	Action string `json:"action"`
}

type TimerPayload struct {
	RelayID  int `json:"relayId"`
	Duration int `json:"duration"`
}

type probePayload struct {
	Action string `json:"action"`
}

// Bus speaks the per-user relay topic protocol over one transport. Users are
// subscribed lazily, once each, on their first authenticated action.
type Bus struct {
	tr Transport

	mu      sync.Mutex
	users   map[string]struct{}
	onState func(mqtt.Message)
}

func New(tr Transport) *Bus {
	return &Bus{tr: tr, users: map[string]struct{}{}}
}

// SetStatusHandler installs the consumer for inbound status topics. It must be set
// before the first EnsureUser.
func (b *Bus) SetStatusHandler(fn func(mqtt.Message)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onState = fn
}

func (b *Bus) dispatch(m mqtt.Message) {
	b.mu.Lock()
	fn := b.onState
	b.mu.Unlock()
	if fn != nil {
		fn(m)
	}
}

func (b *Bus) Connected() bool { return b.tr.IsConnected() }

// Users returns the users subscribed so far, sorted.
func (b *Bus) Users() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.users))
	for u := range b.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// EnsureUser subscribes to the user's status topic and probes the device for its
// current state. Calls after the first are no-ops. It reports whether this call
// did the subscription.
func (b *Bus) EnsureUser(user string) bool {
	b.mu.Lock()
	if _, ok := b.users[user]; ok {
		b.mu.Unlock()
		return false
	}
	b.users[user] = struct{}{}
	b.mu.Unlock()

	topic := Topic(user, PathStatus)
	err := b.tr.Subscribe(topic, func(_ mqtt.PahoClient, m mqtt.Message) { b.dispatch(m) })
	switch {
	case errors.Is(err, mqtt.ErrNotConnected):
		// The transport restores the subscription and Reprobe runs on connect.
		slog.Warn("status subscription deferred until broker connects", "user", user)
		return true
	case err != nil:
		b.mu.Lock()
		delete(b.users, user)
		b.mu.Unlock()
		slog.Warn("status subscription failed", "user", user, "error", apperr.Transport("subscribe "+topic, err))
		return false
	}
	if err := b.RequestStatus(user); err != nil {
		slog.Warn("status probe failed", "user", user, "error", err)
	}
	return true
}

// Reprobe asks every known user's device for its state. It runs after reconnects.
func (b *Bus) Reprobe() {
	for _, user := range b.Users() {
		if err := b.RequestStatus(user); err != nil {
			slog.Warn("status probe failed", "user", user, "error", err)
		}
	}
}

func (b *Bus) RequestStatus(user string) error {
	return b.publish(user, PathRequestStatus, probePayload{Action: "get_status"})
}

func (b *Bus) PublishCommand(user string, relays []int, action string) error {
	return b.publish(user, PathCommand, CommandPayload{Relays: relays, Action: action})
}

func (b *Bus) PublishTimer(user string, relay, duration int) error {
	return b.publish(user, PathTimerSet, TimerPayload{RelayID: relay, Duration: duration})
}

func (b *Bus) publish(user, path string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return apperr.Internal("encode "+path, err)
	}
	topic := Topic(user, path)
	err = b.tr.Publish(topic, payload)
	observability.ObservePublish(path, err)
	if err != nil {
		return apperr.Transport("publish "+topic, err)
	}
	slog.Debug("mqtt published", "topic", topic, "payload", string(payload))
	return nil
}
