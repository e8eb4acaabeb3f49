package reconcile

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sHx2604/relay/internal/store"
	apperr "github.com/sHx2604/relay/pkg/errors"
)

type fakeMsg struct {
	topic   string
	payload []byte
}

func (m fakeMsg) Duplicate() bool   { return false }
func (m fakeMsg) Qos() byte         { return 0 }
func (m fakeMsg) Retained() bool    { return false }
func (m fakeMsg) Topic() string     { return m.topic }
func (m fakeMsg) MessageID() uint16 { return 0 }
func (m fakeMsg) Payload() []byte   { return m.payload }
func (m fakeMsg) Ack()              {}

type fakeSink struct {
	mu      sync.Mutex
	pushed  []string
	reports map[string]json.RawMessage
}

func (f *fakeSink) PushStatus(_ context.Context, user string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushed = append(f.pushed, user)
}

func (f *fakeSink) RecordReport(_ context.Context, user string, states json.RawMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reports == nil {
		f.reports = map[string]json.RawMessage{}
	}
	f.reports[user] = states
}

func newTestHandler(t *testing.T) (*Handler, *store.Repo, *fakeSink) {
	t.Helper()
	db, err := store.OpenSQLite("file:reconcile_" + uuid.NewString() + "?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	repo, err := store.New(db)
	if err != nil {
		t.Fatalf("new repo: %v", err)
	}
	if _, err := repo.CreateUser(context.Background(), "alice", "hash"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	sink := &fakeSink{}
	return New(repo, sink), repo, sink
}

func states(t *testing.T, repo *store.Repo) []string {
	t.Helper()
	rows, err := repo.GetRelays(context.Background(), "alice")
	if err != nil {
		t.Fatalf("get relays: %v", err)
	}
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Status
	}
	return out
}

func TestFullReportOverwritesEveryRelay(t *testing.T) {
	h, repo, sink := newTestHandler(t)
	payload := `{"states":["on","off","on","on","off","off","on","on"]}`
	h.HandleMessage(fakeMsg{topic: "alice/relays/status", payload: []byte(payload)})

	want := []string{"on", "off", "on", "on", "off", "off", "on", "on"}
	got := states(t, repo)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("relay %d: want %s got %s", i, want[i], got[i])
		}
	}
	if len(sink.pushed) != 1 || sink.pushed[0] != "alice" {
		t.Fatalf("expected one push to alice, got %v", sink.pushed)
	}
	if string(sink.reports["alice"]) == "" {
		t.Fatalf("expected report to be recorded")
	}
}

func TestWrongTypedEntriesAreSkipped(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	ctx := context.Background()
	if err := repo.SetRelayState(ctx, "alice", 1, store.StateOn); err != nil {
		t.Fatalf("seed: %v", err)
	}
	payload := `{"states":["on",null,1,"ON",true,{"x":1},"on","off"]}`
	if err := h.Apply(ctx, "alice", []byte(payload)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got := states(t, repo)
	want := []string{"on", "on", "off", "off", "off", "off", "on", "off"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("relay %d: want %s got %s (all %v)", i, want[i], got[i], got)
		}
	}
}

func TestLengthMismatchAppliesOverlap(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	ctx := context.Background()

	if err := h.Apply(ctx, "alice", []byte(`{"states":["on","on"]}`)); err != nil {
		t.Fatalf("short apply: %v", err)
	}
	long := `{"states":["off","on","off","off","off","off","off","off","on","on"]}`
	if err := h.Apply(ctx, "alice", []byte(long)); err != nil {
		t.Fatalf("long apply: %v", err)
	}
	got := states(t, repo)
	if len(got) != store.RelaysPerUser || got[0] != "off" || got[1] != "on" {
		t.Fatalf("unexpected states %v", got)
	}
}

func TestMalformedPayloadsAreDropped(t *testing.T) {
	h, repo, sink := newTestHandler(t)
	ctx := context.Background()

	for _, payload := range []string{`not json`, `["on"]`, `{"states":"on"}`, `{"states":null}`, `{}`, `null`} {
		err := h.Apply(ctx, "alice", []byte(payload))
		if !apperr.Is(err, apperr.KindMalformed) {
			t.Fatalf("payload %q: expected malformed error, got %v", payload, err)
		}
	}
	if len(sink.pushed) != 0 {
		t.Fatalf("dropped reports must not push")
	}

	// The handler keeps working after bad input.
	h.HandleMessage(fakeMsg{topic: "alice/relays/status", payload: []byte(`{"states":["on"]}`)})
	if states(t, repo)[0] != "on" {
		t.Fatalf("valid report after malformed ones was not applied")
	}
}

func TestUnknownUserAndTopic(t *testing.T) {
	h, _, sink := newTestHandler(t)
	if err := h.Apply(context.Background(), "mallory", []byte(`{"states":["on"]}`)); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected unknown user, got %v", err)
	}
	h.HandleMessage(fakeMsg{topic: "alice/relays/command", payload: []byte(`{"states":["on"]}`)})
	if len(sink.pushed) != 0 {
		t.Fatalf("nothing should have been applied")
	}
}

func TestReportKeepsTimers(t *testing.T) {
	h, repo, _ := newTestHandler(t)
	ctx := context.Background()
	timer, err := repo.CreateTimer(ctx, "alice", 0, 60, time.Now())
	if err != nil {
		t.Fatalf("create timer: %v", err)
	}
	if err := h.Apply(ctx, "alice", []byte(`{"states":["off"]}`)); err != nil {
		t.Fatalf("apply: %v", err)
	}
	timers, _ := repo.GetTimers(ctx, "alice")
	if len(timers) != 1 || timers[0].ID != timer.ID {
		t.Fatalf("reconciliation must not delete timers: %+v", timers)
	}
}
