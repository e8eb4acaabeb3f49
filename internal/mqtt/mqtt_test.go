package mqtt

import (
	"errors"
	"net/url"
	"sort"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

func TestBrokerServer(t *testing.T) {
	cases := map[string]string{
		"tcp://broker:1883":         "tcp://broker:1883",
		"mqtt://broker:1883":        "tcp://broker:1883",
		"mqtts://broker:8883":       "ssl://broker:8883",
		"tls://broker:8883":         "ssl://broker:8883",
		"wss://broker:8884/mqtt":    "wss://broker:8884/mqtt",
		"ws://user:pw@broker:80/ws": "ws://broker:80/ws",
	}
	for raw, want := range cases {
		u, err := url.Parse(raw)
		if err != nil {
			t.Fatalf("parse %s: %v", raw, err)
		}
		if got := brokerServer(u); got != want {
			t.Fatalf("%s: expected %s, got %s", raw, want, got)
		}
	}
}

func TestNewRejectsBadURL(t *testing.T) {
	if _, err := New(Options{BrokerURL: "not a url"}); err == nil {
		t.Fatalf("expected error for url without host")
	}
}

// A broker that is not reachable must not block New or crash; publishes fail fast.
func TestOfflineClientFailsFast(t *testing.T) {
	c, err := New(Options{BrokerURL: "tcp://127.0.0.1:1", ReconnectInterval: 50 * time.Millisecond})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Disconnect(0)

	if c.IsConnected() {
		t.Fatalf("expected client to be offline")
	}
	if err := c.Publish("alice/relays/command", []byte(`{}`)); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := c.Subscribe("alice/relays/status", func(_ paho.Client, _ Message) {}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	c.mu.Lock()
	_, kept := c.subs["alice/relays/status"]
	c.mu.Unlock()
	if !kept {
		t.Fatalf("subscription should be remembered for the next connect")
	}
}

type fakeToken struct {
	err     error
	pending bool
}

func (t fakeToken) Wait() bool { return !t.pending }

func (t fakeToken) WaitTimeout(time.Duration) bool { return !t.pending }

func (t fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	if !t.pending {
		close(ch)
	}
	return ch
}

func (t fakeToken) Error() error { return t.err }

// fakePaho records subscribe calls; every other paho.Client method is unused.
type fakePaho struct {
	paho.Client

	mu      sync.Mutex
	topics  []string
	fail    map[string]bool
	pending map[string]bool
}

func (f *fakePaho) IsConnectionOpen() bool { return true }

func (f *fakePaho) Subscribe(topic string, _ byte, _ paho.MessageHandler) paho.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.topics = append(f.topics, topic)
	if f.pending[topic] {
		return fakeToken{pending: true}
	}
	if f.fail[topic] {
		return fakeToken{err: errors.New("not authorized")}
	}
	return fakeToken{}
}

func (f *fakePaho) subscribed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := append([]string(nil), f.topics...)
	sort.Strings(out)
	return out
}

func TestRestoreResubscribesBeforeHooks(t *testing.T) {
	noop := func(_ paho.Client, _ Message) {}
	c := &Client{subs: map[string]Handler{
		"alice/relays/status": noop,
		"bob/relays/status":   noop,
		"carol/relays/status": noop,
	}}
	pc := &fakePaho{fail: map[string]bool{"bob/relays/status": true}}

	want := []string{"alice/relays/status", "bob/relays/status", "carol/relays/status"}
	var seen [][]string
	c.OnConnect(func() { seen = append(seen, pc.subscribed()) })
	c.OnConnect(func() { seen = append(seen, pc.subscribed()) })

	c.restore(pc)

	if got := pc.subscribed(); len(got) != len(want) {
		t.Fatalf("a failed resubscribe must not stop the rest, got %v", got)
	}
	if len(seen) != 2 {
		t.Fatalf("expected both hooks to run, got %d", len(seen))
	}
	for _, s := range seen {
		for i := range want {
			if len(s) != len(want) || s[i] != want[i] {
				t.Fatalf("hook ran before every topic was resubscribed: %v", s)
			}
		}
	}
}

func TestSubscribeTimesOut(t *testing.T) {
	pc := &fakePaho{pending: map[string]bool{"alice/relays/status": true}}
	c := &Client{cli: pc, subs: map[string]Handler{}}

	err := c.Subscribe("alice/relays/status", func(_ paho.Client, _ Message) {})
	if !errors.Is(err, ErrSubscribeTimeout) {
		t.Fatalf("expected ErrSubscribeTimeout, got %v", err)
	}
	if err := c.Subscribe("bob/relays/status", func(_ paho.Client, _ Message) {}); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) != 2 {
		t.Fatalf("both handlers must be kept for the next connect, got %d", len(c.subs))
	}
}

func TestRestoreSkipsUnacknowledgedTopic(t *testing.T) {
	noop := func(_ paho.Client, _ Message) {}
	c := &Client{subs: map[string]Handler{
		"alice/relays/status": noop,
		"bob/relays/status":   noop,
	}}
	pc := &fakePaho{pending: map[string]bool{"alice/relays/status": true}}
	ran := false
	c.OnConnect(func() { ran = true })

	c.restore(pc)

	if got := pc.subscribed(); len(got) != 2 {
		t.Fatalf("expected both topics attempted, got %v", got)
	}
	if !ran {
		t.Fatalf("hooks must run after a timed out resubscribe")
	}
}
