package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

// ErrNotConnected is returned by Publish and Subscribe while the broker is unreachable.
// Nothing is queued locally.
var ErrNotConnected = errors.New("mqtt not connected")

// ErrSubscribeTimeout is returned when the broker does not acknowledge a subscribe
// within subscribeTimeout.
var ErrSubscribeTimeout = errors.New("mqtt subscribe timed out")

var subscribeTimeout = 5 * time.Second

// Message is re-exported type for handlers
type Message = paho.Message

// Handler is handler signature
type Handler = paho.MessageHandler

// PahoClient is the client handle passed to handlers.
type PahoClient = paho.Client

type Options struct {
	BrokerURL         string
	Username          string
	Password          string
	ClientIDPrefix    string
	ReconnectInterval time.Duration
}

// Client is a single long-lived broker connection. It reconnects forever at a
// fixed interval and restores its subscriptions after every reconnect.
type Client struct {
	cli paho.Client

	mu        sync.Mutex
	subs      map[string]Handler
	onConnect []func()
}

func brokerServer(u *url.URL) string {
	server := u.Host
	switch u.Scheme {
	case "mqtt", "tcp":
		server = "tcp://" + server
	case "ssl", "tls", "mqtts":
		server = "ssl://" + server
	case "ws", "wss":
		server = u.Scheme + "://" + server + u.Path
	}
	return server
}

// New starts connecting in the background and returns immediately; a broker that
// is down at startup does not stop the process.
func New(o Options) (*Client, error) {
	u, err := url.Parse(o.BrokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("broker url %q has no host", o.BrokerURL)
	}
	interval := o.ReconnectInterval
	if interval <= 0 {
		interval = time.Second
	}
	prefix := o.ClientIDPrefix
	if prefix == "" {
		prefix = "relay-bridge"
	}

	c := &Client{subs: map[string]Handler{}}

	opts := paho.NewClientOptions()
	opts.AddBroker(brokerServer(u))
	opts.SetClientID(prefix + "-" + uuid.NewString()[:8])
	opts.SetCleanSession(true)
	opts.SetConnectTimeout(4 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(interval)
	opts.SetMaxReconnectInterval(interval)
	opts.OnConnect = func(pc paho.Client) {
		slog.Info("mqtt connected", "broker", u.Host)
		c.restore(pc)
	}
	opts.OnConnectionLost = func(_ paho.Client, err error) { slog.Error("mqtt connection lost", "error", err) }
	opts.OnReconnecting = func(paho.Client, *paho.ClientOptions) { slog.Info("mqtt reconnecting", "broker", u.Host) }

	username, password := o.Username, o.Password
	if u.User != nil {
		username = u.User.Username()
		password, _ = u.User.Password()
	}
	if username != "" {
		opts.SetUsername(username)
		opts.SetPassword(password)
	}
	if u.Scheme == "ssl" || u.Scheme == "tls" || u.Scheme == "mqtts" || u.Scheme == "wss" {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	c.cli = paho.NewClient(opts)
	// With ConnectRetry the token only completes once connected; do not wait on it.
	c.cli.Connect()
	return c, nil
}

// OnConnect registers fn to run after every successful (re)connect, once the
// stored subscriptions have been restored.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

func (c *Client) restore(pc paho.Client) {
	c.mu.Lock()
	subs := make(map[string]Handler, len(c.subs))
	for topic, h := range c.subs {
		subs[topic] = h
	}
	hooks := append([]func(){}, c.onConnect...)
	c.mu.Unlock()

	for topic, h := range subs {
		if err := waitSubscribe(pc.Subscribe(topic, 0, h)); err != nil {
			slog.Warn("mqtt resubscribe failed", "topic", topic, "error", err)
			continue
		}
		slog.Debug("mqtt resubscribed", "topic", topic)
	}
	for _, fn := range hooks {
		fn()
	}
}

func waitSubscribe(t paho.Token) error {
	if !t.WaitTimeout(subscribeTimeout) {
		return ErrSubscribeTimeout
	}
	return t.Error()
}

func (c *Client) IsConnected() bool {
	return c != nil && c.cli != nil && c.cli.IsConnectionOpen()
}

// Subscribe records the handler so it survives reconnects, then subscribes now if
// the connection is open.
func (c *Client) Subscribe(topic string, cb Handler) error {
	c.mu.Lock()
	c.subs[topic] = cb
	c.mu.Unlock()

	if !c.IsConnected() {
		return ErrNotConnected
	}
	if err := waitSubscribe(c.cli.Subscribe(topic, 0, cb)); err != nil {
		return fmt.Errorf("subscribe %s: %w", topic, err)
	}
	slog.Info("mqtt subscribed", "topic", topic)
	return nil
}

// Publish sends payload at QoS 0. It fails fast when offline instead of letting
// paho buffer the message for a later reconnect.
func (c *Client) Publish(topic string, payload []byte) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	t := c.cli.Publish(topic, 0, false, payload)
	if t.Wait() && t.Error() != nil {
		return t.Error()
	}
	return nil
}

func (c *Client) Disconnect(quiesceMs uint) {
	if c == nil || c.cli == nil {
		return
	}
	c.cli.Disconnect(quiesceMs)
}
