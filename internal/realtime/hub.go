package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sHx2604/relay/internal/observability"
	apperr "github.com/sHx2604/relay/pkg/errors"
)

const (
	TypeAuth        = "auth"
	TypeStatus      = "status"
	TypeError       = "error"
	TypeControl     = "control"
	TypeSetTimer    = "set_timer"
	TypeCancelTimer = "cancel_timer"
)

// Inbound is a client → server websocket message.
type Inbound struct {
	Type     string `json:"type"`
	UserID   string `json:"userId,omitempty"`
	RelayID  *int   `json:"relayId,omitempty"`
	Action   string `json:"action,omitempty"`
	Duration int    `json:"duration,omitempty"`
	TimerID  string `json:"timerId,omitempty"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Error   string `json:"error"`
	Request string `json:"request,omitempty"`
}

// Backend resolves users and executes authenticated operations for the hub.
type Backend interface {
	// Authorize fails when userID does not name an existing user.
	Authorize(ctx context.Context, userID string) error
	Snapshot(ctx context.Context, userID string) (any, error)
	HandleMessage(ctx context.Context, userID string, msg Inbound) error
}

// Hub owns the Connection → User registry. A connection is unbound until it
// completes the auth handshake and only bound connections receive broadcasts.
type Hub struct {
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*client]string
	users map[string]map[*client]struct{}
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(_ *http.Request) bool {
				// Users are bound by the auth message, not by origin.
				return true
			},
		},
		conns: map[*client]string{},
		users: map[string]map[*client]struct{}{},
	}
}

// Handler upgrades the request and serves one connection against b.
func (h *Hub) Handler(b Backend) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		c := &client{conn: conn, send: make(chan []byte, 16)}
		h.addClient(c)

		go h.writePump(c)
		h.readPump(c, b)
	})
}

// Broadcast sends msg to every connection bound to userID and to no other.
func (h *Hub) Broadcast(userID string, msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("broadcast encode failed", "user", userID, "error", err)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.users[userID] {
		h.enqueueLocked(c, b)
	}
}

// ConnectionCount reports how many live connections are bound to userID.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.users[userID])
}

func (h *Hub) send(c *client, msg any) {
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.conns[c]; ok {
		h.enqueueLocked(c, b)
	}
}

func (h *Hub) enqueueLocked(c *client, b []byte) {
	select {
	case c.send <- b:
	default:
		// Slow client; drop it.
		h.removeLocked(c)
	}
}

func (h *Hub) addClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = ""
	observability.ConnectionOpened()
}

func (h *Hub) bind(c *client, userID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev, ok := h.conns[c]
	if !ok {
		return false
	}
	if prev != "" {
		h.unbindLocked(c, prev)
	}
	h.conns[c] = userID
	set := h.users[userID]
	if set == nil {
		set = map[*client]struct{}{}
		h.users[userID] = set
	}
	set[c] = struct{}{}
	return true
}

func (h *Hub) unbindLocked(c *client, userID string) {
	if set := h.users[userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(h.users, userID)
		}
	}
}

func (h *Hub) userOf(c *client) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[c]
}

func (h *Hub) removeClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c)
}

func (h *Hub) removeLocked(c *client) {
	userID, ok := h.conns[c]
	if !ok {
		return
	}
	if userID != "" {
		h.unbindLocked(c, userID)
	}
	delete(h.conns, c)
	close(c.send)
	_ = c.conn.Close()
	observability.ConnectionClosed()
}

func (h *Hub) readPump(c *client, b Backend) {
	defer h.removeClient(c)
	c.conn.SetReadLimit(4096)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))

		var msg Inbound
		if err := json.Unmarshal(raw, &msg); err != nil {
			h.send(c, ErrorMessage{Type: TypeError, Error: "invalid message"})
			continue
		}
		h.handle(c, b, msg)
	}
}

func (h *Hub) handle(c *client, b Backend, msg Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if msg.Type == TypeAuth {
		userID := strings.TrimSpace(msg.UserID)
		if userID == "" {
			h.send(c, ErrorMessage{Type: TypeError, Error: "userId is required", Request: msg.Type})
			return
		}
		if err := b.Authorize(ctx, userID); err != nil {
			h.send(c, ErrorMessage{Type: TypeError, Error: errorText(err), Request: msg.Type})
			return
		}
		if !h.bind(c, userID) {
			return
		}
		snap, err := b.Snapshot(ctx, userID)
		if err != nil {
			slog.Warn("ws snapshot failed", "user", userID, "error", err)
			return
		}
		h.send(c, snap)
		return
	}

	userID := h.userOf(c)
	if userID == "" {
		h.send(c, ErrorMessage{Type: TypeError, Error: "not authenticated", Request: msg.Type})
		return
	}
	if err := b.HandleMessage(ctx, userID, msg); err != nil {
		h.send(c, ErrorMessage{Type: TypeError, Error: errorText(err), Request: msg.Type})
	}
}

func errorText(err error) string {
	if appErr, ok := apperr.As(err); ok && appErr.Kind != apperr.KindInternal {
		return appErr.Message
	}
	return "internal error"
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(25 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
