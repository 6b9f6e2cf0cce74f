package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"roomcast/internal/stream"
)

var adminUpgrader = websocket.Upgrader{
	ReadBufferSize:  512,
	WriteBufferSize: 512,
	CheckOrigin:     func(*http.Request) bool { return true },
}

type streamStatusEvent struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// AdminHub tracks operator channel connections. The protocol is
// connection-only: inbound frames are liveness signals, outbound frames are
// stream-status notifications. The idle watchdog reads connection count and
// last activity from here.
type AdminHub struct {
	logger    *slog.Logger
	heartbeat time.Duration

	mu           sync.RWMutex
	conns        map[*adminConn]struct{}
	lastActivity time.Time
}

// NewAdminHub builds the hub. heartbeat controls the ping cadence.
func NewAdminHub(logger *slog.Logger, heartbeat time.Duration) *AdminHub {
	if logger == nil {
		logger = slog.Default()
	}
	if heartbeat <= 0 {
		heartbeat = 45 * time.Second
	}
	return &AdminHub{
		logger:    logger,
		heartbeat: heartbeat,
		conns:     make(map[*adminConn]struct{}),
	}
}

// ConnectionCount reports how many operator connections are attached.
func (h *AdminHub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// LastActivity reports when any operator connection last showed life. Zero
// means never.
func (h *AdminHub) LastActivity() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastActivity
}

// Notify fans a stream-status event out to every operator connection.
// Implements the controller's notification callback.
func (h *AdminHub) Notify(status stream.BroadcastStatus, message string) {
	payload, err := json.Marshal(streamStatusEvent{
		Type:    "stream-status",
		Status:  string(status),
		Message: message,
	})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for conn := range h.conns {
		conn.enqueue(payload)
	}
}

// HandleConnection upgrades the request to an operator channel connection.
// Authentication happens before this is invoked.
func (h *AdminHub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := adminUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	conn := &adminConn{hub: h, ws: ws, send: make(chan []byte, 8)}

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.lastActivity = time.Now()
	h.mu.Unlock()

	go conn.writePump()
	go conn.readPump()
}

func (h *AdminHub) touch() {
	h.mu.Lock()
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

func (h *AdminHub) drop(conn *adminConn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.lastActivity = time.Now()
	h.mu.Unlock()
}

type adminConn struct {
	hub  *AdminHub
	ws   *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

// enqueue drops the payload when the buffer is full or the connection
// has closed. A notify racing the close must never hit the closed
// channel.
func (c *adminConn) enqueue(payload []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *adminConn) readPump() {
	defer c.close()
	// One heartbeat plus a quarter-interval grace for the pong.
	wait := c.hub.heartbeat + c.hub.heartbeat/4
	_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	c.ws.SetPongHandler(func(string) error {
		c.hub.touch()
		return c.ws.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		// Any inbound frame, keepalive included, counts as activity.
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
		c.hub.touch()
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
	}
}

func (c *adminConn) writePump() {
	ticker := time.NewTicker(c.hub.heartbeat)
	defer func() {
		ticker.Stop()
		c.close()
	}()
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (c *adminConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	c.mu.Unlock()

	_ = c.ws.Close()
	c.hub.drop(c)
}
