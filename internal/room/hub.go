package room

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"roomcast/internal/models"
	"roomcast/internal/users"
)

// DefaultHeartbeatInterval is the server ping cadence. A connection that
// does not answer within one interval is forcibly closed.
const DefaultHeartbeatInterval = 45 * time.Second

const sendBuffer = 16

// HubConfig configures a room session hub.
type HubConfig struct {
	Store     StateStore
	Directory users.Resolver
	Bus       Bus
	Logger    *slog.Logger
	// HeartbeatInterval controls how often the hub sends WebSocket ping
	// frames to connected clients. A zero value selects the default.
	HeartbeatInterval time.Duration
	// Origin identifies this server instance on the bus. Generated when
	// empty.
	Origin string
}

// StateStore exposes the operations the hub requires from the shared room
// state backend.
type StateStore interface {
	State(ctx context.Context, roomID string) (models.RoomState, error)
	SetState(ctx context.Context, roomID string, state models.RoomState) error
	Users(ctx context.Context, roomID string) (map[string]models.RoomUser, error)
	SetUsers(ctx context.Context, roomID string, users map[string]models.RoomUser) error
	Delete(ctx context.Context, roomID string) error
}

// Hub coordinates room playback fan-out: it owns the locally connected
// websocket sessions, applies host control events to the shared store, and
// bridges events to every other instance through the bus.
type Hub struct {
	store     StateStore
	directory users.Resolver
	bus       Bus
	logger    *slog.Logger
	origin    string

	heartbeat time.Duration
	now       func() time.Time

	mu    sync.RWMutex
	rooms map[string]map[*session]struct{}
}

// NewHub initialises a hub using the provided configuration.
func NewHub(cfg HubConfig) *Hub {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	origin := cfg.Origin
	if origin == "" {
		origin = uuid.NewString()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &Hub{
		store:     cfg.Store,
		directory: cfg.Directory,
		bus:       cfg.Bus,
		logger:    logger,
		origin:    origin,
		heartbeat: heartbeat,
		now:       time.Now,
		rooms:     make(map[string]map[*session]struct{}),
	}
}

// Run consumes the bus subscription and re-broadcasts remotely published
// events to locally connected sessions. It blocks until the context is
// cancelled.
func (h *Hub) Run(ctx context.Context) {
	sub := h.bus.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.Envelopes():
			if !ok {
				return
			}
			if env.Origin == h.origin {
				// Already delivered before the publish round trip.
				continue
			}
			h.deliverLocal(env.RoomID, env.Event)
		}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// HandleConnection upgrades the HTTP request to a websocket session for the
// room named in the handshake query.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	username := r.URL.Query().Get("name")
	if roomID == "" || username == "" {
		http.Error(w, "room and name are required", http.StatusBadRequest)
		return
	}

	user, err := h.directory.Resolve(username)
	if err != nil {
		if errors.Is(err, users.ErrNotAllowed) {
			http.Error(w, "username not allowed", http.StatusForbidden)
			return
		}
		h.logger.Error("resolve user failed", "error", err, "username", username)
		http.Error(w, "user lookup failed", http.StatusInternalServerError)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	role := models.RoomRoleViewer
	if user.SystemRole.CanHost() {
		role = models.RoomRoleHost
	}

	s := &session{
		hub:    h,
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		user:   user,
		roomID: roomID,
		role:   role,
	}

	if err := h.register(r.Context(), s); err != nil {
		h.logger.Error("room join failed", "error", err, "room", roomID, "user", user.UserID)
		_ = conn.Close()
		return
	}

	go s.writePump()
	go s.readPump()
}

// register adds the session to the local registry, updates the shared
// roster and host count, announces the roster, and replies with a sync.
func (h *Hub) register(ctx context.Context, s *session) error {
	h.mu.Lock()
	if h.rooms[s.roomID] == nil {
		h.rooms[s.roomID] = make(map[*session]struct{})
	}
	h.rooms[s.roomID][s] = struct{}{}
	h.mu.Unlock()

	if s.role == models.RoomRoleHost {
		st, err := h.store.State(ctx, s.roomID)
		if err != nil {
			h.unregisterLocal(s)
			return err
		}
		st.HostCount++
		if err := h.store.SetState(ctx, s.roomID, st); err != nil {
			h.unregisterLocal(s)
			return err
		}
	}

	roster, err := h.store.Users(ctx, s.roomID)
	if err != nil {
		h.unregisterLocal(s)
		return err
	}
	roster[s.user.UserID] = models.RoomUser{
		UserID:   s.user.UserID,
		Username: s.user.Username,
		Role:     s.role,
	}
	if err := h.store.SetUsers(ctx, s.roomID, roster); err != nil {
		h.unregisterLocal(s)
		return err
	}
	h.Broadcast(ctx, s.roomID, roomUsersEvent(roster))

	st, err := h.store.State(ctx, s.roomID)
	if err != nil {
		h.unregisterLocal(s)
		return err
	}
	s.sendEvent(syncEvent(st, h.now()))
	return nil
}

func (h *Hub) unregisterLocal(s *session) {
	h.mu.Lock()
	if sessions := h.rooms[s.roomID]; sessions != nil {
		delete(sessions, s)
		if len(sessions) == 0 {
			delete(h.rooms, s.roomID)
		}
	}
	h.mu.Unlock()
}

// Broadcast delivers the event to locally connected sessions immediately
// and announces it on the bus for every other instance. Local delivery must
// not wait for the publish round trip.
func (h *Hub) Broadcast(ctx context.Context, roomID string, ev Event) {
	h.deliverLocal(roomID, ev)
	if err := h.bus.Publish(ctx, Envelope{Origin: h.origin, RoomID: roomID, Event: ev}); err != nil {
		h.logger.Warn("broadcast publish failed", "error", err, "room", roomID)
	}
}

func (h *Hub) deliverLocal(roomID string, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("broadcast encode failed", "error", err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for s := range h.rooms[roomID] {
		s.enqueue(payload)
	}
}

// RoomSessions reports the number of locally connected sessions for a room.
func (h *Hub) RoomSessions(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}

// handleEvent applies one inbound event. Control events from non-hosts and
// malformed events are silently ignored: a stale client cannot mutate the
// shared state and learns nothing about why the action had no effect.
func (h *Hub) handleEvent(ctx context.Context, s *session, ev Event) {
	switch ev.Type {
	case EventSyncRequest:
		st, err := h.store.State(ctx, s.roomID)
		if err != nil {
			h.logger.Error("sync read failed", "error", err, "room", s.roomID)
			return
		}
		s.sendEvent(syncEvent(st, h.now()))
	case EventKeepalive:
		// No-op; receipt already extended the read deadline.
	case EventPlay:
		if s.role != models.RoomRoleHost || ev.CurrentTime == nil {
			return
		}
		h.mutateState(ctx, s.roomID, func(st *models.RoomState) Event {
			st.Playing = true
			st.CurrentTime = *ev.CurrentTime
			st.AnchorAt = h.now()
			return playEvent(st.CurrentTime)
		})
	case EventPause:
		if s.role != models.RoomRoleHost || ev.CurrentTime == nil {
			return
		}
		h.mutateState(ctx, s.roomID, func(st *models.RoomState) Event {
			st.Playing = false
			st.CurrentTime = *ev.CurrentTime
			st.AnchorAt = h.now()
			return pauseEvent(st.CurrentTime)
		})
	case EventToggleLive:
		if s.role != models.RoomRoleHost || ev.Show == nil {
			return
		}
		h.mutateState(ctx, s.roomID, func(st *models.RoomState) Event {
			st.ShowLive = *ev.Show
			return toggleLiveEvent(st.ShowLive)
		})
	case EventRefreshLive:
		if s.role != models.RoomRoleHost {
			return
		}
		h.mutateState(ctx, s.roomID, func(st *models.RoomState) Event {
			st.RefreshAt = h.now()
			return refreshLiveEvent(st.RefreshAt)
		})
	default:
		// Unknown kinds are dropped by design.
	}
}

// mutateState performs the read-modify-write for one control event in a
// single logical step and broadcasts the resulting event. Concurrent hosts
// racing on the same room resolve last-write-wins; the losing host gets no
// conflict signal.
func (h *Hub) mutateState(ctx context.Context, roomID string, apply func(*models.RoomState) Event) {
	st, err := h.store.State(ctx, roomID)
	if err != nil {
		h.logger.Error("state read failed", "error", err, "room", roomID)
		return
	}
	ev := apply(&st)
	if err := h.store.SetState(ctx, roomID, st); err != nil {
		h.logger.Error("state write failed", "error", err, "room", roomID)
		return
	}
	h.Broadcast(ctx, roomID, ev)
}

// disconnect removes the session from the roster and winds the room down
// when it was the last participant or the last host.
func (h *Hub) disconnect(s *session) {
	h.unregisterLocal(s)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if s.role == models.RoomRoleHost {
		st, err := h.store.State(ctx, s.roomID)
		if err != nil {
			h.logger.Error("state read failed", "error", err, "room", s.roomID)
		} else {
			if st.HostCount > 0 {
				st.HostCount--
			}
			if st.HostCount == 0 {
				// The last host leaving ends the shared live view.
				st.ShowLive = false
				st.Playing = false
			}
			if err := h.store.SetState(ctx, s.roomID, st); err != nil {
				h.logger.Error("state write failed", "error", err, "room", s.roomID)
			} else if st.HostCount == 0 {
				h.Broadcast(ctx, s.roomID, toggleLiveEvent(false))
			}
		}
	}

	roster, err := h.store.Users(ctx, s.roomID)
	if err != nil {
		h.logger.Error("roster read failed", "error", err, "room", s.roomID)
		return
	}
	delete(roster, s.user.UserID)
	if len(roster) == 0 {
		// Nobody left anywhere; the room is recreated lazily on the
		// next join.
		if err := h.store.Delete(ctx, s.roomID); err != nil {
			h.logger.Error("room delete failed", "error", err, "room", s.roomID)
		}
		return
	}
	if err := h.store.SetUsers(ctx, s.roomID, roster); err != nil {
		h.logger.Error("roster write failed", "error", err, "room", s.roomID)
		return
	}
	h.Broadcast(ctx, s.roomID, roomUsersEvent(roster))
}

type session struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	user   models.GlobalUser
	roomID string
	role   models.RoomRole

	mu     sync.Mutex
	closed bool
}

func (s *session) sendEvent(ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	s.enqueue(payload)
}

// enqueue drops the payload when the buffer is full or the session has
// closed. A send racing the close must never hit the closed channel.
func (s *session) enqueue(payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.send <- payload:
	default:
	}
}

func (s *session) readPump() {
	defer s.close()
	// One heartbeat for the ping round trip plus a quarter-interval
	// grace for transit; a connection that misses a pong is closed.
	wait := s.hub.heartbeat + s.hub.heartbeat/4
	_ = s.conn.SetReadDeadline(time.Now().Add(wait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(wait))
	})
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wait))
		var ev Event
		if err := json.Unmarshal(payload, &ev); err != nil {
			// Bad JSON is dropped, never surfaced to the sender.
			continue
		}
		s.hub.handleEvent(context.Background(), s, ev)
	}
}

func (s *session) writePump() {
	ticker := time.NewTicker(s.hub.heartbeat)
	defer func() {
		ticker.Stop()
		s.close()
	}()
	for {
		select {
		case payload, ok := <-s.send:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

func (s *session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.send)
	s.mu.Unlock()

	_ = s.conn.Close()
	s.hub.disconnect(s)
}
