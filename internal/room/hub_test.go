package room

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"roomcast/internal/models"
	"roomcast/internal/state"
	"roomcast/internal/users"
)

// stubDirectory resolves any name; names in hosts get the host role.
type stubDirectory struct {
	mu    sync.Mutex
	hosts map[string]bool
	deny  map[string]bool
}

func (d *stubDirectory) Resolve(username string) (models.GlobalUser, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToLower(username)
	if d.deny[key] {
		return models.GlobalUser{}, users.ErrNotAllowed
	}
	role := models.SystemRoleUser
	if d.hosts[key] {
		role = models.SystemRoleHost
	}
	return models.GlobalUser{
		UserID:     users.DeriveUserID(key),
		Username:   username,
		SystemRole: role,
		CreatedAt:  time.Now(),
	}, nil
}

type hubFixture struct {
	hub    *Hub
	store  state.Store
	server *httptest.Server
	cancel context.CancelFunc
	now    *time.Time
	mu     sync.Mutex
}

func (f *hubFixture) setNow(at time.Time) {
	f.mu.Lock()
	*f.now = at
	f.mu.Unlock()
}

func newHubFixture(t *testing.T, dir *stubDirectory) *hubFixture {
	t.Helper()
	store := state.NewMemoryStore(time.Hour)
	hub := NewHub(HubConfig{
		Store:             store,
		Directory:         dir,
		Bus:               NewMemoryBus(16),
		HeartbeatInterval: time.Minute,
	})
	fixture := &hubFixture{hub: hub, store: store}
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	fixture.now = &now
	hub.now = func() time.Time {
		fixture.mu.Lock()
		defer fixture.mu.Unlock()
		return now
	}

	ctx, cancel := context.WithCancel(context.Background())
	fixture.cancel = cancel
	go hub.Run(ctx)

	fixture.server = httptest.NewServer(http.HandlerFunc(hub.HandleConnection))
	t.Cleanup(func() {
		cancel()
		fixture.server.Close()
	})
	return fixture
}

func (f *hubFixture) dial(t *testing.T, roomID, name string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + fmt.Sprintf("/?room=%s&name=%s", roomID, name)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s as %s: %v", roomID, name, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		t.Fatalf("decode event %q: %v", payload, err)
	}
	return ev
}

// readUntil skips unrelated events until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, want EventType) Event {
	t.Helper()
	for i := 0; i < 10; i++ {
		ev := readEvent(t, conn)
		if ev.Type == want {
			return ev
		}
	}
	t.Fatalf("never received %q", want)
	return Event{}
}

func sendEvent(t *testing.T, conn *websocket.Conn, ev map[string]any) {
	t.Helper()
	payload, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("encode event: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("write event: %v", err)
	}
}

func TestConnectRequiresRoomAndName(t *testing.T) {
	fixture := newHubFixture(t, &stubDirectory{})
	resp, err := http.Get(fixture.server.URL + "/?room=lobby")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestConnectDeniedName(t *testing.T) {
	fixture := newHubFixture(t, &stubDirectory{deny: map[string]bool{"mallory": true}})
	resp, err := http.Get(fixture.server.URL + "/?room=lobby&name=mallory")
	if err != nil {
		t.Fatalf("request error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}

func TestJoinDeliversRosterAndSync(t *testing.T) {
	fixture := newHubFixture(t, &stubDirectory{hosts: map[string]bool{"ana": true}})
	conn := fixture.dial(t, "lobby", "ana")

	roster := readUntil(t, conn, EventRoomUsers)
	if len(roster.Users) != 1 || roster.Users[0].Role != models.RoomRoleHost {
		t.Fatalf("unexpected roster: %+v", roster.Users)
	}
	sync := readUntil(t, conn, EventSync)
	if sync.State == nil {
		t.Fatalf("sync without state")
	}
	if sync.State.HostCount != 1 {
		t.Fatalf("expected hostCount 1, got %d", sync.State.HostCount)
	}
}

func TestHostPlayReachesViewerWithElapsedCorrection(t *testing.T) {
	fixture := newHubFixture(t, &stubDirectory{hosts: map[string]bool{"ana": true}})
	host := fixture.dial(t, "lobby", "ana")
	readUntil(t, host, EventSync)

	viewer := fixture.dial(t, "lobby", "bo")
	readUntil(t, viewer, EventSync)

	sendEvent(t, host, map[string]any{"type": "play", "currentTime": 10})

	play := readUntil(t, viewer, EventPlay)
	if play.CurrentTime == nil || *play.CurrentTime != 10 {
		t.Fatalf("unexpected play event: %+v", play)
	}

	// Five wall-clock seconds later a sync request reports the corrected
	// position.
	fixture.setNow(fixture.hub.now().Add(5 * time.Second))
	sendEvent(t, viewer, map[string]any{"type": "sync-request"})
	sync := readUntil(t, viewer, EventSync)
	if sync.State == nil || !sync.State.Playing {
		t.Fatalf("expected playing sync, got %+v", sync)
	}
	if got := sync.State.CurrentTime; got < 14.9 || got > 15.1 {
		t.Fatalf("expected corrected position near 15, got %v", got)
	}
}

func TestViewerControlSilentlyIgnored(t *testing.T) {
	fixture := newHubFixture(t, &stubDirectory{hosts: map[string]bool{"ana": true}})
	host := fixture.dial(t, "lobby", "ana")
	readUntil(t, host, EventSync)

	viewer := fixture.dial(t, "lobby", "bo")
	readUntil(t, viewer, EventSync)

	sendEvent(t, viewer, map[string]any{"type": "play", "currentTime": 99})
	sendEvent(t, viewer, map[string]any{"type": "sync-request"})

	sync := readUntil(t, viewer, EventSync)
	if sync.State.Playing {
		t.Fatalf("viewer control mutated shared state: %+v", sync.State)
	}
	if sync.State.CurrentTime != 0 {
		t.Fatalf("viewer control changed position: %v", sync.State.CurrentTime)
	}
}

func TestBadJSONIsDropped(t *testing.T) {
	fixture := newHubFixture(t, &stubDirectory{hosts: map[string]bool{"ana": true}})
	host := fixture.dial(t, "lobby", "ana")
	readUntil(t, host, EventSync)

	if err := host.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write error: %v", err)
	}
	// The connection survives and still answers sync requests.
	sendEvent(t, host, map[string]any{"type": "sync-request"})
	readUntil(t, host, EventSync)
}

func TestLastHostLeavingEndsLiveView(t *testing.T) {
	fixture := newHubFixture(t, &stubDirectory{hosts: map[string]bool{"ana": true}})
	host := fixture.dial(t, "lobby", "ana")
	readUntil(t, host, EventSync)

	viewer := fixture.dial(t, "lobby", "bo")
	readUntil(t, viewer, EventSync)

	sendEvent(t, host, map[string]any{"type": "toggle-live", "show": true})
	toggle := readUntil(t, viewer, EventToggleLive)
	if toggle.Show == nil || !*toggle.Show {
		t.Fatalf("expected toggle-live true, got %+v", toggle)
	}

	_ = host.Close()

	toggle = readUntil(t, viewer, EventToggleLive)
	if toggle.Show == nil || *toggle.Show {
		t.Fatalf("expected toggle-live false after host left, got %+v", toggle)
	}

	sendEvent(t, viewer, map[string]any{"type": "sync-request"})
	sync := readUntil(t, viewer, EventSync)
	if sync.State.ShowLive || sync.State.Playing || sync.State.HostCount != 0 {
		t.Fatalf("host departure did not reset state: %+v", sync.State)
	}
}

func TestEmptyRoomIsDeleted(t *testing.T) {
	fixture := newHubFixture(t, &stubDirectory{hosts: map[string]bool{"ana": true}})
	host := fixture.dial(t, "lobby", "ana")
	readUntil(t, host, EventSync)

	sendEvent(t, host, map[string]any{"type": "toggle-live", "show": true})
	readUntil(t, host, EventToggleLive)

	_ = host.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fixture.hub.RoomSessions("lobby") == 0 {
			st, err := fixture.store.State(context.Background(), "lobby")
			if err != nil {
				t.Fatalf("State error: %v", err)
			}
			if !st.ShowLive && st.HostCount == 0 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("room state survived after the last participant left")
}

func TestSendAfterSessionCloseIsDropped(t *testing.T) {
	fixture := newHubFixture(t, &stubDirectory{})
	conn := fixture.dial(t, "lobby", "bo")
	readUntil(t, conn, EventSync)

	var s *session
	fixture.hub.mu.RLock()
	for sess := range fixture.hub.rooms["lobby"] {
		s = sess
	}
	fixture.hub.mu.RUnlock()
	if s == nil {
		t.Fatalf("no registered session")
	}

	s.close()
	s.close()
	// A broadcast racing the close is dropped, not sent into the closed
	// channel.
	s.sendEvent(syncEvent(models.RoomState{}, time.Now()))
	fixture.hub.deliverLocal("lobby", roomUsersEvent(nil))
}

func TestSilentConnectionClosedAfterOneHeartbeat(t *testing.T) {
	store := state.NewMemoryStore(time.Hour)
	hub := NewHub(HubConfig{
		Store:             store,
		Directory:         &stubDirectory{},
		Bus:               NewMemoryBus(16),
		HeartbeatInterval: time.Second,
	})
	server := httptest.NewServer(http.HandlerFunc(hub.HandleConnection))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?room=lobby&name=bo"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// Swallow pings so the server never receives a pong.
	conn.SetPingHandler(func(string) error { return nil })

	start := time.Now()
	_ = conn.SetReadDeadline(start.Add(3 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	if elapsed := time.Since(start); elapsed > 1800*time.Millisecond {
		t.Fatalf("silent connection survived %s, want close after about one heartbeat", elapsed)
	}
}

func TestRemoteEnvelopesSkipOwnOrigin(t *testing.T) {
	bus := NewMemoryBus(16)
	store := state.NewMemoryStore(time.Hour)
	hub := NewHub(HubConfig{
		Store:     store,
		Directory: &stubDirectory{},
		Bus:       bus,
		Origin:    "instance-a",
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleConnection))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/?room=lobby&name=bo"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, EventSync)

	// An envelope from another instance is delivered to local sessions.
	if err := bus.Publish(ctx, Envelope{Origin: "instance-b", RoomID: "lobby", Event: toggleLiveEvent(true)}); err != nil {
		t.Fatalf("Publish error: %v", err)
	}
	toggle := readUntil(t, conn, EventToggleLive)
	if toggle.Show == nil || !*toggle.Show {
		t.Fatalf("remote envelope not delivered: %+v", toggle)
	}
}
