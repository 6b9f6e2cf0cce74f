package state

import (
	"context"
	"sync"
	"time"

	"roomcast/internal/models"
)

// DefaultRoomTTL bounds how long an untouched room survives in the store.
// Every read and write extends the deadline.
const DefaultRoomTTL = 2 * time.Hour

// Store is the shared room state used by every server instance. All
// operations refresh the room TTL; there is no cross-field transaction, so
// callers read-modify-write within a single logical step per incoming event.
// Concurrent writers to the same room resolve last-write-wins.
type Store interface {
	// State returns the room state, creating a default one when absent.
	State(ctx context.Context, roomID string) (models.RoomState, error)
	// SetState rewrites the room state and resets the TTL.
	SetState(ctx context.Context, roomID string, state models.RoomState) error
	// Users returns the room roster keyed by user ID, creating an empty
	// roster when absent.
	Users(ctx context.Context, roomID string) (map[string]models.RoomUser, error)
	// SetUsers rewrites the roster and resets the TTL.
	SetUsers(ctx context.Context, roomID string, users map[string]models.RoomUser) error
	// Delete removes the room state and roster entirely.
	Delete(ctx context.Context, roomID string) error
}

// NewMemoryStore initialises an in-process store suitable for tests and
// single-instance deployments.
func NewMemoryStore(ttl time.Duration) Store {
	if ttl <= 0 {
		ttl = DefaultRoomTTL
	}
	return &memoryStore{
		ttl:   ttl,
		rooms: make(map[string]*memoryRoom),
		now:   time.Now,
	}
}

type memoryRoom struct {
	state     models.RoomState
	users     map[string]models.RoomUser
	expiresAt time.Time
}

type memoryStore struct {
	mu    sync.Mutex
	ttl   time.Duration
	rooms map[string]*memoryRoom
	now   func() time.Time
}

func (s *memoryStore) room(roomID string) *memoryRoom {
	now := s.now()
	room, ok := s.rooms[roomID]
	if ok && room.expiresAt.After(now) {
		room.expiresAt = now.Add(s.ttl)
		return room
	}
	room = &memoryRoom{
		users:     make(map[string]models.RoomUser),
		expiresAt: now.Add(s.ttl),
	}
	s.rooms[roomID] = room
	return room
}

func (s *memoryStore) State(ctx context.Context, roomID string) (models.RoomState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room(roomID).state, nil
}

func (s *memoryStore) SetState(ctx context.Context, roomID string, state models.RoomState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.room(roomID).state = state
	return nil
}

func (s *memoryStore) Users(ctx context.Context, roomID string) (map[string]models.RoomUser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	users := s.room(roomID).users
	out := make(map[string]models.RoomUser, len(users))
	for id, user := range users {
		out[id] = user
	}
	return out, nil
}

func (s *memoryStore) SetUsers(ctx context.Context, roomID string, users map[string]models.RoomUser) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := make(map[string]models.RoomUser, len(users))
	for id, user := range users {
		clone[id] = user
	}
	s.room(roomID).users = clone
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rooms, roomID)
	return nil
}
