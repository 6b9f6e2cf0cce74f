package room

import (
	"context"
	"errors"
	"sync"
)

// Bus fans room envelopes out to every server instance. The implementation
// is intentionally minimal to support in-memory deployments and fakes used
// in integration tests.
type Bus interface {
	Publish(ctx context.Context, env Envelope) error
	Subscribe() Subscription
}

// Subscription represents an active envelope stream.
type Subscription interface {
	Envelopes() <-chan Envelope
	Close()
}

// NewMemoryBus initialises an in-memory fan-out bus suitable for tests and
// single-process deployments.
func NewMemoryBus(buffer int) Bus {
	if buffer <= 0 {
		buffer = 32
	}
	return &memoryBus{
		subs:   make(map[*memorySubscription]struct{}),
		buffer: buffer,
	}
}

type memoryBus struct {
	mu     sync.RWMutex
	subs   map[*memorySubscription]struct{}
	buffer int
}

func (b *memoryBus) Publish(ctx context.Context, env Envelope) error {
	if env.RoomID == "" {
		return errors.New("room id is required")
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		select {
		case sub.ch <- env:
		case <-ctx.Done():
			return ctx.Err()
		default:
			// Drop instead of blocking to keep the live path
			// responsive. Consumers are expected to drain promptly.
		}
	}
	return nil
}

func (b *memoryBus) Subscribe() Subscription {
	sub := &memorySubscription{
		bus: b,
		ch:  make(chan Envelope, b.buffer),
	}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

type memorySubscription struct {
	once sync.Once
	bus  *memoryBus
	ch   chan Envelope
}

func (s *memorySubscription) Envelopes() <-chan Envelope {
	return s.ch
}

func (s *memorySubscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
