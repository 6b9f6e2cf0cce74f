package room

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	redis "github.com/redis/go-redis/v9"
)

// RedisBusConfig configures the Redis pub/sub bus implementation.
type RedisBusConfig struct {
	Client  redis.UniversalClient
	Channel string
	Logger  *slog.Logger
	Buffer  int
}

// NewRedisBus initialises a bus backed by Redis pub/sub on a single fixed
// channel. Every server instance subscribes to the same channel at startup;
// delivery to remote instances is bounded by pub/sub latency and messages
// published while an instance is disconnected are lost, which matches the
// at-least-once, last-write-wins consistency model of the room state.
func NewRedisBus(cfg RedisBusConfig) (Bus, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	channel := strings.TrimSpace(cfg.Channel)
	if channel == "" {
		channel = "roomcast:broadcast"
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 128
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &redisBus{
		client:  cfg.Client,
		channel: channel,
		logger:  logger,
		buffer:  cfg.Buffer,
	}, nil
}

type redisBus struct {
	client  redis.UniversalClient
	channel string
	logger  *slog.Logger
	buffer  int
}

func (b *redisBus) Publish(ctx context.Context, env Envelope) error {
	if env.RoomID == "" {
		return errors.New("room id is required")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish envelope: %w", err)
	}
	return nil
}

func (b *redisBus) Subscribe() Subscription {
	pubsub := b.client.Subscribe(context.Background(), b.channel)
	sub := &redisSubscription{
		bus:    b,
		pubsub: pubsub,
		ch:     make(chan Envelope, b.buffer),
		done:   make(chan struct{}),
	}
	go sub.run()
	return sub
}

type redisSubscription struct {
	bus    *redisBus
	pubsub *redis.PubSub

	once sync.Once
	ch   chan Envelope
	done chan struct{}
}

func (s *redisSubscription) Envelopes() <-chan Envelope {
	return s.ch
}

func (s *redisSubscription) Close() {
	s.once.Do(func() {
		close(s.done)
		_ = s.pubsub.Close()
	})
}

// run owns s.ch: it is the only sender and closes it once the pubsub
// channel drains, so Close never races a pending send.
func (s *redisSubscription) run() {
	defer close(s.ch)
	for msg := range s.pubsub.Channel() {
		var env Envelope
		if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
			s.bus.logger.Error("broadcast decode failed", "error", err)
			continue
		}
		select {
		case s.ch <- env:
		case <-s.done:
			return
		default:
			s.bus.logger.Warn("broadcast subscriber lagging, dropping envelope", "room", env.RoomID)
		}
	}
}
