package state

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"roomcast/internal/models"
)

// RedisTLSConfig controls TLS behaviour for Redis connections.
type RedisTLSConfig struct {
	CAFile             string
	CertFile           string
	KeyFile            string
	ServerName         string
	InsecureSkipVerify bool
}

// RedisConfig configures the Redis-backed store implementation.
type RedisConfig struct {
	Addr         string
	Addrs        []string
	Username     string
	Password     string
	Prefix       string
	TTL          time.Duration
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	MasterName   string
	TLS          RedisTLSConfig
}

// NewRedisClient builds a universal client from the shared Redis settings.
// The state store and the broadcast bus reuse the same configuration shape.
func NewRedisClient(cfg RedisConfig) (redis.UniversalClient, error) {
	addrs := make([]string, 0, len(cfg.Addrs)+1)
	for _, addr := range cfg.Addrs {
		if trimmed := strings.TrimSpace(addr); trimmed != "" {
			addrs = append(addrs, trimmed)
		}
	}
	if addr := strings.TrimSpace(cfg.Addr); addr != "" {
		addrs = append(addrs, addr)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("redis addr is required")
	}
	tlsConfig, err := buildTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        addrs,
		MasterName:   strings.TrimSpace(cfg.MasterName),
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		TLSConfig:    tlsConfig,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	}), nil
}

// NewRedisStore initialises a store backed by Redis. The caller is
// responsible for ensuring the Redis instance is reachable.
func NewRedisStore(client redis.UniversalClient, prefix string, ttl time.Duration) Store {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "roomcast"
	}
	if ttl <= 0 {
		ttl = DefaultRoomTTL
	}
	return &redisStore{client: client, prefix: prefix, ttl: ttl}
}

type redisStore struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func (s *redisStore) stateKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:state", s.prefix, roomID)
}

func (s *redisStore) usersKey(roomID string) string {
	return fmt.Sprintf("%s:room:%s:users", s.prefix, roomID)
}

func (s *redisStore) State(ctx context.Context, roomID string) (models.RoomState, error) {
	var state models.RoomState
	raw, err := s.client.GetEx(ctx, s.stateKey(roomID), s.ttl).Result()
	switch {
	case errors.Is(err, redis.Nil):
		if err := s.SetState(ctx, roomID, state); err != nil {
			return models.RoomState{}, err
		}
		return state, nil
	case err != nil:
		return models.RoomState{}, fmt.Errorf("read room state: %w", err)
	}
	if err := json.Unmarshal([]byte(raw), &state); err != nil {
		return models.RoomState{}, fmt.Errorf("decode room state: %w", err)
	}
	return state, nil
}

func (s *redisStore) SetState(ctx context.Context, roomID string, state models.RoomState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode room state: %w", err)
	}
	if err := s.client.Set(ctx, s.stateKey(roomID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("write room state: %w", err)
	}
	return nil
}

func (s *redisStore) Users(ctx context.Context, roomID string) (map[string]models.RoomUser, error) {
	raw, err := s.client.GetEx(ctx, s.usersKey(roomID), s.ttl).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return make(map[string]models.RoomUser), nil
	case err != nil:
		return nil, fmt.Errorf("read room roster: %w", err)
	}
	users := make(map[string]models.RoomUser)
	if err := json.Unmarshal([]byte(raw), &users); err != nil {
		return nil, fmt.Errorf("decode room roster: %w", err)
	}
	return users, nil
}

func (s *redisStore) SetUsers(ctx context.Context, roomID string, users map[string]models.RoomUser) error {
	payload, err := json.Marshal(users)
	if err != nil {
		return fmt.Errorf("encode room roster: %w", err)
	}
	if err := s.client.Set(ctx, s.usersKey(roomID), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("write room roster: %w", err)
	}
	return nil
}

func (s *redisStore) Delete(ctx context.Context, roomID string) error {
	if err := s.client.Del(ctx, s.stateKey(roomID), s.usersKey(roomID)).Err(); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

func buildTLSConfig(cfg RedisTLSConfig) (*tls.Config, error) {
	if cfg.CAFile == "" && cfg.CertFile == "" && cfg.KeyFile == "" && !cfg.InsecureSkipVerify {
		return nil, nil
	}
	tlsCfg := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.ServerName != "" {
		tlsCfg.ServerName = cfg.ServerName
	}
	if cfg.CAFile != "" {
		caPath := filepath.Clean(cfg.CAFile)
		pemData, err := os.ReadFile(caPath)
		if err != nil {
			return nil, fmt.Errorf("read redis tls ca: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pemData) {
			return nil, fmt.Errorf("redis tls ca is invalid")
		}
		tlsCfg.RootCAs = pool
	}
	if cfg.CertFile != "" || cfg.KeyFile != "" {
		certPath := filepath.Clean(cfg.CertFile)
		keyPath := filepath.Clean(cfg.KeyFile)
		cert, err := tls.LoadX509KeyPair(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("load redis tls certificate: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}
	return tlsCfg, nil
}
