package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fyrsmithlabs/ragd/internal/config"
)

// RedisStore shares session state across replicas. Expiry is delegated to
// redis key TTLs, so Sweep is a no-op.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a RedisStore from configuration.
func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	return &RedisStore{
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password.Value(),
			DB:       cfg.DB,
		}),
	}
}

func redisKey(key Key) string {
	return fmt.Sprintf("ragd:session:%s:%s:%s", key.TenantID, key.AgentSlug, key.UserID)
}

// Get returns the open session for key, or ErrNoSession.
func (r *RedisStore) Get(ctx context.Context, key Key) (*Session, error) {
	data, err := r.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNoSession
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding session: %w", err)
	}
	return &s, nil
}

// Put stores or refreshes a session with the inactivity window as TTL.
func (r *RedisStore) Put(ctx context.Context, s *Session, ttl time.Duration) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encoding session: %w", err)
	}
	if err := r.client.Set(ctx, redisKey(s.Key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes a session.
func (r *RedisStore) Delete(ctx context.Context, key Key) error {
	if err := r.client.Del(ctx, redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Sweep is a no-op: redis expires idle sessions via TTL.
func (r *RedisStore) Sweep(context.Context, time.Duration) (int, error) {
	return 0, nil
}

// Close closes the redis connection.
func (r *RedisStore) Close() error {
	return r.client.Close()
}
