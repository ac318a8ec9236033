// Package redis provides a store.Store implementation backed by Redis. Each
// finished ensemble run writes one serialized distribution under its result
// key with a TTL, so API consumers can fetch recent results without keeping
// the orchestrator alive.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dyadlab/relmc/sim/store"
)

type (
	// Cmdable captures the subset of the go-redis client used by the store.
	// Satisfied by *redis.Client and *redis.ClusterClient.
	Cmdable interface {
		Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
		Get(ctx context.Context, key string) *redis.StringCmd
	}

	// Store persists ensemble distributions in Redis.
	Store struct {
		client Cmdable
	}
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("redis store: not found")

// New builds a Redis-backed result store.
func New(client Cmdable) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	return &Store{client: client}, nil
}

// Put writes value under key. A zero ttl falls back to store.DefaultResultTTL;
// a negative ttl persists without expiry.
func (s *Store) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("redis store: key is required")
	}
	switch {
	case ttl == 0:
		ttl = store.DefaultResultTTL
	case ttl < 0:
		ttl = 0 // go-redis treats zero expiration as "no expiry"
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis store: set %s: %w", key, err)
	}
	return nil
}

// Get reads the value stored under key. Missing keys yield ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis store: get %s: %w", key, err)
	}
	return data, nil
}

var _ store.Store = (*Store)(nil)
