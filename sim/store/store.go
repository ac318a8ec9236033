// Package store defines the port through which a finished ensemble run
// persists its serialized distribution. The core writes exactly one value per
// run; durable backends live under features.
package store

import (
	"context"
	"fmt"
	"time"
)

// DefaultResultTTL is how long a persisted distribution stays retrievable.
const DefaultResultTTL = 24 * time.Hour

type (
	// Store is the result persistence port. Implementations must be safe for
	// concurrent use.
	Store interface {
		// Put writes value under key. A zero ttl means the backend default;
		// a negative ttl means no expiry.
		Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	}

	// NoopStore discards all writes.
	NoopStore struct{}
)

// ResultKey derives the persistence key for a pair's distribution.
func ResultKey(pairID string) string {
	return fmt.Sprintf("result:%s", pairID)
}

// NewNoopStore returns a Store that discards everything.
func NewNoopStore() Store { return NoopStore{} }

// Put discards the value.
func (NoopStore) Put(context.Context, string, []byte, time.Duration) error { return nil }
