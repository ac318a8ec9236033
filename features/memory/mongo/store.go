// Package mongo wires the memory.Store port to MongoDB.
package mongo

import (
	"context"
	"errors"

	clientsmongo "github.com/dyadlab/relmc/features/memory/mongo/clients/mongo"
	"github.com/dyadlab/relmc/sim/memory"
)

// Options configures the Store wrapper.
type Options struct {
	Client clientsmongo.Client
}

// Store implements memory.Store by delegating persistence to the Mongo
// client. Recall loads the pair's records and applies the reference ranking;
// Mongo holds the durable copy, relevance stays identical to the in-memory
// store.
type Store struct {
	client clientsmongo.Client
}

// NewStore builds a Mongo-backed memory store using the provided client.
func NewStore(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("client is required")
	}
	return &Store{client: opts.Client}, nil
}

// NewStoreFromMongo is a helper that instantiates the underlying client using
// the given options.
func NewStoreFromMongo(opts clientsmongo.Options) (*Store, error) {
	client, err := clientsmongo.New(opts)
	if err != nil {
		return nil, err
	}
	return NewStore(Options{Client: client})
}

// Add persists the record.
func (s *Store) Add(ctx context.Context, rec *memory.Record) error {
	return s.client.Add(ctx, rec)
}

// Query returns up to k of the pair's records ranked by relevance to the
// query.
func (s *Store) Query(ctx context.Context, pairID, query string, k int) ([]*memory.Record, error) {
	recs, err := s.client.List(ctx, pairID, "")
	if err != nil {
		return nil, err
	}
	return memory.Rank(recs, query, k), nil
}

// List returns the pair's records of the given kind, oldest first.
func (s *Store) List(ctx context.Context, pairID string, kind memory.Kind) ([]*memory.Record, error) {
	return s.client.List(ctx, pairID, kind)
}

var _ memory.Store = (*Store)(nil)
