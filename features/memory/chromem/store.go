// Package chromem provides a memory.Store whose recall is backed by the
// chromem-go embedded vector database. Records are embedded on write and
// Query ranks by cosine similarity to the query embedding instead of the
// token-overlap ranking the in-memory store uses. Listing stays ordered by
// insertion, which chromem does not track, so the store keeps its own
// per-pair record index alongside the vector collections.
package chromem

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/dyadlab/relmc/sim/embed"
	"github.com/dyadlab/relmc/sim/memory"
)

type (
	// Options configures a vector-backed memory store.
	Options struct {
		// Embedder produces the vectors records and queries are compared
		// with. Required.
		Embedder embed.Embedder

		// DB is the chromem database to store vectors in. Optional; a
		// process-local in-memory database is used when nil. Pass a
		// chromem.NewPersistentDB result to keep vectors across restarts.
		DB *chromem.DB
	}

	// Store implements memory.Store with one chromem collection per pair.
	Store struct {
		db    *chromem.DB
		embed chromem.EmbeddingFunc

		mu    sync.Mutex
		pairs map[string]*pairIndex
	}

	// pairIndex pairs a chromem collection with the full records, which
	// chromem's metadata-only documents cannot carry.
	pairIndex struct {
		coll    *chromem.Collection
		byID    map[string]*memory.Record
		ordered []*memory.Record
	}
)

// NewStore validates options and returns a vector-backed memory store.
func NewStore(opts Options) (*Store, error) {
	if opts.Embedder == nil {
		return nil, errors.New("embedder is required")
	}
	db := opts.DB
	if db == nil {
		db = chromem.NewDB()
	}
	return &Store{
		db:    db,
		embed: embeddingFunc(opts.Embedder),
		pairs: make(map[string]*pairIndex),
	}, nil
}

// Add embeds the record's content and persists it.
func (s *Store) Add(ctx context.Context, rec *memory.Record) error {
	if rec.ID == "" {
		return errors.New("chromem store: record ID is required")
	}
	if rec.PairID == "" {
		return errors.New("chromem store: pair ID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx, err := s.pairLocked(rec.PairID)
	if err != nil {
		return err
	}
	if err := idx.coll.AddDocument(ctx, chromem.Document{
		ID:       rec.ID,
		Content:  rec.Content,
		Metadata: map[string]string{"kind": string(rec.Kind)},
	}); err != nil {
		return fmt.Errorf("chromem store: add document: %w", err)
	}
	cp := *rec
	idx.byID[rec.ID] = &cp
	idx.ordered = append(idx.ordered, &cp)
	return nil
}

// Query embeds the query and returns up to k of the pair's records by cosine
// similarity, most similar first.
func (s *Store) Query(ctx context.Context, pairID, query string, k int) ([]*memory.Record, error) {
	s.mu.Lock()
	idx, ok := s.pairs[pairID]
	s.mu.Unlock()
	if !ok || k <= 0 {
		return nil, nil
	}

	n := k
	if count := idx.coll.Count(); count < n {
		n = count
	}
	if n == 0 {
		return nil, nil
	}
	results, err := idx.coll.Query(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem store: query: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*memory.Record, 0, len(results))
	for _, res := range results {
		if rec, ok := idx.byID[res.ID]; ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

// List returns the pair's records of the given kind, oldest first. An empty
// kind returns everything.
func (s *Store) List(_ context.Context, pairID string, kind memory.Kind) ([]*memory.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	idx, ok := s.pairs[pairID]
	if !ok {
		return nil, nil
	}
	var out []*memory.Record
	for _, rec := range idx.ordered {
		if kind == "" || rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out, nil
}

// pairLocked returns the pair's index, creating its collection on first use.
// Callers hold s.mu.
func (s *Store) pairLocked(pairID string) (*pairIndex, error) {
	if idx, ok := s.pairs[pairID]; ok {
		return idx, nil
	}
	coll, err := s.db.GetOrCreateCollection("pair-"+pairID, nil, s.embed)
	if err != nil {
		return nil, fmt.Errorf("chromem store: create collection: %w", err)
	}
	idx := &pairIndex{coll: coll, byID: make(map[string]*memory.Record)}
	s.pairs[pairID] = idx
	return idx, nil
}

// embeddingFunc adapts the float64 embedding port to chromem's float32
// callback.
func embeddingFunc(e embed.Embedder) chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out := make([]float32, len(vec))
		for i, v := range vec {
			out[i] = float32(v)
		}
		return out, nil
	}
}

var _ memory.Store = (*Store)(nil)
