package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// InmemStore keeps records in process memory. Query ranks by exact token
// overlap with the query, importance and recency; it is the default store and
// the reference semantics for the vector and Mongo backends under features.
type InmemStore struct {
	mu   sync.RWMutex
	recs map[string][]*Record
}

// NewInmemStore returns an empty in-memory store.
func NewInmemStore() *InmemStore {
	return &InmemStore{recs: make(map[string][]*Record)}
}

// Add persists the record.
func (s *InmemStore) Add(_ context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *rec
	s.recs[rec.PairID] = append(s.recs[rec.PairID], &cp)
	return nil
}

// Query returns up to k records ordered by token overlap with the query,
// then importance, then recency. Records sharing no token with the query are
// excluded unless nothing matches, in which case the most important recent
// records are returned instead.
func (s *InmemStore) Query(_ context.Context, pairID, query string, k int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Rank(s.recs[pairID], query, k), nil
}

// Rank orders records by token overlap with the query, then importance, then
// recency, and returns at most k of them. It is the reference recall ranking;
// backends without their own relevance model delegate to it.
func Rank(all []*Record, query string, k int) []*Record {
	if len(all) == 0 || k <= 0 {
		return nil
	}

	terms := strings.Fields(strings.ToLower(query))
	type scored struct {
		rec     *Record
		overlap int
	}
	ranked := make([]scored, 0, len(all))
	for _, rec := range all {
		content := strings.ToLower(rec.Content)
		overlap := 0
		for _, term := range terms {
			if strings.Contains(content, term) {
				overlap++
			}
		}
		ranked = append(ranked, scored{rec: rec, overlap: overlap})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].overlap != ranked[j].overlap {
			return ranked[i].overlap > ranked[j].overlap
		}
		if ranked[i].rec.Importance != ranked[j].rec.Importance {
			return ranked[i].rec.Importance > ranked[j].rec.Importance
		}
		return ranked[i].rec.CreatedAt.After(ranked[j].rec.CreatedAt)
	})

	out := make([]*Record, 0, k)
	for _, sc := range ranked {
		if len(terms) > 0 && sc.overlap == 0 && len(out) > 0 {
			break
		}
		out = append(out, sc.rec)
		if len(out) == k {
			break
		}
	}
	return out
}

// List returns the pair's records of the given kind, oldest first. An empty
// kind returns everything.
func (s *InmemStore) List(_ context.Context, pairID string, kind Kind) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Record
	for _, rec := range s.recs[pairID] {
		if kind == "" || rec.Kind == kind {
			out = append(out, rec)
		}
	}
	return out, nil
}
