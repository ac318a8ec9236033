// Package memory accumulates what a pair learns about itself across a
// dialogue: episodic records of crisis outcomes, semantic records of observed
// behavior patterns, and procedural records of resolution strategies that
// worked. The dialogue engine injects rendered memory context into agent
// prompts; durable and vector-backed stores live under features.
package memory

import (
	"context"
	"time"
)

// Kind classifies a memory record.
type Kind string

// Memory kinds.
const (
	// KindEpisodic records a specific event the pair lived through.
	KindEpisodic Kind = "episodic"
	// KindSemantic records a general pattern observed in the pair's behavior.
	KindSemantic Kind = "semantic"
	// KindProcedural records a strategy that resolved (or failed to resolve)
	// tension.
	KindProcedural Kind = "procedural"
)

type (
	// Record is one stored memory.
	Record struct {
		ID     string `json:"id"`
		PairID string `json:"pairId"`
		Kind   Kind   `json:"kind"`

		// Content is the natural-language memory text.
		Content string `json:"content"`

		// Valence in [-1, 1] scores the memory's emotional charge.
		Valence float64 `json:"valence"`

		// Importance in [0, 1] ranks the memory for recall.
		Importance float64 `json:"importance"`

		// Turn is the dialogue turn the memory was formed at.
		Turn int `json:"turn"`

		CreatedAt time.Time `json:"createdAt"`

		Metadata map[string]string `json:"metadata,omitempty"`
	}

	// Store is the memory persistence port. Implementations must be safe for
	// concurrent use; the in-memory store in this package is the default.
	Store interface {
		// Add persists one record.
		Add(ctx context.Context, rec *Record) error

		// Query returns up to k records for the pair relevant to the query,
		// most relevant first.
		Query(ctx context.Context, pairID, query string, k int) ([]*Record, error)

		// List returns all records for the pair of the given kind, oldest
		// first. An empty kind returns every record.
		List(ctx context.Context, pairID string, kind Kind) ([]*Record, error)
	}

	// Arc summarizes the pair's relationship trajectory from its episodic
	// memories.
	Arc struct {
		// Trajectory is "strengthening", "weakening" or "plateau".
		Trajectory string `json:"trajectory"`

		// TurningPoints lists the episodic records whose valence magnitude
		// reached 0.5, oldest first.
		TurningPoints []*Record `json:"turningPoints,omitempty"`

		// MeanValence averages all episodic valences.
		MeanValence float64 `json:"meanValence"`
	}
)

// Trajectory labels returned by Manager.Arc.
const (
	TrajectoryStrengthening = "strengthening"
	TrajectoryWeakening     = "weakening"
	TrajectoryPlateau       = "plateau"
)
