// Package embed defines the text embedding port and the small amount of
// vector math the simulation performs on embeddings. Backends live under
// features; the linguistic scorer and crisis generator only consume vectors.
package embed

import (
	"context"

	"gonum.org/v1/gonum/floats"
)

// Embedder is the text embedding port. Implementations must return vectors
// of a stable dimension and be safe for concurrent use. A nil Embedder is a
// valid configuration: callers fall back to lexical approximations.
type Embedder interface {
	// Embed returns the embedding vector for text.
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Cosine returns the cosine similarity of a and b, or 0 when either vector
// is empty, zero-length in norm, or the dimensions disagree.
func Cosine(a, b []float64) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	na := floats.Norm(a, 2)
	nb := floats.Norm(b, 2)
	if na == 0 || nb == 0 {
		return 0
	}
	return floats.Dot(a, b) / (na * nb)
}

// Mean returns the elementwise mean of the given vectors, skipping vectors
// whose dimension disagrees with the first. Returns nil when no usable
// vector exists.
func Mean(vectors [][]float64) []float64 {
	var sum []float64
	n := 0
	for _, v := range vectors {
		if len(v) == 0 {
			continue
		}
		if sum == nil {
			sum = make([]float64, len(v))
		}
		if len(v) != len(sum) {
			continue
		}
		floats.Add(sum, v)
		n++
	}
	if n == 0 {
		return nil
	}
	floats.Scale(1/float64(n), sum)
	return sum
}
