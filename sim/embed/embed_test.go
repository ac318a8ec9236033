package embed

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-12)
	assert.InDelta(t, 0.0, Cosine([]float64{1, 0}, []float64{0, 1}), 1e-12)
	assert.InDelta(t, -1.0, Cosine([]float64{1, 0}, []float64{-1, 0}), 1e-12)

	t.Run("degenerate inputs", func(t *testing.T) {
		assert.Zero(t, Cosine(nil, []float64{1}))
		assert.Zero(t, Cosine([]float64{1, 2}, []float64{1}))
		assert.Zero(t, Cosine([]float64{0, 0}, []float64{1, 1}))
	})
}

func TestMean(t *testing.T) {
	got := Mean([][]float64{{1, 2}, {3, 4}})
	assert.Equal(t, []float64{2, 3}, got)

	t.Run("skips mismatched and empty vectors", func(t *testing.T) {
		got := Mean([][]float64{{1, 2}, nil, {9, 9, 9}, {3, 4}})
		assert.Equal(t, []float64{2, 3}, got)
	})

	t.Run("nil when nothing usable", func(t *testing.T) {
		assert.Nil(t, Mean(nil))
		assert.Nil(t, Mean([][]float64{nil, {}}))
	})
}
