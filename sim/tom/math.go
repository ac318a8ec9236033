package tom

import (
	"math"
	"sort"
)

// DeltaClamp bounds the per-axis belief shift a single utterance can cause.
const DeltaClamp = 0.3

// DefaultUpdateConfidence weights evidence in BayesianUpdate when the caller
// has no better estimate.
const DefaultUpdateConfidence = 0.7

// BayesianUpdate moves a prior toward the observed delta, weighted by
// confidence, clamped to the unit interval.
func BayesianUpdate(prior, delta, confidence float64) float64 {
	return clamp01(prior + confidence*delta)
}

// JSD returns the Jensen-Shannon divergence between two value vectors using
// the natural logarithm, so results live in [0, ln 2]. Both vectors are
// epsilon-smoothed and normalized first; iteration follows sorted key order
// so the result is deterministic. The result is rounded to six decimals.
func JSD(p, q map[string]float64) float64 {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	for k := range q {
		if _, ok := p[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	const eps = 1e-10
	pn := make([]float64, len(keys))
	qn := make([]float64, len(keys))
	var sp, sq float64
	for i, k := range keys {
		pn[i] = p[k] + eps
		qn[i] = q[k] + eps
		sp += pn[i]
		sq += qn[i]
	}

	var div float64
	for i := range keys {
		pi := pn[i] / sp
		qi := qn[i] / sq
		m := (pi + qi) / 2
		div += 0.5*pi*math.Log(pi/m) + 0.5*qi*math.Log(qi/m)
	}
	if div < 0 {
		div = 0
	}
	return math.Round(div*1e6) / 1e6
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
