package tom

import (
	"context"
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/dyadlab/relmc/sim/profile"
)

func genValueVector() gopter.Gen {
	return gen.SliceOfN(len(profile.Axes), gen.Float64Range(0, 1)).Map(func(vs []float64) map[string]float64 {
		values := make(map[string]float64, len(profile.Axes))
		for i, axis := range profile.Axes {
			values[axis] = vs[i]
		}
		return values
	})
}

func genDeltaVector() gopter.Gen {
	return gen.SliceOfN(len(profile.Axes), gen.Float64Range(-2, 2)).Map(func(vs []float64) map[string]float64 {
		deltas := make(map[string]float64, len(profile.Axes))
		for i, axis := range profile.Axes {
			deltas[axis] = vs[i]
		}
		return deltas
	})
}

func TestJSDProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("symmetric within 1e-6", prop.ForAll(
		func(p, q map[string]float64) bool {
			return math.Abs(JSD(p, q)-JSD(q, p)) <= 1e-6
		},
		genValueVector(), genValueVector(),
	))

	properties.Property("bounded by [0, ln 2]", prop.ForAll(
		func(p, q map[string]float64) bool {
			d := JSD(p, q)
			return d >= 0 && d <= math.Ln2
		},
		genValueVector(), genValueVector(),
	))

	properties.Property("identical vectors diverge by zero", prop.ForAll(
		func(p map[string]float64) bool {
			return JSD(p, p) == 0
		},
		genValueVector(),
	))

	properties.TestingRun(t)
}

func TestBayesianUpdateProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("posterior stays in the unit interval", prop.ForAll(
		func(prior, delta, confidence float64) bool {
			post := BayesianUpdate(prior, delta, confidence)
			return post >= 0 && post <= 1
		},
		gen.Float64Range(0, 1), gen.Float64Range(-DeltaClamp, DeltaClamp), gen.Float64Range(0, 1),
	))

	properties.Property("zero delta is a fixed point", prop.ForAll(
		func(prior, confidence float64) bool {
			return BayesianUpdate(prior, 0, confidence) == prior
		},
		gen.Float64Range(0, 1), gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}

func TestBeliefIntegrityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("L1 stays a valid value vector under any update sequence", prop.ForAll(
		func(deltaSeq []map[string]float64) bool {
			var responses []string
			for _, d := range deltaSeq {
				responses = append(responses,
					respDeltas(d),
					respValues(nil),
					respMonologue("", "probe", ""),
				)
			}
			tr, err := NewTracker(Options{Shadow: testProfile("ava"), Model: &scriptedModel{responses: responses}})
			if err != nil {
				return false
			}
			for range deltaSeq {
				if _, err := tr.HiddenThought(context.Background(), "ben", "turn", nil); err != nil {
					return false
				}
			}
			l1 := tr.State().ModelOf("ben").L1
			if len(l1.Values) != len(profile.Axes) {
				return false
			}
			for _, axis := range profile.Axes {
				v, ok := l1.Values[axis]
				if !ok || v < 0 || v > 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(genDeltaVector()),
	))

	properties.TestingRun(t)
}

func TestRiskMonotonicityProperty(t *testing.T) {
	tr, err := NewTracker(Options{Shadow: testProfile("ava"), Model: &scriptedModel{}})
	if err != nil {
		t.Fatal(err)
	}
	rank := map[string]int{RiskLow: 0, RiskModerate: 1, RiskHigh: 2, RiskCritical: 3}

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("higher divergence never lowers the risk label", prop.ForAll(
		func(d1, d2 float64) bool {
			lo, hi := d1, d2
			if lo > hi {
				lo, hi = hi, lo
			}
			return rank[tr.ClassifyRisk(lo)] <= rank[tr.ClassifyRisk(hi)]
		},
		gen.Float64Range(0, 1), gen.Float64Range(0, 1),
	))

	properties.TestingRun(t)
}
