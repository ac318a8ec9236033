package ensemble

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"

	"github.com/dyadlab/relmc/sim/dialogue"
)

// Compatibility verdicts keyed by homeostasis rate.
const (
	VerdictHigh     = "HIGH COMPATIBILITY — This pair demonstrates strong relational resilience across crisis scenarios."
	VerdictModerate = "MODERATE COMPATIBILITY — Pair recovers in most scenarios but shows vulnerability under high-severity stress."
	VerdictGuarded  = "GUARDED — Significant collapse risk. Targeted support recommended for vulnerable axes."
	VerdictLow      = "LOW COMPATIBILITY — Majority of timelines result in belief collapse. Consider pre-emptive intervention."
)

// Quartile labels, low severity to high.
var quartileLabels = [4]string{"Q1 (low)", "Q2", "Q3", "Q4 (high)"}

type (
	// Analysis is the statistical reading of a Distribution.
	Analysis struct {
		// Err is set instead of the statistics when the distribution has
		// no timelines.
		Err string `json:"error,omitempty"`

		// Quartiles buckets timelines by severity, low to high.
		Quartiles []QuartileRate `json:"homeostasisBySeverityQuartile,omitempty"`

		// SurvivalCurve is the homeostasis rate over timelines at or above
		// each severity threshold. Thresholds with no timelines are
		// skipped.
		SurvivalCurve []SurvivalPoint `json:"survivalCurve,omitempty"`

		// ConfidenceIntervals are 95% normal-approximation intervals
		// clamped to [0, 1].
		ConfidenceIntervals ConfidenceIntervals `json:"confidenceIntervals"`

		// RiskScenarios are the up-to-three crisis axes with the highest
		// collapse rates.
		RiskScenarios []RiskScenario `json:"riskScenarios,omitempty"`

		// Recommendation is the compatibility verdict.
		Recommendation string `json:"recommendation,omitempty"`
	}

	// QuartileRate is one severity bucket.
	QuartileRate struct {
		Label           string  `json:"label"`
		N               int     `json:"n"`
		HomeostasisRate float64 `json:"homeostasisRate"`
		MeanSeverity    float64 `json:"meanSeverity"`
	}

	// SurvivalPoint is one point of the survival curve.
	SurvivalPoint struct {
		Threshold float64 `json:"threshold"`
		Rate      float64 `json:"rate"`
	}

	// CI is a clamped 95% confidence interval.
	CI struct {
		Low  float64 `json:"low"`
		High float64 `json:"high"`
	}

	// ConfidenceIntervals groups the three metric intervals.
	ConfidenceIntervals struct {
		Homeostasis CI `json:"homeostasisRate"`
		Elasticity  CI `json:"narrativeElasticity"`
		Resilience  CI `json:"resilienceScore"`
	}

	// RiskScenario summarizes collapses on one crisis axis.
	RiskScenario struct {
		Axis         string  `json:"axis"`
		Collapses    int     `json:"nCollapses"`
		MeanSeverity float64 `json:"meanSeverity"`
		CollapseRate float64 `json:"collapseRate"`
	}
)

// AnalyzeDistribution derives the statistical analysis of an ensemble run.
// An empty distribution yields an Analysis carrying an error note; the call
// never panics.
func AnalyzeDistribution(dist *Distribution) *Analysis {
	if dist == nil || len(dist.Timelines) == 0 {
		return &Analysis{Err: "no timelines to analyze"}
	}
	timelines := dist.Timelines

	a := &Analysis{
		Quartiles:     severityQuartiles(timelines),
		SurvivalCurve: survivalCurve(timelines),
		RiskScenarios: riskScenarios(timelines),
	}

	elasticities := make([]float64, len(timelines))
	resiliences := make([]float64, len(timelines))
	for i, t := range timelines {
		elasticities[i] = t.NarrativeElasticity
		resiliences[i] = t.FinalResilience
	}
	rate := dist.HomeostasisRate()
	a.ConfidenceIntervals = ConfidenceIntervals{
		Homeostasis: binomialCI(rate, len(timelines)),
		Elasticity:  sampleCI(elasticities),
		Resilience:  sampleCI(resiliences),
	}
	a.Recommendation = Verdict(rate)
	return a
}

// Verdict maps a homeostasis rate to the compatibility verdict string.
func Verdict(homeostasisRate float64) string {
	switch {
	case homeostasisRate >= 0.80:
		return VerdictHigh
	case homeostasisRate >= 0.60:
		return VerdictModerate
	case homeostasisRate >= 0.40:
		return VerdictGuarded
	default:
		return VerdictLow
	}
}

// severityQuartiles sorts by severity and splits into four buckets of
// max(1, n/4); the last bucket takes the remainder.
func severityQuartiles(timelines []*dialogue.TimelineResult) []QuartileRate {
	sorted := append([]*dialogue.TimelineResult(nil), timelines...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].CrisisSeverity < sorted[j].CrisisSeverity
	})
	size := max(1, len(sorted)/4)

	out := make([]QuartileRate, 0, 4)
	for q := 0; q < 4; q++ {
		start := q * size
		if start >= len(sorted) {
			out = append(out, QuartileRate{Label: quartileLabels[q]})
			continue
		}
		end := start + size
		if q == 3 || end > len(sorted) {
			end = len(sorted)
		}
		bucket := sorted[start:end]

		recovered := 0
		var sevSum float64
		for _, t := range bucket {
			if t.ReachedHomeostasis {
				recovered++
			}
			sevSum += t.CrisisSeverity
		}
		out = append(out, QuartileRate{
			Label:           quartileLabels[q],
			N:               len(bucket),
			HomeostasisRate: float64(recovered) / float64(len(bucket)),
			MeanSeverity:    sevSum / float64(len(bucket)),
		})
	}
	return out
}

// survivalCurve computes the homeostasis rate at thresholds 0.05..0.95 in
// 0.05 steps, skipping thresholds no timeline reaches.
func survivalCurve(timelines []*dialogue.TimelineResult) []SurvivalPoint {
	var curve []SurvivalPoint
	for i := 1; i < 20; i++ {
		threshold := float64(i) / 20
		above, recovered := 0, 0
		for _, t := range timelines {
			if t.CrisisSeverity >= threshold {
				above++
				if t.ReachedHomeostasis {
					recovered++
				}
			}
		}
		if above == 0 {
			continue
		}
		curve = append(curve, SurvivalPoint{
			Threshold: threshold,
			Rate:      float64(recovered) / float64(above),
		})
	}
	return curve
}

// riskScenarios groups collapsed timelines by crisis axis and returns the top
// three by collapse rate. Ties break by collapse count, then axis name.
func riskScenarios(timelines []*dialogue.TimelineResult) []RiskScenario {
	perAxis := make(map[string][]float64)
	totals := make(map[string]int)
	for _, t := range timelines {
		totals[t.CrisisAxis]++
		if !t.ReachedHomeostasis {
			perAxis[t.CrisisAxis] = append(perAxis[t.CrisisAxis], t.CrisisSeverity)
		}
	}

	scenarios := make([]RiskScenario, 0, len(perAxis))
	for axis, sevs := range perAxis {
		scenarios = append(scenarios, RiskScenario{
			Axis:         axis,
			Collapses:    len(sevs),
			MeanSeverity: stat.Mean(sevs, nil),
			CollapseRate: float64(len(sevs)) / float64(max(1, totals[axis])),
		})
	}
	sort.Slice(scenarios, func(i, j int) bool {
		if scenarios[i].CollapseRate != scenarios[j].CollapseRate {
			return scenarios[i].CollapseRate > scenarios[j].CollapseRate
		}
		if scenarios[i].Collapses != scenarios[j].Collapses {
			return scenarios[i].Collapses > scenarios[j].Collapses
		}
		return scenarios[i].Axis < scenarios[j].Axis
	})
	if len(scenarios) > 3 {
		scenarios = scenarios[:3]
	}
	return scenarios
}

// binomialCI is the normal approximation of a proportion's 95% interval.
func binomialCI(rate float64, n int) CI {
	if n == 0 {
		return CI{}
	}
	se := math.Sqrt(rate * (1 - rate) / float64(n))
	return CI{
		Low:  math.Max(0, rate-1.96*se),
		High: math.Min(1, rate+1.96*se),
	}
}

// sampleCI is the mean-based 95% interval; fewer than two values degenerate
// to a point.
func sampleCI(values []float64) CI {
	switch len(values) {
	case 0:
		return CI{}
	case 1:
		return CI{Low: values[0], High: values[0]}
	}
	m := stat.Mean(values, nil)
	se := stat.StdDev(values, nil) / math.Sqrt(float64(len(values)))
	return CI{
		Low:  math.Max(0, m-1.96*se),
		High: math.Min(1, m+1.96*se),
	}
}
