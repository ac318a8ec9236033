package ensemble

import (
	"sort"
	"sync"
	"time"

	"github.com/dyadlab/relmc/sim/dialogue"
)

// Ensemble run statuses.
const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

// Distribution is the aggregate outcome of one ensemble run: the raw timeline
// results plus derived rates. Derived values are computed on first access and
// cached; a Distribution is read-only once RunEnsemble returns, so the cached
// view is safe to share.
type Distribution struct {
	PairID       string                     `json:"pairId"`
	NSimulations int                        `json:"nSimulations"`
	Status       string                     `json:"status"`
	ComputedAt   time.Time                  `json:"computedAt"`
	Timelines    []*dialogue.TimelineResult `json:"timelines"`

	once  sync.Once
	stats *derivedStats
}

type derivedStats struct {
	homeostasisRate   float64
	antifragilityRate float64
	medianElasticity  float64
	p20Homeostasis    float64
	p80Homeostasis    float64
	attribution       map[string]float64
	primaryVector     string
}

// HomeostasisRate is the fraction of timelines that reached homeostasis.
func (d *Distribution) HomeostasisRate() float64 { return d.derived().homeostasisRate }

// AntifragilityRate is the fraction of timelines that emerged stronger than
// baseline after a crisis.
func (d *Distribution) AntifragilityRate() float64 { return d.derived().antifragilityRate }

// MedianElasticity is the median narrative elasticity across all timelines.
func (d *Distribution) MedianElasticity() float64 { return d.derived().medianElasticity }

// P20Homeostasis is the homeostasis rate over timelines whose crisis severity
// exceeds the 20th percentile.
func (d *Distribution) P20Homeostasis() float64 { return d.derived().p20Homeostasis }

// P80Homeostasis is the homeostasis rate over timelines whose crisis severity
// exceeds the 80th percentile.
func (d *Distribution) P80Homeostasis() float64 { return d.derived().p80Homeostasis }

// CollapseAttribution is the share of collapsed timelines attributed to each
// crisis axis. Shares sum to 1 when any timeline collapsed; the map is empty
// when none did. Callers must not mutate the returned map.
func (d *Distribution) CollapseAttribution() map[string]float64 { return d.derived().attribution }

// PrimaryCollapseVector is the crisis axis most frequently causing collapse,
// or "none" when every timeline recovered. Ties break lexicographically.
func (d *Distribution) PrimaryCollapseVector() string { return d.derived().primaryVector }

func (d *Distribution) derived() *derivedStats {
	d.once.Do(func() { d.stats = computeStats(d.Timelines) })
	return d.stats
}

func computeStats(timelines []*dialogue.TimelineResult) *derivedStats {
	s := &derivedStats{attribution: map[string]float64{}, primaryVector: "none"}
	n := len(timelines)
	if n == 0 {
		return s
	}

	homeo, anti := 0, 0
	elasticities := make([]float64, 0, n)
	severities := make([]float64, 0, n)
	collapsedByAxis := make(map[string]int)
	collapsed := 0
	for _, t := range timelines {
		if t.ReachedHomeostasis {
			homeo++
		} else {
			collapsed++
			collapsedByAxis[t.CrisisAxis]++
		}
		if t.Antifragile {
			anti++
		}
		elasticities = append(elasticities, t.NarrativeElasticity)
		severities = append(severities, t.CrisisSeverity)
	}

	s.homeostasisRate = float64(homeo) / float64(n)
	s.antifragilityRate = float64(anti) / float64(n)
	s.medianElasticity = median(elasticities)

	sort.Float64s(severities)
	s.p20Homeostasis = rateAboveSeverity(timelines, p20Threshold(severities))
	s.p80Homeostasis = rateAboveSeverity(timelines, p80Threshold(severities))

	if collapsed > 0 {
		for axis, count := range collapsedByAxis {
			s.attribution[axis] = float64(count) / float64(collapsed)
		}
		for axis, share := range s.attribution {
			if s.primaryVector == "none" ||
				share > s.attribution[s.primaryVector] ||
				(share == s.attribution[s.primaryVector] && axis < s.primaryVector) {
				s.primaryVector = axis
			}
		}
	}
	return s
}

// p20Threshold is the 20th-percentile severity, or 0 with fewer than five
// timelines so that every timeline counts.
func p20Threshold(sorted []float64) float64 {
	if len(sorted) < 5 {
		return 0
	}
	return sorted[len(sorted)/5]
}

func p80Threshold(sorted []float64) float64 {
	idx := int(float64(len(sorted)) * 0.8)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// rateAboveSeverity is the homeostasis rate over timelines with severity
// strictly above the threshold; 0 when none qualify.
func rateAboveSeverity(timelines []*dialogue.TimelineResult, threshold float64) float64 {
	above, recovered := 0, 0
	for _, t := range timelines {
		if t.CrisisSeverity > threshold {
			above++
			if t.ReachedHomeostasis {
				recovered++
			}
		}
	}
	if above == 0 {
		return 0
	}
	return float64(recovered) / float64(above)
}

// median averages the two middle values for even counts.
func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}
