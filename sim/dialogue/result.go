package dialogue

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/dyadlab/relmc/sim/collapse"
	"github.com/dyadlab/relmc/sim/model"
)

// TimelineID derives the stable timeline identifier for a pair and seed.
// Deriving rather than drawing keeps equal-seed runs byte-identical.
func TimelineID(pairID string, seed int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("%s/%d", pairID, seed))).String()
}

type (
	// TimelineResult is the outcome of one timeline. The JSON field names
	// are the persisted wire form and must not change.
	TimelineResult struct {
		TimelineID string `json:"timelineId"`
		Seed       int64  `json:"seed"`
		PairID     string `json:"pairId"`

		CrisisSeverity float64 `json:"crisisSeverity"`
		CrisisAxis     string  `json:"crisisAxis"`

		ReachedHomeostasis  bool    `json:"reachedHomeostasis"`
		NarrativeElasticity float64 `json:"narrativeElasticity"`
		FinalResilience     float64 `json:"finalResilienceScore"`
		Antifragile         bool    `json:"antifragile"`

		TurnsTotal       int     `json:"turnsTotal"`
		CollapseEvents   int     `json:"beliefCollapseEvents"`
		FinalConvergence float64 `json:"linguisticConvergenceFinal"`

		Transcript      []model.Turn     `json:"fullTranscript"`
		BeliefSnapshots []BeliefSnapshot `json:"beliefStateSnapshots"`
	}

	// BeliefSnapshot is the per-assessment view kept on the result: the
	// turn it was taken at, the composite risk and its breakdown.
	BeliefSnapshot struct {
		Turn            int                         `json:"turn"`
		Risk            float64                     `json:"risk"`
		RiskLevel       collapse.Level              `json:"riskLevel"`
		SignalBreakdown map[collapse.Signal]float64 `json:"signalBreakdown"`
	}
)

// Finish derives the timeline result from the final state. Call after Step
// reports done (Run calls it for you).
func (d *Dialogue) Finish() *TimelineResult {
	st := d.state

	severity, axis := 0.0, "none"
	if st.ActiveCrisis != nil {
		severity, axis = st.ActiveCrisis.Severity, st.ActiveCrisis.TargetAxis
	}

	collapseCount := 0
	for _, a := range st.CollapseAssessments {
		if a.Level.AtLeast(collapse.LevelHigh) {
			collapseCount++
		}
	}

	finalConvergence := 0.5
	if n := len(st.ConvergenceLog); n > 0 {
		finalConvergence = st.ConvergenceLog[n-1].ResilienceDelta
	}

	antifragile := st.HomeostasisReached && st.ResilienceScore >= 0.6 && st.CrisisInjectedAt != nil

	return &TimelineResult{
		TimelineID:          d.timelineID,
		Seed:                d.seed,
		PairID:              st.PairID,
		CrisisSeverity:      severity,
		CrisisAxis:          axis,
		ReachedHomeostasis:  st.HomeostasisReached,
		NarrativeElasticity: clamp01(finalConvergence),
		FinalResilience:     st.ResilienceScore,
		Antifragile:         antifragile,
		TurnsTotal:          st.TurnNumber,
		CollapseEvents:      collapseCount,
		FinalConvergence:    round4(finalConvergence),
		Transcript:          append([]model.Turn(nil), st.History...),
		BeliefSnapshots:     append([]BeliefSnapshot(nil), d.snapshots...),
	}
}

// FailedResult is the placeholder a broken timeline contributes to its
// ensemble: zero severity, unknown axis, no homeostasis. The ensemble keeps
// aggregating; one bad timeline never sinks a run.
func FailedResult(pairID string, seed int64) *TimelineResult {
	return &TimelineResult{
		TimelineID: TimelineID(pairID, seed),
		Seed:       seed,
		PairID:     pairID,
		CrisisAxis: "unknown",
	}
}
