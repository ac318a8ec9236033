// Package collapse watches a running dialogue for belief collapse, the phase
// transition where the cost of coordinating with a partner exceeds the value
// of the connection. The detector folds five weighted signals into a single
// risk score: epistemic divergence from the belief trackers, linguistic
// withdrawal from the convergence scorer, LLM-scored defensive attribution
// and narrative incoherence, and a response-length latency proxy.
package collapse

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dyadlab/relmc/sim/linguistics"
	"github.com/dyadlab/relmc/sim/model"
	"github.com/dyadlab/relmc/sim/profile"
	"github.com/dyadlab/relmc/sim/telemetry"
	"github.com/dyadlab/relmc/sim/tom"
)

// Signal names one of the five collapse channels.
type Signal string

// The five collapse signals.
const (
	SignalEpistemicDivergence  Signal = "epistemic_divergence"
	SignalLinguisticWithdrawal Signal = "linguistic_withdrawal"
	SignalDefensiveAttribution Signal = "defensive_attribution"
	SignalNarrativeIncoherence Signal = "narrative_incoherence"
	SignalResponseLatencyProxy Signal = "response_latency_proxy"
)

// Level grades a composite risk score.
type Level string

// Risk levels, least to most severe.
const (
	LevelStable   Level = "STABLE"
	LevelLow      Level = "LOW"
	LevelModerate Level = "MODERATE"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Intervention types the detector can recommend.
const (
	InterventionReanchor   = "reanchor"
	InterventionDeescalate = "deescalate"
	InterventionValidate   = "validate"
	InterventionReframe    = "reframe"
)

// DefaultHistoryWindow is how many recent turns feed the LLM-scored signals.
const DefaultHistoryWindow = 15

// signalWeights must sum to exactly 1.
var signalWeights = map[Signal]float64{
	SignalEpistemicDivergence:  0.30,
	SignalLinguisticWithdrawal: 0.20,
	SignalDefensiveAttribution: 0.25,
	SignalNarrativeIncoherence: 0.15,
	SignalResponseLatencyProxy: 0.10,
}

// signalOrder fixes iteration order so argmax ties break the same way every
// run.
var signalOrder = []Signal{
	SignalEpistemicDivergence,
	SignalLinguisticWithdrawal,
	SignalDefensiveAttribution,
	SignalNarrativeIncoherence,
	SignalResponseLatencyProxy,
}

var levelRank = map[Level]int{
	LevelStable:   0,
	LevelLow:      1,
	LevelModerate: 2,
	LevelHigh:     3,
	LevelCritical: 4,
}

// AtLeast reports whether l is as severe as min.
func (l Level) AtLeast(min Level) bool { return levelRank[l] >= levelRank[min] }

var scoreSchema = model.MustSchema("relmc://collapse/score.json", []byte(`{
	"type": "object",
	"required": ["score"],
	"properties": {
		"score":    {"type": "number"},
		"evidence": {"type": "string"}
	}
}`))

const defensivePrompt = `Score the level of defensive attribution in the conversation turns below on a 0.0-1.0 scale.

Defensive attribution means ascribing negative motives to a partner without stated evidence: "you always", "you never", "you just want to", blame-shifting, assuming the worst reading of ambiguous behavior.

Turns:
%s

Bands:
- 0.0-0.2 healthy disagreement, no blame
- 0.3-0.5 mild frustration, some uncharitable interpretations
- 0.6-0.7 active blame, negative motive attribution
- 0.8-1.0 sustained hostile attribution, contempt markers

Respond with ONLY a JSON object: {"score": <float>, "evidence": "<one sentence>"}`

const incoherencePrompt = `Score the narrative incoherence of the shared relationship story in the turns below on a 0.0-1.0 scale.

Look for we/us/our statements, future-oriented statements, past-only references without future framing, and contradictions in how the two describe the relationship.

Turns:
%s

Bands:
- 0.0 strong shared narrative, future-oriented, "we" language
- 0.5 mixed signals, shared framing with visible cracks
- 1.0 no shared narrative, past-only, contradictory accounts

Respond with ONLY a JSON object: {"score": <float>, "evidence": "<one sentence>"}`

type (
	// Detector computes collapse risk for one pair. Not safe for concurrent
	// use; each timeline owns its own Detector.
	Detector struct {
		tomA    *tom.Tracker
		tomB    *tom.Tracker
		scorer  *linguistics.Scorer
		llm     model.Client
		window  int
		logger  telemetry.Logger
		now     func() time.Time
		history []*Assessment
	}

	// Options configures a Detector.
	Options struct {
		// TrackerA and TrackerB are the two agents' belief trackers.
		// Both required.
		TrackerA *tom.Tracker
		TrackerB *tom.Tracker

		// Scorer is the shared linguistic scorer. Required.
		Scorer *linguistics.Scorer

		// Model scores defensive attribution and narrative incoherence.
		// Required.
		Model model.Client

		// HistoryWindow is how many recent turns feed the LLM signals.
		// Zero means DefaultHistoryWindow.
		HistoryWindow int

		// Logger reports degraded signals. Nil discards.
		Logger telemetry.Logger

		// Now supplies assessment timestamps. Nil means time.Now.
		Now func() time.Time
	}

	// Assessment is one collapse risk reading.
	Assessment struct {
		Time    time.Time          `json:"time"`
		Risk    float64            `json:"overallCollapseRisk"`
		Level   Level              `json:"riskLevel"`
		Signals map[Signal]float64 `json:"signalBreakdown"`

		// PrimaryDriver is the strongest signal; ties break in fixed
		// signal order.
		PrimaryDriver Signal `json:"primaryDriver"`

		// TurnsUntilCollapse projects collapse from risk velocity. Nil
		// when the trajectory is stable or improving.
		TurnsUntilCollapse *int `json:"turnsUntilLikelyCollapse,omitempty"`

		InterventionRecommended bool   `json:"interventionRecommended"`
		InterventionType        string `json:"interventionType,omitempty"`

		// CoC and VoC are signal-shorthand estimates of coordination cost
		// and connection value. Collapse is imminent when CoC > VoC.
		CoC float64 `json:"cocEstimate"`
		VoC float64 `json:"vocEstimate"`

		// PostTraumaticGrowth marks risk that peaked earlier and has since
		// recovered well below the peak.
		PostTraumaticGrowth bool `json:"isPostTraumaticGrowth"`
	}

	// Episode summarizes one past crisis for CoC/VoC accounting.
	Episode struct {
		ReachedHomeostasis bool    `json:"reachedHomeostasis"`
		Elasticity         float64 `json:"narrativeElasticity"`
	}
)

// NewDetector validates options and returns a ready Detector.
func NewDetector(opts Options) (*Detector, error) {
	if opts.TrackerA == nil || opts.TrackerB == nil {
		return nil, fmt.Errorf("collapse: both belief trackers are required")
	}
	if opts.Scorer == nil {
		return nil, fmt.Errorf("collapse: linguistic scorer is required")
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("collapse: model client is required")
	}
	window := opts.HistoryWindow
	if window == 0 {
		window = DefaultHistoryWindow
	}
	if window < 0 {
		return nil, fmt.Errorf("collapse: history window must be positive, got %d", window)
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Detector{
		tomA:   opts.TrackerA,
		tomB:   opts.TrackerB,
		scorer: opts.Scorer,
		llm:    opts.Model,
		window: window,
		logger: logger,
		now:    now,
	}, nil
}

// Assess computes the full collapse risk reading for the current moment and
// appends it to the detector's history. Model failures degrade the affected
// signal to zero; only context cancellation fails the call.
func (d *Detector) Assess(ctx context.Context, history []model.Turn) (*Assessment, error) {
	recent := tail(history, d.window)

	epistemic := d.epistemicSignal()
	withdrawal := d.withdrawalSignal()

	defensive, err := d.scoreTurns(ctx, defensivePrompt, "defensive attribution", tail(recent, 5))
	if err != nil {
		return nil, err
	}
	incoherence, err := d.scoreTurns(ctx, incoherencePrompt, "narrative incoherence", recent)
	if err != nil {
		return nil, err
	}
	latency := latencyProxy(history)

	signals := map[Signal]float64{
		SignalEpistemicDivergence:  round4(epistemic),
		SignalLinguisticWithdrawal: round4(withdrawal),
		SignalDefensiveAttribution: round4(defensive),
		SignalNarrativeIncoherence: round4(incoherence),
		SignalResponseLatencyProxy: round4(latency),
	}

	var risk float64
	for sig, weight := range signalWeights {
		risk += signals[sig] * weight
	}
	risk = clamp01(risk)

	level := Classify(risk)
	driver := primaryDriver(signals)

	// Projection and growth detection read history as it stood before this
	// assessment.
	turnsUntil := d.projectTurnsUntilCollapse(risk)
	ptg := d.detectPostTraumaticGrowth()

	a := &Assessment{
		Time:                d.now(),
		Risk:                round4(risk),
		Level:               level,
		Signals:             signals,
		PrimaryDriver:       driver,
		TurnsUntilCollapse:  turnsUntil,
		CoC:                 round4(0.40*signals[SignalEpistemicDivergence] + 0.35*signals[SignalDefensiveAttribution] + 0.25*signals[SignalResponseLatencyProxy]),
		VoC:                 round4(math.Max(0, 1-0.6*signals[SignalNarrativeIncoherence]-0.4*signals[SignalLinguisticWithdrawal])),
		PostTraumaticGrowth: ptg,
	}
	if level.AtLeast(LevelHigh) {
		a.InterventionRecommended = true
		a.InterventionType = suggestIntervention(driver, level)
	}

	d.history = append(d.history, a)
	return a, nil
}

// Classify maps a composite risk score to a Level.
func Classify(risk float64) Level {
	switch {
	case risk > 0.80:
		return LevelCritical
	case risk > 0.60:
		return LevelHigh
	case risk > 0.40:
		return LevelModerate
	case risk > 0.20:
		return LevelLow
	default:
		return LevelStable
	}
}

// History returns all recorded assessments, oldest first.
func (d *Detector) History() []*Assessment {
	out := make([]*Assessment, len(d.history))
	copy(out, d.history)
	return out
}

// ComputeCoCVoC computes the cost of coordination and value of connection
// from the trackers' belief states, the agents' actual profiles and past
// crisis episodes.
//
// CoC = 0.40·divergence + 0.35·epistemicMismatch + 0.25·unresolvedLoad.
// VoC = exp-decay (lambda 0.1) weighted mean of episode elasticity, newest
// first, or 0.5 with no episodes. CoC > VoC means collapse is imminent.
func (d *Detector) ComputeCoCVoC(a, b *profile.ShadowProfile, episodes []Episode) (float64, float64) {
	divergence := (avgDivergence(d.tomA) + avgDivergence(d.tomB)) / 2

	mismatch := d.epistemicMismatch(a, b)

	load := 0.0
	if len(episodes) > 0 {
		unresolved := 0
		for _, ep := range episodes {
			if !ep.ReachedHomeostasis {
				unresolved++
			}
		}
		load = float64(unresolved) / float64(len(episodes))
	}

	coc := 0.40*divergence + 0.35*mismatch + 0.25*load

	voc := 0.5
	if len(episodes) > 0 {
		sum, weights := 0.0, 0.0
		for i := len(episodes) - 1; i >= 0; i-- {
			w := math.Exp(-0.1 * float64(len(episodes)-1-i))
			sum += w * episodes[i].Elasticity
			weights += w
		}
		voc = sum / weights
	}

	return round4(coc), round4(voc)
}

// epistemicSignal averages divergence across both trackers and normalizes by
// ln 2, the JSD ceiling.
func (d *Detector) epistemicSignal() float64 {
	raw := (avgDivergence(d.tomA) + avgDivergence(d.tomB)) / 2
	return math.Min(1, raw/0.693)
}

// withdrawalSignal is 1 when both agents withdraw, 0.5 when one does.
func (d *Detector) withdrawalSignal() float64 {
	aWd := d.scorer.DetectWithdrawal(d.tomA.State().AgentID, 0)
	bWd := d.scorer.DetectWithdrawal(d.tomB.State().AgentID, 0)
	switch {
	case aWd && bWd:
		return 1.0
	case aWd || bWd:
		return 0.5
	default:
		return 0.0
	}
}

// scoreTurns runs one LLM-scored signal over the given turns. Empty turns or
// unusable replies score zero.
func (d *Detector) scoreTurns(ctx context.Context, prompt, name string, turns []model.Turn) (float64, error) {
	if len(turns) == 0 {
		return 0, nil
	}
	content, err := model.Invoke(ctx, d.llm, "You analyze relationship conversations. Respond with JSON only.", fmt.Sprintf(prompt, formatTurns(turns)))
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		d.logger.Warn(ctx, "signal scoring failed, using zero", "signal", name, "error", err.Error())
		return 0, nil
	}
	var out struct {
		Score    float64 `json:"score"`
		Evidence string  `json:"evidence"`
	}
	if err := scoreSchema.Decode(content, &out); err != nil {
		d.logger.Warn(ctx, "signal score unparseable, using zero", "signal", name, "error", err.Error())
		return 0, nil
	}
	return clamp01(out.Score), nil
}

// latencyProxy compares mean turn length of the last 5 turns against the
// prior 10. Shorter recent turns read as terse withdrawal.
func latencyProxy(history []model.Turn) float64 {
	if len(history) < 15 {
		return 0
	}
	recent := meanLength(history[len(history)-5:])
	prior := meanLength(history[len(history)-15 : len(history)-5])
	if prior == 0 {
		return 0
	}
	ratio := recent / prior
	switch {
	case ratio >= 1:
		return 0
	case ratio <= 0.2:
		return 1
	default:
		return (1 - ratio) / 0.8
	}
}

// projectTurnsUntilCollapse extrapolates from the mean risk delta over the
// last five assessments. Nil when there are fewer than three assessments or
// the trajectory is flat or improving.
func (d *Detector) projectTurnsUntilCollapse(current float64) *int {
	if len(d.history) < 3 {
		return nil
	}
	risks := make([]float64, 0, 5)
	for _, a := range d.history[max(0, len(d.history)-5):] {
		risks = append(risks, a.Risk)
	}
	var velocity float64
	for i := 1; i < len(risks); i++ {
		velocity += risks[i] - risks[i-1]
	}
	velocity /= float64(len(risks) - 1)
	if velocity <= 0.01 {
		return nil
	}
	n := int(math.Ceil((1 - current) / velocity))
	if n < 1 {
		n = 1
	}
	return &n
}

// detectPostTraumaticGrowth reports risk that peaked above 0.5 earlier than
// the last two assessments and has since fallen below 60% of the peak.
func (d *Detector) detectPostTraumaticGrowth() bool {
	if len(d.history) < 5 {
		return false
	}
	peak, peakIdx := 0.0, 0
	for i, a := range d.history {
		if a.Risk > peak {
			peak, peakIdx = a.Risk, i
		}
	}
	current := d.history[len(d.history)-1].Risk
	return peakIdx < len(d.history)-2 && peak > 0.5 && current < 0.6*peak
}

// epistemicMismatch measures how differently each agent sees the other
// compared to the other's actual profile, averaged over both directions.
func (d *Detector) epistemicMismatch(a, b *profile.ShadowProfile) float64 {
	modelAB := d.tomA.State().Models[b.AgentID]
	modelBA := d.tomB.State().Models[a.AgentID]
	if modelAB == nil || modelBA == nil {
		return 0.5
	}
	var sum float64
	for _, axis := range profile.Axes {
		sum += math.Abs(modelAB.L1.Values[axis] - b.Values[axis])
		sum += math.Abs(modelBA.L1.Values[axis] - a.Values[axis])
	}
	return math.Min(1, sum/float64(2*len(profile.Axes)))
}

func suggestIntervention(driver Signal, level Level) string {
	switch {
	case driver == SignalEpistemicDivergence && level == LevelCritical:
		return InterventionReanchor
	case driver == SignalDefensiveAttribution:
		return InterventionDeescalate
	case driver == SignalLinguisticWithdrawal && level.AtLeast(LevelHigh):
		return InterventionValidate
	case driver == SignalNarrativeIncoherence:
		return InterventionReframe
	case level == LevelCritical:
		return InterventionDeescalate
	case level == LevelHigh:
		return InterventionValidate
	default:
		return InterventionReframe
	}
}

func primaryDriver(signals map[Signal]float64) Signal {
	best := signalOrder[0]
	for _, sig := range signalOrder[1:] {
		if signals[sig] > signals[best] {
			best = sig
		}
	}
	return best
}

func avgDivergence(t *tom.Tracker) float64 {
	models := t.State().Models
	if len(models) == 0 {
		return 0
	}
	var sum float64
	for _, m := range models {
		sum += m.Divergence
	}
	return sum / float64(len(models))
}

func formatTurns(turns []model.Turn) string {
	lines := make([]string, len(turns))
	for i, t := range turns {
		lines[i] = fmt.Sprintf("[%s]: %s", t.Role, t.Content)
	}
	return strings.Join(lines, "\n")
}

func meanLength(turns []model.Turn) float64 {
	if len(turns) == 0 {
		return 0
	}
	var sum int
	for _, t := range turns {
		sum += len(t.Content)
	}
	return float64(sum) / float64(len(turns))
}

func tail(turns []model.Turn, n int) []model.Turn {
	if len(turns) <= n {
		return turns
	}
	return turns[len(turns)-n:]
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
