// Package tom implements the recursive theory-of-mind engine. A Tracker owns
// one agent's belief state: its ground-truth profile (L0), a first-order
// estimate of each partner (L1), a second-order projection of how the partner
// sees the agent (L2), and optionally a third-order layer (L3). Every hidden
// thought runs a Bayesian update from the partner's latest utterance, measures
// the Jensen-Shannon divergence between L1 and L2, and recommends a dialogue
// strategy. Divergence is the collapse detector's leading signal.
package tom

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/dyadlab/relmc/sim/model"
	"github.com/dyadlab/relmc/sim/profile"
	"github.com/dyadlab/relmc/sim/telemetry"
)

// DefaultCollapseThreshold is the divergence above which risk is high.
const DefaultCollapseThreshold = 0.65

// Risk labels ordered by severity.
const (
	RiskLow      = "low"
	RiskModerate = "moderate"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// Recommended dialogue strategies a hidden thought may select.
var strategies = map[string]bool{
	"validate": true,
	"disclose": true,
	"probe":    true,
	"deflect":  true,
	"reanchor": true,
	"mirror":   true,
}

// defaultStrategy is substituted when the model proposes anything else.
const defaultStrategy = "probe"

// l2HistoryWindow caps how many trailing turns feed belief projections.
const l2HistoryWindow = 20

var (
	deltaSchema = model.MustSchema("relmc://tom/deltas.json", []byte(`{
		"type": "object",
		"required": ["deltas"],
		"properties": {
			"deltas": {"type": "object", "additionalProperties": {"type": "number"}}
		}
	}`))
	valuesSchema = model.MustSchema("relmc://tom/values.json", []byte(`{
		"type": "object",
		"required": ["values"],
		"properties": {
			"values": {"type": "object", "additionalProperties": {"type": "number"}}
		}
	}`))
	monologueSchema = model.MustSchema("relmc://tom/monologue.json", []byte(`{
		"type": "object",
		"required": ["thought", "strategy"],
		"properties": {
			"thought":  {"type": "string"},
			"strategy": {"type": "string"},
			"rationale": {"type": "string"}
		}
	}`))
)

type (
	// Tracker maintains one agent's recursive beliefs over a dialogue. Not
	// safe for concurrent use; each timeline constructs its own trackers.
	Tracker struct {
		state      *profile.BeliefState
		llm        model.Client
		depth      int
		threshold  float64
		now        func() time.Time
		logger     telemetry.Logger
		divHistory map[string][]float64
	}

	// Options configures a Tracker.
	Options struct {
		// Shadow is the agent's ground-truth profile. Required.
		Shadow *profile.ShadowProfile

		// Model is the language model used for belief inference. Required.
		Model model.Client

		// RecursionDepth selects two or three belief layers. Zero means 2;
		// anything other than 2 or 3 is rejected.
		RecursionDepth int

		// CollapseThreshold is the divergence above which risk is high.
		// Zero means DefaultCollapseThreshold.
		CollapseThreshold float64

		// Now supplies timestamps for thought records. Zero means time.Now.
		Now func() time.Time

		// Logger reports degraded inferences. Nil discards them.
		Logger telemetry.Logger
	}

	// GapReport quantifies the distance between belief layers for one
	// partner, axis by axis, plus the recent divergence trajectory.
	GapReport struct {
		OtherID string `json:"otherId"`

		// L0L1 is |own actual - estimate of partner| per axis: how unlike
		// the partner the agent believes itself to be.
		L0L1 map[string]float64 `json:"l0l1"`

		// L1L2 is |estimate of partner - projected view of self| per axis.
		L1L2 map[string]float64 `json:"l1l2"`

		// L0L2 is |own actual - projected view of self| per axis: how
		// misread the agent expects to be.
		L0L2 map[string]float64 `json:"l0l2"`

		TotalL0L1 float64 `json:"totalL0l1"`
		TotalL1L2 float64 `json:"totalL1l2"`
		TotalL0L2 float64 `json:"totalL0l2"`

		// DivergenceTrajectory holds up to the last fifteen L1-L2
		// divergences, oldest first.
		DivergenceTrajectory []float64 `json:"divergenceTrajectory"`

		// Direction classifies the trajectory: "increasing", "decreasing",
		// "stable", or "insufficient_data" below three points.
		Direction string `json:"direction"`
	}
)

// NewTracker validates the options and returns a ready Tracker.
func NewTracker(opts Options) (*Tracker, error) {
	if opts.Shadow == nil {
		return nil, fmt.Errorf("tom: shadow profile is required")
	}
	if err := opts.Shadow.Validate(); err != nil {
		return nil, fmt.Errorf("tom: %w", err)
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("tom: model client is required")
	}
	depth := opts.RecursionDepth
	if depth == 0 {
		depth = 2
	}
	if depth != 2 && depth != 3 {
		return nil, fmt.Errorf("tom: recursion depth must be 2 or 3, got %d", opts.RecursionDepth)
	}
	threshold := opts.CollapseThreshold
	if threshold == 0 {
		threshold = DefaultCollapseThreshold
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Tracker{
		state:      profile.NewBeliefState(opts.Shadow),
		llm:        opts.Model,
		depth:      depth,
		threshold:  threshold,
		now:        now,
		logger:     logger,
		divHistory: make(map[string][]float64),
	}, nil
}

// State exposes the live belief state. Callers snapshot it by serializing;
// the tracker keeps ownership.
func (t *Tracker) State() *profile.BeliefState { return t.state }

// AdvanceTurn increments the belief state's turn counter. The dialogue
// engine calls it once per completed exchange.
func (t *Tracker) AdvanceTurn() { t.state.TurnNumber++ }

// HiddenThought runs one full belief update against the partner's latest
// utterance and returns the resulting immutable thought record. Model
// failures degrade to neutral values and never propagate; only context
// cancellation aborts.
func (t *Tracker) HiddenThought(ctx context.Context, otherID, lastUtterance string, history []model.Turn) (*profile.ThoughtRecord, error) {
	m := t.state.ModelOf(otherID)

	deltas, err := t.inferDeltas(ctx, otherID, lastUtterance)
	if err != nil {
		return nil, err
	}
	for _, axis := range profile.Axes {
		m.L1.Values[axis] = BayesianUpdate(m.L1.Values[axis], deltas[axis], DefaultUpdateConfidence)
	}

	l2, err := t.projectValues(ctx, otherID, history, l2Prompt)
	if err != nil {
		return nil, err
	}
	m.L2.Values = l2

	if t.depth == 3 {
		l3, err := t.projectValues(ctx, otherID, history, l3Prompt)
		if err != nil {
			return nil, err
		}
		if m.L3 == nil {
			m.L3 = profile.Neutral(otherID)
		}
		m.L3.Values = l3
	}

	div := JSD(m.L1.Values, m.L2.Values)
	m.Divergence = div
	m.UpdateCount++
	m.Confidence = math.Min(1, 0.98*m.Confidence+0.03*(1-math.Min(div, 1)))
	t.divHistory[otherID] = append(t.divHistory[otherID], div)

	thought, strategy, err := t.monologue(ctx, otherID, lastUtterance, div)
	if err != nil {
		return nil, err
	}

	rec := profile.ThoughtRecord{
		Agent:               t.state.AgentID,
		Timestamp:           t.now(),
		Turn:                t.state.TurnNumber,
		OtherID:             otherID,
		L1Update:            roundedValues(m.L1.Values),
		L2Projection:        copyValues(m.L2.Values),
		EpistemicDivergence: round4(div),
		CollapseRisk:        t.ClassifyRisk(div),
		RawThought:          thought,
		RecommendedStrategy: strategy,
	}
	t.state.ThoughtLog = append(t.state.ThoughtLog, rec)
	return &rec, nil
}

// ClassifyRisk maps a divergence to a risk label. The mapping is weakly
// monotone: higher divergence never yields a lower label.
func (t *Tracker) ClassifyRisk(div float64) string {
	switch {
	case div > 0.80:
		return RiskCritical
	case div > t.threshold:
		return RiskHigh
	case div > 0.40:
		return RiskModerate
	default:
		return RiskLow
	}
}

// EpistemicGapReport measures the per-axis distance between belief layers
// for the given partner and classifies the recent divergence trajectory.
func (t *Tracker) EpistemicGapReport(otherID string) *GapReport {
	m := t.state.ModelOf(otherID)
	rep := &GapReport{
		OtherID: otherID,
		L0L1:    make(map[string]float64, len(profile.Axes)),
		L1L2:    make(map[string]float64, len(profile.Axes)),
		L0L2:    make(map[string]float64, len(profile.Axes)),
	}
	for _, axis := range profile.Axes {
		l0 := t.state.Shadow.Values[axis]
		l1 := m.L1.Values[axis]
		l2 := m.L2.Values[axis]
		rep.L0L1[axis] = round4(math.Abs(l0 - l1))
		rep.L1L2[axis] = round4(math.Abs(l1 - l2))
		rep.L0L2[axis] = round4(math.Abs(l0 - l2))
		rep.TotalL0L1 += rep.L0L1[axis]
		rep.TotalL1L2 += rep.L1L2[axis]
		rep.TotalL0L2 += rep.L0L2[axis]
	}
	rep.TotalL0L1 = round4(rep.TotalL0L1)
	rep.TotalL1L2 = round4(rep.TotalL1L2)
	rep.TotalL0L2 = round4(rep.TotalL0L2)

	hist := t.divHistory[otherID]
	start := len(hist) - 15
	if start < 0 {
		start = 0
	}
	rep.DivergenceTrajectory = append([]float64(nil), hist[start:]...)
	rep.Direction = trendDirection(hist)
	return rep
}

// trendDirection compares the mean of the last three divergences against the
// three before them (or the first three when history is short).
func trendDirection(hist []float64) string {
	if len(hist) < 3 {
		return "insufficient_data"
	}
	recent := meanOf(hist[len(hist)-3:])
	var earlier float64
	if len(hist) >= 6 {
		earlier = meanOf(hist[len(hist)-6 : len(hist)-3])
	} else {
		earlier = meanOf(hist[:3])
	}
	switch {
	case recent-earlier > 0.05:
		return "increasing"
	case recent-earlier < -0.05:
		return "decreasing"
	default:
		return "stable"
	}
}

// inferDeltas asks the model how the utterance shifts the L1 estimate.
// Unparseable output degrades to all-zero deltas.
func (t *Tracker) inferDeltas(ctx context.Context, otherID, utterance string) (map[string]float64, error) {
	deltas := make(map[string]float64, len(profile.Axes))
	for _, axis := range profile.Axes {
		deltas[axis] = 0
	}

	system := "You estimate how a single utterance shifts the apparent priorities of its speaker. Respond with JSON only."
	prompt := fmt.Sprintf(
		"Utterance from %s: %q\n\nFor each axis (%s), estimate how this utterance shifts your estimate of the speaker's weighting, as a number in [-0.3, 0.3]. Unmentioned axes get 0.\n\nJSON: {\"deltas\": {\"autonomy\": 0.0, ...}}",
		otherID, utterance, strings.Join(profile.Axes, ", "),
	)
	content, err := t.complete(ctx, system, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.logger.Warn(ctx, "delta inference failed, using zero deltas", "agent", t.state.AgentID, "error", err.Error())
		return deltas, nil
	}

	var out struct {
		Deltas map[string]float64 `json:"deltas"`
	}
	if err := deltaSchema.Decode(content, &out); err != nil {
		t.logger.Warn(ctx, "delta inference unparseable, using zero deltas", "agent", t.state.AgentID, "error", err.Error())
		return deltas, nil
	}
	for _, axis := range profile.Axes {
		if v, ok := out.Deltas[axis]; ok {
			deltas[axis] = clamp(v, -DeltaClamp, DeltaClamp)
		}
	}
	return deltas, nil
}

// projection prompt builders for L2 and L3
func l2Prompt(agentID, otherID string, comm profile.CommunicationStyle, transcript string) (string, string) {
	system := fmt.Sprintf("You are %s reflecting on how %s currently perceives you. Respond with JSON only.", agentID, otherID)
	prompt := fmt.Sprintf(
		"Recent conversation:\n%s\n\nGiven your %s communication style, estimate what %s now believes your weighting of each axis (%s) to be, as numbers in [0, 1].\n\nJSON: {\"values\": {\"autonomy\": 0.5, ...}}",
		transcript, comm, otherID, strings.Join(profile.Axes, ", "),
	)
	return system, prompt
}

func l3Prompt(agentID, otherID string, comm profile.CommunicationStyle, transcript string) (string, string) {
	system := fmt.Sprintf("You are %s reasoning one level deeper about %s. Respond with JSON only.", agentID, otherID)
	prompt := fmt.Sprintf(
		"Recent conversation:\n%s\n\nEstimate what %s believes YOU believe about their weighting of each axis (%s), as numbers in [0, 1].\n\nJSON: {\"values\": {\"autonomy\": 0.5, ...}}",
		transcript, otherID, strings.Join(profile.Axes, ", "),
	)
	return system, prompt
}

// projectValues runs one projection prompt and normalizes the result to a
// complete, clamped axis map. Unparseable output degrades to all 0.5.
func (t *Tracker) projectValues(ctx context.Context, otherID string, history []model.Turn, build func(string, string, profile.CommunicationStyle, string) (string, string)) (map[string]float64, error) {
	values := make(map[string]float64, len(profile.Axes))
	for _, axis := range profile.Axes {
		values[axis] = 0.5
	}

	system, prompt := build(t.state.AgentID, otherID, t.state.Shadow.Communication, formatTranscript(history, l2HistoryWindow))
	content, err := t.complete(ctx, system, prompt)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		t.logger.Warn(ctx, "belief projection failed, using neutral values", "agent", t.state.AgentID, "error", err.Error())
		return values, nil
	}

	var out struct {
		Values map[string]float64 `json:"values"`
	}
	if err := valuesSchema.Decode(content, &out); err != nil {
		t.logger.Warn(ctx, "belief projection unparseable, using neutral values", "agent", t.state.AgentID, "error", err.Error())
		return values, nil
	}
	for _, axis := range profile.Axes {
		if v, ok := out.Values[axis]; ok {
			values[axis] = clamp01(v)
		}
	}
	return values, nil
}

// monologue produces the inner thought and the strategy line
// "{strategy}: {rationale}".
func (t *Tracker) monologue(ctx context.Context, otherID, utterance string, div float64) (string, string, error) {
	system := fmt.Sprintf("You are the private inner voice of %s. Nobody else reads this. Respond with JSON only.", t.state.AgentID)
	prompt := fmt.Sprintf(
		"%s just said: %q\nYour current epistemic divergence from how you believe they see you: %.3f.\n\nWrite a short hidden thought about what they might really mean, and pick a reply strategy from: validate, disclose, probe, deflect, reanchor, mirror.\n\nJSON: {\"thought\": \"...\", \"strategy\": \"...\", \"rationale\": \"...\"}",
		otherID, utterance, div,
	)
	content, cerr := t.complete(ctx, system, prompt)
	if cerr != nil {
		if ctx.Err() != nil {
			return "", "", ctx.Err()
		}
		t.logger.Warn(ctx, "monologue failed, using default strategy", "agent", t.state.AgentID, "error", cerr.Error())
		return "", defaultStrategy, nil
	}

	var out struct {
		Thought   string `json:"thought"`
		Strategy  string `json:"strategy"`
		Rationale string `json:"rationale"`
	}
	if err := monologueSchema.Decode(content, &out); err != nil {
		t.logger.Warn(ctx, "monologue unparseable, using default strategy", "agent", t.state.AgentID, "error", err.Error())
		return content, defaultStrategy, nil
	}
	if !strategies[out.Strategy] {
		out.Strategy = defaultStrategy
	}
	if out.Rationale == "" {
		return out.Thought, out.Strategy, nil
	}
	return out.Thought, fmt.Sprintf("%s: %s", out.Strategy, out.Rationale), nil
}

func (t *Tracker) complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := t.llm.Complete(ctx, &model.Request{
		System:      system,
		Messages:    []model.Message{{Role: model.RoleUser, Content: prompt}},
		Temperature: 0.3,
		MaxTokens:   600,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func formatTranscript(history []model.Turn, window int) string {
	if len(history) > window {
		history = history[len(history)-window:]
	}
	if len(history) == 0 {
		return "(conversation starting)"
	}
	lines := make([]string, len(history))
	for i, turn := range history {
		lines[i] = fmt.Sprintf("%s: %s", turn.Role, turn.Content)
	}
	return strings.Join(lines, "\n")
}

func copyValues(values map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}

func roundedValues(values map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(values))
	for k, v := range values {
		out[k] = round4(v)
	}
	return out
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	total := 0.0
	for _, x := range xs {
		total += x
	}
	return total / float64(len(xs))
}
