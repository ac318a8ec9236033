// Package crisis generates black swan events tailored to a pair's joint
// vulnerabilities. The generator multiplies the two agents' value vectors,
// amplifies axes touched by shared fears and risky attachment pairings,
// samples a severity from a heavy-tailed distribution, and asks the language
// model to narrate the event. It also measures narrative elasticity (how much
// of the pair's shared identity survives a crisis) and can chain aftershock
// cascades.
package crisis

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"regexp"
	"sort"
	"strings"

	"github.com/dyadlab/relmc/sim/embed"
	"github.com/dyadlab/relmc/sim/model"
	"github.com/dyadlab/relmc/sim/profile"
	"github.com/dyadlab/relmc/sim/telemetry"
)

// Distribution names a severity sampling distribution.
type Distribution string

// Supported severity distributions.
const (
	DistPareto  Distribution = "pareto"
	DistUniform Distribution = "uniform"
	DistBeta    Distribution = "beta"
)

// Severity bounds applied after vulnerability scaling.
const (
	MinSeverity = 0.05
	MaxSeverity = 0.98
)

// DefaultAlpha is the Pareto shape parameter. Lower values fatten the tail.
const DefaultAlpha = 1.5

// fearAxis maps fear names onto the value axis a crisis should target.
var fearAxis = map[string]string{
	"abandonment":   "belonging",
	"failure":       "achievement",
	"engulfment":    "autonomy",
	"rejection":     "intimacy",
	"loss":          "security",
	"inadequacy":    "achievement",
	"betrayal":      "intimacy",
	"instability":   "stability",
	"powerlessness": "power",
	"isolation":     "belonging",
	"irrelevance":   "power",
	"vulnerability": "security",
}

// axisEvent maps a target axis onto the event type that attacks it.
var axisEvent = map[string]string{
	"security":    "financial_collapse",
	"stability":   "financial_collapse",
	"intimacy":    "betrayal",
	"belonging":   "loss",
	"autonomy":    "career_disruption",
	"achievement": "career_disruption",
	"novelty":     "values_conflict",
	"power":       "external_threat",
}

var identityMarker = regexp.MustCompile(`\b(we|us|our|together)\b`)

var narrativeSchema = model.MustSchema("relmc://crisis/narrative.json", []byte(`{
	"type": "object",
	"required": ["narrative", "decision_point"],
	"properties": {
		"narrative":        {"type": "string"},
		"decision_point":   {"type": "string"},
		"likely_a_reaction": {"type": "string"},
		"likely_b_reaction": {"type": "string"}
	}
}`))

const defaultDecisionPoint = "How do the two of you respond?"

type (
	// Generator builds crisis events for one pair. Safe for concurrent use
	// as long as callers pass per-timeline rand sources.
	Generator struct {
		llm      model.Client
		embedder embed.Embedder
		dist     Distribution
		alpha    float64
		logger   telemetry.Logger
	}

	// Options configures a Generator.
	Options struct {
		// Model narrates events. Required.
		Model model.Client

		// Embedder powers narrative elasticity. Nil degrades to a neutral
		// 0.5 measurement.
		Embedder embed.Embedder

		// Dist selects the severity distribution. Empty means DistPareto.
		Dist Distribution

		// Alpha is the Pareto shape. Zero means DefaultAlpha.
		Alpha float64

		// Logger reports degraded narration. Nil discards.
		Logger telemetry.Logger
	}

	// Vulnerability names the axis a crisis should target and why.
	Vulnerability struct {
		Axis        string  `json:"axis"`
		Score       float64 `json:"score"`
		Explanation string  `json:"explanation"`
	}

	// BlackSwanEvent is one generated crisis.
	BlackSwanEvent struct {
		EventType     string  `json:"eventType"`
		TargetAxis    string  `json:"targetAxis"`
		Severity      float64 `json:"severity"`
		Narrative     string  `json:"narrative"`
		DecisionPoint string  `json:"decisionPoint"`

		// ExpectedCollapse estimates each agent's collapse pressure from
		// this event. Scores can exceed 1; they are pressures, not
		// probabilities.
		ExpectedCollapse map[string]float64 `json:"expectedCollapse"`

		// ElasticityThreshold is the convergence level the pair must hold
		// after injection for homeostasis to be reachable.
		ElasticityThreshold float64 `json:"elasticityThreshold"`
	}
)

// NewGenerator validates options and returns a ready Generator.
func NewGenerator(opts Options) (*Generator, error) {
	if opts.Model == nil {
		return nil, fmt.Errorf("crisis: model client is required")
	}
	dist := opts.Dist
	if dist == "" {
		dist = DistPareto
	}
	switch dist {
	case DistPareto, DistUniform, DistBeta:
	default:
		return nil, fmt.Errorf("crisis: unknown severity distribution %q", opts.Dist)
	}
	alpha := opts.Alpha
	if alpha == 0 {
		alpha = DefaultAlpha
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Generator{
		llm:      opts.Model,
		embedder: opts.Embedder,
		dist:     dist,
		alpha:    alpha,
		logger:   logger,
	}, nil
}

// IdentifyVulnerability finds the axis where a crisis would bite hardest:
// the product of the two agents' weights, amplified 1.4x per shared fear
// targeting the axis and by attachment pairings (both anxious 1.3x on
// intimacy and belonging, both avoidant 1.3x on autonomy, anxious with
// avoidant 1.6x on intimacy). The score is a pressure and may exceed 1.
func (g *Generator) IdentifyVulnerability(a, b *profile.ShadowProfile) Vulnerability {
	joint := make(map[string]float64, len(profile.Axes))
	for _, axis := range profile.Axes {
		joint[axis] = a.Values[axis] * b.Values[axis]
	}

	shared := sharedFears(a, b)
	for _, fear := range shared {
		if axis, ok := fearAxis[fear]; ok {
			joint[axis] *= 1.4
		}
	}

	pairing := ""
	switch {
	case a.Attachment == profile.AttachmentAnxious && b.Attachment == profile.AttachmentAnxious:
		joint["intimacy"] *= 1.3
		joint["belonging"] *= 1.3
		pairing = "anxious-anxious"
	case a.Attachment == profile.AttachmentAvoidant && b.Attachment == profile.AttachmentAvoidant:
		joint["autonomy"] *= 1.3
		pairing = "avoidant-avoidant"
	case (a.Attachment == profile.AttachmentAnxious && b.Attachment == profile.AttachmentAvoidant) ||
		(a.Attachment == profile.AttachmentAvoidant && b.Attachment == profile.AttachmentAnxious):
		joint["intimacy"] *= 1.6
		pairing = "anxious-avoidant"
	}

	best := profile.Axes[0]
	for _, axis := range profile.Axes[1:] {
		if joint[axis] > joint[best] {
			best = axis
		}
	}

	expl := fmt.Sprintf("joint weighting peaks on %s (%.3f)", best, joint[best])
	if len(shared) > 0 {
		expl += fmt.Sprintf("; shared fears: %s", strings.Join(shared, ", "))
	}
	if pairing != "" {
		expl += fmt.Sprintf("; attachment pairing: %s", pairing)
	}
	return Vulnerability{Axis: best, Score: joint[best], Explanation: expl}
}

// GenerateBlackSwan builds one crisis for the pair. severity, when non-nil,
// bypasses sampling; otherwise rng drives the configured distribution and the
// draw is scaled by the vulnerability score (capped at 1.5x) and clamped to
// [MinSeverity, MaxSeverity]. Narration failures degrade to a synthetic
// narrative and never fail the call.
func (g *Generator) GenerateBlackSwan(ctx context.Context, a, b *profile.ShadowProfile, severity *float64, rng *rand.Rand) (*BlackSwanEvent, error) {
	vuln := g.IdentifyVulnerability(a, b)

	var sev float64
	if severity != nil {
		sev = *severity
	} else {
		if rng == nil {
			return nil, fmt.Errorf("crisis: rand source is required to sample severity")
		}
		draw := g.sampleSeverity(rng)
		sev = draw * math.Min(vuln.Score, 1.5)
	}
	sev = clamp(sev, MinSeverity, MaxSeverity)

	eventType := axisEvent[vuln.Axis]
	narrative, decision := g.narrate(ctx, a, b, eventType, vuln.Axis, sev)
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	expected := map[string]float64{
		a.AgentID: round4(sev * (1 - a.EntropyTolerance) * a.Values[vuln.Axis] * 1.3),
		b.AgentID: round4(sev * (1 - b.EntropyTolerance) * b.Values[vuln.Axis] * 1.3),
	}

	return &BlackSwanEvent{
		EventType:           eventType,
		TargetAxis:          vuln.Axis,
		Severity:            sev,
		Narrative:           narrative,
		DecisionPoint:       decision,
		ExpectedCollapse:    expected,
		ElasticityThreshold: elasticityThreshold(a, b),
	}, nil
}

// RunCascade generates the primary event's aftershocks: n extra events whose
// severities decay geometrically (0.6x the primary, then 0.8x each step,
// floored at MinSeverity). Returns the primary followed by the aftershocks.
func (g *Generator) RunCascade(ctx context.Context, primary *BlackSwanEvent, a, b *profile.ShadowProfile, n int) ([]*BlackSwanEvent, error) {
	events := []*BlackSwanEvent{primary}
	for i := 0; i < n; i++ {
		sev := math.Max(MinSeverity, primary.Severity*0.6*math.Pow(0.8, float64(i)))
		after, err := g.GenerateBlackSwan(ctx, a, b, &sev, nil)
		if err != nil {
			return nil, err
		}
		events = append(events, after)
	}
	return events, nil
}

// MeasureElasticity compares the pair's shared-identity language before and
// after a crisis: the cosine similarity of the embedded identity statements
// (turns containing we, us, our or together) on each side, falling back to
// the last five turns when a side has none. Returns 0.5 without an embedder
// and 0 when either side has no usable text.
func (g *Generator) MeasureElasticity(ctx context.Context, pre, post []model.Turn, _ *BlackSwanEvent) (float64, error) {
	if g.embedder == nil {
		return 0.5, nil
	}
	preText := identityText(pre)
	postText := identityText(post)
	if preText == "" || postText == "" {
		return 0, nil
	}
	preVec, err := g.embedder.Embed(ctx, preText)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		g.logger.Warn(ctx, "elasticity embedding failed, using neutral value", "error", err.Error())
		return 0.5, nil
	}
	postVec, err := g.embedder.Embed(ctx, postText)
	if err != nil {
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		g.logger.Warn(ctx, "elasticity embedding failed, using neutral value", "error", err.Error())
		return 0.5, nil
	}
	return clamp(embed.Cosine(preVec, postVec), 0, 1), nil
}

// sampleSeverity draws a raw severity in roughly [0, 1] before vulnerability
// scaling.
func (g *Generator) sampleSeverity(rng *rand.Rand) float64 {
	switch g.dist {
	case DistUniform:
		return rng.Float64()
	case DistBeta:
		// Beta(2, 5) as the second order statistic of six uniforms.
		draws := make([]float64, 6)
		for i := range draws {
			draws[i] = rng.Float64()
		}
		sort.Float64s(draws)
		return draws[1]
	default:
		// Pareto(alpha) shifted to start at 0 and compressed into [0, ~1].
		u := rng.Float64()
		for u == 0 {
			u = rng.Float64()
		}
		pareto := 1 / math.Pow(u, 1/g.alpha)
		return (pareto - 1) / 4
	}
}

// narrate asks the model to describe the event. Failures degrade to a
// synthetic sentence or the raw reply.
func (g *Generator) narrate(ctx context.Context, a, b *profile.ShadowProfile, eventType, axis string, sev float64) (string, string) {
	system := "You generate realistic crisis events that test a relationship. Respond with JSON only."
	prompt := fmt.Sprintf(
		"Couple: %s (top values %s; fears %s) and %s (top values %s; fears %s).\n"+
			"Event type: %s. It strikes their shared %s with severity %.2f on a 0-1 scale.\n\n"+
			"Write 2-4 sentences of second-person-plural narrative and a single decision the couple now faces.\n\n"+
			"JSON: {\"narrative\": \"...\", \"decision_point\": \"...\", \"likely_a_reaction\": \"...\", \"likely_b_reaction\": \"...\"}",
		a.AgentID, strings.Join(a.TopValues(3), ", "), strings.Join(a.FearArchitecture, ", "),
		b.AgentID, strings.Join(b.TopValues(3), ", "), strings.Join(b.FearArchitecture, ", "),
		eventType, axis, sev,
	)

	content, err := model.Invoke(ctx, g.llm, system, prompt)
	if err != nil {
		g.logger.Warn(ctx, "crisis narration failed, using synthetic narrative", "error", err.Error())
		return fmt.Sprintf("A sudden %s strikes, hitting your shared %s where it hurts most.", strings.ReplaceAll(eventType, "_", " "), axis), defaultDecisionPoint
	}

	var out struct {
		Narrative     string `json:"narrative"`
		DecisionPoint string `json:"decision_point"`
	}
	if err := narrativeSchema.Decode(content, &out); err != nil {
		g.logger.Warn(ctx, "crisis narration unparseable, using raw content", "error", err.Error())
		if len(content) > 500 {
			content = content[:500]
		}
		return content, defaultDecisionPoint
	}
	return out.Narrative, out.DecisionPoint
}

// elasticityThreshold lowers the recovery bar for tolerant, securely
// attached pairs.
func elasticityThreshold(a, b *profile.ShadowProfile) float64 {
	avgEntropy := (a.EntropyTolerance + b.EntropyTolerance) / 2
	secure := 0
	if a.Attachment == profile.AttachmentSecure {
		secure++
	}
	if b.Attachment == profile.AttachmentSecure {
		secure++
	}
	return clamp(0.4-0.1*avgEntropy-0.05*float64(secure), 0.05, 0.95)
}

func sharedFears(a, b *profile.ShadowProfile) []string {
	inB := make(map[string]bool, len(b.FearArchitecture))
	for _, fear := range b.FearArchitecture {
		inB[fear] = true
	}
	var shared []string
	for _, fear := range a.FearArchitecture {
		if inB[fear] {
			shared = append(shared, fear)
		}
	}
	return shared
}

func identityText(turns []model.Turn) string {
	var stmts []string
	for _, turn := range turns {
		if identityMarker.MatchString(strings.ToLower(turn.Content)) {
			stmts = append(stmts, turn.Content)
		}
	}
	if len(stmts) == 0 {
		start := len(turns) - 5
		if start < 0 {
			start = 0
		}
		for _, turn := range turns[start:] {
			stmts = append(stmts, turn.Content)
		}
	}
	return strings.Join(stmts, " ")
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}

func round4(x float64) float64 {
	return math.Round(x*1e4) / 1e4
}
