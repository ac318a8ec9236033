// Package dialogue runs one simulated timeline: a cyclic per-turn state
// machine in which two agents think (belief updates), speak (model-generated
// turns), and are measured (linguistic convergence, collapse risk), with an
// optional crisis injected at a scheduled turn. The engine suspends before
// crisis injection so callers can preview or veto the generated event, then
// resumes at the same node.
//
// The machine is an explicit node graph driven by a pure router:
//
//	entry → hidden_thought_a → generate_a → hidden_thought_b → generate_b
//	      → linguistic_update → homeostasis_check → router
//	router → {continue | collapse_check | crisis_injection | end}
//
// where collapse_check and crisis_injection loop back to hidden_thought_a.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/google/uuid"

	"github.com/dyadlab/relmc/sim/collapse"
	"github.com/dyadlab/relmc/sim/crisis"
	"github.com/dyadlab/relmc/sim/embed"
	"github.com/dyadlab/relmc/sim/linguistics"
	"github.com/dyadlab/relmc/sim/memory"
	"github.com/dyadlab/relmc/sim/model"
	"github.com/dyadlab/relmc/sim/profile"
	"github.com/dyadlab/relmc/sim/telemetry"
	"github.com/dyadlab/relmc/sim/tom"
)

// DefaultMaxTurns bounds a timeline when the caller does not.
const DefaultMaxTurns = 30

// homeostasisMinTurn is the earliest turn at which homeostasis can be
// declared.
const homeostasisMinTurn = 8

// ErrSuspended is returned by Step while the engine waits at the crisis
// boundary. Call PreviewCrisis and then Resume (or VetoCrisis) to continue.
var ErrSuspended = errors.New("dialogue: suspended before crisis injection")

// node names one handler of the turn graph.
type node string

const (
	nodeHiddenThoughtA   node = "hidden_thought_a"
	nodeGenerateA        node = "generate_a"
	nodeHiddenThoughtB   node = "hidden_thought_b"
	nodeGenerateB        node = "generate_b"
	nodeLinguisticUpdate node = "linguistic_update"
	nodeHomeostasisCheck node = "homeostasis_check"
	nodeCollapseCheck    node = "collapse_check"
	nodeCrisisInjection  node = "crisis_injection"
	nodeEnd              node = "end"
)

type (
	// State is the timeline's working memory. The engine is its single
	// writer; callers read it through snapshots on the final result.
	State struct {
		PairID     string       `json:"pairId"`
		TurnNumber int          `json:"turnNumber"`
		History    []model.Turn `json:"history"`

		ActiveCrisis     *crisis.BlackSwanEvent `json:"activeCrisis,omitempty"`
		CrisisInjectedAt *int                   `json:"crisisInjectedAt,omitempty"`

		CollapseAssessments []*collapse.Assessment           `json:"collapseAssessments"`
		ConvergenceLog      []*linguistics.ConvergenceRecord `json:"convergenceLog"`

		SimulationComplete bool    `json:"simulationComplete"`
		HomeostasisReached bool    `json:"homeostasisReached"`
		ResilienceScore    float64 `json:"resilienceScore"`
	}

	// Options configures one timeline.
	Options struct {
		// PairID names the pair. Empty generates a UUID.
		PairID string

		// ProfileA and ProfileB are the two agents. Both required and
		// validated.
		ProfileA *profile.ShadowProfile
		ProfileB *profile.ShadowProfile

		// Model generates turns and powers belief inference. Required.
		Model model.Client

		// Embedder powers semantic alignment and elasticity. Optional.
		Embedder embed.Embedder

		// MaxTurns ends the timeline. Zero means DefaultMaxTurns.
		MaxTurns int

		// CrisisTurn schedules the crisis injection. Zero or negative means
		// no crisis.
		CrisisTurn int

		// Severity, when non-nil, bypasses severity sampling for the
		// injected crisis.
		Severity *float64

		// Crisis, when set, is injected instead of generating one.
		Crisis *crisis.BlackSwanEvent

		// RecursionDepth is the belief recursion depth (2 or 3). Zero
		// means 2.
		RecursionDepth int

		// Seed drives the timeline's private random source. Zero means 1.
		Seed int64

		// SeverityDist selects the crisis severity distribution when
		// sampling. Empty means pareto.
		SeverityDist crisis.Distribution

		// Memory, when set, records behavior patterns and feeds recalled
		// context into agent prompts.
		Memory *memory.Manager

		// Logger reports degraded calls. Nil discards.
		Logger telemetry.Logger

		// Now supplies turn timestamps. Nil means time.Now.
		Now func() time.Time
	}

	// Dialogue is one runnable timeline. Not safe for concurrent use.
	Dialogue struct {
		state      *State
		seed       int64
		timelineID string
		maxTurns   int
		crisisTurn int
		severity   *float64
		pregen     *crisis.BlackSwanEvent
		rng        *rand.Rand
		now        func() time.Time
		logger     telemetry.Logger
		llm        model.Client

		profileA *profile.ShadowProfile
		profileB *profile.ShadowProfile

		scorer    *linguistics.Scorer
		trackerA  *tom.Tracker
		trackerB  *tom.Tracker
		detector  *collapse.Detector
		generator *crisis.Generator
		mem       *memory.Manager

		thoughtA *profile.ThoughtRecord
		thoughtB *profile.ThoughtRecord

		snapshots []BeliefSnapshot

		next          node
		suspended     bool
		pendingCrisis *crisis.BlackSwanEvent
		crisisVetoed  bool
	}
)

// BuildDialogue validates the options, constructs fresh per-timeline
// components and returns a Dialogue positioned at the first node.
func BuildDialogue(opts Options) (*Dialogue, error) {
	if opts.ProfileA == nil || opts.ProfileB == nil {
		return nil, fmt.Errorf("dialogue: both profiles are required")
	}
	if opts.ProfileA.AgentID == opts.ProfileB.AgentID {
		return nil, fmt.Errorf("dialogue: agent IDs must differ, both are %q", opts.ProfileA.AgentID)
	}
	if opts.Model == nil {
		return nil, fmt.Errorf("dialogue: model client is required")
	}
	pairID := opts.PairID
	if pairID == "" {
		pairID = uuid.NewString()
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	seed := opts.Seed
	if seed == 0 {
		seed = 1
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}

	scorer := linguistics.NewScorer(linguistics.Options{Embedder: opts.Embedder})
	trackerA, err := tom.NewTracker(tom.Options{
		Shadow:         opts.ProfileA,
		Model:          opts.Model,
		RecursionDepth: opts.RecursionDepth,
		Logger:         logger,
		Now:            now,
	})
	if err != nil {
		return nil, err
	}
	trackerB, err := tom.NewTracker(tom.Options{
		Shadow:         opts.ProfileB,
		Model:          opts.Model,
		RecursionDepth: opts.RecursionDepth,
		Logger:         logger,
		Now:            now,
	})
	if err != nil {
		return nil, err
	}
	detector, err := collapse.NewDetector(collapse.Options{
		TrackerA: trackerA,
		TrackerB: trackerB,
		Scorer:   scorer,
		Model:    opts.Model,
		Logger:   logger,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	generator, err := crisis.NewGenerator(crisis.Options{
		Model:    opts.Model,
		Embedder: opts.Embedder,
		Dist:     opts.SeverityDist,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &Dialogue{
		state:      &State{PairID: pairID},
		seed:       seed,
		timelineID: TimelineID(pairID, seed),
		maxTurns:   maxTurns,
		crisisTurn: opts.CrisisTurn,
		severity:   opts.Severity,
		pregen:     opts.Crisis,
		rng:        rand.New(rand.NewSource(seed)),
		now:        now,
		logger:     logger,
		llm:        opts.Model,
		profileA:   opts.ProfileA,
		profileB:   opts.ProfileB,
		scorer:     scorer,
		trackerA:   trackerA,
		trackerB:   trackerB,
		detector:   detector,
		generator:  generator,
		mem:        opts.Memory,
		next:       nodeHiddenThoughtA,
	}, nil
}

// State exposes the live timeline state. The engine keeps ownership.
func (d *Dialogue) State() *State { return d.state }

// Suspended reports whether the engine is waiting at the crisis boundary.
func (d *Dialogue) Suspended() bool { return d.suspended }

// Stop requests an end to the timeline: the router routes to the terminal
// node at its next evaluation.
func (d *Dialogue) Stop() { d.state.SimulationComplete = true }

// Step executes the next node. It returns done=true once the timeline has
// reached its terminal node, and ErrSuspended when the next node is the
// crisis injection: callers preview (and optionally veto) the crisis, then
// Resume. Any other error aborts the timeline.
func (d *Dialogue) Step(ctx context.Context) (done bool, err error) {
	if d.next == nodeEnd {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if d.next == nodeCrisisInjection && !d.suspended {
		d.suspended = true
		return false, ErrSuspended
	}
	if d.suspended {
		return false, ErrSuspended
	}

	current := d.next
	switch current {
	case nodeHiddenThoughtA:
		err = d.hiddenThought(ctx, d.trackerA, d.profileB.AgentID, &d.thoughtA)
		d.next = nodeGenerateA
	case nodeGenerateA:
		err = d.generate(ctx, d.profileA, d.profileB, d.thoughtA, false)
		d.next = nodeHiddenThoughtB
	case nodeHiddenThoughtB:
		err = d.hiddenThought(ctx, d.trackerB, d.profileA.AgentID, &d.thoughtB)
		d.next = nodeGenerateB
	case nodeGenerateB:
		err = d.generate(ctx, d.profileB, d.profileA, d.thoughtB, true)
		d.next = nodeLinguisticUpdate
	case nodeLinguisticUpdate:
		err = d.linguisticUpdate(ctx)
		d.next = nodeHomeostasisCheck
	case nodeHomeostasisCheck:
		d.homeostasisCheck()
		d.next = d.route()
	case nodeCollapseCheck:
		err = d.collapseCheck(ctx)
		d.next = nodeHiddenThoughtA
	default:
		return false, fmt.Errorf("dialogue: unknown node %q", d.next)
	}
	if err != nil {
		d.next = nodeEnd
		return false, fmt.Errorf("dialogue: node %s: %w", current, err)
	}
	return d.next == nodeEnd, nil
}

// route is the router: a pure function of state evaluated after each
// exchange.
func (d *Dialogue) route() node {
	switch {
	case d.state.SimulationComplete:
		return nodeEnd
	case d.state.TurnNumber >= d.maxTurns:
		return nodeEnd
	case d.crisisTurn > 0 && d.state.TurnNumber == d.crisisTurn &&
		d.state.CrisisInjectedAt == nil && !d.crisisVetoed:
		return nodeCrisisInjection
	case d.state.TurnNumber > 0 && d.state.TurnNumber%3 == 0:
		return nodeCollapseCheck
	default:
		return nodeHiddenThoughtA
	}
}

// PreviewCrisis returns the crisis that Resume would inject, generating it
// on first call. Only valid while suspended.
func (d *Dialogue) PreviewCrisis(ctx context.Context) (*crisis.BlackSwanEvent, error) {
	if !d.suspended {
		return nil, fmt.Errorf("dialogue: not suspended at crisis boundary")
	}
	if d.pendingCrisis != nil {
		return d.pendingCrisis, nil
	}
	if d.pregen != nil {
		d.pendingCrisis = d.pregen
		return d.pendingCrisis, nil
	}
	event, err := d.generator.GenerateBlackSwan(ctx, d.profileA, d.profileB, d.severity, d.rng)
	if err != nil {
		return nil, err
	}
	d.pendingCrisis = event
	return event, nil
}

// VetoCrisis discards the pending crisis and resumes without injecting. The
// router will not schedule another injection. Only valid while suspended.
func (d *Dialogue) VetoCrisis() error {
	if !d.suspended {
		return fmt.Errorf("dialogue: not suspended at crisis boundary")
	}
	d.pendingCrisis = nil
	d.crisisVetoed = true
	d.suspended = false
	d.next = nodeHiddenThoughtA
	return nil
}

// Resume injects the previewed crisis (generating one if PreviewCrisis was
// never called) and continues the timeline at the next exchange. Only valid
// while suspended.
func (d *Dialogue) Resume(ctx context.Context) error {
	if !d.suspended {
		return fmt.Errorf("dialogue: not suspended at crisis boundary")
	}
	if d.pendingCrisis == nil {
		if _, err := d.PreviewCrisis(ctx); err != nil {
			return err
		}
	}
	event := d.pendingCrisis

	turn := d.state.TurnNumber
	d.state.History = append(d.state.History, model.Turn{
		Role:      model.RoleSystem,
		Content:   fmt.Sprintf("[EXTERNAL EVENT]: %s\n\n[DECISION POINT]: %s", event.Narrative, event.DecisionPoint),
		Timestamp: d.now(),
	})
	d.state.ActiveCrisis = event
	d.state.CrisisInjectedAt = &turn

	d.suspended = false
	d.pendingCrisis = nil
	d.next = nodeHiddenThoughtA
	return nil
}

// Run drives the timeline to completion, resuming automatically through the
// crisis boundary. On error it returns the failed placeholder result
// alongside the error so ensemble callers always have a result to aggregate.
func (d *Dialogue) Run(ctx context.Context) (*TimelineResult, error) {
	for {
		done, err := d.Step(ctx)
		if errors.Is(err, ErrSuspended) {
			if _, perr := d.PreviewCrisis(ctx); perr != nil {
				return FailedResult(d.state.PairID, d.seed), perr
			}
			if rerr := d.Resume(ctx); rerr != nil {
				return FailedResult(d.state.PairID, d.seed), rerr
			}
			continue
		}
		if err != nil {
			return FailedResult(d.state.PairID, d.seed), err
		}
		if done {
			d.rememberCrisis(ctx)
			return d.Finish(), nil
		}
	}
}

// rememberCrisis stores how the pair weathered the injected crisis as an
// episodic memory once the timeline ends. The manager logs write failures;
// the result is unaffected either way.
func (d *Dialogue) rememberCrisis(ctx context.Context) {
	if d.mem == nil || d.state.ActiveCrisis == nil {
		return
	}
	elasticity := 0.5
	if n := len(d.state.ConvergenceLog); n > 0 {
		elasticity = clamp01(d.state.ConvergenceLog[n-1].ResilienceDelta)
	}
	_ = d.mem.RecordCrisisOutcome(ctx, d.state.ActiveCrisis, d.state.TurnNumber, d.state.HomeostasisReached, elasticity)
}

// hiddenThought runs one tracker update from the partner's latest utterance.
func (d *Dialogue) hiddenThought(ctx context.Context, tracker *tom.Tracker, otherID string, out **profile.ThoughtRecord) error {
	last := "(conversation starting)"
	for i := len(d.state.History) - 1; i >= 0; i-- {
		if d.state.History[i].Role == otherID {
			last = d.state.History[i].Content
			break
		}
	}
	rec, err := tracker.HiddenThought(ctx, otherID, last, d.state.History)
	if err != nil {
		return err
	}
	*out = rec
	return nil
}

// generate asks the model for the speaker's next turn and registers it with
// the scorer. The B side closes the exchange and advances the turn counter.
func (d *Dialogue) generate(ctx context.Context, speaker, other *profile.ShadowProfile, thought *profile.ThoughtRecord, closesExchange bool) error {
	system := d.systemPrompt(ctx, speaker, other, thought)
	messages := d.conversation(speaker)

	resp, err := d.completeTurn(ctx, system, messages)
	if err != nil {
		return fmt.Errorf("generate turn for %s: %w", speaker.AgentID, err)
	}

	d.state.History = append(d.state.History, model.Turn{
		Role:      speaker.AgentID,
		Content:   resp,
		Timestamp: d.now(),
	})
	d.scorer.IngestTurn(speaker.AgentID, resp)

	if closesExchange {
		d.state.TurnNumber++
		d.trackerA.AdvanceTurn()
		d.trackerB.AdvanceTurn()
	}
	return nil
}

func (d *Dialogue) completeTurn(ctx context.Context, system string, messages []model.Message) (string, error) {
	resp, err := d.llm.Complete(ctx, &model.Request{
		System:      system,
		Messages:    messages,
		Temperature: 0.8,
		MaxTokens:   300,
	})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// linguisticUpdate measures convergence and, when memory is wired, lets the
// manager observe the fresh turns.
func (d *Dialogue) linguisticUpdate(ctx context.Context) error {
	rec, err := d.scorer.ComputeConvergence(ctx, d.profileA.AgentID, d.profileB.AgentID)
	if err != nil {
		return err
	}
	rec.Turn = d.state.TurnNumber
	d.state.ConvergenceLog = append(d.state.ConvergenceLog, rec)

	if d.mem != nil {
		if err := d.mem.ObserveTurns(ctx, d.state.History); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return nil
}

// collapseCheck runs the detector and keeps a per-turn snapshot for the
// final result.
func (d *Dialogue) collapseCheck(ctx context.Context) error {
	a, err := d.detector.Assess(ctx, d.state.History)
	if err != nil {
		return err
	}
	d.state.CollapseAssessments = append(d.state.CollapseAssessments, a)
	d.snapshots = append(d.snapshots, BeliefSnapshot{
		Turn:            d.state.TurnNumber,
		Risk:            a.Risk,
		RiskLevel:       a.Level,
		SignalBreakdown: a.Signals,
	})
	return nil
}

// homeostasisCheck evaluates the five stability criteria and refreshes the
// resilience score.
func (d *Dialogue) homeostasisCheck() {
	recent := lastAssessments(d.state.CollapseAssessments, 5)

	noCritical := true
	for _, a := range recent {
		if a.Level == collapse.LevelCritical {
			noCritical = false
			break
		}
	}

	trend := linguistics.TrendStable
	latestDelta := 0.5
	if n := len(d.state.ConvergenceLog); n > 0 {
		latest := d.state.ConvergenceLog[n-1]
		trend = latest.Trend
		latestDelta = latest.ResilienceDelta
	}
	trendOK := trend == linguistics.TrendStable || trend == linguistics.TrendAccelerating

	hasFuture := hasFutureMarker(d.state.History, 5)

	crisisOK := true
	if d.state.ActiveCrisis != nil {
		crisisOK = latestDelta > d.state.ActiveCrisis.ElasticityThreshold
	}

	d.state.HomeostasisReached = noCritical && trendOK && hasFuture && crisisOK &&
		d.state.TurnNumber >= homeostasisMinTurn

	resilience := 0.5
	if len(recent) > 0 {
		var sum float64
		for _, a := range recent {
			sum += a.Risk
		}
		resilience = 1 - sum/float64(len(recent))
	}
	if len(d.state.ConvergenceLog) > 0 {
		resilience += 0.3 * latestDelta
	}
	d.state.ResilienceScore = round4(clamp01(resilience))
}

func lastAssessments(all []*collapse.Assessment, n int) []*collapse.Assessment {
	if len(all) <= n {
		return all
	}
	return all[len(all)-n:]
}
