// Package ensemble runs the Monte Carlo layer: N independent dialogue
// timelines with stochastic crisis parameters, fanned out under bounded
// concurrency, merged into a Distribution and analyzed statistically. Each
// timeline owns a fresh set of simulation components; nothing mutable is
// shared across timelines, so identical seeds reproduce identical results.
package ensemble

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/dyadlab/relmc/sim/crisis"
	"github.com/dyadlab/relmc/sim/dialogue"
	"github.com/dyadlab/relmc/sim/embed"
	"github.com/dyadlab/relmc/sim/memory"
	"github.com/dyadlab/relmc/sim/model"
	"github.com/dyadlab/relmc/sim/profile"
	"github.com/dyadlab/relmc/sim/telemetry"
)

// Defaults applied by New when the corresponding option is zero.
const (
	DefaultNTimelines = 100
	DefaultMaxWorkers = 10
)

// Default crisis-turn and severity sampling ranges.
var (
	DefaultCrisisTurnRange = [2]int{10, 25}
	DefaultSeverityRange   = [2]float64{0.05, 0.95}
)

type (
	// Orchestrator fans out ensemble runs. Safe for concurrent use; all
	// per-run state lives on the stack of RunEnsemble.
	Orchestrator struct {
		llm            model.Client
		embedder       embed.Embedder
		nTimelines     int
		maxTurns       int
		crisisRange    [2]int
		severityRange  [2]float64
		recursionDepth int
		maxWorkers     int
		seed           int64
		severityDist   crisis.Distribution
		newMemory      func(pairID string, seed int64) *memory.Manager
		logger         telemetry.Logger
		metrics        telemetry.Metrics
		tracer         telemetry.Tracer
		now            func() time.Time
	}

	// Options configures an Orchestrator.
	Options struct {
		// Model generates turns and powers belief inference in every
		// timeline. Must be safe for concurrent use. Required.
		Model model.Client

		// Embedder powers semantic alignment and elasticity. Optional;
		// must be safe for concurrent use when set.
		Embedder embed.Embedder

		// NTimelines is the ensemble size. Zero means DefaultNTimelines;
		// negative is rejected.
		NTimelines int

		// MaxTurns bounds each timeline. Zero means dialogue.DefaultMaxTurns.
		MaxTurns int

		// CrisisTurnRange is the inclusive range crisis turns are drawn
		// from. Zero value means DefaultCrisisTurnRange.
		CrisisTurnRange [2]int

		// SeverityRange clamps sampled severities. Zero value means
		// DefaultSeverityRange.
		SeverityRange [2]float64

		// RecursionDepth is the belief recursion depth (2 or 3). Zero
		// means 2.
		RecursionDepth int

		// MaxWorkers bounds concurrent timelines and sets the progress
		// batch size. Zero means DefaultMaxWorkers; negative is rejected.
		MaxWorkers int

		// Seed drives parameter sampling. Zero means 1. Timeline seeds are
		// always 1..N regardless.
		Seed int64

		// SeverityDist selects the in-timeline severity distribution used
		// when a crisis regenerates. Empty means pareto.
		SeverityDist crisis.Distribution

		// NewMemory, when set, builds a fresh per-timeline memory manager.
		// Per-timeline construction keeps timelines isolated.
		NewMemory func(pairID string, seed int64) *memory.Manager

		// Logger, Metrics and Tracer are the observability seams. Nil
		// values discard.
		Logger  telemetry.Logger
		Metrics telemetry.Metrics
		Tracer  telemetry.Tracer

		// Now supplies timestamps. Nil means time.Now.
		Now func() time.Time
	}

	// timelineParams is one sampled parameter set.
	timelineParams struct {
		seed       int64
		severity   float64
		crisisTurn int
	}
)

// New validates the options and returns a ready Orchestrator.
func New(opts Options) (*Orchestrator, error) {
	if opts.Model == nil {
		return nil, fmt.Errorf("ensemble: model client is required")
	}
	if opts.NTimelines < 0 {
		return nil, fmt.Errorf("ensemble: timeline count must be positive, got %d", opts.NTimelines)
	}
	if opts.MaxWorkers < 0 {
		return nil, fmt.Errorf("ensemble: worker count must be positive, got %d", opts.MaxWorkers)
	}
	n := opts.NTimelines
	if n == 0 {
		n = DefaultNTimelines
	}
	workers := opts.MaxWorkers
	if workers == 0 {
		workers = DefaultMaxWorkers
	}
	crisisRange := opts.CrisisTurnRange
	if crisisRange == [2]int{} {
		crisisRange = DefaultCrisisTurnRange
	}
	if crisisRange[0] > crisisRange[1] || crisisRange[0] < 0 {
		return nil, fmt.Errorf("ensemble: invalid crisis turn range [%d, %d]", crisisRange[0], crisisRange[1])
	}
	severityRange := opts.SeverityRange
	if severityRange == [2]float64{} {
		severityRange = DefaultSeverityRange
	}
	if severityRange[0] > severityRange[1] || severityRange[0] < 0 || severityRange[1] > 1 {
		return nil, fmt.Errorf("ensemble: invalid severity range [%v, %v]", severityRange[0], severityRange[1])
	}
	seed := opts.Seed
	if seed == 0 {
		seed = 1
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	metrics := opts.Metrics
	if metrics == nil {
		metrics = telemetry.NewNoopMetrics()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = telemetry.NewNoopTracer()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		llm:            opts.Model,
		embedder:       opts.Embedder,
		nTimelines:     n,
		maxTurns:       opts.MaxTurns,
		crisisRange:    crisisRange,
		severityRange:  severityRange,
		recursionDepth: opts.RecursionDepth,
		maxWorkers:     workers,
		seed:           seed,
		severityDist:   opts.SeverityDist,
		newMemory:      opts.NewMemory,
		logger:         logger,
		metrics:        metrics,
		tracer:         tracer,
		now:            now,
	}, nil
}

// RunEnsemble executes the full Monte Carlo ensemble for the pair. progress,
// when non-nil, is invoked after each completed batch with the number of
// timelines finished so far; it must be fast and must not block. Cancellation
// is cooperative: no new batches are admitted, in-flight timelines stop at
// their next suspension point, and the partial distribution comes back with
// Status cancelled. Only invalid arguments produce an error.
func (o *Orchestrator) RunEnsemble(ctx context.Context, a, b *profile.ShadowProfile, pairID string, progress func(completed, total int)) (*Distribution, error) {
	if a == nil || b == nil {
		return nil, fmt.Errorf("ensemble: both profiles are required")
	}
	if err := a.Validate(); err != nil {
		return nil, fmt.Errorf("ensemble: %w", err)
	}
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("ensemble: %w", err)
	}
	if a.AgentID == b.AgentID {
		return nil, fmt.Errorf("ensemble: agent IDs must differ, both are %q", a.AgentID)
	}
	if pairID == "" {
		pairID = uuid.NewString()
	}

	ctx, span := o.tracer.Start(ctx, "ensemble.run")
	defer span.End()
	started := time.Now()

	params := o.parameterSets()
	results := make([]*dialogue.TimelineResult, len(params))

	cancelled := false
	for batch := 0; batch < len(params); batch += o.maxWorkers {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		end := min(batch+o.maxWorkers, len(params))

		var g errgroup.Group
		for i := batch; i < end; i++ {
			p := params[i]
			g.Go(func() error {
				results[i] = o.runTimeline(ctx, a, b, pairID, p)
				return nil
			})
		}
		_ = g.Wait() // tasks never return errors

		if progress != nil {
			progress(min(end, o.nTimelines), o.nTimelines)
		}
	}
	if ctx.Err() != nil {
		cancelled = true
	}

	// In-flight timelines interrupted by cancellation leave nil slots;
	// everything else keeps seed order.
	timelines := make([]*dialogue.TimelineResult, 0, len(results))
	for _, r := range results {
		if r != nil {
			timelines = append(timelines, r)
		}
	}

	status := StatusCompleted
	if cancelled {
		status = StatusCancelled
		span.AddEvent("ensemble.cancelled", "completed", len(timelines))
	}
	o.metrics.RecordDuration("ensemble.run.duration", time.Since(started), "status", status)
	o.logger.Info(ctx, "ensemble finished",
		"pairId", pairID, "status", status, "timelines", len(timelines), "requested", o.nTimelines)

	return &Distribution{
		PairID:       pairID,
		NSimulations: o.nTimelines,
		Status:       status,
		ComputedAt:   o.now(),
		Timelines:    timelines,
	}, nil
}

// runTimeline executes one timeline with fresh components. Panics and errors
// become the failed placeholder; cancellation mid-timeline yields nil so the
// partial distribution excludes the interrupted run.
func (o *Orchestrator) runTimeline(ctx context.Context, a, b *profile.ShadowProfile, pairID string, p timelineParams) (result *dialogue.TimelineResult) {
	ctx, span := o.tracer.Start(ctx, "ensemble.timeline")
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error(ctx, "timeline panicked", fmt.Errorf("%v", r), "seed", p.seed)
			o.metrics.IncCounter("ensemble.timelines.failed", 1, "reason", "panic")
			span.SetStatus(codes.Error, "panic")
			result = dialogue.FailedResult(pairID, p.seed)
		}
		o.metrics.RecordDuration("ensemble.timeline.duration", time.Since(started))
		span.End()
	}()

	var mem *memory.Manager
	if o.newMemory != nil {
		mem = o.newMemory(pairID, p.seed)
	}

	severity := p.severity
	d, err := dialogue.BuildDialogue(dialogue.Options{
		PairID:         pairID,
		ProfileA:       a,
		ProfileB:       b,
		Model:          o.llm,
		Embedder:       o.embedder,
		MaxTurns:       o.maxTurns,
		CrisisTurn:     p.crisisTurn,
		Severity:       &severity,
		RecursionDepth: o.recursionDepth,
		Seed:           p.seed,
		SeverityDist:   o.severityDist,
		Memory:         mem,
		Logger:         o.logger,
		Now:            o.now,
	})
	if err != nil {
		o.logger.Error(ctx, "timeline construction failed", err, "seed", p.seed)
		o.metrics.IncCounter("ensemble.timelines.failed", 1, "reason", "build")
		span.SetStatus(codes.Error, "build failed")
		return dialogue.FailedResult(pairID, p.seed)
	}

	res, err := d.Run(ctx)
	switch {
	case err != nil && ctx.Err() != nil:
		span.SetStatus(codes.Error, "cancelled")
		return nil
	case err != nil:
		o.logger.Error(ctx, "timeline failed", err, "seed", p.seed)
		o.metrics.IncCounter("ensemble.timelines.failed", 1, "reason", "run")
		span.RecordError(err)
		span.SetStatus(codes.Error, "timeline failed")
		return res
	}
	o.metrics.IncCounter("ensemble.timelines.completed", 1)
	o.metrics.IncCounter("ensemble.collapse.events", float64(res.CollapseEvents))
	return res
}

// parameterSets samples the per-timeline parameters from the orchestrator's
// seeded source: seed i+1, Pareto(1.5) severity clamped to the configured
// range, uniform crisis turn.
func (o *Orchestrator) parameterSets() []timelineParams {
	rng := rand.New(rand.NewSource(o.seed))
	params := make([]timelineParams, o.nTimelines)
	for i := range params {
		params[i] = timelineParams{
			seed:       int64(i + 1),
			severity:   o.sampleSeverity(rng),
			crisisTurn: o.crisisRange[0] + rng.Intn(o.crisisRange[1]-o.crisisRange[0]+1),
		}
	}
	return params
}

// sampleSeverity draws Pareto(1.5)/10 clamped to the severity range. The
// heavy tail keeps most crises mild and a few catastrophic.
func (o *Orchestrator) sampleSeverity(rng *rand.Rand) float64 {
	u := rng.Float64()
	for u == 0 {
		u = rng.Float64()
	}
	pareto := 1 / math.Pow(u, 1/crisis.DefaultAlpha)
	return clamp(pareto/10, o.severityRange[0], o.severityRange[1])
}

func clamp(x, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, x))
}
