package ensemble

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dyadlab/relmc/sim/profile"
	"github.com/dyadlab/relmc/sim/progress"
	"github.com/dyadlab/relmc/sim/store"
	"github.com/dyadlab/relmc/sim/telemetry"
)

type (
	// Service wraps an Orchestrator with progress publishing and result
	// persistence. Publishes and writes are best-effort: failures are
	// logged, never returned, and never stall the ensemble.
	Service struct {
		orch   *Orchestrator
		sink   progress.Sink
		store  store.Store
		ttl    time.Duration
		logger telemetry.Logger
	}

	// ServiceOptions configures a Service.
	ServiceOptions struct {
		// Orchestrator runs the ensembles. Required.
		Orchestrator *Orchestrator

		// Sink receives progress updates. Nil discards them.
		Sink progress.Sink

		// Store persists finished distributions. Nil skips persistence.
		Store store.Store

		// ResultTTL is how long persisted distributions live. Zero means
		// store.DefaultResultTTL.
		ResultTTL time.Duration

		// Logger reports dropped publishes and writes. Nil discards.
		Logger telemetry.Logger
	}
)

// NewService validates the options and returns a ready Service.
func NewService(opts ServiceOptions) (*Service, error) {
	if opts.Orchestrator == nil {
		return nil, fmt.Errorf("ensemble: orchestrator is required")
	}
	sink := opts.Sink
	if sink == nil {
		sink = progress.NoopSink{}
	}
	st := opts.Store
	if st == nil {
		st = store.NoopStore{}
	}
	ttl := opts.ResultTTL
	if ttl == 0 {
		ttl = store.DefaultResultTTL
	}
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	return &Service{
		orch:   opts.Orchestrator,
		sink:   sink,
		store:  st,
		ttl:    ttl,
		logger: logger,
	}, nil
}

// Simulate runs one ensemble for the pair, streaming progress to the sink
// and persisting the finished distribution under result:{pairId}. Progress
// always terminates at completed == total with status completed or
// cancelled; orchestrator misuse terminates it with status failed.
func (s *Service) Simulate(ctx context.Context, a, b *profile.ShadowProfile, pairID string) (*Distribution, error) {
	if pairID == "" {
		pairID = uuid.NewString()
	}
	total := s.orch.nTimelines

	s.publish(ctx, pairID, 0, total, progress.StatusQueued)
	s.publish(ctx, pairID, 0, total, progress.StatusRunning)

	dist, err := s.orch.RunEnsemble(ctx, a, b, pairID, func(completed, _ int) {
		s.publish(ctx, pairID, completed, total, progress.StatusRunning)
	})
	if err != nil {
		s.publish(ctx, pairID, total, total, progress.StatusFailed)
		return nil, err
	}

	// Cancellation still reports terminal progress and persists what ran,
	// so downstream readers never see a run stuck mid-flight.
	final := context.WithoutCancel(ctx)

	status := progress.StatusCompleted
	if dist.Status == StatusCancelled {
		status = progress.StatusCancelled
	}
	s.publish(final, pairID, total, total, status)
	s.persist(final, dist)
	return dist, nil
}

func (s *Service) publish(ctx context.Context, pairID string, completed, total int, status progress.Status) {
	payload, err := progress.Update{
		PairID:    pairID,
		Completed: completed,
		Total:     total,
		Status:    status,
		Timestamp: time.Now().UTC(),
	}.Marshal()
	if err != nil {
		s.logger.Warn(ctx, "progress payload marshal failed", "pairId", pairID, "error", err.Error())
		return
	}
	if err := s.sink.Publish(ctx, progress.Channel(pairID), payload); err != nil {
		s.logger.Warn(ctx, "progress publish dropped", "pairId", pairID, "error", err.Error())
	}
}

func (s *Service) persist(ctx context.Context, dist *Distribution) {
	payload, err := json.Marshal(dist)
	if err != nil {
		s.logger.Error(ctx, "distribution marshal failed", err, "pairId", dist.PairID)
		return
	}
	if err := s.store.Put(ctx, store.ResultKey(dist.PairID), payload, s.ttl); err != nil {
		s.logger.Error(ctx, "distribution persist failed", err, "pairId", dist.PairID)
	}
}
