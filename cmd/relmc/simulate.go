package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	pulsesink "github.com/dyadlab/relmc/features/progress/pulse"
	clientspulse "github.com/dyadlab/relmc/features/progress/pulse/clients/pulse"
	redisstore "github.com/dyadlab/relmc/features/store/redis"
	"github.com/dyadlab/relmc/sim/ensemble"
	"github.com/dyadlab/relmc/sim/memory"
	"github.com/dyadlab/relmc/sim/progress"
	"github.com/dyadlab/relmc/sim/report"
	"github.com/dyadlab/relmc/sim/store"
	"github.com/dyadlab/relmc/sim/telemetry"
)

var (
	simProfiles  string
	simPairID    string
	simTimelines int
	simMaxTurns  int
	simWorkers   int
	simSeed      int64
	simDepth     int
	simProvider  string
	simModel     string
	simTPM       float64
	simRedis     string
	simOut       string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a Monte Carlo ensemble for a profile pair",
	Long: `Simulate loads a profile pair from YAML, runs the full ensemble against
the chosen model provider, prints the executive report, and optionally
publishes progress and persists the distribution through Redis.`,
	RunE: runSimulate,
}

func init() {
	simulateCmd.Flags().StringVar(&simProfiles, "profiles", "", "profile pair YAML file (required)")
	simulateCmd.Flags().StringVar(&simPairID, "pair-id", "", "override the pair ID (default: from the profiles file, else generated)")
	simulateCmd.Flags().IntVar(&simTimelines, "timelines", 0, "ensemble size (default 100)")
	simulateCmd.Flags().IntVar(&simMaxTurns, "max-turns", 0, "max dialogue turns per timeline")
	simulateCmd.Flags().IntVar(&simWorkers, "workers", 0, "max concurrent timelines (default 10)")
	simulateCmd.Flags().Int64Var(&simSeed, "seed", 0, "ensemble sampling seed (default 1)")
	simulateCmd.Flags().IntVar(&simDepth, "depth", 0, "belief recursion depth, 2 or 3 (default 2)")
	simulateCmd.Flags().StringVar(&simProvider, "provider", "mock", "model provider: openai, anthropic, bedrock or mock")
	simulateCmd.Flags().StringVar(&simModel, "model", "", "model name (provider default when empty)")
	simulateCmd.Flags().Float64Var(&simTPM, "tpm", 0, "tokens-per-minute budget; 0 disables rate limiting")
	simulateCmd.Flags().StringVar(&simRedis, "redis", "", "redis address for progress streaming and result persistence")
	simulateCmd.Flags().StringVar(&simOut, "out", "", "write the distribution JSON to this file")
	_ = simulateCmd.MarkFlagRequired("profiles")
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pairID, a, b, err := loadPair(simProfiles)
	if err != nil {
		return err
	}
	if simPairID != "" {
		pairID = simPairID
	}

	client, embedder, err := buildModel(ctx, simProvider, simModel, simTPM)
	if err != nil {
		return err
	}

	logger := telemetry.Logger(telemetry.NewNoopLogger())
	if verbose {
		logger = telemetry.NewClueLogger()
	}

	orch, err := ensemble.New(ensemble.Options{
		Model:          client,
		Embedder:       embedder,
		NTimelines:     simTimelines,
		MaxTurns:       simMaxTurns,
		MaxWorkers:     simWorkers,
		Seed:           simSeed,
		RecursionDepth: simDepth,
		NewMemory:      inmemMemory(logger),
		Logger:         logger,
		Metrics:        telemetry.NewOTelMetrics(),
		Tracer:         telemetry.NewOTelTracer(),
	})
	if err != nil {
		return err
	}

	sink := progress.Sink(progressPrinter{})
	st := store.Store(store.NoopStore{})
	if simRedis != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: simRedis})
		defer rdb.Close()
		pc, perr := clientspulse.New(clientspulse.Options{Redis: rdb})
		if perr != nil {
			return perr
		}
		ps, perr := pulsesink.NewSink(pc)
		if perr != nil {
			return perr
		}
		rs, perr := redisstore.New(rdb)
		if perr != nil {
			return perr
		}
		sink = multiSink{progressPrinter{}, ps}
		st = rs
	}

	svc, err := ensemble.NewService(ensemble.ServiceOptions{
		Orchestrator: orch,
		Sink:         sink,
		Store:        st,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	dist, err := svc.Simulate(ctx, a, b, pairID)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr)

	if simOut != "" {
		payload, merr := json.MarshalIndent(dist, "", "  ")
		if merr != nil {
			return merr
		}
		if werr := os.WriteFile(simOut, payload, 0o644); werr != nil {
			return fmt.Errorf("write distribution: %w", werr)
		}
	}

	fmt.Print(report.Report(dist, nil))
	return nil
}

// inmemMemory builds a fresh in-process memory manager per timeline.
func inmemMemory(logger telemetry.Logger) func(pairID string, seed int64) *memory.Manager {
	return func(pairID string, _ int64) *memory.Manager {
		m, err := memory.NewManager(memory.ManagerOptions{
			PairID: pairID,
			Store:  memory.NewInmemStore(),
			Logger: logger,
		})
		if err != nil {
			return nil
		}
		return m
	}
}

// progressPrinter renders progress updates as a single overwritten stderr
// line.
type progressPrinter struct{}

func (progressPrinter) Publish(_ context.Context, _ string, payload []byte) error {
	var u progress.Update
	if err := json.Unmarshal(payload, &u); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "\r%-50s", fmt.Sprintf("%s  %d/%d timelines  [%s]", u.PairID, u.Completed, u.Total, u.Status))
	return nil
}

// multiSink fans one update out to several sinks; the first error wins but
// every sink still sees the update.
type multiSink []progress.Sink

func (m multiSink) Publish(ctx context.Context, channel string, payload []byte) error {
	var first error
	for _, s := range m {
		if err := s.Publish(ctx, channel, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}
