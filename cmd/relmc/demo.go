package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyadlab/relmc/sim/ensemble"
	"github.com/dyadlab/relmc/sim/profile"
	"github.com/dyadlab/relmc/sim/report"
	"github.com/dyadlab/relmc/sim/telemetry"
)

var (
	demoTimelines int
	demoMaxTurns  int
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Run a canned pair through the deterministic mock provider",
	Long: `Demo simulates a small ensemble for a built-in anxious/avoidant pair
using the offline mock model. No API keys or services needed; the same seed
always produces the same report.`,
	RunE: runDemo,
}

func init() {
	demoCmd.Flags().IntVar(&demoTimelines, "timelines", 16, "ensemble size")
	demoCmd.Flags().IntVar(&demoMaxTurns, "max-turns", 12, "max dialogue turns per timeline")
}

func runDemo(cmd *cobra.Command, _ []string) error {
	logger := telemetry.Logger(telemetry.NewNoopLogger())
	if verbose {
		logger = telemetry.NewClueLogger()
	}

	orch, err := ensemble.New(ensemble.Options{
		Model:           newMockClient(),
		NTimelines:      demoTimelines,
		MaxTurns:        demoMaxTurns,
		CrisisTurnRange: [2]int{3, 6},
		Seed:            7,
		NewMemory:       inmemMemory(logger),
		Logger:          logger,
	})
	if err != nil {
		return err
	}

	dist, err := orch.RunEnsemble(cmd.Context(), demoProfileA(), demoProfileB(), "demo-pair",
		func(completed, total int) {
			fmt.Fprintf(os.Stderr, "\r%d/%d timelines", completed, total)
		})
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stderr)
	fmt.Print(report.Report(dist, nil))
	return nil
}

func demoProfileA() *profile.ShadowProfile {
	return &profile.ShadowProfile{
		AgentID: "june",
		Values: map[string]float64{
			"autonomy":    0.35,
			"security":    0.85,
			"achievement": 0.5,
			"intimacy":    0.9,
			"novelty":     0.3,
			"stability":   0.8,
			"power":       0.25,
			"belonging":   0.85,
		},
		Attachment:          profile.AttachmentAnxious,
		FearArchitecture:    []string{"abandonment", "irrelevance"},
		LinguisticSignature: []string{"honestly", "we always", "come back to"},
		EntropyTolerance:    0.35,
		Communication:       profile.CommunicationIndirect,
	}
}

func demoProfileB() *profile.ShadowProfile {
	return &profile.ShadowProfile{
		AgentID: "marco",
		Values: map[string]float64{
			"autonomy":    0.9,
			"security":    0.4,
			"achievement": 0.8,
			"intimacy":    0.45,
			"novelty":     0.75,
			"stability":   0.35,
			"power":       0.6,
			"belonging":   0.4,
		},
		Attachment:          profile.AttachmentAvoidant,
		FearArchitecture:    []string{"engulfment", "failure"},
		LinguisticSignature: []string{"concretely", "figure it out", "give me a second"},
		EntropyTolerance:    0.7,
		Communication:       profile.CommunicationDirect,
	}
}
