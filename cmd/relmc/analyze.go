package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dyadlab/relmc/sim/ensemble"
	"github.com/dyadlab/relmc/sim/report"
)

var analyzeIn string

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Re-derive the executive report from a stored distribution",
	Long: `Analyze reads a distribution JSON file (written by simulate --out or
fetched from the Redis result store) and re-runs the statistical analysis
and report rendering without touching any model provider.`,
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeIn, "in", "", "distribution JSON file (required)")
	_ = analyzeCmd.MarkFlagRequired("in")
}

func runAnalyze(_ *cobra.Command, _ []string) error {
	data, err := os.ReadFile(analyzeIn)
	if err != nil {
		return fmt.Errorf("read distribution: %w", err)
	}
	var dist ensemble.Distribution
	if err := json.Unmarshal(data, &dist); err != nil {
		return fmt.Errorf("parse distribution: %w", err)
	}
	fmt.Print(report.Report(&dist, nil))
	return nil
}
