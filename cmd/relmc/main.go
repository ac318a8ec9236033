// Command relmc runs relational Monte Carlo ensembles from the terminal:
// simulate a pair of profiles, re-analyze a stored distribution, or run a
// canned demo against the deterministic mock provider.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"goa.design/clue/log"
)

var (
	verbose bool
	envFile string
)

var rootCmd = &cobra.Command{
	Use:   "relmc",
	Short: "Relational Monte Carlo ensemble simulator",
	Long: `relmc simulates ensembles of dialogue timelines between two profiled
agents, injects black-swan crises at stochastic points, and reports the
pair's collapse and recovery statistics.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if envFile != "" {
			if err := godotenv.Load(envFile); err != nil {
				return fmt.Errorf("load env file %s: %w", envFile, err)
			}
		} else {
			_ = godotenv.Load() // .env is optional
		}
		format := log.FormatJSON
		if log.IsTerminal() {
			format = log.FormatTerminal
		}
		ctx := log.Context(cmd.Context(), log.WithFormat(format))
		if verbose {
			ctx = log.Context(ctx, log.WithDebug())
		}
		cmd.SetContext(ctx)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "env file to load (default: ./.env when present)")
	rootCmd.AddCommand(simulateCmd, analyzeCmd, demoCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "relmc:", err)
		os.Exit(1)
	}
}
