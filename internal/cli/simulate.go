package cli

import (
	"github.com/spf13/cobra"

	"corrwatch/internal/app"
)

var (
	simulatePair        string
	simulateDays        int
	simulateCorrelation float64
	simulateSeed        int64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one monitoring cycle against a synthetic series",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Simulate(cmd.Context(), app.SimulateOptions{
			Pair:        simulatePair,
			Days:        simulateDays,
			Correlation: simulateCorrelation,
			Seed:        simulateSeed,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePair, "pair", "simulated", "Pair name used in the simulated cycle")
	simulateCmd.Flags().IntVar(&simulateDays, "days", 120, "Number of daily observations to synthesize")
	simulateCmd.Flags().Float64Var(&simulateCorrelation, "correlation", 0.8, "Target correlation of the synthetic series")
	simulateCmd.Flags().Int64Var(&simulateSeed, "seed", 0, "Random seed for the synthetic series")
}
