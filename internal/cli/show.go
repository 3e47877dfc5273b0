package cli

import (
	"github.com/spf13/cobra"

	"corrwatch/internal/app"
)

var (
	showPair   string
	showWindow int
	showLimit  int
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show recent correlation samples for a pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Show(cmd.Context(), app.ShowOptions{
			Pair:   showPair,
			Window: showWindow,
			Limit:  showLimit,
		})
	},
}

func init() {
	showCmd.Flags().StringVar(&showPair, "pair", "", "Pair name to display")
	showCmd.Flags().IntVar(&showWindow, "window", 0, "Restrict to one correlation window in days (0 = all)")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of samples to display")
}
