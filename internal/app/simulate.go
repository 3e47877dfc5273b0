package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"

	"corrwatch/internal/datasource"
	"corrwatch/internal/model"
)

// Simulate runs one monitoring cycle against a deterministic synthetic
// series and prints the cycle result, without touching the database or the
// state directory.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.Pair == "" {
		opts.Pair = "simulated"
	}
	if opts.Days <= 0 {
		opts.Days = 120
	}
	if opts.Correlation < -1 || opts.Correlation > 1 {
		return fmt.Errorf("correlation %.3f outside [-1, 1]", opts.Correlation)
	}

	series, err := datasource.Synthetic(datasource.SyntheticOptions{
		Days:        opts.Days,
		Correlation: opts.Correlation,
		Seed:        opts.Seed,
		BasePrice:   decimal.NewFromInt(100),
	})
	if err != nil {
		return err
	}

	spec := model.PairSpec{
		Name:      opts.Pair,
		Primary:   "sim_primary",
		Secondary: "sim_secondary",
		Windows:   []int{30, 90},
	}

	provider := datasource.NewStaticProvider()
	provider.Set(spec.Primary, spec.Secondary, series)

	mon, err := a.newSimulationMonitor(provider)
	if err != nil {
		return err
	}

	result := mon.RunCycle(ctx, spec)

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(result)
}
