package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Show prints recent correlation samples for one pair.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	if opts.Pair == "" {
		return errors.New("--pair is required")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show samples")
	}
	if closeStore != nil {
		defer closeStore()
	}

	samples, err := store.ListHistory(ctx, opts.Pair, opts.Window, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintln(os.Stdout, "no samples found")
		return nil
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tPair\tWindow\tCorrelation\tP-Value\tCI Low\tCI High\tN")

	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%dd\t%.4f\t%.4f\t%.4f\t%.4f\t%d\n",
			sample.Timestamp.UTC().Format(time.RFC3339),
			sample.Pair,
			sample.WindowDays,
			sample.Correlation,
			sample.PValue,
			sample.CILower,
			sample.CIUpper,
			sample.SampleSize,
		)
	}

	writer.Flush()
	return nil
}
