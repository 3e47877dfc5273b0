package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"corrwatch/internal/model"
)

// Export renders historical correlation data as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Pair == "" {
		return errors.New("--pair is required")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-time.Duration(opts.MaxPoints) * a.Config.UpdateFrequency())
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	samples, err := store.ListSamplesBetween(ctx, opts.Pair, from, to, opts.Window, opts.MaxPoints)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		a.Logger.Info().Str("pair", opts.Pair).Msg("no samples found for export window")
		return nil
	}

	// rows arrive newest first; render chronologically
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}

	downsampled := downsampleSamples(samples, opts.MaxPoints)
	a.Logger.Info().Int("total", len(samples)).Int("exported", len(downsampled)).Msg("exporting samples")

	if opts.CSVPath != "" {
		if err := writeSamplesCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeSamplesPNG(opts.PNGPath, opts.Pair, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleSamples(samples []model.CorrelationSample, max int) []model.CorrelationSample {
	if max <= 0 || len(samples) <= max {
		return samples
	}

	result := make([]model.CorrelationSample, 0, max)
	step := float64(len(samples)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(samples) {
			idx = len(samples) - 1
		}
		result = append(result, samples[idx])
	}
	return result
}

func writeSamplesCSV(path string, samples []model.CorrelationSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"bucket_ts", "pair", "window_days", "correlation", "p_value", "ci_lower", "ci_upper", "sample_size"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, sample := range samples {
		record := []string{
			sample.Timestamp.Format(time.RFC3339),
			sample.Pair,
			strconv.Itoa(sample.WindowDays),
			formatFloat(sample.Correlation),
			formatFloat(sample.PValue),
			formatFloat(sample.CILower),
			formatFloat(sample.CIUpper),
			strconv.Itoa(sample.SampleSize),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeSamplesPNG(path, pair string, samples []model.CorrelationSample) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(samples))
	correlation := make([]float64, len(samples))
	ciLower := make([]float64, len(samples))
	ciUpper := make([]float64, len(samples))

	for i, sample := range samples {
		x[i] = sample.Timestamp
		correlation[i] = sample.Correlation
		ciLower[i] = sample.CILower
		ciUpper[i] = sample.CIUpper
	}

	corrFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.3f")
	}
	graph := chart.Chart{
		Title:  fmt.Sprintf("%s correlation", pair),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Correlation",
			ValueFormatter: corrFormatter,
			Range:          &chart.ContinuousRange{Min: -1, Max: 1},
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Correlation",
				XValues: x,
				YValues: correlation,
			},
			chart.TimeSeries{
				Name:    "CI lower",
				XValues: x,
				YValues: ciLower,
				Style:   chart.Style{StrokeDashArray: []float64{4, 4}},
			},
			chart.TimeSeries{
				Name:    "CI upper",
				XValues: x,
				YValues: ciUpper,
				Style:   chart.Style{StrokeDashArray: []float64{4, 4}},
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
