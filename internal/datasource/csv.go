package datasource

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// CSVOptions parameterise the file-backed provider.
type CSVOptions struct {
	// Dir holds one file per series named <symbol>.csv with rows of
	// "RFC3339 date,close". Close values are parsed as decimals.
	Dir string
}

// CSVProvider reads daily close series from per-symbol CSV files and aligns
// the two legs on shared timestamps. Rows present in only one leg are
// dropped, mirroring how the upstream acquisition layer aligns tables.
type CSVProvider struct {
	opts   CSVOptions
	logger zerolog.Logger
}

// NewCSV constructs a CSV provider.
func NewCSV(opts CSVOptions, logger zerolog.Logger) *CSVProvider {
	return &CSVProvider{
		opts:   opts,
		logger: logger.With().Str("component", "csv_datasource").Logger(),
	}
}

// FetchAligned loads both legs, inner-joins them on timestamp, and returns
// the trailing lookbackDays rows. Missing files yield an empty series, which
// the caller treats as a no-data condition, not an error path.
func (p *CSVProvider) FetchAligned(ctx context.Context, primary, secondary string, lookbackDays int) (*AlignedSeries, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	left, err := p.loadSeries(primary)
	if err != nil {
		return nil, err
	}
	right, err := p.loadSeries(secondary)
	if err != nil {
		return nil, err
	}
	if len(left) == 0 || len(right) == 0 {
		p.logger.Debug().Str("primary", primary).Str("secondary", secondary).Msg("one or both legs empty")
		return &AlignedSeries{}, nil
	}

	var (
		timestamps []time.Time
		xs, ys     []float64
	)
	for ts, v := range left {
		w, ok := right[ts]
		if !ok {
			continue
		}
		timestamps = append(timestamps, ts)
		xs = append(xs, v.InexactFloat64())
		ys = append(ys, w.InexactFloat64())
	}
	sortAligned(timestamps, xs, ys)

	series, err := NewAlignedSeries(timestamps, xs, ys)
	if err != nil {
		return nil, fmt.Errorf("align %s/%s: %w", primary, secondary, err)
	}
	return series.Tail(lookbackDays), nil
}

func (p *CSVProvider) loadSeries(symbol string) (map[time.Time]decimal.Decimal, error) {
	path := filepath.Join(p.opts.Dir, sanitizeSymbol(symbol)+".csv")
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open series %s: %w", symbol, err)
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = 2

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read series %s: %w", symbol, err)
	}

	out := make(map[time.Time]decimal.Decimal, len(rows))
	for i, row := range rows {
		ts, err := time.Parse(time.RFC3339, strings.TrimSpace(row[0]))
		if err != nil {
			if i == 0 {
				// header row
				continue
			}
			return nil, fmt.Errorf("series %s row %d: %w", symbol, i+1, err)
		}
		value, err := decimal.NewFromString(strings.TrimSpace(row[1]))
		if err != nil {
			return nil, fmt.Errorf("series %s row %d: %w", symbol, i+1, err)
		}
		out[ts.UTC()] = value
	}
	return out, nil
}

func sanitizeSymbol(symbol string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", " ", "_")
	return strings.ToLower(replacer.Replace(symbol))
}

func sortAligned(timestamps []time.Time, xs, ys []float64) {
	// insertion sort keyed on timestamps; series files are near-sorted already
	for i := 1; i < len(timestamps); i++ {
		for j := i; j > 0 && timestamps[j].Before(timestamps[j-1]); j-- {
			timestamps[j], timestamps[j-1] = timestamps[j-1], timestamps[j]
			xs[j], xs[j-1] = xs[j-1], xs[j]
			ys[j], ys[j-1] = ys[j-1], ys[j]
		}
	}
}

var _ Provider = (*CSVProvider)(nil)
