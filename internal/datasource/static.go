package datasource

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/shopspring/decimal"
)

// StaticProvider serves pre-built series keyed by "primary/secondary". Used by
// tests and the simulate command.
type StaticProvider struct {
	series map[string]*AlignedSeries
}

// NewStaticProvider constructs an empty static provider.
func NewStaticProvider() *StaticProvider {
	return &StaticProvider{series: make(map[string]*AlignedSeries)}
}

// Set registers the series returned for a primary/secondary combination.
func (p *StaticProvider) Set(primary, secondary string, series *AlignedSeries) {
	p.series[primary+"/"+secondary] = series
}

// FetchAligned returns the registered series truncated to the lookback, or an
// empty series when nothing is registered.
func (p *StaticProvider) FetchAligned(_ context.Context, primary, secondary string, lookbackDays int) (*AlignedSeries, error) {
	series, ok := p.series[primary+"/"+secondary]
	if !ok {
		return &AlignedSeries{}, nil
	}
	return series.Tail(lookbackDays), nil
}

var _ Provider = (*StaticProvider)(nil)

// SyntheticOptions parameterise generated daily series for simulation runs.
type SyntheticOptions struct {
	Days        int
	Correlation float64
	Seed        int64
	BasePrice   decimal.Decimal
}

// Synthetic builds a daily aligned series whose legs exhibit approximately
// the requested correlation, anchored on a decimal base price so simulated
// candles round-trip through the same representation real feeds use.
func Synthetic(opts SyntheticOptions) (*AlignedSeries, error) {
	if opts.Days < 2 {
		return nil, fmt.Errorf("datasource: synthetic series needs at least 2 days, got %d", opts.Days)
	}
	rho := opts.Correlation
	if rho < -1 || rho > 1 {
		return nil, fmt.Errorf("datasource: correlation %v outside [-1,1]", rho)
	}
	base := opts.BasePrice
	if base.IsZero() {
		base = decimal.NewFromInt(100)
	}

	rng := rand.New(rand.NewSource(opts.Seed))
	start := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, -opts.Days)

	timestamps := make([]time.Time, opts.Days)
	primary := make([]float64, opts.Days)
	secondary := make([]float64, opts.Days)

	anchor := base.InexactFloat64()
	orthogonal := math.Sqrt(1 - rho*rho)
	for i := 0; i < opts.Days; i++ {
		timestamps[i] = start.AddDate(0, 0, i)
		a := rng.NormFloat64()
		b := rho*a + orthogonal*rng.NormFloat64()
		primary[i] = anchor * (1 + 0.01*a)
		secondary[i] = anchor * (1 + 0.01*b)
	}

	return NewAlignedSeries(timestamps, primary, secondary)
}
