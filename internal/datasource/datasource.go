package datasource

import (
	"context"
	"errors"
	"time"
)

// Provider supplies an aligned two-column series for a monitored pair.
// Implementations cover exchange clients, warehouses, or files; the
// monitoring core only depends on this contract. An empty or undersized
// result is valid data, not an error.
type Provider interface {
	FetchAligned(ctx context.Context, primary, secondary string, lookbackDays int) (*AlignedSeries, error)
}

// AlignedSeries is a time-indexed table with one numeric column per tracked
// series. Timestamps are strictly increasing and each column has exactly one
// value per timestamp.
type AlignedSeries struct {
	Timestamps []time.Time
	Primary    []float64
	Secondary  []float64
}

// NewAlignedSeries validates column lengths and timestamp ordering.
func NewAlignedSeries(timestamps []time.Time, primary, secondary []float64) (*AlignedSeries, error) {
	if len(timestamps) != len(primary) || len(timestamps) != len(secondary) {
		return nil, errors.New("datasource: column length mismatch")
	}
	for i := 1; i < len(timestamps); i++ {
		if !timestamps[i].After(timestamps[i-1]) {
			return nil, errors.New("datasource: timestamps must be strictly increasing")
		}
	}
	return &AlignedSeries{Timestamps: timestamps, Primary: primary, Secondary: secondary}, nil
}

// Len reports the number of aligned rows.
func (s *AlignedSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Timestamps)
}

// Tail returns the trailing n rows without copying. The receiver is returned
// unchanged when it is shorter than n.
func (s *AlignedSeries) Tail(n int) *AlignedSeries {
	if s == nil || n <= 0 || s.Len() <= n {
		return s
	}
	start := s.Len() - n
	return &AlignedSeries{
		Timestamps: s.Timestamps[start:],
		Primary:    s.Primary[start:],
		Secondary:  s.Secondary[start:],
	}
}

// LastTimestamp returns the newest row's timestamp, or the zero time for an
// empty series.
func (s *AlignedSeries) LastTimestamp() time.Time {
	if s.Len() == 0 {
		return time.Time{}
	}
	return s.Timestamps[s.Len()-1]
}
