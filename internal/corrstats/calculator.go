package corrstats

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

var (
	// ErrUndefined indicates a correlation cannot be computed because one of
	// the series has zero or near-zero variance.
	ErrUndefined = errors.New("corrstats: correlation undefined for degenerate series")
	// ErrInsufficientData indicates the series is shorter than the configured
	// minimum sample size.
	ErrInsufficientData = errors.New("corrstats: insufficient data")
)

// varianceEpsilon is the variance floor below which a series is treated as
// constant and the correlation as undefined.
const varianceEpsilon = 1e-12

// nearPerfectR is the closed-form cutoff for the significance test: at or
// beyond this |r| the t statistic is effectively singular and p is taken as 0.
const nearPerfectR = 0.9999

// CalculatorConfig tunes minimum input requirements.
type CalculatorConfig struct {
	MinSamples int
}

// DefaultCalculatorConfig mirrors the monitoring default of ten points per
// window before a correlation is trusted.
func DefaultCalculatorConfig() CalculatorConfig {
	return CalculatorConfig{MinSamples: 10}
}

// Calculator computes point-in-time and rolling correlations between two
// aligned series. Stateless and safe for concurrent use.
type Calculator struct {
	cfg CalculatorConfig
}

// NewCalculator constructs a Calculator, falling back to defaults for
// non-positive minimum sample sizes.
func NewCalculator(cfg CalculatorConfig) *Calculator {
	if cfg.MinSamples < 3 {
		cfg.MinSamples = DefaultCalculatorConfig().MinSamples
	}
	return &Calculator{cfg: cfg}
}

// MinSamples reports the configured minimum sample size.
func (c *Calculator) MinSamples() int { return c.cfg.MinSamples }

// Pearson returns the linear correlation coefficient of x and y.
// It returns ErrInsufficientData when fewer than MinSamples points are
// supplied and ErrUndefined when either leg has (near-)zero variance, so a
// degenerate input never propagates NaN.
func (c *Calculator) Pearson(x, y []float64) (float64, error) {
	if len(x) != len(y) {
		return 0, errors.New("corrstats: series length mismatch")
	}
	if len(x) < c.cfg.MinSamples {
		return 0, ErrInsufficientData
	}
	if stat.Variance(x, nil) <= varianceEpsilon || stat.Variance(y, nil) <= varianceEpsilon {
		return 0, ErrUndefined
	}

	r := stat.Correlation(x, y, nil)
	if math.IsNaN(r) || math.IsInf(r, 0) {
		return 0, ErrUndefined
	}
	return clampCorrelation(r), nil
}

// Spearman returns the rank correlation coefficient, used for non-linear
// monotonic relationships. Ties receive average ranks.
func (c *Calculator) Spearman(x, y []float64) (float64, error) {
	if len(x) != len(y) {
		return 0, errors.New("corrstats: series length mismatch")
	}
	return c.Pearson(ranks(x), ranks(y))
}

// TrailingWindow computes the Pearson correlation over the most recent
// window points of both series.
func (c *Calculator) TrailingWindow(x, y []float64, window int) (float64, error) {
	if window <= 0 {
		return 0, ErrInsufficientData
	}
	if len(x) != len(y) {
		return 0, errors.New("corrstats: series length mismatch")
	}
	if len(x) > window {
		x = x[len(x)-window:]
		y = y[len(y)-window:]
	}
	return c.Pearson(x, y)
}

// SignificanceResult bundles a correlation with its two-tailed test outcome.
type SignificanceResult struct {
	Correlation float64
	PValue      float64
	Significant bool
	SampleSize  int
}

// PearsonWithSignificance computes the correlation plus a p-value from a
// two-tailed t-test on the coefficient. Near-perfect correlations
// (|r| >= 0.9999) are handled closed-form with p = 0 to avoid the singular
// t statistic.
func (c *Calculator) PearsonWithSignificance(x, y []float64, alpha float64) (SignificanceResult, error) {
	r, err := c.Pearson(x, y)
	if err != nil {
		return SignificanceResult{}, err
	}

	n := len(x)
	p := PValue(r, n)
	return SignificanceResult{
		Correlation: r,
		PValue:      p,
		Significant: p < alpha,
		SampleSize:  n,
	}, nil
}

// PValue returns the two-tailed p-value for a correlation coefficient r over
// n paired observations. For n < 3 the test is meaningless and p is 1.
func PValue(r float64, n int) float64 {
	if n < 3 {
		return 1
	}
	abs := math.Abs(r)
	if abs >= nearPerfectR {
		return 0
	}

	nu := float64(n - 2)
	t := abs * math.Sqrt(nu/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: nu}
	p := 2 * (1 - dist.CDF(t))
	return clamp(p, 0, 1)
}

// Rolling produces a correlation at every complete window position of the
// sliding window across both series, used to seed historical baselines.
// Positions whose window is degenerate hold NaN; callers filter with
// FiniteOnly.
func (c *Calculator) Rolling(x, y []float64, window int) []float64 {
	if window < 2 || len(x) != len(y) || len(x) < window {
		return nil
	}

	out := make([]float64, 0, len(x)-window+1)
	for i := window; i <= len(x); i++ {
		wx := x[i-window : i]
		wy := y[i-window : i]
		if stat.Variance(wx, nil) <= varianceEpsilon || stat.Variance(wy, nil) <= varianceEpsilon {
			out = append(out, math.NaN())
			continue
		}
		out = append(out, clampCorrelation(stat.Correlation(wx, wy, nil)))
	}
	return out
}

// FiniteOnly drops NaN and infinite entries from a series.
func FiniteOnly(values []float64) []float64 {
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out = append(out, v)
	}
	return out
}

// ranks converts values to 1-based ranks with average ranks on ties.
func ranks(values []float64) []float64 {
	n := len(values)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	out := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		// average rank across the tie group
		rank := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = rank
		}
		i = j + 1
	}
	return out
}

func clampCorrelation(r float64) float64 {
	return clamp(r, -1, 1)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
