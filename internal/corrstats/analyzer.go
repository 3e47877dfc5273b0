package corrstats

import (
	"math"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// AnalyzerConfig tunes the deviation-score computation.
type AnalyzerConfig struct {
	// MinHistory is the minimum number of prior correlation values required
	// before a z-score is defined.
	MinHistory int
	// Alpha is the significance level for the independent significance test.
	Alpha float64
}

// DefaultAnalyzerConfig requires twenty historical observations and tests at
// the 5% level.
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{MinHistory: 20, Alpha: 0.05}
}

// Analyzer converts a current correlation plus a historical sample into a
// standardized deviation score, a significance estimate, and a confidence
// interval. All methods are pure functions over in-memory slices.
type Analyzer struct {
	cfg AnalyzerConfig
}

// NewAnalyzer constructs an Analyzer with defaults applied for zero values.
func NewAnalyzer(cfg AnalyzerConfig) *Analyzer {
	def := DefaultAnalyzerConfig()
	if cfg.MinHistory <= 0 {
		cfg.MinHistory = def.MinHistory
	}
	if cfg.Alpha <= 0 || cfg.Alpha >= 1 {
		cfg.Alpha = def.Alpha
	}
	return &Analyzer{cfg: cfg}
}

// MinHistory reports the configured minimum history length.
func (a *Analyzer) MinHistory() int { return a.cfg.MinHistory }

// ZScoreStats carries the historical moments alongside the score so callers
// can persist them with the event.
type ZScoreStats struct {
	ZScore     float64
	Mean       float64
	Std        float64
	SampleSize int
}

// ZScore standardizes current against the historical sample:
// (current - mean) / stdev. ErrInsufficientData when history is shorter than
// MinHistory, ErrUndefined when the historical stdev is (near-)zero.
func (a *Analyzer) ZScore(current float64, history []float64) (ZScoreStats, error) {
	if len(history) < a.cfg.MinHistory {
		return ZScoreStats{}, ErrInsufficientData
	}

	mean, std := stat.MeanStdDev(history, nil)
	if math.IsNaN(std) || std <= math.Sqrt(varianceEpsilon) {
		return ZScoreStats{}, ErrUndefined
	}

	return ZScoreStats{
		ZScore:     (current - mean) / std,
		Mean:       mean,
		Std:        std,
		SampleSize: len(history),
	}, nil
}

// Significance runs the same two-tailed t-test as the calculator, usable
// independently of a full series.
func (a *Analyzer) Significance(r float64, n int) SignificanceResult {
	p := PValue(r, n)
	return SignificanceResult{
		Correlation: r,
		PValue:      p,
		Significant: p < a.cfg.Alpha,
		SampleSize:  n,
	}
}

// FisherInterval computes a confidence interval for a single correlation
// coefficient via Fisher's z-transform, inverse-transformed back to
// correlation space and clamped to [-1, 1]. The transform requires n >= 4.
func (a *Analyzer) FisherInterval(r float64, n int, confidence float64) (lower, upper float64, err error) {
	if n < 4 {
		return 0, 0, ErrInsufficientData
	}
	if confidence <= 0 || confidence >= 1 {
		confidence = 0.95
	}

	// atanh is singular at |r| = 1; pull the coefficient just inside.
	r = clamp(r, -nearPerfectR, nearPerfectR)

	z := math.Atanh(r)
	se := 1 / math.Sqrt(float64(n-3))
	crit := distuv.Normal{Mu: 0, Sigma: 1}.Quantile(0.5 + confidence/2)

	lower = clampCorrelation(math.Tanh(z - crit*se))
	upper = clampCorrelation(math.Tanh(z + crit*se))
	return lower, upper, nil
}
