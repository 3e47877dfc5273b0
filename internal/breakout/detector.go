package breakout

import (
	"fmt"
	"math"
	"time"

	"corrwatch/internal/model"
)

// Config tunes breakout classification, persistence validation, regime
// detection, and clustering. Band cutoffs must be monotonic and consistent
// with the detection threshold.
type Config struct {
	Threshold    float64 `mapstructure:"z_score_threshold"`
	ModerateBand float64 `mapstructure:"moderate_band"`
	HighBand     float64 `mapstructure:"high_band"`
	ExtremeBand  float64 `mapstructure:"extreme_band"`

	// Confidence blend: deviation magnitude normalised to MaxExpectedZ,
	// weighted against historical sample adequacy.
	MaxExpectedZ          float64 `mapstructure:"max_expected_z"`
	FullConfidenceSamples int     `mapstructure:"full_confidence_samples"`
	MagnitudeWeight       float64 `mapstructure:"magnitude_weight"`
	SampleWeight          float64 `mapstructure:"sample_weight"`

	PersistenceMaxGap time.Duration `mapstructure:"persistence_max_gap"`
	PersistenceMinRun time.Duration `mapstructure:"persistence_min_run"`

	ClusterWindow time.Duration `mapstructure:"cluster_window"`

	// CUSUM defaults are carried from the source system without a documented
	// statistical derivation; keep them configurable.
	CUSUMThreshold     float64 `mapstructure:"cusum_threshold"`
	CUSUMRollingWindow int     `mapstructure:"cusum_rolling_window"`
}

// DefaultConfig returns the stock detection parameters.
func DefaultConfig() Config {
	return Config{
		Threshold:             3.0,
		ModerateBand:          3.0,
		HighBand:              3.5,
		ExtremeBand:           4.0,
		MaxExpectedZ:          5.0,
		FullConfidenceSamples: 30,
		MagnitudeWeight:       0.7,
		SampleWeight:          0.3,
		PersistenceMaxGap:     30 * time.Minute,
		PersistenceMinRun:     time.Hour,
		ClusterWindow:         2 * time.Hour,
		CUSUMThreshold:        2.0,
		CUSUMRollingWindow:    5,
	}
}

// Validate rejects non-monotonic band configurations.
func (c Config) Validate() error {
	if c.Threshold <= 0 {
		return fmt.Errorf("breakout: threshold must be positive, got %v", c.Threshold)
	}
	if c.ModerateBand < c.Threshold || c.HighBand < c.ModerateBand || c.ExtremeBand < c.HighBand {
		return fmt.Errorf("breakout: bands must satisfy threshold <= moderate <= high <= extreme (%v, %v, %v, %v)",
			c.Threshold, c.ModerateBand, c.HighBand, c.ExtremeBand)
	}
	if c.MaxExpectedZ <= 0 || c.FullConfidenceSamples <= 0 {
		return fmt.Errorf("breakout: confidence normalisers must be positive")
	}
	if c.CUSUMThreshold <= 0 || c.CUSUMRollingWindow < 2 {
		return fmt.Errorf("breakout: invalid CUSUM parameters")
	}
	return nil
}

// Detector classifies deviation scores into breakout events. Stateless and
// safe for concurrent use across pairs.
type Detector struct {
	cfg Config
}

// New constructs a Detector.
func New(cfg Config) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Detector{cfg: cfg}, nil
}

// Threshold reports the detection threshold.
func (d *Detector) Threshold() float64 { return d.cfg.Threshold }

// Observation carries everything Classify needs about one evaluation.
type Observation struct {
	Pair               string
	WindowDays         int
	ZScore             float64
	CurrentCorrelation float64
	HistoricalMean     float64
	HistoricalStd      float64
	SampleSize         int
	Timestamp          time.Time
}

// Classify converts a deviation observation into a breakout event. The second
// return is false when |z| is below the detection threshold.
func (d *Detector) Classify(obs Observation) (model.BreakoutEvent, bool) {
	abs := math.Abs(obs.ZScore)
	if abs < d.cfg.Threshold || math.IsNaN(abs) || math.IsInf(abs, 0) {
		return model.BreakoutEvent{}, false
	}

	direction := model.DirectionPositive
	if obs.ZScore < 0 {
		direction = model.DirectionNegative
	}

	return model.BreakoutEvent{
		Pair:               obs.Pair,
		WindowDays:         obs.WindowDays,
		ZScore:             obs.ZScore,
		Severity:           d.Severity(obs.ZScore),
		Direction:          direction,
		Confidence:         d.confidence(abs, obs.SampleSize),
		Threshold:          d.cfg.Threshold,
		CurrentCorrelation: obs.CurrentCorrelation,
		HistoricalMean:     obs.HistoricalMean,
		HistoricalStd:      obs.HistoricalStd,
		SampleSize:         obs.SampleSize,
		Timestamp:          obs.Timestamp,
	}, true
}

// Severity bands |z| deterministically; monotonic in the magnitude.
func (d *Detector) Severity(z float64) model.Severity {
	abs := math.Abs(z)
	switch {
	case abs < d.cfg.Threshold:
		return model.SeverityNone
	case abs >= d.cfg.ExtremeBand:
		return model.SeverityExtreme
	case abs >= d.cfg.HighBand:
		return model.SeverityHigh
	case abs >= d.cfg.ModerateBand:
		return model.SeverityModerate
	default:
		return model.SeverityLow
	}
}

// confidence blends normalised deviation magnitude with historical sample
// adequacy, clipped to [0, 1].
func (d *Detector) confidence(absZ float64, sampleSize int) float64 {
	magnitude := math.Min(absZ/d.cfg.MaxExpectedZ, 1)
	adequacy := math.Min(float64(sampleSize)/float64(d.cfg.FullConfidenceSamples), 1)

	c := d.cfg.MagnitudeWeight*magnitude + d.cfg.SampleWeight*adequacy
	return math.Max(0, math.Min(c, 1))
}
