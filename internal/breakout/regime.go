package breakout

import (
	"math"

	"gonum.org/v1/gonum/stat"

	"corrwatch/internal/model"
)

// DetectRegimeChange runs a two-sided CUSUM over a rolling-mean smoothing of
// the raw correlation series. The target level is estimated from the leading
// baseline segment, so a sustained shift later in the series accumulates in
// one cumulative sum and is flagged when it exceeds CUSUMThreshold times the
// smoothed series' standard deviation. This is independent of the
// threshold-based breakout detector and targets slower-moving shifts rather
// than point alerts.
func (d *Detector) DetectRegimeChange(correlations []float64) model.RegimeChange {
	smoothed := rollingMean(correlations, d.cfg.CUSUMRollingWindow)
	if len(smoothed) < 2 {
		return model.RegimeChange{}
	}

	_, std := stat.MeanStdDev(smoothed, nil)
	if math.IsNaN(std) || std <= math.Sqrt(varianceEpsilon) {
		return model.RegimeChange{}
	}
	limit := d.cfg.CUSUMThreshold * std

	baseline := d.cfg.CUSUMRollingWindow
	if baseline > len(smoothed) {
		baseline = len(smoothed)
	}
	target := stat.Mean(smoothed[:baseline], nil)

	// slack allowance of half a standard deviation per step keeps ordinary
	// noise from accumulating into a false shift
	slack := std / 2

	var sumHigh, sumLow float64
	for i, v := range smoothed {
		diff := v - target
		sumHigh = math.Max(0, sumHigh+diff-slack)
		sumLow = math.Min(0, sumLow+diff+slack)

		if sumHigh > limit {
			return model.RegimeChange{Detected: true, Index: i, Direction: model.DirectionPositive}
		}
		if -sumLow > limit {
			return model.RegimeChange{Detected: true, Index: i, Direction: model.DirectionNegative}
		}
	}
	return model.RegimeChange{}
}

// varianceEpsilon matches the degeneracy floor used by the calculators.
const varianceEpsilon = 1e-12

func rollingMean(values []float64, window int) []float64 {
	if window < 1 || len(values) < window {
		return nil
	}

	out := make([]float64, 0, len(values)-window+1)
	var sum float64
	for i, v := range values {
		sum += v
		if i >= window {
			sum -= values[i-window]
		}
		if i >= window-1 {
			out = append(out, sum/float64(window))
		}
	}
	return out
}
