package breakout

import (
	"testing"

	"corrwatch/internal/model"
)

func TestDetectRegimeChangeOnLevelShift(t *testing.T) {
	d := newTestDetector(t)

	// stable around 0.2, then a sustained shift to 0.8
	series := make([]float64, 0, 40)
	for i := 0; i < 20; i++ {
		series = append(series, 0.2+0.01*float64(i%3))
	}
	for i := 0; i < 20; i++ {
		series = append(series, 0.8+0.01*float64(i%3))
	}

	change := d.DetectRegimeChange(series)
	if !change.Detected {
		t.Fatal("sustained level shift should be detected")
	}
	if change.Direction != model.DirectionPositive {
		t.Fatalf("upward shift should be positive, got %s", change.Direction)
	}
}

func TestDetectRegimeChangeDownwardShift(t *testing.T) {
	d := newTestDetector(t)

	series := make([]float64, 0, 40)
	for i := 0; i < 20; i++ {
		series = append(series, 0.7)
	}
	for i := 0; i < 20; i++ {
		series = append(series, 0.1)
	}
	// tiny jitter so the smoothed series is not flagged degenerate
	for i := range series {
		series[i] += 0.001 * float64(i%2)
	}

	change := d.DetectRegimeChange(series)
	if !change.Detected {
		t.Fatal("downward shift should be detected")
	}
	if change.Direction != model.DirectionNegative {
		t.Fatalf("downward shift should be negative, got %s", change.Direction)
	}
}

func TestDetectRegimeChangeStableSeries(t *testing.T) {
	d := newTestDetector(t)

	// alternating noise around a constant level, no structural shift
	series := make([]float64, 40)
	for i := range series {
		series[i] = 0.5 + 0.02*float64(i%2)
	}

	if change := d.DetectRegimeChange(series); change.Detected {
		t.Fatalf("stable series should not trigger, got index %d", change.Index)
	}
}

func TestDetectRegimeChangeShortSeries(t *testing.T) {
	d := newTestDetector(t)
	if change := d.DetectRegimeChange([]float64{0.5, 0.6}); change.Detected {
		t.Fatal("series shorter than the rolling window must not trigger")
	}
}

func TestRollingMean(t *testing.T) {
	out := rollingMean([]float64{1, 2, 3, 4, 5}, 3)
	want := []float64{2, 3, 4}
	if len(out) != len(want) {
		t.Fatalf("expected %d values, got %d", len(want), len(out))
	}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("position %d: got %f want %f", i, out[i], want[i])
		}
	}
}
