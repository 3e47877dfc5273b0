package breakout

import (
	"math"
	"testing"
	"time"

	"corrwatch/internal/model"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := New(DefaultConfig())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return d
}

func TestConfigValidateRejectsBadBands(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HighBand = 2.0 // below moderate
	if _, err := New(cfg); err == nil {
		t.Fatal("expected validation error for non-monotonic bands")
	}

	cfg = DefaultConfig()
	cfg.Threshold = 0
	if _, err := New(cfg); err == nil {
		t.Fatal("expected validation error for zero threshold")
	}
}

func TestClassifyBelowThreshold(t *testing.T) {
	d := newTestDetector(t)
	if _, ok := d.Classify(Observation{ZScore: 2.5, SampleSize: 30}); ok {
		t.Fatal("|z| below threshold must not trigger")
	}
	if _, ok := d.Classify(Observation{ZScore: math.NaN(), SampleSize: 30}); ok {
		t.Fatal("NaN z must not trigger")
	}
}

func TestClassifyDirection(t *testing.T) {
	d := newTestDetector(t)

	ev, ok := d.Classify(Observation{ZScore: 3.2, SampleSize: 30})
	if !ok || ev.Direction != model.DirectionPositive {
		t.Fatalf("positive z should give positive direction, got %+v", ev)
	}

	ev, ok = d.Classify(Observation{ZScore: -3.2, SampleSize: 30})
	if !ok || ev.Direction != model.DirectionNegative {
		t.Fatalf("negative z should give negative direction, got %+v", ev)
	}
}

func TestSeverityMonotonic(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Threshold = 2.5 // open a band below moderate so low is reachable
	d, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	prev := model.SeverityNone
	for z := 0.0; z <= 6.0; z += 0.1 {
		severity := d.Severity(z)
		if severity.Rank() < prev.Rank() {
			t.Fatalf("severity regressed from %s to %s at z=%f", prev, severity, z)
		}
		prev = severity
	}

	cases := map[float64]model.Severity{
		2.0:  model.SeverityNone,
		2.6:  model.SeverityLow,
		3.1:  model.SeverityModerate,
		3.7:  model.SeverityHigh,
		4.5:  model.SeverityExtreme,
		-4.5: model.SeverityExtreme,
	}
	for z, want := range cases {
		if got := d.Severity(z); got != want {
			t.Fatalf("z=%f: got %s want %s", z, got, want)
		}
	}
}

func TestClassifyExtremeDeviation(t *testing.T) {
	d := newTestDetector(t)

	// correlation 0.95 against a 0.40 mean with 0.05 std: z = 11
	mean, std, current := 0.40, 0.05, 0.95
	z := (current - mean) / std

	ev, ok := d.Classify(Observation{
		Pair:               "btc_eth",
		WindowDays:         30,
		ZScore:             z,
		CurrentCorrelation: current,
		HistoricalMean:     mean,
		HistoricalStd:      std,
		SampleSize:         30,
		Timestamp:          time.Now(),
	})
	if !ok {
		t.Fatal("z=11 must trigger a breakout")
	}
	if ev.Severity != model.SeverityExtreme {
		t.Fatalf("expected extreme severity, got %s", ev.Severity)
	}
	if ev.Direction != model.DirectionPositive {
		t.Fatalf("expected positive direction, got %s", ev.Direction)
	}
	if ev.Confidence <= 0.9 {
		t.Fatalf("expected high confidence for extreme deviation with full history, got %f", ev.Confidence)
	}
}

func TestConfidenceBounds(t *testing.T) {
	d := newTestDetector(t)
	for _, z := range []float64{3.0, 4.0, 7.0, 100.0} {
		for _, n := range []int{0, 1, 10, 30, 1000} {
			ev, ok := d.Classify(Observation{ZScore: z, SampleSize: n})
			if !ok {
				t.Fatalf("z=%f should trigger", z)
			}
			if ev.Confidence < 0 || ev.Confidence > 1 {
				t.Fatalf("confidence %f out of [0,1] for z=%f n=%d", ev.Confidence, z, n)
			}
		}
	}
}

func TestConfidenceGrowsWithSample(t *testing.T) {
	d := newTestDetector(t)
	small, _ := d.Classify(Observation{ZScore: 3.5, SampleSize: 5})
	large, _ := d.Classify(Observation{ZScore: 3.5, SampleSize: 30})
	if large.Confidence <= small.Confidence {
		t.Fatalf("more history should not lower confidence: %f vs %f", small.Confidence, large.Confidence)
	}
}
