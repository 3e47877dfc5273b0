package corrstats

import (
	"errors"
	"math"
	"testing"
)

func TestZScoreCorrectness(t *testing.T) {
	analyzer := NewAnalyzer(AnalyzerConfig{MinHistory: 5})

	history := []float64{0.4, 0.5, 0.6, 0.5, 0.5}
	stats, err := analyzer.ZScore(0.8, history)
	if err != nil {
		t.Fatalf("ZScore failed: %v", err)
	}

	mean := 0.5
	if math.Abs(stats.Mean-mean) > 1e-9 {
		t.Fatalf("expected mean %f, got %f", mean, stats.Mean)
	}
	if stats.ZScore <= 0 {
		t.Fatalf("current above mean should give positive z, got %f", stats.ZScore)
	}

	expected := (0.8 - stats.Mean) / stats.Std
	if math.Abs(stats.ZScore-expected) > 1e-9 {
		t.Fatalf("z mismatch: got %f want %f", stats.ZScore, expected)
	}
}

func TestZScoreShortHistory(t *testing.T) {
	analyzer := NewAnalyzer(AnalyzerConfig{MinHistory: 20})
	if _, err := analyzer.ZScore(0.5, []float64{0.1, 0.2}); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestZScoreFlatHistory(t *testing.T) {
	analyzer := NewAnalyzer(AnalyzerConfig{MinHistory: 5})
	flat := []float64{0.5, 0.5, 0.5, 0.5, 0.5, 0.5}
	if _, err := analyzer.ZScore(0.5, flat); !errors.Is(err, ErrUndefined) {
		t.Fatalf("expected ErrUndefined for zero-variance history, got %v", err)
	}
}

func TestSignificanceAlpha(t *testing.T) {
	analyzer := NewAnalyzer(AnalyzerConfig{Alpha: 0.05})

	strong := analyzer.Significance(0.9, 50)
	if !strong.Significant {
		t.Fatalf("r=0.9 n=50 should be significant, p=%f", strong.PValue)
	}

	weak := analyzer.Significance(0.1, 10)
	if weak.Significant {
		t.Fatalf("r=0.1 n=10 should not be significant, p=%f", weak.PValue)
	}
}

func TestFisherIntervalContainsEstimate(t *testing.T) {
	analyzer := NewAnalyzer(DefaultAnalyzerConfig())

	lower, upper, err := analyzer.FisherInterval(0.7, 30, 0.95)
	if err != nil {
		t.Fatalf("FisherInterval failed: %v", err)
	}
	if lower >= upper {
		t.Fatalf("degenerate interval [%f, %f]", lower, upper)
	}
	if lower > 0.7 || upper < 0.7 {
		t.Fatalf("interval [%f, %f] should contain the point estimate", lower, upper)
	}
	if lower < -1 || upper > 1 {
		t.Fatalf("interval [%f, %f] escaped correlation space", lower, upper)
	}
}

func TestFisherIntervalNarrowsWithSample(t *testing.T) {
	analyzer := NewAnalyzer(DefaultAnalyzerConfig())

	smallLo, smallHi, err := analyzer.FisherInterval(0.6, 10, 0.95)
	if err != nil {
		t.Fatalf("FisherInterval failed: %v", err)
	}
	largeLo, largeHi, err := analyzer.FisherInterval(0.6, 200, 0.95)
	if err != nil {
		t.Fatalf("FisherInterval failed: %v", err)
	}

	if (largeHi - largeLo) >= (smallHi - smallLo) {
		t.Fatalf("larger sample should tighten the interval: small=%f large=%f", smallHi-smallLo, largeHi-largeLo)
	}
}

func TestFisherIntervalTinySample(t *testing.T) {
	analyzer := NewAnalyzer(DefaultAnalyzerConfig())
	if _, _, err := analyzer.FisherInterval(0.5, 3, 0.95); !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData for n<4, got %v", err)
	}
}

func TestFisherIntervalPerfectCorrelation(t *testing.T) {
	analyzer := NewAnalyzer(DefaultAnalyzerConfig())
	lower, upper, err := analyzer.FisherInterval(1, 30, 0.95)
	if err != nil {
		t.Fatalf("FisherInterval failed: %v", err)
	}
	if lower < -1 || upper > 1 {
		t.Fatalf("interval [%f, %f] escaped correlation space", lower, upper)
	}
}
