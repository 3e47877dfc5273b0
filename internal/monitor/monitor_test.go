package monitor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"corrwatch/internal/alerting"
	"corrwatch/internal/breakout"
	"corrwatch/internal/corrstats"
	"corrwatch/internal/datasource"
	"corrwatch/internal/model"
	"corrwatch/internal/retry"
)

type fakeSampleStore struct {
	history    []model.CorrelationSample
	upserted   []model.CorrelationSample
	upsertErr  error
	historyErr error
}

func (f *fakeSampleStore) UpsertSamples(ctx context.Context, samples []model.CorrelationSample) (int, error) {
	if f.upsertErr != nil {
		return 0, f.upsertErr
	}
	f.upserted = append(f.upserted, samples...)
	return len(samples), nil
}

func (f *fakeSampleStore) ListHistory(ctx context.Context, pair string, windowDays, limit int) ([]model.CorrelationSample, error) {
	if f.historyErr != nil {
		return nil, f.historyErr
	}
	return f.history, nil
}

func (f *fakeSampleStore) ListSamplesBetween(ctx context.Context, pair string, from, to time.Time, windowDays, limit int) ([]model.CorrelationSample, error) {
	return f.history, nil
}

func (f *fakeSampleStore) CountSamples(ctx context.Context) (int64, error) {
	return int64(len(f.history)), nil
}

type fakeBreakoutStore struct {
	recent    []model.BreakoutEvent
	inserted  []model.BreakoutEvent
	validated []model.BreakoutEvent
}

func (f *fakeBreakoutStore) InsertBreakouts(ctx context.Context, events []model.BreakoutEvent) (int, error) {
	f.inserted = append(f.inserted, events...)
	return len(events), nil
}

func (f *fakeBreakoutStore) MarkBreakoutsValidated(ctx context.Context, events []model.BreakoutEvent) error {
	f.validated = append(f.validated, events...)
	return nil
}

func (f *fakeBreakoutStore) ListRecentBreakouts(ctx context.Context, pair string, limit int) ([]model.BreakoutEvent, error) {
	return f.recent, nil
}

type fakeNotifier struct {
	payloads []alerting.Payload
	err      error
}

func (f *fakeNotifier) Notify(ctx context.Context, payload alerting.Payload) error {
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

type erroringProvider struct{ err error }

func (p *erroringProvider) FetchAligned(ctx context.Context, primary, secondary string, lookbackDays int) (*datasource.AlignedSeries, error) {
	return nil, p.err
}

func testPair() model.PairSpec {
	return model.PairSpec{Name: "btc_eth", Primary: "btc", Secondary: "eth", Windows: []int{30}}
}

// correlatedSeries builds a 60-day series whose legs track each other almost
// perfectly, so the trailing 30-day correlation is near 1.
func correlatedSeries(t *testing.T) *datasource.AlignedSeries {
	t.Helper()
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	n := 60
	ts := make([]time.Time, n)
	xs := make([]float64, n)
	ys := make([]float64, n)
	for i := 0; i < n; i++ {
		ts[i] = base.AddDate(0, 0, i)
		xs[i] = 100 + float64(i) + 0.1*float64(i%3)
		ys[i] = 50 + 2*float64(i) + 0.05*float64(i%4)
	}
	series, err := datasource.NewAlignedSeries(ts, xs, ys)
	if err != nil {
		t.Fatalf("build series: %v", err)
	}
	return series
}

// lowHistory seeds 25 store rows around 0.4 so a near-1 current correlation
// standardizes far beyond the threshold.
func lowHistory() []model.CorrelationSample {
	out := make([]model.CorrelationSample, 25)
	base := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	for i := range out {
		out[i] = model.CorrelationSample{
			Pair:        "btc_eth",
			WindowDays:  30,
			Correlation: 0.4 + 0.02*float64(i%3-1),
			Timestamp:   base.AddDate(0, 0, len(out)-i),
		}
	}
	return out
}

func newTestMonitor(t *testing.T, source datasource.Provider, samples *fakeSampleStore, breakouts *fakeBreakoutStore, notifier *fakeNotifier) *Monitor {
	t.Helper()

	detector, err := breakout.New(breakout.DefaultConfig())
	if err != nil {
		t.Fatalf("detector: %v", err)
	}

	deps := Deps{
		Source:     source,
		Calculator: corrstats.NewCalculator(corrstats.CalculatorConfig{MinSamples: 5}),
		Analyzer:   corrstats.NewAnalyzer(corrstats.AnalyzerConfig{MinHistory: 10}),
		Detector:   detector,
		Suppressor: alerting.NewSuppressor(0),
	}
	if samples != nil {
		deps.Samples = samples
	}
	if breakouts != nil {
		deps.Breakouts = breakouts
	}
	if notifier != nil {
		deps.Notifier = notifier
	}

	mon, err := New(Config{
		LookbackDays:    60,
		MinDataPoints:   5,
		AlertOnBreakout: true,
		Retry:           retry.Policy{MaxAttempts: 2, BaseDelay: time.Millisecond},
	}, deps, zerolog.Nop())
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	return mon
}

func TestRunCycleHappyPathWithBreakout(t *testing.T) {
	provider := datasource.NewStaticProvider()
	provider.Set("btc", "eth", correlatedSeries(t))

	samples := &fakeSampleStore{history: lowHistory()}
	breakouts := &fakeBreakoutStore{}
	notifier := &fakeNotifier{}

	mon := newTestMonitor(t, provider, samples, breakouts, notifier)
	result := mon.RunCycle(context.Background(), testPair())

	if !result.Success {
		t.Fatalf("cycle should succeed: %+v", result)
	}
	sample, ok := result.Correlations[30]
	if !ok {
		t.Fatal("missing 30-day correlation")
	}
	if sample.Correlation < 0.95 {
		t.Fatalf("expected near-perfect correlation, got %f", sample.Correlation)
	}
	if len(result.Breakouts) != 1 {
		t.Fatalf("expected one breakout, got %d", len(result.Breakouts))
	}
	ev := result.Breakouts[0]
	if ev.Severity != model.SeverityExtreme || ev.Direction != model.DirectionPositive {
		t.Fatalf("unexpected classification: %+v", ev)
	}
	if len(result.AlertsGenerated) != 1 {
		t.Fatalf("expected one alert, got %d", len(result.AlertsGenerated))
	}
	if len(notifier.payloads) != 1 || notifier.payloads[0].Pair != "btc_eth" {
		t.Fatalf("alert not delivered: %+v", notifier.payloads)
	}
	if len(samples.upserted) != 1 {
		t.Fatalf("expected one upserted sample, got %d", len(samples.upserted))
	}
	if len(breakouts.inserted) != 1 {
		t.Fatalf("expected one inserted breakout, got %d", len(breakouts.inserted))
	}
	if len(result.PartialFailures) != 0 {
		t.Fatalf("unexpected partial failures: %v", result.PartialFailures)
	}
	if _, ok := result.StageTimings["data_fetch"]; !ok {
		t.Fatal("stage timings missing")
	}
}

func TestRunCycleValidatedFlagsReachTheInsert(t *testing.T) {
	provider := datasource.NewStaticProvider()
	provider.Set("btc", "eth", correlatedSeries(t))

	// three stored detections 25 minutes apart, ending 25 minutes before the
	// current bucket, so the fresh event closes a 75-minute run
	last := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 59)
	recent := make([]model.BreakoutEvent, 3)
	for i := range recent {
		recent[i] = model.BreakoutEvent{
			Pair:       "btc_eth",
			WindowDays: 30,
			Timestamp:  last.Add(-time.Duration(75-25*i) * time.Minute),
		}
	}

	samples := &fakeSampleStore{history: lowHistory()}
	breakouts := &fakeBreakoutStore{recent: recent}
	mon := newTestMonitor(t, provider, samples, breakouts, nil)
	result := mon.RunCycle(context.Background(), testPair())

	if !result.Success || len(result.Breakouts) != 1 {
		t.Fatalf("expected one breakout: %+v", result)
	}
	if !result.Breakouts[0].PersistenceValidated || result.Breakouts[0].RunDuration != 75*time.Minute {
		t.Fatalf("cycle event not validated: %+v", result.Breakouts[0])
	}
	if len(breakouts.inserted) != 1 {
		t.Fatalf("expected one inserted breakout, got %d", len(breakouts.inserted))
	}
	// the flags computed this cycle must be on the row handed to the store
	if !breakouts.inserted[0].PersistenceValidated || breakouts.inserted[0].RunDuration != 75*time.Minute {
		t.Fatalf("inserted event lost its validation flags: %+v", breakouts.inserted[0])
	}
	if len(breakouts.validated) == 0 {
		t.Fatal("stored run members should be re-flagged")
	}
}

func TestRunCycleEmptySeriesIsNoData(t *testing.T) {
	mon := newTestMonitor(t, datasource.NewStaticProvider(), nil, nil, nil)
	result := mon.RunCycle(context.Background(), testPair())

	if result.Success {
		t.Fatal("empty series must fail the cycle")
	}
	if result.FailureReason != model.FailureNoData {
		t.Fatalf("expected no_data, got %q", result.FailureReason)
	}
}

func TestRunCycleFetchErrorRetriesThenNoData(t *testing.T) {
	mon := newTestMonitor(t, &erroringProvider{err: errors.New("feed down")}, nil, nil, nil)
	result := mon.RunCycle(context.Background(), testPair())

	if result.Success || result.FailureReason != model.FailureNoData {
		t.Fatalf("expected no_data after retries, got %+v", result)
	}
}

func TestRunCycleUndersizedSeriesIsNoValidData(t *testing.T) {
	base := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	series, err := datasource.NewAlignedSeries(
		[]time.Time{base, base.AddDate(0, 0, 1), base.AddDate(0, 0, 2)},
		[]float64{1, 2, 3},
		[]float64{2, 4, 6},
	)
	if err != nil {
		t.Fatalf("build series: %v", err)
	}

	provider := datasource.NewStaticProvider()
	provider.Set("btc", "eth", series)

	notifier := &fakeNotifier{}
	mon := newTestMonitor(t, provider, nil, nil, notifier)
	result := mon.RunCycle(context.Background(), testPair())

	if result.Success {
		t.Fatal("undersized series must fail the cycle")
	}
	if result.FailureReason != model.FailureNoValidData {
		t.Fatalf("expected no_valid_data, got %q", result.FailureReason)
	}
	if len(result.Breakouts) != 0 || len(result.AlertsGenerated) != 0 {
		t.Fatal("failed cycle must not detect or alert")
	}
	if len(notifier.payloads) != 0 {
		t.Fatal("failed cycle must not notify")
	}
}

func TestRunCycleNoHistorySkipsDetection(t *testing.T) {
	provider := datasource.NewStaticProvider()
	provider.Set("btc", "eth", correlatedSeries(t))

	// store returns too little history and no state manager is wired
	samples := &fakeSampleStore{history: lowHistory()[:3]}
	mon := newTestMonitor(t, provider, samples, &fakeBreakoutStore{}, nil)
	result := mon.RunCycle(context.Background(), testPair())

	if !result.Success {
		t.Fatalf("warmup cycle should still succeed: %+v", result)
	}
	if len(result.Breakouts) != 0 {
		t.Fatal("insufficient history must not produce breakouts")
	}
}

func TestRunCyclePersistFailureIsPartial(t *testing.T) {
	provider := datasource.NewStaticProvider()
	provider.Set("btc", "eth", correlatedSeries(t))

	samples := &fakeSampleStore{history: lowHistory(), upsertErr: errors.New("db down")}
	mon := newTestMonitor(t, provider, samples, &fakeBreakoutStore{}, nil)
	result := mon.RunCycle(context.Background(), testPair())

	if !result.Success {
		t.Fatalf("persistence failure must not fail the cycle: %+v", result)
	}
	found := false
	for _, pf := range result.PartialFailures {
		if pf == "persistence" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a persistence partial failure, got %v", result.PartialFailures)
	}
}

func TestRunCycleNotifierFailureIsBestEffort(t *testing.T) {
	provider := datasource.NewStaticProvider()
	provider.Set("btc", "eth", correlatedSeries(t))

	notifier := &fakeNotifier{err: errors.New("webhook down")}
	mon := newTestMonitor(t, provider, &fakeSampleStore{history: lowHistory()}, &fakeBreakoutStore{}, notifier)
	result := mon.RunCycle(context.Background(), testPair())

	if !result.Success {
		t.Fatalf("alert delivery failure must not fail the cycle: %+v", result)
	}
	if len(result.AlertsGenerated) != 1 {
		t.Fatal("alert should still be recorded as generated")
	}
}
