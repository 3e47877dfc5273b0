package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"corrwatch/internal/model"
)

type fakeRunner struct {
	mu       sync.Mutex
	calls    []string
	inFlight int
	peak     int
	delay    time.Duration
	fail     map[string]string
}

func (r *fakeRunner) RunCycle(ctx context.Context, pair model.PairSpec) model.CycleResult {
	r.mu.Lock()
	r.calls = append(r.calls, pair.Name)
	r.inFlight++
	if r.inFlight > r.peak {
		r.peak = r.inFlight
	}
	r.mu.Unlock()

	if r.delay > 0 {
		select {
		case <-time.After(r.delay):
		case <-ctx.Done():
		}
	}

	r.mu.Lock()
	r.inFlight--
	r.mu.Unlock()

	if reason, ok := r.fail[pair.Name]; ok {
		return model.CycleResult{Pair: pair.Name, Success: false, FailureReason: reason}
	}
	return model.CycleResult{Pair: pair.Name, Success: true}
}

func pairs(names ...string) []model.PairSpec {
	out := make([]model.PairSpec, len(names))
	for i, name := range names {
		out[i] = model.PairSpec{Name: name, Primary: name + "_a", Secondary: name + "_b", Windows: []int{30}}
	}
	return out
}

func TestRunOnceCoversAllPairs(t *testing.T) {
	runner := &fakeRunner{fail: map[string]string{"gold_dxy": model.FailureNoData}}
	eng, err := New(Config{MaxWorkers: 2, PairTimeout: time.Second}, pairs("btc_eth", "spy_tlt", "gold_dxy"), runner, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := eng.Run(context.Background(), true); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if len(runner.calls) != 3 {
		t.Fatalf("expected 3 cycles, got %d", len(runner.calls))
	}

	stats := eng.Stats()
	if stats.Passes != 1 || stats.Cycles != 3 {
		t.Fatalf("pass accounting wrong: %+v", stats)
	}
	if stats.Successes != 2 || stats.Failures != 1 {
		t.Fatalf("outcome accounting wrong: %+v", stats)
	}
}

func TestWorkerPoolIsBounded(t *testing.T) {
	runner := &fakeRunner{delay: 30 * time.Millisecond}
	eng, err := New(Config{MaxWorkers: 2, PairTimeout: time.Second}, pairs("a", "b", "c", "d", "e", "f"), runner, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := eng.Run(context.Background(), true); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if runner.peak > 2 {
		t.Fatalf("worker pool exceeded its bound: peak %d", runner.peak)
	}
	if len(runner.calls) != 6 {
		t.Fatalf("all pairs must run, got %d", len(runner.calls))
	}
}

func TestPairTimeoutFailsOnlyThatPair(t *testing.T) {
	slow := &fakeRunner{delay: 500 * time.Millisecond}
	eng, err := New(Config{MaxWorkers: 4, PairTimeout: 20 * time.Millisecond}, pairs("slow_pair"), slow, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	if err := eng.Run(context.Background(), true); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	stats := eng.Stats()
	if stats.Failures != 1 || stats.Successes != 0 {
		t.Fatalf("timed-out pair should be the only failure: %+v", stats)
	}
}

func TestStopExitsLoop(t *testing.T) {
	runner := &fakeRunner{}
	eng, err := New(Config{Interval: time.Hour, MaxWorkers: 2, PairTimeout: time.Second}, pairs("a"), runner, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- eng.Run(context.Background(), false) }()

	time.Sleep(20 * time.Millisecond)
	eng.Stop()
	eng.Stop() // idempotent

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("stop should exit cleanly, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after Stop")
	}
}

func TestRunContextCancellation(t *testing.T) {
	runner := &fakeRunner{}
	eng, err := New(Config{Interval: time.Hour, MaxWorkers: 2, PairTimeout: time.Second}, pairs("a"), runner, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- eng.Run(ctx, false) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not exit after cancellation")
	}
}

type recordingReporter struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (r *recordingReporter) GenerateDaily(ctx context.Context, date time.Time, stats PerformanceStats) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	return r.err
}

func TestDailyReportFiresOncePerDate(t *testing.T) {
	runner := &fakeRunner{}
	eng, err := New(Config{MaxWorkers: 2, PairTimeout: time.Second, ReportHour: 18}, pairs("a"), runner, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	reporter := &recordingReporter{}
	eng.SetReporter(reporter)

	now := time.Date(2026, 8, 29, 19, 0, 0, 0, time.UTC)
	eng.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if err := eng.Run(context.Background(), true); err != nil {
			t.Fatalf("Run failed: %v", err)
		}
	}
	if reporter.calls != 1 {
		t.Fatalf("report should fire once per date, fired %d times", reporter.calls)
	}

	// next day, after the hour: fires again
	now = now.AddDate(0, 0, 1)
	if err := eng.Run(context.Background(), true); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if reporter.calls != 2 {
		t.Fatalf("report should fire on the next date, fired %d times", reporter.calls)
	}
}

func TestDailyReportSkippedBeforeHour(t *testing.T) {
	runner := &fakeRunner{}
	eng, err := New(Config{MaxWorkers: 2, PairTimeout: time.Second, ReportHour: 18}, pairs("a"), runner, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	reporter := &recordingReporter{}
	eng.SetReporter(reporter)
	eng.now = func() time.Time { return time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC) }

	if err := eng.Run(context.Background(), true); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if reporter.calls != 0 {
		t.Fatalf("report must not fire before the configured hour, fired %d times", reporter.calls)
	}
}

func TestDailyReportRetriedAfterError(t *testing.T) {
	runner := &fakeRunner{}
	eng, err := New(Config{MaxWorkers: 2, PairTimeout: time.Second}, pairs("a"), runner, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	reporter := &recordingReporter{err: errors.New("sink down")}
	eng.SetReporter(reporter)
	eng.now = func() time.Time { return time.Date(2026, 8, 29, 12, 0, 0, 0, time.UTC) }

	if err := eng.Run(context.Background(), true); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	reporter.err = nil
	if err := eng.Run(context.Background(), true); err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if err := eng.Run(context.Background(), true); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if reporter.calls != 2 {
		t.Fatalf("failed report should be retried once then settle, got %d calls", reporter.calls)
	}
}
