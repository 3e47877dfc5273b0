package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"corrwatch/internal/metrics"
	"corrwatch/internal/model"
	"corrwatch/internal/storage"
)

// maxWorkerCap bounds the worker pool regardless of configuration.
const maxWorkerCap = 4

// Runner executes one monitoring cycle for one pair.
type Runner interface {
	RunCycle(ctx context.Context, pair model.PairSpec) model.CycleResult
}

// ReportGenerator is the external collaborator producing the daily aggregate
// report. Generation failures are logged and retried on a later pass.
type ReportGenerator interface {
	GenerateDaily(ctx context.Context, date time.Time, stats PerformanceStats) error
}

// Config tunes scheduling, fan-out, and the daily report trigger.
type Config struct {
	Interval        time.Duration
	MaxWorkers      int
	PairTimeout     time.Duration
	ReportHour      int
	ReportLocation  *time.Location
	AdvisoryLockKey int64
	ShutdownTimeout time.Duration
}

// PassStats summarises one pass over all configured pairs.
type PassStats struct {
	Pairs     int
	Successes int
	Failures  int
	Breakouts int
	Alerts    int
	Duration  time.Duration
}

// PerformanceStats is the running aggregate across passes.
type PerformanceStats struct {
	Passes           int
	Cycles           int
	Successes        int
	Failures         int
	Breakouts        int
	Alerts           int
	LastPassAt       time.Time
	LastPassDuration time.Duration
}

// Engine owns the set of monitored pairs and drives cycles either once or on
// a fixed interval, fanning work out across a bounded worker pool.
type Engine struct {
	cfg      Config
	pairs    []model.PairSpec
	runner   Runner
	reporter ReportGenerator
	locker   storage.AdvisoryLocker
	logger   zerolog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}

	mu             sync.Mutex
	perf           PerformanceStats
	lastReportDate string

	now func() time.Time
}

// New constructs an Engine.
func New(cfg Config, pairs []model.PairSpec, runner Runner, logger zerolog.Logger) (*Engine, error) {
	if runner == nil {
		return nil, errors.New("engine: runner is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.MaxWorkers <= 0 || cfg.MaxWorkers > maxWorkerCap {
		cfg.MaxWorkers = maxWorkerCap
	}
	if cfg.PairTimeout <= 0 {
		cfg.PairTimeout = 2 * time.Minute
	}
	if cfg.ReportLocation == nil {
		cfg.ReportLocation = time.UTC
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &Engine{
		cfg:    cfg,
		pairs:  pairs,
		runner: runner,
		logger: logger.With().Str("component", "engine").Logger(),
		stopCh: make(chan struct{}),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// SetReporter installs the daily report collaborator.
func (e *Engine) SetReporter(r ReportGenerator) { e.reporter = r }

// SetLocker installs an optional cross-process lock so only one deployment
// executes a pass at a time.
func (e *Engine) SetLocker(l storage.AdvisoryLocker) { e.locker = l }

// Stop signals the monitoring loop to exit after the current pass.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
}

// Stats returns a copy of the running performance aggregate.
func (e *Engine) Stats() PerformanceStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.perf
}

// Run executes exactly one pass over all configured pairs when once is true,
// or loops at the configured interval until the context is cancelled or Stop
// is called.
func (e *Engine) Run(ctx context.Context, once bool) error {
	if len(e.pairs) == 0 {
		e.logger.Warn().Msg("no pairs configured, nothing to monitor")
		return nil
	}

	for {
		e.executePass(ctx)
		e.maybeDailyReport(ctx)

		if once {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.stopCh:
			e.logger.Info().Msg("stop requested, exiting monitoring loop")
			return nil
		case <-time.After(e.cfg.Interval):
		}
	}
}

func (e *Engine) executePass(ctx context.Context) {
	unlock, proceed := e.acquirePassLock(ctx)
	if !proceed {
		return
	}
	defer unlock()

	started := e.now()
	e.logger.Info().Int("pairs", len(e.pairs)).Msg("starting monitoring pass")

	workers := e.cfg.MaxWorkers
	if len(e.pairs) < workers {
		workers = len(e.pairs)
	}

	sem := make(chan struct{}, workers)
	results := make([]model.CycleResult, len(e.pairs))

	var wg sync.WaitGroup
	for i, pair := range e.pairs {
		wg.Add(1)
		go func(slot int, pair model.PairSpec) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results[slot] = e.runPair(ctx, pair)
		}(i, pair)
	}

	e.join(ctx, &wg)

	stats := PassStats{Pairs: len(e.pairs), Duration: e.now().Sub(started)}
	for _, result := range results {
		metrics.ObserveCycle(result)
		if result.Success {
			stats.Successes++
		} else {
			stats.Failures++
			e.logger.Warn().Str("pair", result.Pair).Str("reason", result.FailureReason).Msg("pair cycle failed")
		}
		stats.Breakouts += len(result.Breakouts)
		stats.Alerts += len(result.AlertsGenerated)
	}

	e.mu.Lock()
	e.perf.Passes++
	e.perf.Cycles += stats.Pairs
	e.perf.Successes += stats.Successes
	e.perf.Failures += stats.Failures
	e.perf.Breakouts += stats.Breakouts
	e.perf.Alerts += stats.Alerts
	e.perf.LastPassAt = started
	e.perf.LastPassDuration = stats.Duration
	e.mu.Unlock()

	e.logger.Info().
		Int("successes", stats.Successes).
		Int("failures", stats.Failures).
		Int("breakouts", stats.Breakouts).
		Int("alerts", stats.Alerts).
		Dur("duration", stats.Duration).
		Msg("monitoring pass complete")
}

// runPair enforces the per-pair timeout: a task exceeding it is recorded as
// a failed cycle for that pair only, while the worker goroutine is left to
// unwind through its own I/O timeouts.
func (e *Engine) runPair(ctx context.Context, pair model.PairSpec) model.CycleResult {
	taskCtx, cancel := context.WithTimeout(ctx, e.cfg.PairTimeout)
	defer cancel()

	resultCh := make(chan model.CycleResult, 1)
	go func() {
		resultCh <- e.runner.RunCycle(taskCtx, pair)
	}()

	select {
	case result := <-resultCh:
		return result
	case <-taskCtx.Done():
		e.logger.Error().Str("pair", pair.Name).Dur("timeout", e.cfg.PairTimeout).Msg("pair cycle timed out")
		return model.CycleResult{
			Pair:          pair.Name,
			Success:       false,
			FailureReason: model.FailureTimeout,
			StartedAt:     e.now(),
		}
	}
}

// join waits for in-flight workers, bounding the wait once shutdown begins.
func (e *Engine) join(ctx context.Context, wg *sync.WaitGroup) {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		select {
		case <-done:
		case <-time.After(e.cfg.ShutdownTimeout):
			e.logger.Warn().Dur("timeout", e.cfg.ShutdownTimeout).Msg("worker join timed out during shutdown")
		}
	}
}

// acquirePassLock takes the cross-process lock when one is configured. The
// caller holds it for the duration of the pass via the returned unlock func.
func (e *Engine) acquirePassLock(ctx context.Context) (func(), bool) {
	noop := func() {}
	if e.locker == nil || e.cfg.AdvisoryLockKey == 0 {
		return noop, true
	}
	unlock, acquired, err := e.locker.TryAdvisoryLock(ctx, e.cfg.AdvisoryLockKey)
	if err != nil {
		e.logger.Warn().Err(err).Msg("advisory lock check failed, running pass anyway")
		return noop, true
	}
	if !acquired {
		e.logger.Debug().Msg("skip pass because advisory lock held elsewhere")
		return noop, false
	}
	return unlock, true
}

// maybeDailyReport triggers the daily aggregate report at most once per
// calendar date in the configured timezone, at or after the configured hour.
// The check is a date comparison, so it stays idempotent across many passes
// within the same day.
func (e *Engine) maybeDailyReport(ctx context.Context) {
	if e.reporter == nil {
		return
	}

	now := e.now().In(e.cfg.ReportLocation)
	if now.Hour() < e.cfg.ReportHour {
		return
	}

	date := now.Format("2006-01-02")
	e.mu.Lock()
	alreadyDone := e.lastReportDate == date
	stats := e.perf
	e.mu.Unlock()
	if alreadyDone {
		return
	}

	if err := e.reporter.GenerateDaily(ctx, now, stats); err != nil {
		// leave lastReportDate unset so a later pass retries today
		e.logger.Error().Err(err).Msg("daily report generation failed")
		return
	}

	e.mu.Lock()
	e.lastReportDate = date
	e.mu.Unlock()
	e.logger.Info().Str("date", date).Msg("daily report generated")
}
