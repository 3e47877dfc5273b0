package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"corrwatch/internal/alerting"
	"corrwatch/internal/breakout"
	"corrwatch/internal/corrstats"
	"corrwatch/internal/datasource"
	"corrwatch/internal/model"
	"corrwatch/internal/retry"
	"corrwatch/internal/state"
	"corrwatch/internal/storage"
)

// Pipeline stage names recorded in timings and partial failures.
const (
	stageFetch       = "data_fetch"
	stageCompute     = "compute"
	stageDetect      = "detect"
	stagePersist     = "persistence"
	stageAlert       = "alert"
	stageStateUpdate = "state_update"
)

// Config tunes the per-pair monitoring cycle.
type Config struct {
	LookbackDays      int
	MinDataPoints     int
	HistoryFetchLimit int
	AlertOnBreakout   bool
	ConfidenceLevel   float64
	Retry             retry.Policy
}

// Monitor runs one pair end-to-end per cycle: acquire data, compute
// correlations per window, detect breakouts, persist, alert, update state.
// Stateless between cycles apart from its collaborators; safe to share
// across worker goroutines.
type Monitor struct {
	cfg        Config
	source     datasource.Provider
	calc       *corrstats.Calculator
	analyzer   *corrstats.Analyzer
	detector   *breakout.Detector
	samples    storage.SampleStore
	breakouts  storage.BreakoutStore
	fallback   *storage.FallbackWriter
	stateMgr   *state.Manager
	notifier   alerting.Notifier
	suppressor *alerting.Suppressor
	logger     zerolog.Logger
	now        func() time.Time
}

// Deps bundles the monitor's collaborators.
type Deps struct {
	Source     datasource.Provider
	Calculator *corrstats.Calculator
	Analyzer   *corrstats.Analyzer
	Detector   *breakout.Detector
	Samples    storage.SampleStore
	Breakouts  storage.BreakoutStore
	Fallback   *storage.FallbackWriter
	State      *state.Manager
	Notifier   alerting.Notifier
	Suppressor *alerting.Suppressor
}

// New constructs a Monitor. Source, Calculator, Analyzer, and Detector are
// required; stores, state, and notifier may be nil, in which case the
// corresponding stage degrades to a no-op or partial failure.
func New(cfg Config, deps Deps, logger zerolog.Logger) (*Monitor, error) {
	if deps.Source == nil {
		return nil, errors.New("monitor: data source is required")
	}
	if deps.Calculator == nil || deps.Analyzer == nil || deps.Detector == nil {
		return nil, errors.New("monitor: calculator, analyzer, and detector are required")
	}
	if cfg.LookbackDays <= 0 {
		cfg.LookbackDays = 365
	}
	if cfg.MinDataPoints < 3 {
		cfg.MinDataPoints = 10
	}
	if cfg.HistoryFetchLimit <= 0 {
		cfg.HistoryFetchLimit = 500
	}
	if cfg.ConfidenceLevel <= 0 || cfg.ConfidenceLevel >= 1 {
		cfg.ConfidenceLevel = 0.95
	}

	return &Monitor{
		cfg:        cfg,
		source:     deps.Source,
		calc:       deps.Calculator,
		analyzer:   deps.Analyzer,
		detector:   deps.Detector,
		samples:    deps.Samples,
		breakouts:  deps.Breakouts,
		fallback:   deps.Fallback,
		stateMgr:   deps.State,
		notifier:   deps.Notifier,
		suppressor: deps.Suppressor,
		logger:     logger.With().Str("component", "monitor").Logger(),
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

// RunCycle executes the full pipeline for one pair. It never panics past the
// cycle boundary and never returns an error: every failure mode is encoded
// into the CycleResult.
func (m *Monitor) RunCycle(ctx context.Context, pair model.PairSpec) (result model.CycleResult) {
	started := m.now()
	result = model.CycleResult{
		Pair:         pair.Name,
		Correlations: make(map[int]model.CorrelationSample),
		StageTimings: make(map[string]time.Duration),
		StartedAt:    started,
	}
	logger := m.logger.With().Str("pair", pair.Name).Logger()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Msg("cycle panicked")
			result.Success = false
			result.FailureReason = model.FailurePanic
		}
		result.Duration = m.now().Sub(started)
	}()

	series, ok := m.fetchData(ctx, pair, &result, logger)
	if !ok {
		return result
	}

	m.computeWindows(pair, series, &result, logger)
	if len(result.Correlations) == 0 {
		result.Success = false
		result.FailureReason = model.FailureNoValidData
		return result
	}

	m.detectBreakouts(ctx, pair, &result, logger)
	m.persist(ctx, &result, logger)
	m.dispatchAlerts(ctx, &result, logger)
	m.updateState(&result, logger)

	result.Success = true
	logger.Info().
		Int("windows", len(result.Correlations)).
		Int("breakouts", len(result.Breakouts)).
		Int("alerts", len(result.AlertsGenerated)).
		Strs("partial_failures", result.PartialFailures).
		Msg("cycle complete")
	return result
}

func (m *Monitor) fetchData(ctx context.Context, pair model.PairSpec, result *model.CycleResult, logger zerolog.Logger) (*datasource.AlignedSeries, bool) {
	defer m.track(result, stageFetch)()

	var series *datasource.AlignedSeries
	err := retry.Do(ctx, logger, stageFetch, m.cfg.Retry, func(ctx context.Context) error {
		fetched, fetchErr := m.source.FetchAligned(ctx, pair.Primary, pair.Secondary, m.cfg.LookbackDays)
		if fetchErr != nil {
			return fetchErr
		}
		series = fetched
		return nil
	})
	if err != nil {
		logger.Error().Err(err).Msg("data acquisition failed after retries")
		result.Success = false
		result.FailureReason = model.FailureNoData
		return nil, false
	}
	if series.Len() == 0 {
		logger.Warn().Msg("data source returned an empty series")
		result.Success = false
		result.FailureReason = model.FailureNoData
		return nil, false
	}
	return series, true
}

func (m *Monitor) computeWindows(pair model.PairSpec, series *datasource.AlignedSeries, result *model.CycleResult, logger zerolog.Logger) {
	defer m.track(result, stageCompute)()

	timestamp := series.LastTimestamp()
	for _, window := range pair.Windows {
		tail := series.Tail(window)
		if tail.Len() < m.cfg.MinDataPoints {
			logger.Debug().Int("window", window).Int("rows", tail.Len()).Msg("window below minimum data points")
			result.PartialFailures = append(result.PartialFailures, windowStage(window))
			continue
		}

		sig, err := m.calc.PearsonWithSignificance(tail.Primary, tail.Secondary, 0.05)
		if err != nil {
			logger.Warn().Err(err).Int("window", window).Msg("window correlation undefined, skipping")
			result.PartialFailures = append(result.PartialFailures, windowStage(window))
			continue
		}

		sample := model.CorrelationSample{
			Pair:        pair.Name,
			WindowDays:  window,
			Correlation: sig.Correlation,
			SampleSize:  sig.SampleSize,
			PValue:      sig.PValue,
			Timestamp:   timestamp,
		}
		if lower, upper, ciErr := m.analyzer.FisherInterval(sig.Correlation, sig.SampleSize, m.cfg.ConfidenceLevel); ciErr == nil {
			sample.CILower = lower
			sample.CIUpper = upper
		}
		result.Correlations[window] = sample
	}
}

func (m *Monitor) detectBreakouts(ctx context.Context, pair model.PairSpec, result *model.CycleResult, logger zerolog.Logger) {
	defer m.track(result, stageDetect)()

	for window, sample := range result.Correlations {
		history := m.historyFor(ctx, pair.Name, window, logger)

		stats, err := m.analyzer.ZScore(sample.Correlation, history)
		if err != nil {
			// warmup: not enough history yet, or a flat baseline
			logger.Debug().Err(err).Int("window", window).Int("history", len(history)).Msg("z-score unavailable")
			continue
		}

		if change := m.detector.DetectRegimeChange(append(history, sample.Correlation)); change.Detected {
			logger.Warn().
				Int("window", window).
				Str("direction", string(change.Direction)).
				Msg("structural regime change detected")
		}

		ev, triggered := m.detector.Classify(breakout.Observation{
			Pair:               pair.Name,
			WindowDays:         window,
			ZScore:             stats.ZScore,
			CurrentCorrelation: sample.Correlation,
			HistoricalMean:     stats.Mean,
			HistoricalStd:      stats.Std,
			SampleSize:         stats.SampleSize,
			Timestamp:          sample.Timestamp,
		})
		if !triggered {
			continue
		}

		logger.Warn().
			Int("window", window).
			Float64("z_score", ev.ZScore).
			Str("severity", string(ev.Severity)).
			Msg("correlation breakout detected")
		result.Breakouts = append(result.Breakouts, ev)
	}

	m.validatePersistence(ctx, pair.Name, result, logger)
}

// historyFor prefers the durable store and falls back to the state
// document's rolling history when the store is thin or unavailable, so a
// fresh database does not silence detection.
func (m *Monitor) historyFor(ctx context.Context, pair string, window int, logger zerolog.Logger) []float64 {
	if m.samples != nil {
		stored, err := m.samples.ListHistory(ctx, pair, window, m.cfg.HistoryFetchLimit)
		if err != nil {
			logger.Warn().Err(err).Int("window", window).Msg("history read failed, using state document")
		} else if len(stored) >= m.analyzer.MinHistory() {
			// rows arrive newest first; z-scoring wants chronological order
			history := make([]float64, len(stored))
			for i, sample := range stored {
				history[len(stored)-1-i] = sample.Correlation
			}
			return history
		}
	}
	if m.stateMgr == nil {
		return nil
	}
	return m.stateMgr.History(pair, window)
}

func (m *Monitor) validatePersistence(ctx context.Context, pair string, result *model.CycleResult, logger zerolog.Logger) {
	if len(result.Breakouts) == 0 || m.breakouts == nil {
		return
	}

	recent, err := m.breakouts.ListRecentBreakouts(ctx, pair, m.cfg.HistoryFetchLimit)
	if err != nil {
		logger.Warn().Err(err).Msg("breakout history read failed, skipping persistence validation")
		return
	}

	validated := m.detector.ValidatePersistence(append(recent, result.Breakouts...))

	// carry validation flags back onto this cycle's events
	byKey := make(map[string]model.BreakoutEvent, len(validated))
	for _, ev := range validated {
		byKey[breakoutKey(ev)] = ev
	}
	for i, ev := range result.Breakouts {
		if v, ok := byKey[breakoutKey(ev)]; ok {
			result.Breakouts[i].PersistenceValidated = v.PersistenceValidated
			result.Breakouts[i].RunDuration = v.RunDuration
		}
	}

	// the UPDATE re-flags previously stored rows whose run this cycle
	// extended; this cycle's own events carry their flags into the persist
	// stage insert
	if err := m.breakouts.MarkBreakoutsValidated(ctx, validated); err != nil {
		logger.Warn().Err(err).Msg("failed to persist validation flags")
	}
}

func breakoutKey(ev model.BreakoutEvent) string {
	return fmt.Sprintf("%s|%d|%d", ev.Pair, ev.WindowDays, ev.Timestamp.UnixNano())
}

func (m *Monitor) persist(ctx context.Context, result *model.CycleResult, logger zerolog.Logger) {
	defer m.track(result, stagePersist)()

	if m.samples == nil {
		return
	}

	samples := make([]model.CorrelationSample, 0, len(result.Correlations))
	for _, sample := range result.Correlations {
		samples = append(samples, sample)
	}

	total := len(samples) + len(result.Breakouts)
	written := 0

	err := retry.Do(ctx, logger, stagePersist, m.cfg.Retry, func(ctx context.Context) error {
		n, upsertErr := m.samples.UpsertSamples(ctx, samples)
		written = n
		if upsertErr != nil {
			return upsertErr
		}
		if m.breakouts != nil && len(result.Breakouts) > 0 {
			bn, insertErr := m.breakouts.InsertBreakouts(ctx, result.Breakouts)
			written += bn
			if insertErr != nil {
				return insertErr
			}
		}
		return nil
	})

	if err == nil && written == total {
		return
	}

	logger.Error().Err(err).Int("written", written).Int("total", total).Msg("persistence incomplete")
	result.PartialFailures = append(result.PartialFailures, stagePersist)

	// retries exhausted: divert the batch to the fallback file so nothing is
	// dropped; replay is safe because history rows upsert by key
	if written*2 < total && m.fallback != nil {
		if fbErr := m.fallback.AppendSamples(samples); fbErr != nil {
			logger.Error().Err(fbErr).Msg("fallback write failed, data at risk")
		}
		if fbErr := m.fallback.AppendBreakouts(result.Breakouts); fbErr != nil {
			logger.Error().Err(fbErr).Msg("fallback write failed, data at risk")
		}
	}
}

func (m *Monitor) dispatchAlerts(ctx context.Context, result *model.CycleResult, logger zerolog.Logger) {
	defer m.track(result, stageAlert)()

	if !m.cfg.AlertOnBreakout {
		return
	}

	for _, ev := range result.Breakouts {
		payload := alerting.BuildBreakoutPayload(ev)
		if !m.suppressor.Allow(payload) {
			logger.Debug().Str("pair", ev.Pair).Int("window", ev.WindowDays).Msg("alert suppressed by cooldown")
			continue
		}

		result.AlertsGenerated = append(result.AlertsGenerated, payload.AlertID)

		if m.notifier == nil {
			continue
		}
		if err := m.notifier.Notify(ctx, payload); err != nil {
			// delivery is best effort and never fails the cycle
			logger.Error().Err(err).Str("alert_id", payload.AlertID).Msg("alert delivery failed")
		}
	}
}

func (m *Monitor) updateState(result *model.CycleResult, logger zerolog.Logger) {
	defer m.track(result, stageStateUpdate)()

	if m.stateMgr == nil {
		return
	}
	if err := m.stateMgr.ApplyCycle(*result); err != nil {
		// the manager keeps the previous document intact on failure
		logger.Error().Err(err).Msg("state update failed, previous state retained")
		result.PartialFailures = append(result.PartialFailures, stageStateUpdate)
	}
}

func (m *Monitor) track(result *model.CycleResult, stage string) func() {
	start := m.now()
	return func() {
		result.StageTimings[stage] = m.now().Sub(start)
	}
}

func windowStage(window int) string {
	return fmt.Sprintf("window_%d", window)
}
