package app

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"corrwatch/internal/alerting"
	"corrwatch/internal/breakout"
	"corrwatch/internal/config"
	"corrwatch/internal/corrstats"
	"corrwatch/internal/datasource"
	"corrwatch/internal/engine"
	"corrwatch/internal/metrics"
	"corrwatch/internal/monitor"
	"corrwatch/internal/retry"
	"corrwatch/internal/state"
	"corrwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newProvider() (datasource.Provider, error) {
	switch a.Config.DataSource.Kind {
	case "", "csv":
		return datasource.NewCSV(datasource.CSVOptions{Dir: a.Config.DataSource.Dir}, a.Logger), nil
	case "synthetic":
		return a.newSyntheticProvider()
	default:
		return nil, fmt.Errorf("unknown datasource.kind %q", a.Config.DataSource.Kind)
	}
}

// newSyntheticProvider seeds a static provider with deterministic correlated
// series for every configured pair, keyed off the pair name.
func (a *App) newSyntheticProvider() (datasource.Provider, error) {
	provider := datasource.NewStaticProvider()
	for _, pair := range a.Config.Pairs() {
		h := fnv.New64a()
		h.Write([]byte(pair.Name))

		series, err := datasource.Synthetic(datasource.SyntheticOptions{
			Days:        a.Config.Monitoring.DataLookbackDays,
			Correlation: 0.8,
			Seed:        int64(h.Sum64()),
			BasePrice:   decimal.NewFromInt(100),
		})
		if err != nil {
			return nil, fmt.Errorf("synthetic series for %s: %w", pair.Name, err)
		}
		provider.Set(pair.Primary, pair.Secondary, series)
	}
	return provider, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Enabled && a.Config.Alerting.Webhook.Enabled {
		cfg := a.Config.Alerting.Webhook
		return alerting.NewWebhookNotifier(cfg.URL, cfg.Timeout, a.Logger)
	}
	return nil
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openState() *state.Manager {
	return state.NewManager(state.Options{
		Dir:        a.Config.State.Dir,
		Backups:    a.Config.State.Backups,
		MaxHistory: a.Config.Monitoring.HistoryMaxLength,
		FileLock:   a.Config.State.FileLock,
		Settings: state.Settings{
			ZScoreThreshold:  a.Config.Detector.Threshold,
			HistoryMaxLength: a.Config.Monitoring.HistoryMaxLength,
		},
	}, a.Logger)
}

func (a *App) newMonitor(store *storage.Store, stateMgr *state.Manager, notifier alerting.Notifier) (*monitor.Monitor, error) {
	detector, err := breakout.New(a.Config.Detector)
	if err != nil {
		return nil, err
	}

	calc := corrstats.NewCalculator(corrstats.CalculatorConfig{
		MinSamples: a.Config.Monitoring.MinDataPoints,
	})
	analyzer := corrstats.NewAnalyzer(corrstats.AnalyzerConfig{
		MinHistory: a.Config.Monitoring.HistoryMinSamples,
	})

	source, err := a.newProvider()
	if err != nil {
		return nil, err
	}

	deps := monitor.Deps{
		Source:     source,
		Calculator: calc,
		Analyzer:   analyzer,
		Detector:   detector,
		State:      stateMgr,
		Notifier:   notifier,
		Suppressor: alerting.NewSuppressor(a.Config.Alerting.Cooldown),
	}
	if store != nil {
		deps.Samples = store
		deps.Breakouts = store
		deps.Fallback = storage.NewFallbackWriter(a.Config.Database.FallbackDir, a.Logger)
	}

	return monitor.New(monitor.Config{
		LookbackDays:      a.Config.Monitoring.DataLookbackDays,
		MinDataPoints:     a.Config.Monitoring.MinDataPoints,
		HistoryFetchLimit: a.Config.Monitoring.HistoryMaxLength,
		AlertOnBreakout:   a.Config.Monitoring.AlertOnBreakout,
		Retry: retry.Policy{
			MaxAttempts: a.Config.Monitoring.MaxRetries,
			BaseDelay:   a.Config.Monitoring.RetryBaseDelay,
			MaxDelay:    30 * time.Second,
		},
	}, deps, a.Logger)
}

// newSimulationMonitor wires a monitor with no stores or state, so a
// simulated cycle leaves no durable trace. The configured notifier is kept so
// alert routing can be exercised end to end.
func (a *App) newSimulationMonitor(source datasource.Provider) (*monitor.Monitor, error) {
	detector, err := breakout.New(a.Config.Detector)
	if err != nil {
		return nil, err
	}

	return monitor.New(monitor.Config{
		LookbackDays:    a.Config.Monitoring.DataLookbackDays,
		MinDataPoints:   a.Config.Monitoring.MinDataPoints,
		AlertOnBreakout: a.Config.Monitoring.AlertOnBreakout,
	}, monitor.Deps{
		Source:     source,
		Calculator: corrstats.NewCalculator(corrstats.DefaultCalculatorConfig()),
		Analyzer:   corrstats.NewAnalyzer(corrstats.DefaultAnalyzerConfig()),
		Detector:   detector,
		Notifier:   a.newNotifier(),
	}, a.Logger)
}

// Run executes the monitoring service, either a single pass or the interval
// loop, until interrupted.
func (a *App) Run(ctx context.Context, once bool) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; durable persistence disabled")
	} else {
		if err := store.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	if closeStore != nil {
		defer closeStore()
	}

	notifier := a.newNotifier()
	stateMgr := a.openState()

	mon, err := a.newMonitor(store, stateMgr, notifier)
	if err != nil {
		return err
	}

	location, err := time.LoadLocation(a.Config.Engine.ReportTimezone)
	if err != nil {
		return fmt.Errorf("engine.report_timezone: %w", err)
	}

	eng, err := engine.New(engine.Config{
		Interval:        a.Config.UpdateFrequency(),
		MaxWorkers:      a.Config.Engine.MaxWorkers,
		PairTimeout:     a.Config.Engine.PairTimeout,
		ReportHour:      a.Config.Engine.ReportHour,
		ReportLocation:  location,
		AdvisoryLockKey: a.Config.Database.AdvisoryLockKey,
	}, a.Config.Pairs(), mon, a.Logger)
	if err != nil {
		return err
	}
	if store != nil {
		eng.SetLocker(store)
	}
	eng.SetReporter(newDailyReporter(notifier, a.Logger))

	a.Logger.Info().Bool("once", once).Int("pairs", len(a.Config.Pairs())).Msg("starting correlation monitoring")
	err = eng.Run(ctx, once)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("engine terminated with error")
		return err
	}

	a.Logger.Info().Msg("correlation monitoring stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical correlations.
type ExportOptions struct {
	Pair      string
	Window    int
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Pair   string
	Window int
	Limit  int
}

// SimulateOptions configure the simulate command.
type SimulateOptions struct {
	Pair        string
	Days        int
	Correlation float64
	Seed        int64
}
