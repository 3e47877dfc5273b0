package app

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"corrwatch/internal/alerting"
	"corrwatch/internal/engine"
)

// dailyReporter summarises the engine's running aggregates once per day and
// routes the summary through the alert channel when one is configured.
type dailyReporter struct {
	notifier alerting.Notifier
	logger   zerolog.Logger
}

func newDailyReporter(notifier alerting.Notifier, logger zerolog.Logger) *dailyReporter {
	return &dailyReporter{
		notifier: notifier,
		logger:   logger.With().Str("component", "daily_report").Logger(),
	}
}

// GenerateDaily implements engine.ReportGenerator.
func (r *dailyReporter) GenerateDaily(ctx context.Context, date time.Time, stats engine.PerformanceStats) error {
	summary := fmt.Sprintf(
		"passes=%d cycles=%d successes=%d failures=%d breakouts=%d alerts=%d last_pass=%s",
		stats.Passes,
		stats.Cycles,
		stats.Successes,
		stats.Failures,
		stats.Breakouts,
		stats.Alerts,
		stats.LastPassDuration,
	)

	r.logger.Info().
		Str("date", date.Format("2006-01-02")).
		Str("summary", summary).
		Msg("daily monitoring summary")

	if r.notifier == nil {
		return nil
	}

	payload := alerting.BuildDailySummaryPayload(date, summary)
	if err := r.notifier.Notify(ctx, payload); err != nil {
		return fmt.Errorf("deliver daily summary: %w", err)
	}
	return nil
}

var _ engine.ReportGenerator = (*dailyReporter)(nil)
