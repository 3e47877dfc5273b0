package alerting

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"corrwatch/internal/model"
)

// Alert types emitted by the monitoring core.
const (
	TypeBreakout     = "correlation_breakout"
	TypeDailySummary = "daily_summary"
)

// Payload is the JSON-serializable alert object handed to notification
// collaborators. The core guarantees the field set and numeric ranges, not
// delivery.
type Payload struct {
	Timestamp          time.Time       `json:"timestamp"`
	AlertType          string          `json:"alert_type"`
	AlertID            string          `json:"alert_id"`
	Pair               string          `json:"pair"`
	WindowDays         int             `json:"window_days,omitempty"`
	ZScore             float64         `json:"z_score,omitempty"`
	Severity           model.Severity  `json:"severity,omitempty"`
	Direction          model.Direction `json:"direction,omitempty"`
	Confidence         float64         `json:"confidence,omitempty"`
	CurrentCorrelation float64         `json:"current_correlation,omitempty"`
	HistoricalMean     float64         `json:"historical_mean,omitempty"`
	Summary            string          `json:"summary,omitempty"`
	RecommendedActions []string        `json:"recommended_actions"`
}

// BuildBreakoutPayload converts a breakout event into an alert payload.
func BuildBreakoutPayload(ev model.BreakoutEvent) Payload {
	return Payload{
		Timestamp:          ev.Timestamp,
		AlertType:          TypeBreakout,
		AlertID:            uuid.NewString(),
		Pair:               ev.Pair,
		WindowDays:         ev.WindowDays,
		ZScore:             ev.ZScore,
		Severity:           ev.Severity,
		Direction:          ev.Direction,
		Confidence:         ev.Confidence,
		CurrentCorrelation: ev.CurrentCorrelation,
		HistoricalMean:     ev.HistoricalMean,
		RecommendedActions: recommendedActions(ev),
	}
}

// BuildDailySummaryPayload wraps an aggregate report line into a payload.
func BuildDailySummaryPayload(date time.Time, summary string) Payload {
	return Payload{
		Timestamp:          date,
		AlertType:          TypeDailySummary,
		AlertID:            uuid.NewString(),
		Pair:               "all",
		Summary:            summary,
		RecommendedActions: []string{"review daily correlation report"},
	}
}

func recommendedActions(ev model.BreakoutEvent) []string {
	actions := []string{
		fmt.Sprintf("review %s exposure on the %dd window", ev.Pair, ev.WindowDays),
	}

	switch ev.Severity {
	case model.SeverityExtreme:
		actions = append(actions, "treat as a potential regime break, reassess hedges immediately")
	case model.SeverityHigh:
		actions = append(actions, "check whether related pairs moved together before acting")
	default:
		actions = append(actions, "watch for persistence before repositioning")
	}

	if ev.Direction == model.DirectionNegative {
		actions = append(actions, "correlation collapsed below its historical norm, verify hedge assumptions")
	} else {
		actions = append(actions, "correlation spiked above its historical norm, diversification benefit may be gone")
	}
	return actions
}
