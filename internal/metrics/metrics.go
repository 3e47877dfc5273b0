package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"corrwatch/internal/model"
)

// Cycle outcome labels.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

var (
	cyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corrwatch",
			Name:      "cycles_total",
			Help:      "Monitoring cycles executed, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	cycleDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "corrwatch",
			Name:      "cycle_seconds",
			Help:      "Per-pair monitoring cycle latency in seconds.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
	)

	breakoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "corrwatch",
			Name:      "breakouts_total",
			Help:      "Breakout events detected, partitioned by severity.",
		},
		[]string{"severity"},
	)

	alertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "corrwatch",
			Name:      "alerts_total",
			Help:      "Alert payloads generated.",
		},
	)
)

// Register attaches corrwatch collectors to the supplied registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		cyclesTotal,
		cycleDurationSeconds,
		breakoutsTotal,
		alertsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveCycle records one pair cycle's outcome, duration, and yields.
func ObserveCycle(result model.CycleResult) {
	outcome := OutcomeFailure
	if result.Success {
		outcome = OutcomeSuccess
	}
	cyclesTotal.WithLabelValues(outcome).Inc()

	duration := result.Duration
	if duration < 0 {
		duration = 0
	}
	cycleDurationSeconds.Observe(duration.Seconds())

	for _, ev := range result.Breakouts {
		breakoutsTotal.WithLabelValues(string(ev.Severity)).Inc()
	}
	alertsTotal.Add(float64(len(result.AlertsGenerated)))
}
