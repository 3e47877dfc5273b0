package model

import (
	"time"
)

// Severity grades a breakout by the magnitude of its deviation score.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityLow      Severity = "low"
	SeverityModerate Severity = "moderate"
	SeverityHigh     Severity = "high"
	SeverityExtreme  Severity = "extreme"
)

var severityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityModerate: 2,
	SeverityHigh:     3,
	SeverityExtreme:  4,
}

// Rank returns the position of the severity in the none < low < moderate <
// high < extreme ordering. Unknown values rank below none.
func (s Severity) Rank() int {
	if rank, ok := severityRank[s]; ok {
		return rank
	}
	return -1
}

// Direction indicates which side of the historical mean a deviation sits on.
type Direction string

const (
	DirectionPositive Direction = "positive"
	DirectionNegative Direction = "negative"
)

// CorrelationSample is one computed correlation observation. Immutable once
// computed; exactly one sample exists per (pair, window, timestamp).
type CorrelationSample struct {
	Pair        string
	WindowDays  int
	Correlation float64
	SampleSize  int
	PValue      float64
	CILower     float64
	CIUpper     float64
	Timestamp   time.Time
}

// BreakoutEvent records a deviation score crossing the detection threshold.
// Created only when |ZScore| >= Threshold and never mutated afterwards except
// for the persistence-validation pass setting PersistenceValidated and
// RunDuration.
type BreakoutEvent struct {
	Pair                 string
	WindowDays           int
	ZScore               float64
	Severity             Severity
	Direction            Direction
	Confidence           float64
	Threshold            float64
	CurrentCorrelation   float64
	HistoricalMean       float64
	HistoricalStd        float64
	SampleSize           int
	Timestamp            time.Time
	PersistenceValidated bool
	RunDuration          time.Duration
}

// BreakoutCluster summarises a burst of breakout detections that occurred
// within a shared time window, to avoid alert storms.
type BreakoutCluster struct {
	Pair              string
	Count             int
	Start             time.Time
	End               time.Time
	DominantSeverity  Severity
	DominantDirection Direction
	PeakZScore        float64
}

// RegimeChange is the outcome of CUSUM-based structural-shift detection over
// a correlation series.
type RegimeChange struct {
	Detected  bool
	Index     int
	Direction Direction
}

// CycleResult is the transient outcome of one monitoring cycle for one pair.
type CycleResult struct {
	Pair            string
	Success         bool
	FailureReason   string
	Correlations    map[int]CorrelationSample
	Breakouts       []BreakoutEvent
	AlertsGenerated []string
	PartialFailures []string
	StageTimings    map[string]time.Duration
	StartedAt       time.Time
	Duration        time.Duration
}

// Failure reasons surfaced on CycleResult.
const (
	FailureNoData      = "no_data"
	FailureNoValidData = "no_valid_data"
	FailureTimeout     = "timeout"
	FailurePanic       = "panic"
)

// PairSpec names the two tracked series of a monitored pair.
type PairSpec struct {
	Name      string
	Primary   string
	Secondary string
	Windows   []int
}
