package breakout

import (
	"sort"

	"corrwatch/internal/model"
)

// ValidatePersistence groups raw breakout detections by proximity in time
// (gap <= PersistenceMaxGap) into runs and promotes a run to validated when
// its total span reaches PersistenceMinRun. Every detection inside a
// validated run inherits the validation flag and the run's duration. The
// input is not mutated; the returned slice is sorted by timestamp.
func (d *Detector) ValidatePersistence(events []model.BreakoutEvent) []model.BreakoutEvent {
	if len(events) == 0 {
		return nil
	}

	out := make([]model.BreakoutEvent, len(events))
	copy(out, events)
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })

	runStart := 0
	for i := 1; i <= len(out); i++ {
		if i < len(out) && out[i].Timestamp.Sub(out[i-1].Timestamp) <= d.cfg.PersistenceMaxGap {
			continue
		}
		d.finishRun(out[runStart:i])
		runStart = i
	}
	return out
}

func (d *Detector) finishRun(run []model.BreakoutEvent) {
	if len(run) == 0 {
		return
	}
	span := run[len(run)-1].Timestamp.Sub(run[0].Timestamp)
	if span < d.cfg.PersistenceMinRun {
		return
	}
	for i := range run {
		run[i].PersistenceValidated = true
		run[i].RunDuration = span
	}
}

// Cluster merges detections that occur within a shared time window into
// summary records so a noisy pair does not produce an alert storm. Events of
// different pairs never merge.
func (d *Detector) Cluster(events []model.BreakoutEvent) []model.BreakoutCluster {
	if len(events) == 0 {
		return nil
	}

	sorted := make([]model.BreakoutEvent, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].Pair != sorted[j].Pair {
			return sorted[i].Pair < sorted[j].Pair
		}
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	var clusters []model.BreakoutCluster
	start := 0
	for i := 1; i <= len(sorted); i++ {
		sameCluster := i < len(sorted) &&
			sorted[i].Pair == sorted[i-1].Pair &&
			sorted[i].Timestamp.Sub(sorted[i-1].Timestamp) <= d.cfg.ClusterWindow
		if sameCluster {
			continue
		}
		clusters = append(clusters, summarise(sorted[start:i]))
		start = i
	}
	return clusters
}

func summarise(run []model.BreakoutEvent) model.BreakoutCluster {
	cluster := model.BreakoutCluster{
		Pair:  run[0].Pair,
		Count: len(run),
		Start: run[0].Timestamp,
		End:   run[len(run)-1].Timestamp,
	}

	severityCount := map[model.Severity]int{}
	directionCount := map[model.Direction]int{}
	for _, ev := range run {
		severityCount[ev.Severity]++
		directionCount[ev.Direction]++
		if abs(ev.ZScore) > abs(cluster.PeakZScore) {
			cluster.PeakZScore = ev.ZScore
		}
	}

	cluster.DominantSeverity = dominantSeverity(severityCount)
	cluster.DominantDirection = dominantDirection(directionCount)
	return cluster
}

func dominantSeverity(counts map[model.Severity]int) model.Severity {
	best := model.SeverityNone
	bestCount := -1
	for severity, count := range counts {
		// ties resolve to the more severe grade
		if count > bestCount || (count == bestCount && severity.Rank() > best.Rank()) {
			best = severity
			bestCount = count
		}
	}
	return best
}

func dominantDirection(counts map[model.Direction]int) model.Direction {
	if counts[model.DirectionNegative] > counts[model.DirectionPositive] {
		return model.DirectionNegative
	}
	return model.DirectionPositive
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
