package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"corrwatch/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
)

const (
	upsertSampleSQL = `INSERT INTO correlation_history (
        pair,
        bucket_ts,
        window_days,
        correlation,
        sample_size,
        p_value,
        ci_lower,
        ci_upper
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8
    )
    ON CONFLICT (pair, bucket_ts, window_days) DO UPDATE
    SET
        correlation = EXCLUDED.correlation,
        sample_size = EXCLUDED.sample_size,
        p_value     = EXCLUDED.p_value,
        ci_lower    = EXCLUDED.ci_lower,
        ci_upper    = EXCLUDED.ci_upper;`

	listHistorySQL = `SELECT
        pair, bucket_ts, window_days, correlation, sample_size, p_value, ci_lower, ci_upper
    FROM correlation_history
    WHERE pair = $1
      AND ($2 = 0 OR window_days = $2)
    ORDER BY bucket_ts DESC
    LIMIT $3;`

	listSamplesBetweenSQL = `SELECT
        pair, bucket_ts, window_days, correlation, sample_size, p_value, ci_lower, ci_upper
    FROM correlation_history
    WHERE pair = $1
      AND bucket_ts >= $2
      AND bucket_ts < $3
      AND ($4 = 0 OR window_days = $4)
    ORDER BY bucket_ts DESC
    LIMIT $5;`

	countSamplesSQL = `SELECT COUNT(*) FROM correlation_history;`

	insertBreakoutSQL = `INSERT INTO correlation_breakouts (
        pair,
        bucket_ts,
        window_days,
        z_score,
        severity,
        direction,
        confidence,
        threshold,
        current_correlation,
        historical_mean,
        historical_std,
        sample_size,
        persistence_validated,
        run_duration_seconds
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
    )
    ON CONFLICT (pair, bucket_ts, window_days) DO UPDATE
    SET z_score    = EXCLUDED.z_score,
        severity   = EXCLUDED.severity,
        direction  = EXCLUDED.direction,
        confidence = EXCLUDED.confidence,
        persistence_validated = correlation_breakouts.persistence_validated OR EXCLUDED.persistence_validated,
        run_duration_seconds  = GREATEST(correlation_breakouts.run_duration_seconds, EXCLUDED.run_duration_seconds);`

	markBreakoutValidatedSQL = `UPDATE correlation_breakouts
    SET persistence_validated = TRUE,
        run_duration_seconds  = $4
    WHERE pair = $1 AND bucket_ts = $2 AND window_days = $3;`

	listRecentBreakoutsSQL = `SELECT
        pair, bucket_ts, window_days, z_score, severity, direction, confidence,
        threshold, current_correlation, historical_mean, historical_std,
        sample_size, persistence_validated, run_duration_seconds
    FROM correlation_breakouts
    WHERE pair = $1
    ORDER BY bucket_ts DESC
    LIMIT $2;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// SampleStore defines operations for correlation sample persistence.
type SampleStore interface {
	UpsertSamples(ctx context.Context, samples []model.CorrelationSample) (int, error)
	ListHistory(ctx context.Context, pair string, windowDays, limit int) ([]model.CorrelationSample, error)
	ListSamplesBetween(ctx context.Context, pair string, from, to time.Time, windowDays, limit int) ([]model.CorrelationSample, error)
	CountSamples(ctx context.Context) (int64, error)
}

// BreakoutStore defines operations for breakout event persistence.
type BreakoutStore interface {
	InsertBreakouts(ctx context.Context, events []model.BreakoutEvent) (int, error)
	MarkBreakoutsValidated(ctx context.Context, events []model.BreakoutEvent) error
	ListRecentBreakouts(ctx context.Context, pair string, limit int) ([]model.BreakoutEvent, error)
}

// AdvisoryLocker exposes cross-process lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to correlation history and breakout events. Write
// transactions are serialised by writeMu so concurrent pair cycles never
// interleave partial batches.
type Store struct {
	pool    *pgxpool.Pool
	writeMu sync.Mutex
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a
// release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; connection release drops the lock anyway
		}
		conn.Release()
	}
	return unlock, true, nil
}

// UpsertSamples persists correlation samples idempotently, keyed by
// (pair, bucket_ts, window_days). Rows are written one at a time under the
// write lock so a mid-batch failure still reports how many rows landed.
func (s *Store) UpsertSamples(ctx context.Context, samples []model.CorrelationSample) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	var firstErr error
	for _, sample := range samples {
		_, execErr := pool.Exec(ctx, upsertSampleSQL,
			sample.Pair,
			sample.Timestamp,
			sample.WindowDays,
			sample.Correlation,
			sample.SampleSize,
			sample.PValue,
			sample.CILower,
			sample.CIUpper,
		)
		if execErr != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("upsert sample %s/%dd: %w", sample.Pair, sample.WindowDays, execErr)
			}
			continue
		}
		written++
	}
	return written, firstErr
}

// InsertBreakouts persists breakout events, reporting how many rows landed.
// Validation flags ride along with the insert, so events validated within the
// detecting cycle keep their flags; on conflict a validated row never regresses.
func (s *Store) InsertBreakouts(ctx context.Context, events []model.BreakoutEvent) (int, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	written := 0
	var firstErr error
	for _, ev := range events {
		_, execErr := pool.Exec(ctx, insertBreakoutSQL,
			ev.Pair,
			ev.Timestamp,
			ev.WindowDays,
			ev.ZScore,
			string(ev.Severity),
			string(ev.Direction),
			ev.Confidence,
			ev.Threshold,
			ev.CurrentCorrelation,
			ev.HistoricalMean,
			ev.HistoricalStd,
			ev.SampleSize,
			ev.PersistenceValidated,
			int64(ev.RunDuration.Seconds()),
		)
		if execErr != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("insert breakout %s/%dd: %w", ev.Pair, ev.WindowDays, execErr)
			}
			continue
		}
		written++
	}
	return written, firstErr
}

// MarkBreakoutsValidated flags previously stored events whose run was
// confirmed retroactively by a later detection.
func (s *Store) MarkBreakoutsValidated(ctx context.Context, events []model.BreakoutEvent) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, ev := range events {
		if !ev.PersistenceValidated {
			continue
		}
		if _, execErr := pool.Exec(ctx, markBreakoutValidatedSQL,
			ev.Pair, ev.Timestamp, ev.WindowDays, int64(ev.RunDuration.Seconds()),
		); execErr != nil {
			return fmt.Errorf("mark breakout validated: %w", execErr)
		}
	}
	return nil
}

// ListHistory returns stored correlations for (pair, window), newest first.
// A window of 0 selects all windows.
func (s *Store) ListHistory(ctx context.Context, pair string, windowDays, limit int) ([]model.CorrelationSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listHistorySQL, pair, windowDays, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list history: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, limit)
}

// ListSamplesBetween lists samples in [from, to), newest first, optionally
// filtered by window (0 selects all windows) and capped at limit rows.
func (s *Store) ListSamplesBetween(ctx context.Context, pair string, from, to time.Time, windowDays, limit int) ([]model.CorrelationSample, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100000
	}

	rows, queryErr := pool.Query(ctx, listSamplesBetweenSQL, pair, from, to, windowDays, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list samples between: %w", queryErr)
	}
	defer rows.Close()

	return collectSamples(rows, limit)
}

// CountSamples counts stored samples.
func (s *Store) CountSamples(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countSamplesSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count samples: %w", scanErr)
	}
	return count, nil
}

// ListRecentBreakouts lists the most recent breakout events for a pair.
func (s *Store) ListRecentBreakouts(ctx context.Context, pair string, limit int) ([]model.BreakoutEvent, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, listRecentBreakoutsSQL, pair, limit)
	if queryErr != nil {
		return nil, fmt.Errorf("list recent breakouts: %w", queryErr)
	}
	defer rows.Close()

	events := make([]model.BreakoutEvent, 0, limit)
	for rows.Next() {
		var (
			ev          model.BreakoutEvent
			severity    string
			direction   string
			runDuration int64
		)
		if err := rows.Scan(
			&ev.Pair,
			&ev.Timestamp,
			&ev.WindowDays,
			&ev.ZScore,
			&severity,
			&direction,
			&ev.Confidence,
			&ev.Threshold,
			&ev.CurrentCorrelation,
			&ev.HistoricalMean,
			&ev.HistoricalStd,
			&ev.SampleSize,
			&ev.PersistenceValidated,
			&runDuration,
		); err != nil {
			return nil, err
		}
		ev.Severity = model.Severity(severity)
		ev.Direction = model.Direction(direction)
		ev.RunDuration = time.Duration(runDuration) * time.Second
		events = append(events, ev)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

func collectSamples(rows pgx.Rows, capacity int) ([]model.CorrelationSample, error) {
	if capacity < 0 {
		capacity = 0
	}
	samples := make([]model.CorrelationSample, 0, capacity)
	for rows.Next() {
		var sample model.CorrelationSample
		if err := rows.Scan(
			&sample.Pair,
			&sample.Timestamp,
			&sample.WindowDays,
			&sample.Correlation,
			&sample.SampleSize,
			&sample.PValue,
			&sample.CILower,
			&sample.CIUpper,
		); err != nil {
			return nil, err
		}
		samples = append(samples, sample)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return samples, nil
}
