package storage

import (
	"context"
	"fmt"
)

// Schema invariants mirror the domain: correlations live in [-1,1] and
// p-values in [0,1]; history rows are keyed (pair, bucket_ts, window_days) so
// replayed cycles upsert instead of duplicating.
const createSchemaSQL = `
CREATE TABLE IF NOT EXISTS correlation_history (
    pair          TEXT             NOT NULL,
    bucket_ts     TIMESTAMPTZ      NOT NULL,
    window_days   INTEGER          NOT NULL,
    correlation   DOUBLE PRECISION NOT NULL CHECK (correlation >= -1 AND correlation <= 1),
    sample_size   INTEGER          NOT NULL,
    p_value       DOUBLE PRECISION NOT NULL CHECK (p_value >= 0 AND p_value <= 1),
    ci_lower      DOUBLE PRECISION NOT NULL,
    ci_upper      DOUBLE PRECISION NOT NULL,
    created_at    TIMESTAMPTZ      NOT NULL DEFAULT now(),
    PRIMARY KEY (pair, bucket_ts, window_days)
);

CREATE TABLE IF NOT EXISTS correlation_breakouts (
    id                    BIGSERIAL        PRIMARY KEY,
    pair                  TEXT             NOT NULL,
    bucket_ts             TIMESTAMPTZ      NOT NULL,
    window_days           INTEGER          NOT NULL,
    z_score               DOUBLE PRECISION NOT NULL,
    severity              TEXT             NOT NULL,
    direction             TEXT             NOT NULL,
    confidence            DOUBLE PRECISION NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    threshold             DOUBLE PRECISION NOT NULL,
    current_correlation   DOUBLE PRECISION NOT NULL CHECK (current_correlation >= -1 AND current_correlation <= 1),
    historical_mean       DOUBLE PRECISION NOT NULL,
    historical_std        DOUBLE PRECISION NOT NULL,
    sample_size           INTEGER          NOT NULL,
    persistence_validated BOOLEAN          NOT NULL DEFAULT FALSE,
    run_duration_seconds  BIGINT           NOT NULL DEFAULT 0,
    created_at            TIMESTAMPTZ      NOT NULL DEFAULT now(),
    UNIQUE (pair, bucket_ts, window_days)
);

CREATE INDEX IF NOT EXISTS idx_correlation_history_pair_ts
    ON correlation_history (pair, bucket_ts DESC);
CREATE INDEX IF NOT EXISTS idx_correlation_breakouts_pair_ts
    ON correlation_breakouts (pair, bucket_ts DESC);
`

// EnsureSchema creates the correlation tables and indexes if absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, createSchemaSQL); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
