package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"corrwatch/internal/model"
)

// FallbackWriter appends records to a line-delimited file on disk when the
// primary store is unavailable after retries, so no data is silently dropped.
// One file per day; each line carries the record plus the time it was logged.
type FallbackWriter struct {
	dir    string
	mu     sync.Mutex
	logger zerolog.Logger
	now    func() time.Time
}

// NewFallbackWriter constructs a fallback writer rooted at dir.
func NewFallbackWriter(dir string, logger zerolog.Logger) *FallbackWriter {
	return &FallbackWriter{
		dir:    dir,
		logger: logger.With().Str("component", "storage_fallback").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

type fallbackLine struct {
	LoggedAt time.Time       `json:"logged_at"`
	Kind     string          `json:"kind"`
	Record   json.RawMessage `json:"record"`
}

// AppendSamples writes unpersisted correlation samples to the fallback file.
func (w *FallbackWriter) AppendSamples(samples []model.CorrelationSample) error {
	for _, sample := range samples {
		if err := w.append("correlation_sample", sample); err != nil {
			return err
		}
	}
	return nil
}

// AppendBreakouts writes unpersisted breakout events to the fallback file.
func (w *FallbackWriter) AppendBreakouts(events []model.BreakoutEvent) error {
	for _, ev := range events {
		if err := w.append("breakout_event", ev); err != nil {
			return err
		}
	}
	return nil
}

func (w *FallbackWriter) append(kind string, record any) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal fallback record: %w", err)
	}
	line, err := json.Marshal(fallbackLine{
		LoggedAt: w.now(),
		Kind:     kind,
		Record:   raw,
	})
	if err != nil {
		return fmt.Errorf("marshal fallback line: %w", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return fmt.Errorf("create fallback dir: %w", err)
	}

	path := filepath.Join(w.dir, fmt.Sprintf("fallback-%s.ndjson", w.now().Format("20060102")))
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open fallback file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append fallback line: %w", err)
	}

	w.logger.Warn().Str("kind", kind).Str("file", path).Msg("record diverted to fallback file")
	return nil
}
