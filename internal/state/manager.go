package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"

	"corrwatch/internal/model"
)

const (
	liveFileName  = "state.json"
	lockFileName  = "state.lock"
	backupSuffix  = ".backup"
	schemaVersion = 1
)

// ErrInvalidDocument indicates a state document failed schema validation.
var ErrInvalidDocument = errors.New("state: invalid document")

// Document is the single JSON source of truth for cross-cycle memory. It is
// replaced atomically on every save and never partially written.
type Document struct {
	SchemaVersion      int                        `json:"schema_version"`
	UpdatedAt          time.Time                  `json:"updated_at"`
	Pairs              map[string]PairState       `json:"pairs"`
	CorrelationHistory map[string][]HistoryPoint  `json:"correlation_history"`
	BreakoutHistory    map[string][]BreakoutEntry `json:"breakout_history"`
	Settings           Settings                   `json:"settings"`
}

// PairState summarises the last cycle for one pair.
type PairState struct {
	LastCycleAt         time.Time          `json:"last_cycle_at"`
	LastSuccess         bool               `json:"last_success"`
	LastFailureReason   string             `json:"last_failure_reason,omitempty"`
	ConsecutiveFailures int                `json:"consecutive_failures"`
	LastCorrelations    map[string]float64 `json:"last_correlations,omitempty"`
}

// HistoryPoint is one remembered correlation observation.
type HistoryPoint struct {
	Timestamp   time.Time `json:"timestamp"`
	Correlation float64   `json:"correlation"`
}

// BreakoutEntry is one remembered breakout event.
type BreakoutEntry struct {
	Timestamp  time.Time       `json:"timestamp"`
	WindowDays int             `json:"window_days"`
	ZScore     float64         `json:"z_score"`
	Severity   model.Severity  `json:"severity"`
	Direction  model.Direction `json:"direction"`
}

// Settings carries the knobs the document was written under, so a restart
// can detect configuration drift.
type Settings struct {
	ZScoreThreshold  float64 `json:"z_score_threshold"`
	HistoryMaxLength int     `json:"history_max_length"`
}

// HistoryKey builds the per-(pair, window) key of the correlation history map.
func HistoryKey(pair string, windowDays int) string {
	return fmt.Sprintf("%s:%d", pair, windowDays)
}

// NewDocument returns a fresh, valid, empty document.
func NewDocument(settings Settings) *Document {
	return &Document{
		SchemaVersion:      schemaVersion,
		UpdatedAt:          time.Now().UTC(),
		Pairs:              make(map[string]PairState),
		CorrelationHistory: make(map[string][]HistoryPoint),
		BreakoutHistory:    make(map[string][]BreakoutEntry),
		Settings:           settings,
	}
}

// Options tune the manager.
type Options struct {
	Dir        string
	Backups    int
	MaxHistory int
	FileLock   bool
	Settings   Settings
}

// Manager maintains the persistent state document: atomic replace on save,
// timestamped backup rotation, and validated recovery on load. All helper
// methods are read-modify-write wrappers around the full-document save under
// one mutex.
type Manager struct {
	opts   Options
	mu     sync.Mutex
	logger zerolog.Logger
	lock   *flock.Flock

	// rename is swappable so tests can simulate a crash between the temp
	// write and the atomic replace.
	rename func(oldpath, newpath string) error
	now    func() time.Time
}

// NewManager constructs a state manager rooted at opts.Dir.
func NewManager(opts Options, logger zerolog.Logger) *Manager {
	if opts.Backups <= 0 {
		opts.Backups = 5
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 500
	}

	m := &Manager{
		opts:   opts,
		logger: logger.With().Str("component", "state_manager").Logger(),
		rename: os.Rename,
		now:    func() time.Time { return time.Now().UTC() },
	}
	if opts.FileLock {
		m.lock = flock.New(filepath.Join(opts.Dir, lockFileName))
	}
	return m
}

func (m *Manager) livePath() string { return filepath.Join(m.opts.Dir, liveFileName) }

// Load reads the live document, falling back to the newest valid backup and
// finally to a fresh empty document. It never surfaces corruption to the
// caller.
func (m *Manager) Load() *Document {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() *Document {
	if err := m.acquireFileLock(); err != nil {
		m.logger.Warn().Err(err).Msg("state file lock unavailable, proceeding without it")
	}
	defer m.releaseFileLock()

	if doc, err := m.readDocument(m.livePath()); err == nil {
		return doc
	} else if !os.IsNotExist(errors.Unwrap(err)) && !os.IsNotExist(err) {
		m.logger.Warn().Err(err).Msg("live state unreadable, trying backups")
	}

	for _, backup := range m.backupPaths() {
		doc, err := m.readDocument(backup)
		if err != nil {
			m.logger.Warn().Err(err).Str("backup", backup).Msg("backup unreadable, trying older")
			continue
		}
		m.logger.Info().Str("backup", backup).Msg("state recovered from backup")
		return doc
	}

	m.logger.Info().Msg("no valid state found, starting fresh")
	return NewDocument(m.opts.Settings)
}

func (m *Manager) readDocument(path string) (*Document, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := validate(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// validate enforces the minimal required-keys schema.
func validate(doc *Document) error {
	if doc == nil || doc.SchemaVersion != schemaVersion {
		return fmt.Errorf("%w: unsupported schema version", ErrInvalidDocument)
	}
	if doc.Pairs == nil || doc.CorrelationHistory == nil || doc.BreakoutHistory == nil {
		return fmt.Errorf("%w: missing required sections", ErrInvalidDocument)
	}
	return nil
}

// Save validates the document and replaces the live file atomically: the
// content is written to a temp file in the same directory, fsynced, then
// renamed over the live file. The previous live file is rotated to a
// timestamped backup first.
func (m *Manager) Save(doc *Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked(doc)
}

func (m *Manager) saveLocked(doc *Document) error {
	if err := validate(doc); err != nil {
		return err
	}
	doc.UpdatedAt = m.now()

	if err := m.acquireFileLock(); err != nil {
		m.logger.Warn().Err(err).Msg("state file lock unavailable, proceeding without it")
	}
	defer m.releaseFileLock()

	if err := os.MkdirAll(m.opts.Dir, 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	if err := m.rotateBackup(); err != nil {
		m.logger.Warn().Err(err).Msg("backup rotation failed, continuing with save")
	}

	tmp, err := os.CreateTemp(m.opts.Dir, "state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp state file: %w", err)
	}

	if err := m.rename(tmpPath, m.livePath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("replace state file: %w", err)
	}
	return nil
}

func (m *Manager) rotateBackup() error {
	live := m.livePath()
	if _, err := os.Stat(live); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	raw, err := os.ReadFile(live)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("state-%s%s", m.now().Format("20060102T150405.000000000"), backupSuffix)
	if err := os.WriteFile(filepath.Join(m.opts.Dir, name), raw, 0o644); err != nil {
		return err
	}

	backups := m.backupPaths()
	for i := m.opts.Backups; i < len(backups); i++ {
		if err := os.Remove(backups[i]); err != nil {
			m.logger.Warn().Err(err).Str("backup", backups[i]).Msg("failed to prune old backup")
		}
	}
	return nil
}

// backupPaths lists backups newest-first.
func (m *Manager) backupPaths() []string {
	matches, err := filepath.Glob(filepath.Join(m.opts.Dir, "state-*"+backupSuffix))
	if err != nil {
		return nil
	}
	sort.Sort(sort.Reverse(sort.StringSlice(matches)))
	return matches
}

func (m *Manager) acquireFileLock() error {
	if m.lock == nil {
		return nil
	}
	if err := os.MkdirAll(m.opts.Dir, 0o755); err != nil {
		return err
	}
	return m.lock.Lock()
}

func (m *Manager) releaseFileLock() {
	if m.lock == nil {
		return
	}
	_ = m.lock.Unlock()
}

// SavePairState patches one pair's summary and re-saves the document.
func (m *Manager) SavePairState(pair string, ps PairState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := m.loadLocked()
	doc.Pairs[pair] = ps
	return m.saveLocked(doc)
}

// AppendCorrelationHistory appends a point to the (pair, window) rolling
// history, evicting the oldest entries past the configured cap.
func (m *Manager) AppendCorrelationHistory(pair string, windowDays int, point HistoryPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := m.loadLocked()
	key := HistoryKey(pair, windowDays)
	doc.CorrelationHistory[key] = capHistory(append(doc.CorrelationHistory[key], point), m.opts.MaxHistory)
	return m.saveLocked(doc)
}

// ApplyCycle folds a full cycle's output into the document under a single
// atomic save: pair summary, correlation history, and breakout history
// change together or not at all.
func (m *Manager) ApplyCycle(result model.CycleResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := m.loadLocked()

	ps := doc.Pairs[result.Pair]
	ps.LastCycleAt = result.StartedAt
	ps.LastSuccess = result.Success
	ps.LastFailureReason = result.FailureReason
	if result.Success {
		ps.ConsecutiveFailures = 0
	} else {
		ps.ConsecutiveFailures++
	}
	if len(result.Correlations) > 0 {
		ps.LastCorrelations = make(map[string]float64, len(result.Correlations))
	}
	for window, sample := range result.Correlations {
		ps.LastCorrelations[HistoryKey(result.Pair, window)] = sample.Correlation

		key := HistoryKey(result.Pair, window)
		doc.CorrelationHistory[key] = capHistory(append(doc.CorrelationHistory[key], HistoryPoint{
			Timestamp:   sample.Timestamp,
			Correlation: sample.Correlation,
		}), m.opts.MaxHistory)
	}
	doc.Pairs[result.Pair] = ps

	for _, ev := range result.Breakouts {
		doc.BreakoutHistory[result.Pair] = capBreakouts(append(doc.BreakoutHistory[result.Pair], BreakoutEntry{
			Timestamp:  ev.Timestamp,
			WindowDays: ev.WindowDays,
			ZScore:     ev.ZScore,
			Severity:   ev.Severity,
			Direction:  ev.Direction,
		}), m.opts.MaxHistory)
	}

	return m.saveLocked(doc)
}

// History returns the remembered correlation values for (pair, window),
// oldest first.
func (m *Manager) History(pair string, windowDays int) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	doc := m.loadLocked()
	points := doc.CorrelationHistory[HistoryKey(pair, windowDays)]
	out := make([]float64, len(points))
	for i, p := range points {
		out[i] = p.Correlation
	}
	return out
}

func capHistory(points []HistoryPoint, max int) []HistoryPoint {
	if len(points) <= max {
		return points
	}
	return append([]HistoryPoint(nil), points[len(points)-max:]...)
}

func capBreakouts(entries []BreakoutEntry, max int) []BreakoutEntry {
	if len(entries) <= max {
		return entries
	}
	return append([]BreakoutEntry(nil), entries[len(entries)-max:]...)
}
