package alerting

import (
	"fmt"
	"sync"
	"time"
)

// Suppressor drops duplicate alerts for the same (pair, window, direction)
// inside a cooldown window. It is an explicitly constructed component, not a
// process-wide singleton, so tests and engines can hold isolated instances.
type Suppressor struct {
	cooldown time.Duration
	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewSuppressor constructs a suppressor; a non-positive cooldown disables
// suppression entirely.
func NewSuppressor(cooldown time.Duration) *Suppressor {
	return &Suppressor{
		cooldown: cooldown,
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// Allow reports whether the payload may be emitted and, when it may, records
// the emission.
func (s *Suppressor) Allow(payload Payload) bool {
	if s == nil || s.cooldown <= 0 {
		return true
	}

	key := fmt.Sprintf("%s|%d|%s|%s", payload.Pair, payload.WindowDays, payload.Direction, payload.AlertType)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if last, ok := s.lastSent[key]; ok && now.Sub(last) < s.cooldown {
		return false
	}
	s.lastSent[key] = now
	return true
}
