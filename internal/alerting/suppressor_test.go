package alerting

import (
	"testing"
	"time"
)

func TestSuppressorCooldown(t *testing.T) {
	s := NewSuppressor(30 * time.Minute)
	now := time.Date(2026, 8, 29, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	payload := BuildBreakoutPayload(sampleEvent())

	if !s.Allow(payload) {
		t.Fatal("first alert must pass")
	}
	if s.Allow(payload) {
		t.Fatal("duplicate inside the cooldown must be suppressed")
	}

	now = now.Add(31 * time.Minute)
	if !s.Allow(payload) {
		t.Fatal("alert after the cooldown must pass")
	}
}

func TestSuppressorKeysAreIndependent(t *testing.T) {
	s := NewSuppressor(time.Hour)

	first := BuildBreakoutPayload(sampleEvent())
	if !s.Allow(first) {
		t.Fatal("first alert must pass")
	}

	other := first
	other.WindowDays = 90
	if !s.Allow(other) {
		t.Fatal("different window must not share a cooldown slot")
	}

	negative := first
	negative.Direction = "negative"
	if !s.Allow(negative) {
		t.Fatal("different direction must not share a cooldown slot")
	}
}

func TestSuppressorDisabled(t *testing.T) {
	s := NewSuppressor(0)
	payload := BuildBreakoutPayload(sampleEvent())
	for i := 0; i < 3; i++ {
		if !s.Allow(payload) {
			t.Fatal("zero cooldown disables suppression")
		}
	}

	var nilSuppressor *Suppressor
	if !nilSuppressor.Allow(payload) {
		t.Fatal("nil suppressor must allow everything")
	}
}
