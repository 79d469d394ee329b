package dispatch

import (
	"testing"
	"time"
)

func TestWithinCooldown(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if !WithinCooldown(now.Add(-15*time.Minute), now, 30) {
		t.Fatalf("expected within cooldown")
	}
	if WithinCooldown(now.Add(-31*time.Minute), now, 30) {
		t.Fatalf("expected cooldown elapsed")
	}
	if WithinCooldown(now.Add(-time.Second), now, 0) {
		t.Fatalf("zero cooldown must never suppress")
	}
}
