package security

import (
	"log/slog"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(10, 5, slog.Default())
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		if !rl.Allow("203.0.113.1") {
			t.Errorf("Allow() request %d within burst should pass", i+1)
		}
	}
	if rl.Allow("203.0.113.1") {
		t.Error("Allow() should reject once the burst is exhausted")
	}
}

func TestRateLimiterSeparateIdentifiers(t *testing.T) {
	rl := NewRateLimiter(10, 1, slog.Default())
	defer rl.Stop()

	if !rl.Allow("203.0.113.1") {
		t.Error("first identifier should be allowed")
	}
	if rl.Allow("203.0.113.1") {
		t.Error("first identifier should now be limited")
	}
	if !rl.Allow("203.0.113.2") {
		t.Error("second identifier has its own bucket")
	}
}

func TestRateLimiterLRUEviction(t *testing.T) {
	rl := NewRateLimiterWithCapacity(10, 5, 3, nil)
	defer rl.Stop()

	for _, id := range []string{"a", "b", "c", "d"} {
		rl.Allow(id)
	}

	if got := rl.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3 after eviction", got)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 5, nil)
	defer rl.Stop()

	rl.Allow("203.0.113.1")
	rl.Allow("203.0.113.2")

	time.Sleep(10 * time.Millisecond)
	rl.Cleanup(time.Nanosecond)

	if got := rl.Len(); got != 0 {
		t.Errorf("Len() = %d after cleanup, want 0", got)
	}
}
