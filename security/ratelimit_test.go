package security

import (
	"fmt"
	"testing"
	"time"
)

func TestRateLimiterAllow(t *testing.T) {
	rl := NewRateLimiter(1, 3, nil)
	defer rl.Stop()

	for i := 0; i < 3; i++ {
		if !rl.Allow("client-a") {
			t.Errorf("request %d within burst should be allowed", i+1)
		}
	}
	if rl.Allow("client-a") {
		t.Error("request past burst should be rejected")
	}

	// other identifiers get their own bucket
	if !rl.Allow("client-b") {
		t.Error("fresh identifier should be allowed")
	}
}

func TestRateLimiterRefill(t *testing.T) {
	rl := NewRateLimiter(100, 1, nil)
	defer rl.Stop()

	if !rl.Allow("client") {
		t.Fatal("first request should be allowed")
	}
	if rl.Allow("client") {
		t.Fatal("second immediate request should be rejected")
	}

	time.Sleep(20 * time.Millisecond)
	if !rl.Allow("client") {
		t.Error("request after refill should be allowed")
	}
}

func TestRateLimiterEviction(t *testing.T) {
	rl := NewRateLimiterWithConfig(10, 10, 3, nil)
	defer rl.Stop()

	for i := 0; i < 5; i++ {
		rl.Allow(fmt.Sprintf("client-%d", i))
	}
	if got := rl.Len(); got != 3 {
		t.Errorf("Len() = %d, want 3", got)
	}
}

func TestRateLimiterCleanup(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	defer rl.Stop()

	rl.Allow("idle-client")
	time.Sleep(10 * time.Millisecond)
	rl.Allow("active-client")

	rl.Cleanup(5 * time.Millisecond)
	if got := rl.Len(); got != 1 {
		t.Errorf("Len() after cleanup = %d, want 1", got)
	}
	if !rl.Allow("active-client") {
		t.Error("active client should still be tracked and allowed")
	}
}

func TestRateLimiterStopIdempotent(t *testing.T) {
	rl := NewRateLimiter(10, 10, nil)
	rl.Stop()
	rl.Stop()
}
