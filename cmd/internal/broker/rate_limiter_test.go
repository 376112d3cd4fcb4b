package broker

import (
	"testing"
	"time"
)

func TestRateLimiter_WindowSlides(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		if !rl.Allow(base.Add(time.Duration(i) * 100 * time.Millisecond)) {
			t.Fatalf("event %d should be allowed", i)
		}
	}
	if rl.Allow(base.Add(300 * time.Millisecond)) {
		t.Fatalf("fourth event inside window should be denied")
	}

	// First event leaves the window; one slot frees up.
	if !rl.Allow(base.Add(1100 * time.Millisecond)) {
		t.Fatalf("event after window slide should be allowed")
	}
}

func TestRateLimiter_DefaultsOnInvalidInput(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if rl.limit != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("expected defaults, got limit=%d window=%v", rl.limit, rl.window)
	}
}
