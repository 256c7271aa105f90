package realtime

import (
	"testing"
	"time"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(3, time.Second)
	t0 := time.Unix(1_700_000_000, 0)

	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{100 * time.Millisecond, true},
		{200 * time.Millisecond, true},
		{300 * time.Millisecond, false},
		{999 * time.Millisecond, false},
		// The first event leaves the window.
		{1000 * time.Millisecond, true},
		{1050 * time.Millisecond, false},
		{1100 * time.Millisecond, true},
		{1200 * time.Millisecond, true},
		{1250 * time.Millisecond, false},
	}
	for i, s := range steps {
		if got := rl.Allow(t0.Add(s.at)); got != s.want {
			t.Fatalf("step %d at %v: got %v want %v", i, s.at, got, s.want)
		}
	}
}

func TestRateLimiter_Defaults(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(0, 0)
	if len(rl.ring) != rateLimitEvents || rl.window != rateLimitWindow {
		t.Fatalf("expected defaults, got limit=%d window=%v", len(rl.ring), rl.window)
	}

	now := time.Now()
	for i := 0; i < rateLimitEvents; i++ {
		if !rl.Allow(now) {
			t.Fatalf("event %d rejected below the limit", i)
		}
	}
	if rl.Allow(now) {
		t.Fatalf("expected rejection at the limit")
	}
}
