package ratelimit

import (
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestAllow_BurstThenRefill(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewLimiterWithClock(Config{RequestsPerMinute: 60, BurstSize: 3}, clock)

	for i := range 3 {
		if err := l.Allow("alice"); err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
	}
	if err := l.Allow("alice"); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("4th request err = %v, want ErrRateLimited", err)
	}
	if err := l.Allow("bob"); err != nil {
		t.Errorf("independent key limited: %v", err)
	}

	clock.Advance(time.Second)
	if err := l.Allow("alice"); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestAllow_Unlimited(t *testing.T) {
	l := NewLimiter(Config{})
	for range 1000 {
		if err := l.Allow("x"); err != nil {
			t.Fatal(err)
		}
	}
	var nilLimiter *Limiter
	if err := nilLimiter.Allow("x"); err != nil {
		t.Errorf("nil limiter: %v", err)
	}
}

func TestPrune(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewLimiterWithClock(Config{RequestsPerMinute: 60, BurstSize: 2}, clock)
	_ = l.Allow("a")
	_ = l.Allow("b")
	_ = l.Allow("b")

	clock.Advance(1500 * time.Millisecond)
	// a refilled to 2; b only to 1.5.
	if n := l.Prune(); n != 1 {
		t.Errorf("pruned %d, want 1", n)
	}
	if _, ok := l.keys["b"]; !ok {
		t.Error("partially drained bucket was pruned")
	}
}

func TestAllow_RetryAfter(t *testing.T) {
	clock := clockwork.NewFakeClock()
	l := NewLimiterWithClock(Config{RequestsPerMinute: 30}, clock) // one token per 2s, burst 30
	for range 30 {
		if err := l.Allow("k"); err != nil {
			t.Fatal(err)
		}
	}
	clock.Advance(500 * time.Millisecond)

	err := l.Allow("k")
	var lim *LimitedError
	if !errors.As(err, &lim) {
		t.Fatalf("err = %v, want *LimitedError", err)
	}
	if lim.RetryAfter != 1500*time.Millisecond {
		t.Errorf("RetryAfter = %s, want 1.5s", lim.RetryAfter)
	}
	if !errors.Is(err, ErrRateLimited) {
		t.Error("LimitedError should match ErrRateLimited")
	}
}
