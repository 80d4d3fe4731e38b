// Package ratelimit throttles inbound chat messages per sender and admin
// API calls per client with lazily refilled token buckets.
package ratelimit

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// ErrRateLimited matches every *LimitedError.
var ErrRateLimited = errors.New("rate limit exceeded")

// LimitedError reports how long the caller should wait before its next
// token is available.
type LimitedError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *LimitedError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry in %s", e.Key, e.RetryAfter)
}

func (e *LimitedError) Is(target error) bool { return target == ErrRateLimited }

// Config sets the refill rate and bucket size. A zero RequestsPerMinute
// disables limiting; a zero BurstSize means one minute's worth of tokens.
type Config struct {
	RequestsPerMinute int
	BurstSize         int
}

// Limiter holds one bucket per key. Buckets never share tokens, so a noisy
// sender cannot starve a quiet one.
type Limiter struct {
	clock    clockwork.Clock
	perToken time.Duration
	burst    float64

	mu   sync.Mutex
	keys map[string]*bucket
}

type bucket struct {
	tokens float64
	at     time.Time
}

func NewLimiter(cfg Config) *Limiter {
	return NewLimiterWithClock(cfg, clockwork.NewRealClock())
}

// NewLimiterWithClock is NewLimiter with an injectable clock for tests.
func NewLimiterWithClock(cfg Config, clock clockwork.Clock) *Limiter {
	l := &Limiter{clock: clock, keys: make(map[string]*bucket)}
	if cfg.RequestsPerMinute > 0 {
		l.perToken = time.Minute / time.Duration(cfg.RequestsPerMinute)
		l.burst = float64(max(cfg.BurstSize, 0))
		if l.burst == 0 {
			l.burst = float64(cfg.RequestsPerMinute)
		}
	}
	return l
}

func (l *Limiter) disabled() bool { return l == nil || l.perToken == 0 }

// refill brings b up to date and returns it. Callers hold l.mu.
func (l *Limiter) refill(b *bucket, now time.Time) {
	b.tokens = min(l.burst, b.tokens+float64(now.Sub(b.at))/float64(l.perToken))
	b.at = now
}

// Allow takes one token for key, or returns a *LimitedError. A nil or
// disabled Limiter allows everything.
func (l *Limiter) Allow(key string) error {
	if l.disabled() {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, ok := l.keys[key]
	if !ok {
		b = &bucket{tokens: l.burst, at: now}
		l.keys[key] = b
	}
	l.refill(b, now)
	if b.tokens < 1 {
		wait := time.Duration((1 - b.tokens) * float64(l.perToken))
		return &LimitedError{Key: key, RetryAfter: wait.Round(time.Millisecond)}
	}
	b.tokens--
	return nil
}

// Prune forgets keys whose bucket is full again and returns how many were
// dropped. serve calls it periodically so one-off senders do not
// accumulate.
func (l *Limiter) Prune() int {
	if l.disabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	var n int
	for k, b := range l.keys {
		l.refill(b, now)
		if b.tokens >= l.burst {
			delete(l.keys, k)
			n++
		}
	}
	return n
}
