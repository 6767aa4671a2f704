// Package ratelimit provides a token bucket rate limiter keyed by caller
// identity, used to throttle commit requests on the HTTP API.
package ratelimit

import (
	"sync"
	"time"

	"wgsteward/internal/clock"
)

// Limiter tracks a token bucket per key. Buckets refill continuously at
// the configured rate up to the burst size.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	rate    float64
	burst   float64
	clock   clock.Clock
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewLimiter returns a limiter that allows rate tokens per second with
// the given burst capacity. A nil clk uses the real clock.
func NewLimiter(rate float64, burst int, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = &clock.RealClock{}
	}
	return &Limiter{
		buckets: make(map[string]*bucket),
		rate:    rate,
		burst:   float64(burst),
		clock:   clk,
	}
}

// Allow reports whether a single request from key may proceed, consuming
// one token when it does.
func (l *Limiter) Allow(key string) bool {
	return l.AllowN(key, 1)
}

// AllowN consumes n tokens from key's bucket if available.
func (l *Limiter) AllowN(key string, n int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.buckets[key] = b
	}

	elapsed := now.Sub(b.last).Seconds()
	b.tokens += elapsed * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.last = now

	need := float64(n)
	if b.tokens < need {
		return false
	}
	b.tokens -= need
	return true
}

// Reset discards the bucket for key, restoring its full burst.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// CleanupExpired drops buckets idle for longer than maxIdle. Call it
// periodically to bound memory when keys come and go.
func (l *Limiter) CleanupExpired(maxIdle time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.clock.Now().Add(-maxIdle)
	for key, b := range l.buckets {
		if b.last.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
