package ratelimit

import (
	"sync"
	"time"
)

// TokenBucket is the admission-control primitive for the upstream fetch path.
// Tokens refill continuously at refillRate per second up to capacity; refill
// is computed lazily from elapsed time on each Acquire, never pre-scheduled.
//
// Unlike the per-connection limiter in the hub (fixed window), this bucket
// reports the exact wait needed when a request cannot be admitted, so the
// dispatch loop sleeps once instead of polling.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64 // invariant: 0 <= tokens <= capacity
	capacity   float64
	refillRate float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket starting full.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     capacity,
		capacity:   capacity,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// Acquire attempts to take n tokens. Returns 0 when the tokens were deducted
// and the caller may proceed immediately. Otherwise returns the time required
// for the deficit to regenerate; no tokens are deducted and the caller should
// sleep that long and retry. The bucket is monotonic between acquires, so a
// single wait suffices.
func (tb *TokenBucket) Acquire(n float64) time.Duration {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refillLocked(time.Now())

	if tb.tokens >= n {
		tb.tokens -= n
		return 0
	}

	deficit := n - tb.tokens
	return time.Duration(deficit / tb.refillRate * float64(time.Second))
}

// Available returns the current token count after a lazy refill. Used for
// metrics reporting only.
func (tb *TokenBucket) Available() float64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	tb.refillLocked(time.Now())
	return tb.tokens
}

func (tb *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens += elapsed * tb.refillRate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastRefill = now
}
