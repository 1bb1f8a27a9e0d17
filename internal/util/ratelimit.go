package util

import (
	"context"
	"sync"
	"time"
)

// RateLimiter implements a token-bucket rate limiter that replenishes tokens
// at a fixed rate. The bucket starts full, so up to capacity operations may
// burst before refill pacing takes over.
type RateLimiter struct {
	rate     float64 // tokens per second
	capacity float64
	tokens   float64
	lastTime time.Time
	mu       sync.Mutex

	now func() time.Time // overridable in tests
}

// NewRateLimiter creates a RateLimiter that allows perMinute operations per
// minute with bursts of up to capacity operations.
func NewRateLimiter(perMinute, capacity int) *RateLimiter {
	if capacity < 1 {
		capacity = 1
	}
	return &RateLimiter{
		rate:     float64(perMinute) / 60.0,
		capacity: float64(capacity),
		tokens:   float64(capacity),
		lastTime: time.Now(),
		now:      time.Now,
	}
}

// refillLocked credits tokens for elapsed time, clamped at capacity.
func (rl *RateLimiter) refillLocked() {
	now := rl.now()
	elapsed := now.Sub(rl.lastTime).Seconds()
	rl.tokens += elapsed * rl.rate
	if rl.tokens > rl.capacity {
		rl.tokens = rl.capacity
	}
	rl.lastTime = now
}

// Allow reports whether an operation may proceed now, consuming a token when
// it does. It never blocks.
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refillLocked()
	if rl.tokens >= 1 {
		rl.tokens -= 1
		return true
	}
	return false
}

// Wait blocks until a rate-limit token is available or the context is
// cancelled.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// SourceLimiter maintains an independent token bucket per named source, so a
// burst from one data source cannot starve another.
type SourceLimiter struct {
	perMinute int
	capacity  int

	mu      sync.Mutex
	buckets map[string]*RateLimiter
}

// NewSourceLimiter creates a SourceLimiter whose per-source buckets allow
// perMinute operations per minute with bursts of up to capacity.
func NewSourceLimiter(perMinute, capacity int) *SourceLimiter {
	return &SourceLimiter{
		perMinute: perMinute,
		capacity:  capacity,
		buckets:   make(map[string]*RateLimiter),
	}
}

func (sl *SourceLimiter) bucket(source string) *RateLimiter {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	rl, ok := sl.buckets[source]
	if !ok {
		rl = NewRateLimiter(sl.perMinute, sl.capacity)
		sl.buckets[source] = rl
	}
	return rl
}

// Allow reports whether an operation from the given source may proceed now.
func (sl *SourceLimiter) Allow(source string) bool {
	return sl.bucket(source).Allow()
}

// Wait blocks until the given source has a token or the context is cancelled.
func (sl *SourceLimiter) Wait(ctx context.Context, source string) error {
	return sl.bucket(source).Wait(ctx)
}
