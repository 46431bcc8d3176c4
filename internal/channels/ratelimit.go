package channels

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket. It smooths bursts of sends toward a
// provider and backs the per-API-key limit in the gateway.
type RateLimiter struct {
	rate     float64 // tokens per second
	capacity float64

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// NewRateLimiter creates a limiter that refills rate tokens per second up
// to a burst capacity.
func NewRateLimiter(rate float64, capacity int) *RateLimiter {
	if rate <= 0 {
		rate = 1
	}
	if capacity <= 0 {
		capacity = 1
	}
	return &RateLimiter{
		rate:       rate,
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		lastRefill: time.Now(),
	}
}

// Allow consumes a token if one is available.
func (r *RateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	if r.tokens >= 1 {
		r.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or the context is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	for {
		if r.Allow() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.waitDuration()):
		}
	}
}

func (r *RateLimiter) refill() {
	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.lastRefill = now
	r.tokens += elapsed * r.rate
	if r.tokens > r.capacity {
		r.tokens = r.capacity
	}
}

func (r *RateLimiter) waitDuration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refill()
	if r.tokens >= 1 {
		return 0
	}
	missing := 1 - r.tokens
	return time.Duration(missing / r.rate * float64(time.Second))
}
