package channels

import (
	"context"
	"testing"
	"time"
)

func TestRateLimiterBurstThenDeny(t *testing.T) {
	limiter := NewRateLimiter(1, 3)
	for i := 0; i < 3; i++ {
		if !limiter.Allow() {
			t.Fatalf("Allow() = false within burst, call %d", i+1)
		}
	}
	if limiter.Allow() {
		t.Error("Allow() = true after burst exhausted")
	}
}

func TestRateLimiterRefills(t *testing.T) {
	limiter := NewRateLimiter(100, 1)
	if !limiter.Allow() {
		t.Fatal("first token denied")
	}
	if limiter.Allow() {
		t.Fatal("second token granted immediately")
	}
	time.Sleep(20 * time.Millisecond)
	if !limiter.Allow() {
		t.Error("token not refilled after waiting")
	}
}

func TestRateLimiterWaitHonorsContext(t *testing.T) {
	limiter := NewRateLimiter(0.01, 1)
	limiter.Allow()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := limiter.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("Wait = %v, want context.DeadlineExceeded", err)
	}
}

func TestRateLimiterDefendsAgainstZeroConfig(t *testing.T) {
	limiter := NewRateLimiter(0, 0)
	if !limiter.Allow() {
		t.Error("limiter with clamped defaults denied its first token")
	}
}
