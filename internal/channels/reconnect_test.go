package channels

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newFrozenReconnector returns a reconnector whose clock is advanced
// manually, so rapid-window arithmetic is deterministic.
func newFrozenReconnector(policy ReconnectPolicy, onLoop func(int)) (*Reconnector, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewReconnector(policy, testLogger(), nil, onLoop)
	r.now = func() time.Time { return now }
	return r, &now
}

func TestHandleDisconnectCountsWithinWindow(t *testing.T) {
	var loopAttempts int
	r, now := newFrozenReconnector(DefaultReconnectPolicy(), func(n int) { loopAttempts = n })

	if !r.HandleDisconnect() {
		t.Fatal("first disconnect halted instead of scheduling")
	}
	if got := r.Attempts(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}

	*now = now.Add(10 * time.Second)
	if !r.HandleDisconnect() {
		t.Fatal("second disconnect halted instead of scheduling")
	}
	if got := r.Attempts(); got != 2 {
		t.Fatalf("attempts = %d, want 2", got)
	}

	*now = now.Add(10 * time.Second)
	if r.HandleDisconnect() {
		t.Fatal("third rapid disconnect scheduled instead of halting")
	}
	if loopAttempts != 3 {
		t.Errorf("loop fired with attempts = %d, want 3", loopAttempts)
	}
	if r.Pending() {
		t.Error("timer still pending after storm halt")
	}
}

func TestHandleDisconnectResetsOutsideWindow(t *testing.T) {
	r, now := newFrozenReconnector(DefaultReconnectPolicy(), nil)

	r.HandleDisconnect()
	*now = now.Add(10 * time.Second)
	r.HandleDisconnect()

	// A quiet minute forgives the earlier drops.
	*now = now.Add(time.Minute)
	if !r.HandleDisconnect() {
		t.Fatal("disconnect after a quiet period halted")
	}
	if got := r.Attempts(); got != 1 {
		t.Errorf("attempts = %d, want 1 after window reset", got)
	}
	r.Cancel()
}

func TestDelayScalesAndCaps(t *testing.T) {
	r := NewReconnector(DefaultReconnectPolicy(), testLogger(), nil, nil)
	tests := []struct {
		attempts int
		want     time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 15 * time.Second},
		{5, 30 * time.Second},
		{100, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := r.Delay(tt.attempts); got != tt.want {
			t.Errorf("Delay(%d) = %s, want %s", tt.attempts, got, tt.want)
		}
	}
}

func TestStopClearsCounterAndTimer(t *testing.T) {
	r, now := newFrozenReconnector(DefaultReconnectPolicy(), nil)

	r.HandleDisconnect()
	*now = now.Add(time.Second)
	r.HandleDisconnect()
	if !r.Pending() {
		t.Fatal("no reconnect pending after disconnects")
	}

	r.Stop()
	if r.Pending() {
		t.Error("timer survived Stop")
	}
	if got := r.Attempts(); got != 0 {
		t.Errorf("attempts = %d after Stop, want 0", got)
	}
}

func TestResetKeepsPendingTimer(t *testing.T) {
	r, _ := newFrozenReconnector(DefaultReconnectPolicy(), nil)

	r.HandleDisconnect()
	r.Reset()
	if got := r.Attempts(); got != 0 {
		t.Errorf("attempts = %d after Reset, want 0", got)
	}
	r.Cancel()
}

func TestReconnectCallbackFires(t *testing.T) {
	fired := make(chan struct{})
	r := NewReconnector(ReconnectPolicy{
		RapidWindow: 30 * time.Second,
		MaxAttempts: 3,
		BackoffBase: time.Millisecond,
		BackoffCap:  time.Millisecond,
	}, testLogger(), func() { close(fired) }, nil)

	if !r.HandleDisconnect() {
		t.Fatal("disconnect halted")
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("reconnect callback never fired")
	}
}

func TestPolicyDefaults(t *testing.T) {
	p := ReconnectPolicy{}.withDefaults()
	if p != DefaultReconnectPolicy() {
		t.Errorf("zero policy = %+v, want defaults", p)
	}

	p = ReconnectPolicy{MaxAttempts: 5}.withDefaults()
	if p.MaxAttempts != 5 || p.RapidWindow != 30*time.Second {
		t.Errorf("partial policy = %+v, want overridden ceiling with default window", p)
	}
}
