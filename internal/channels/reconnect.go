package channels

import (
	"log/slog"
	"sync"
	"time"
)

// ReconnectPolicy controls automatic reconnection after transient
// disconnects.
type ReconnectPolicy struct {
	// RapidWindow is the interval within which consecutive disconnects
	// count as a reconnection storm.
	RapidWindow time.Duration

	// MaxAttempts is the storm ceiling; reaching it halts automatic
	// reconnection until operator intervention.
	MaxAttempts int

	// BackoffBase scales with the attempt counter: delay is
	// base × (attempts+1), capped.
	BackoffBase time.Duration

	// BackoffCap bounds the computed delay.
	BackoffCap time.Duration
}

// DefaultReconnectPolicy returns the baseline policy.
func DefaultReconnectPolicy() ReconnectPolicy {
	return ReconnectPolicy{
		RapidWindow: 30 * time.Second,
		MaxAttempts: 3,
		BackoffBase: 5 * time.Second,
		BackoffCap:  30 * time.Second,
	}
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	def := DefaultReconnectPolicy()
	if p.RapidWindow <= 0 {
		p.RapidWindow = def.RapidWindow
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.BackoffBase <= 0 {
		p.BackoffBase = def.BackoffBase
	}
	if p.BackoffCap <= 0 {
		p.BackoffCap = def.BackoffCap
	}
	return p
}

// Reconnector tracks rapid disconnects and schedules delayed reconnect
// attempts on a cancellable timer. A session owns exactly one Reconnector
// and calls it only from its own event handlers.
type Reconnector struct {
	policy    ReconnectPolicy
	logger    *slog.Logger
	reconnect func()
	onLoop    func(attempts int)

	mu       sync.Mutex
	attempts int
	lastDrop time.Time
	timer    *time.Timer
	now      func() time.Time
}

// NewReconnector creates a reconnector. The reconnect callback runs on the
// timer goroutine after the backoff delay elapses; onLoop fires once when
// the storm ceiling is reached.
func NewReconnector(policy ReconnectPolicy, logger *slog.Logger, reconnect func(), onLoop func(attempts int)) *Reconnector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconnector{
		policy:    policy.withDefaults(),
		logger:    logger,
		reconnect: reconnect,
		onLoop:    onLoop,
		now:       time.Now,
	}
}

// HandleDisconnect registers a disconnect eligible for auto-reconnect.
// It returns true when a reconnect was scheduled, false when the storm
// ceiling was reached and the loop callback fired instead.
func (r *Reconnector) HandleDisconnect() bool {
	r.mu.Lock()
	now := r.now()
	if !r.lastDrop.IsZero() && now.Sub(r.lastDrop) <= r.policy.RapidWindow {
		r.attempts++
	} else {
		r.attempts = 1
	}
	r.lastDrop = now
	attempts := r.attempts

	if attempts >= r.policy.MaxAttempts {
		r.stopTimerLocked()
		r.mu.Unlock()
		r.logger.Warn("reconnection storm detected, halting auto-reconnect",
			"attempts", attempts)
		if r.onLoop != nil {
			r.onLoop(attempts)
		}
		return false
	}

	delay := r.Delay(attempts)
	r.stopTimerLocked()
	r.timer = time.AfterFunc(delay, r.fire)
	r.mu.Unlock()

	r.logger.Info("scheduling reconnect",
		"attempt", attempts,
		"delay", delay)
	return true
}

func (r *Reconnector) fire() {
	r.mu.Lock()
	r.timer = nil
	r.mu.Unlock()
	if r.reconnect != nil {
		r.reconnect()
	}
}

// Delay computes the backoff for the given attempt count: base scaled by
// attempts+1, capped.
func (r *Reconnector) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	delay := time.Duration(attempts+1) * r.policy.BackoffBase
	if delay > r.policy.BackoffCap {
		delay = r.policy.BackoffCap
	}
	return delay
}

// Reset clears the attempt counter after a successful connection.
func (r *Reconnector) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = 0
	r.lastDrop = time.Time{}
}

// Cancel stops a pending reconnect timer without touching the counter.
// Used by Disconnect so a manual teardown is not undone by a timer.
func (r *Reconnector) Cancel() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTimerLocked()
}

// Stop cancels any pending timer and resets the counter. This is the
// operator's "stop reconnection loop" action.
func (r *Reconnector) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopTimerLocked()
	r.attempts = 0
	r.lastDrop = time.Time{}
}

// Attempts returns the current consecutive-disconnect count.
func (r *Reconnector) Attempts() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.attempts
}

// Pending reports whether a reconnect is currently scheduled.
func (r *Reconnector) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.timer != nil
}

func (r *Reconnector) stopTimerLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
}
