package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/courier/internal/observability"
	"github.com/haasonsaas/courier/internal/storage"
	"github.com/haasonsaas/courier/pkg/models"
)

// eventBuffer bounds the per-session event stream. Slow consumers lose
// events rather than blocking state transitions.
const eventBuffer = 64

// BaseSession carries the state, persistence and event plumbing shared by
// every provider session. Concrete sessions embed it and drive the state
// machine from their own event handlers.
type BaseSession struct {
	service  models.Service
	logger   *slog.Logger
	ledger   storage.MessageLedger
	statuses storage.StatusStore
	metrics  *observability.Metrics

	mu    sync.RWMutex
	state State

	events chan models.ConnectionEvent
}

// NewBaseSession creates the shared session core. metrics may be nil.
func NewBaseSession(service models.Service, logger *slog.Logger, ledger storage.MessageLedger, statuses storage.StatusStore, metrics *observability.Metrics) *BaseSession {
	if logger == nil {
		logger = slog.Default()
	}
	return &BaseSession{
		service:  service,
		logger:   logger.With("service", string(service)),
		ledger:   ledger,
		statuses: statuses,
		metrics:  metrics,
		state:    StateUninitialized,
		events:   make(chan models.ConnectionEvent, eventBuffer),
	}
}

// Service identifies the provider.
func (b *BaseSession) Service() models.Service { return b.service }

// Logger returns the session logger.
func (b *BaseSession) Logger() *slog.Logger { return b.logger }

// Ledger returns the message ledger.
func (b *BaseSession) Ledger() storage.MessageLedger { return b.ledger }

// Statuses returns the status store.
func (b *BaseSession) Statuses() storage.StatusStore { return b.statuses }

// Events returns the connection event stream.
func (b *BaseSession) Events() <-chan models.ConnectionEvent { return b.events }

// State returns the current lifecycle state.
func (b *BaseSession) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

// IsConnected reports whether the session is in StateConnected.
func (b *BaseSession) IsConnected() bool {
	return b.State() == StateConnected
}

// SetState unconditionally moves the session to the given state and
// updates the connection gauge.
func (b *BaseSession) SetState(to State) {
	b.mu.Lock()
	from := b.state
	b.state = to
	b.mu.Unlock()
	if from != to {
		b.logger.Debug("session state changed", "from", string(from), "to", string(to))
	}
	b.gauge(to)
}

// CasState moves to the target state only when the current state is one of
// from. Returns whether the transition happened. Used to serialize
// Connect: a connect while already connecting or connected is a no-op.
func (b *BaseSession) CasState(to State, from ...State) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range from {
		if b.state == f {
			b.state = to
			b.gauge(to)
			return true
		}
	}
	return false
}

func (b *BaseSession) gauge(state State) {
	if b.metrics == nil {
		return
	}
	v := 0.0
	if state == StateConnected {
		v = 1
	}
	b.metrics.ConnectionState.WithLabelValues(string(b.service)).Set(v)
}

// Emit publishes a connection event, filling in service and timestamp.
// Never blocks; the oldest listener simply misses the event if the buffer
// is full.
func (b *BaseSession) Emit(evt models.ConnectionEvent) {
	evt.Service = b.service
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	select {
	case b.events <- evt:
	default:
		b.logger.Warn("event buffer full, dropping event", "type", string(evt.Type))
	}
}

// RecordReconnectAttempt bumps the reconnect counter metric.
func (b *BaseSession) RecordReconnectAttempt() {
	if b.metrics != nil {
		b.metrics.ReconnectAttemptsTotal.WithLabelValues(string(b.service)).Inc()
	}
}

// RecordReconnectionLoop bumps the storm-halt counter metric.
func (b *BaseSession) RecordReconnectionLoop() {
	if b.metrics != nil {
		b.metrics.ReconnectionLoopsTotal.WithLabelValues(string(b.service)).Inc()
	}
}

// PersistStatus writes the current state's projection plus a metadata
// patch to the status store. Persistence failures are logged, not
// propagated: the in-memory state machine stays authoritative.
func (b *BaseSession) PersistStatus(ctx context.Context, patch map[string]any) {
	if b.statuses == nil {
		return
	}
	if err := b.statuses.Upsert(ctx, b.service, b.State().Projection(), patch); err != nil {
		b.logger.Error("failed to persist service status", "error", err)
	}
}

type requesterKey struct{}

// WithRequester records who asked for a send (API key name) so sessions
// can stamp it on the ledger row without widening their signatures.
func WithRequester(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, requesterKey{}, name)
}

// RequesterFromContext returns the requester recorded by WithRequester.
func RequesterFromContext(ctx context.Context) string {
	name, _ := ctx.Value(requesterKey{}).(string)
	return name
}

// Deliver runs the uniform send pipeline: record a pending ledger row,
// refuse without network I/O when not connected, otherwise run the
// provider attempt and settle the row exactly once.
//
// attempt returns the provider's external message id on success. Errors
// should be classified channel errors; anything else is treated as an
// internal transport failure.
func (b *BaseSession) Deliver(ctx context.Context, draft models.MessageDraft, attempt func(ctx context.Context) (string, error)) models.SendResult {
	if draft.RequestedBy == "" {
		draft.RequestedBy = RequesterFromContext(ctx)
	}
	msg, err := b.ledger.Create(ctx, draft)
	if err != nil {
		b.logger.Error("failed to record message", "error", err)
		return models.SendResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("failed to record message: %v", err),
			Retryable:    true,
		}
	}

	if !b.IsConnected() {
		reason := ErrConnection(fmt.Sprintf("%s session is not connected", b.service), nil)
		return b.settleFailed(ctx, msg.ID, reason)
	}

	start := time.Now()
	externalID, err := attempt(ctx)
	if b.metrics != nil {
		b.metrics.SendDuration.WithLabelValues(string(b.service)).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		chErr, ok := err.(*Error)
		if !ok {
			chErr = ErrInternal("delivery failed", err)
		}
		return b.settleFailed(ctx, msg.ID, chErr)
	}

	if err := b.ledger.MarkSent(ctx, msg.ID, externalID); err != nil {
		b.logger.Error("failed to mark message sent", "message_id", msg.ID, "error", err)
	}
	if b.metrics != nil {
		b.metrics.MessagesTotal.WithLabelValues(string(b.service), string(models.StatusSent)).Inc()
	}
	return models.SendResult{
		Success:           true,
		MessageID:         msg.ID,
		ExternalMessageID: externalID,
	}
}

func (b *BaseSession) settleFailed(ctx context.Context, messageID string, chErr *Error) models.SendResult {
	reason := chErr.Error()
	if err := b.ledger.MarkFailed(ctx, messageID, reason); err != nil {
		b.logger.Error("failed to mark message failed", "message_id", messageID, "error", err)
	}
	if b.metrics != nil {
		b.metrics.MessagesTotal.WithLabelValues(string(b.service), string(models.StatusFailed)).Inc()
	}
	return models.SendResult{
		Success:      false,
		MessageID:    messageID,
		ErrorMessage: storage.Truncate(reason),
		Retryable:    chErr.Retryable(),
	}
}
