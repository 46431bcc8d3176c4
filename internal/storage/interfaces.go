package storage

import (
	"context"
	"errors"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/courier/pkg/models"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrTerminal is returned when a mark operation targets a message that
	// already reached sent or failed. Status transitions happen at most
	// once.
	ErrTerminal = errors.New("message already in terminal state")
)

// MessageLedger is the durable record of every delivery attempt and the
// sole source of truth for message status.
type MessageLedger interface {
	// Create persists a new pending message. It either fully succeeds or
	// returns an error; there are no partial writes.
	Create(ctx context.Context, draft models.MessageDraft) (*models.Message, error)

	// Get returns a message by id, or ErrNotFound.
	Get(ctx context.Context, id string) (*models.Message, error)

	// MarkSent transitions a pending message to sent with the provider's
	// external id. Returns ErrTerminal if the message is no longer pending.
	MarkSent(ctx context.Context, id, externalID string) error

	// MarkFailed transitions a pending message to failed. The reason is
	// truncated to models.MaxErrorMessageLen. Returns ErrTerminal if the
	// message is no longer pending.
	MarkFailed(ctx context.Context, id, reason string) error

	// FindPending returns up to limit messages still awaiting an outcome,
	// oldest first.
	FindPending(ctx context.Context, limit int) ([]*models.Message, error)

	// FindFailedForRetry returns failed messages newer than the window,
	// oldest first, for the batch retry worker.
	FindFailedForRetry(ctx context.Context, window time.Duration, limit int) ([]*models.Message, error)

	// Stats aggregates counts by service and status.
	Stats(ctx context.Context) (*models.MessageStats, error)

	// DeleteOlderThan removes messages older than the given age. Returns
	// the number of rows removed.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}

// StatusStore is the single source of truth for each provider's connection
// state and credentials.
type StatusStore interface {
	// Upsert atomically creates or updates a service's status row,
	// merging the metadata patch into existing metadata. A nil value in
	// the patch deletes that key. Readers never observe a
	// partially-initialized row.
	Upsert(ctx context.Context, service models.Service, state models.ConnectionState, patch map[string]any) error

	// Get returns the row for one service. Sensitive metadata keys are
	// stripped unless includeSensitive is set.
	Get(ctx context.Context, service models.Service, includeSensitive bool) (*models.ServiceStatus, error)

	// All returns every row, redacted.
	All(ctx context.Context) ([]*models.ServiceStatus, error)

	// ClearSensitive removes sensitive metadata keys from a row, keeping
	// state and the remaining metadata intact.
	ClearSensitive(ctx context.Context, service models.Service) error

	// Ping verifies the underlying store is reachable.
	Ping(ctx context.Context) error
}

// Stores groups the persistence dependencies handed to the orchestrator.
type Stores struct {
	Messages MessageLedger
	Statuses StatusStore
	closer   func() error
}

// NewStores builds a store set with an optional closer.
func NewStores(messages MessageLedger, statuses StatusStore, closer func() error) Stores {
	return Stores{Messages: messages, Statuses: statuses, closer: closer}
}

// Close releases any underlying resources.
func (s Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// Truncate bounds a failure reason to the ledger's storage limit,
// cutting on a rune boundary so the result stays valid UTF-8.
func Truncate(reason string) string {
	if len(reason) <= models.MaxErrorMessageLen {
		return reason
	}
	cut := models.MaxErrorMessageLen
	for cut > 0 && !utf8.RuneStart(reason[cut]) {
		cut--
	}
	return reason[:cut]
}
