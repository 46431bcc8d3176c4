package channels

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/haasonsaas/courier/internal/storage"
	"github.com/haasonsaas/courier/pkg/models"
)

func newTestBase(t *testing.T) (*BaseSession, *storage.MemoryLedger) {
	t.Helper()
	ledger := storage.NewMemoryLedger()
	base := NewBaseSession(models.ServiceTelegram, testLogger(), ledger, storage.NewMemoryStatusStore(), nil)
	return base, ledger
}

func draft(body string) models.MessageDraft {
	return models.MessageDraft{
		Service:   models.ServiceTelegram,
		Recipient: "@ops_room",
		Body:      body,
	}
}

func TestDeliverSuccess(t *testing.T) {
	base, ledger := newTestBase(t)
	base.SetState(StateConnected)

	result := base.Deliver(context.Background(), draft("hello"), func(ctx context.Context) (string, error) {
		return "ext-42", nil
	})
	if !result.Success {
		t.Fatalf("success = false: %s", result.ErrorMessage)
	}
	if result.ExternalMessageID != "ext-42" {
		t.Errorf("external id = %q, want ext-42", result.ExternalMessageID)
	}

	msg, err := ledger.Get(context.Background(), result.MessageID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != models.StatusSent {
		t.Errorf("status = %q, want sent", msg.Status)
	}
	if msg.ExternalMessageID != "ext-42" {
		t.Errorf("ledger external id = %q, want ext-42", msg.ExternalMessageID)
	}
}

func TestDeliverWhileDisconnectedSkipsAttempt(t *testing.T) {
	base, ledger := newTestBase(t)

	attempted := false
	result := base.Deliver(context.Background(), draft("hello"), func(ctx context.Context) (string, error) {
		attempted = true
		return "", nil
	})
	if attempted {
		t.Error("attempt ran while disconnected")
	}
	if result.Success {
		t.Error("success = true while disconnected")
	}
	if !result.Retryable {
		t.Error("disconnected failure must be retryable")
	}

	msg, err := ledger.Get(context.Background(), result.MessageID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.Status != models.StatusFailed {
		t.Errorf("status = %q, want failed", msg.Status)
	}
	if !strings.Contains(msg.ErrorMessage, "not connected") {
		t.Errorf("error = %q, want a not-connected reason", msg.ErrorMessage)
	}
}

func TestDeliverClassifiesAttemptError(t *testing.T) {
	base, ledger := newTestBase(t)
	base.SetState(StateConnected)

	result := base.Deliver(context.Background(), draft("hello"), func(ctx context.Context) (string, error) {
		return "", ErrRateLimit("Too Many Requests", nil)
	})
	if result.Success {
		t.Fatal("success = true for failed attempt")
	}
	if !result.Retryable {
		t.Error("rate limit failure must be retryable")
	}

	msg, _ := ledger.Get(context.Background(), result.MessageID)
	if !strings.HasPrefix(msg.ErrorMessage, "["+string(ErrCodeRateLimit)+"]") {
		t.Errorf("error = %q, want rate limit classification", msg.ErrorMessage)
	}
}

func TestDeliverWrapsUnclassifiedError(t *testing.T) {
	base, ledger := newTestBase(t)
	base.SetState(StateConnected)

	result := base.Deliver(context.Background(), draft("hello"), func(ctx context.Context) (string, error) {
		return "", errors.New("socket closed unexpectedly")
	})
	if result.Retryable {
		t.Error("unclassified failure must not be retryable")
	}
	msg, _ := ledger.Get(context.Background(), result.MessageID)
	if !strings.HasPrefix(msg.ErrorMessage, "["+string(ErrCodeInternal)+"]") {
		t.Errorf("error = %q, want internal classification", msg.ErrorMessage)
	}
}

func TestDeliverTruncatesLongFailureReason(t *testing.T) {
	base, ledger := newTestBase(t)
	base.SetState(StateConnected)

	long := strings.Repeat("x", 5000)
	result := base.Deliver(context.Background(), draft("hello"), func(ctx context.Context) (string, error) {
		return "", ErrInternal(long, nil)
	})
	if len(result.ErrorMessage) != models.MaxErrorMessageLen {
		t.Errorf("result error length = %d, want %d", len(result.ErrorMessage), models.MaxErrorMessageLen)
	}
	msg, _ := ledger.Get(context.Background(), result.MessageID)
	if len(msg.ErrorMessage) != models.MaxErrorMessageLen {
		t.Errorf("ledger error length = %d, want %d", len(msg.ErrorMessage), models.MaxErrorMessageLen)
	}
}

func TestDeliverStampsRequesterFromContext(t *testing.T) {
	base, ledger := newTestBase(t)

	ctx := WithRequester(context.Background(), "ci")
	result := base.Deliver(ctx, draft("hello"), nil)

	msg, err := ledger.Get(context.Background(), result.MessageID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if msg.RequestedBy != "ci" {
		t.Errorf("requested_by = %q, want ci", msg.RequestedBy)
	}
}

func TestCasStateSerializesConnect(t *testing.T) {
	base, _ := newTestBase(t)

	if !base.CasState(StateConnecting, StateUninitialized, StateDisconnected) {
		t.Fatal("initial transition refused")
	}
	if base.CasState(StateConnecting, StateUninitialized, StateDisconnected) {
		t.Fatal("second connect won the CAS while already connecting")
	}
	if base.State() != StateConnecting {
		t.Errorf("state = %q, want connecting", base.State())
	}
}

func TestEmitNeverBlocks(t *testing.T) {
	base, _ := newTestBase(t)

	// Nobody is draining the stream; fill it past capacity.
	for i := 0; i < eventBuffer+10; i++ {
		base.Emit(models.ConnectionEvent{Type: models.EventDisconnected})
	}

	evt := <-base.Events()
	if evt.Service != models.ServiceTelegram {
		t.Errorf("event service = %q, want telegram", evt.Service)
	}
	if evt.Timestamp.IsZero() {
		t.Error("event timestamp not filled in")
	}
}
