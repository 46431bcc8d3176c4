package storage

import (
	"context"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/haasonsaas/courier/pkg/models"
)

func createMessage(t *testing.T, ledger MessageLedger, service models.Service) *models.Message {
	t.Helper()
	msg, err := ledger.Create(context.Background(), models.MessageDraft{
		Service:   service,
		Recipient: "+15551234567",
		Body:      "build green",
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return msg
}

func TestLedgerCreateStartsPending(t *testing.T) {
	ledger := NewMemoryLedger()
	msg := createMessage(t, ledger, models.ServiceWhatsApp)

	if msg.Status != models.StatusPending {
		t.Errorf("status = %q, want pending", msg.Status)
	}
	if msg.ID == "" {
		t.Error("no id assigned")
	}

	got, err := ledger.Get(context.Background(), msg.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Recipient != msg.Recipient || got.Body != msg.Body {
		t.Error("stored message does not match draft")
	}
}

func TestLedgerGetUnknownID(t *testing.T) {
	ledger := NewMemoryLedger()
	if _, err := ledger.Get(context.Background(), "missing"); err != ErrNotFound {
		t.Errorf("Get = %v, want ErrNotFound", err)
	}
}

func TestLedgerTransitionsAreTerminal(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()

	sent := createMessage(t, ledger, models.ServiceTelegram)
	if err := ledger.MarkSent(ctx, sent.ID, "ext-1"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}
	if err := ledger.MarkFailed(ctx, sent.ID, "late failure"); err != ErrTerminal {
		t.Errorf("MarkFailed after sent = %v, want ErrTerminal", err)
	}
	if err := ledger.MarkSent(ctx, sent.ID, "ext-2"); err != ErrTerminal {
		t.Errorf("second MarkSent = %v, want ErrTerminal", err)
	}

	failed := createMessage(t, ledger, models.ServiceTelegram)
	if err := ledger.MarkFailed(ctx, failed.ID, "boom"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	if err := ledger.MarkSent(ctx, failed.ID, "ext-3"); err != ErrTerminal {
		t.Errorf("MarkSent after failed = %v, want ErrTerminal", err)
	}

	got, _ := ledger.Get(ctx, sent.ID)
	if got.Status != models.StatusSent || got.ExternalMessageID != "ext-1" {
		t.Errorf("sent row mutated: status=%q external=%q", got.Status, got.ExternalMessageID)
	}
}

func TestLedgerTruncatesFailureReason(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	msg := createMessage(t, ledger, models.ServiceMattermost)

	long := strings.Repeat("e", models.MaxErrorMessageLen+500)
	if err := ledger.MarkFailed(ctx, msg.ID, long); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got, _ := ledger.Get(ctx, msg.ID)
	if len(got.ErrorMessage) != models.MaxErrorMessageLen {
		t.Errorf("error length = %d, want %d", len(got.ErrorMessage), models.MaxErrorMessageLen)
	}

	// A reason exactly at the limit survives untouched.
	exact := strings.Repeat("e", models.MaxErrorMessageLen)
	msg2 := createMessage(t, ledger, models.ServiceMattermost)
	if err := ledger.MarkFailed(ctx, msg2.ID, exact); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}
	got2, _ := ledger.Get(ctx, msg2.ID)
	if got2.ErrorMessage != exact {
		t.Error("reason at the limit was altered")
	}
}

func TestLedgerFindPendingHonorsLimitAndOrder(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()

	first := createMessage(t, ledger, models.ServiceTelegram)
	second := createMessage(t, ledger, models.ServiceTelegram)
	done := createMessage(t, ledger, models.ServiceTelegram)
	_ = ledger.MarkSent(ctx, done.ID, "ext")

	pending, err := ledger.FindPending(ctx, 1)
	if err != nil {
		t.Fatalf("FindPending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != first.ID {
		t.Errorf("FindPending(1) returned %d rows, want the oldest pending", len(pending))
	}

	pending, _ = ledger.FindPending(ctx, 0)
	if len(pending) != 2 {
		t.Errorf("pending rows = %d, want 2", len(pending))
	}
	if pending[1].ID != second.ID {
		t.Error("pending rows out of creation order")
	}
}

func TestLedgerStats(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()

	sent := createMessage(t, ledger, models.ServiceTelegram)
	_ = ledger.MarkSent(ctx, sent.ID, "ext")
	failed := createMessage(t, ledger, models.ServiceTelegram)
	_ = ledger.MarkFailed(ctx, failed.ID, "boom")
	createMessage(t, ledger, models.ServiceWhatsApp)

	stats, err := ledger.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Total != 3 {
		t.Errorf("total = %d, want 3", stats.Total)
	}
	if stats.ByService[models.ServiceTelegram][models.StatusSent] != 1 {
		t.Error("telegram sent count wrong")
	}
	if stats.ByService[models.ServiceTelegram][models.StatusFailed] != 1 {
		t.Error("telegram failed count wrong")
	}
	if stats.ByService[models.ServiceWhatsApp][models.StatusPending] != 1 {
		t.Error("whatsapp pending count wrong")
	}
}

func TestLedgerReturnsCopies(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	msg, err := ledger.Create(ctx, models.MessageDraft{
		Service:   models.ServiceTelegram,
		Recipient: "@ops",
		Body:      "hi",
		Metadata:  map[string]any{"k": "v"},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	got, _ := ledger.Get(ctx, msg.ID)
	got.Body = "tampered"
	got.Metadata["k"] = "tampered"

	again, _ := ledger.Get(ctx, msg.ID)
	if again.Body != "hi" || again.Metadata["k"] != "v" {
		t.Error("caller mutation leaked into the ledger")
	}
}

func TestStatusUpsertMergesAndDeletes(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStatusStore()

	err := store.Upsert(ctx, models.ServiceWhatsApp, models.StateDisconnected, map[string]any{
		models.StatusKeyQRCode:    "2@abc",
		models.StatusKeyLastError: "boom",
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Second write merges the patch and deletes nil-valued keys.
	err = store.Upsert(ctx, models.ServiceWhatsApp, models.StateConnected, map[string]any{
		models.StatusKeyQRCode:    nil,
		models.StatusKeySession:   "paired",
		models.StatusKeyLastError: nil,
	})
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	row, err := store.Get(ctx, models.ServiceWhatsApp, true)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row.Status != models.StateConnected {
		t.Errorf("status = %q, want connected", row.Status)
	}
	if _, ok := row.Metadata[models.StatusKeyQRCode]; ok {
		t.Error("nil patch value did not delete qr_code")
	}
	if _, ok := row.Metadata[models.StatusKeyLastError]; ok {
		t.Error("nil patch value did not delete last_error")
	}
	if row.Metadata[models.StatusKeySession] != "paired" {
		t.Error("merged key missing")
	}
	if row.LastUpdated.IsZero() {
		t.Error("last_updated not set")
	}
}

func TestStatusGetRedactsByDefault(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStatusStore()
	_ = store.Upsert(ctx, models.ServiceTelegram, models.StateConnected, map[string]any{
		models.StatusKeyBotToken:  "123:abc",
		models.StatusKeyLastError: "old failure",
	})

	row, err := store.Get(ctx, models.ServiceTelegram, false)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if _, ok := row.Metadata[models.StatusKeyBotToken]; ok {
		t.Error("bot_token visible in redacted read")
	}
	if row.Metadata[models.StatusKeyLastError] != "old failure" {
		t.Error("non-sensitive key stripped")
	}

	sensitive, _ := store.Get(ctx, models.ServiceTelegram, true)
	if sensitive.Metadata[models.StatusKeyBotToken] != "123:abc" {
		t.Error("bot_token missing from sensitive read")
	}
}

func TestStatusClearSensitive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStatusStore()
	_ = store.Upsert(ctx, models.ServiceWhatsApp, models.StateConnected, map[string]any{
		models.StatusKeyQRCode:      "2@abc",
		models.StatusKeySession:     "paired",
		models.StatusKeyPhoneNumber: "+15551234567",
	})

	if err := store.ClearSensitive(ctx, models.ServiceWhatsApp); err != nil {
		t.Fatalf("ClearSensitive: %v", err)
	}
	row, _ := store.Get(ctx, models.ServiceWhatsApp, true)
	for _, key := range models.SensitiveStatusKeys {
		if _, ok := row.Metadata[key]; ok {
			t.Errorf("sensitive key %q survived ClearSensitive", key)
		}
	}
	if row.Metadata[models.StatusKeyPhoneNumber] != "+15551234567" {
		t.Error("non-sensitive metadata lost")
	}
	if row.Status != models.StateConnected {
		t.Error("state changed by ClearSensitive")
	}
}

func TestStatusAllIsStableAndRedacted(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStatusStore()
	_ = store.Upsert(ctx, models.ServiceMattermost, models.StateConnected, map[string]any{
		models.StatusKeyAccessToken: "tok",
	})
	_ = store.Upsert(ctx, models.ServiceWhatsApp, models.StateDisconnected, nil)

	rows, err := store.All(ctx)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	// Service enumeration order, not insertion order.
	if rows[0].Service != models.ServiceWhatsApp || rows[1].Service != models.ServiceMattermost {
		t.Errorf("order = %s,%s", rows[0].Service, rows[1].Service)
	}
	if _, ok := rows[1].Metadata[models.StatusKeyAccessToken]; ok {
		t.Error("access_token leaked through All")
	}
}

func TestDeleteOlderThanKeepsRecent(t *testing.T) {
	ctx := context.Background()
	ledger := NewMemoryLedger()
	createMessage(t, ledger, models.ServiceTelegram)

	removed, err := ledger.DeleteOlderThan(ctx, time.Hour)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d recent rows, want 0", removed)
	}

	time.Sleep(5 * time.Millisecond)
	removed, err = ledger.DeleteOlderThan(ctx, time.Millisecond)
	if err != nil {
		t.Fatalf("DeleteOlderThan: %v", err)
	}
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
}

func TestTruncate(t *testing.T) {
	if got := Truncate("short"); got != "short" {
		t.Errorf("Truncate(short) = %q", got)
	}
	long := strings.Repeat("a", models.MaxErrorMessageLen+1)
	if got := Truncate(long); len(got) != models.MaxErrorMessageLen {
		t.Errorf("Truncate length = %d, want %d", len(got), models.MaxErrorMessageLen)
	}

	// A rune ending exactly at the limit is kept whole.
	exact := strings.Repeat("a", models.MaxErrorMessageLen-2) + "éé"
	got := Truncate(exact)
	if len(got) != models.MaxErrorMessageLen || !strings.HasSuffix(got, "é") {
		t.Errorf("Truncate length = %d, suffix %q; want %d ending in é",
			len(got), got[len(got)-2:], models.MaxErrorMessageLen)
	}

	// A rune straddling the limit is dropped whole, never split.
	straddle := strings.Repeat("a", models.MaxErrorMessageLen-1) + "éé"
	got = Truncate(straddle)
	if !utf8.ValidString(got) {
		t.Errorf("Truncate produced invalid UTF-8: %q", got[len(got)-4:])
	}
	if len(got) != models.MaxErrorMessageLen-1 || strings.ContainsRune(got, 'é') {
		t.Errorf("Truncate length = %d, want %d with the straddling rune dropped",
			len(got), models.MaxErrorMessageLen-1)
	}
}
