package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/haasonsaas/courier/internal/auth"
	"github.com/haasonsaas/courier/internal/channels/telegram"
	"github.com/haasonsaas/courier/internal/notify"
	"github.com/haasonsaas/courier/internal/storage"
	"github.com/haasonsaas/courier/pkg/models"
)

func newTestServer(t *testing.T) (http.Handler, storage.Stores) {
	t.Helper()
	stores := storage.NewStores(storage.NewMemoryLedger(), storage.NewMemoryStatusStore(), nil)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	notifier, err := notify.NewService(notify.Config{
		Telegram: &telegram.Config{Token: "123:abc"},
	}, stores, logger, nil)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if err := notifier.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = notifier.Stop(context.Background()) })

	authService := auth.NewService([]auth.KeyConfig{
		{Name: "ci", Secret: "test-secret"},
		{Name: "mm-only", Secret: "mm-secret", Services: []models.Service{models.ServiceMattermost}},
	}, logger)

	server := NewServer(Config{}, notifier, authService, logger, nil)
	return server.Handler(), stores
}

func doJSON(t *testing.T, handler http.Handler, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	r := httptest.NewRequest(method, path, &buf)
	if key != "" {
		r.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)
	return w
}

func TestHealthzIsOpen(t *testing.T) {
	handler, _ := newTestServer(t)

	w := doJSON(t, handler, http.MethodGet, "/healthz", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var report notify.HealthReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !report.Healthy {
		t.Error("healthy = false")
	}
}

func TestSendRequiresAPIKey(t *testing.T) {
	handler, _ := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/notifications/telegram", "",
		sendRequest{Recipient: "@ops", Message: "hi"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestSendRejectsUnknownService(t *testing.T) {
	handler, _ := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/notifications/pager", "test-secret",
		sendRequest{Recipient: "x", Message: "hi"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestSendEnforcesServicePermission(t *testing.T) {
	handler, _ := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/notifications/telegram", "mm-secret",
		sendRequest{Recipient: "@ops_room", Message: "hi"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
}

func TestSendWhileDisconnectedRecordsFailure(t *testing.T) {
	handler, stores := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/notifications/telegram", "test-secret",
		sendRequest{Recipient: "@ops_room", Message: "deploy done"})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502, body %s", w.Code, w.Body.String())
	}
	var result models.SendResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if result.Success {
		t.Error("success = true for disconnected send")
	}
	if !result.Retryable {
		t.Error("retryable = false for disconnected send")
	}

	msg, err := stores.Messages.Get(context.Background(), result.MessageID)
	if err != nil {
		t.Fatalf("Get message: %v", err)
	}
	if msg.Status != models.StatusFailed {
		t.Errorf("message status = %q, want failed", msg.Status)
	}
	if msg.RequestedBy != "ci" {
		t.Errorf("requested_by = %q, want ci", msg.RequestedBy)
	}
}

func TestSendValidationRejectedBeforeLedger(t *testing.T) {
	handler, stores := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/notifications/telegram", "test-secret",
		sendRequest{Recipient: "not a chat", Message: "hi"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	pending, err := stores.Messages.FindPending(context.Background(), 10)
	if err != nil {
		t.Fatalf("FindPending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("ledger rows after validation failure = %d, want 0", len(pending))
	}
}

func TestStatusEndpointsRedactByDefault(t *testing.T) {
	handler, stores := newTestServer(t)

	err := stores.Statuses.Upsert(context.Background(), models.ServiceTelegram,
		models.StateDisconnected, map[string]any{
			models.StatusKeyBotToken:  "123:abc",
			models.StatusKeyLastError: "boom",
		})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	w := doJSON(t, handler, http.MethodGet, "/admin/telegram/status", "test-secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var status models.ServiceStatus
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := status.Metadata[models.StatusKeyBotToken]; ok {
		t.Error("bot_token leaked through default read")
	}
	if status.Metadata[models.StatusKeyLastError] != "boom" {
		t.Error("non-sensitive metadata missing")
	}

	w = doJSON(t, handler, http.MethodGet, "/admin/telegram/status?include_sensitive=true", "test-secret", nil)
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode sensitive: %v", err)
	}
	if status.Metadata[models.StatusKeyBotToken] != "123:abc" {
		t.Error("bot_token missing from sensitive read")
	}
}

func TestStatusListsAllServices(t *testing.T) {
	handler, _ := newTestServer(t)

	w := doJSON(t, handler, http.MethodGet, "/admin/status", "test-secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var statuses []*models.ServiceStatus
	if err := json.Unmarshal(w.Body.Bytes(), &statuses); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(statuses) != len(models.Services()) {
		t.Errorf("statuses = %d, want %d", len(statuses), len(models.Services()))
	}
}

func TestGetMessageNotFound(t *testing.T) {
	handler, _ := newTestServer(t)

	w := doJSON(t, handler, http.MethodGet, "/messages/nope", "test-secret", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestTelegramCodeWithoutPromptRejected(t *testing.T) {
	handler, _ := newTestServer(t)

	w := doJSON(t, handler, http.MethodPost, "/admin/telegram/provide-code", "test-secret",
		codeRequest{Code: "12345"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400, body %s", w.Code, w.Body.String())
	}
}

func TestWhatsAppOpsUnconfigured(t *testing.T) {
	handler, _ := newTestServer(t)

	w := doJSON(t, handler, http.MethodGet, "/admin/whatsapp/qr?wait=0s", "test-secret", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("qr status = %d, want 409", w.Code)
	}
	w = doJSON(t, handler, http.MethodPost, "/admin/whatsapp/clean-restart", "test-secret", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("clean-restart status = %d, want 409", w.Code)
	}
}
