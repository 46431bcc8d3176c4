// Package telegram implements the Telegram provider session. The session
// owns a generic sign-in state machine (code and two-factor password
// prompts surface as states); the wire transport behind it is an
// AuthFlow, with the bot-token flow from go-telegram/bot as the stock
// binding.
package telegram

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/haasonsaas/courier/internal/channels"
	"github.com/haasonsaas/courier/internal/observability"
	"github.com/haasonsaas/courier/internal/storage"
	"github.com/haasonsaas/courier/pkg/models"
)

var (
	usernameRe = regexp.MustCompile(`^@[A-Za-z0-9_]{5,32}$`)
	phoneRe    = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)
	chatIDRe   = regexp.MustCompile(`^-?[0-9]+$`)
)

// Session drives the Telegram connection lifecycle. Sign-in either
// completes immediately (bot token) or walks through code_required and
// password_required, each answered at most once via ProvideCode and
// ProvidePassword.
type Session struct {
	*channels.BaseSession
	cfg     Config
	flow    AuthFlow
	limiter *channels.RateLimiter
	reconn  *channels.Reconnector

	mu     sync.Mutex
	client Client
}

// New creates a Telegram session. A nil flow selects the bot-token flow
// built from cfg.Token.
func New(cfg Config, flow AuthFlow, logger *slog.Logger, ledger storage.MessageLedger, statuses storage.StatusStore, metrics *observability.Metrics) (*Session, error) {
	if err := cfg.Validate(flow != nil); err != nil {
		return nil, err
	}
	if flow == nil {
		flow = NewBotTokenFlow(cfg.Token)
	}
	s := &Session{
		BaseSession: channels.NewBaseSession(models.ServiceTelegram, logger, ledger, statuses, metrics),
		cfg:         cfg,
		flow:        flow,
		limiter:     channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
	}
	s.reconn = channels.NewReconnector(cfg.Reconnect, s.Logger(), s.reconnect, s.enterReconnectionLoop)
	return s, nil
}

// Connect begins sign-in. With a bot token it completes synchronously;
// interactive flows leave the session in code_required or
// password_required until the prompt is answered.
func (s *Session) Connect(ctx context.Context) error {
	if s.State() == channels.StateReconnectionLoop {
		s.reconn.Stop()
		s.SetState(channels.StateDisconnected)
	}
	if !s.CasState(channels.StateConnecting,
		channels.StateUninitialized, channels.StateDisconnected) {
		return nil
	}

	step, err := s.flow.Begin(ctx)
	if err != nil {
		return s.failAuth(ctx, "sign-in failed", err)
	}
	s.applyStep(ctx, step)
	return nil
}

// ProvideCode answers a pending login-code prompt. Each prompt accepts
// exactly one answer; a second call is rejected.
func (s *Session) ProvideCode(ctx context.Context, code string) error {
	if strings.TrimSpace(code) == "" {
		return channels.ErrInvalidInput("code is empty", nil)
	}
	if !s.CasState(channels.StateAuthenticating, channels.StateCodeRequired) {
		return channels.ErrInvalidInput("no login code expected", nil)
	}
	s.Emit(models.ConnectionEvent{Type: models.EventAuthenticating})

	step, err := s.flow.SubmitCode(ctx, code)
	if err != nil {
		return s.failAuth(ctx, "login code rejected", err)
	}
	s.applyStep(ctx, step)
	return nil
}

// ProvidePassword answers a pending two-factor password prompt.
func (s *Session) ProvidePassword(ctx context.Context, password string) error {
	if password == "" {
		return channels.ErrInvalidInput("password is empty", nil)
	}
	if !s.CasState(channels.StateAuthenticating, channels.StatePasswordRequired) {
		return channels.ErrInvalidInput("no password expected", nil)
	}
	s.Emit(models.ConnectionEvent{Type: models.EventAuthenticating})

	step, err := s.flow.SubmitPassword(ctx, password)
	if err != nil {
		return s.failAuth(ctx, "password rejected", err)
	}
	s.applyStep(ctx, step)
	return nil
}

func (s *Session) applyStep(ctx context.Context, step AuthStep) {
	switch step.Prompt {
	case PromptCode:
		s.SetState(channels.StateCodeRequired)
		s.PersistStatus(ctx, nil)
		s.Emit(models.ConnectionEvent{Type: models.EventCodeRequired})
		s.Logger().Info("login code required")
	case PromptPassword:
		s.SetState(channels.StatePasswordRequired)
		s.PersistStatus(ctx, nil)
		s.Emit(models.ConnectionEvent{Type: models.EventPasswordRequired})
		s.Logger().Info("two-factor password required")
	default:
		s.mu.Lock()
		s.client = step.Client
		s.mu.Unlock()
		s.reconn.Reset()
		s.SetState(channels.StateConnected)
		s.PersistStatus(ctx, map[string]any{
			models.StatusKeyLastError: nil,
			models.StatusKeySession:   "authorized",
		})
		s.Emit(models.ConnectionEvent{Type: models.EventConnected})
		s.Logger().Info("connected")
	}
}

func (s *Session) failAuth(ctx context.Context, msg string, err error) error {
	s.SetState(channels.StateDisconnected)
	chErr, ok := err.(*channels.Error)
	if !ok {
		chErr = channels.ErrAuthentication(msg, err)
	}
	s.PersistStatus(ctx, map[string]any{models.StatusKeyLastError: chErr.Error()})
	s.Emit(models.ConnectionEvent{Type: models.EventDisconnected, Reason: chErr.Error()})
	s.Logger().Warn(msg, "error", err)
	return chErr
}

// SendText sends a text message. Recipients may be a numeric chat id, a
// @username, or an E.164 phone number.
func (s *Session) SendText(ctx context.Context, recipient, body string, metadata map[string]any) models.SendResult {
	chatID, result, ok := validateRecipient(recipient)
	if !ok {
		return result
	}
	if strings.TrimSpace(body) == "" {
		return models.SendResult{Success: false, ErrorMessage: "message body is empty"}
	}

	draft := models.MessageDraft{
		Service:   models.ServiceTelegram,
		Recipient: recipient,
		Body:      body,
		Metadata:  metadata,
	}
	return s.Deliver(ctx, draft, func(ctx context.Context) (string, error) {
		client, err := s.readyClient(ctx)
		if err != nil {
			return "", err
		}
		sent, err := client.SendMessage(ctx, &bot.SendMessageParams{
			ChatID: chatID,
			Text:   body,
		})
		if err != nil {
			return "", classifySendError(err)
		}
		return strconv.Itoa(sent.ID), nil
	})
}

// SendMedia uploads a local file. Images go out as photos, everything
// else as a document.
func (s *Session) SendMedia(ctx context.Context, recipient, path, caption string, metadata map[string]any) models.SendResult {
	chatID, result, ok := validateRecipient(recipient)
	if !ok {
		return result
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return models.SendResult{Success: false, ErrorMessage: fmt.Sprintf("unreadable media file: %v", err)}
	}
	mimeType := mime.TypeByExtension(filepath.Ext(path))
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	draft := models.MessageDraft{
		Service:   models.ServiceTelegram,
		Recipient: recipient,
		Body:      caption,
		Metadata:  metadata,
	}
	return s.Deliver(ctx, draft, func(ctx context.Context) (string, error) {
		client, err := s.readyClient(ctx)
		if err != nil {
			return "", err
		}
		file := &tgmodels.InputFileUpload{
			Filename: filepath.Base(path),
			Data:     bytes.NewReader(data),
		}

		var sent *tgmodels.Message
		if strings.HasPrefix(mimeType, "image/") {
			sent, err = client.SendPhoto(ctx, &bot.SendPhotoParams{
				ChatID:  chatID,
				Photo:   file,
				Caption: caption,
			})
		} else {
			sent, err = client.SendDocument(ctx, &bot.SendDocumentParams{
				ChatID:   chatID,
				Document: file,
				Caption:  caption,
			})
		}
		if err != nil {
			return "", classifySendError(err)
		}
		return strconv.Itoa(sent.ID), nil
	})
}

// readyClient applies the outbound rate limit and returns the signed-in
// client.
func (s *Session) readyClient(ctx context.Context) (Client, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, channels.ErrConnection("telegram client not signed in", nil)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, channels.ErrTimeout("rate limit wait canceled", err)
	}
	return client, nil
}

// CheckHealth pings the API with the signed-in client. A failed ping
// counts as a transient disconnect and feeds the reconnector.
func (s *Session) CheckHealth(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil || !s.IsConnected() {
		return channels.ErrConnection("telegram session is not connected", nil)
	}
	if _, err := client.GetMe(ctx); err != nil {
		s.handleDropped(fmt.Sprintf("health check failed: %v", err))
		return channels.ErrConnection("telegram health check failed", err)
	}
	return nil
}

// Disconnect drops the signed-in client. Idempotent.
func (s *Session) Disconnect(ctx context.Context) error {
	s.reconn.Cancel()
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()

	if s.State() != channels.StateDisconnected {
		s.SetState(channels.StateDisconnected)
		s.Emit(models.ConnectionEvent{Type: models.EventDisconnected, Reason: "manual disconnect"})
	}
	s.PersistStatus(ctx, nil)
	return nil
}

// ForceReset clears the reconnect counter, drops the client, and signs
// in again.
func (s *Session) ForceReset(ctx context.Context) error {
	s.Logger().Warn("force reset requested")
	s.reconn.Stop()
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
	s.SetState(channels.StateDisconnected)
	s.PersistStatus(ctx, map[string]any{models.StatusKeyLastError: nil})
	s.Emit(models.ConnectionEvent{Type: models.EventDisconnected, Reason: "force reset"})
	return s.Connect(ctx)
}

// StopReconnectionLoop cancels any pending reconnect and clears the
// rapid-failure counter.
func (s *Session) StopReconnectionLoop(ctx context.Context) error {
	s.reconn.Stop()
	if s.CasState(channels.StateDisconnected, channels.StateReconnectionLoop) {
		s.PersistStatus(ctx, map[string]any{models.StatusKeyLastError: nil})
		s.Emit(models.ConnectionEvent{Type: models.EventDisconnected, Reason: "reconnection loop stopped"})
	}
	return nil
}

// Attempts exposes the reconnector's consecutive-disconnect count.
func (s *Session) Attempts() int { return s.reconn.Attempts() }

func (s *Session) handleDropped(reason string) {
	s.Logger().Warn("disconnected", "reason", reason)
	s.mu.Lock()
	s.client = nil
	s.mu.Unlock()
	s.Emit(models.ConnectionEvent{Type: models.EventDisconnected, Reason: reason})
	if s.reconn.HandleDisconnect() {
		s.RecordReconnectAttempt()
		s.SetState(channels.StateDisconnected)
		s.PersistStatus(context.Background(), map[string]any{models.StatusKeyLastError: reason})
	}
}

func (s *Session) enterReconnectionLoop(attempts int) {
	s.RecordReconnectionLoop()
	s.SetState(channels.StateReconnectionLoop)
	reason := fmt.Sprintf("reconnection loop detected after %d rapid disconnects", attempts)
	s.PersistStatus(context.Background(), map[string]any{models.StatusKeyLastError: reason})
	s.Emit(models.ConnectionEvent{
		Type:     models.EventReconnectionLoop,
		Reason:   reason,
		Attempts: attempts,
	})
}

func (s *Session) reconnect() {
	s.Logger().Info("attempting reconnect")
	if err := s.Connect(context.Background()); err != nil {
		s.Logger().Warn("reconnect failed", "error", err)
	}
}

// validateRecipient accepts a numeric chat id, a @username, or an E.164
// phone number. The returned chat id is typed the way the bot API
// expects: int64 for numeric ids, string otherwise.
func validateRecipient(recipient string) (any, models.SendResult, bool) {
	switch {
	case chatIDRe.MatchString(recipient):
		id, err := strconv.ParseInt(recipient, 10, 64)
		if err != nil {
			break
		}
		return id, models.SendResult{}, true
	case usernameRe.MatchString(recipient):
		return recipient, models.SendResult{}, true
	case phoneRe.MatchString(recipient):
		return recipient, models.SendResult{}, true
	}
	return nil, models.SendResult{
		Success:      false,
		ErrorMessage: fmt.Sprintf("invalid recipient %q: expected chat id, @username or E.164 phone number", recipient),
	}, false
}

func classifySendError(err error) error {
	msg := err.Error()
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return channels.ErrTimeout("telegram send timed out", err)
	case strings.Contains(msg, "Too Many Requests"):
		return channels.ErrRateLimit("telegram throttled the send", err)
	case strings.Contains(msg, "chat not found"):
		return channels.ErrNotFound("telegram chat not found", err)
	case strings.Contains(msg, "Forbidden"):
		return channels.ErrPermission("telegram rejected the send", err)
	case strings.Contains(msg, "Unauthorized"):
		return channels.ErrAuthentication("telegram credentials expired", err)
	default:
		return channels.ErrInternal("telegram send failed", err)
	}
}
