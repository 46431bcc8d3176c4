// Package mattermost implements the Mattermost provider session over the
// official Client4 REST client. There is no pairing step: Connect
// verifies the access token with GetMe and the session is considered
// connected from then on, with periodic health checks feeding the
// reconnector.
package mattermost

import (
	"context"
	"fmt"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/haasonsaas/courier/internal/channels"
	"github.com/haasonsaas/courier/internal/observability"
	"github.com/haasonsaas/courier/internal/storage"
	"github.com/haasonsaas/courier/pkg/models"
)

// channelIDRe matches Mattermost's 26-character ids.
var channelIDRe = regexp.MustCompile(`^[a-z0-9]{26}$`)

// api is the slice of *model.Client4 the session uses. Tests substitute
// a fake.
type api interface {
	GetMe(ctx context.Context, etag string) (*model.User, *model.Response, error)
	GetPing(ctx context.Context) (string, *model.Response, error)
	CreatePost(ctx context.Context, post *model.Post) (*model.Post, *model.Response, error)
	GetUserByEmail(ctx context.Context, email, etag string) (*model.User, *model.Response, error)
	CreateDirectChannel(ctx context.Context, userID1, userID2 string) (*model.Channel, *model.Response, error)
	UploadFile(ctx context.Context, data []byte, channelID, filename string) (*model.FileUploadResponse, *model.Response, error)
}

// Session drives the Mattermost connection lifecycle.
type Session struct {
	*channels.BaseSession
	cfg     Config
	limiter *channels.RateLimiter
	reconn  *channels.Reconnector

	newClient func(serverURL, token string) api

	mu        sync.Mutex
	client    api
	botUserID string
}

// New creates a Mattermost session.
func New(cfg Config, logger *slog.Logger, ledger storage.MessageLedger, statuses storage.StatusStore, metrics *observability.Metrics) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Session{
		BaseSession: channels.NewBaseSession(models.ServiceMattermost, logger, ledger, statuses, metrics),
		cfg:         cfg,
		limiter:     channels.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		newClient:   newClient4,
	}
	s.reconn = channels.NewReconnector(cfg.Reconnect, s.Logger(), s.reconnect, s.enterReconnectionLoop)
	return s, nil
}

func newClient4(serverURL, token string) api {
	client := model.NewAPIv4Client(serverURL)
	client.SetToken(token)
	return client
}

// Connect verifies the token with a GetMe call. Success is a full
// connection; there is no intermediate pairing state for Mattermost.
func (s *Session) Connect(ctx context.Context) error {
	if s.State() == channels.StateReconnectionLoop {
		s.reconn.Stop()
		s.SetState(channels.StateDisconnected)
	}
	if !s.CasState(channels.StateConnecting,
		channels.StateUninitialized, channels.StateDisconnected) {
		return nil
	}

	client := s.newClient(s.cfg.ServerURL, s.cfg.Token)
	me, _, err := client.GetMe(ctx, "")
	if err != nil {
		s.SetState(channels.StateDisconnected)
		chErr := channels.ErrAuthentication("mattermost rejected access token", err)
		s.PersistStatus(ctx, map[string]any{models.StatusKeyLastError: chErr.Error()})
		s.Emit(models.ConnectionEvent{Type: models.EventDisconnected, Reason: chErr.Error()})
		return chErr
	}

	s.mu.Lock()
	s.client = client
	s.botUserID = me.Id
	s.mu.Unlock()

	s.reconn.Reset()
	s.SetState(channels.StateConnected)
	s.PersistStatus(ctx, map[string]any{
		models.StatusKeyLastError: nil,
		models.StatusKeyServerURL: s.cfg.ServerURL,
	})
	s.Emit(models.ConnectionEvent{Type: models.EventConnected})
	s.Logger().Info("connected", "bot_user", me.Username)
	return nil
}

// SendText posts a message to a channel by its 26-character id.
func (s *Session) SendText(ctx context.Context, recipient, body string, metadata map[string]any) models.SendResult {
	if !channelIDRe.MatchString(recipient) {
		return models.SendResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("invalid recipient %q: expected 26-character channel id", recipient),
		}
	}
	if strings.TrimSpace(body) == "" {
		return models.SendResult{Success: false, ErrorMessage: "message body is empty"}
	}

	draft := models.MessageDraft{
		Service:   models.ServiceMattermost,
		Recipient: recipient,
		Body:      body,
		Metadata:  metadata,
	}
	return s.Deliver(ctx, draft, func(ctx context.Context) (string, error) {
		client, err := s.readyClient(ctx)
		if err != nil {
			return "", err
		}
		return s.createPost(ctx, client, recipient, body, nil)
	})
}

// SendTextByEmail resolves a user by email and posts into a direct
// channel with them. An unknown email fails the message with "user not
// found" and no channel is created.
func (s *Session) SendTextByEmail(ctx context.Context, email, body string, metadata map[string]any) models.SendResult {
	if _, err := mail.ParseAddress(email); err != nil {
		return models.SendResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("invalid recipient %q: expected email address", email),
		}
	}
	if strings.TrimSpace(body) == "" {
		return models.SendResult{Success: false, ErrorMessage: "message body is empty"}
	}

	draft := models.MessageDraft{
		Service:   models.ServiceMattermost,
		Recipient: email,
		Body:      body,
		Metadata:  metadata,
	}
	return s.Deliver(ctx, draft, func(ctx context.Context) (string, error) {
		client, err := s.readyClient(ctx)
		if err != nil {
			return "", err
		}
		user, _, err := client.GetUserByEmail(ctx, email, "")
		if err != nil {
			return "", channels.ErrNotFound(fmt.Sprintf("user not found: %s", email), err)
		}
		s.mu.Lock()
		botID := s.botUserID
		s.mu.Unlock()
		channel, _, err := client.CreateDirectChannel(ctx, botID, user.Id)
		if err != nil {
			return "", channels.ErrInternal("failed to open direct channel", err)
		}
		return s.createPost(ctx, client, channel.Id, body, nil)
	})
}

// SendMedia uploads a local file to the channel and posts it with an
// optional caption.
func (s *Session) SendMedia(ctx context.Context, recipient, path, caption string, metadata map[string]any) models.SendResult {
	if !channelIDRe.MatchString(recipient) {
		return models.SendResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("invalid recipient %q: expected 26-character channel id", recipient),
		}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return models.SendResult{Success: false, ErrorMessage: fmt.Sprintf("unreadable media file: %v", err)}
	}

	draft := models.MessageDraft{
		Service:   models.ServiceMattermost,
		Recipient: recipient,
		Body:      caption,
		Metadata:  metadata,
	}
	return s.Deliver(ctx, draft, func(ctx context.Context) (string, error) {
		client, err := s.readyClient(ctx)
		if err != nil {
			return "", err
		}
		upload, _, err := client.UploadFile(ctx, data, recipient, filepath.Base(path))
		if err != nil {
			return "", channels.ErrInternal("failed to upload file", err)
		}
		fileIDs := make([]string, 0, len(upload.FileInfos))
		for _, info := range upload.FileInfos {
			fileIDs = append(fileIDs, info.Id)
		}
		return s.createPost(ctx, client, recipient, caption, fileIDs)
	})
}

func (s *Session) createPost(ctx context.Context, client api, channelID, message string, fileIDs []string) (string, error) {
	post := &model.Post{
		ChannelId: channelID,
		Message:   message,
	}
	if len(fileIDs) > 0 {
		post.FileIds = model.StringArray(fileIDs)
	}
	sent, resp, err := client.CreatePost(ctx, post)
	if err != nil {
		return "", classifyPostError(resp, err)
	}
	return sent.Id, nil
}

func classifyPostError(resp *model.Response, err error) error {
	if resp != nil {
		switch resp.StatusCode {
		case 401:
			return channels.ErrAuthentication("mattermost token expired", err)
		case 403:
			return channels.ErrPermission("mattermost rejected the post", err)
		case 404:
			return channels.ErrNotFound("mattermost channel not found", err)
		case 429:
			return channels.ErrRateLimit("mattermost throttled the post", err)
		}
	}
	return channels.ErrInternal("mattermost post failed", err)
}

// readyClient applies the outbound rate limit and returns the verified
// client.
func (s *Session) readyClient(ctx context.Context) (api, error) {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil {
		return nil, channels.ErrConnection("mattermost client not initialized", nil)
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, channels.ErrTimeout("rate limit wait canceled", err)
	}
	return client, nil
}

// CheckHealth pings the server. A failed ping counts as a transient
// disconnect and feeds the reconnector.
func (s *Session) CheckHealth(ctx context.Context) error {
	s.mu.Lock()
	client := s.client
	s.mu.Unlock()
	if client == nil || !s.IsConnected() {
		return channels.ErrConnection("mattermost session is not connected", nil)
	}
	if _, _, err := client.GetPing(ctx); err != nil {
		s.handleDropped(fmt.Sprintf("health check failed: %v", err))
		return channels.ErrConnection("mattermost health check failed", err)
	}
	return nil
}

// Disconnect drops the client. Idempotent.
func (s *Session) Disconnect(ctx context.Context) error {
	s.reconn.Cancel()
	s.mu.Lock()
	s.client = nil
	s.botUserID = ""
	s.mu.Unlock()

	if s.State() != channels.StateDisconnected {
		s.SetState(channels.StateDisconnected)
		s.Emit(models.ConnectionEvent{Type: models.EventDisconnected, Reason: "manual disconnect"})
	}
	s.PersistStatus(ctx, nil)
	return nil
}

// ForceReset clears the reconnect counter, drops the client, and
// verifies the token again.
func (s *Session) ForceReset(ctx context.Context) error {
	s.Logger().Warn("force reset requested")
	s.reconn.Stop()
	s.mu.Lock()
	s.client = nil
	s.botUserID = ""
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
