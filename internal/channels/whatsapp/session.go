// Package whatsapp implements the WhatsApp provider session over
// whatsmeow. Authentication is QR pairing: the first connect with no
// stored device emits a QR code, and credentials land in a local SQLite
// store managed by whatsmeow.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/haasonsaas/courier/internal/channels"
	"github.com/haasonsaas/courier/internal/observability"
	"github.com/haasonsaas/courier/internal/storage"
	"github.com/haasonsaas/courier/pkg/models"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for the whatsmeow device store
)

// e164 matches international phone numbers in E.164 form.
var e164 = regexp.MustCompile(`^\+[1-9][0-9]{6,14}$`)

// waClient is the slice of *whatsmeow.Client the session uses. Tests
// substitute a fake.
type waClient interface {
	AddEventHandler(handler whatsmeow.EventHandler) uint32
	Connect() error
	Disconnect()
	IsConnected() bool
	GetQRChannel(ctx context.Context) (<-chan whatsmeow.QRChannelItem, error)
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
	Upload(ctx context.Context, plaintext []byte, appInfo whatsmeow.MediaType) (whatsmeow.UploadResponse, error)
}

// deviceStore is the slice of *sqlstore.Container the session uses.
type deviceStore interface {
	GetFirstDevice(ctx context.Context) (*store.Device, error)
	Close() error
}

// Session drives the WhatsApp connection lifecycle:
//
//	uninitialized -> connecting -> qr_pending -> authenticating -> connected
//
// Transient drops feed the reconnector; protocol-fatal drops (stream
// replaced, stream errors) park the session in stream_error until an
// operator runs RecoverFromStreamError or CleanRestart.
type Session struct {
	*channels.BaseSession
	cfg Config

	openStore func(ctx context.Context, path string) (deviceStore, error)
	newClient func(device *store.Device) waClient

	reconn *channels.Reconnector

	mu       sync.Mutex
	store    deviceStore
	client   waClient
	qr       string
	closing  bool
	cancelQR context.CancelFunc
	wg       sync.WaitGroup
}

// New creates a WhatsApp session. The device store is opened lazily on
// the first Connect so a clean restart can remove it safely.
func New(cfg Config, logger *slog.Logger, ledger storage.MessageLedger, statuses storage.StatusStore, metrics *observability.Metrics) (*Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(cfg.SessionPath), 0o755); err != nil {
		return nil, channels.ErrConfig("failed to create session directory", err)
	}

	s := &Session{
		BaseSession: channels.NewBaseSession(models.ServiceWhatsApp, logger, ledger, statuses, metrics),
		cfg:         cfg,
		openStore:   openSQLStore,
		newClient:   defaultNewClient,
	}
	s.reconn = channels.NewReconnector(cfg.Reconnect, s.Logger(), s.reconnect, s.enterReconnectionLoop)
	return s, nil
}

func openSQLStore(ctx context.Context, path string) (deviceStore, error) {
	container, err := sqlstore.New(ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=on", path), waLog.Noop)
	if err != nil {
		return nil, err
	}
	return container, nil
}

func defaultNewClient(device *store.Device) waClient {
	cli := whatsmeow.NewClient(device, waLog.Noop)
	// The session's reconnector owns retry policy.
	cli.EnableAutoReconnect = false
	return cli
}

// Connect establishes (or re-establishes) the WhatsApp session. With no
// stored device it starts QR pairing and returns immediately; the QR code
// surfaces through events and the status store. Calling Connect while
// already connecting, pairing or connected is a no-op.
func (s *Session) Connect(ctx context.Context) error {
	if s.State() == channels.StateStreamError {
		s.Logger().Warn("connect refused while in stream error, run recovery first")
		return channels.ErrConnection("session is in stream error, recovery required", nil)
	}
	if s.State() == channels.StateReconnectionLoop {
		// Manual reconnect clears the storm counter.
		s.reconn.Stop()
		s.SetState(channels.StateDisconnected)
	}
	if s.State() == channels.StateQRPending {
		// Pairing is already underway; the code is on the event stream
		// and in the status row. Reconnecting here would fight the
		// pairing socket.
		return nil
	}
	if !s.CasState(channels.StateConnecting,
		channels.StateUninitialized, channels.StateDisconnected) {
		return nil
	}

	client, needPairing, err := s.ensureClient(ctx)
	if err != nil {
		s.SetState(channels.StateDisconnected)
		s.PersistStatus(ctx, map[string]any{models.StatusKeyLastError: err.Error()})
		return err
	}

	if needPairing {
		qrCtx, cancel := context.WithCancel(context.Background())
		s.mu.Lock()
		s.cancelQR = cancel
		s.mu.Unlock()

		qrChan, err := client.GetQRChannel(qrCtx)
		if err != nil {
			cancel()
			s.SetState(channels.StateDisconnected)
			s.PersistStatus(ctx, map[string]any{models.StatusKeyLastError: err.Error()})
			return channels.ErrConnection("failed to open QR channel", err)
		}
		if err := client.Connect(); err != nil {
			cancel()
			s.SetState(channels.StateDisconnected)
			s.PersistStatus(ctx, map[string]any{models.StatusKeyLastError: err.Error()})
			return channels.ErrConnection("failed to connect for pairing", err)
		}
		s.wg.Add(1)
		go s.watchQR(qrCtx, qrChan)
	} else {
		if err := client.Connect(); err != nil {
			s.SetState(channels.StateDisconnected)
			s.PersistStatus(ctx, map[string]any{models.StatusKeyLastError: err.Error()})
			return channels.ErrConnection("failed to connect", err)
		}
		s.SetState(channels.StateAuthenticating)
	}

	s.PersistStatus(ctx, nil)
	return nil
}

// ensureClient opens the device store and builds the whatsmeow client if
// needed. It reports whether QR pairing is required.
func (s *Session) ensureClient(ctx context.Context) (waClient, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, false, nil
	}
	if s.store == nil {
		container, err := s.openStore(ctx, s.cfg.SessionPath)
		if err != nil {
			return nil, false, channels.ErrConfig("failed to open session store", err)
		}
		s.store = container
	}
	device, err := s.store.GetFirstDevice(ctx)
	if err != nil {
		return nil, false, channels.ErrConnection("failed to load device", err)
	}
	client := s.newClient(device)
	client.AddEventHandler(s.handleEvent)
	s.client = client
	return client, device.ID == nil, nil
}

// watchQR forwards pairing codes from whatsmeow to the status store and
// the event stream. Pairing has no deadline of its own; it ends when the
// code is scanned, the channel closes, or the session tears down.
func (s *Session) watchQR(ctx context.Context, ch <-chan whatsmeow.QRChannelItem) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			switch evt.Event {
			case "code":
				s.setQR(evt.Code)
				s.SetState(channels.StateQRPending)
				s.PersistStatus(ctx, map[string]any{models.StatusKeyQRCode: evt.Code})
				s.Emit(models.ConnectionEvent{Type: models.EventQRReady, QRCode: evt.Code})
				s.Logger().Info("QR code ready for pairing")
			case "success":
				s.setQR("")
				s.SetState(channels.StateAuthenticating)
				s.PersistStatus(ctx, map[string]any{models.StatusKeyQRCode: nil})
				s.Emit(models.ConnectionEvent{Type: models.EventAuthenticating})
			default:
				s.Logger().Warn("pairing ended", "event", evt.Event)
			}
		}
	}
}

// handleEvent is the whatsmeow event handler. Close reasons split four
// ways: explicit logout clears credentials with no reconnect, stream
// replacement and stream errors park the session for operator recovery,
// and everything else is a transient drop eligible for auto-reconnect.
func (s *Session) handleEvent(evt any) {
	switch v := evt.(type) {
	case *events.Connected:
		s.handleConnected()
	case *events.PairSuccess:
		s.Logger().Info("device paired", "jid", v.ID.String())
	case *events.LoggedOut:
		s.handleLoggedOut(fmt.Sprintf("logged out by provider: %v", v.Reason))
	case *events.StreamReplaced:
		s.enterStreamError("stream replaced by another client")
	case *events.StreamError:
		s.enterStreamError(fmt.Sprintf("stream error (code %s)", v.Code))
	case *events.TemporaryBan:
		s.handleLoggedOut(fmt.Sprintf("temporarily banned: %v (expires in %s)", v.Code, v.Expire))
	case *events.ConnectFailure:
		if v.Reason.IsLoggedOut() {
			s.handleLoggedOut(fmt.Sprintf("connect rejected: %v", v.Reason))
		} else {
			s.handleDropped(fmt.Sprintf("connect failure: %v", v.Reason))
		}
	case *events.Disconnected:
		s.handleDropped("connection closed")
	case *events.KeepAliveTimeout:
		s.Logger().Warn("keepalive timeout", "error_count", v.ErrorCount)
	}
}

func (s *Session) handleConnected() {
	s.reconn.Reset()
	s.setQR("")
	s.SetState(channels.StateConnected)
	s.PersistStatus(context.Background(), map[string]any{
		models.StatusKeyQRCode:    nil,
		models.StatusKeyLastError: nil,
		models.StatusKeySession:   "paired",
	})
	s.Emit(models.ConnectionEvent{Type: models.EventConnected})
	s.Logger().Info("connected")
}

// handleLoggedOut handles a credential-fatal close: the stored session is
// dropped so the next Connect starts fresh QR pairing, and no reconnect
// is scheduled.
func (s *Session) handleLoggedOut(reason string) {
	s.Logger().Warn("session logged out", "reason", reason)
	s.reconn.Stop()
	s.setQR("")
	s.teardownClient()
	s.closeStoreAndRemoveFiles()
	s.SetState(channels.StateDisconnected)
	if st := s.Statuses(); st != nil {
		if err := st.ClearSensitive(context.Background(), models.ServiceWhatsApp); err != nil {
			s.Logger().Error("failed to clear credentials from status", "error", err)
		}
	}
	s.PersistStatus(context.Background(), map[string]any{models.StatusKeyLastError: reason})
	s.Emit(models.ConnectionEvent{Type: models.EventDisconnected, Reason: reason})
}

// enterStreamError parks the session after a protocol-fatal close. The
// local session storage is discarded immediately so a process restart
// cannot resurrect the broken stream; no automatic reconnection, an
// operator must run RecoverFromStreamError.
func (s *Session) enterStreamError(reason string) {
	s.Logger().Error("stream error, operator recovery required", "reason", reason)
	s.reconn.Cancel()
	s.setQR("")
	s.teardownClient()
	s.closeStoreAndRemoveFiles()
	s.SetState(channels.StateStreamError)
	if st := s.Statuses(); st != nil {
		if err := st.ClearSensitive(context.Background(), models.ServiceWhatsApp); err != nil {
			s.Logger().Error("failed to clear credentials from status", "error", err)
		}
	}
	s.PersistStatus(context.Background(), map[string]any{models.StatusKeyLastError: reason})
	s.Emit(models.ConnectionEvent{Type: models.EventStreamError, Reason: reason})
}

// handleDropped handles a transient disconnect.
func (s *Session) handleDropped(reason string) {
	if s.isClosing() {
		return
	}
	s.Logger().Warn("disconnected", "reason", reason)
	s.Emit(models.ConnectionEvent{Type: models.EventDisconnected, Reason: reason})
	if s.reconn.HandleDisconnect() {
		s.RecordReconnectAttempt()
		s.SetState(channels.StateDisconnected)
		s.PersistStatus(context.Background(), map[string]any{models.StatusKeyLastError: reason})
	}
}

// enterReconnectionLoop fires when the rapid-failure ceiling is reached.
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

// reconnect runs on the backoff timer.
func (s *Session) reconnect() {
	if s.isClosing() {
		return
	}
	s.Logger().Info("attempting reconnect")
	if err := s.Connect(context.Background()); err != nil {
		s.Logger().Warn("reconnect failed", "error", err)
	}
}

// SendText sends a plain text message to an E.164 phone number.
func (s *Session) SendText(ctx context.Context, recipient, body string, metadata map[string]any) models.SendResult {
	jid, result, ok := s.validateRecipient(recipient)
	if !ok {
		return result
	}
	if strings.TrimSpace(body) == "" {
		return models.SendResult{Success: false, ErrorMessage: "message body is empty"}
	}

	draft := models.MessageDraft{
		Service:   models.ServiceWhatsApp,
		Recipient: recipient,
		Body:      body,
		Metadata:  metadata,
	}
	return s.Deliver(ctx, draft, func(ctx context.Context) (string, error) {
		client := s.currentClient()
		if client == nil {
			return "", channels.ErrConnection("whatsapp client not initialized", nil)
		}
		resp, err := client.SendMessage(ctx, jid, &waE2E.Message{
			Conversation: proto.String(body),
		})
		if err != nil {
			return "", classifySendError(err)
		}
		return string(resp.ID), nil
	})
}

// SendMedia uploads a local file and sends it with an optional caption.
// The media kind is picked from the MIME type the way WhatsApp expects:
// image, video and audio get native messages, everything else becomes a
// document.
func (s *Session) SendMedia(ctx context.Context, recipient, path, caption string, metadata map[string]any) models.SendResult {
	jid, result, ok := s.validateRecipient(recipient)
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
		Service:   models.ServiceWhatsApp,
		Recipient: recipient,
		Body:      caption,
		Metadata:  metadata,
	}
	return s.Deliver(ctx, draft, func(ctx context.Context) (string, error) {
		client := s.currentClient()
		if client == nil {
			return "", channels.ErrConnection("whatsapp client not initialized", nil)
		}

		uploadType := mediaTypeFor(mimeType)
		uploaded, err := client.Upload(ctx, data, uploadType)
		if err != nil {
			return "", channels.ErrInternal("failed to upload media", err)
		}
		waMsg := buildMediaMessage(uploadType, uploaded, mimeType, filepath.Base(path), caption)

		resp, err := client.SendMessage(ctx, jid, waMsg)
		if err != nil {
			return "", classifySendError(err)
		}
		return string(resp.ID), nil
	})
}

func (s *Session) validateRecipient(recipient string) (types.JID, models.SendResult, bool) {
	if !e164.MatchString(recipient) {
		return types.JID{}, models.SendResult{
			Success:      false,
			ErrorMessage: fmt.Sprintf("invalid recipient %q: expected E.164 phone number", recipient),
		}, false
	}
	return types.NewJID(strings.TrimPrefix(recipient, "+"), types.DefaultUserServer), models.SendResult{}, true
}

func mediaTypeFor(mimeType string) whatsmeow.MediaType {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return whatsmeow.MediaImage
	case strings.HasPrefix(mimeType, "video/"):
		return whatsmeow.MediaVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return whatsmeow.MediaAudio
	default:
		return whatsmeow.MediaDocument
	}
}

func buildMediaMessage(uploadType whatsmeow.MediaType, uploaded whatsmeow.UploadResponse, mimeType, filename, caption string) *waE2E.Message {
	var captionPtr *string
	if caption != "" {
		captionPtr = proto.String(caption)
	}
	switch uploadType {
	case whatsmeow.MediaImage:
		return &waE2E.Message{
			ImageMessage: &waE2E.ImageMessage{
				URL:           &uploaded.URL,
				DirectPath:    &uploaded.DirectPath,
				MediaKey:      uploaded.MediaKey,
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    &uploaded.FileLength,
				Mimetype:      &mimeType,
				Caption:       captionPtr,
			},
		}
	case whatsmeow.MediaVideo:
		return &waE2E.Message{
			VideoMessage: &waE2E.VideoMessage{
				URL:           &uploaded.URL,
				DirectPath:    &uploaded.DirectPath,
				MediaKey:      uploaded.MediaKey,
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    &uploaded.FileLength,
				Mimetype:      &mimeType,
				Caption:       captionPtr,
			},
		}
	case whatsmeow.MediaAudio:
		return &waE2E.Message{
			AudioMessage: &waE2E.AudioMessage{
				URL:           &uploaded.URL,
				DirectPath:    &uploaded.DirectPath,
				MediaKey:      uploaded.MediaKey,
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    &uploaded.FileLength,
				Mimetype:      &mimeType,
			},
		}
	default:
		return &waE2E.Message{
			DocumentMessage: &waE2E.DocumentMessage{
				URL:           &uploaded.URL,
				DirectPath:    &uploaded.DirectPath,
				MediaKey:      uploaded.MediaKey,
				FileEncSHA256: uploaded.FileEncSHA256,
				FileSHA256:    uploaded.FileSHA256,
				FileLength:    &uploaded.FileLength,
				Mimetype:      &mimeType,
				FileName:      &filename,
				Caption:       captionPtr,
			},
		}
	}
}

func classifySendError(err error) error {
	switch {
	case errors.Is(err, whatsmeow.ErrNotConnected):
		return channels.ErrConnection("whatsapp connection lost", err)
	case errors.Is(err, context.DeadlineExceeded):
		return channels.ErrTimeout("whatsapp send timed out", err)
	default:
		return channels.ErrInternal("whatsapp send failed", err)
	}
}

// Disconnect tears down the connection but keeps stored credentials.
// Idempotent; safe mid-pairing and mid-backoff.
func (s *Session) Disconnect(ctx context.Context) error {
	s.setClosing(true)
	defer s.setClosing(false)

	s.reconn.Cancel()
	s.cancelPairing()
	s.teardownClient()
	s.setQR("")

	if s.State() != channels.StateDisconnected {
		s.SetState(channels.StateDisconnected)
		s.Emit(models.ConnectionEvent{Type: models.EventDisconnected, Reason: "manual disconnect"})
	}
	s.PersistStatus(ctx, map[string]any{models.StatusKeyQRCode: nil})
	return nil
}

// ForceReset tears down the in-memory session, clears the reconnect
// counter, and reconnects with the stored credentials.
func (s *Session) ForceReset(ctx context.Context) error {
	s.Logger().Warn("force reset requested")
	s.setClosing(true)
	s.reconn.Stop()
	s.cancelPairing()
	s.teardownClient()
	s.setQR("")
	s.setClosing(false)

	s.SetState(channels.StateDisconnected)
	s.PersistStatus(ctx, map[string]any{
		models.StatusKeyQRCode:    nil,
		models.StatusKeyLastError: nil,
	})
	s.Emit(models.ConnectionEvent{Type: models.EventDisconnected, Reason: "force reset"})
	return s.Connect(ctx)
}

// CleanRestart discards local credentials entirely: the device store is
// closed and its files removed, sensitive status metadata is cleared, and
// the session reconnects into fresh QR pairing.
func (s *Session) CleanRestart(ctx context.Context) error {
	s.Logger().Warn("clean restart requested, local session will be discarded")
	s.setClosing(true)
	s.reconn.Stop()
	s.cancelPairing()
	s.teardownClient()
	s.closeStoreAndRemoveFiles()
	s.setQR("")
	s.setClosing(false)

	if st := s.Statuses(); st != nil {
		if err := st.ClearSensitive(ctx, models.ServiceWhatsApp); err != nil {
			s.Logger().Error("failed to clear credentials from status", "error", err)
		}
	}
	s.SetState(channels.StateDisconnected)
	s.PersistStatus(ctx, map[string]any{models.StatusKeyLastError: nil})
	s.Emit(models.ConnectionEvent{Type: models.EventDisconnected, Reason: "clean restart"})
	return s.Connect(ctx)
}

// RecoverFromStreamError is the operator action that clears a
// stream_error. It is a clean restart gated on actually being in that
// state.
func (s *Session) RecoverFromStreamError(ctx context.Context) error {
	if s.State() != channels.StateStreamError {
		return channels.ErrInvalidInput("session is not in stream error", nil)
	}
	return s.CleanRestart(ctx)
}

// StopReconnectionLoop cancels any pending reconnect and clears the
// rapid-failure counter. The session stays disconnected until an
// explicit Connect.
func (s *Session) StopReconnectionLoop(ctx context.Context) error {
	s.reconn.Stop()
	if s.CasState(channels.StateDisconnected, channels.StateReconnectionLoop) {
		s.PersistStatus(ctx, map[string]any{models.StatusKeyLastError: nil})
		s.Emit(models.ConnectionEvent{Type: models.EventDisconnected, Reason: "reconnection loop stopped"})
	}
	return nil
}

// QR returns the current pairing code, or empty when none is pending.
func (s *Session) QR() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.qr
}

// WaitForQR blocks until a pairing code is available or the timeout
// elapses. Useful for admin endpoints that trigger Connect and want to
// hand the QR back in the same request.
func (s *Session) WaitForQR(ctx context.Context, timeout time.Duration) (string, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(100 * time.Millisecond)
	defer tick.Stop()

	for {
		if qr := s.QR(); qr != "" {
			return qr, nil
		}
		if s.IsConnected() {
			return "", channels.ErrInvalidInput("already connected, no pairing in progress", nil)
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", channels.ErrTimeout("timed out waiting for QR code", nil)
		case <-tick.C:
		}
	}
}

// Attempts exposes the reconnector's consecutive-disconnect count.
func (s *Session) Attempts() int { return s.reconn.Attempts() }

// Close releases the session's resources.
func (s *Session) Close() error {
	if err := s.Disconnect(context.Background()); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil {
		err := s.store.Close()
		s.store = nil
		return err
	}
	return nil
}

func (s *Session) currentClient() waClient {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (s *Session) setQR(code string) {
	s.mu.Lock()
	s.qr = code
	s.mu.Unlock()
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Session) setClosing(v bool) {
	s.mu.Lock()
	s.closing = v
	s.mu.Unlock()
}

func (s *Session) cancelPairing() {
	s.mu.Lock()
	cancel := s.cancelQR
	s.cancelQR = nil
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()
}

func (s *Session) teardownClient() {
	s.mu.Lock()
	client := s.client
	s.client = nil
	s.mu.Unlock()
	if client != nil {
		client.Disconnect()
	}
}

// closeStoreAndRemoveFiles drops the whatsmeow device store from disk so
// the next Connect starts with fresh pairing.
func (s *Session) closeStoreAndRemoveFiles() {
	s.mu.Lock()
	st := s.store
	s.store = nil
	s.mu.Unlock()
	if st != nil {
		if err := st.Close(); err != nil {
			s.Logger().Warn("failed to close session store", "error", err)
		}
	}
	for _, suffix := range []string{"", "-wal", "-shm"} {
		path := s.cfg.SessionPath + suffix
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			s.Logger().Warn("failed to remove session file", "path", path, "error", err)
		}
	}
}
