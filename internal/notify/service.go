// Package notify is the orchestrator: it owns the provider sessions,
// fans their connection events into one stream, and exposes the
// operations the gateway serves.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/courier/internal/channels"
	"github.com/haasonsaas/courier/internal/channels/mattermost"
	"github.com/haasonsaas/courier/internal/channels/telegram"
	"github.com/haasonsaas/courier/internal/channels/whatsapp"
	"github.com/haasonsaas/courier/internal/observability"
	"github.com/haasonsaas/courier/internal/storage"
	"github.com/haasonsaas/courier/pkg/models"
)

// Config selects which provider sessions to run. A nil entry leaves that
// service unconfigured.
type Config struct {
	WhatsApp   *whatsapp.Config
	Telegram   *telegram.Config
	Mattermost *mattermost.Config

	// AutoConnect connects every configured session on Start.
	AutoConnect bool
}

// Service wires sessions, storage and events together.
type Service struct {
	logger  *slog.Logger
	stores  storage.Stores
	metrics *observability.Metrics
	cfg     Config

	whatsapp   *whatsapp.Session
	telegram   *telegram.Session
	mattermost *mattermost.Session
	sessions   map[models.Service]channels.Session

	events chan models.ConnectionEvent
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService builds the orchestrator and its configured sessions.
func NewService(cfg Config, stores storage.Stores, logger *slog.Logger, metrics *observability.Metrics) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger:   logger.With("component", "notify"),
		stores:   stores,
		metrics:  metrics,
		cfg:      cfg,
		sessions: make(map[models.Service]channels.Session),
		events:   make(chan models.ConnectionEvent, 256),
	}

	if cfg.WhatsApp != nil {
		session, err := whatsapp.New(*cfg.WhatsApp, logger, stores.Messages, stores.Statuses, metrics)
		if err != nil {
			return nil, fmt.Errorf("whatsapp session: %w", err)
		}
		s.whatsapp = session
		s.sessions[models.ServiceWhatsApp] = session
	}
	if cfg.Telegram != nil {
		session, err := telegram.New(*cfg.Telegram, nil, logger, stores.Messages, stores.Statuses, metrics)
		if err != nil {
			return nil, fmt.Errorf("telegram session: %w", err)
		}
		s.telegram = session
		s.sessions[models.ServiceTelegram] = session
	}
	if cfg.Mattermost != nil {
		session, err := mattermost.New(*cfg.Mattermost, logger, stores.Messages, stores.Statuses, metrics)
		if err != nil {
			return nil, fmt.Errorf("mattermost session: %w", err)
		}
		s.mattermost = session
		s.sessions[models.ServiceMattermost] = session
	}
	return s, nil
}

// Start verifies storage, seeds one status row per service, starts the
// event fan-in, and (optionally) connects every configured session.
// Connect failures do not fail boot; they land in the status rows.
func (s *Service) Start(ctx context.Context) error {
	if err := s.stores.Statuses.Ping(ctx); err != nil {
		return fmt.Errorf("storage unavailable: %w", err)
	}

	for _, service := range models.Services() {
		state := models.StateNotConfigured
		if _, ok := s.sessions[service]; ok {
			state = models.StateDisconnected
		}
		if err := s.stores.Statuses.Upsert(ctx, service, state, nil); err != nil {
			return fmt.Errorf("seed status for %s: %w", service, err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	for _, session := range s.sessions {
		s.wg.Add(1)
		go s.forwardEvents(runCtx, session)
	}

	if s.cfg.AutoConnect {
		for service, session := range s.sessions {
			service, session := service, session
			go func() {
				if err := session.Connect(ctx); err != nil {
					s.logger.Warn("initial connect failed", "service", string(service), "error", err)
				}
			}()
		}
	}
	s.logger.Info("notification service started", "services", len(s.sessions))
	return nil
}

// Stop disconnects every session and stops the event fan-in.
func (s *Service) Stop(ctx context.Context) error {
	for service, session := range s.sessions {
		if err := session.Disconnect(ctx); err != nil {
			s.logger.Warn("disconnect failed", "service", string(service), "error", err)
		}
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	close(s.events)
	return nil
}

// forwardEvents copies one session's events into the aggregate stream.
func (s *Service) forwardEvents(ctx context.Context, session channels.Session) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-session.Events():
			if !ok {
				return
			}
			s.logger.Info("connection event",
				"service", string(evt.Service),
				"type", string(evt.Type),
				"reason", evt.Reason)
			select {
			case s.events <- evt:
			default:
				s.logger.Warn("event stream full, dropping event", "type", string(evt.Type))
			}
		}
	}
}

// Events is the aggregate connection event stream.
func (s *Service) Events() <-chan models.ConnectionEvent { return s.events }

// Session returns the generic session for a service.
func (s *Service) Session(service models.Service) (channels.Session, error) {
	session, ok := s.sessions[service]
	if !ok {
		return nil, channels.ErrConfig(fmt.Sprintf("service %s is not configured", service), nil)
	}
	return session, nil
}

// WhatsApp returns the WhatsApp session, or nil when unconfigured.
func (s *Service) WhatsApp() *whatsapp.Session { return s.whatsapp }

// Telegram returns the Telegram session, or nil when unconfigured.
func (s *Service) Telegram() *telegram.Session { return s.telegram }

// Mattermost returns the Mattermost session, or nil when unconfigured.
func (s *Service) Mattermost() *mattermost.Session { return s.mattermost }

// SendWhatsApp sends a text message to an E.164 phone number.
func (s *Service) SendWhatsApp(ctx context.Context, recipient, body string, metadata map[string]any) models.SendResult {
	if s.whatsapp == nil {
		return notConfigured(models.ServiceWhatsApp)
	}
	return s.whatsapp.SendText(ctx, recipient, body, metadata)
}

// SendTelegram sends a text message to a chat id, @username or phone.
func (s *Service) SendTelegram(ctx context.Context, recipient, body string, metadata map[string]any) models.SendResult {
	if s.telegram == nil {
		return notConfigured(models.ServiceTelegram)
	}
	return s.telegram.SendText(ctx, recipient, body, metadata)
}

// SendMattermost sends a text message to a channel id, or to a user by
// email when the recipient contains "@".
func (s *Service) SendMattermost(ctx context.Context, recipient, body string, metadata map[string]any) models.SendResult {
	if s.mattermost == nil {
		return notConfigured(models.ServiceMattermost)
	}
	if isEmail(recipient) {
		return s.mattermost.SendTextByEmail(ctx, recipient, body, metadata)
	}
	return s.mattermost.SendText(ctx, recipient, body, metadata)
}

// Send dispatches to the service named in the draft.
func (s *Service) Send(ctx context.Context, service models.Service, recipient, body string, metadata map[string]any) models.SendResult {
	switch service {
	case models.ServiceWhatsApp:
		return s.SendWhatsApp(ctx, recipient, body, metadata)
	case models.ServiceTelegram:
		return s.SendTelegram(ctx, recipient, body, metadata)
	case models.ServiceMattermost:
		return s.SendMattermost(ctx, recipient, body, metadata)
	default:
		return models.SendResult{Success: false, ErrorMessage: fmt.Sprintf("unknown service %q", service)}
	}
}

// SendMedia dispatches a media send to the service.
func (s *Service) SendMedia(ctx context.Context, service models.Service, recipient, path, caption string, metadata map[string]any) models.SendResult {
	session, err := s.Session(service)
	if err != nil {
		return notConfigured(service)
	}
	return session.SendMedia(ctx, recipient, path, caption, metadata)
}

func notConfigured(service models.Service) models.SendResult {
	return models.SendResult{
		Success:      false,
		ErrorMessage: fmt.Sprintf("service %s is not configured", service),
	}
}

func isEmail(recipient string) bool {
	for _, c := range recipient {
		if c == '@' {
			return true
		}
	}
	return false
}

// Message returns one ledger row by id.
func (s *Service) Message(ctx context.Context, id string) (*models.Message, error) {
	return s.stores.Messages.Get(ctx, id)
}

// Stats aggregates ledger counts.
func (s *Service) Stats(ctx context.Context) (*models.MessageStats, error) {
	return s.stores.Messages.Stats(ctx)
}

// Status returns the persisted status row for one service.
func (s *Service) Status(ctx context.Context, service models.Service, includeSensitive bool) (*models.ServiceStatus, error) {
	return s.stores.Statuses.Get(ctx, service, includeSensitive)
}

// Statuses returns every persisted status row, redacted.
func (s *Service) Statuses(ctx context.Context) ([]*models.ServiceStatus, error) {
	return s.stores.Statuses.All(ctx)
}

// ServiceHealth is one provider's slice of the health report.
type ServiceHealth struct {
	Configured bool           `json:"configured"`
	Connected  bool           `json:"connected"`
	State      channels.State `json:"state,omitempty"`
}

// HealthReport is the aggregate health view. Healthy means storage is
// reachable; provider disconnects degrade the report without failing it.
type HealthReport struct {
	Healthy   bool                             `json:"healthy"`
	Storage   string                           `json:"storage"`
	Services  map[models.Service]ServiceHealth `json:"services"`
	CheckedAt time.Time                        `json:"checked_at"`
}

// Health inspects storage and every session. It never returns an error:
// failures are reported inside the result so a health endpoint cannot
// itself fall over.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Healthy:   true,
		Storage:   "ok",
		Services:  make(map[models.Service]ServiceHealth, len(models.Services())),
		CheckedAt: time.Now().UTC(),
	}
	if err := s.stores.Statuses.Ping(ctx); err != nil {
		report.Healthy = false
		report.Storage = err.Error()
	}
	for _, service := range models.Services() {
		session, ok := s.sessions[service]
		if !ok {
			report.Services[service] = ServiceHealth{Configured: false}
			continue
		}
		report.Services[service] = ServiceHealth{
			Configured: true,
			Connected:  session.IsConnected(),
			State:      session.State(),
		}
	}
	return report
}

// CheckSessions runs the active providers' health probes. Used by the
// periodic watchdog; failures feed each session's reconnector.
func (s *Service) CheckSessions(ctx context.Context) {
	if s.telegram != nil && s.telegram.IsConnected() {
		if err := s.telegram.CheckHealth(ctx); err != nil {
			s.logger.Warn("telegram health probe failed", "error", err)
		}
	}
	if s.mattermost != nil && s.mattermost.IsConnected() {
		if err := s.mattermost.CheckHealth(ctx); err != nil {
			s.logger.Warn("mattermost health probe failed", "error", err)
		}
	}
}
