package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/haasonsaas/courier/internal/channels"
	"github.com/haasonsaas/courier/pkg/models"
)

// Connect connects one service's session.
func (s *Service) Connect(ctx context.Context, service models.Service) error {
	session, err := s.Session(service)
	if err != nil {
		return err
	}
	return session.Connect(ctx)
}

// Disconnect disconnects one service's session.
func (s *Service) Disconnect(ctx context.Context, service models.Service) error {
	session, err := s.Session(service)
	if err != nil {
		return err
	}
	return session.Disconnect(ctx)
}

// ForceReset tears down and rebuilds a session, keeping credentials.
func (s *Service) ForceReset(ctx context.Context, service models.Service) error {
	switch service {
	case models.ServiceWhatsApp:
		if s.whatsapp == nil {
			return errNotConfigured(service)
		}
		return s.whatsapp.ForceReset(ctx)
	case models.ServiceTelegram:
		if s.telegram == nil {
			return errNotConfigured(service)
		}
		return s.telegram.ForceReset(ctx)
	case models.ServiceMattermost:
		if s.mattermost == nil {
			return errNotConfigured(service)
		}
		return s.mattermost.ForceReset(ctx)
	default:
		return channels.ErrInvalidInput(fmt.Sprintf("unknown service %q", service), nil)
	}
}

// CleanRestart discards WhatsApp's local credentials and re-pairs.
// Only WhatsApp keeps pairing state on disk, so only it supports this.
func (s *Service) CleanRestart(ctx context.Context, service models.Service) error {
	if service != models.ServiceWhatsApp {
		return channels.ErrInvalidInput(fmt.Sprintf("clean restart is not supported for %s", service), nil)
	}
	if s.whatsapp == nil {
		return errNotConfigured(service)
	}
	return s.whatsapp.CleanRestart(ctx)
}

// RecoverFromStreamError clears a WhatsApp stream_error via clean restart.
func (s *Service) RecoverFromStreamError(ctx context.Context, service models.Service) error {
	if service != models.ServiceWhatsApp {
		return channels.ErrInvalidInput(fmt.Sprintf("stream error recovery is not supported for %s", service), nil)
	}
	if s.whatsapp == nil {
		return errNotConfigured(service)
	}
	return s.whatsapp.RecoverFromStreamError(ctx)
}

// StopReconnectionLoop halts a session's automatic reconnection and
// clears its rapid-failure counter.
func (s *Service) StopReconnectionLoop(ctx context.Context, service models.Service) error {
	switch service {
	case models.ServiceWhatsApp:
		if s.whatsapp == nil {
			return errNotConfigured(service)
		}
		return s.whatsapp.StopReconnectionLoop(ctx)
	case models.ServiceTelegram:
		if s.telegram == nil {
			return errNotConfigured(service)
		}
		return s.telegram.StopReconnectionLoop(ctx)
	case models.ServiceMattermost:
		if s.mattermost == nil {
			return errNotConfigured(service)
		}
		return s.mattermost.StopReconnectionLoop(ctx)
	default:
		return channels.ErrInvalidInput(fmt.Sprintf("unknown service %q", service), nil)
	}
}

// ProvideTelegramCode answers Telegram's pending login-code prompt.
func (s *Service) ProvideTelegramCode(ctx context.Context, code string) error {
	if s.telegram == nil {
		return errNotConfigured(models.ServiceTelegram)
	}
	return s.telegram.ProvideCode(ctx, code)
}

// ProvideTelegramPassword answers Telegram's pending two-factor prompt.
func (s *Service) ProvideTelegramPassword(ctx context.Context, password string) error {
	if s.telegram == nil {
		return errNotConfigured(models.ServiceTelegram)
	}
	return s.telegram.ProvidePassword(ctx, password)
}

// WhatsAppQR returns the current pairing code, waiting up to the given
// timeout for one to appear. Whether the wait is zero or expires, no
// pending code reads as not-found rather than a timeout.
func (s *Service) WhatsAppQR(ctx context.Context, wait time.Duration) (string, error) {
	if s.whatsapp == nil {
		return "", errNotConfigured(models.ServiceWhatsApp)
	}
	if qr := s.whatsapp.QR(); qr != "" {
		return qr, nil
	}
	if wait <= 0 {
		return "", channels.ErrNotFound("no QR code pending", nil)
	}
	qr, err := s.whatsapp.WaitForQR(ctx, wait)
	if err != nil && channels.GetErrorCode(err) == channels.ErrCodeTimeout {
		return "", channels.ErrNotFound("no QR code pending", nil)
	}
	return qr, err
}

func errNotConfigured(service models.Service) error {
	return channels.ErrConfig(fmt.Sprintf("service %s is not configured", service), nil)
}
