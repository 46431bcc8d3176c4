package models

import (
	"time"
)

// ConnectionState is the externally visible state of a provider session.
type ConnectionState string

const (
	StateConnected      ConnectionState = "connected"
	StateDisconnected   ConnectionState = "disconnected"
	StateAuthenticating ConnectionState = "authenticating"
	StateNotConfigured  ConnectionState = "not_configured"
)

// Metadata keys persisted on a ServiceStatus row. Keys in SensitiveStatusKeys
// are stripped from default reads and must be requested explicitly.
const (
	StatusKeyQRCode      = "qr_code"
	StatusKeyBotToken    = "bot_token"
	StatusKeyServerURL   = "server_url"
	StatusKeyAccessToken = "access_token"
	StatusKeyPhoneNumber = "phone_number"
	StatusKeySession     = "session"
	StatusKeyLastError   = "last_error"
)

// SensitiveStatusKeys are write-only from the API surface.
var SensitiveStatusKeys = []string{
	StatusKeyQRCode,
	StatusKeyBotToken,
	StatusKeyAccessToken,
	StatusKeySession,
}

// ServiceStatus is the durable projection of one provider session's
// connection state. Exactly one row exists per service; only the owning
// session writes it.
type ServiceStatus struct {
	Service     Service         `json:"service"`
	Status      ConnectionState `json:"status"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	LastUpdated time.Time       `json:"last_updated"`
}

// Redacted returns a copy with sensitive metadata keys removed.
func (s *ServiceStatus) Redacted() *ServiceStatus {
	out := &ServiceStatus{
		Service:     s.Service,
		Status:      s.Status,
		LastUpdated: s.LastUpdated,
	}
	if s.Metadata == nil {
		return out
	}
	out.Metadata = make(map[string]any, len(s.Metadata))
	for k, v := range s.Metadata {
		out.Metadata[k] = v
	}
	for _, k := range SensitiveStatusKeys {
		delete(out.Metadata, k)
	}
	return out
}
