package models

import (
	"time"
)

// Service identifies a messaging provider.
type Service string

const (
	ServiceWhatsApp   Service = "whatsapp"
	ServiceTelegram   Service = "telegram"
	ServiceMattermost Service = "mattermost"
)

// Services lists every known provider in a stable order.
func Services() []Service {
	return []Service{ServiceWhatsApp, ServiceTelegram, ServiceMattermost}
}

// Valid reports whether the service is one of the known providers.
func (s Service) Valid() bool {
	switch s {
	case ServiceWhatsApp, ServiceTelegram, ServiceMattermost:
		return true
	}
	return false
}

// MessageStatus is the delivery state of a message.
type MessageStatus string

const (
	StatusPending MessageStatus = "pending"
	StatusSent    MessageStatus = "sent"
	StatusFailed  MessageStatus = "failed"
)

// MaxErrorMessageLen caps the stored failure reason.
const MaxErrorMessageLen = 1000

// Message is one delivery attempt recorded in the ledger.
//
// A message is created with StatusPending before any network I/O happens
// and transitions exactly once to StatusSent or StatusFailed.
// ExternalMessageID is set only on success, ErrorMessage only on failure.
type Message struct {
	ID                string         `json:"id"`
	Service           Service        `json:"service"`
	Recipient         string         `json:"recipient"`
	Body              string         `json:"body"`
	Status            MessageStatus  `json:"status"`
	ExternalMessageID string         `json:"external_message_id,omitempty"`
	ErrorMessage      string         `json:"error_message,omitempty"`
	RequestedBy       string         `json:"requested_by"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// Terminal reports whether the message has reached a final state.
func (m *Message) Terminal() bool {
	return m.Status == StatusSent || m.Status == StatusFailed
}

// MessageDraft carries the fields supplied by a caller when a send is
// accepted; the ledger fills in id, status and timestamps.
type MessageDraft struct {
	Service     Service
	Recipient   string
	Body        string
	RequestedBy string
	Metadata    map[string]any
}

// MessageStats groups ledger counts by service and status.
type MessageStats struct {
	Total     int64                               `json:"total"`
	ByService map[Service]map[MessageStatus]int64 `json:"by_service"`
}

// SendResult is the outcome of a single send operation.
type SendResult struct {
	Success           bool   `json:"success"`
	MessageID         string `json:"message_id,omitempty"`
	ExternalMessageID string `json:"external_message_id,omitempty"`
	ErrorMessage      string `json:"error_message,omitempty"`
	// Retryable hints that the failure was transient (connection not up,
	// rate limit) rather than a rejected request.
	Retryable bool `json:"retryable,omitempty"`
}
