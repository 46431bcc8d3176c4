package models

import (
	"time"
)

// ConnectionEventType enumerates the observable session transitions.
type ConnectionEventType string

const (
	EventQRReady          ConnectionEventType = "qr_ready"
	EventAuthenticating   ConnectionEventType = "authenticating"
	EventCodeRequired     ConnectionEventType = "code_required"
	EventPasswordRequired ConnectionEventType = "password_required"
	EventConnected        ConnectionEventType = "connected"
	EventDisconnected     ConnectionEventType = "disconnected"
	EventStreamError      ConnectionEventType = "stream_error"
	EventReconnectionLoop ConnectionEventType = "reconnection_loop"
)

// ConnectionEvent is emitted by a provider session on every state
// transition. The gateway broadcaster fans these out to external
// listeners (websocket clients, logs).
type ConnectionEvent struct {
	Service   Service             `json:"service"`
	Type      ConnectionEventType `json:"type"`
	Reason    string              `json:"reason,omitempty"`
	Attempts  int                 `json:"attempts,omitempty"`
	QRCode    string              `json:"qr_code,omitempty"`
	Timestamp time.Time           `json:"timestamp"`
}
