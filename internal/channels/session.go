package channels

import (
	"context"

	"github.com/haasonsaas/courier/pkg/models"
)

// State is a provider session's position in its connection lifecycle.
// Providers use the subset that applies to their authentication model.
type State string

const (
	StateUninitialized    State = "uninitialized"
	StateConnecting       State = "connecting"
	StateQRPending        State = "qr_pending"
	StateAuthenticating   State = "authenticating"
	StateCodeRequired     State = "code_required"
	StatePasswordRequired State = "password_required"
	StateConnected        State = "connected"
	StateDisconnected     State = "disconnected"

	// StateStreamError is entered after a fatal protocol-level disconnect.
	// The session stays here until an operator runs a clean restart.
	StateStreamError State = "stream_error"

	// StateReconnectionLoop is entered when the rapid-failure detector
	// trips. No further automatic reconnects happen until the loop is
	// explicitly stopped or a manual reconnect is issued.
	StateReconnectionLoop State = "reconnection_loop"
)

// Projection maps an internal session state to the coarse state persisted
// on the ServiceStatus row.
func (s State) Projection() models.ConnectionState {
	switch s {
	case StateConnected:
		return models.StateConnected
	case StateConnecting, StateQRPending, StateAuthenticating,
		StateCodeRequired, StatePasswordRequired:
		return models.StateAuthenticating
	case StateUninitialized:
		return models.StateNotConfigured
	default:
		return models.StateDisconnected
	}
}

// Session is the uniform delivery contract every provider implements.
//
// Connect returns an error for configuration problems (missing
// credentials) and for transports it cannot establish; interactive
// authentication steps (QR codes, login prompts) are never errors and
// surface through events and the persisted status instead. Disconnect
// is idempotent and must be safe to call in any state, including
// mid-pairing and mid-backoff.
type Session interface {
	// Service identifies the provider this session manages.
	Service() models.Service

	// Connect attempts to establish a session with the currently
	// configured credentials. Calling it while already connecting or
	// connected is a no-op.
	Connect(ctx context.Context) error

	// Disconnect tears down the active session and records disconnected
	// status. It cancels any pending reconnect timer.
	Disconnect(ctx context.Context) error

	// IsConnected reflects the last known connection state without
	// performing network I/O.
	IsConnected() bool

	// State returns the session's current lifecycle state.
	State() State

	// SendText validates the recipient, records a pending ledger row,
	// then attempts delivery. The returned result never wraps a panic or
	// an unclassified error.
	SendText(ctx context.Context, recipient, body string, metadata map[string]any) models.SendResult

	// SendMedia behaves like SendText for a local media file with an
	// optional caption.
	SendMedia(ctx context.Context, recipient, path, caption string, metadata map[string]any) models.SendResult

	// Events returns the stream of connection transitions. The channel is
	// buffered; slow consumers lose events rather than blocking the
	// session.
	Events() <-chan models.ConnectionEvent
}
