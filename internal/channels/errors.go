package channels

import (
	"errors"
	"fmt"
)

// ErrorCode classifies a failure in a provider session operation.
// Codes drive the retryable hint on failed ledger rows and metrics labels.
type ErrorCode string

const (
	// ErrCodeConnection indicates the session is not connected or the
	// network transport failed.
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuthentication indicates the provider rejected our credentials.
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"

	// ErrCodePermission indicates the credentials are valid but lack rights
	// for the requested operation.
	ErrCodePermission ErrorCode = "PERMISSION_ERROR"

	// ErrCodeRateLimit indicates the provider throttled the operation.
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodeInvalidInput indicates a malformed recipient or message.
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeNotFound indicates the recipient does not exist on the provider.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeTimeout indicates the operation timed out.
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeInternal indicates an unexpected transport or SDK failure.
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"

	// ErrCodeConfig indicates missing or invalid session configuration.
	// Config errors are the only errors Connect is allowed to return.
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"
)

// Error is a classified provider session error. The message is safe to
// surface verbatim on a failed ledger row.
type Error struct {
	Code    ErrorCode
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure is transient and a later attempt
// may succeed without operator action.
func (e *Error) Retryable() bool {
	switch e.Code {
	case ErrCodeConnection, ErrCodeRateLimit, ErrCodeTimeout:
		return true
	}
	return false
}

// NewError creates a classified error.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrConnection creates a connection error.
func ErrConnection(message string, err error) *Error {
	return NewError(ErrCodeConnection, message, err)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string, err error) *Error {
	return NewError(ErrCodeAuthentication, message, err)
}

// ErrPermission creates a permission error.
func ErrPermission(message string, err error) *Error {
	return NewError(ErrCodePermission, message, err)
}

// ErrRateLimit creates a rate limit error.
func ErrRateLimit(message string, err error) *Error {
	return NewError(ErrCodeRateLimit, message, err)
}

// ErrInvalidInput creates an invalid input error.
func ErrInvalidInput(message string, err error) *Error {
	return NewError(ErrCodeInvalidInput, message, err)
}

// ErrNotFound creates a not found error.
func ErrNotFound(message string, err error) *Error {
	return NewError(ErrCodeNotFound, message, err)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string, err error) *Error {
	return NewError(ErrCodeTimeout, message, err)
}

// ErrInternal creates an internal error.
func ErrInternal(message string, err error) *Error {
	return NewError(ErrCodeInternal, message, err)
}

// ErrConfig creates a configuration error.
func ErrConfig(message string, err error) *Error {
	return NewError(ErrCodeConfig, message, err)
}

// GetErrorCode extracts the code from a classified error, defaulting to
// ErrCodeInternal for anything else.
func GetErrorCode(err error) ErrorCode {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Code
	}
	return ErrCodeInternal
}

// IsRetryable reports whether err carries a retryable classification.
func IsRetryable(err error) bool {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.Retryable()
	}
	return false
}
