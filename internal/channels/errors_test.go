package channels

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorFormatsWithCode(t *testing.T) {
	err := ErrConnection("session is not connected", nil)
	if got := err.Error(); got != "[CONNECTION_ERROR] session is not connected" {
		t.Errorf("Error() = %q", got)
	}

	wrapped := ErrInternal("send failed", errors.New("eof"))
	if got := wrapped.Error(); got != "[INTERNAL_ERROR] send failed: eof" {
		t.Errorf("Error() = %q", got)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := ErrConnection("transport down", cause)
	if !errors.Is(err, cause) {
		t.Error("errors.Is does not see the wrapped cause")
	}
}

func TestRetryableByCode(t *testing.T) {
	tests := []struct {
		err  *Error
		want bool
	}{
		{ErrConnection("down", nil), true},
		{ErrRateLimit("slow down", nil), true},
		{ErrTimeout("deadline", nil), true},
		{ErrAuthentication("bad token", nil), false},
		{ErrPermission("no rights", nil), false},
		{ErrInvalidInput("bad recipient", nil), false},
		{ErrNotFound("no such chat", nil), false},
		{ErrInternal("broke", nil), false},
		{ErrConfig("missing token", nil), false},
	}
	for _, tt := range tests {
		if got := tt.err.Retryable(); got != tt.want {
			t.Errorf("Retryable(%s) = %v, want %v", tt.err.Code, got, tt.want)
		}
	}
}

func TestGetErrorCode(t *testing.T) {
	if got := GetErrorCode(ErrNotFound("gone", nil)); got != ErrCodeNotFound {
		t.Errorf("GetErrorCode = %q, want NOT_FOUND", got)
	}
	if got := GetErrorCode(fmt.Errorf("plain")); got != ErrCodeInternal {
		t.Errorf("GetErrorCode(plain) = %q, want INTERNAL_ERROR", got)
	}
	wrapped := fmt.Errorf("context: %w", ErrRateLimit("throttled", nil))
	if got := GetErrorCode(wrapped); got != ErrCodeRateLimit {
		t.Errorf("GetErrorCode(wrapped) = %q, want RATE_LIMIT_ERROR", got)
	}
}
