package models

import (
	"time"
)

// APIKey represents a key for programmatic access to the notification API.
// The secret itself is never stored; only its SHA-256 hash.
type APIKey struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	SecretHash  string    `json:"-"`
	Prefix      string    `json:"prefix"` // First 8 chars for identification
	Permissions []Service `json:"permissions,omitempty"`
	Active      bool      `json:"active"`
	RatePerMin  int       `json:"rate_per_min,omitempty"`
	UsageCount  int64     `json:"usage_count"`
	LastUsedAt  time.Time `json:"last_used_at,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Expired reports whether the key has an expiry in the past.
func (k *APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && now.After(k.ExpiresAt)
}

// Allows reports whether the key may send through the given service.
// A key with no explicit permissions may send through any service.
func (k *APIKey) Allows(service Service) bool {
	if len(k.Permissions) == 0 {
		return true
	}
	for _, p := range k.Permissions {
		if p == service {
			return true
		}
	}
	return false
}
