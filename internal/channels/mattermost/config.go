package mattermost

import (
	"strings"

	"github.com/haasonsaas/courier/internal/channels"
)

// Config holds configuration for the Mattermost session.
type Config struct {
	// ServerURL is the Mattermost server URL (required).
	ServerURL string

	// Token is the bot or personal access token (required).
	Token string

	// Reconnect overrides the automatic reconnection policy. Zero fields
	// fall back to the defaults.
	Reconnect channels.ReconnectPolicy

	// RateLimit is the outbound API call budget in operations per second.
	RateLimit float64

	// RateBurst is the burst capacity for rate limiting.
	RateBurst int
}

// Validate checks required fields and applies defaults.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return channels.ErrConfig("server_url is required", nil)
	}
	if c.Token == "" {
		return channels.ErrConfig("token is required", nil)
	}
	c.ServerURL = strings.TrimRight(c.ServerURL, "/")
	if c.RateLimit == 0 {
		c.RateLimit = 10
	}
	if c.RateBurst == 0 {
		c.RateBurst = 5
	}
	return nil
}
