package telegram

import (
	"github.com/haasonsaas/courier/internal/channels"
)

// Config holds configuration for the Telegram session.
type Config struct {
	// Token is the bot token from @BotFather. Required unless a custom
	// AuthFlow is supplied to New.
	Token string

	// Reconnect overrides the automatic reconnection policy. Zero fields
	// fall back to the defaults.
	Reconnect channels.ReconnectPolicy

	// RateLimit is the outbound API call budget in operations per second.
	RateLimit float64

	// RateBurst is the burst capacity for rate limiting.
	RateBurst int
}

// Validate checks required fields and applies defaults. Telegram caps
// bots at roughly 30 messages per second.
func (c *Config) Validate(hasFlow bool) error {
	if c.Token == "" && !hasFlow {
		return channels.ErrConfig("token is required", nil)
	}
	if c.RateLimit == 0 {
		c.RateLimit = 30
	}
	if c.RateBurst == 0 {
		c.RateBurst = 20
	}
	return nil
}
