package whatsapp

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/haasonsaas/courier/internal/channels"
)

// Config holds configuration for the WhatsApp session.
type Config struct {
	// SessionPath is the SQLite file holding whatsmeow credentials
	// (required). Supports ~ expansion.
	SessionPath string

	// Reconnect overrides the automatic reconnection policy. Zero fields
	// fall back to the defaults.
	Reconnect channels.ReconnectPolicy
}

// Validate checks required fields and normalizes the session path.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.SessionPath) == "" {
		return channels.ErrConfig("session_path is required", nil)
	}
	c.SessionPath = expandPath(c.SessionPath)
	return nil
}

// expandPath expands ~ to the home directory.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
