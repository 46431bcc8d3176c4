// Package config loads the relay configuration from YAML with
// environment variable expansion.
package config

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/courier/internal/auth"
	"github.com/haasonsaas/courier/internal/channels"
	"github.com/haasonsaas/courier/internal/observability"
)

// Duration is a yaml-decodable time.Duration ("30s", "5m").
type Duration time.Duration

// UnmarshalYAML parses Go duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration.
type Config struct {
	Server    ServerConfig            `yaml:"server"`
	Logging   observability.LogConfig `yaml:"logging"`
	Storage   StorageConfig           `yaml:"storage"`
	Auth      AuthConfig              `yaml:"auth"`
	Providers ProvidersConfig         `yaml:"providers"`
	Workers   WorkersConfig           `yaml:"workers"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver string `yaml:"driver"`

	// Path is the SQLite database file (sqlite driver).
	Path string `yaml:"path"`

	// DSN is the connection string (postgres driver).
	DSN string `yaml:"dsn"`
}

// AuthConfig declares the static API keys.
type AuthConfig struct {
	Keys []auth.KeyConfig `yaml:"keys"`
}

// ReconnectConfig overrides the automatic reconnection policy.
type ReconnectConfig struct {
	RapidWindow Duration `yaml:"rapid_window"`
	MaxAttempts int      `yaml:"max_attempts"`
	BackoffBase Duration `yaml:"backoff_base"`
	BackoffCap  Duration `yaml:"backoff_cap"`
}

// Policy converts to the channels policy, leaving zero fields to the
// defaults.
func (r ReconnectConfig) Policy() channels.ReconnectPolicy {
	return channels.ReconnectPolicy{
		RapidWindow: r.RapidWindow.Std(),
		MaxAttempts: r.MaxAttempts,
		BackoffBase: r.BackoffBase.Std(),
		BackoffCap:  r.BackoffCap.Std(),
	}
}

// WhatsAppConfig configures the WhatsApp session.
type WhatsAppConfig struct {
	Enabled     bool            `yaml:"enabled"`
	SessionPath string          `yaml:"session_path"`
	Reconnect   ReconnectConfig `yaml:"reconnect"`
}

// TelegramConfig configures the Telegram session.
type TelegramConfig struct {
	Enabled   bool            `yaml:"enabled"`
	Token     string          `yaml:"token"`
	RateLimit float64         `yaml:"rate_limit"`
	RateBurst int             `yaml:"rate_burst"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// MattermostConfig configures the Mattermost session.
type MattermostConfig struct {
	Enabled   bool            `yaml:"enabled"`
	ServerURL string          `yaml:"server_url"`
	Token     string          `yaml:"token"`
	RateLimit float64         `yaml:"rate_limit"`
	RateBurst int             `yaml:"rate_burst"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ProvidersConfig selects and configures the provider sessions.
type ProvidersConfig struct {
	AutoConnect bool             `yaml:"auto_connect"`
	WhatsApp    WhatsAppConfig   `yaml:"whatsapp"`
	Telegram    TelegramConfig   `yaml:"telegram"`
	Mattermost  MattermostConfig `yaml:"mattermost"`
}

// WorkersConfig schedules the background jobs.
type WorkersConfig struct {
	// RetentionSchedule is a cron expression for the ledger sweep.
	RetentionSchedule string `yaml:"retention_schedule"`

	// RetentionMaxAge removes messages older than this.
	RetentionMaxAge Duration `yaml:"retention_max_age"`

	// RetrySchedule is a cron expression for the failed-send retry pass.
	RetrySchedule string `yaml:"retry_schedule"`

	// RetryWindow bounds how old a failed message may be to retry.
	RetryWindow Duration `yaml:"retry_window"`

	// RetryLimit caps messages retried per pass.
	RetryLimit int `yaml:"retry_limit"`

	// HealthSchedule is a cron expression for session health probes.
	HealthSchedule string `yaml:"health_schedule"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 8080},
		Logging: observability.LogConfig{
			Level:  "info",
			Format: "json",
		},
		Storage: StorageConfig{Driver: "sqlite", Path: "courier.db"},
		Workers: WorkersConfig{
			RetentionSchedule: "0 3 * * *",
			RetentionMaxAge:   Duration(30 * 24 * time.Hour),
			RetrySchedule:     "*/5 * * * *",
			RetryWindow:       Duration(time.Hour),
			RetryLimit:        50,
			HealthSchedule:    "* * * * *",
		},
	}
}

// Load reads a YAML file, expanding ${ENV} references before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes configuration bytes over the defaults. Unknown fields
// are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints the yaml schema cannot.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required for the sqlite driver")
	}
	if c.Storage.Driver == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the postgres driver")
	}
	if c.Providers.WhatsApp.Enabled && c.Providers.WhatsApp.SessionPath == "" {
		return fmt.Errorf("providers.whatsapp.session_path is required")
	}
	if c.Providers.Telegram.Enabled && c.Providers.Telegram.Token == "" {
		return fmt.Errorf("providers.telegram.token is required")
	}
	if c.Providers.Mattermost.Enabled {
		if c.Providers.Mattermost.ServerURL == "" {
			return fmt.Errorf("providers.mattermost.server_url is required")
		}
		if c.Providers.Mattermost.Token == "" {
			return fmt.Errorf("providers.mattermost.token is required")
		}
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	return nil
}
