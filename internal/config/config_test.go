package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const sampleConfig = `
server:
  host: 127.0.0.1
  port: 9090
logging:
  level: debug
  format: text
storage:
  driver: sqlite
  path: /var/lib/courier/courier.db
auth:
  keys:
    - name: ci
      secret: ${COURIER_CI_SECRET}
      services: [telegram]
      rate_per_min: 60
providers:
  auto_connect: true
  telegram:
    enabled: true
    token: ${COURIER_TG_TOKEN}
    reconnect:
      rapid_window: 45s
      max_attempts: 5
workers:
  retention_max_age: 168h
`

func TestLoadExpandsEnv(t *testing.T) {
	t.Setenv("COURIER_CI_SECRET", "super-secret")
	t.Setenv("COURIER_TG_TOKEN", "123:abc")

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Auth.Keys[0].Secret != "super-secret" {
		t.Errorf("secret = %q, env not expanded", cfg.Auth.Keys[0].Secret)
	}
	if cfg.Providers.Telegram.Token != "123:abc" {
		t.Errorf("token = %q, env not expanded", cfg.Providers.Telegram.Token)
	}
	if got := cfg.Providers.Telegram.Reconnect.RapidWindow.Std(); got != 45*time.Second {
		t.Errorf("rapid_window = %s, want 45s", got)
	}
	if got := cfg.Workers.RetentionMaxAge.Std(); got != 168*time.Hour {
		t.Errorf("retention_max_age = %s, want 168h", got)
	}
	// Defaults survive a partial override.
	if cfg.Workers.RetryLimit != 50 {
		t.Errorf("retry_limit = %d, want default 50", cfg.Workers.RetryLimit)
	}
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("server:\n  hostname: nope\n"))
	if err == nil {
		t.Fatal("unknown field accepted")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad driver", func(c *Config) { c.Storage.Driver = "etcd" }, "storage driver"},
		{"sqlite without path", func(c *Config) { c.Storage.Path = "" }, "storage.path"},
		{"postgres without dsn", func(c *Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"whatsapp without session path", func(c *Config) { c.Providers.WhatsApp.Enabled = true }, "session_path"},
		{"telegram without token", func(c *Config) { c.Providers.Telegram.Enabled = true }, "token"},
		{"mattermost without url", func(c *Config) {
			c.Providers.Mattermost.Enabled = true
			c.Providers.Mattermost.Token = "x"
		}, "server_url"},
		{"port out of range", func(c *Config) { c.Server.Port = 0 }, "port"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("Validate accepted invalid config")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestDurationRejectsGarbage(t *testing.T) {
	_, err := Parse([]byte("workers:\n  retry_window: soon\n"))
	if err == nil {
		t.Fatal("garbage duration accepted")
	}
}
