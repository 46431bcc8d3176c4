package observability

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestLoggerRedactsSensitiveAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "info", Format: "json", Output: &buf})

	logger.Info("session connected",
		"service", "telegram",
		"bot_token", "123:abc",
		"qr_code", "2@pairing-payload",
	)

	var record map[string]any
	if err := json.Unmarshal(buf.Bytes(), &record); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if record["bot_token"] != "[REDACTED]" {
		t.Errorf("bot_token = %v, want [REDACTED]", record["bot_token"])
	}
	if record["qr_code"] != "[REDACTED]" {
		t.Errorf("qr_code = %v, want [REDACTED]", record["qr_code"])
	}
	if record["service"] != "telegram" {
		t.Errorf("service = %v, ordinary attrs must pass through", record["service"])
	}
	if strings.Contains(buf.String(), "123:abc") {
		t.Error("raw token reached log output")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LogConfig{Level: "warn", Format: "text", Output: &buf})

	logger.Info("quiet")
	if buf.Len() != 0 {
		t.Errorf("info record emitted at warn level: %s", buf.String())
	}
	logger.Warn("loud")
	if buf.Len() == 0 {
		t.Error("warn record filtered at warn level")
	}
}

func TestLogLevelFromString(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		if got := LogLevelFromString(tt.in); got != tt.want {
			t.Errorf("LogLevelFromString(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-7")
	if got := RequestID(ctx); got != "req-7" {
		t.Errorf("RequestID = %q, want req-7", got)
	}
	if got := RequestID(context.Background()); got != "" {
		t.Errorf("RequestID on empty context = %q, want empty", got)
	}
}
