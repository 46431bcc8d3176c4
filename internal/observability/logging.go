package observability

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// LogConfig configures structured logging.
type LogConfig struct {
	// Level sets the minimum log level: "debug", "info", "warn", "error".
	Level string `yaml:"level"`

	// Format is "json" (production default) or "text".
	Format string `yaml:"format"`

	// Output defaults to os.Stdout.
	Output io.Writer `yaml:"-"`

	// AddSource includes file and line in records.
	AddSource bool `yaml:"add_source"`
}

// sensitiveKeys are attribute keys whose values are masked in log output.
// Credentials and pairing payloads flow through session code as log
// attributes and must never reach log storage verbatim.
var sensitiveKeys = map[string]bool{
	"token":        true,
	"bot_token":    true,
	"access_token": true,
	"password":     true,
	"secret":       true,
	"api_key":      true,
	"qr_code":      true,
	"session":      true,
	"code":         true,
}

// NewLogger creates a slog.Logger with sensitive-attribute redaction.
func NewLogger(config LogConfig) *slog.Logger {
	if config.Output == nil {
		config.Output = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:     LogLevelFromString(config.Level),
		AddSource: config.AddSource,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if sensitiveKeys[strings.ToLower(a.Key)] {
				return slog.String(a.Key, "[REDACTED]")
			}
			return a
		},
	}
	var handler slog.Handler
	if strings.ToLower(config.Format) == "text" {
		handler = slog.NewTextHandler(config.Output, opts)
	} else {
		handler = slog.NewJSONHandler(config.Output, opts)
	}
	return slog.New(handler)
}

// LogLevelFromString converts a string to a slog.Level, defaulting to info.
func LogLevelFromString(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info", "":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// RequestIDKey is the context key for request correlation ids.
type contextKey string

const RequestIDKey contextKey = "request_id"

// WithRequestID stores a request id on the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// RequestID retrieves the request id from the context, if any.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(RequestIDKey).(string); ok {
		return id
	}
	return ""
}
