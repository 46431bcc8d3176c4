package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/haasonsaas/courier/pkg/models"
)

type contextKey struct{}

// WithKey stores the authenticated key on the request context.
func WithKey(ctx context.Context, key *models.APIKey) context.Context {
	return context.WithValue(ctx, contextKey{}, key)
}

// KeyFromContext returns the authenticated key, if any.
func KeyFromContext(ctx context.Context) (*models.APIKey, bool) {
	key, ok := ctx.Value(contextKey{}).(*models.APIKey)
	return key, ok
}

// Middleware authenticates requests via the X-API-Key header or an
// Authorization bearer token, enforces the per-key rate limit, and puts
// the key record on the request context. With auth disabled it passes
// everything through.
func (s *Service) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		secret := extractSecret(r)
		if secret == "" {
			writeAuthError(w, http.StatusUnauthorized, "missing api key")
			return
		}
		key, err := s.Authenticate(secret)
		if err != nil {
			s.logger.Warn("authentication failed", "error", err, "remote", r.RemoteAddr)
			writeAuthError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		if err := s.Throttle(key); err != nil {
			if errors.Is(err, ErrRateLimited) {
				writeAuthError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			writeAuthError(w, http.StatusInternalServerError, "rate limit check failed")
			return
		}

		next.ServeHTTP(w, r.WithContext(WithKey(r.Context(), key)))
	})
}

func extractSecret(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return key
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
