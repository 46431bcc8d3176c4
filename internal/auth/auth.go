// Package auth validates API keys and enforces per-key permissions and
// rate limits on the HTTP surface.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/courier/internal/channels"
	"github.com/haasonsaas/courier/pkg/models"
)

var (
	ErrAuthDisabled = errors.New("auth disabled")
	ErrInvalidKey   = errors.New("invalid api key")
	ErrKeyExpired   = errors.New("api key expired")
	ErrKeyInactive  = errors.New("api key inactive")
	ErrForbidden    = errors.New("api key not permitted for service")
	ErrRateLimited  = errors.New("api key rate limit exceeded")
)

// KeyConfig declares a static API key. The plaintext secret never leaves
// configuration; only its SHA-256 lands in the key record.
type KeyConfig struct {
	Name     string           `yaml:"name"`
	Secret   string           `yaml:"secret"`
	Services []models.Service `yaml:"services"`

	// RatePerMin caps requests per minute for this key. Zero disables
	// the per-key limit.
	RatePerMin int `yaml:"rate_per_min"`

	// ExpiresAt is an optional RFC 3339 expiry.
	ExpiresAt time.Time `yaml:"expires_at"`
}

// Service validates API keys with constant-time comparison and tracks
// per-key usage and rate limits.
type Service struct {
	logger *slog.Logger

	mu       sync.RWMutex
	keys     map[string]*models.APIKey // secret hash -> key
	limiters map[string]*channels.RateLimiter
	now      func() time.Time
}

// NewService constructs an auth service from static key configuration.
// With no keys configured, authentication is disabled and every request
// passes anonymously.
func NewService(keys []KeyConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger:   logger,
		keys:     make(map[string]*models.APIKey),
		limiters: make(map[string]*channels.RateLimiter),
		now:      time.Now,
	}
	for _, cfg := range keys {
		secret := strings.TrimSpace(cfg.Secret)
		if secret == "" {
			continue
		}
		hash := HashSecret(secret)
		key := &models.APIKey{
			ID:          "key_" + hash[:12],
			Name:        cfg.Name,
			SecretHash:  hash,
			Prefix:      prefix(secret),
			Permissions: cfg.Services,
			Active:      true,
			RatePerMin:  cfg.RatePerMin,
			ExpiresAt:   cfg.ExpiresAt,
			CreatedAt:   time.Now().UTC(),
		}
		s.keys[hash] = key
		if cfg.RatePerMin > 0 {
			s.limiters[key.ID] = channels.NewRateLimiter(float64(cfg.RatePerMin)/60.0, cfg.RatePerMin)
		}
	}
	return s
}

// Enabled reports whether any keys are configured.
func (s *Service) Enabled() bool {
	return s != nil && len(s.keys) > 0
}

// Authenticate resolves a presented secret to its key record. The
// lookup compares against every stored hash in constant time so timing
// does not reveal which keys exist.
func (s *Service) Authenticate(secret string) (*models.APIKey, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}
	hash := HashSecret(strings.TrimSpace(secret))

	s.mu.RLock()
	var matched *models.APIKey
	for storedHash, key := range s.keys {
		if subtle.ConstantTimeCompare([]byte(hash), []byte(storedHash)) == 1 {
			matched = key
		}
	}
	s.mu.RUnlock()

	if matched == nil {
		return nil, ErrInvalidKey
	}
	if !matched.Active {
		return nil, ErrKeyInactive
	}
	if matched.Expired(s.now()) {
		return nil, ErrKeyExpired
	}

	s.mu.Lock()
	matched.UsageCount++
	matched.LastUsedAt = s.now().UTC()
	s.mu.Unlock()
	return matched, nil
}

// Authorize checks that the key may send through the given service.
func (s *Service) Authorize(key *models.APIKey, service models.Service) error {
	if key == nil {
		return ErrInvalidKey
	}
	if !key.Allows(service) {
		return ErrForbidden
	}
	return nil
}

// Throttle consumes one request from the key's rate budget.
func (s *Service) Throttle(key *models.APIKey) error {
	if key == nil || key.RatePerMin <= 0 {
		return nil
	}
	s.mu.RLock()
	limiter := s.limiters[key.ID]
	s.mu.RUnlock()
	if limiter == nil {
		return nil
	}
	if !limiter.Allow() {
		return ErrRateLimited
	}
	return nil
}

// Revoke deactivates a key by id.
func (s *Service) Revoke(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range s.keys {
		if key.ID == id {
			key.Active = false
			return true
		}
	}
	return false
}

// Keys lists the configured keys. Secret hashes are not serialized.
func (s *Service) Keys() []*models.APIKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.APIKey, 0, len(s.keys))
	for _, key := range s.keys {
		out = append(out, key)
	}
	return out
}

// HashSecret returns the hex SHA-256 of a key secret.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// prefix keeps the first characters of a secret for identification in
// logs and listings.
func prefix(secret string) string {
	if len(secret) <= 8 {
		return secret
	}
	return secret[:8]
}
