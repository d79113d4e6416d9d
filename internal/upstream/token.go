// ABOUTME: Bearer-token lifecycle manager with proactive refresh and single-flight acquisition.
// ABOUTME: Concurrent callers share one in-flight login; the result is cached with a TTL.

package upstream

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/2389/helpdesk-gateway/internal/cache"
)

// tokenCacheKey is the fixed cache key the bearer token is stored under.
const tokenCacheKey = "upstream.bearer"

// sfKey is the singleflight key; there is exactly one token per process.
const sfKey = "token"

// LoginFunc performs the credential exchange and returns the raw token
// string, taken from either the response body or a response header.
type LoginFunc func(ctx context.Context) (string, error)

// TokenManagerConfig wraps TokenManager constructor inputs.
type TokenManagerConfig struct {
	Login            LoginFunc
	Cache            *cache.Cache[string]
	TokenTTL         time.Duration
	RefreshThreshold time.Duration
	Logger           *slog.Logger
}

// TokenManager owns the process-wide bearer token. Token returns a
// currently valid token, refreshing proactively when the tracked expiry
// is within the refresh threshold; concurrent refreshes coalesce into a
// single login request.
type TokenManager struct {
	login            LoginFunc
	cache            *cache.Cache[string]
	ttl              time.Duration
	refreshThreshold time.Duration
	logger           *slog.Logger

	sf singleflight.Group

	mu        sync.Mutex
	expiresAt time.Time // mirrored expiry, kept outside the cache for early-refresh checks
}

// NewTokenManager creates a token manager. The cache stores the token
// value; expiry is additionally tracked outside the cache so a token can
// be treated as stale before its cache entry lapses.
func NewTokenManager(cfg TokenManagerConfig) *TokenManager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		login:            cfg.Login,
		cache:            cfg.Cache,
		ttl:              cfg.TokenTTL,
		refreshThreshold: cfg.RefreshThreshold,
		logger:           logger.With("component", "token"),
	}
}

// Token returns a valid bearer token, including its "Bearer " prefix.
// A cached token whose expiry exceeds now+refreshThreshold is returned
// without a network call; otherwise callers coalesce into one login.
func (m *TokenManager) Token(ctx context.Context) (string, error) {
	if token, ok := m.freshToken(); ok {
		return token, nil
	}

	// Losers of the race await the winner's login and share its result.
	// The login itself is not cancellable by any single caller; it runs
	// to completion or failure on its own timeout.
	v, err, shared := m.sf.Do(sfKey, func() (any, error) {
		return m.acquire(context.WithoutCancel(ctx))
	})
	if err != nil {
		return "", err
	}
	if shared {
		m.logger.Debug("token acquisition coalesced with concurrent caller")
	}
	return v.(string), nil
}

// freshToken returns the cached token if it is present and not within
// the refresh threshold of its tracked expiry.
func (m *TokenManager) freshToken() (string, bool) {
	token, ok := m.cache.Get(tokenCacheKey)
	if !ok {
		return "", false
	}

	m.mu.Lock()
	expiresAt := m.expiresAt
	m.mu.Unlock()

	if time.Until(expiresAt) > m.refreshThreshold {
		return token, true
	}
	return "", false
}

// acquire performs the login exchange, normalizes and stores the token,
// and records its derived expiry. Runs inside the singleflight group.
func (m *TokenManager) acquire(ctx context.Context) (string, error) {
	start := time.Now()

	raw, err := m.login(ctx)
	if err != nil {
		// The in-flight marker is cleared by singleflight on return,
		// so a future call starts a fresh attempt.
		m.logger.Warn("token acquisition failed", "error", err)
		return "", err
	}

	token := normalizeBearer(raw)
	expiresAt := expiryFromToken(token, m.ttl)

	m.cache.Set(tokenCacheKey, token, m.ttl)
	m.mu.Lock()
	m.expiresAt = expiresAt
	m.mu.Unlock()

	m.logger.Info("acquired upstream token",
		"expires_at", expiresAt,
		"elapsed", time.Since(start))
	return token, nil
}

// ClearToken evicts the cached token and abandons any in-flight
// acquisition so the next Token call starts fresh.
func (m *TokenManager) ClearToken() {
	m.cache.Delete(tokenCacheKey)
	m.mu.Lock()
	m.expiresAt = time.Time{}
	m.mu.Unlock()
	m.sf.Forget(sfKey)
}

// IsAuthenticated is a non-blocking check: a token is cached and its
// tracked expiry has not passed.
func (m *TokenManager) IsAuthenticated() bool {
	if _, ok := m.cache.Get(tokenCacheKey); !ok {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.expiresAt.After(time.Now())
}

// normalizeBearer ensures the token carries its required Bearer prefix.
func normalizeBearer(token string) string {
	token = strings.TrimSpace(token)
	if strings.HasPrefix(token, "Bearer ") {
		return token
	}
	return "Bearer " + token
}

// expiryFromToken derives the token's absolute expiry. Tokens that parse
// as JWTs use their exp claim; anything else falls back to now+ttl.
func expiryFromToken(token string, ttl time.Duration) time.Time {
	fallback := time.Now().Add(ttl)

	raw := strings.TrimPrefix(token, "Bearer ")
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
		return fallback
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return fallback
	}
	return exp.Time
}
