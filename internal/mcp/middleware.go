// ABOUTME: HTTP middleware for the MCP transport: origin allow-listing and rate limiting.
// ABOUTME: The health endpoint bypasses both; protocol traffic passes through them.

package mcp

import (
	"encoding/json"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/2389/helpdesk-gateway/internal/engine"
)

// requestLimiter caps the aggregate protocol request rate. A nil
// limiter admits everything.
type requestLimiter struct {
	limiter *rate.Limiter
}

func newRequestLimiter(perMinute int) requestLimiter {
	if perMinute <= 0 {
		return requestLimiter{}
	}
	// Allow short bursts up to the full per-minute budget.
	return requestLimiter{limiter: rate.NewLimiter(rate.Limit(perMinute)/60, perMinute)}
}

func (l requestLimiter) allow() bool {
	return l.limiter == nil || l.limiter.Allow()
}

// withRateLimit rejects requests beyond the configured ceiling with a
// structured JSON-RPC error rather than a bare status line, so protocol
// clients can surface the reason.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			json.NewEncoder(w).Encode(engine.NewError(nil, engine.CodeInternalError, "rate limit exceeded"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withOrigin enforces the origin allow-list on browser traffic and
// answers CORS preflights. Requests without an Origin header (CLI
// clients, the bridge) pass through untouched.
func (s *Server) withOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if !s.originAllowed(origin) {
				s.logger.Warn("rejected disallowed origin", "origin", origin)
				http.Error(w, "Forbidden: origin not allowed", http.StatusForbidden)
				return
			}
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Expose-Headers", sessionHeader)
		}

		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+sessionHeader+", Last-Event-Id")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// originAllowed reports whether origin passes the allow-list. An empty
// list admits every origin.
func (s *Server) originAllowed(origin string) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}
