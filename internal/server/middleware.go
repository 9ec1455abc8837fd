package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/lm-gateway/lm-gateway/internal/ratelimit"
)

type requestIDKey struct{}

// requestIDMiddleware accepts an inbound X-Request-Id header or generates a
// fresh one, stashes it on the request context, and echoes it back so
// callers can correlate logs across a request's lifetime.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// adminAuthMiddleware requires Authorization: Bearer <token> matching the
// frozen admin token. No-ops when no admin token was configured — the admin
// port is then expected to be firewalled instead.
func (s *Server) adminAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := s.state.AdminToken()
		if token == "" {
			next.ServeHTTP(w, r)
			return
		}

		const prefix = "Bearer "
		auth := r.Header.Get("Authorization")
		if len(auth) <= len(prefix) || auth[:len(prefix)] != prefix || auth[len(prefix):] != token {
			w.Header().Set("WWW-Authenticate", `Bearer realm="lm-gateway admin"`)
			writeJSONError(w, http.StatusUnauthorized, "missing or invalid admin bearer token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware enforces the frozen per-IP token bucket, if one is
// configured. No-ops when rate limiting is disabled.
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		limiter := s.state.RateLimiter()
		if limiter == nil {
			next.ServeHTTP(w, r)
			return
		}

		ip := ratelimit.ClientIP(r.RemoteAddr)
		ok, retryAfter := limiter.Check(ip)
		if !ok {
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.RPM))
			w.Header().Set("X-RateLimit-Policy", limiter.Policy())
			writeJSONError(w, http.StatusTooManyRequests, "rate limit exceeded, retry after the indicated delay")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
