// Package ratelimit implements per-client-IP token-bucket rate limiting.
package ratelimit

import (
	"fmt"
	"math"
	"net"
	"sync"
	"time"
)

// bucket is one client IP's token-bucket state.
type bucket struct {
	lastRefill time.Time
	tokens     float64
}

// Limiter is a per-IP token bucket. Tokens refill steadily at rpm/60 per
// second; the burst cap is ceil(rpm/2), enough to absorb short spikes
// without allowing runaway bursts.
type Limiter struct {
	RPM int

	fillRate float64
	capacity float64

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New builds a Limiter for the given requests-per-minute budget.
func New(rpm int) *Limiter {
	return &Limiter{
		RPM:      rpm,
		fillRate: float64(rpm) / 60.0,
		capacity: math.Ceil(float64(rpm) / 2.0),
		buckets:  make(map[string]*bucket),
	}
}

// Check attempts to consume one token for ip. ok is true if the request is
// allowed; otherwise retryAfter is the number of whole seconds the caller
// must wait before a token will be available.
func (l *Limiter) Check(ip string) (ok bool, retryAfterSeconds int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, exists := l.buckets[ip]
	if !exists {
		b = &bucket{lastRefill: now, tokens: l.capacity}
		l.buckets[ip] = b
	}

	elapsed := now.Sub(b.lastRefill).Seconds()
	newTokens := math.Min(b.tokens+elapsed*l.fillRate, l.capacity)

	if newTokens < 1.0 {
		retryAfter := (1.0 - newTokens) / l.fillRate
		return false, int(math.Ceil(retryAfter))
	}

	b.lastRefill = now
	b.tokens = newTokens - 1.0
	return true, 0
}

// Policy renders the standard "N;w=60" rate-limit policy hint.
func (l *Limiter) Policy() string {
	return fmt.Sprintf("%d;w=60", l.RPM)
}

// ClientIP extracts the client IP from a RemoteAddr string (host:port or a
// bare host), falling back to loopback when it can't be parsed — mirroring
// the graceful fallback used when connection info is unavailable (e.g. in
// tests).
func ClientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	if host == "" {
		return "127.0.0.1"
	}
	return host
}
