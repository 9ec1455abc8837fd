// Package state holds the process-wide shared state object: an atomically
// swappable config snapshot plus the pieces that are deliberately frozen at
// startup and do not follow hot-reload.
package state

import (
	"os"
	"time"

	"go.uber.org/atomic"

	"github.com/lm-gateway/lm-gateway/internal/config"
	"github.com/lm-gateway/lm-gateway/internal/ratelimit"
	"github.com/lm-gateway/lm-gateway/internal/traffic"
)

// ClientKey is one authenticated client's resolved profile, derived once at
// construction from [[clients]] and frozen thereafter.
type ClientKey struct {
	Key     string
	Profile string
}

// State is the single process-wide shared object: everything a request
// handler or admin handler needs, constructed once at startup and torn down
// at shutdown.
type State struct {
	snapshot atomic.Pointer[config.Snapshot]

	configPath string
	startedAt  time.Time

	// Frozen at construction; hot-reload does not rotate these.
	clientMap   map[string]ClientKey
	adminToken  string
	rateLimiter *ratelimit.Limiter

	Traffic *traffic.Log
}

// New builds the shared state from an initial config snapshot and the path
// it was loaded from. client_map, admin_token, and rate-limiter parameters
// are derived here and frozen; later ReplaceConfig calls never touch them.
func New(snap *config.Snapshot, configPath string) *State {
	s := &State{
		configPath: configPath,
		startedAt:  time.Now(),
		clientMap:  buildClientMap(snap),
		adminToken: resolveAdminToken(snap),
		Traffic:    traffic.NewLog(snap.Gateway.TrafficLogCapacity),
	}
	if snap.Gateway.RateLimitRPM > 0 {
		s.rateLimiter = ratelimit.New(snap.Gateway.RateLimitRPM)
	}
	s.snapshot.Store(snap)
	return s
}

func buildClientMap(snap *config.Snapshot) map[string]ClientKey {
	m := make(map[string]ClientKey, len(snap.Clients))
	for _, c := range snap.Clients {
		if c.KeyEnv == "" {
			continue
		}
		key := os.Getenv(c.KeyEnv)
		if key == "" {
			continue
		}
		m[key] = ClientKey{Key: key, Profile: c.Profile}
	}
	return m
}

func resolveAdminToken(snap *config.Snapshot) string {
	if snap.Gateway.AdminTokenEnv == "" {
		return ""
	}
	return os.Getenv(snap.Gateway.AdminTokenEnv)
}

// Config returns a cheap reference to the current snapshot. Never blocks a
// concurrent ReplaceConfig and never sees a torn write.
func (s *State) Config() *config.Snapshot {
	return s.snapshot.Load()
}

// ReplaceConfig atomically installs a new snapshot. Callers are expected to
// have already validated it — ReplaceConfig itself performs no validation.
func (s *State) ReplaceConfig(snap *config.Snapshot) {
	s.snapshot.Store(snap)
}

// ConfigPath returns the path the config was loaded from, used by
// /admin/reload to re-read the same file.
func (s *State) ConfigPath() string {
	return s.configPath
}

// StartedAt returns the process start time, used by /status to report
// uptime.
func (s *State) StartedAt() time.Time {
	return s.startedAt
}

// AdminToken returns the frozen admin bearer token, or "" if admin auth is
// disabled.
func (s *State) AdminToken() string {
	return s.adminToken
}

// RateLimiter returns the frozen rate limiter, or nil if rate limiting is
// disabled.
func (s *State) RateLimiter() *ratelimit.Limiter {
	return s.rateLimiter
}

// ResolveClientKey looks up a bearer/API key against the frozen client map.
func (s *State) ResolveClientKey(key string) (ClientKey, bool) {
	ck, ok := s.clientMap[key]
	return ck, ok
}

// HasClients reports whether any client binding resolved to a key at
// construction (bindings whose env var was unset or empty are left out) —
// callers use this to decide whether client authentication is enforced at
// all.
func (s *State) HasClients() bool {
	return len(s.clientMap) > 0
}
