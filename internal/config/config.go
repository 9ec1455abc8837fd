// Package config loads and validates the gateway's routing configuration.
//
// A Snapshot is immutable once built: Load parses the TOML file, layers
// LMG_-prefixed environment overrides on top the same way the koanf setup
// this is descended from layers YAML, then validates before handing back a
// usable snapshot. A validation failure never mutates anything the caller
// already has installed.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Provider identifies which wire-schema variant a backend speaks.
type Provider string

const (
	ProviderCanonical          Provider = "canonical"
	ProviderReferrerHeaders    Provider = "canonical-with-referrer-headers"
	ProviderLocalInference     Provider = "local-inference"
	ProviderMessagesStyle      Provider = "messages-style"
)

// Backend is the named configuration for one upstream endpoint.
type Backend struct {
	BaseURL   string   `koanf:"base_url"`
	APIKeyEnv string   `koanf:"api_key_env"`
	TimeoutMs int      `koanf:"timeout_ms"`
	Provider  Provider `koanf:"provider"`
}

// APIKey resolves the configured environment variable, if any. An unset or
// absent env var resolves to the empty string — callers decide whether that
// is tolerable for their provider variant.
func (b Backend) APIKey() string {
	if b.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(b.APIKeyEnv)
}

// Timeout returns the configured per-request timeout as a time.Duration.
func (b Backend) Timeout() time.Duration {
	return time.Duration(b.TimeoutMs) * time.Millisecond
}

// Tier is a name plus the (backend, model) pair it resolves to. Tiers are
// ordered in a list; list position defines cheapness for Escalate.
type Tier struct {
	Name    string `koanf:"name"`
	Backend string `koanf:"backend"`
	Model   string `koanf:"model"`
}

// Profile is a routing policy.
type Profile struct {
	Mode               RoutingMode `koanf:"mode"`
	ClassifierTier     string      `koanf:"classifier"`
	MaxAutoTier        string      `koanf:"max_auto_tier"`
	ExpertRequiresFlag bool        `koanf:"expert_requires_flag"`
}

// RoutingMode selects between Dispatch and Escalate.
type RoutingMode string

const (
	ModeDispatch RoutingMode = "dispatch"
	ModeEscalate RoutingMode = "escalate"
)

// ClientBinding maps a resolved client API key to the profile it is allowed
// to use.
type ClientBinding struct {
	KeyEnv  string `koanf:"key_env"`
	Profile string `koanf:"profile"`
}

// Gateway holds process-wide settings that aren't per-backend.
type Gateway struct {
	ClientPort          int     `koanf:"client_port"`
	AdminPort           int     `koanf:"admin_port"`
	TrafficLogCapacity  int     `koanf:"traffic_log_capacity"`
	RateLimitRPM        int     `koanf:"rate_limit_rpm"`
	AdminTokenEnv       string  `koanf:"admin_token_env"`
	HealthWindow        int     `koanf:"health_window"`
	HealthErrorThreshold float64 `koanf:"health_error_threshold"`
	MaxRetries          int     `koanf:"max_retries"`
}

// Snapshot is the full immutable configuration model described in spec §3.
type Snapshot struct {
	Gateway  Gateway            `koanf:"gateway"`
	Backends map[string]Backend `koanf:"backends"`
	Tiers    []Tier             `koanf:"tiers"`
	Aliases  map[string]string  `koanf:"aliases"`
	Profiles map[string]Profile `koanf:"profiles"`
	Clients  []ClientBinding    `koanf:"clients"`
}

const (
	defaultTrafficLogCapacity = 500
	defaultHealthWindow       = 50
	defaultHealthErrorThresh  = 0.5
)

// Load reads a TOML config file, layers LMG_-prefixed environment overrides
// on top, expands ${VAR} placeholders in backend base URLs, and validates
// the result. A validation failure returns an error and no Snapshot; the
// caller is expected to keep whatever snapshot it already had installed.
func Load(path string) (*Snapshot, error) {
	_ = godotenv.Load()

	k := koanf.New(".")

	if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
		return nil, fmt.Errorf("loading config file: %w", err)
	}

	if err := k.Load(env.Provider("LMG_", ".", func(s string) string {
		// Only the first underscore separates the section from the field;
		// the rest of the field name may itself be snake_case
		// (e.g. LMG_GATEWAY_CLIENT_PORT -> gateway.client_port).
		rest := strings.ToLower(strings.TrimPrefix(s, "LMG_"))
		parts := strings.SplitN(rest, "_", 2)
		return strings.Join(parts, ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env vars: %w", err)
	}

	var snap Snapshot
	if err := k.Unmarshal("", &snap); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if snap.Gateway.TrafficLogCapacity == 0 {
		snap.Gateway.TrafficLogCapacity = defaultTrafficLogCapacity
	}
	if snap.Gateway.HealthWindow == 0 {
		snap.Gateway.HealthWindow = defaultHealthWindow
	}
	if snap.Gateway.HealthErrorThreshold == 0 {
		snap.Gateway.HealthErrorThreshold = defaultHealthErrorThresh
	}

	for name, b := range snap.Backends {
		b.BaseURL = expandEnv(strings.TrimRight(b.BaseURL, "/"))
		if b.TimeoutMs == 0 {
			b.TimeoutMs = 30000
		}
		snap.Backends[name] = b
	}

	if err := snap.Validate(); err != nil {
		return nil, err
	}

	return &snap, nil
}

// expandEnv expands a single ${VAR_NAME} placeholder, if the string is
// wrapped in exactly that shape. Anything else passes through unchanged.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Validate checks the four cross-reference rules from spec §4.1. All must
// hold before a snapshot is considered installable.
func (s *Snapshot) Validate() error {
	for name, b := range s.Backends {
		if b.BaseURL == "" {
			return fmt.Errorf("backend %q: base_url must not be empty", name)
		}
		if b.TimeoutMs <= 0 {
			return fmt.Errorf("backend %q: timeout_ms must be positive, got %d", name, b.TimeoutMs)
		}
	}

	for _, t := range s.Tiers {
		if _, ok := s.Backends[t.Backend]; !ok {
			return fmt.Errorf("tier %q references unknown backend %q", t.Name, t.Backend)
		}
	}

	tierNames := make(map[string]bool, len(s.Tiers))
	for _, t := range s.Tiers {
		tierNames[t.Name] = true
	}

	for alias, target := range s.Aliases {
		if !tierNames[target] {
			return fmt.Errorf("alias %q targets unknown tier %q", alias, target)
		}
	}

	for name, p := range s.Profiles {
		if !tierNames[p.ClassifierTier] {
			return fmt.Errorf("profile %q references unknown classifier tier %q", name, p.ClassifierTier)
		}
	}

	profileNames := make(map[string]bool, len(s.Profiles))
	for name := range s.Profiles {
		profileNames[name] = true
	}

	for _, c := range s.Clients {
		if !profileNames[c.Profile] {
			return fmt.Errorf("client binding references unknown profile %q", c.Profile)
		}
	}

	return nil
}

// ResolveTier follows an alias (if modelStr names one) and looks up the
// resulting tier name, or looks modelStr up directly as a tier name.
func (s *Snapshot) ResolveTier(modelStr string) (*Tier, bool) {
	name := modelStr
	if target, ok := s.Aliases[modelStr]; ok {
		name = target
	}
	for i := range s.Tiers {
		if s.Tiers[i].Name == name {
			return &s.Tiers[i], true
		}
	}
	return nil, false
}

// Profile returns the named profile, falling back to "default", or false if
// neither exists.
func (s *Snapshot) Profile(name string) (*Profile, bool) {
	if p, ok := s.Profiles[name]; ok {
		return &p, true
	}
	if p, ok := s.Profiles["default"]; ok {
		return &p, true
	}
	return nil, false
}

// TierIndex returns the list position of the named tier, used by Escalate to
// compute max_auto_tier.
func (s *Snapshot) TierIndex(name string) (int, bool) {
	for i := range s.Tiers {
		if s.Tiers[i].Name == name {
			return i, true
		}
	}
	return 0, false
}
