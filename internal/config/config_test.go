package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(body), 0644))
	return configPath
}

const validConfig = `
[gateway]
client_port = 8080
admin_port = 8081
traffic_log_capacity = 500

[backends.mock]
base_url = "http://localhost:9000"
provider = "canonical"
timeout_ms = 5000

[[tiers]]
name = "local:fast"
backend = "mock"
model = "fast-model"

[[tiers]]
name = "cloud:economy"
backend = "mock"
model = "economy-model"

[aliases]
"hint:fast" = "local:fast"

[profiles.default]
mode = "escalate"
classifier = "local:fast"
max_auto_tier = "cloud:economy"
expert_requires_flag = false
`

func TestLoadPopulatesSnapshot(t *testing.T) {
	path := writeConfig(t, validConfig)

	snap, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8080, snap.Gateway.ClientPort)
	assert.Equal(t, 500, snap.Gateway.TrafficLogCapacity)

	backend, ok := snap.Backends["mock"]
	assert.True(t, ok)
	assert.Equal(t, "http://localhost:9000", backend.BaseURL)
	assert.Equal(t, ProviderCanonical, backend.Provider)

	assert.Len(t, snap.Tiers, 2)
}

func TestLoadEnvOverride(t *testing.T) {
	path := writeConfig(t, validConfig)

	t.Setenv("LMG_GATEWAY_CLIENT_PORT", "9999")

	snap, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9999, snap.Gateway.ClientPort)
}

func TestLoadExpandsBaseURLPlaceholder(t *testing.T) {
	body := `
[gateway]
client_port = 8080
admin_port = 8081

[backends.mock]
base_url = "${MOCK_BASE_URL}"
provider = "canonical"
timeout_ms = 1000

[[tiers]]
name = "t"
backend = "mock"
model = "m"

[profiles.default]
mode = "dispatch"
classifier = "t"
max_auto_tier = "t"
`
	t.Setenv("MOCK_BASE_URL", "http://resolved.example")
	path := writeConfig(t, body)

	snap, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://resolved.example", snap.Backends["mock"].BaseURL)
}

func TestLoadRejectsTierWithUnknownBackend(t *testing.T) {
	body := `
[gateway]
client_port = 8080
admin_port = 8081

[backends.mock]
base_url = "http://localhost:9000"
provider = "canonical"
timeout_ms = 1000

[[tiers]]
name = "t"
backend = "ghost"
model = "m"

[profiles.default]
mode = "dispatch"
classifier = "t"
max_auto_tier = "t"
`
	path := writeConfig(t, body)
	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown backend")
}

func TestLoadRejectsEmptyBaseURL(t *testing.T) {
	body := `
[gateway]
client_port = 8080
admin_port = 8081

[backends.mock]
base_url = ""
provider = "canonical"
timeout_ms = 1000

[[tiers]]
name = "t"
backend = "mock"
model = "m"

[profiles.default]
mode = "dispatch"
classifier = "t"
max_auto_tier = "t"
`
	path := writeConfig(t, body)
	_, err := Load(path)
	assert.ErrorContains(t, err, "base_url must not be empty")
}

func TestLoadRejectsNegativeTimeout(t *testing.T) {
	body := `
[gateway]
client_port = 8080
admin_port = 8081

[backends.mock]
base_url = "http://localhost:9000"
provider = "canonical"
timeout_ms = -1

[[tiers]]
name = "t"
backend = "mock"
model = "m"

[profiles.default]
mode = "dispatch"
classifier = "t"
max_auto_tier = "t"
`
	path := writeConfig(t, body)
	_, err := Load(path)
	assert.ErrorContains(t, err, "timeout_ms must be positive")
}

func TestLoadRejectsAliasToUnknownTier(t *testing.T) {
	body := `
[gateway]
client_port = 8080
admin_port = 8081

[backends.mock]
base_url = "http://localhost:9000"
provider = "canonical"
timeout_ms = 1000

[[tiers]]
name = "t"
backend = "mock"
model = "m"

[aliases]
"alias:x" = "missing"

[profiles.default]
mode = "dispatch"
classifier = "t"
max_auto_tier = "t"
`
	path := writeConfig(t, body)
	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown tier")
}

func TestResolveTierFollowsAliasIdempotently(t *testing.T) {
	snap := &Snapshot{
		Tiers:   []Tier{{Name: "local:fast", Backend: "mock", Model: "m"}},
		Aliases: map[string]string{"hint:fast": "local:fast"},
	}

	viaAlias, ok := snap.ResolveTier("hint:fast")
	require.True(t, ok)
	viaName, ok := snap.ResolveTier("local:fast")
	require.True(t, ok)

	assert.Equal(t, "local:fast", viaAlias.Name)
	assert.Equal(t, viaName.Name, viaAlias.Name)
}

func TestResolveTierUnknownReturnsFalse(t *testing.T) {
	snap := &Snapshot{}
	_, ok := snap.ResolveTier("nope")
	assert.False(t, ok)
}

func TestProfileFallsBackToDefault(t *testing.T) {
	snap := &Snapshot{
		Profiles: map[string]Profile{
			"default": {Mode: ModeDispatch, ClassifierTier: "t"},
		},
	}

	unknown, ok := snap.Profile("nonexistent")
	require.True(t, ok)
	def, ok := snap.Profile("default")
	require.True(t, ok)
	assert.Equal(t, def, unknown)
}

func TestProfileMissingAndNoDefaultReturnsFalse(t *testing.T) {
	snap := &Snapshot{Profiles: map[string]Profile{}}
	_, ok := snap.Profile("anything")
	assert.False(t, ok)
}

func TestBackendAPIKeyResolvesFromEnv(t *testing.T) {
	t.Setenv("MY_KEY", "sk-test")
	b := Backend{APIKeyEnv: "MY_KEY"}
	assert.Equal(t, "sk-test", b.APIKey())
}

func TestBackendAPIKeyEmptyWhenEnvUnset(t *testing.T) {
	b := Backend{}
	assert.Equal(t, "", b.APIKey())
}
