package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/lm-gateway/lm-gateway/internal/config"
	"github.com/lm-gateway/lm-gateway/internal/state"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot() *config.Snapshot {
	return &config.Snapshot{
		Gateway: config.Gateway{
			TrafficLogCapacity: 10,
			HealthWindow:       10,
			HealthErrorThreshold: 0.5,
		},
		Backends: map[string]config.Backend{
			"mock": {BaseURL: "http://localhost:0", Provider: config.ProviderCanonical},
		},
		Tiers: []config.Tier{
			{Name: "local:fast", Backend: "mock", Model: "m-fast"},
		},
		Profiles: map[string]config.Profile{
			"default": {Mode: config.ModeDispatch, ClassifierTier: "local:fast", MaxAutoTier: "local:fast"},
		},
	}
}

func testServer() *Server {
	st := state.New(testSnapshot(), "/tmp/does-not-exist.toml")
	return New(st, zap.NewNop())
}

func TestHealthzAlwaysOK(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.ClientHandler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestStatusDoesNotExposeTierNames(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rr := httptest.NewRecorder()
	s.ClientHandler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.NotContains(t, rr.Body.String(), "local:fast")
}

func TestModelsListsTiersAndAliases(t *testing.T) {
	snap := testSnapshot()
	snap.Aliases = map[string]string{"fast": "local:fast"}
	st := state.New(snap, "/tmp/x.toml")
	s := New(st, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rr := httptest.NewRecorder()
	s.ClientHandler().ServeHTTP(rr, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	data := body["data"].([]any)
	assert.Len(t, data, 2)
}

func TestChatCompletionsRejectsInvalidJSON(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString("not json"))
	rr := httptest.NewRecorder()
	s.ClientHandler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestChatCompletionsRejectsUnknownClientKeyWhenAuthEnabled(t *testing.T) {
	snap := testSnapshot()
	snap.Clients = []config.ClientBinding{{KeyEnv: "LMG_TEST_SERVER_CLIENT_KEY", Profile: "default"}}
	t.Setenv("LMG_TEST_SERVER_CLIENT_KEY", "good-key")
	st := state.New(snap, "/tmp/x.toml")
	s := New(st, zap.NewNop())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewBufferString(`{"model":"local:fast"}`))
	req.Header.Set("Authorization", "Bearer bad-key")
	rr := httptest.NewRecorder()
	s.ClientHandler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAdminHealthReportsTierAndBackendCounts(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	rr := httptest.NewRecorder()
	s.AdminHandler().ServeHTTP(rr, req)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.EqualValues(t, 1, body["tiers"])
	assert.EqualValues(t, 1, body["backends"])
}

func TestAdminEndpointsRequireBearerTokenWhenConfigured(t *testing.T) {
	snap := testSnapshot()
	snap.Gateway.AdminTokenEnv = "LMG_TEST_SERVER_ADMIN_TOKEN"
	t.Setenv("LMG_TEST_SERVER_ADMIN_TOKEN", "s3cr3t")
	st := state.New(snap, "/tmp/x.toml")
	s := New(st, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	rr := httptest.NewRecorder()
	s.AdminHandler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	req2.Header.Set("Authorization", "Bearer s3cr3t")
	rr2 := httptest.NewRecorder()
	s.AdminHandler().ServeHTTP(rr2, req2)
	assert.Equal(t, http.StatusOK, rr2.Code)
}

func TestAdminConfigRedactsAPIKeys(t *testing.T) {
	snap := testSnapshot()
	backend := snap.Backends["mock"]
	backend.APIKeyEnv = "LMG_TEST_SERVER_BACKEND_KEY"
	snap.Backends["mock"] = backend
	t.Setenv("LMG_TEST_SERVER_BACKEND_KEY", "super-secret-value")
	st := state.New(snap, "/tmp/x.toml")
	s := New(st, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/admin/config", nil)
	rr := httptest.NewRecorder()
	s.AdminHandler().ServeHTTP(rr, req)

	assert.NotContains(t, rr.Body.String(), "super-secret-value")
	assert.Contains(t, rr.Body.String(), "api_key_is_set")
}

func TestMetricsEndpointServesPrometheusText(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	s.AdminHandler().ServeHTTP(rr, req)

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "lmg_window_size")
}

func TestRequestIDIsGeneratedAndEchoed(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()
	s.ClientHandler().ServeHTTP(rr, req)

	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
}

func TestRequestIDEchoesInboundValue(t *testing.T) {
	s := testServer()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "my-custom-id")
	rr := httptest.NewRecorder()
	s.ClientHandler().ServeHTTP(rr, req)

	assert.Equal(t, "my-custom-id", rr.Header().Get("X-Request-Id"))
}
