package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lm-gateway/lm-gateway/internal/adapter"
	"github.com/lm-gateway/lm-gateway/internal/config"
	"github.com/lm-gateway/lm-gateway/internal/metrics"
)

// handleAdminHealth reports coarse counts of the currently configured
// routing surface.
func (s *Server) handleAdminHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Config()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"tiers":    len(snap.Tiers),
		"backends": len(snap.Backends),
	})
}

// handleAdminTraffic returns recent traffic records and aggregate stats.
// ?limit=N caps how many records come back; omitted means "all buffered".
func (s *Server) handleAdminTraffic(w http.ResponseWriter, r *http.Request) {
	limit := -1
	if q := r.URL.Query().Get("limit"); q != "" {
		if n, err := strconv.Atoi(q); err == nil {
			limit = n
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"recent": s.state.Traffic.Recent(limit),
		"stats":  s.state.Traffic.Stats(),
	})
}

// handleAdminConfig echoes back the current config with API keys redacted
// to presence booleans — never the key values themselves.
func (s *Server) handleAdminConfig(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Config()

	backends := make(map[string]map[string]any, len(snap.Backends))
	for name, b := range snap.Backends {
		backends[name] = map[string]any{
			"base_url":       b.BaseURL,
			"provider":       b.Provider,
			"timeout_ms":     b.TimeoutMs,
			"api_key_env":    b.APIKeyEnv,
			"api_key_is_set": b.APIKey() != "",
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"gateway":  snap.Gateway,
		"backends": backends,
		"tiers":    snap.Tiers,
		"aliases":  snap.Aliases,
		"profiles": snap.Profiles,
	})
}

// handleAdminBackendsHealth runs a live health probe against every
// configured backend and pairs it with the traffic-window health signal.
func (s *Server) handleAdminBackendsHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Config()
	windowHealth := s.state.Traffic.BackendHealth(snap.Gateway.HealthWindow, snap.Gateway.HealthErrorThreshold)

	out := make(map[string]any, len(snap.Backends))
	for name, desc := range snap.Backends {
		entry := map[string]any{}

		a, err := adapter.New(desc)
		if err != nil {
			entry["probe_error"] = err.Error()
		} else if err := a.Health(r.Context()); err != nil {
			entry["probe_healthy"] = false
			entry["probe_error"] = err.Error()
		} else {
			entry["probe_healthy"] = true
		}

		if wh, ok := windowHealth[name]; ok {
			entry["window"] = wh
		}
		out[name] = entry
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

// handleAdminReload re-reads the config file named at startup, validates it,
// and installs it atomically on success. On failure the prior config is
// retained and the caller gets a 422.
func (s *Server) handleAdminReload(w http.ResponseWriter, r *http.Request) {
	snap, err := config.Load(s.state.ConfigPath())
	if err != nil {
		writeJSONError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.state.ReplaceConfig(snap)
	w.WriteHeader(http.StatusOK)
}

// handleMetrics serves Prometheus text format, recomputed from the traffic
// ring on every scrape.
func (s *Server) handleMetrics() http.Handler {
	return promhttp.HandlerFor(metrics.Registry(s.state.Traffic), promhttp.HandlerOpts{})
}
