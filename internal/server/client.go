package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lm-gateway/lm-gateway/internal/adapter"
	"github.com/lm-gateway/lm-gateway/internal/apperr"
	"github.com/lm-gateway/lm-gateway/internal/config"
	"github.com/lm-gateway/lm-gateway/internal/router"
)

// resolveClientProfile determines which profile a request is allowed to use.
// When no [[clients]] bindings are configured, client auth is disabled and
// every request gets the default profile. Otherwise the bearer key must
// resolve to a binding; the bound profile always wins over anything the
// caller might claim — the whole point of a client binding is that the
// client can't pick its own ceiling.
func (s *Server) resolveClientProfile(r *http.Request) (string, bool) {
	if !s.state.HasClients() {
		return "default", true
	}

	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	key := strings.TrimPrefix(auth, prefix)

	ck, ok := s.state.ResolveClientKey(key)
	if !ok {
		return "", false
	}
	return ck.Profile, true
}

// handleChatCompletions is the single client-facing routing entry point:
// POST /v1/chat/completions.
func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	profileName, ok := s.resolveClientProfile(r)
	if !ok {
		writeJSONError(w, http.StatusUnauthorized, "missing or unrecognized client API key")
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	stream, _ := body["stream"].(bool)
	requestID := requestIDFrom(r.Context())

	result, err := router.Route(r.Context(), s.state, s.logger, body, profileName, requestID, stream)
	if err != nil {
		writeJSONError(w, apperr.StatusCode(apperr.As(err)), err.Error())
		return
	}

	if stream {
		s.writeStream(w, result.Stream)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(result.Response)
}

// writeStream copies canonical SSE frames to the client as they arrive,
// flushing after each one so partial output reaches the caller immediately.
// A write failure (client gone) stops draining further frames — the
// upstream reader goroutine notices on its own next send and exits.
func (s *Server) writeStream(w http.ResponseWriter, frames <-chan adapter.Frame) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)

	for frame := range frames {
		if frame.Err != nil {
			s.logger.Warn("stream terminated with error", zap.Error(frame.Err))
			return
		}
		if _, err := w.Write(frame.Data); err != nil {
			return
		}
		if canFlush {
			flusher.Flush()
		}
	}
}

// handleModels lists every tier and alias as a routable model name.
func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	snap := s.state.Config()

	data := make([]map[string]any, 0, len(snap.Tiers)+len(snap.Aliases))
	for _, t := range snap.Tiers {
		data = append(data, map[string]any{
			"id":       t.Name,
			"object":   "model",
			"owned_by": t.Backend,
		})
	}
	for alias, tier := range snap.Aliases {
		data = append(data, map[string]any{
			"id":            alias,
			"object":        "model",
			"owned_by":      "alias",
			"resolved_tier": tier,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"object": "list",
		"data":   data,
	})
}

// handleHealthz is an always-200 liveness probe.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleStatus reports aggregate traffic stats without revealing tier or
// backend names.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	stats := s.state.Traffic.Stats()
	snap := s.state.Config()

	errorRate := 0.0
	if stats.TotalRequests > 0 {
		errorRate = float64(stats.ErrorCount) / float64(stats.TotalRequests)
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"uptime_seconds":   int64(time.Since(s.state.StartedAt()).Seconds()),
		"total_requests":   stats.TotalRequests,
		"error_rate":       errorRate,
		"escalation_count": stats.EscalationCount,
		"avg_latency_ms":   stats.AvgLatencyMs,
		"ready":            allRequiredKeysPresent(snap),
	})
}

// allRequiredKeysPresent reports whether every backend whose provider
// variant actually requires a resolvable key at construction has one set.
// Only messages-style backends fail to construct without a key
// (adapter.New returns a Configuration error); canonical and
// local-inference backends tolerate a missing key as passthrough, so an
// unset optional api_key_env on those must not flip /status's ready flag.
func allRequiredKeysPresent(snap *config.Snapshot) bool {
	for _, b := range snap.Backends {
		if b.Provider == config.ProviderMessagesStyle && b.APIKey() == "" {
			return false
		}
	}
	return true
}
