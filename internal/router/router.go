// Package router implements the core request-routing algorithm: resolving a
// tier from a model hint or profile, then dispatching to it directly
// (Dispatch) or climbing tiers cheapest-first until a sufficient response is
// found (Escalate).
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lm-gateway/lm-gateway/internal/adapter"
	"github.com/lm-gateway/lm-gateway/internal/apperr"
	"github.com/lm-gateway/lm-gateway/internal/config"
	"github.com/lm-gateway/lm-gateway/internal/state"
	"github.com/lm-gateway/lm-gateway/internal/traffic"
)

// minSufficientLength is the shortest response is_sufficient ever accepts.
const minSufficientLength = 20

// insufficientPhrases are case-insensitive substrings that mark a response
// as a non-answer regardless of length.
var insufficientPhrases = []string{
	"i don't know",
	"i cannot",
	"i'm not able to",
	"as an ai",
	"i don't have enough information",
}

// Result is the outcome of Route: exactly one of Response or Stream is set.
type Result struct {
	Response map[string]any
	Stream   <-chan adapter.Frame
	Record   traffic.Entry
}

// newAdapter is swapped out in tests; production always calls adapter.New.
var newAdapter = adapter.New

// Route is the single entry point the HTTP handlers call. It never panics on
// a malformed profile/model — every failure mode is a typed apperr.
func Route(ctx context.Context, st *state.State, logger *zap.Logger, body map[string]any, profileName, requestID string, stream bool) (*Result, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	snap := st.Config() // step 1: snapshot once, use for the whole call

	if profileName == "" {
		profileName = "default"
	}
	profile, ok := snap.Profile(profileName)
	if !ok {
		return nil, apperr.New(apperr.Configuration, fmt.Sprintf("unknown profile %q", profileName))
	}

	modelHint := "hint:fast"
	if m, ok := body["model"].(string); ok && m != "" {
		modelHint = m
	}

	targetTier, ok := snap.ResolveTier(modelHint)
	if !ok {
		targetTier, ok = snap.ResolveTier(profile.ClassifierTier)
		if !ok {
			return nil, apperr.New(apperr.Configuration, fmt.Sprintf("classifier tier %q not found", profile.ClassifierTier))
		}
	}

	var result *Result
	var err error

	switch {
	case stream:
		result, err = routeStream(ctx, snap, targetTier, body)
	case profile.Mode == config.ModeEscalate:
		result, err = escalate(ctx, st, logger, snap, profile, targetTier, body)
	default:
		result, err = dispatch(ctx, snap, targetTier, body)
	}
	if result == nil {
		return nil, err
	}

	mode := string(profile.Mode)
	if stream {
		mode = "stream"
	}
	result.Record = result.Record.
		WithProfile(profileName).
		WithRequestedModel(modelHint).
		WithRoutingMode(mode).
		WithRequestID(requestID)

	st.Traffic.Push(result.Record)
	return result, err
}

func dispatch(ctx context.Context, snap *config.Snapshot, tier *config.Tier, body map[string]any) (*Result, error) {
	backend, ok := snap.Backends[tier.Backend]
	if !ok {
		return nil, apperr.New(apperr.Configuration, fmt.Sprintf("tier %q references unknown backend %q", tier.Name, tier.Backend))
	}

	req := rewriteBody(body, tier.Model, false)

	a, err := newAdapter(backend)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := a.Chat(ctx, req)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		entry := traffic.NewEntry(tier.Name, tier.Backend, latency, false).WithError(err.Error())
		return &Result{Record: entry}, err
	}

	entry := traffic.NewEntry(tier.Name, tier.Backend, latency, true)
	return &Result{Response: resp, Record: entry}, nil
}

func escalate(ctx context.Context, st *state.State, logger *zap.Logger, snap *config.Snapshot, profile *config.Profile, targetTier *config.Tier, body map[string]any) (*Result, error) {
	maxIndex := len(snap.Tiers) - 1
	if idx, ok := snap.TierIndex(profile.MaxAutoTier); ok {
		maxIndex = idx
	}

	for i := 0; i <= maxIndex && i < len(snap.Tiers); i++ {
		tier := snap.Tiers[i]

		backend, ok := snap.Backends[tier.Backend]
		if !ok {
			continue
		}

		if snap.Gateway.HealthWindow > 0 {
			health := st.Traffic.BackendHealth(snap.Gateway.HealthWindow, snap.Gateway.HealthErrorThreshold)
			if bh, ok := health[tier.Backend]; ok && !bh.Healthy {
				logger.Warn("skipping unhealthy backend candidate",
					zap.String("tier", tier.Name), zap.String("backend", tier.Backend))
				continue
			}
		}

		a, err := newAdapter(backend)
		if err != nil {
			logger.Warn("skipping candidate: adapter construction failed",
				zap.String("tier", tier.Name), zap.String("backend", tier.Backend), zap.Error(err))
			continue
		}

		req := rewriteBody(body, tier.Model, false)

		start := time.Now()
		resp, err := a.Chat(ctx, req)
		latency := time.Since(start).Milliseconds()

		if err != nil {
			continue
		}

		if isSufficient(resp) {
			entry := traffic.NewEntry(tier.Name, tier.Backend, latency, true)
			if i > 0 {
				entry = entry.MarkEscalated()
			}
			return &Result{Response: resp, Record: entry}, nil
		}
	}

	entry := traffic.NewEntry(targetTier.Name, targetTier.Backend, 0, false).WithError("escalate exhausted all tiers without a sufficient response")
	return &Result{Record: entry}, apperr.New(apperr.Exhaustion, "escalate exhausted all tiers without a sufficient response")
}

func routeStream(ctx context.Context, snap *config.Snapshot, tier *config.Tier, body map[string]any) (*Result, error) {
	backend, ok := snap.Backends[tier.Backend]
	if !ok {
		return nil, apperr.New(apperr.Configuration, fmt.Sprintf("tier %q references unknown backend %q", tier.Name, tier.Backend))
	}

	req := rewriteBody(body, tier.Model, true)

	a, err := newAdapter(backend)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	ch, err := a.ChatStream(ctx, req)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		entry := traffic.NewEntry(tier.Name, tier.Backend, latency, false).WithError(err.Error())
		return &Result{Record: entry}, err
	}

	entry := traffic.NewEntry(tier.Name, tier.Backend, latency, true)
	return &Result{Stream: ch, Record: entry}, nil
}

// rewriteBody returns a shallow copy of body with model and stream
// overwritten — the original caller-supplied map is never mutated.
func rewriteBody(body map[string]any, model string, stream bool) map[string]any {
	out := make(map[string]any, len(body)+2)
	for k, v := range body {
		out[k] = v
	}
	out["model"] = model
	out["stream"] = stream
	return out
}

// isSufficient is the pure heuristic Escalate uses to decide whether a
// response is worth accepting instead of climbing to the next tier.
func isSufficient(response map[string]any) bool {
	content, ok := firstChoiceContent(response)
	if !ok {
		return false
	}
	if len(content) < minSufficientLength {
		return false
	}
	lower := strings.ToLower(content)
	for _, phrase := range insufficientPhrases {
		if strings.Contains(lower, phrase) {
			return false
		}
	}
	return true
}

func firstChoiceContent(response map[string]any) (string, bool) {
	choices, ok := response["choices"].([]any)
	if !ok || len(choices) == 0 {
		return "", false
	}
	choice, ok := choices[0].(map[string]any)
	if !ok {
		return "", false
	}
	message, ok := choice["message"].(map[string]any)
	if !ok {
		return "", false
	}
	content, ok := message["content"].(string)
	if !ok {
		return "", false
	}
	return content, true
}
