package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lm-gateway/lm-gateway/internal/apperr"
)

// LocalInference adapts a locally-running, keyless OpenAI-compatible server
// (Ollama, LM Studio, vLLM running without auth). It is intentionally thin:
// same wire endpoint as Canonical, no Authorization header, and a root-path
// liveness probe instead of /v1/models since local runtimes don't all
// implement model listing.
type LocalInference struct {
	client       *http.Client
	streamClient *http.Client
	baseURL      string
}

func NewLocalInference(baseURL string, timeout time.Duration) *LocalInference {
	return &LocalInference{
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		baseURL:      baseURL,
	}
}

func (l *LocalInference) Name() string { return "local-inference" }

func (l *LocalInference) Chat(ctx context.Context, body map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.Decode, "marshaling request", err)
	}

	url := l.baseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, fmt.Sprintf("POST %s", url), err)
	}
	defer resp.Body.Close()

	text, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, "reading response body", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, apperr.New(apperr.Status, fmt.Sprintf("backend returned HTTP %d: %s", resp.StatusCode, text))
	}

	var out map[string]any
	if err := json.Unmarshal(text, &out); err != nil {
		return nil, apperr.Wrap(apperr.Decode, "parsing backend response as JSON", err)
	}
	return out, nil
}

func (l *LocalInference) ChatStream(ctx context.Context, body map[string]any) (<-chan Frame, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.Decode, "marshaling request", err)
	}

	url := l.baseURL + "/v1/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, "building request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.streamClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, fmt.Sprintf("POST %s", url), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		text, _ := io.ReadAll(resp.Body)
		return nil, apperr.New(apperr.Status, fmt.Sprintf("backend returned HTTP %d: %s", resp.StatusCode, text))
	}

	ch := make(chan Frame, 1)
	go relayLines(ctx, resp.Body, ch)
	return ch, nil
}

func (l *LocalInference) Health(ctx context.Context) error {
	url := l.baseURL + "/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperr.Wrap(apperr.Transport, "building health request", err)
	}

	resp, err := l.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Transport, fmt.Sprintf("GET %s", url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.New(apperr.Status, fmt.Sprintf("health check returned HTTP %d", resp.StatusCode))
	}
	return nil
}
