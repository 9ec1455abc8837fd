package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lm-gateway/lm-gateway/internal/apperr"
)

// Canonical forwards requests to a backend that already speaks the
// canonical OpenAI-compatible chat-completions schema. It is also used for
// the referrer-headers variant, which differs only in the static headers
// attached to every request (e.g. OpenRouter's HTTP-Referer/X-Title).
type Canonical struct {
	name         string
	client       *http.Client // buffered calls, honours the configured timeout
	streamClient *http.Client // streaming calls, no per-request timeout
	baseURL      string
	apiKey       string
	extraHeaders map[string]string
}

// NewCanonical builds a Canonical adapter. extraHeaders is nil for the plain
// canonical variant and non-nil for canonical-with-referrer-headers.
func NewCanonical(baseURL, apiKey string, timeout time.Duration, extraHeaders map[string]string) *Canonical {
	return &Canonical{
		name:         "canonical",
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		baseURL:      baseURL,
		apiKey:       apiKey,
		extraHeaders: extraHeaders,
	}
}

func (c *Canonical) Name() string { return c.name }

func (c *Canonical) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range c.extraHeaders {
		req.Header.Set(k, v)
	}
}

func (c *Canonical) Chat(ctx context.Context, body map[string]any) (map[string]any, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.Decode, "marshaling request", err)
	}

	url := c.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, "building request", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
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

func (c *Canonical) ChatStream(ctx context.Context, body map[string]any) (<-chan Frame, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, apperr.Wrap(apperr.Decode, "marshaling request", err)
	}

	url := c.baseURL + "/v1/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, "building request", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.streamClient.Do(httpReq)
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

// relayLines forwards the upstream body to ch one SSE event at a time (its
// lines up to and including the blank line that ends it), verbatim — the
// upstream already speaks the canonical SSE schema, so no translation
// happens here, only incremental forwarding with buffering bounded by the
// size of one event.
func relayLines(ctx context.Context, body io.ReadCloser, ch chan<- Frame) {
	defer close(ch)
	defer body.Close()

	reader := bufio.NewReader(body)
	var event []byte
	for {
		line, err := reader.ReadBytes('\n')
		event = append(event, line...)
		if len(event) > 0 && (err != nil || len(bytes.TrimRight(line, "\r\n")) == 0) {
			select {
			case ch <- Frame{Data: event}:
			case <-ctx.Done():
				return
			}
			event = nil
		}
		if err != nil {
			if err != io.EOF {
				select {
				case ch <- Frame{Err: apperr.Wrap(apperr.Transport, "reading upstream stream", err)}:
				case <-ctx.Done():
				}
			}
			return
		}
	}
}

func (c *Canonical) Health(ctx context.Context) error {
	url := c.baseURL + "/v1/models"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperr.Wrap(apperr.Transport, "building health request", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Transport, fmt.Sprintf("GET %s", url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.New(apperr.Status, fmt.Sprintf("health check returned HTTP %d", resp.StatusCode))
	}
	return nil
}
