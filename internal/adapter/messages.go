package adapter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lm-gateway/lm-gateway/internal/apperr"
)

const (
	messagesDefaultMaxTokens = 8192
	messagesAPIVersion       = "2023-06-01"
	messagesHealthModel      = "claude-3-haiku-20240307"
)

// Messages adapts a Messages-style backend (system prompt as a top-level
// field, typed content blocks, provider-specific auth header) to the
// canonical chat-completion schema.
type Messages struct {
	client       *http.Client
	streamClient *http.Client
	baseURL      string
	apiKey       string
}

func NewMessages(baseURL, apiKey string, timeout time.Duration) *Messages {
	return &Messages{
		client:       &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
		baseURL:      baseURL,
		apiKey:       apiKey,
	}
}

func (m *Messages) Name() string { return "messages-style" }

func (m *Messages) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", m.apiKey)
	req.Header.Set("anthropic-version", messagesAPIVersion)
}

// toMessagesRequest translates a canonical chat-completion request body into
// the Messages-style wire shape, per the system-extraction and
// stop/stop_sequences renaming rules.
func toMessagesRequest(body map[string]any) (map[string]any, error) {
	model, ok := body["model"].(string)
	if !ok || model == "" {
		return nil, apperr.New(apperr.Decode, "request missing model")
	}
	rawMessages, ok := body["messages"].([]any)
	if !ok {
		return nil, apperr.New(apperr.Decode, "request missing messages")
	}

	var systemParts []string
	var rest []any
	for _, raw := range rawMessages {
		msg, ok := raw.(map[string]any)
		if !ok {
			rest = append(rest, raw)
			continue
		}
		if role, _ := msg["role"].(string); role == "system" {
			if content, ok := msg["content"].(string); ok {
				systemParts = append(systemParts, content)
			}
			continue
		}
		rest = append(rest, raw)
	}

	out := map[string]any{
		"model":    model,
		"messages": rest,
	}
	if maxTokens, ok := body["max_tokens"]; ok {
		out["max_tokens"] = maxTokens
	} else {
		out["max_tokens"] = messagesDefaultMaxTokens
	}
	if len(systemParts) > 0 {
		out["system"] = strings.Join(systemParts, "\n\n")
	}
	if temp, ok := body["temperature"]; ok {
		out["temperature"] = temp
	}
	if stop, ok := body["stop"]; ok {
		out["stop_sequences"] = stop
	}
	return out, nil
}

func mapStopReason(reason string) string {
	switch reason {
	case "end_turn":
		return "stop"
	case "max_tokens":
		return "length"
	default:
		return reason
	}
}

// fromMessagesResponse translates a Messages-style response into a canonical
// chat-completion object with a single choice.
func fromMessagesResponse(resp map[string]any) (map[string]any, error) {
	blocks, _ := resp["content"].([]any)
	var text string
	found := false
	for _, raw := range blocks {
		block, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if t, _ := block["type"].(string); t == "text" {
			text, _ = block["text"].(string)
			found = true
			break
		}
	}
	if !found {
		return nil, apperr.New(apperr.Decode, "response has no text content block")
	}

	finishReason := "stop"
	if sr, ok := resp["stop_reason"].(string); ok {
		finishReason = mapStopReason(sr)
	}

	usage := map[string]any{}
	if u, ok := resp["usage"].(map[string]any); ok {
		inputTokens, _ := u["input_tokens"].(float64)
		outputTokens, _ := u["output_tokens"].(float64)
		usage["prompt_tokens"] = inputTokens
		usage["completion_tokens"] = outputTokens
		usage["total_tokens"] = inputTokens + outputTokens
	}

	out := map[string]any{
		"id":     resp["id"],
		"object": "chat.completion",
		"model":  resp["model"],
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": text,
				},
				"finish_reason": finishReason,
			},
		},
		"usage": usage,
	}
	return out, nil
}

func (m *Messages) Chat(ctx context.Context, body map[string]any) (map[string]any, error) {
	translated, err := toMessagesRequest(body)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(translated)
	if err != nil {
		return nil, apperr.Wrap(apperr.Decode, "marshaling request", err)
	}

	url := m.baseURL + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, "building request", err)
	}
	m.setHeaders(req)

	resp, err := m.client.Do(req)
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

	var raw map[string]any
	if err := json.Unmarshal(text, &raw); err != nil {
		return nil, apperr.Wrap(apperr.Decode, "parsing backend response as JSON", err)
	}
	return fromMessagesResponse(raw)
}

func (m *Messages) ChatStream(ctx context.Context, body map[string]any) (<-chan Frame, error) {
	translated, err := toMessagesRequest(body)
	if err != nil {
		return nil, err
	}
	translated["stream"] = true
	payload, err := json.Marshal(translated)
	if err != nil {
		return nil, apperr.Wrap(apperr.Decode, "marshaling request", err)
	}

	url := m.baseURL + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, "building request", err)
	}
	m.setHeaders(req)

	resp, err := m.streamClient.Do(req)
	if err != nil {
		return nil, apperr.Wrap(apperr.Transport, fmt.Sprintf("POST %s", url), err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		text, _ := io.ReadAll(resp.Body)
		return nil, apperr.New(apperr.Status, fmt.Sprintf("backend returned HTTP %d: %s", resp.StatusCode, text))
	}

	ch := make(chan Frame, 1)
	go translateMessagesStream(ctx, resp.Body, ch)
	return ch, nil
}

// sseTranslator holds the small bit of state translateMessagesStream carries
// across upstream events: the synthesized message id and the model name,
// which only message_start reveals.
type sseTranslator struct {
	msgID string
	model string
}

func (t *sseTranslator) chunk(delta map[string]any, finishReason any) []byte {
	frame := map[string]any{
		"id":     t.msgID,
		"object": "chat.completion.chunk",
		"model":  t.model,
		"choices": []any{
			map[string]any{
				"index":         0,
				"delta":         delta,
				"finish_reason": finishReason,
			},
		},
	}
	encoded, _ := json.Marshal(frame)
	return append([]byte("data: "), append(encoded, '\n', '\n')...)
}

// translateMessagesStream reads upstream "event: name\ndata: json\n\n" frames
// line by line and emits translated canonical SSE frames, per the
// event-mapping table: message_start opens the canonical stream,
// content_block_delta forwards text, message_delta closes it with a mapped
// finish_reason, and ping/content_block_start/content_block_stop/message_stop
// are skipped.
func translateMessagesStream(ctx context.Context, body io.ReadCloser, ch chan<- Frame) {
	defer close(ch)
	defer body.Close()

	state := &sseTranslator{msgID: "chatcmpl-" + uuid.NewString(), model: "unknown"}
	reader := bufio.NewReader(body)

	var currentEvent string
	send := func(f Frame) bool {
		select {
		case ch <- f:
			return true
		case <-ctx.Done():
			return false
		}
	}

	for {
		line, err := reader.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")

		switch {
		case strings.HasPrefix(trimmed, "event:"):
			currentEvent = strings.TrimSpace(strings.TrimPrefix(trimmed, "event:"))
		case strings.HasPrefix(trimmed, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(trimmed, "data:"))
			if frame, ok := translateEvent(state, currentEvent, data); ok {
				if !send(Frame{Data: frame}) {
					return
				}
			}
		}

		if err != nil {
			if err != io.EOF {
				send(Frame{Err: apperr.Wrap(apperr.Transport, "reading upstream stream", err)})
				return
			}
			break
		}
	}
	send(doneFrame)
}

// translateEvent maps a single decoded upstream SSE event to a canonical
// frame, mutating state when the event carries state (message_start's
// model). Returns ok=false for events the canonical stream has no shape for.
func translateEvent(state *sseTranslator, event, data string) ([]byte, bool) {
	var payload map[string]any
	if data != "" {
		_ = json.Unmarshal([]byte(data), &payload)
	}

	switch event {
	case "message_start":
		if msg, ok := payload["message"].(map[string]any); ok {
			if model, ok := msg["model"].(string); ok && model != "" {
				state.model = model
			}
		}
		return state.chunk(map[string]any{"role": "assistant", "content": ""}, nil), true

	case "content_block_delta":
		delta, ok := payload["delta"].(map[string]any)
		if !ok {
			return nil, false
		}
		if deltaType, _ := delta["type"].(string); deltaType != "" && deltaType != "text_delta" {
			return nil, false
		}
		text, ok := delta["text"].(string)
		if !ok {
			return nil, false
		}
		return state.chunk(map[string]any{"content": text}, nil), true

	case "message_delta":
		delta, ok := payload["delta"].(map[string]any)
		if !ok {
			return nil, false
		}
		stopReason, ok := delta["stop_reason"].(string)
		if !ok {
			return nil, false
		}
		return state.chunk(map[string]any{}, mapStopReason(stopReason)), true

	case "ping", "content_block_start", "content_block_stop", "message_stop":
		return nil, false

	default:
		return nil, false
	}
}

func (m *Messages) Health(ctx context.Context) error {
	probe := map[string]any{
		"model":      messagesHealthModel,
		"max_tokens": 1,
		"messages": []any{
			map[string]any{"role": "user", "content": "hi"},
		},
	}
	payload, err := json.Marshal(probe)
	if err != nil {
		return apperr.Wrap(apperr.Decode, "marshaling health probe", err)
	}

	url := m.baseURL + "/v1/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return apperr.Wrap(apperr.Transport, "building health request", err)
	}
	m.setHeaders(req)

	resp, err := m.client.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.Transport, fmt.Sprintf("POST %s", url), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return apperr.New(apperr.Status, fmt.Sprintf("health check returned HTTP %d", resp.StatusCode))
	}
	return nil
}
