package adapter

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMessagesRequestExtractsSystemAndDefaultsMaxTokens(t *testing.T) {
	body := map[string]any{
		"model": "claude-3",
		"messages": []any{
			map[string]any{"role": "system", "content": "be terse"},
			map[string]any{"role": "system", "content": "avoid jargon"},
			map[string]any{"role": "user", "content": "hi"},
		},
	}
	out, err := toMessagesRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "be terse\n\navoid jargon", out["system"])
	assert.EqualValues(t, messagesDefaultMaxTokens, out["max_tokens"])
	rest := out["messages"].([]any)
	require.Len(t, rest, 1)
}

func TestToMessagesRequestHonorsExplicitMaxTokensAndStop(t *testing.T) {
	body := map[string]any{
		"model":      "claude-3",
		"max_tokens": 50,
		"stop":       []any{"STOP"},
		"messages":   []any{map[string]any{"role": "user", "content": "hi"}},
	}
	out, err := toMessagesRequest(body)
	require.NoError(t, err)
	assert.EqualValues(t, 50, out["max_tokens"])
	assert.Equal(t, []any{"STOP"}, out["stop_sequences"])
}

func TestToMessagesRequestFailsWithoutModel(t *testing.T) {
	_, err := toMessagesRequest(map[string]any{"messages": []any{}})
	require.Error(t, err)
}

func TestToMessagesRequestFailsWithoutMessages(t *testing.T) {
	_, err := toMessagesRequest(map[string]any{"model": "claude-3"})
	require.Error(t, err)
}

func TestMapStopReasonTranslatesKnownValues(t *testing.T) {
	assert.Equal(t, "stop", mapStopReason("end_turn"))
	assert.Equal(t, "length", mapStopReason("max_tokens"))
	assert.Equal(t, "tool_use", mapStopReason("tool_use"))
}

func TestFromMessagesResponseTranslatesUsageAndStopReason(t *testing.T) {
	resp := map[string]any{
		"id":    "msg_1",
		"model": "claude-3",
		"content": []any{
			map[string]any{"type": "text", "text": "hello there"},
		},
		"stop_reason": "end_turn",
		"usage":       map[string]any{"input_tokens": 10.0, "output_tokens": 5.0},
	}
	out, err := fromMessagesResponse(resp)
	require.NoError(t, err)

	choices := out["choices"].([]any)
	choice := choices[0].(map[string]any)
	assert.Equal(t, "stop", choice["finish_reason"])
	message := choice["message"].(map[string]any)
	assert.Equal(t, "hello there", message["content"])

	usage := out["usage"].(map[string]any)
	assert.Equal(t, 15.0, usage["total_tokens"])
}

func TestFromMessagesResponseFailsWithoutTextBlock(t *testing.T) {
	resp := map[string]any{
		"content": []any{
			map[string]any{"type": "tool_use"},
		},
	}
	_, err := fromMessagesResponse(resp)
	require.Error(t, err)
}

func TestMessagesChatSendsProviderHeadersAndTranslatesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, messagesAPIVersion, r.Header.Get("anthropic-version"))

		resp := map[string]any{
			"id":          "msg_1",
			"model":       "claude-3",
			"stop_reason": "max_tokens",
			"content": []any{
				map[string]any{"type": "text", "text": "partial answer"},
			},
			"usage": map[string]any{"input_tokens": 3.0, "output_tokens": 2.0},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	m := NewMessages(srv.URL, "test-key", time.Second)
	out, err := m.Chat(context.Background(), map[string]any{
		"model":    "claude-3",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})
	require.NoError(t, err)
	choice := out["choices"].([]any)[0].(map[string]any)
	assert.Equal(t, "length", choice["finish_reason"])
}

func TestMessagesChatStreamTranslatesEventSequence(t *testing.T) {
	upstream := "" +
		"event: message_start\n" +
		"data: {\"message\":{\"model\":\"claude-3\"}}\n\n" +
		"event: ping\n" +
		"data: {}\n\n" +
		"event: content_block_start\n" +
		"data: {}\n\n" +
		"event: content_block_delta\n" +
		"data: {\"delta\":{\"type\":\"text_delta\",\"text\":\"hi\"}}\n\n" +
		"event: content_block_stop\n" +
		"data: {}\n\n" +
		"event: message_delta\n" +
		"data: {\"delta\":{\"stop_reason\":\"end_turn\"}}\n\n" +
		"event: message_stop\n" +
		"data: {}\n\n"

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher, _ := w.(http.Flusher)
		w.Write([]byte(upstream))
		if flusher != nil {
			flusher.Flush()
		}
	}))
	defer srv.Close()

	m := NewMessages(srv.URL, "test-key", time.Second)
	ch, err := m.ChatStream(context.Background(), map[string]any{
		"model":    "claude-3",
		"messages": []any{map[string]any{"role": "user", "content": "hi"}},
	})
	require.NoError(t, err)

	var frames []Frame
	for f := range ch {
		frames = append(frames, f)
	}
	// message_start, content_block_delta, message_delta, DONE
	require.Len(t, frames, 4)
	assert.Contains(t, string(frames[0].Data), `"role":"assistant"`)
	assert.Contains(t, string(frames[1].Data), `"content":"hi"`)
	assert.Contains(t, string(frames[2].Data), `"finish_reason":"stop"`)
	assert.Contains(t, string(frames[3].Data), "[DONE]")
}

func TestMessagesHealthProbesWithOneTokenRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		assert.EqualValues(t, 1, body["max_tokens"])
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewMessages(srv.URL, "test-key", time.Second)
	assert.NoError(t, m.Health(context.Background()))
}
