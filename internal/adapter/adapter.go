// Package adapter implements the uniform backend-adapter interface and its
// four concrete provider variants (canonical, canonical-with-referrer-headers,
// local-inference, messages-style).
package adapter

import "context"

// Frame is one already-formatted canonical SSE event, ready to write
// verbatim to an http.ResponseWriter ("data: ...\n\n", including the
// trailing blank line). Err is set instead of Data when the upstream
// stream failed mid-flight; the consumer should stop forwarding on Err.
type Frame struct {
	Data []byte
	Err  error
}

// Adapter is the uniform interface every backend variant implements. The
// router never branches on provider type — it only calls these three
// operations.
type Adapter interface {
	// Name identifies the adapter variant for logging and metrics labels.
	Name() string

	// Chat sends body (already rewritten with the resolved model and
	// stream=false) and returns the canonical chat-completion response,
	// subject to the backend's configured timeout.
	Chat(ctx context.Context, body map[string]any) (map[string]any, error)

	// ChatStream sends body (already rewritten with stream=true) and
	// returns a channel of canonical SSE frames terminating in a
	// data: [DONE] sentinel frame. No request-level timeout is applied;
	// only ctx cancellation and the HTTP transport's default dial timeout
	// bound it.
	ChatStream(ctx context.Context, body map[string]any) (<-chan Frame, error)

	// Health performs a cheap liveness probe against the backend.
	Health(ctx context.Context) error
}

// doneFrame is the sentinel that terminates every ChatStream sequence.
var doneFrame = Frame{Data: []byte("data: [DONE]\n\n")}
