// Package apperr defines the gateway's error-kind taxonomy.
//
// Every error that can surface from the routing path is wrapped in an *Error
// carrying one of the Kinds below, so the HTTP layer can map it to a status
// code with errors.As instead of matching on message text.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies why an operation failed. The router and backend adapters
// attach one of these to every error that can reach a client response.
type Kind int

const (
	// Configuration covers a missing profile, unknown classifier tier,
	// unknown backend, or a required API key that isn't set. Never retried.
	Configuration Kind = iota
	// Transport covers connect failures, TLS errors, and timeouts talking
	// to a backend.
	Transport
	// Status covers a non-2xx HTTP response from a backend.
	Status
	// Decode covers a non-JSON upstream body or a missing expected field
	// (e.g. no text block in a Messages-style response).
	Decode
	// Exhaustion means Escalate tried every allowed tier without finding a
	// sufficient response.
	Exhaustion
	// Sufficiency means a candidate response was rejected by the
	// sufficiency heuristic. Internal to Escalate; never surfaced as-is.
	Sufficiency
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Transport:
		return "transport"
	case Status:
		return "status"
	case Decode:
		return "decode"
	case Exhaustion:
		return "exhaustion"
	case Sufficiency:
		return "sufficiency"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error with no underlying cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap builds an *Error around an existing error.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// As extracts the Kind of err, defaulting to Status when err isn't an *Error
// (e.g. a bare error bubbled up from a library call).
func As(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Status
}

// StatusCode maps a Kind to the HTTP status code the client-facing surface
// should return for it.
func StatusCode(k Kind) int {
	switch k {
	case Configuration:
		return 400
	case Exhaustion:
		return 502
	case Transport, Status, Decode:
		return 502
	default:
		return 500
	}
}
