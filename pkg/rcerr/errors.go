// Package rcerr defines the gateway's error taxonomy.
//
// Every error that crosses a component boundary is classified with a Kind.
// The kind carries a stable code string and the HTTP status the gateway
// responds with; classification drives retry and failover decisions, never
// exception-style control flow.
package rcerr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a gateway error.
type Kind string

const (
	KindDecode              Kind = "decode_error"
	KindUnsupportedFeature  Kind = "unsupported_feature"
	KindNoRouteAvailable    Kind = "no_route_available"
	KindAuthFailure         Kind = "auth_failure"
	KindUpstreamRejected    Kind = "upstream_rejected"
	KindUpstreamUnreachable Kind = "upstream_unreachable"
	KindStreamInterrupted   Kind = "stream_interrupted"
	KindCancelled           Kind = "cancelled"
	KindInternal            Kind = "internal"
)

// HTTPStatus returns the response status for a kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindDecode:
		return http.StatusBadRequest
	case KindUnsupportedFeature:
		return http.StatusUnprocessableEntity
	case KindNoRouteAvailable:
		return http.StatusServiceUnavailable
	case KindAuthFailure:
		return http.StatusUnauthorized
	case KindUpstreamRejected:
		return http.StatusBadGateway
	case KindUpstreamUnreachable:
		return http.StatusGatewayTimeout
	case KindStreamInterrupted:
		return http.StatusBadGateway
	case KindCancelled:
		return 499
	case KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified gateway error.
type Error struct {
	Kind      Kind
	Component string // component of origin: codec, compat, transport, oauth, router, pipeline
	Message   string
	// UpstreamStatus is set for upstream-originated errors so the original
	// status can be relayed where the taxonomy allows it.
	UpstreamStatus int
	// UpstreamBody holds the raw upstream error payload, if any.
	UpstreamBody []byte
	// RetryAfter carries the upstream's requested backoff, when it sent
	// one with a 429.
	RetryAfter time.Duration
	// Attempts is the number of upstream calls made before the error was
	// returned; health tracking counts each one toward the target's
	// failure streak.
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New creates a classified error.
func New(kind Kind, component, message string) *Error {
	return &Error{Kind: kind, Component: component, Message: message}
}

// Wrap classifies an existing error.
func Wrap(kind Kind, component, message string, err error) *Error {
	return &Error{Kind: kind, Component: component, Message: message, Err: err}
}

// KindOf extracts the kind from err, defaulting to KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// StatusOf returns the HTTP status for err. Upstream-rejected errors relay
// the upstream status when one was captured; an auth failure the upstream
// produced is the gateway's misconfiguration, not the client's, so it
// surfaces as a bad gateway rather than a 401.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == KindUpstreamRejected && e.UpstreamStatus >= 400 && e.UpstreamStatus < 500 {
			return e.UpstreamStatus
		}
		if e.Kind == KindAuthFailure && e.UpstreamStatus != 0 {
			return http.StatusBadGateway
		}
		return e.Kind.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Retryable reports whether the error may be retried against the same target.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindUpstreamUnreachable:
		return true
	default:
		return false
	}
}
