// Package errx defines the bridge-wide error taxonomy. Every failure that
// crosses a component boundary is classified with a Kind; the HTTP layer and
// the JSON-RPC envelope both derive their codes from it.
package errx

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for clients and logs.
type Kind string

const (
	// Input errors
	KindMalformed           Kind = "MALFORMED"
	KindInvalidArgument     Kind = "INVALID_ARGUMENT"
	KindUnsupportedProtocol Kind = "UNSUPPORTED_PROTOCOL_VERSION"

	// Authentication / authorization errors
	KindUnauthorized  Kind = "UNAUTHORIZED"
	KindForbidden     Kind = "FORBIDDEN"
	KindAccountLocked Kind = "ACCOUNT_LOCKED"
	KindTokenExpired  Kind = "TOKEN_EXPIRED"
	KindTokenRevoked  Kind = "TOKEN_REVOKED"

	// Resource errors
	KindNotFound    Kind = "NOT_FOUND"
	KindConflict    Kind = "CONFLICT"
	KindRateLimited Kind = "RATE_LIMITED"
	KindQueueFull   Kind = "QUEUE_FULL"

	// Runtime errors
	KindTimeout             Kind = "TIMEOUT"
	KindCancelled           Kind = "CANCELLED"
	KindUpstreamUnavailable Kind = "UPSTREAM_UNAVAILABLE"
	KindUpstreamError       Kind = "UPSTREAM_ERROR"
	KindInternal            Kind = "INTERNAL_ERROR"

	// Security errors
	KindCrypto    Kind = "CRYPTO_ERROR"
	KindIntegrity Kind = "INTEGRITY_ERROR"
)

// Error carries a Kind, a human message, and optional machine-readable data
// (e.g. retry_after_ms for RATE_LIMITED).
type Error struct {
	Kind    Kind
	Message string
	Data    map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// With attaches a data field and returns the same error for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies an underlying error. The cause stays reachable via
// errors.Unwrap but is never serialized to clients.
func Wrap(err error, kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// KindOf extracts the Kind from err, walking the wrap chain.
// Unclassified errors are INTERNAL_ERROR.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindInternal
}

// FromContext classifies a context error. Deadline expiry is TIMEOUT,
// anything else is CANCELLED.
func FromContext(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, KindTimeout, "deadline exceeded")
	}
	return Wrap(err, KindCancelled, "request cancelled")
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// HTTPStatus maps a kind to the HTTP status the bridge surface uses.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindMalformed, KindInvalidArgument, KindUnsupportedProtocol:
		return http.StatusBadRequest
	case KindUnauthorized, KindTokenExpired, KindTokenRevoked:
		return http.StatusUnauthorized
	case KindForbidden:
		return http.StatusForbidden
	case KindAccountLocked:
		return http.StatusLocked
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindQueueFull, KindUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindCancelled:
		// Client closed request (nginx convention); the client is usually
		// gone by the time this is written.
		return 499
	default:
		return http.StatusInternalServerError
	}
}

// JSONRPCCode maps a kind to a JSON-RPC 2.0 error code. Taxonomy detail
// travels in the error data object, not the numeric code.
func JSONRPCCode(kind Kind) int {
	switch kind {
	case KindMalformed:
		return -32700 // parse error
	case KindUnsupportedProtocol:
		return -32600 // invalid request
	case KindNotFound:
		return -32601 // method not found (unknown tool)
	case KindInvalidArgument:
		return -32602 // invalid params
	default:
		return -32603 // internal error
	}
}

// Sanitized returns the client-facing message. CRYPTO_ERROR and
// INTEGRITY_ERROR never expose internal detail.
func Sanitized(err error) (Kind, string, map[string]any) {
	kind := KindOf(err)
	switch kind {
	case KindCrypto, KindIntegrity:
		return kind, "credential operation failed", nil
	case KindInternal:
		return kind, "internal error", nil
	}
	var e *Error
	if errors.As(err, &e) {
		return kind, e.Message, e.Data
	}
	return kind, "internal error", nil
}
