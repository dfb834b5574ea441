package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrorKind categorizes why a provider request failed.
// This drives the selector's retry and fallback decisions.
type ErrorKind string

const (
	// KindAuth indicates authentication failure (HTTP 401, 403).
	KindAuth ErrorKind = "auth"

	// KindRateLimit indicates rate limiting (HTTP 429).
	KindRateLimit ErrorKind = "rate_limit"

	// KindInvalidRequest indicates client-side issues (HTTP 400, 404, 413, 422).
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindUpstream indicates server-side issues (HTTP 5xx).
	KindUpstream ErrorKind = "upstream"

	// KindNetwork indicates a transport failure before an HTTP status
	// was received.
	KindNetwork ErrorKind = "network"

	// KindTimeout indicates request timeout or deadline exhaustion.
	KindTimeout ErrorKind = "timeout"
)

// Retriable returns true if the error kind suggests retrying may succeed.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindRateLimit, KindUpstream, KindNetwork, KindTimeout:
		return true
	default:
		return false
	}
}

// ShouldFallback returns true if the error warrants trying a different
// credential or tier rather than the same one again.
func (k ErrorKind) ShouldFallback() bool {
	switch k {
	case KindAuth, KindRateLimit, KindUpstream:
		return true
	default:
		return false
	}
}

// Error is a structured error from an LLM backend. It captures the context
// needed for retry logic, fallback decisions, and debugging.
type Error struct {
	// Kind categorizes the error.
	Kind ErrorKind

	// Provider is the backend name (e.g. "anthropic", "codewhisperer").
	Provider string

	// Model is the model that was requested.
	Model string

	// Status is the HTTP status code, if one was received.
	Status int

	// Code is the backend-specific error code.
	Code string

	// Message is the human-readable error message.
	Message string

	// RequestID is the backend's request ID for debugging.
	RequestID string

	// RetryAfter is the backend's requested backoff, if it sent one.
	RetryAfter time.Duration

	// Cause is the underlying error.
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string
	parts = append(parts, fmt.Sprintf("[%s]", e.Kind))
	if e.Provider != "" {
		parts = append(parts, e.Provider)
	}
	if e.Model != "" {
		parts = append(parts, fmt.Sprintf("model=%s", e.Model))
	}
	if e.Status != 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.Status))
	}
	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("code=%s", e.Code))
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	} else if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error { return e.Cause }

// Retriable reports whether the request may succeed if repeated.
func (e *Error) Retriable() bool { return e.Kind.Retriable() }

// NewError creates an Error classified from the underlying cause.
func NewError(provider, model string, cause error) *Error {
	e := &Error{Provider: provider, Model: model, Cause: cause, Kind: KindNetwork}
	if cause != nil {
		e.Message = cause.Error()
		e.Kind = classifyTransport(cause)
	}
	return e
}

// WithStatus adds the HTTP status and reclassifies the kind.
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	e.Kind = classifyStatus(status)
	return e
}

// WithCode adds a backend-specific error code.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithRequestID adds the backend's request ID.
func (e *Error) WithRequestID(id string) *Error {
	e.RequestID = id
	return e
}

// WithMessage sets the error message.
func (e *Error) WithMessage(msg string) *Error {
	e.Message = msg
	return e
}

// AsError extracts a provider Error from an error chain.
func AsError(err error) (*Error, bool) {
	var pe *Error
	ok := errors.As(err, &pe)
	return pe, ok
}

// classifyStatus maps an HTTP status code to an error kind.
func classifyStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return KindAuth
	case status == http.StatusTooManyRequests:
		return KindRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return KindTimeout
	case status >= 400 && status < 500:
		return KindInvalidRequest
	case status >= 500:
		return KindUpstream
	default:
		return KindUpstream
	}
}

// classifyTransport maps a transport-level error to an error kind.
func classifyTransport(err error) ErrorKind {
	if err == nil {
		return KindNetwork
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline exceeded") {
		return KindTimeout
	}
	return KindNetwork
}

// parseRetryAfter reads a Retry-After header value as either seconds or an
// HTTP date. Returns zero when absent or unparseable.
func parseRetryAfter(h http.Header) time.Duration {
	v := strings.TrimSpace(h.Get("Retry-After"))
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
