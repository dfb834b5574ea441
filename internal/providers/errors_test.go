package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{401, KindAuth},
		{403, KindAuth},
		{429, KindRateLimit},
		{400, KindInvalidRequest},
		{404, KindInvalidRequest},
		{408, KindTimeout},
		{500, KindUpstream},
		{502, KindUpstream},
		{504, KindTimeout},
	}
	for _, tt := range tests {
		if got := classifyStatus(tt.status); got != tt.want {
			t.Errorf("classifyStatus(%d) = %v, want %v", tt.status, got, tt.want)
		}
	}
}

func TestClassifyTransport(t *testing.T) {
	if got := classifyTransport(context.DeadlineExceeded); got != KindTimeout {
		t.Errorf("classifyTransport(deadline) = %v, want %v", got, KindTimeout)
	}
	if got := classifyTransport(errors.New("connection refused")); got != KindNetwork {
		t.Errorf("classifyTransport(refused) = %v, want %v", got, KindNetwork)
	}
	if got := classifyTransport(errors.New("i/o timeout")); got != KindTimeout {
		t.Errorf("classifyTransport(timeout) = %v, want %v", got, KindTimeout)
	}
}

func TestErrorKindRetriable(t *testing.T) {
	retriable := []ErrorKind{KindRateLimit, KindUpstream, KindNetwork, KindTimeout}
	for _, k := range retriable {
		if !k.Retriable() {
			t.Errorf("%v.Retriable() = false, want true", k)
		}
	}
	terminal := []ErrorKind{KindAuth, KindInvalidRequest}
	for _, k := range terminal {
		if k.Retriable() {
			t.Errorf("%v.Retriable() = true, want false", k)
		}
	}
}

func TestErrorString(t *testing.T) {
	e := NewError("anthropic", "claude-sonnet-4-20250514", nil).
		WithStatus(429).
		WithCode("rate_limit_error").
		WithMessage("overloaded")
	s := e.Error()
	for _, want := range []string{"[rate_limit]", "anthropic", "status=429", "rate_limit_error", "overloaded"} {
		if !strings.Contains(s, want) {
			t.Errorf("Error() = %q missing %q", s, want)
		}
	}
}

func TestAsError(t *testing.T) {
	inner := NewError("openai", "gpt-4o", nil).WithStatus(500)
	wrapped := fmt.Errorf("pipeline: %w", inner)
	pe, ok := AsError(wrapped)
	if !ok {
		t.Fatal("AsError() did not find provider error in chain")
	}
	if pe.Kind != KindUpstream {
		t.Errorf("kind = %v, want %v", pe.Kind, KindUpstream)
	}
}

func TestParseRetryAfter(t *testing.T) {
	h := http.Header{}
	h.Set("Retry-After", "30")
	if got := parseRetryAfter(h); got != 30*time.Second {
		t.Errorf("parseRetryAfter(30) = %v", got)
	}
	h.Set("Retry-After", "garbage")
	if got := parseRetryAfter(h); got != 0 {
		t.Errorf("parseRetryAfter(garbage) = %v, want 0", got)
	}
	if got := parseRetryAfter(http.Header{}); got != 0 {
		t.Errorf("parseRetryAfter(absent) = %v, want 0", got)
	}
}
