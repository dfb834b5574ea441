// Package providers implements raw-HTTP adapters for the supported LLM
// backends. Each adapter owns its wire format end to end: request encoding,
// auth headers, SSE or event-stream decoding, and usage extraction. Adapters
// emit the neutral stream event vocabulary consumed by the converter's
// dialect emitters.
package providers

import (
	"context"
	"net/http"
	"time"

	"github.com/proxycast/proxycast/pkg/protocol"
)

// Request is the backend-neutral completion request. Messages are canonical
// and may include system turns; each adapter folds or lifts them as its wire
// format requires.
type Request struct {
	Model       string
	Messages    []protocol.Message
	Tools       []protocol.Tool
	MaxTokens   int
	Temperature *float64
	StopSeqs    []string

	// ConversationID threads a stable conversation across calls for
	// backends that track one server-side.
	ConversationID string
}

// Result is a completed response.
type Result struct {
	ID         string
	Model      string
	Message    protocol.Message
	StopReason protocol.StopReason
	Usage      protocol.Usage
}

// Provider is a single LLM backend.
type Provider interface {
	// Name returns the backend identifier.
	Name() string

	// Complete performs a blocking completion.
	Complete(ctx context.Context, req Request) (*Result, error)

	// Stream performs a streaming completion. The channel is closed after
	// the terminal event; mid-stream failures arrive as an error event.
	Stream(ctx context.Context, req Request) (<-chan protocol.StreamEvent, error)
}

// TokenSource supplies the bearer credential for a backend. Implementations
// wrap static API keys, OAuth refresh flows, or SSO token caches.
type TokenSource interface {
	// Token returns a currently valid credential, refreshing if it is
	// within the expiry grace window.
	Token(ctx context.Context) (string, error)

	// ForceRefresh discards the cached credential and obtains a new one.
	// Called after a 401 that is classified as token expiry.
	ForceRefresh(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource for plain API keys. ForceRefresh returns the
// same key; a 401 with a static key is terminal.
type StaticToken string

func (s StaticToken) Token(ctx context.Context) (string, error)        { return string(s), nil }
func (s StaticToken) ForceRefresh(ctx context.Context) (string, error) { return string(s), nil }

// defaultHTTPClient is shared by adapters that are not given one. No overall
// timeout: streaming responses outlive any reasonable fixed limit, so
// deadlines come from the request context.
var defaultHTTPClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        32,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	},
}

// withAuthRetry runs do with a token from src. On a 401 it forces one
// refresh and retries exactly once before surfacing the auth error.
func withAuthRetry(ctx context.Context, src TokenSource, do func(token string) error) error {
	token, err := src.Token(ctx)
	if err != nil {
		return err
	}
	err = do(token)
	if err == nil {
		return nil
	}
	if pe, ok := AsError(err); !ok || pe.Status != http.StatusUnauthorized {
		return err
	}
	token, refreshErr := src.ForceRefresh(ctx)
	if refreshErr != nil {
		return err
	}
	return do(token)
}
