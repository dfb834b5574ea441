package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/proxycast/proxycast/internal/convert"
	"github.com/proxycast/proxycast/pkg/protocol"
)

const defaultCWBaseURL = "https://codewhisperer.us-east-1.amazonaws.com"

// CodeWhispererConfig holds configuration for the CodeWhisperer adapter.
type CodeWhispererConfig struct {
	// BaseURL overrides the regional endpoint.
	BaseURL string

	// Tokens supplies the SSO bearer token.
	Tokens TokenSource

	// ProfileArn is the CodeWhisperer profile the requests bill against.
	ProfileArn string

	// HTTPClient overrides the shared client.
	HTTPClient *http.Client
}

// CodeWhispererProvider talks to the generateAssistantResponse API. The
// backend always streams; non-streaming completion is assembled from the
// event stream.
//
// Safe for concurrent use.
type CodeWhispererProvider struct {
	baseURL    string
	tokens     TokenSource
	profileArn string
	client     *http.Client
}

// NewCodeWhispererProvider creates a CodeWhisperer adapter.
func NewCodeWhispererProvider(cfg CodeWhispererConfig) *CodeWhispererProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultCWBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &CodeWhispererProvider{
		baseURL:    baseURL,
		tokens:     tokens,
		profileArn: cfg.ProfileArn,
		client:     client,
	}
}

// Name returns the backend identifier.
func (p *CodeWhispererProvider) Name() string { return "codewhisperer" }

// Complete assembles a blocking completion from the event stream.
func (p *CodeWhispererProvider) Complete(ctx context.Context, req Request) (*Result, error) {
	events, err := p.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	var c convert.Collector
	for ev := range events {
		c.Feed(ev)
	}
	msg, stop, usage, err := c.Result()
	if err != nil {
		return nil, err
	}
	return &Result{
		ID:         c.ID(),
		Model:      req.Model,
		Message:    msg,
		StopReason: stop,
		Usage:      usage,
	}, nil
}

// Stream performs a streaming completion. The request conversion enforces
// the backend's alternation rules; the response event stream is decoded from
// its binary framing into the neutral vocabulary.
func (p *CodeWhispererProvider) Stream(ctx context.Context, req Request) (<-chan protocol.StreamEvent, error) {
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.NewString()
	}
	wire, err := convert.ToCodeWhisperer(req.Messages, req.Tools, convert.CWOptions{
		ProfileArn:     p.profileArn,
		ConversationID: conversationID,
		Model:          req.Model,
	})
	if err != nil {
		return nil, NewError(p.Name(), req.Model, err)
	}

	var resp *http.Response
	err = withAuthRetry(ctx, p.tokens, func(token string) error {
		r, err := postJSON(ctx, p.client, p.baseURL+"/generateAssistantResponse", wire, map[string]string{
			"Authorization": "Bearer " + token,
			"Accept":        "application/vnd.amazon.eventstream",
		})
		if err != nil {
			return NewError(p.Name(), req.Model, err)
		}
		if r.StatusCode != http.StatusOK {
			return statusError(p.Name(), req.Model, r)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(chan protocol.StreamEvent, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		if err := p.consumeEventStream(ctx, resp.Body, conversationID, out); err != nil {
			out <- protocol.StreamEvent{Type: protocol.StreamError, Err: NewError(p.Name(), req.Model, err)}
		}
	}()
	return out, nil
}

func (p *CodeWhispererProvider) consumeEventStream(ctx context.Context, body io.Reader, conversationID string, out chan<- protocol.StreamEvent) error {
	send := func(ev protocol.StreamEvent) error {
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if err := send(protocol.StreamEvent{Type: protocol.StreamMessageStart, ID: conversationID}); err != nil {
		return err
	}

	var usage protocol.Usage
	sawToolUse := false
	toolOpen := false

	for {
		msg, err := readEventStreamMessage(body)
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if mt := msg.messageType(); mt == "exception" || mt == "error" {
			return fmt.Errorf("%s: %s", msg.headers[":exception-type"], strings.TrimSpace(string(msg.payload)))
		}

		var ev protocol.CWStreamEvent
		if err := json.Unmarshal(msg.payload, &ev); err != nil {
			continue
		}
		switch msg.eventType() {
		case "assistantResponseEvent":
			if ev.Content != "" {
				if err := send(protocol.StreamEvent{Type: protocol.StreamTextDelta, Text: ev.Content}); err != nil {
					return err
				}
			}
		case "toolUseEvent":
			if ev.Name != "" && !toolOpen {
				sawToolUse = true
				toolOpen = true
				if err := send(protocol.StreamEvent{
					Type:      protocol.StreamToolUseStart,
					ToolUseID: ev.ToolUseID,
					ToolName:  ev.Name,
				}); err != nil {
					return err
				}
			}
			if ev.Input != "" {
				if err := send(protocol.StreamEvent{Type: protocol.StreamToolInputDelta, ToolInput: ev.Input}); err != nil {
					return err
				}
			}
			if ev.Stop {
				toolOpen = false
				if err := send(protocol.StreamEvent{Type: protocol.StreamToolUseStop}); err != nil {
					return err
				}
			}
		case "messageMetadataEvent":
			if ev.InputTokens > 0 {
				usage.InputTokens = ev.InputTokens
			}
			if ev.OutputTokens > 0 {
				usage.OutputTokens = ev.OutputTokens
			}
		}
	}

	stop := protocol.StopEndTurn
	if sawToolUse {
		stop = protocol.StopToolUse
	}
	return send(protocol.StreamEvent{Type: protocol.StreamMessageStop, StopReason: stop, Usage: usage})
}
