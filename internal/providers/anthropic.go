package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/proxycast/proxycast/internal/convert"
	"github.com/proxycast/proxycast/pkg/protocol"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	defaultAnthropicTokens  = 4096
)

// AnthropicConfig holds configuration for the Anthropic adapter.
type AnthropicConfig struct {
	// BaseURL overrides the API endpoint (default: https://api.anthropic.com).
	BaseURL string

	// Tokens supplies the credential. API keys go into x-api-key; OAuth
	// tokens go into Authorization: Bearer when BearerAuth is set.
	Tokens TokenSource

	// BearerAuth switches the auth header from x-api-key to a bearer token.
	BearerAuth bool

	// HTTPClient overrides the shared client.
	HTTPClient *http.Client
}

// AnthropicProvider talks to the Anthropic Messages API.
//
// Safe for concurrent use.
type AnthropicProvider struct {
	baseURL string
	tokens  TokenSource
	bearer  bool
	client  *http.Client
}

// NewAnthropicProvider creates an Anthropic adapter.
func NewAnthropicProvider(cfg AnthropicConfig) *AnthropicProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &AnthropicProvider{baseURL: baseURL, tokens: tokens, bearer: cfg.BearerAuth, client: client}
}

// Name returns the backend identifier.
func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) headers(token string) map[string]string {
	h := map[string]string{"anthropic-version": anthropicVersion}
	if p.bearer {
		h["Authorization"] = "Bearer " + token
	} else {
		h["x-api-key"] = token
	}
	return h
}

func (p *AnthropicProvider) wireRequest(req Request, stream bool) *protocol.AnthropicRequest {
	body := convert.ToAnthropic(req.Messages, req.Tools)
	body.Model = req.Model
	body.MaxTokens = req.MaxTokens
	if body.MaxTokens <= 0 {
		body.MaxTokens = defaultAnthropicTokens
	}
	body.Temperature = req.Temperature
	body.StopSequences = req.StopSeqs
	body.Stream = stream
	return body
}

// Complete performs a blocking completion against /v1/messages.
func (p *AnthropicProvider) Complete(ctx context.Context, req Request) (*Result, error) {
	var result *Result
	err := withAuthRetry(ctx, p.tokens, func(token string) error {
		resp, err := postJSON(ctx, p.client, p.baseURL+"/v1/messages", p.wireRequest(req, false), p.headers(token))
		if err != nil {
			return NewError(p.Name(), req.Model, err)
		}
		if resp.StatusCode != http.StatusOK {
			e := statusError(p.Name(), req.Model, resp)
			return e
		}
		defer resp.Body.Close()
		var wire protocol.AnthropicResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return NewError(p.Name(), req.Model, fmt.Errorf("decode response: %w", err))
		}
		result, err = anthropicResult(&wire)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func anthropicResult(wire *protocol.AnthropicResponse) (*Result, error) {
	msg := protocol.Message{Role: protocol.RoleAssistant}
	for _, b := range wire.Content {
		switch b.Type {
		case "text":
			if b.Text != "" {
				msg.Content = append(msg.Content, protocol.TextBlock(b.Text))
			}
		case "tool_use":
			input := string(b.Input)
			if input == "" {
				input = "{}"
			}
			msg.Content = append(msg.Content, protocol.ContentBlock{
				Type:    protocol.BlockToolUse,
				ToolUse: &protocol.ToolUse{ID: b.ID, Name: b.Name, Input: input},
			})
		}
	}
	stop := protocol.StopEndTurn
	if wire.StopReason != nil {
		stop = protocol.StopReasonFromAnthropic(*wire.StopReason)
	}
	usage := protocol.Usage{
		InputTokens:  wire.Usage.InputTokens,
		OutputTokens: wire.Usage.OutputTokens,
		TotalTokens:  wire.Usage.InputTokens + wire.Usage.OutputTokens,
	}
	return &Result{ID: wire.ID, Model: wire.Model, Message: msg, StopReason: stop, Usage: usage}, nil
}

// Stream performs a streaming completion. Anthropic SSE events are lowered
// into the neutral vocabulary; input token counts arrive on message_start
// and output counts on message_delta.
func (p *AnthropicProvider) Stream(ctx context.Context, req Request) (<-chan protocol.StreamEvent, error) {
	var resp *http.Response
	err := withAuthRetry(ctx, p.tokens, func(token string) error {
		r, err := postJSON(ctx, p.client, p.baseURL+"/v1/messages", p.wireRequest(req, true), p.headers(token))
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
		if err := p.consumeSSE(ctx, resp.Body, out); err != nil && err != errDone {
			out <- protocol.StreamEvent{Type: protocol.StreamError, Err: NewError(p.Name(), req.Model, err)}
		}
	}()
	return out, nil
}

func (p *AnthropicProvider) consumeSSE(ctx context.Context, body io.Reader, out chan<- protocol.StreamEvent) error {
	var usage protocol.Usage
	var stop protocol.StopReason = protocol.StopEndTurn
	toolOpen := false

	send := func(ev protocol.StreamEvent) error {
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return readSSE(body, func(event string, data []byte) error {
		var frame struct {
			Type    string `json:"type"`
			Message struct {
				ID    string                  `json:"id"`
				Model string                  `json:"model"`
				Usage protocol.AnthropicUsage `json:"usage"`
			} `json:"message"`
			Index        int `json:"index"`
			ContentBlock struct {
				Type string `json:"type"`
				ID   string `json:"id"`
				Name string `json:"name"`
			} `json:"content_block"`
			Delta struct {
				Type        string  `json:"type"`
				Text        string  `json:"text"`
				PartialJSON string  `json:"partial_json"`
				StopReason  *string `json:"stop_reason"`
			} `json:"delta"`
			Usage protocol.AnthropicUsage `json:"usage"`
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(data, &frame); err != nil {
			return nil // skip malformed frames, matching upstream tolerance
		}
		if frame.Type == "" {
			frame.Type = event
		}
		switch frame.Type {
		case "message_start":
			usage.InputTokens = frame.Message.Usage.InputTokens
			return send(protocol.StreamEvent{
				Type:  protocol.StreamMessageStart,
				ID:    frame.Message.ID,
				Model: frame.Message.Model,
			})
		case "content_block_start":
			if frame.ContentBlock.Type == "tool_use" {
				toolOpen = true
				return send(protocol.StreamEvent{
					Type:      protocol.StreamToolUseStart,
					ToolUseID: frame.ContentBlock.ID,
					ToolName:  frame.ContentBlock.Name,
				})
			}
			return nil
		case "content_block_delta":
			switch frame.Delta.Type {
			case "text_delta":
				return send(protocol.StreamEvent{Type: protocol.StreamTextDelta, Text: frame.Delta.Text})
			case "input_json_delta":
				return send(protocol.StreamEvent{Type: protocol.StreamToolInputDelta, ToolInput: frame.Delta.PartialJSON})
			}
			return nil
		case "content_block_stop":
			if toolOpen {
				toolOpen = false
				return send(protocol.StreamEvent{Type: protocol.StreamToolUseStop})
			}
			return nil
		case "message_delta":
			if frame.Delta.StopReason != nil {
				stop = protocol.StopReasonFromAnthropic(*frame.Delta.StopReason)
			}
			if frame.Usage.OutputTokens > 0 {
				usage.OutputTokens = frame.Usage.OutputTokens
			}
			if frame.Usage.InputTokens > 0 {
				usage.InputTokens = frame.Usage.InputTokens
			}
			return nil
		case "message_stop":
			if err := send(protocol.StreamEvent{
				Type:       protocol.StreamMessageStop,
				StopReason: stop,
				Usage:      usage,
			}); err != nil {
				return err
			}
			return errDone
		case "error":
			return fmt.Errorf("%s: %s", frame.Error.Type, frame.Error.Message)
		}
		return nil
	})
}
