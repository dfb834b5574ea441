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

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIConfig holds configuration for the OpenAI adapter. The same adapter
// serves any Chat Completions-compatible endpoint via BaseURL.
type OpenAIConfig struct {
	// BaseURL overrides the API root (default: https://api.openai.com/v1).
	BaseURL string

	// Tokens supplies the bearer credential.
	Tokens TokenSource

	// Name overrides the backend identifier for compatible endpoints
	// fronted by this adapter.
	Name string

	// HTTPClient overrides the shared client.
	HTTPClient *http.Client
}

// OpenAIProvider talks to the OpenAI Chat Completions API.
//
// Safe for concurrent use.
type OpenAIProvider struct {
	name    string
	baseURL string
	tokens  TokenSource
	client  *http.Client
}

// NewOpenAIProvider creates an OpenAI adapter.
func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	name := cfg.Name
	if name == "" {
		name = "openai"
	}
	client := cfg.HTTPClient
	if client == nil {
		client = defaultHTTPClient
	}
	tokens := cfg.Tokens
	if tokens == nil {
		tokens = StaticToken("")
	}
	return &OpenAIProvider{name: name, baseURL: baseURL, tokens: tokens, client: client}
}

// Name returns the backend identifier.
func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) wireRequest(req Request, stream bool) *protocol.OpenAIRequest {
	body := convert.ToOpenAI(req.Messages, req.Tools)
	body.Model = req.Model
	body.MaxTokens = req.MaxTokens
	body.Temperature = req.Temperature
	if len(req.StopSeqs) > 0 {
		raw, _ := json.Marshal(req.StopSeqs)
		body.Stop = raw
	}
	body.Stream = stream
	if stream {
		body.StreamOptions = json.RawMessage(`{"include_usage":true}`)
	}
	return body
}

// Complete performs a blocking completion against /chat/completions.
func (p *OpenAIProvider) Complete(ctx context.Context, req Request) (*Result, error) {
	var result *Result
	err := withAuthRetry(ctx, p.tokens, func(token string) error {
		resp, err := postJSON(ctx, p.client, p.baseURL+"/chat/completions", p.wireRequest(req, false),
			map[string]string{"Authorization": "Bearer " + token})
		if err != nil {
			return NewError(p.name, req.Model, err)
		}
		if resp.StatusCode != http.StatusOK {
			return statusError(p.name, req.Model, resp)
		}
		defer resp.Body.Close()
		var wire protocol.OpenAIResponse
		if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
			return NewError(p.name, req.Model, fmt.Errorf("decode response: %w", err))
		}
		result, err = openAIResult(&wire)
		return err
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func openAIResult(wire *protocol.OpenAIResponse) (*Result, error) {
	if len(wire.Choices) == 0 {
		return nil, fmt.Errorf("response has no choices")
	}
	choice := wire.Choices[0]
	msg := protocol.Message{Role: protocol.RoleAssistant}
	if text := choice.Message.TextContent(); text != "" {
		msg.Content = append(msg.Content, protocol.TextBlock(text))
	}
	for _, tc := range choice.Message.ToolCalls {
		input := tc.Function.Arguments
		if strings.TrimSpace(input) == "" {
			input = "{}"
		}
		msg.Content = append(msg.Content, protocol.ContentBlock{
			Type:    protocol.BlockToolUse,
			ToolUse: &protocol.ToolUse{ID: tc.ID, Name: tc.Function.Name, Input: input},
		})
	}
	var usage protocol.Usage
	if wire.Usage != nil {
		usage = protocol.Usage{
			InputTokens:  wire.Usage.PromptTokens,
			OutputTokens: wire.Usage.CompletionTokens,
			TotalTokens:  wire.Usage.TotalTokens,
		}
	}
	return &Result{
		ID:         wire.ID,
		Model:      wire.Model,
		Message:    msg,
		StopReason: protocol.StopReasonFromOpenAI(choice.FinishReason),
		Usage:      usage,
	}, nil
}

// Stream performs a streaming completion, lowering chat.completion.chunk
// events into the neutral vocabulary. Tool-call fragments are forwarded as
// they arrive; a new tool index closes the previous tool call.
func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (<-chan protocol.StreamEvent, error) {
	var resp *http.Response
	err := withAuthRetry(ctx, p.tokens, func(token string) error {
		r, err := postJSON(ctx, p.client, p.baseURL+"/chat/completions", p.wireRequest(req, true),
			map[string]string{"Authorization": "Bearer " + token})
		if err != nil {
			return NewError(p.name, req.Model, err)
		}
		if r.StatusCode != http.StatusOK {
			return statusError(p.name, req.Model, r)
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
			out <- protocol.StreamEvent{Type: protocol.StreamError, Err: NewError(p.name, req.Model, err)}
		}
	}()
	return out, nil
}

func (p *OpenAIProvider) consumeSSE(ctx context.Context, body io.Reader, out chan<- protocol.StreamEvent) error {
	var usage protocol.Usage
	finish := ""
	started := false
	toolIndex := -1

	send := func(ev protocol.StreamEvent) error {
		select {
		case out <- ev:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	finishStream := func() error {
		if toolIndex >= 0 {
			if err := send(protocol.StreamEvent{Type: protocol.StreamToolUseStop}); err != nil {
				return err
			}
		}
		if err := send(protocol.StreamEvent{
			Type:       protocol.StreamMessageStop,
			StopReason: protocol.StopReasonFromOpenAI(finish),
			Usage:      usage,
		}); err != nil {
			return err
		}
		return errDone
	}

	err := readSSE(body, func(_ string, data []byte) error {
		if string(data) == "[DONE]" {
			return finishStream()
		}
		var chunk protocol.OpenAIStreamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			return nil
		}
		if chunk.Usage != nil {
			usage.InputTokens = chunk.Usage.PromptTokens
			usage.OutputTokens = chunk.Usage.CompletionTokens
		}
		if !started {
			started = true
			if err := send(protocol.StreamEvent{Type: protocol.StreamMessageStart, ID: chunk.ID, Model: chunk.Model}); err != nil {
				return err
			}
		}
		for _, c := range chunk.Choices {
			if c.Delta.Content != "" {
				if err := send(protocol.StreamEvent{Type: protocol.StreamTextDelta, Text: c.Delta.Content}); err != nil {
					return err
				}
			}
			for _, tc := range c.Delta.ToolCalls {
				if tc.ID != "" || (tc.Function != nil && tc.Function.Name != "") {
					if toolIndex >= 0 && tc.Index != toolIndex {
						if err := send(protocol.StreamEvent{Type: protocol.StreamToolUseStop}); err != nil {
							return err
						}
					}
					toolIndex = tc.Index
					var name string
					if tc.Function != nil {
						name = tc.Function.Name
					}
					if err := send(protocol.StreamEvent{Type: protocol.StreamToolUseStart, ToolUseID: tc.ID, ToolName: name}); err != nil {
						return err
					}
				}
				if tc.Function != nil && tc.Function.Arguments != "" {
					if err := send(protocol.StreamEvent{Type: protocol.StreamToolInputDelta, ToolInput: tc.Function.Arguments}); err != nil {
						return err
					}
				}
			}
			if c.FinishReason != nil && *c.FinishReason != "" {
				finish = *c.FinishReason
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	// Stream ended without [DONE]; emit what we have.
	if started {
		return finishStream()
	}
	return fmt.Errorf("empty stream")
}
