package convert

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/proxycast/proxycast/pkg/protocol"
)

func randomSuffix() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// Stream emitters translate the neutral event stream produced by provider
// adapters into dialect-native SSE frames. Translation happens per event;
// tool-call input fragments pass through as deltas and are never buffered
// except by the Collector.

// sseEvent renders a named SSE frame with a JSON payload.
func sseEvent(event string, payload any) string {
	data, _ := json.Marshal(payload)
	return fmt.Sprintf("event: %s\ndata: %s\n\n", event, data)
}

// sseData renders an unnamed SSE frame (OpenAI style).
func sseData(payload any) string {
	data, _ := json.Marshal(payload)
	return fmt.Sprintf("data: %s\n\n", data)
}

// AnthropicEmitter renders neutral stream events as Anthropic Messages SSE.
type AnthropicEmitter struct {
	messageID string
	model     string

	nextIndex     int
	textOpen      bool
	textIndex     int
	toolOpen      bool
	toolIndex     int
	finished      bool
	started       bool
	fallbackModel string
}

// NewAnthropicEmitter creates an emitter; model is used if message_start
// lacks one.
func NewAnthropicEmitter(model string) *AnthropicEmitter {
	return &AnthropicEmitter{fallbackModel: model}
}

// Emit translates one neutral event into zero or more SSE frames.
func (e *AnthropicEmitter) Emit(ev protocol.StreamEvent) []string {
	switch ev.Type {
	case protocol.StreamMessageStart:
		if e.started {
			return nil
		}
		e.started = true
		e.messageID = ev.ID
		if e.messageID == "" {
			e.messageID = "msg_" + randomSuffix()
		}
		e.model = ev.Model
		if e.model == "" {
			e.model = e.fallbackModel
		}
		return []string{sseEvent("message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            e.messageID,
				"type":          "message",
				"role":          "assistant",
				"model":         e.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]any{"input_tokens": 0, "output_tokens": 0},
			},
		})}
	case protocol.StreamTextDelta:
		var out []string
		out = append(out, e.ensureStarted()...)
		out = append(out, e.closeTool()...)
		if !e.textOpen {
			e.textOpen = true
			e.textIndex = e.nextIndex
			e.nextIndex++
			out = append(out, sseEvent("content_block_start", map[string]any{
				"type":          "content_block_start",
				"index":         e.textIndex,
				"content_block": map[string]any{"type": "text", "text": ""},
			}))
		}
		out = append(out, sseEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.textIndex,
			"delta": map[string]any{"type": "text_delta", "text": ev.Text},
		}))
		return out
	case protocol.StreamToolUseStart:
		var out []string
		out = append(out, e.ensureStarted()...)
		out = append(out, e.closeText()...)
		out = append(out, e.closeTool()...)
		e.toolOpen = true
		e.toolIndex = e.nextIndex
		e.nextIndex++
		out = append(out, sseEvent("content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": e.toolIndex,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    ev.ToolUseID,
				"name":  ev.ToolName,
				"input": map[string]any{},
			},
		}))
		return out
	case protocol.StreamToolInputDelta:
		if !e.toolOpen || ev.ToolInput == "" {
			return nil
		}
		return []string{sseEvent("content_block_delta", map[string]any{
			"type":  "content_block_delta",
			"index": e.toolIndex,
			"delta": map[string]any{"type": "input_json_delta", "partial_json": ev.ToolInput},
		})}
	case protocol.StreamToolUseStop:
		return e.closeTool()
	case protocol.StreamMessageStop:
		if e.finished {
			return nil
		}
		e.finished = true
		var out []string
		out = append(out, e.ensureStarted()...)
		out = append(out, e.closeText()...)
		out = append(out, e.closeTool()...)
		out = append(out, sseEvent("message_delta", map[string]any{
			"type": "message_delta",
			"delta": map[string]any{
				"stop_reason":   protocol.AnthropicStopReason(ev.StopReason),
				"stop_sequence": nil,
			},
			"usage": map[string]any{
				"input_tokens":  ev.Usage.InputTokens,
				"output_tokens": ev.Usage.OutputTokens,
			},
		}))
		out = append(out, sseEvent("message_stop", map[string]any{"type": "message_stop"}))
		return out
	case protocol.StreamError:
		msg := "stream interrupted"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		return []string{sseEvent("error", map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "api_error", "message": msg},
		})}
	}
	return nil
}

func (e *AnthropicEmitter) ensureStarted() []string {
	if e.started {
		return nil
	}
	return e.Emit(protocol.StreamEvent{Type: protocol.StreamMessageStart, Model: e.fallbackModel})
}

func (e *AnthropicEmitter) closeText() []string {
	if !e.textOpen {
		return nil
	}
	e.textOpen = false
	return []string{sseEvent("content_block_stop", map[string]any{
		"type": "content_block_stop", "index": e.textIndex,
	})}
}

func (e *AnthropicEmitter) closeTool() []string {
	if !e.toolOpen {
		return nil
	}
	e.toolOpen = false
	return []string{sseEvent("content_block_stop", map[string]any{
		"type": "content_block_stop", "index": e.toolIndex,
	})}
}

// OpenAIEmitter renders neutral stream events as Chat Completions SSE.
type OpenAIEmitter struct {
	id      string
	model   string
	created int64

	started   bool
	finished  bool
	toolCount int
	toolIndex int
	toolOpen  bool
}

// NewOpenAIEmitter creates an emitter for the given response model name.
func NewOpenAIEmitter(model string) *OpenAIEmitter {
	return &OpenAIEmitter{
		id:      "chatcmpl-" + randomSuffix(),
		model:   model,
		created: time.Now().Unix(),
	}
}

func (e *OpenAIEmitter) chunk(delta protocol.OpenAIDelta, finish *string, usage *protocol.OpenAIUsage) string {
	return sseData(protocol.OpenAIStreamChunk{
		ID:      e.id,
		Object:  "chat.completion.chunk",
		Created: e.created,
		Model:   e.model,
		Choices: []protocol.OpenAIStreamChoice{{Delta: delta, FinishReason: finish}},
		Usage:   usage,
	})
}

// Emit translates one neutral event into zero or more SSE frames. The
// terminal message_stop also emits the literal [DONE] sentinel.
func (e *OpenAIEmitter) Emit(ev protocol.StreamEvent) []string {
	switch ev.Type {
	case protocol.StreamMessageStart:
		if e.started {
			return nil
		}
		e.started = true
		if ev.Model != "" && e.model == "" {
			e.model = ev.Model
		}
		return []string{e.chunk(protocol.OpenAIDelta{Role: "assistant"}, nil, nil)}
	case protocol.StreamTextDelta:
		var out []string
		out = append(out, e.ensureStarted()...)
		out = append(out, e.chunk(protocol.OpenAIDelta{Content: ev.Text}, nil, nil))
		return out
	case protocol.StreamToolUseStart:
		var out []string
		out = append(out, e.ensureStarted()...)
		if e.toolOpen {
			e.toolCount++
		}
		e.toolOpen = true
		e.toolIndex = e.toolCount
		out = append(out, e.chunk(protocol.OpenAIDelta{ToolCalls: []protocol.OpenAIToolCallDelta{{
			Index:    e.toolIndex,
			ID:       ev.ToolUseID,
			Type:     "function",
			Function: &protocol.OpenAIFunctionCall{Name: ev.ToolName},
		}}}, nil, nil))
		return out
	case protocol.StreamToolInputDelta:
		if !e.toolOpen || ev.ToolInput == "" {
			return nil
		}
		return []string{e.chunk(protocol.OpenAIDelta{ToolCalls: []protocol.OpenAIToolCallDelta{{
			Index:    e.toolIndex,
			Function: &protocol.OpenAIFunctionCall{Arguments: ev.ToolInput},
		}}}, nil, nil)}
	case protocol.StreamToolUseStop:
		if e.toolOpen {
			e.toolOpen = false
			e.toolCount++
		}
		return nil
	case protocol.StreamMessageStop:
		if e.finished {
			return nil
		}
		e.finished = true
		finish := protocol.OpenAIFinishReason(ev.StopReason)
		usage := &protocol.OpenAIUsage{
			PromptTokens:     ev.Usage.InputTokens,
			CompletionTokens: ev.Usage.OutputTokens,
			TotalTokens:      ev.Usage.InputTokens + ev.Usage.OutputTokens,
		}
		var out []string
		out = append(out, e.ensureStarted()...)
		out = append(out, e.chunk(protocol.OpenAIDelta{}, &finish, usage))
		out = append(out, "data: [DONE]\n\n")
		return out
	case protocol.StreamError:
		msg := "stream interrupted"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		env := protocol.NewOpenAIError("api_error", "", msg)
		return []string{sseData(env), "data: [DONE]\n\n"}
	}
	return nil
}

func (e *OpenAIEmitter) ensureStarted() []string {
	if e.started {
		return nil
	}
	return e.Emit(protocol.StreamEvent{Type: protocol.StreamMessageStart})
}

// Collector assembles a neutral event stream into a complete assistant
// message. Tool input fragments concatenate into a single JSON document per
// tool call, matching the non-streaming response shape.
type Collector struct {
	text       strings.Builder
	blocks     []protocol.ContentBlock
	curTool    *protocol.ToolUse
	curInput   strings.Builder
	stopReason protocol.StopReason
	usage      protocol.Usage
	model      string
	id         string
	err        error
}

// Feed consumes one event.
func (c *Collector) Feed(ev protocol.StreamEvent) {
	switch ev.Type {
	case protocol.StreamMessageStart:
		c.id = ev.ID
		if ev.Model != "" {
			c.model = ev.Model
		}
	case protocol.StreamTextDelta:
		c.text.WriteString(ev.Text)
	case protocol.StreamToolUseStart:
		c.flushTool()
		c.flushText()
		c.curTool = &protocol.ToolUse{ID: ev.ToolUseID, Name: ev.ToolName}
	case protocol.StreamToolInputDelta:
		c.curInput.WriteString(ev.ToolInput)
	case protocol.StreamToolUseStop:
		c.flushTool()
	case protocol.StreamMessageStop:
		c.stopReason = ev.StopReason
		c.usage = ev.Usage
	case protocol.StreamError:
		c.err = ev.Err
	}
}

func (c *Collector) flushText() {
	if c.text.Len() == 0 {
		return
	}
	c.blocks = append(c.blocks, protocol.TextBlock(c.text.String()))
	c.text.Reset()
}

func (c *Collector) flushTool() {
	if c.curTool == nil {
		return
	}
	input := c.curInput.String()
	if strings.TrimSpace(input) == "" {
		input = "{}"
	}
	c.curTool.Input = input
	c.blocks = append(c.blocks, protocol.ContentBlock{Type: protocol.BlockToolUse, ToolUse: c.curTool})
	c.curTool = nil
	c.curInput.Reset()
}

// Result returns the assembled message, stop reason, and usage. Returns the
// stream error if one was observed.
func (c *Collector) Result() (protocol.Message, protocol.StopReason, protocol.Usage, error) {
	if c.err != nil {
		return protocol.Message{}, "", protocol.Usage{}, c.err
	}
	c.flushText()
	c.flushTool()
	stop := c.stopReason
	if stop == "" {
		stop = protocol.StopEndTurn
	}
	for _, b := range c.blocks {
		if b.Type == protocol.BlockToolUse {
			if c.stopReason == "" {
				stop = protocol.StopToolUse
			}
			break
		}
	}
	c.usage.TotalTokens = c.usage.InputTokens + c.usage.OutputTokens
	return protocol.Message{Role: protocol.RoleAssistant, Content: c.blocks}, stop, c.usage, nil
}

// Model returns the model reported by the stream, if any.
func (c *Collector) Model() string { return c.model }

// ID returns the message ID reported by the stream, if any.
func (c *Collector) ID() string { return c.id }
