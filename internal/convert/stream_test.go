package convert

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/proxycast/proxycast/pkg/protocol"
)

func sampleStream() []protocol.StreamEvent {
	return []protocol.StreamEvent{
		{Type: protocol.StreamMessageStart, ID: "msg_1", Model: "claude-sonnet-4-20250514"},
		{Type: protocol.StreamTextDelta, Text: "Let me "},
		{Type: protocol.StreamTextDelta, Text: "check."},
		{Type: protocol.StreamToolUseStart, ToolUseID: "tu_1", ToolName: "get_weather"},
		{Type: protocol.StreamToolInputDelta, ToolInput: `{"city":`},
		{Type: protocol.StreamToolInputDelta, ToolInput: `"Paris"}`},
		{Type: protocol.StreamToolUseStop},
		{Type: protocol.StreamMessageStop, StopReason: protocol.StopToolUse, Usage: protocol.Usage{InputTokens: 10, OutputTokens: 5}},
	}
}

func emitAll(t *testing.T, emit func(protocol.StreamEvent) []string, events []protocol.StreamEvent) []string {
	t.Helper()
	var frames []string
	for _, ev := range events {
		frames = append(frames, emit(ev)...)
	}
	return frames
}

func sseEventNames(frames []string) []string {
	var names []string
	for _, f := range frames {
		for _, line := range strings.Split(f, "\n") {
			if name, ok := strings.CutPrefix(line, "event: "); ok {
				names = append(names, name)
			}
		}
	}
	return names
}

func TestAnthropicEmitter(t *testing.T) {
	e := NewAnthropicEmitter("claude-sonnet-4-20250514")
	frames := emitAll(t, e.Emit, sampleStream())

	want := []string{
		"message_start",
		"content_block_start", "content_block_delta", "content_block_delta",
		"content_block_stop",
		"content_block_start", "content_block_delta", "content_block_delta",
		"content_block_stop",
		"message_delta", "message_stop",
	}
	got := sseEventNames(frames)
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("event sequence = %v, want %v", got, want)
	}

	joined := strings.Join(frames, "")
	if !strings.Contains(joined, `"partial_json"`) {
		t.Errorf("tool input not emitted as input_json_delta")
	}
	if !strings.Contains(joined, `"stop_reason":"tool_use"`) {
		t.Errorf("message_delta missing mapped stop reason: %s", joined)
	}
	if !strings.Contains(joined, `"output_tokens":5`) {
		t.Errorf("usage missing from message_delta")
	}
}

func TestAnthropicEmitterError(t *testing.T) {
	e := NewAnthropicEmitter("m")
	frames := e.Emit(protocol.StreamEvent{Type: protocol.StreamError})
	if len(frames) != 1 || !strings.HasPrefix(frames[0], "event: error\n") {
		t.Fatalf("error frame = %v", frames)
	}
}

func TestOpenAIEmitter(t *testing.T) {
	e := NewOpenAIEmitter("claude-sonnet-4-20250514")
	frames := emitAll(t, e.Emit, sampleStream())

	if len(frames) == 0 {
		t.Fatal("no frames emitted")
	}
	if frames[len(frames)-1] != "data: [DONE]\n\n" {
		t.Fatalf("stream not terminated with [DONE]: %q", frames[len(frames)-1])
	}

	var sawRole, sawText, sawToolName, sawArgs, sawFinish bool
	for _, f := range frames[:len(frames)-1] {
		payload := strings.TrimSuffix(strings.TrimPrefix(f, "data: "), "\n\n")
		var chunk protocol.OpenAIStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("chunk does not parse: %v\n%s", err, payload)
		}
		if chunk.Object != "chat.completion.chunk" {
			t.Fatalf("object = %q", chunk.Object)
		}
		for _, c := range chunk.Choices {
			if c.Delta.Role == "assistant" {
				sawRole = true
			}
			if c.Delta.Content != "" {
				sawText = true
			}
			for _, tc := range c.Delta.ToolCalls {
				if tc.Function != nil && tc.Function.Name == "get_weather" {
					sawToolName = true
				}
				if tc.Function != nil && tc.Function.Arguments != "" {
					sawArgs = true
				}
			}
			if c.FinishReason != nil && *c.FinishReason == "tool_calls" {
				sawFinish = true
				if chunk.Usage == nil || chunk.Usage.TotalTokens != 15 {
					t.Errorf("final chunk usage = %+v, want total 15", chunk.Usage)
				}
			}
		}
	}
	if !sawRole || !sawText || !sawToolName || !sawArgs || !sawFinish {
		t.Errorf("missing chunk kinds: role=%v text=%v toolName=%v args=%v finish=%v",
			sawRole, sawText, sawToolName, sawArgs, sawFinish)
	}
}

func TestCollector(t *testing.T) {
	var c Collector
	for _, ev := range sampleStream() {
		c.Feed(ev)
	}
	msg, stop, usage, err := c.Result()
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if msg.Role != protocol.RoleAssistant {
		t.Errorf("role = %q", msg.Role)
	}
	if msg.Text() != "Let me check." {
		t.Errorf("text = %q, want %q", msg.Text(), "Let me check.")
	}
	if stop != protocol.StopToolUse {
		t.Errorf("stop reason = %q, want tool_use", stop)
	}
	if usage.TotalTokens != 15 {
		t.Errorf("usage = %+v, want total 15", usage)
	}
	var tool *protocol.ToolUse
	for _, b := range msg.Content {
		if b.Type == protocol.BlockToolUse {
			tool = b.ToolUse
		}
	}
	if tool == nil {
		t.Fatal("assembled message has no tool use")
	}
	if tool.ID != "tu_1" || tool.Name != "get_weather" {
		t.Errorf("tool = %+v", tool)
	}
	if tool.Input != `{"city":"Paris"}` {
		t.Errorf("tool input = %q", tool.Input)
	}
}

func TestCollectorTextOnly(t *testing.T) {
	var c Collector
	c.Feed(protocol.StreamEvent{Type: protocol.StreamMessageStart, Model: "m"})
	c.Feed(protocol.StreamEvent{Type: protocol.StreamTextDelta, Text: "hi"})
	c.Feed(protocol.StreamEvent{Type: protocol.StreamMessageStop, StopReason: protocol.StopEndTurn})
	msg, stop, _, err := c.Result()
	if err != nil {
		t.Fatalf("Result() error = %v", err)
	}
	if stop != protocol.StopEndTurn {
		t.Errorf("stop = %q", stop)
	}
	if msg.Text() != "hi" {
		t.Errorf("text = %q", msg.Text())
	}
}
