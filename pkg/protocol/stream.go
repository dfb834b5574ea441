package protocol

// StreamEventType discriminates StreamEvent variants.
type StreamEventType string

const (
	// StreamMessageStart opens the response; carries ID and model.
	StreamMessageStart StreamEventType = "message_start"

	// StreamTextDelta carries an incremental text fragment.
	StreamTextDelta StreamEventType = "text_delta"

	// StreamToolUseStart opens a tool call; carries ToolUseID and ToolName.
	StreamToolUseStart StreamEventType = "tool_use_start"

	// StreamToolInputDelta carries a fragment of tool-call input JSON.
	StreamToolInputDelta StreamEventType = "tool_input_delta"

	// StreamToolUseStop closes the current tool call.
	StreamToolUseStop StreamEventType = "tool_use_stop"

	// StreamMessageStop terminates the response; carries StopReason and Usage.
	StreamMessageStop StreamEventType = "message_stop"

	// StreamError surfaces an upstream failure mid-stream.
	StreamError StreamEventType = "error"
)

// StreamEvent is the dialect-neutral streaming unit produced by provider
// adapters and consumed by the gateway's dialect emitters. Translation happens
// at chunk boundaries; byte offsets are never preserved.
type StreamEvent struct {
	Type StreamEventType

	// ID and Model are set on message_start.
	ID    string
	Model string

	// Text is set on text_delta.
	Text string

	// ToolUseID and ToolName are set on tool_use_start; ToolInput on
	// tool_input_delta. Input fragments concatenate to one JSON document.
	ToolUseID string
	ToolName  string
	ToolInput string

	// StopReason and Usage are set on message_stop.
	StopReason StopReason
	Usage      Usage

	// Err is set on error events.
	Err error
}

// OpenAIFinishReason maps a neutral stop reason to the OpenAI vocabulary.
func OpenAIFinishReason(r StopReason) string {
	switch r {
	case StopToolUse:
		return "tool_calls"
	case StopMaxTokens:
		return "length"
	default:
		return "stop"
	}
}

// StopReasonFromOpenAI maps an OpenAI finish_reason to the neutral form.
func StopReasonFromOpenAI(finish string) StopReason {
	switch finish {
	case "tool_calls", "function_call":
		return StopToolUse
	case "length":
		return StopMaxTokens
	default:
		return StopEndTurn
	}
}

// AnthropicStopReason maps a neutral stop reason to the Anthropic vocabulary.
func AnthropicStopReason(r StopReason) string {
	switch r {
	case StopToolUse:
		return "tool_use"
	case StopMaxTokens:
		return "max_tokens"
	case StopSequence:
		return "stop_sequence"
	default:
		return "end_turn"
	}
}

// StopReasonFromAnthropic maps an Anthropic stop_reason to the neutral form.
func StopReasonFromAnthropic(stop string) StopReason {
	switch stop {
	case "tool_use":
		return StopToolUse
	case "max_tokens":
		return StopMaxTokens
	case "stop_sequence":
		return StopSequence
	default:
		return StopEndTurn
	}
}
