package protocol

import "encoding/json"

// CodeWhisperer dialect types. The CW API requires strict user/assistant
// alternation in history and carries tool results inside the user message
// context rather than as standalone messages.

// CWRequest mirrors the generateAssistantResponse request body.
type CWRequest struct {
	ProfileArn        string              `json:"profileArn,omitempty"`
	ConversationState CWConversationState `json:"conversationState"`
}

// CWConversationState holds the current message plus prior turns.
type CWConversationState struct {
	ChatTriggerType string      `json:"chatTriggerType"` // "MANUAL"
	ConversationID  string      `json:"conversationId"`
	CurrentMessage  CWMessage   `json:"currentMessage"`
	History         []CWMessage `json:"history,omitempty"`
}

// CWMessage is a union: exactly one of UserInputMessage or
// AssistantResponseMessage is set.
type CWMessage struct {
	UserInputMessage         *CWUserInputMessage         `json:"userInputMessage,omitempty"`
	AssistantResponseMessage *CWAssistantResponseMessage `json:"assistantResponseMessage,omitempty"`
}

// CWUserInputMessage is a user turn.
type CWUserInputMessage struct {
	Content                 string          `json:"content"`
	ModelID                 string          `json:"modelId,omitempty"`
	Origin                  string          `json:"origin,omitempty"` // "AI_EDITOR"
	Images                  []CWImage       `json:"images,omitempty"`
	UserInputMessageContext *CWInputContext `json:"userInputMessageContext,omitempty"`
}

// CWInputContext carries tool definitions and tool results for a user turn.
type CWInputContext struct {
	ToolResults []CWToolResult `json:"toolResults,omitempty"`
	Tools       []CWTool       `json:"tools,omitempty"`
}

// CWAssistantResponseMessage is an assistant turn.
type CWAssistantResponseMessage struct {
	Content  string      `json:"content"`
	ToolUses []CWToolUse `json:"toolUses,omitempty"`
}

// CWImage is an inline image attached to a user turn.
type CWImage struct {
	Format string        `json:"format"` // "png", "jpeg", ...
	Source CWImageSource `json:"source"`
}

// CWImageSource holds base64 image bytes.
type CWImageSource struct {
	Bytes string `json:"bytes"`
}

// CWToolUse is an assistant tool invocation in CW form.
type CWToolUse struct {
	ToolUseID string          `json:"toolUseId"`
	Name      string          `json:"name"`
	Input     json.RawMessage `json:"input"`
}

// CWToolResult is the outcome of a tool invocation, referenced by ID.
type CWToolResult struct {
	ToolUseID string                `json:"toolUseId"`
	Status    string                `json:"status"` // "success" or "error"
	Content   []CWToolResultContent `json:"content"`
}

// CWToolResultContent is one content element of a tool result.
type CWToolResultContent struct {
	Text string          `json:"text,omitempty"`
	JSON json.RawMessage `json:"json,omitempty"`
}

// CWTool wraps a tool specification.
type CWTool struct {
	ToolSpecification CWToolSpecification `json:"toolSpecification"`
}

// CWToolSpecification describes a callable tool.
type CWToolSpecification struct {
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	InputSchema CWInputSchema `json:"inputSchema"`
}

// CWInputSchema wraps the JSON schema of tool input.
type CWInputSchema struct {
	JSON map[string]any `json:"json"`
}

// CWStreamEvent is one event of the CW response event stream after envelope
// decoding. Assistant text arrives as content fragments; tool calls arrive as
// toolUseId/name once followed by input fragments and a final stop marker.
type CWStreamEvent struct {
	Content   string `json:"content,omitempty"`
	ToolUseID string `json:"toolUseId,omitempty"`
	Name      string `json:"name,omitempty"`
	Input     string `json:"input,omitempty"`
	Stop      bool   `json:"stop,omitempty"`

	// FollowupPrompt and usage arrive on the terminal event.
	InputTokens  int `json:"inputTokens,omitempty"`
	OutputTokens int `json:"outputTokens,omitempty"`
}
