// Package protocol defines the wire-level data model shared by the gateway,
// the converters, and the provider adapters.
//
// Three dialects are supported: Anthropic Messages, OpenAI Chat Completions,
// and AWS CodeWhisperer. Each dialect has its own request/response types in
// this package; the canonical Message/ContentBlock form is what the
// conversation manager and the converters operate on.
package protocol

import "strings"

// Dialect identifies one of the supported LLM wire formats.
type Dialect string

const (
	DialectAnthropic     Dialect = "anthropic"
	DialectOpenAI        Dialect = "openai"
	DialectCodeWhisperer Dialect = "codewhisperer"
)

// Valid reports whether d is a known dialect.
func (d Dialect) Valid() bool {
	switch d {
	case DialectAnthropic, DialectOpenAI, DialectCodeWhisperer:
		return true
	default:
		return false
	}
}

// Role is a conversation participant role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// BlockType discriminates ContentBlock variants.
type BlockType string

const (
	BlockText       BlockType = "text"
	BlockImage      BlockType = "image"
	BlockToolUse    BlockType = "tool_use"
	BlockToolResult BlockType = "tool_result"
)

// ImageSource holds image content as either raw base64 data or a URL.
type ImageSource struct {
	// Data is base64-encoded image bytes. Mutually exclusive with URL.
	Data string `json:"data,omitempty"`

	// URL references a remote image.
	URL string `json:"url,omitempty"`

	// MediaType is the MIME type, e.g. "image/png".
	MediaType string `json:"media_type,omitempty"`
}

// ToolUse is an assistant-issued tool invocation.
type ToolUse struct {
	// ID is the provider-assigned call identifier. It must survive
	// conversion so tool results can be correlated across dialects.
	ID string `json:"id"`

	// Name is the tool name.
	Name string `json:"name"`

	// Input is the JSON-encoded tool arguments.
	Input string `json:"input"`
}

// ToolResult carries the outcome of a tool invocation back to the model.
type ToolResult struct {
	// ToolUseID references the originating ToolUse.ID.
	ToolUseID string `json:"tool_use_id"`

	// Status is "success" or "error".
	Status string `json:"status,omitempty"`

	// Content is the textual result.
	Content string `json:"content"`
}

// ContentBlock is a tagged variant: exactly one of the payload fields is set,
// selected by Type.
type ContentBlock struct {
	Type       BlockType    `json:"type"`
	Text       string       `json:"text,omitempty"`
	Image      *ImageSource `json:"image,omitempty"`
	ToolUse    *ToolUse     `json:"tool_use,omitempty"`
	ToolResult *ToolResult  `json:"tool_result,omitempty"`
}

// TextBlock builds a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// Message is the canonical dialect-agnostic message form.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`

	// ToolCallID is set for role=tool messages in the OpenAI dialect.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// TextMessage builds a message with a single text block.
func TextMessage(role Role, text string) Message {
	return Message{Role: role, Content: []ContentBlock{TextBlock(text)}}
}

// Text joins the message's text blocks with newlines. Non-text blocks are
// skipped.
func (m Message) Text() string {
	var parts []string
	for _, b := range m.Content {
		if b.Type == BlockText && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// HasToolUse reports whether the message contains a tool_use block.
func (m Message) HasToolUse() bool {
	for _, b := range m.Content {
		if b.Type == BlockToolUse {
			return true
		}
	}
	return false
}

// Tool describes a callable tool surfaced to the model.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Usage is the normalised token accounting extracted from any backend.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates u2 into u.
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
	u.TotalTokens = u.InputTokens + u.OutputTokens
}

// StopReason is the dialect-neutral termination reason.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
	StopSequence  StopReason = "stop_sequence"
)
