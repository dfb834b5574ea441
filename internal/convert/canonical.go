// Package convert implements pure bidirectional rewriting between the three
// supported dialects. Conversions go through the canonical protocol.Message
// form; no function in this package performs I/O.
//
// The hardest direction is toward CodeWhisperer, which requires strict
// user/assistant alternation and carries tool results inside user turns; see
// codewhisperer.go and alternation.go.
package convert

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/proxycast/proxycast/pkg/protocol"
)

// FromAnthropic lowers an Anthropic request into canonical messages and tools.
// The system field becomes a leading system message.
func FromAnthropic(req *protocol.AnthropicRequest) ([]protocol.Message, []protocol.Tool, error) {
	if req == nil {
		return nil, nil, fmt.Errorf("nil request")
	}
	var msgs []protocol.Message
	if sys := req.SystemText(); sys != "" {
		msgs = append(msgs, protocol.TextMessage(protocol.RoleSystem, sys))
	}
	for i, m := range req.Messages {
		blocks, err := m.ContentBlocks()
		if err != nil {
			return nil, nil, fmt.Errorf("message %d: %w", i, err)
		}
		msg := protocol.Message{Role: protocol.Role(m.Role)}
		for _, b := range blocks {
			cb, err := blockFromAnthropic(b)
			if err != nil {
				return nil, nil, fmt.Errorf("message %d: %w", i, err)
			}
			msg.Content = append(msg.Content, cb)
		}
		msgs = append(msgs, msg)
	}
	tools := make([]protocol.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		tools = append(tools, protocol.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}
	return msgs, tools, nil
}

func blockFromAnthropic(b protocol.AnthropicContentBlock) (protocol.ContentBlock, error) {
	switch b.Type {
	case "text":
		return protocol.TextBlock(b.Text), nil
	case "image":
		if b.Source == nil {
			return protocol.ContentBlock{}, fmt.Errorf("image block without source")
		}
		return protocol.ContentBlock{Type: protocol.BlockImage, Image: &protocol.ImageSource{
			Data:      b.Source.Data,
			URL:       b.Source.URL,
			MediaType: b.Source.MediaType,
		}}, nil
	case "tool_use":
		input := string(b.Input)
		if input == "" {
			input = "{}"
		}
		return protocol.ContentBlock{Type: protocol.BlockToolUse, ToolUse: &protocol.ToolUse{
			ID: b.ID, Name: b.Name, Input: input,
		}}, nil
	case "tool_result":
		status := "success"
		if b.IsError {
			status = "error"
		}
		return protocol.ContentBlock{Type: protocol.BlockToolResult, ToolResult: &protocol.ToolResult{
			ToolUseID: b.ToolUseID,
			Status:    status,
			Content:   flattenRawText(b.Content),
		}}, nil
	default:
		return protocol.ContentBlock{}, fmt.Errorf("unsupported content block type %q", b.Type)
	}
}

// flattenRawText extracts text from a raw field that is either a string or an
// array of text blocks.
func flattenRawText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []protocol.AnthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return string(raw)
	}
	var parts []string
	for _, b := range blocks {
		if b.Type == "text" && b.Text != "" {
			parts = append(parts, b.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// ToAnthropic raises canonical messages into an Anthropic request. System
// messages collapse into the system field; role=tool messages become user
// messages carrying a tool_result block.
func ToAnthropic(msgs []protocol.Message, tools []protocol.Tool) *protocol.AnthropicRequest {
	req := &protocol.AnthropicRequest{}
	var sysParts []string
	for _, m := range msgs {
		switch m.Role {
		case protocol.RoleSystem:
			if t := m.Text(); t != "" {
				sysParts = append(sysParts, t)
			}
		case protocol.RoleTool:
			blocks := anthropicBlocks(m)
			if len(blocks) == 0 && m.ToolCallID != "" {
				blocks = []protocol.AnthropicContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   protocol.StringContent(m.Text()),
				}}
			}
			req.Messages = append(req.Messages, anthropicMessage("user", blocks))
		default:
			req.Messages = append(req.Messages, anthropicMessage(string(m.Role), anthropicBlocks(m)))
		}
	}
	if len(sysParts) > 0 {
		req.System = protocol.StringContent(strings.Join(sysParts, "\n\n"))
	}
	for _, t := range tools {
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		req.Tools = append(req.Tools, protocol.AnthropicTool{
			Name: t.Name, Description: t.Description, InputSchema: schema,
		})
	}
	return req
}

func anthropicMessage(role string, blocks []protocol.AnthropicContentBlock) protocol.AnthropicMessage {
	raw, _ := json.Marshal(blocks)
	return protocol.AnthropicMessage{Role: role, Content: raw}
}

func anthropicBlocks(m protocol.Message) []protocol.AnthropicContentBlock {
	var out []protocol.AnthropicContentBlock
	for _, b := range m.Content {
		switch b.Type {
		case protocol.BlockText:
			if b.Text != "" {
				out = append(out, protocol.AnthropicContentBlock{Type: "text", Text: b.Text})
			}
		case protocol.BlockImage:
			if b.Image == nil {
				continue
			}
			src := &protocol.AnthropicImageSource{MediaType: b.Image.MediaType}
			if b.Image.Data != "" {
				src.Type = "base64"
				src.Data = b.Image.Data
			} else {
				src.Type = "url"
				src.URL = b.Image.URL
			}
			out = append(out, protocol.AnthropicContentBlock{Type: "image", Source: src})
		case protocol.BlockToolUse:
			if b.ToolUse == nil {
				continue
			}
			out = append(out, protocol.AnthropicContentBlock{
				Type:  "tool_use",
				ID:    b.ToolUse.ID,
				Name:  b.ToolUse.Name,
				Input: json.RawMessage(b.ToolUse.Input),
			})
		case protocol.BlockToolResult:
			if b.ToolResult == nil {
				continue
			}
			out = append(out, protocol.AnthropicContentBlock{
				Type:      "tool_result",
				ToolUseID: b.ToolResult.ToolUseID,
				IsError:   b.ToolResult.Status == "error",
				Content:   protocol.StringContent(b.ToolResult.Content),
			})
		}
	}
	return out
}

// FromOpenAI lowers an OpenAI request into canonical messages and tools.
func FromOpenAI(req *protocol.OpenAIRequest) ([]protocol.Message, []protocol.Tool, error) {
	if req == nil {
		return nil, nil, fmt.Errorf("nil request")
	}
	var msgs []protocol.Message
	for _, m := range req.Messages {
		switch m.Role {
		case "system", "developer":
			if t := m.TextContent(); t != "" {
				msgs = append(msgs, protocol.TextMessage(protocol.RoleSystem, t))
			}
		case "tool", "function":
			msgs = append(msgs, protocol.Message{
				Role:       protocol.RoleTool,
				ToolCallID: m.ToolCallID,
				Content: []protocol.ContentBlock{{
					Type: protocol.BlockToolResult,
					ToolResult: &protocol.ToolResult{
						ToolUseID: m.ToolCallID,
						Status:    "success",
						Content:   m.TextContent(),
					},
				}},
			})
		default:
			msg := protocol.Message{Role: protocol.Role(m.Role)}
			for _, p := range m.ContentParts() {
				switch p.Type {
				case "text":
					if p.Text != "" {
						msg.Content = append(msg.Content, protocol.TextBlock(p.Text))
					}
				case "image_url":
					if p.ImageURL == nil || p.ImageURL.URL == "" {
						continue
					}
					msg.Content = append(msg.Content, imageBlockFromURL(p.ImageURL.URL))
				}
			}
			for _, tc := range m.ToolCalls {
				input := tc.Function.Arguments
				if strings.TrimSpace(input) == "" {
					input = "{}"
				}
				msg.Content = append(msg.Content, protocol.ContentBlock{
					Type:    protocol.BlockToolUse,
					ToolUse: &protocol.ToolUse{ID: tc.ID, Name: tc.Function.Name, Input: input},
				})
			}
			if len(msg.Content) == 0 {
				continue
			}
			msgs = append(msgs, msg)
		}
	}
	tools := make([]protocol.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		if t.Function.Name == "" {
			continue
		}
		tools = append(tools, protocol.Tool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return msgs, tools, nil
}

// imageBlockFromURL splits a data: URL into media type + base64 payload;
// anything else stays a URL reference.
func imageBlockFromURL(url string) protocol.ContentBlock {
	src := &protocol.ImageSource{}
	if rest, ok := strings.CutPrefix(url, "data:"); ok {
		if mediaType, data, found := strings.Cut(rest, ";base64,"); found {
			src.MediaType = mediaType
			src.Data = data
		} else {
			src.URL = url
		}
	} else {
		src.URL = url
	}
	return protocol.ContentBlock{Type: protocol.BlockImage, Image: src}
}

// ToOpenAI raises canonical messages into an OpenAI request. Assistant tool
// uses become tool_calls; tool results become role=tool messages.
func ToOpenAI(msgs []protocol.Message, tools []protocol.Tool) *protocol.OpenAIRequest {
	req := &protocol.OpenAIRequest{}
	for _, m := range msgs {
		switch m.Role {
		case protocol.RoleSystem:
			if t := m.Text(); t != "" {
				req.Messages = append(req.Messages, protocol.OpenAIMessage{
					Role: "system", Content: protocol.StringContent(t),
				})
			}
		case protocol.RoleAssistant:
			out := protocol.OpenAIMessage{Role: "assistant"}
			var parts []protocol.OpenAIContentPart
			for _, b := range m.Content {
				switch b.Type {
				case protocol.BlockText:
					if b.Text != "" {
						parts = append(parts, protocol.OpenAIContentPart{Type: "text", Text: b.Text})
					}
				case protocol.BlockToolUse:
					if b.ToolUse == nil {
						continue
					}
					out.ToolCalls = append(out.ToolCalls, protocol.OpenAIToolCall{
						ID:   b.ToolUse.ID,
						Type: "function",
						Function: protocol.OpenAIFunctionCall{
							Name:      b.ToolUse.Name,
							Arguments: b.ToolUse.Input,
						},
					})
				}
			}
			if len(parts) == 1 && parts[0].Type == "text" {
				out.Content = protocol.StringContent(parts[0].Text)
			} else if len(parts) > 0 {
				raw, _ := json.Marshal(parts)
				out.Content = raw
			}
			if out.Content == nil && len(out.ToolCalls) == 0 {
				continue
			}
			req.Messages = append(req.Messages, out)
		default:
			// user and tool roles
			for _, b := range m.Content {
				if b.Type == protocol.BlockToolResult && b.ToolResult != nil {
					req.Messages = append(req.Messages, protocol.OpenAIMessage{
						Role:       "tool",
						ToolCallID: b.ToolResult.ToolUseID,
						Content:    protocol.StringContent(b.ToolResult.Content),
					})
				}
			}
			parts := openAIParts(m)
			if len(parts) == 0 {
				continue
			}
			out := protocol.OpenAIMessage{Role: string(m.Role)}
			if len(parts) == 1 && parts[0].Type == "text" {
				out.Content = protocol.StringContent(parts[0].Text)
			} else {
				raw, _ := json.Marshal(parts)
				out.Content = raw
			}
			req.Messages = append(req.Messages, out)
		}
	}
	for _, t := range tools {
		params := t.InputSchema
		if params == nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		req.Tools = append(req.Tools, protocol.OpenAITool{
			Type: "function",
			Function: protocol.OpenAIFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return req
}

func openAIParts(m protocol.Message) []protocol.OpenAIContentPart {
	var parts []protocol.OpenAIContentPart
	for _, b := range m.Content {
		switch b.Type {
		case protocol.BlockText:
			if b.Text != "" {
				parts = append(parts, protocol.OpenAIContentPart{Type: "text", Text: b.Text})
			}
		case protocol.BlockImage:
			if b.Image == nil {
				continue
			}
			url := b.Image.URL
			if url == "" && b.Image.Data != "" {
				mediaType := b.Image.MediaType
				if mediaType == "" {
					mediaType = "application/octet-stream"
				}
				url = "data:" + mediaType + ";base64," + b.Image.Data
			}
			if url == "" {
				continue
			}
			parts = append(parts, protocol.OpenAIContentPart{
				Type:     "image_url",
				ImageURL: &protocol.OpenAIImageURL{URL: url},
			})
		}
	}
	return parts
}
