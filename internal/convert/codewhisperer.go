package convert

import (
	"encoding/json"
	"strings"
	"unicode/utf8"

	"github.com/proxycast/proxycast/pkg/protocol"
)

// CW request limits. The tool cap is a backend hard limit of the
// generateAssistantResponse API; oversized tool sets are clamped rather than
// rejected so callers with large registries still get a response.
const (
	maxCWTools           = 50
	maxCWToolDescription = 500
)

// cwModelAliases maps Anthropic-style model names to CW model identifiers.
var cwModelAliases = map[string]string{
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-3-5-sonnet-20241022": "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-3-5-haiku-20241022":  "CLAUDE_3_5_HAIKU_20241022_V1_0",
	"claude-opus-4-20250514":     "CLAUDE_OPUS_4_20250514_V1_0",
}

const cwDefaultModel = "CLAUDE_SONNET_4_20250514_V1_0"

// MapCWModel resolves a requested model name to a CW model identifier.
// Unknown names fall back by family substring, then to the default sonnet.
func MapCWModel(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if id, ok := cwModelAliases[model]; ok {
		return id
	}
	switch {
	case strings.Contains(model, "haiku"):
		return "CLAUDE_3_5_HAIKU_20241022_V1_0"
	case strings.Contains(model, "opus"):
		return "CLAUDE_OPUS_4_20250514_V1_0"
	default:
		return cwDefaultModel
	}
}

// CWOptions carries the request-level fields of a CW conversion.
type CWOptions struct {
	ProfileArn     string
	ConversationID string

	// Model is the caller-requested model name; it is mapped through
	// MapCWModel before being written into the request.
	Model string
}

// ToCodeWhisperer converts canonical messages into a CW request:
//
//  1. System turns fold into the first user turn ("system\n\nuser").
//  2. Tool-result turns are retagged as user turns carrying toolResults.
//  3. The alternation fixer enforces strict user/assistant alternation and
//     splits off the current user message.
//  4. Tools are clamped to the CW limit with long descriptions truncated.
func ToCodeWhisperer(msgs []protocol.Message, tools []protocol.Tool, opts CWOptions) (*protocol.CWRequest, error) {
	folded := foldForCW(msgs)
	fixed := FixAlternation(folded)
	history, current := SplitCurrent(fixed)

	modelID := MapCWModel(opts.Model)
	req := &protocol.CWRequest{
		ProfileArn: opts.ProfileArn,
		ConversationState: protocol.CWConversationState{
			ChatTriggerType: "MANUAL",
			ConversationID:  opts.ConversationID,
			CurrentMessage:  cwUserTurn(current, modelID, clampCWTools(tools)),
		},
	}
	for _, m := range history {
		if m.Role == protocol.RoleUser {
			req.ConversationState.History = append(req.ConversationState.History, cwUserTurn(m, modelID, nil))
		} else {
			req.ConversationState.History = append(req.ConversationState.History, cwAssistantTurn(m))
		}
	}
	return req, nil
}

// foldForCW collapses the canonical list into a pure user/assistant sequence:
// system text is prepended to the first user turn, consecutive tool-result
// turns merge into a single user turn.
func foldForCW(msgs []protocol.Message) []protocol.Message {
	var sysParts []string
	var out []protocol.Message
	for _, m := range msgs {
		switch m.Role {
		case protocol.RoleSystem:
			if t := m.Text(); t != "" {
				sysParts = append(sysParts, t)
			}
		case protocol.RoleTool:
			m.Role = protocol.RoleUser
			if n := len(out); n > 0 && out[n-1].Role == protocol.RoleUser && isToolResultOnly(out[n-1]) {
				out[n-1].Content = append(out[n-1].Content, m.Content...)
				continue
			}
			out = append(out, m)
		default:
			out = append(out, m)
		}
	}
	if len(sysParts) > 0 {
		sys := strings.Join(sysParts, "\n\n")
		injected := false
		for i := range out {
			if out[i].Role == protocol.RoleUser {
				out[i] = prependText(out[i], sys)
				injected = true
				break
			}
		}
		if !injected {
			out = append([]protocol.Message{protocol.TextMessage(protocol.RoleUser, sys)}, out...)
		}
	}
	return out
}

func isToolResultOnly(m protocol.Message) bool {
	for _, b := range m.Content {
		if b.Type != protocol.BlockToolResult {
			return false
		}
	}
	return len(m.Content) > 0
}

func prependText(m protocol.Message, text string) protocol.Message {
	content := make([]protocol.ContentBlock, 0, len(m.Content)+1)
	if len(m.Content) > 0 && m.Content[0].Type == protocol.BlockText {
		content = append(content, protocol.TextBlock(text+"\n\n"+m.Content[0].Text))
		content = append(content, m.Content[1:]...)
	} else {
		content = append(content, protocol.TextBlock(text))
		content = append(content, m.Content...)
	}
	m.Content = content
	return m
}

func cwUserTurn(m protocol.Message, modelID string, tools []protocol.CWTool) protocol.CWMessage {
	ui := &protocol.CWUserInputMessage{
		Content: m.Text(),
		ModelID: modelID,
		Origin:  "AI_EDITOR",
	}
	var ctx protocol.CWInputContext
	for _, b := range m.Content {
		switch b.Type {
		case protocol.BlockImage:
			if b.Image == nil || b.Image.Data == "" {
				continue
			}
			ui.Images = append(ui.Images, protocol.CWImage{
				Format: cwImageFormat(b.Image.MediaType),
				Source: protocol.CWImageSource{Bytes: b.Image.Data},
			})
		case protocol.BlockToolResult:
			if b.ToolResult == nil {
				continue
			}
			status := b.ToolResult.Status
			if status == "" {
				status = "success"
			}
			ctx.ToolResults = append(ctx.ToolResults, protocol.CWToolResult{
				ToolUseID: b.ToolResult.ToolUseID,
				Status:    status,
				Content:   []protocol.CWToolResultContent{{Text: b.ToolResult.Content}},
			})
		}
	}
	ctx.Tools = tools
	if len(ctx.ToolResults) > 0 || len(ctx.Tools) > 0 {
		ui.UserInputMessageContext = &ctx
	}
	return protocol.CWMessage{UserInputMessage: ui}
}

func cwAssistantTurn(m protocol.Message) protocol.CWMessage {
	ar := &protocol.CWAssistantResponseMessage{Content: m.Text()}
	for _, b := range m.Content {
		if b.Type != protocol.BlockToolUse || b.ToolUse == nil {
			continue
		}
		input := json.RawMessage(b.ToolUse.Input)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		ar.ToolUses = append(ar.ToolUses, protocol.CWToolUse{
			ToolUseID: b.ToolUse.ID,
			Name:      b.ToolUse.Name,
			Input:     input,
		})
	}
	return protocol.CWMessage{AssistantResponseMessage: ar}
}

func cwImageFormat(mediaType string) string {
	if _, format, ok := strings.Cut(mediaType, "/"); ok && format != "" {
		return format
	}
	return "png"
}

// clampCWTools converts tool definitions to CW form, truncating long
// descriptions and clamping the set to the CW limit.
func clampCWTools(tools []protocol.Tool) []protocol.CWTool {
	if len(tools) == 0 {
		return nil
	}
	if len(tools) > maxCWTools {
		tools = tools[:maxCWTools]
	}
	out := make([]protocol.CWTool, 0, len(tools))
	for _, t := range tools {
		desc := truncateRunes(t.Description, maxCWToolDescription)
		schema := t.InputSchema
		if schema == nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		out = append(out, protocol.CWTool{ToolSpecification: protocol.CWToolSpecification{
			Name:        t.Name,
			Description: desc,
			InputSchema: protocol.CWInputSchema{JSON: schema},
		}})
	}
	return out
}

// truncateRunes caps s at max runes, never splitting a multi-byte
// character, and marks the cut with an ellipsis.
func truncateRunes(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}

// FromCodeWhisperer lowers a CW request into canonical messages and tools.
func FromCodeWhisperer(req *protocol.CWRequest) ([]protocol.Message, []protocol.Tool, error) {
	var msgs []protocol.Message
	for _, turn := range req.ConversationState.History {
		msgs = append(msgs, cwTurnToCanonical(turn)...)
	}
	msgs = append(msgs, cwTurnToCanonical(req.ConversationState.CurrentMessage)...)

	var tools []protocol.Tool
	if ui := req.ConversationState.CurrentMessage.UserInputMessage; ui != nil && ui.UserInputMessageContext != nil {
		for _, t := range ui.UserInputMessageContext.Tools {
			tools = append(tools, protocol.Tool{
				Name:        t.ToolSpecification.Name,
				Description: t.ToolSpecification.Description,
				InputSchema: t.ToolSpecification.InputSchema.JSON,
			})
		}
	}
	return msgs, tools, nil
}

func cwTurnToCanonical(turn protocol.CWMessage) []protocol.Message {
	if ui := turn.UserInputMessage; ui != nil {
		msg := protocol.Message{Role: protocol.RoleUser}
		if ui.Content != "" {
			msg.Content = append(msg.Content, protocol.TextBlock(ui.Content))
		}
		for _, img := range ui.Images {
			msg.Content = append(msg.Content, protocol.ContentBlock{
				Type: protocol.BlockImage,
				Image: &protocol.ImageSource{
					Data:      img.Source.Bytes,
					MediaType: "image/" + img.Format,
				},
			})
		}
		if ui.UserInputMessageContext != nil {
			for _, tr := range ui.UserInputMessageContext.ToolResults {
				var parts []string
				for _, c := range tr.Content {
					if c.Text != "" {
						parts = append(parts, c.Text)
					} else if len(c.JSON) > 0 {
						parts = append(parts, string(c.JSON))
					}
				}
				msg.Content = append(msg.Content, protocol.ContentBlock{
					Type: protocol.BlockToolResult,
					ToolResult: &protocol.ToolResult{
						ToolUseID: tr.ToolUseID,
						Status:    tr.Status,
						Content:   strings.Join(parts, "\n"),
					},
				})
			}
		}
		if len(msg.Content) == 0 {
			return nil
		}
		return []protocol.Message{msg}
	}
	if ar := turn.AssistantResponseMessage; ar != nil {
		msg := protocol.Message{Role: protocol.RoleAssistant}
		if ar.Content != "" {
			msg.Content = append(msg.Content, protocol.TextBlock(ar.Content))
		}
		for _, tu := range ar.ToolUses {
			input := string(tu.Input)
			if input == "" {
				input = "{}"
			}
			msg.Content = append(msg.Content, protocol.ContentBlock{
				Type:    protocol.BlockToolUse,
				ToolUse: &protocol.ToolUse{ID: tu.ToolUseID, Name: tu.Name, Input: input},
			})
		}
		if len(msg.Content) == 0 {
			return nil
		}
		return []protocol.Message{msg}
	}
	return nil
}
