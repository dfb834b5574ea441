package protocol

import (
	"encoding/json"
	"fmt"
)

// Payload is the request body flowing through the pipeline, represented as a
// sum over the three dialect request forms. Exactly one variant is non-nil,
// selected by Dialect. Raw retains the original bytes for telemetry.
type Payload struct {
	Dialect       Dialect
	Anthropic     *AnthropicRequest
	OpenAI        *OpenAIRequest
	CodeWhisperer *CWRequest

	// Raw is the inbound body as received, before any stage mutated the
	// typed form. Telemetry reads it; stages must not.
	Raw json.RawMessage
}

// ParsePayload decodes body into the typed form for the given dialect.
func ParsePayload(dialect Dialect, body []byte) (*Payload, error) {
	p := &Payload{Dialect: dialect, Raw: append(json.RawMessage(nil), body...)}
	switch dialect {
	case DialectAnthropic:
		var req AnthropicRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("decode anthropic request: %w", err)
		}
		p.Anthropic = &req
	case DialectOpenAI:
		var req OpenAIRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("decode openai request: %w", err)
		}
		p.OpenAI = &req
	case DialectCodeWhisperer:
		var req CWRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, fmt.Errorf("decode codewhisperer request: %w", err)
		}
		p.CodeWhisperer = &req
	default:
		return nil, fmt.Errorf("unknown dialect %q", dialect)
	}
	return p, nil
}

// Model returns the requested model for whichever variant is set.
func (p *Payload) Model() string {
	switch {
	case p.Anthropic != nil:
		return p.Anthropic.Model
	case p.OpenAI != nil:
		return p.OpenAI.Model
	case p.CodeWhisperer != nil:
		if ui := p.CodeWhisperer.ConversationState.CurrentMessage.UserInputMessage; ui != nil {
			return ui.ModelID
		}
	}
	return ""
}

// Stream reports whether the caller requested a streaming response.
func (p *Payload) Stream() bool {
	switch {
	case p.Anthropic != nil:
		return p.Anthropic.Stream
	case p.OpenAI != nil:
		return p.OpenAI.Stream
	}
	// CW responses always stream on the wire.
	return p.CodeWhisperer != nil
}

// Encode marshals the active variant back to wire bytes.
func (p *Payload) Encode() ([]byte, error) {
	switch {
	case p.Anthropic != nil:
		return json.Marshal(p.Anthropic)
	case p.OpenAI != nil:
		return json.Marshal(p.OpenAI)
	case p.CodeWhisperer != nil:
		return json.Marshal(p.CodeWhisperer)
	default:
		return nil, fmt.Errorf("empty payload")
	}
}
