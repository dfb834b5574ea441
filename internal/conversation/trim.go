// Package conversation manages message windows before they reach a
// provider: trimming long histories and condensing old turns into a
// summary. It looks only at roles and text content, so it works the
// same for every dialect.
package conversation

import (
	"github.com/proxycast/proxycast/pkg/protocol"
)

// TrimStrategy selects which non-system messages survive a trim.
type TrimStrategy string

const (
	// DropOldest keeps the head of the conversation.
	DropOldest TrimStrategy = "drop_oldest"
	// SlidingWindow keeps the most recent messages.
	SlidingWindow TrimStrategy = "sliding_window"
)

// TrimConfig bounds the number of messages forwarded upstream.
type TrimConfig struct {
	Enabled              bool         `json:"enabled"`
	MaxMessages          int          `json:"max_messages"`
	PreserveSystemPrompt bool         `json:"preserve_system_prompt"`
	Strategy             TrimStrategy `json:"strategy"`
}

// DefaultTrimConfig keeps the last 50 messages and never drops system turns.
func DefaultTrimConfig() TrimConfig {
	return TrimConfig{
		Enabled:              true,
		MaxMessages:          50,
		PreserveSystemPrompt: true,
		Strategy:             SlidingWindow,
	}
}

// Trim applies cfg to msgs and returns the reduced slice. System
// messages are always counted against the budget; with
// PreserveSystemPrompt they are all kept and only non-system messages
// are dropped. Trimming an already-trimmed slice is a no-op.
func Trim(cfg TrimConfig, msgs []protocol.Message) []protocol.Message {
	if !cfg.Enabled || cfg.MaxMessages <= 0 || len(msgs) <= cfg.MaxMessages {
		return msgs
	}

	system, rest := splitSystem(msgs)
	if !cfg.PreserveSystemPrompt {
		system = nil
		rest = msgs
	}

	budget := cfg.MaxMessages - len(system)
	if budget < 0 {
		budget = 0
	}
	if len(rest) > budget {
		switch cfg.Strategy {
		case DropOldest:
			rest = rest[:budget]
		default:
			rest = rest[len(rest)-budget:]
		}
	}

	out := make([]protocol.Message, 0, len(system)+len(rest))
	out = append(out, system...)
	out = append(out, rest...)
	return out
}

func splitSystem(msgs []protocol.Message) (system, rest []protocol.Message) {
	for _, m := range msgs {
		if m.Role == protocol.RoleSystem {
			system = append(system, m)
		} else {
			rest = append(rest, m)
		}
	}
	return system, rest
}
