package convert

import "github.com/proxycast/proxycast/pkg/protocol"

// Synthetic placeholders inserted to satisfy the CodeWhisperer alternation
// requirement.
const (
	syntheticUserText      = "Continue"
	syntheticAssistantText = "I understand."
)

// SyntheticUser returns the placeholder user message.
func SyntheticUser() protocol.Message {
	return protocol.TextMessage(protocol.RoleUser, syntheticUserText)
}

// SyntheticAssistant returns the placeholder assistant message.
func SyntheticAssistant() protocol.Message {
	return protocol.TextMessage(protocol.RoleAssistant, syntheticAssistantText)
}

// IsSynthetic reports whether m is one of the placeholders this package
// inserts.
func IsSynthetic(m protocol.Message) bool {
	if len(m.Content) != 1 || m.Content[0].Type != protocol.BlockText {
		return false
	}
	switch m.Content[0].Text {
	case syntheticUserText:
		return m.Role == protocol.RoleUser
	case syntheticAssistantText:
		return m.Role == protocol.RoleAssistant
	}
	return false
}

// FixAlternation rewrites msgs so user and assistant turns strictly
// alternate, starting with user. Consecutive same-role turns get a synthetic
// turn of the opposite role inserted between them; a leading assistant turn
// gets a synthetic user prepended. Input must contain only user and assistant
// roles (system and tool turns are folded before this runs). The function is
// idempotent.
func FixAlternation(msgs []protocol.Message) []protocol.Message {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]protocol.Message, 0, len(msgs)+2)
	for _, m := range msgs {
		if len(out) == 0 {
			if m.Role == protocol.RoleAssistant {
				out = append(out, SyntheticUser())
			}
			out = append(out, m)
			continue
		}
		prev := out[len(out)-1].Role
		if prev == m.Role {
			if m.Role == protocol.RoleUser {
				out = append(out, SyntheticAssistant())
			} else {
				out = append(out, SyntheticUser())
			}
		}
		out = append(out, m)
	}
	return out
}

// SplitCurrent partitions an alternation-fixed list into history plus the
// current user turn. A trailing user turn is promoted to the current message
// and the history gets a synthetic assistant terminator if needed; a trailing
// assistant turn leaves the full list as history with a synthetic current
// user turn.
func SplitCurrent(msgs []protocol.Message) (history []protocol.Message, current protocol.Message) {
	if len(msgs) == 0 {
		return nil, SyntheticUser()
	}
	last := msgs[len(msgs)-1]
	if last.Role == protocol.RoleUser {
		history = msgs[:len(msgs)-1]
		current = last
	} else {
		history = msgs
		current = SyntheticUser()
	}
	if n := len(history); n > 0 && history[n-1].Role == protocol.RoleUser {
		history = append(append([]protocol.Message(nil), history...), SyntheticAssistant())
	}
	return history, current
}
