package convert

import (
	"reflect"
	"testing"

	"github.com/proxycast/proxycast/pkg/protocol"
)

func userMsg(text string) protocol.Message {
	return protocol.TextMessage(protocol.RoleUser, text)
}

func assistantMsg(text string) protocol.Message {
	return protocol.TextMessage(protocol.RoleAssistant, text)
}

func roles(msgs []protocol.Message) []protocol.Role {
	var out []protocol.Role
	for _, m := range msgs {
		out = append(out, m.Role)
	}
	return out
}

func TestFixAlternation(t *testing.T) {
	tests := []struct {
		name string
		in   []protocol.Message
		want []protocol.Role
	}{
		{
			name: "empty",
			in:   nil,
			want: nil,
		},
		{
			name: "already alternating",
			in:   []protocol.Message{userMsg("a"), assistantMsg("b"), userMsg("c")},
			want: []protocol.Role{protocol.RoleUser, protocol.RoleAssistant, protocol.RoleUser},
		},
		{
			name: "leading assistant",
			in:   []protocol.Message{assistantMsg("a")},
			want: []protocol.Role{protocol.RoleUser, protocol.RoleAssistant},
		},
		{
			name: "consecutive users",
			in:   []protocol.Message{userMsg("a"), userMsg("b")},
			want: []protocol.Role{protocol.RoleUser, protocol.RoleAssistant, protocol.RoleUser},
		},
		{
			name: "consecutive assistants",
			in:   []protocol.Message{userMsg("a"), assistantMsg("b"), assistantMsg("c")},
			want: []protocol.Role{protocol.RoleUser, protocol.RoleAssistant, protocol.RoleUser, protocol.RoleAssistant},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FixAlternation(tt.in)
			if !reflect.DeepEqual(roles(got), tt.want) {
				t.Errorf("FixAlternation() roles = %v, want %v", roles(got), tt.want)
			}
		})
	}
}

func TestFixAlternationIdempotent(t *testing.T) {
	in := []protocol.Message{assistantMsg("a"), assistantMsg("b"), userMsg("c"), userMsg("d")}
	once := FixAlternation(in)
	twice := FixAlternation(once)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("FixAlternation() not idempotent: first %v, second %v", roles(once), roles(twice))
	}
}

func TestFixAlternationPreservesOriginals(t *testing.T) {
	in := []protocol.Message{userMsg("a"), userMsg("b")}
	got := FixAlternation(in)
	if len(got) != 3 {
		t.Fatalf("FixAlternation() len = %d, want 3", len(got))
	}
	if got[0].Text() != "a" || got[2].Text() != "b" {
		t.Errorf("original messages not preserved: %q, %q", got[0].Text(), got[2].Text())
	}
	if !IsSynthetic(got[1]) {
		t.Errorf("inserted message not recognised as synthetic: %+v", got[1])
	}
	if got[1].Text() != "I understand." {
		t.Errorf("synthetic assistant text = %q, want %q", got[1].Text(), "I understand.")
	}
}

func TestSplitCurrent(t *testing.T) {
	t.Run("trailing user promoted", func(t *testing.T) {
		history, current := SplitCurrent([]protocol.Message{userMsg("a"), assistantMsg("b"), userMsg("c")})
		if current.Text() != "c" {
			t.Fatalf("current = %q, want %q", current.Text(), "c")
		}
		want := []protocol.Role{protocol.RoleUser, protocol.RoleAssistant}
		if !reflect.DeepEqual(roles(history), want) {
			t.Errorf("history roles = %v, want %v", roles(history), want)
		}
	})

	t.Run("trailing assistant gets synthetic current", func(t *testing.T) {
		history, current := SplitCurrent([]protocol.Message{userMsg("a"), assistantMsg("b")})
		if !IsSynthetic(current) || current.Role != protocol.RoleUser {
			t.Fatalf("current = %+v, want synthetic user", current)
		}
		if len(history) != 2 {
			t.Errorf("history len = %d, want 2", len(history))
		}
	})

	t.Run("history must end with assistant", func(t *testing.T) {
		history, current := SplitCurrent([]protocol.Message{userMsg("a"), assistantMsg("b"), userMsg("c"), userMsg("d")})
		_ = current
		if n := len(history); n == 0 || history[n-1].Role != protocol.RoleAssistant {
			t.Errorf("history does not end with assistant: %v", roles(history))
		}
	})

	t.Run("empty", func(t *testing.T) {
		history, current := SplitCurrent(nil)
		if len(history) != 0 {
			t.Errorf("history = %v, want empty", roles(history))
		}
		if !IsSynthetic(current) {
			t.Errorf("current = %+v, want synthetic user", current)
		}
	})
}
