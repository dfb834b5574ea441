package hooks

import (
	"context"
	"strings"
	"testing"
)

func newTestEngine(t *testing.T, defs ...HookDefinition) *Engine {
	t.Helper()
	e, err := NewEngine(defs, nil)
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	return e
}

func TestMatcher(t *testing.T) {
	tests := []struct {
		name    string
		matcher Matcher
		tool    string
		content string
		want    bool
	}{
		{"empty matches all", Matcher{}, "bash", "anything", true},
		{"literal tool match", Matcher{Tool: "bash"}, "bash", "", true},
		{"literal tool mismatch", Matcher{Tool: "bash"}, "python", "", false},
		{"regex tool match", Matcher{Tool: "/^file_/"}, "file_write", "", true},
		{"regex tool mismatch", Matcher{Tool: "/^file_/"}, "bash", "", false},
		{"content substring", Matcher{ContentPattern: "rm -rf"}, "", "sudo rm -rf /", true},
		{"content missing", Matcher{ContentPattern: "rm -rf"}, "", "ls", false},
		{"both must match", Matcher{Tool: "bash", ContentPattern: "curl"}, "bash", "wget x", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := tt.matcher
			if err := m.compile(); err != nil {
				t.Fatalf("compile: %v", err)
			}
			if got := m.Matches(tt.tool, tt.content); got != tt.want {
				t.Fatalf("Matches(%q, %q) = %v, want %v", tt.tool, tt.content, got, tt.want)
			}
		})
	}
}

func TestDefinitionValidate(t *testing.T) {
	tests := []struct {
		name string
		def  HookDefinition
		ok   bool
	}{
		{"valid", HookDefinition{Event: EventBeforeToolCall, Command: "true"}, true},
		{"unknown event", HookDefinition{Event: "before_lunch", Command: "true"}, false},
		{"empty command", HookDefinition{Event: EventSessionStart, Command: "  "}, false},
		{"blocking and async", HookDefinition{Event: EventSessionStart, Command: "true", Blocking: true, AsyncExec: true}, false},
		{"bad regex", HookDefinition{Event: EventBeforeToolCall, Command: "true", Matcher: Matcher{Tool: "/[/"}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.def.Validate()
			if (err == nil) != tt.ok {
				t.Fatalf("Validate() err = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestFireRunsMatchingHooks(t *testing.T) {
	e := newTestEngine(t,
		HookDefinition{Event: EventBeforeToolCall, Matcher: Matcher{Tool: "bash"}, Command: "echo bash-hook"},
		HookDefinition{Event: EventBeforeToolCall, Matcher: Matcher{Tool: "python"}, Command: "echo python-hook"},
		HookDefinition{Event: EventSessionStart, Command: "echo session-hook"},
	)

	results := e.Fire(context.Background(), EventBeforeToolCall, HookContext{ToolName: "bash"})
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if !results[0].Success || results[0].Output != "bash-hook" {
		t.Fatalf("result = %+v", results[0])
	}
}

func TestFireEnvironmentAndStdin(t *testing.T) {
	e := newTestEngine(t, HookDefinition{
		Event:   EventAfterToolCall,
		Command: `[ "$HOOK_EVENT" = after_tool_call ] && [ "$HOOK_TOOL_NAME" = bash ] && cat`,
	})

	results := e.Fire(context.Background(), EventAfterToolCall, HookContext{
		ToolName: "bash",
		Content:  "ls -la",
	})
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(results[0].Output, `"tool_name":"bash"`) {
		t.Fatalf("stdin did not carry the JSON context: %q", results[0].Output)
	}
	if !strings.Contains(results[0].Output, `"event":"after_tool_call"`) {
		t.Fatalf("context missing event: %q", results[0].Output)
	}
}

func TestFireBlockingFailure(t *testing.T) {
	e := newTestEngine(t,
		HookDefinition{Event: EventBeforeToolCall, Command: "exit 1", Blocking: true},
		HookDefinition{Event: EventBeforeToolCall, Command: "exit 1"},
	)

	results := e.Fire(context.Background(), EventBeforeToolCall, HookContext{})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !results[0].Blocked {
		t.Fatal("blocking hook failure should block")
	}
	if results[1].Blocked {
		t.Fatal("non-blocking hook failure should not block")
	}
	if !Blocked(results) {
		t.Fatal("Blocked should report true")
	}
}

func TestFireAdditionalContext(t *testing.T) {
	e := newTestEngine(t,
		HookDefinition{Event: EventBeforeRequest, Command: `echo '{"additional_context":"remember the deadline"}'`},
		HookDefinition{Event: EventBeforeRequest, Command: "echo plain output"},
	)

	results := e.Fire(context.Background(), EventBeforeRequest, HookContext{})
	if got := AdditionalContext(results); got != "remember the deadline" {
		t.Fatalf("AdditionalContext = %q", got)
	}
}

func TestFireAsyncReturnsImmediately(t *testing.T) {
	e := newTestEngine(t, HookDefinition{
		Event:     EventMessageSent,
		Command:   "sleep 5",
		AsyncExec: true,
	})

	done := make(chan []HookResult, 1)
	go func() { done <- e.Fire(context.Background(), EventMessageSent, HookContext{}) }()

	results := <-done
	if len(results) != 1 || !results[0].Success {
		t.Fatalf("async result = %+v", results)
	}
}

func TestFireTimeout(t *testing.T) {
	e := newTestEngine(t, HookDefinition{
		Event:       EventBeforeToolCall,
		Command:     "sleep 10",
		TimeoutSecs: 1,
		Blocking:    true,
	})

	results := e.Fire(context.Background(), EventBeforeToolCall, HookContext{})
	if len(results) != 1 || results[0].Success {
		t.Fatalf("timed-out hook should fail: %+v", results)
	}
	if !results[0].Blocked {
		t.Fatal("timed-out blocking hook should block")
	}
}
