// Package hooks runs user-configured shell commands at fixed gateway
// lifecycle points. A hook is matched against the firing event, fed a
// JSON context on stdin, and may block the pipeline stage or inject
// additional context into the next prompt.
package hooks

import (
	"fmt"
	"regexp"
	"strings"
)

// HookEvent identifies a lifecycle point hooks can attach to.
type HookEvent string

const (
	EventSessionStart     HookEvent = "session_start"
	EventSessionEnd       HookEvent = "session_end"
	EventBeforeRequest    HookEvent = "before_request"
	EventAfterRequest     HookEvent = "after_request"
	EventBeforeToolCall   HookEvent = "before_tool_call"
	EventAfterToolCall    HookEvent = "after_tool_call"
	EventMessageReceived  HookEvent = "message_received"
	EventMessageSent      HookEvent = "message_sent"
	EventBeforeCompaction HookEvent = "before_compaction"
	EventAfterCompaction  HookEvent = "after_compaction"
	EventGatewayStart     HookEvent = "gateway_start"
	EventGatewayStop      HookEvent = "gateway_stop"
)

// Events lists every supported lifecycle point.
var Events = []HookEvent{
	EventSessionStart, EventSessionEnd,
	EventBeforeRequest, EventAfterRequest,
	EventBeforeToolCall, EventAfterToolCall,
	EventMessageReceived, EventMessageSent,
	EventBeforeCompaction, EventAfterCompaction,
	EventGatewayStart, EventGatewayStop,
}

// Valid reports whether e names a known lifecycle point.
func (e HookEvent) Valid() bool {
	for _, known := range Events {
		if e == known {
			return true
		}
	}
	return false
}

// Matcher narrows which events a hook fires on. Tool accepts a literal
// name or a /regex/ form; ContentPattern is a substring check. Empty
// fields match everything.
type Matcher struct {
	Tool           string `json:"tool,omitempty"`
	ContentPattern string `json:"content_pattern,omitempty"`

	toolRe *regexp.Regexp
}

func (m *Matcher) compile() error {
	if pat, ok := regexForm(m.Tool); ok {
		re, err := regexp.Compile(pat)
		if err != nil {
			return fmt.Errorf("tool matcher %q: %w", m.Tool, err)
		}
		m.toolRe = re
	}
	return nil
}

func regexForm(s string) (string, bool) {
	if len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		return s[1 : len(s)-1], true
	}
	return "", false
}

// Matches reports whether the matcher accepts the event's tool and content.
func (m *Matcher) Matches(toolName, content string) bool {
	if m.Tool != "" {
		if m.toolRe != nil {
			if !m.toolRe.MatchString(toolName) {
				return false
			}
		} else if m.Tool != toolName {
			return false
		}
	}
	if m.ContentPattern != "" && !strings.Contains(content, m.ContentPattern) {
		return false
	}
	return true
}

// HookDefinition is one configured hook.
type HookDefinition struct {
	Event       HookEvent `json:"event"`
	Matcher     Matcher   `json:"matcher,omitempty"`
	Command     string    `json:"command"`
	TimeoutSecs int       `json:"timeout_secs,omitempty"`
	Blocking    bool      `json:"blocking,omitempty"`
	AsyncExec   bool      `json:"async_exec,omitempty"`
}

// Validate checks the definition and compiles its matcher.
func (d *HookDefinition) Validate() error {
	if !d.Event.Valid() {
		return fmt.Errorf("unknown hook event %q", d.Event)
	}
	if strings.TrimSpace(d.Command) == "" {
		return fmt.Errorf("hook for %s has no command", d.Event)
	}
	if d.Blocking && d.AsyncExec {
		return fmt.Errorf("hook for %s cannot be both blocking and async", d.Event)
	}
	return d.Matcher.compile()
}

// HookContext is serialised to JSON and handed to the hook command on
// stdin and in HOOK_CONTEXT.
type HookContext struct {
	Event      HookEvent      `json:"event"`
	ToolName   string         `json:"tool_name,omitempty"`
	Content    string         `json:"content,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	RequestID  string         `json:"request_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// HookResult reports one hook execution.
type HookResult struct {
	Event             HookEvent `json:"event"`
	Command           string    `json:"command"`
	Success           bool      `json:"success"`
	Blocked           bool      `json:"blocked,omitempty"`
	Output            string    `json:"output,omitempty"`
	AdditionalContext string    `json:"additional_context,omitempty"`
	Err               error     `json:"-"`
}
