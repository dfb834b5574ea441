package hooks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"
)

// DefaultTimeout caps hooks that do not set timeout_secs.
const DefaultTimeout = 30 * time.Second

// Engine matches and executes configured hooks. It is the only place
// in the gateway that spawns user commands.
type Engine struct {
	defs   []HookDefinition
	logger *slog.Logger
}

// NewEngine validates every definition and returns an engine over them.
func NewEngine(defs []HookDefinition, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	compiled := make([]HookDefinition, len(defs))
	for i, d := range defs {
		if err := d.Validate(); err != nil {
			return nil, fmt.Errorf("hook %d: %w", i, err)
		}
		compiled[i] = d
	}
	return &Engine{defs: compiled, logger: logger.With("component", "hooks")}, nil
}

// HooksFor returns the definitions that match the event and context.
func (e *Engine) HooksFor(event HookEvent, hctx HookContext) []HookDefinition {
	var out []HookDefinition
	for _, d := range e.defs {
		if d.Event != event {
			continue
		}
		if !d.Matcher.Matches(hctx.ToolName, hctx.Content) {
			continue
		}
		out = append(out, d)
	}
	return out
}

// Fire runs every matching hook in registration order and returns one
// result per hook. A blocking hook that fails marks its result Blocked;
// callers treat that as a stage abort. Async hooks are launched in the
// background and reported successful immediately.
func (e *Engine) Fire(ctx context.Context, event HookEvent, hctx HookContext) []HookResult {
	hctx.Event = event
	var results []HookResult
	for _, d := range e.HooksFor(event, hctx) {
		if d.AsyncExec {
			go func(d HookDefinition) {
				res := e.run(context.WithoutCancel(ctx), d, hctx)
				if !res.Success {
					e.logger.Warn("async hook failed",
						"event", event, "command", d.Command, "error", res.Err)
				}
			}(d)
			results = append(results, HookResult{Event: event, Command: d.Command, Success: true})
			continue
		}

		res := e.run(ctx, d, hctx)
		if !res.Success {
			if d.Blocking {
				res.Blocked = true
			}
			e.logger.Warn("hook failed",
				"event", event, "command", d.Command,
				"blocking", d.Blocking, "error", res.Err)
		}
		results = append(results, res)
	}
	return results
}

// Blocked reports whether any result in rs blocks the stage.
func Blocked(rs []HookResult) bool {
	for _, r := range rs {
		if r.Blocked {
			return true
		}
	}
	return false
}

// AdditionalContext joins context injected by the hooks in rs.
func AdditionalContext(rs []HookResult) string {
	var parts []string
	for _, r := range rs {
		if r.AdditionalContext != "" {
			parts = append(parts, r.AdditionalContext)
		}
	}
	return strings.Join(parts, "\n")
}

func (e *Engine) run(ctx context.Context, d HookDefinition, hctx HookContext) HookResult {
	res := HookResult{Event: d.Event, Command: d.Command}

	payload, err := json.Marshal(hctx)
	if err != nil {
		res.Err = fmt.Errorf("marshal hook context: %w", err)
		return res
	}

	timeout := DefaultTimeout
	if d.TimeoutSecs > 0 {
		timeout = time.Duration(d.TimeoutSecs) * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", d.Command)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Env = append(os.Environ(),
		"HOOK_EVENT="+string(hctx.Event),
		"HOOK_TOOL_NAME="+hctx.ToolName,
		"HOOK_CONTEXT="+string(payload),
	)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		res.Output = strings.TrimSpace(stderr.String())
		if res.Output == "" {
			res.Output = strings.TrimSpace(stdout.String())
		}
		res.Err = err
		return res
	}

	res.Success = true
	res.Output = strings.TrimSpace(stdout.String())
	res.AdditionalContext = parseAdditionalContext(stdout.Bytes())
	return res
}

// parseAdditionalContext accepts hook stdout shaped like
// {"additional_context": "..."} and returns the string, or "".
func parseAdditionalContext(out []byte) string {
	var parsed struct {
		AdditionalContext string `json:"additional_context"`
	}
	if err := json.Unmarshal(bytes.TrimSpace(out), &parsed); err != nil {
		return ""
	}
	return parsed.AdditionalContext
}
