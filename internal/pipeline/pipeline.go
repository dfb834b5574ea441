// Package pipeline runs each request through an ordered list of steps. The
// core list is fixed; extensions hook in by phase (first, before/after/
// replace a named step, last) with integer priorities.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/proxycast/proxycast/pkg/protocol"
)

// RequestContext is the mutable per-request state threaded through steps.
type RequestContext struct {
	// RequestID doubles as the log correlation ID.
	RequestID string

	// Dialect is the inbound wire dialect.
	Dialect protocol.Dialect

	// Payload is the parsed inbound request body.
	Payload *protocol.Payload

	// Canonical request state, populated by the inbound conversion and
	// mutated by trim/summarise.
	Messages []protocol.Message
	Tools    []protocol.Tool
	Model    string
	Stream   bool

	// APIKey is the key the caller presented; checked by the auth step.
	APIKey string

	// RemoteAddr and UserAgent feed the fingerprint the auth step pins.
	RemoteAddr string
	UserAgent  string

	// Fingerprint identifies the caller for rate accounting and logs.
	// Assigned by the auth step.
	Fingerprint string

	// SessionID groups requests of one conversation.
	SessionID string

	// Route is the selection outcome; set by the select step. Stored as
	// any to keep this package free of upper-layer imports.
	Route any

	// Response state, populated by provider_send and convert_response.
	Result     any
	Events     <-chan protocol.StreamEvent
	Usage      protocol.Usage
	StopReason protocol.StopReason

	// ResponseBody is the dialect-native body written by convert_response
	// on the non-streaming path.
	ResponseBody any

	StartedAt time.Time

	// Values carries step-private state without widening this struct.
	Values map[string]any
}

// Value returns a stored value or nil.
func (rc *RequestContext) Value(key string) any {
	if rc.Values == nil {
		return nil
	}
	return rc.Values[key]
}

// SetValue stores step-private state.
func (rc *RequestContext) SetValue(key string, v any) {
	if rc.Values == nil {
		rc.Values = make(map[string]any)
	}
	rc.Values[key] = v
}

// StepError aborts the pipeline. Status picks the client-facing HTTP code;
// internal detail stays in Err and is never written to the response.
type StepError struct {
	Status  int
	Message string
	Err     error
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *StepError) Unwrap() error { return e.Err }

// Abort builds a StepError.
func Abort(status int, msg string) *StepError {
	return &StepError{Status: status, Message: msg}
}

// Step is one pipeline stage. A nil return proceeds to the next step; a
// *StepError return ends the request.
type Step interface {
	Name() string
	Execute(ctx context.Context, rc *RequestContext) *StepError
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, rc *RequestContext) *StepError
}

func (s StepFunc) Name() string { return s.StepName }

func (s StepFunc) Execute(ctx context.Context, rc *RequestContext) *StepError {
	return s.Fn(ctx, rc)
}

// Phase positions a dynamic step relative to the core list.
type Phase struct {
	Kind PhaseKind

	// Target names the core step for Before/After/Replace.
	Target string
}

// PhaseKind enumerates the hook positions.
type PhaseKind string

const (
	PhaseFirst   PhaseKind = "first"
	PhaseBefore  PhaseKind = "before"
	PhaseAfter   PhaseKind = "after"
	PhaseReplace PhaseKind = "replace"
	PhaseLast    PhaseKind = "last"
)

// First positions a step before the whole core list.
func First() Phase { return Phase{Kind: PhaseFirst} }

// Before positions a step ahead of the named core step.
func Before(target string) Phase { return Phase{Kind: PhaseBefore, Target: target} }

// After positions a step behind the named core step.
func After(target string) Phase { return Phase{Kind: PhaseAfter, Target: target} }

// Replace substitutes the named core step.
func Replace(target string) Phase { return Phase{Kind: PhaseReplace, Target: target} }

// Last positions a step after the whole core list.
func Last() Phase { return Phase{Kind: PhaseLast} }

type registered struct {
	step     Step
	phase    Phase
	priority int
	seq      int
}

// Registry composes the fixed core step list with dynamic phase-tagged
// steps.
//
// Safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	core    []Step
	dynamic []registered
	seq     int
}

// NewRegistry creates a registry over the core steps in execution order.
func NewRegistry(core ...Step) *Registry {
	return &Registry{core: core}
}

// Register adds a dynamic step. Smaller priorities run first within a
// phase; equal priorities keep registration order.
func (r *Registry) Register(step Step, phase Phase, priority int) error {
	switch phase.Kind {
	case PhaseFirst, PhaseLast:
	case PhaseBefore, PhaseAfter, PhaseReplace:
		if !r.hasCore(phase.Target) {
			return fmt.Errorf("phase targets unknown core step %q", phase.Target)
		}
	default:
		return fmt.Errorf("unknown phase kind %q", phase.Kind)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	r.dynamic = append(r.dynamic, registered{step: step, phase: phase, priority: priority, seq: r.seq})
	return nil
}

func (r *Registry) hasCore(name string) bool {
	for _, s := range r.core {
		if s.Name() == name {
			return true
		}
	}
	return false
}

// OrderedSteps recomputes the effective step list: first-phase entries, then
// each core step bracketed by its before/after entries (or substituted by
// replace entries), then last-phase entries.
func (r *Registry) OrderedSteps() []Step {
	r.mu.RLock()
	defer r.mu.RUnlock()

	collect := func(kind PhaseKind, target string) []Step {
		var entries []registered
		for _, d := range r.dynamic {
			if d.phase.Kind == kind && d.phase.Target == target {
				entries = append(entries, d)
			}
		}
		sort.SliceStable(entries, func(i, j int) bool {
			if entries[i].priority != entries[j].priority {
				return entries[i].priority < entries[j].priority
			}
			return entries[i].seq < entries[j].seq
		})
		out := make([]Step, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.step)
		}
		return out
	}

	var out []Step
	out = append(out, collect(PhaseFirst, "")...)
	for _, core := range r.core {
		out = append(out, collect(PhaseBefore, core.Name())...)
		if replacements := collect(PhaseReplace, core.Name()); len(replacements) > 0 {
			out = append(out, replacements...)
		} else {
			out = append(out, core)
		}
		out = append(out, collect(PhaseAfter, core.Name())...)
	}
	out = append(out, collect(PhaseLast, "")...)
	return out
}
