// Package selector picks a credential for each request from the tier pool,
// applying a pluggable scoring strategy and tiered fallback when the primary
// choice fails.
package selector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/proxycast/proxycast/internal/credential"
)

// ErrNoCandidates is returned when no healthy credential satisfies the
// selection context in any permitted tier.
var ErrNoCandidates = errors.New("no healthy credential available")

// Context carries the per-request selection inputs.
type Context struct {
	Tier              credential.Tier
	RequestedModel    string
	TaskHint          string
	RequiresVision    bool
	RequiresTools     bool
	EstimatedInTokens int
	PreferredProvider string
	ExcludedModels    []string
	Metadata          map[string]string
}

// Selection is the strategy output.
type Selection struct {
	Credential *credential.Credential
	Reason     string

	// Confidence is 0..100; each fallback hop subtracts 20.
	Confidence int

	IsFallback     bool
	FallbackReason string
	Alternatives   []string

	// Attempts counts selection rounds including fallbacks.
	Attempts int
}

// Strategy scores filtered candidates and picks one.
type Strategy interface {
	Name() string
	Select(ctx context.Context, candidates []*credential.Credential, sel Context) (*Selection, error)
}

// FallbackPolicy governs where the selector looks after the requested tier
// fails.
type FallbackPolicy struct {
	Kind FallbackKind

	// SpecificID names the credential for KindSpecific.
	SpecificID string
}

// FallbackKind enumerates the fallback behaviours.
type FallbackKind string

const (
	FallbackNone         FallbackKind = "none"
	FallbackNextTier     FallbackKind = "next_tier"
	FallbackAnyAvailable FallbackKind = "any_available"
	FallbackSpecific     FallbackKind = "specific"
)

// DefaultMaxAttempts bounds selection rounds including fallback hops.
const DefaultMaxAttempts = 3

// Selector combines the pool, a strategy registry, and fallback policy.
//
// Safe for concurrent use.
type Selector struct {
	pool        *credential.Pool
	strategies  map[string]Strategy
	defaultName string
	maxAttempts int
	mu          sync.RWMutex
}

// New creates a selector with the built-in strategies registered and
// round-robin as the default.
func New(pool *credential.Pool) *Selector {
	s := &Selector{
		pool:        pool,
		strategies:  make(map[string]Strategy),
		defaultName: "round_robin",
		maxAttempts: DefaultMaxAttempts,
	}
	s.Register(NewRoundRobin())
	s.Register(LeastLoaded{})
	s.Register(SpeedOptimised{})
	s.Register(TaskBased{})
	return s
}

// Register adds a strategy, replacing any with the same name.
func (s *Selector) Register(st Strategy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.strategies[st.Name()] = st
}

// SetDefault switches the default strategy.
func (s *Selector) SetDefault(name string) error {
	s.mu.RLock()
	_, ok := s.strategies[name]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown strategy %q", name)
	}
	s.mu.Lock()
	s.defaultName = name
	s.mu.Unlock()
	return nil
}

func (s *Selector) strategy(name string) (Strategy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if name == "" {
		name = s.defaultName
	}
	st, ok := s.strategies[name]
	if !ok {
		return nil, fmt.Errorf("unknown strategy %q", name)
	}
	return st, nil
}

// filter applies the health, capability, exclusion, and provider-preference
// gates every strategy shares.
func filter(candidates []*credential.Credential, sel Context) []*credential.Credential {
	var out []*credential.Credential
	for _, c := range candidates {
		if !c.IsHealthy {
			continue
		}
		if sel.RequiresVision && !c.Capabilities.Vision {
			continue
		}
		if sel.RequiresTools && !c.Capabilities.Tools {
			continue
		}
		if sel.EstimatedInTokens > 0 && c.Capabilities.ContextLen > 0 && sel.EstimatedInTokens > c.Capabilities.ContextLen {
			continue
		}
		if excluded(sel.ExcludedModels, c.ID) {
			continue
		}
		if sel.PreferredProvider != "" && !strings.EqualFold(c.ProviderType, sel.PreferredProvider) {
			continue
		}
		out = append(out, c)
	}
	if out == nil && sel.PreferredProvider != "" {
		// Preference is a soft gate: fall back to the full filtered set
		// rather than failing the tier.
		relaxed := sel
		relaxed.PreferredProvider = ""
		return filter(candidates, relaxed)
	}
	return out
}

func excluded(list []string, id string) bool {
	for _, e := range list {
		if e == id {
			return true
		}
	}
	return false
}

// Select picks a credential for sel using the named strategy ("" for the
// default), walking the fallback policy when a tier yields no candidates.
func (s *Selector) Select(ctx context.Context, strategyName string, sel Context, policy FallbackPolicy) (*Selection, error) {
	st, err := s.strategy(strategyName)
	if err != nil {
		return nil, err
	}

	tier := sel.Tier
	if !tier.Valid() {
		tier = credential.TierPro
	}

	attempts := 0
	try := func(t credential.Tier) (*Selection, error) {
		attempts++
		candidates := filter(s.pool.Tier(t), sel)
		if len(candidates) == 0 {
			return nil, ErrNoCandidates
		}
		tierSel := sel
		tierSel.Tier = t
		return st.Select(ctx, candidates, tierSel)
	}

	out, err := try(tier)
	if err == nil {
		out.Attempts = attempts
		return out, nil
	}

	switch policy.Kind {
	case FallbackNone, "":
		return nil, err

	case FallbackNextTier:
		for next := tier.Below(); next != "" && attempts < s.maxAttempts; next = next.Below() {
			if out, tryErr := try(next); tryErr == nil {
				markFallback(out, attempts, fmt.Sprintf("tier %s exhausted, fell back to %s", tier, next))
				return out, nil
			}
		}
		return nil, ErrNoCandidates

	case FallbackAnyAvailable:
		for _, t := range credential.Tiers {
			if t == tier || attempts >= s.maxAttempts {
				continue
			}
			if out, tryErr := try(t); tryErr == nil {
				markFallback(out, attempts, fmt.Sprintf("any-available fallback to tier %s", t))
				return out, nil
			}
		}
		return nil, ErrNoCandidates

	case FallbackSpecific:
		attempts++
		for _, t := range credential.Tiers {
			for _, c := range s.pool.Tier(t) {
				if c.ID == policy.SpecificID && c.IsHealthy {
					out := &Selection{
						Credential: c,
						Reason:     "specific fallback credential",
						Confidence: 100,
					}
					markFallback(out, attempts, fmt.Sprintf("specific fallback to %s", policy.SpecificID))
					return out, nil
				}
			}
		}
		return nil, fmt.Errorf("specific fallback credential %s unavailable: %w", policy.SpecificID, ErrNoCandidates)

	default:
		return nil, fmt.Errorf("unknown fallback policy %q", policy.Kind)
	}
}

// markFallback applies the per-hop confidence penalty. The first try is not
// a hop, so a selection reached after n attempts lost (n-1)*20 confidence.
func markFallback(out *Selection, attempts int, reason string) {
	out.IsFallback = true
	out.FallbackReason = reason
	out.Attempts = attempts
	penalty := (attempts - 1) * 20
	out.Confidence -= penalty
	if out.Confidence < 0 {
		out.Confidence = 0
	}
}

// sortByID orders candidates deterministically for tie-breaking.
func sortByID(creds []*credential.Credential) []*credential.Credential {
	out := append([]*credential.Credential(nil), creds...)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
