package selector

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/proxycast/proxycast/internal/credential"
)

// RoundRobin cycles through the candidates of each tier with a per-tier
// counter.
type RoundRobin struct {
	mu       sync.Mutex
	counters map[credential.Tier]int
}

// NewRoundRobin creates a round-robin strategy.
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{counters: make(map[credential.Tier]int)}
}

func (r *RoundRobin) Name() string { return "round_robin" }

func (r *RoundRobin) Select(_ context.Context, candidates []*credential.Credential, sel Context) (*Selection, error) {
	ordered := sortByID(candidates)
	r.mu.Lock()
	idx := r.counters[sel.Tier] % len(ordered)
	r.counters[sel.Tier]++
	r.mu.Unlock()

	pick := ordered[idx]
	return &Selection{
		Credential:   pick,
		Reason:       fmt.Sprintf("round-robin position %d of %d", idx+1, len(ordered)),
		Confidence:   100,
		Alternatives: alternatives(ordered, pick.ID),
	}, nil
}

// LeastLoaded picks the candidate with the lowest current_load, breaking
// ties by ID.
type LeastLoaded struct{}

func (LeastLoaded) Name() string { return "least_loaded" }

func (LeastLoaded) Select(_ context.Context, candidates []*credential.Credential, _ Context) (*Selection, error) {
	ordered := sortByID(candidates)
	pick := ordered[0]
	for _, c := range ordered[1:] {
		if c.CurrentLoad < pick.CurrentLoad {
			pick = c
		}
	}
	return &Selection{
		Credential:   pick,
		Reason:       fmt.Sprintf("least loaded at %d%%", pick.CurrentLoad),
		Confidence:   100,
		Alternatives: alternatives(ordered, pick.ID),
	}, nil
}

// speedFamilies are the model-family substrings treated as fast.
var speedFamilies = []string{"haiku", "flash", "gpt-3.5", "mini"}

// SpeedOptimised prefers fast model families, breaking ties by load.
type SpeedOptimised struct{}

func (SpeedOptimised) Name() string { return "speed_optimised" }

func (SpeedOptimised) Select(_ context.Context, candidates []*credential.Credential, sel Context) (*Selection, error) {
	ordered := sortByID(candidates)
	best := ordered[0]
	bestScore := speedScore(best, sel)
	for _, c := range ordered[1:] {
		if s := speedScore(c, sel); s > bestScore {
			best, bestScore = c, s
		}
	}
	return &Selection{
		Credential:   best,
		Reason:       fmt.Sprintf("speed-optimised score %d", bestScore),
		Confidence:   100,
		Alternatives: alternatives(ordered, best.ID),
	}, nil
}

func speedScore(c *credential.Credential, sel Context) int {
	score := 0
	family := strings.ToLower(sel.RequestedModel + " " + c.ProviderType)
	for _, f := range speedFamilies {
		if strings.Contains(family, f) {
			score += 50
			break
		}
	}
	if c.Tier == credential.TierMini {
		score += 30
	}
	score += 100 - c.CurrentLoad
	return score
}

// taskScores maps task_hint to model-family substring scores.
var taskScores = map[string][]struct {
	family string
	score  int
}{
	"coding": {
		{"sonnet", 100}, {"gpt-4", 100}, {"opus", 90}, {"o1", 90}, {"haiku", 60},
	},
	"reasoning": {
		{"opus", 100}, {"o1", 100}, {"sonnet", 85}, {"gpt-4", 85},
	},
	"chat": {
		{"haiku", 90}, {"flash", 90}, {"mini", 85}, {"sonnet", 80},
	},
	"vision": {
		{"sonnet", 95}, {"gpt-4", 95}, {"opus", 90},
	},
}

// TaskBased scores candidates by the task hint against model families,
// with bonuses for tool support, spare load, and context headroom.
type TaskBased struct{}

func (TaskBased) Name() string { return "task_based" }

func (TaskBased) Select(_ context.Context, candidates []*credential.Credential, sel Context) (*Selection, error) {
	ordered := sortByID(candidates)
	best := ordered[0]
	bestScore := taskScore(best, sel)
	for _, c := range ordered[1:] {
		if s := taskScore(c, sel); s > bestScore {
			best, bestScore = c, s
		}
	}
	return &Selection{
		Credential:   best,
		Reason:       fmt.Sprintf("task %q score %d", sel.TaskHint, bestScore),
		Confidence:   100,
		Alternatives: alternatives(ordered, best.ID),
	}, nil
}

func taskScore(c *credential.Credential, sel Context) int {
	score := 50
	family := strings.ToLower(sel.RequestedModel + " " + c.ProviderType)
	for _, entry := range taskScores[strings.ToLower(sel.TaskHint)] {
		if strings.Contains(family, entry.family) {
			score = entry.score
			break
		}
	}
	if c.Capabilities.Tools {
		score += 20
	}
	score += (100 - c.CurrentLoad) / 10
	if c.Capabilities.ContextLen >= 200000 {
		score += 10
	}
	return score
}

func alternatives(candidates []*credential.Credential, pickedID string) []string {
	var out []string
	for _, c := range candidates {
		if c.ID != pickedID {
			out = append(out, c.ID)
		}
	}
	return out
}
