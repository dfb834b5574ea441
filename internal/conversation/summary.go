package conversation

import (
	"fmt"
	"strings"

	"github.com/proxycast/proxycast/pkg/protocol"
)

// SummaryConfig controls when old turns are condensed into a summary.
type SummaryConfig struct {
	Enabled            bool `json:"enabled"`
	ThresholdMessages  int  `json:"threshold_messages"`
	KeepRecentMessages int  `json:"keep_recent_messages"`
	MaxSummaryPoints   int  `json:"max_summary_points"`
}

// DefaultSummaryConfig summarises once a conversation passes 30
// non-system messages, keeping the last 10 verbatim.
func DefaultSummaryConfig() SummaryConfig {
	return SummaryConfig{
		Enabled:            true,
		ThresholdMessages:  30,
		KeepRecentMessages: 10,
		MaxSummaryPoints:   8,
	}
}

// SummaryRequest is the prompt material for a standalone summarisation
// call. The caller owns the LLM round trip; this package only builds
// the request and reassembles the conversation afterwards.
type SummaryRequest struct {
	SystemPrompt        string
	MessagesToSummarize string
}

// NeedsSummary reports whether msgs has more non-system messages than
// the configured threshold.
func NeedsSummary(cfg SummaryConfig, msgs []protocol.Message) bool {
	if !cfg.Enabled || cfg.ThresholdMessages <= 0 {
		return false
	}
	_, rest := splitSystem(msgs)
	return len(rest) > cfg.ThresholdMessages
}

// BuildSummaryRequest formats the prefix that will be summarised,
// leaving the KeepRecentMessages tail untouched. Each line is
// "[role]: text". Returns false when there is nothing to summarise.
func BuildSummaryRequest(cfg SummaryConfig, msgs []protocol.Message) (SummaryRequest, bool) {
	if !NeedsSummary(cfg, msgs) {
		return SummaryRequest{}, false
	}

	_, rest := splitSystem(msgs)
	keep := cfg.KeepRecentMessages
	if keep < 0 {
		keep = 0
	}
	if keep >= len(rest) {
		return SummaryRequest{}, false
	}
	prefix := rest[:len(rest)-keep]

	var b strings.Builder
	for _, m := range prefix {
		text := m.Text()
		if text == "" {
			continue
		}
		fmt.Fprintf(&b, "[%s]: %s\n", m.Role, text)
	}
	if b.Len() == 0 {
		return SummaryRequest{}, false
	}

	points := cfg.MaxSummaryPoints
	if points <= 0 {
		points = 8
	}
	prompt := fmt.Sprintf(
		"Summarize the conversation below into at most %d bullet points. "+
			"Keep decisions, open questions, and tool outcomes. Reply with the bullet points only.",
		points)

	return SummaryRequest{
		SystemPrompt:        prompt,
		MessagesToSummarize: b.String(),
	}, true
}

// AssembleWithSummary rebuilds the conversation as the original system
// messages, a synthetic system message carrying the summary, then the
// recent tail. Every system message from the input survives.
func AssembleWithSummary(cfg SummaryConfig, msgs []protocol.Message, summary string) []protocol.Message {
	system, rest := splitSystem(msgs)
	keep := cfg.KeepRecentMessages
	if keep < 0 {
		keep = 0
	}
	if keep > len(rest) {
		keep = len(rest)
	}
	tail := rest[len(rest)-keep:]

	out := make([]protocol.Message, 0, len(system)+1+len(tail))
	out = append(out, system...)
	if summary = strings.TrimSpace(summary); summary != "" {
		out = append(out, protocol.Message{
			Role:    protocol.RoleSystem,
			Content: []protocol.ContentBlock{protocol.TextBlock("Summary of earlier conversation:\n" + summary)},
		})
	}
	out = append(out, tail...)
	return out
}
