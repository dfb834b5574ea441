package skills

import (
	"sort"
	"strings"
	"unicode"
)

// MatchThreshold is the minimum confidence for a skill to be reported.
const MatchThreshold = 0.6

// Skill pairs trigger phrases with the content to inject when the
// skill fires.
type Skill struct {
	Name         string   `json:"name"`
	Description  string   `json:"description,omitempty"`
	Triggers     []string `json:"triggers"`
	DoNotTrigger []string `json:"do_not_trigger,omitempty"`
	Content      string   `json:"-"`
}

// MatchResult is one skill that cleared the confidence threshold.
type MatchResult struct {
	Skill      *Skill
	Confidence float64
}

var stopWords = map[string]bool{
	"a": true, "an": true, "the": true, "is": true, "are": true, "was": true,
	"to": true, "of": true, "in": true, "on": true, "at": true, "for": true,
	"and": true, "or": true, "but": true, "with": true, "from": true,
	"i": true, "me": true, "my": true, "you": true, "your": true, "it": true,
	"this": true, "that": true, "can": true, "do": true, "how": true,
	"what": true, "please": true, "help": true,
}

// Keywords lower-cases the input, splits on non-letter runes, drops
// stop words, and decomposes long CJK tokens into bigrams so phrase
// matching works without word boundaries.
func Keywords(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	var out []string
	seen := map[string]bool{}
	add := func(w string) {
		if w == "" || stopWords[w] || seen[w] {
			return
		}
		seen[w] = true
		out = append(out, w)
	}

	for _, f := range fields {
		runes := []rune(f)
		if len(runes) >= 4 && containsCJK(runes) {
			for i := 0; i+1 < len(runes); i++ {
				add(string(runes[i : i+2]))
			}
			continue
		}
		add(f)
	}
	return out
}

func containsCJK(runes []rune) bool {
	for _, r := range runes {
		if unicode.Is(unicode.Han, r) || unicode.Is(unicode.Hiragana, r) ||
			unicode.Is(unicode.Katakana, r) || unicode.Is(unicode.Hangul, r) {
			return true
		}
	}
	return false
}

// phraseRatio is the fraction of the phrase's keywords present in the
// input keyword set. A phrase with no usable keywords never fires.
func phraseRatio(phrase string, input map[string]bool) float64 {
	kws := Keywords(phrase)
	if len(kws) == 0 {
		return 0
	}
	hits := 0
	for _, k := range kws {
		if input[k] {
			hits++
		}
	}
	return float64(hits) / float64(len(kws))
}

// Match scores input against every skill. A trigger fires at >=50%
// keyword coverage; confidence blends the best single trigger with
// overall trigger coverage. Any do_not_trigger phrase at >=50%
// coverage vetoes the skill. Results are sorted by confidence,
// highest first.
func Match(input string, skills []*Skill) []MatchResult {
	inputKws := map[string]bool{}
	for _, k := range Keywords(input) {
		inputKws[k] = true
	}

	var results []MatchResult
	for _, s := range skills {
		if len(s.Triggers) == 0 {
			continue
		}

		vetoed := false
		for _, p := range s.DoNotTrigger {
			if phraseRatio(p, inputKws) >= 0.5 {
				vetoed = true
				break
			}
		}
		if vetoed {
			continue
		}

		best := 0.0
		fired := 0
		for _, p := range s.Triggers {
			r := phraseRatio(p, inputKws)
			if r > best {
				best = r
			}
			if r >= 0.5 {
				fired++
			}
		}
		if fired == 0 {
			continue
		}

		coverage := float64(fired) / float64(len(s.Triggers))
		confidence := 0.7*best + 0.3*coverage
		if confidence >= MatchThreshold {
			results = append(results, MatchResult{Skill: s, Confidence: confidence})
		}
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Confidence > results[j].Confidence
	})
	return results
}
