package session

import (
	"regexp"
	"strings"
)

var spaceRe = regexp.MustCompile(`\s+`)

const tokenCutset = " ,.!?;:-\"'`~"

// TriggerMatcher detects a configured trigger phrase in transcript text
// and strips it. WindowS bounds how deep into the transcript the phrase
// may appear, derived from a ~3 words/second speech rate; zero demands a
// strict prefix match.
type TriggerMatcher struct {
	phrases [][]string
	windowS int
}

func NewTriggerMatcher(phrases []string, windowS int) *TriggerMatcher {
	m := &TriggerMatcher{windowS: windowS}
	for _, p := range phrases {
		words := strings.Fields(strings.ToLower(strings.TrimSpace(p)))
		if len(words) > 0 {
			m.phrases = append(m.phrases, words)
		}
	}
	return m
}

// Configured reports whether any trigger phrase is set.
func (m *TriggerMatcher) Configured() bool { return m != nil && len(m.phrases) > 0 }

// Match reports whether text contains a trigger phrase within the allowed
// window and returns the text with the phrase (and leading punctuation)
// removed. An exact-phrase transcript matches with empty remainder.
func (m *TriggerMatcher) Match(text string) (bool, string) {
	if !m.Configured() || text == "" {
		return false, ""
	}
	normalized := spaceRe.ReplaceAllString(strings.ToLower(strings.TrimSpace(text)), " ")
	words := strings.Fields(normalized)
	if len(words) == 0 {
		return false, ""
	}
	tokens := make([]string, len(words))
	for i, w := range words {
		tokens[i] = strings.Trim(w, tokenCutset)
	}

	limit := m.windowS * 3
	if m.windowS == 0 {
		limit = 1 // prefix match only
	} else if limit < 3 {
		limit = 3
	}

	for _, phrase := range m.phrases {
		for start := 0; start < limit && start+len(phrase) <= len(tokens); start++ {
			if !matchAt(tokens, phrase, start) {
				continue
			}
			rest := words[start+len(phrase):]
			stripped := strings.Trim(strings.Join(rest, " "), tokenCutset)
			return true, stripped
		}
	}
	return false, ""
}

func matchAt(tokens, phrase []string, start int) bool {
	for i, p := range phrase {
		if tokens[start+i] != p {
			return false
		}
	}
	return true
}
