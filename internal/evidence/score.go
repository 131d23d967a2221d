// Package evidence scores messages for salience and picks the ones worth
// showing as grounding for a summary.
package evidence

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Text is a message body prepared once for rule matching.
type Text struct {
	Line  string
	Lower string
	Len   int
	URLs  int
}

func NewText(s string) Text {
	line := OneLine(s)
	return Text{
		Line:  line,
		Lower: strings.ToLower(line),
		Len:   utf8.RuneCountInString(line),
		URLs:  len(URLs(line)),
	}
}

// Rule adds Delta when Match holds. Within a non-empty Group only the first
// matching rule in table order contributes.
type Rule struct {
	Name  string
	Group string
	Delta int
	Match func(Text) bool
}

var (
	logRe       = regexp.MustCompile(`(?i)\bINFO\b|\bDEBUG\b|\bTRACE\b|\bWARN(?:ING)?\b|\bERROR\b|\[\[Instance\s+\d+\]\]|\bProcessed\s+\d+\s+blocks\b|\bTx throughput stats\b|\bAccepted\s+\d+\s+blocks\b`)
	pullRe      = regexp.MustCompile(`(?i)github\.com/\S+/pull/\d+`)
	commitRe    = regexp.MustCompile(`(?i)github\.com/\S+/commit/[0-9a-f]{7,40}`)
	prMentionRe = regexp.MustCompile(`(?i)\bpr\s*#?\s*\d+\b|\bpull request\b`)
)

var riskKeywords = []string{"release", "merged", "fix", "bug", "error", "breaking", "unsafe", "risk"}

// DefaultRules is the salience table. Order matters only inside a group.
var DefaultRules = []Rule{
	{Name: "log_signature", Delta: -6, Match: func(t Text) bool { return logRe.MatchString(t.Line) }},

	{Name: "pull_request_url", Group: "reference", Delta: 10, Match: func(t Text) bool { return pullRe.MatchString(t.Line) }},
	{Name: "commit_url", Group: "reference", Delta: 9, Match: func(t Text) bool { return commitRe.MatchString(t.Line) }},
	{Name: "repository_url", Group: "reference", Delta: 6, Match: func(t Text) bool { return strings.Contains(t.Lower, "github.com") }},
	{Name: "pr_mention", Group: "reference", Delta: 2, Match: func(t Text) bool { return prMentionRe.MatchString(t.Line) }},

	{Name: "any_url", Delta: 2, Match: func(t Text) bool {
		return strings.Contains(t.Lower, "http://") || strings.Contains(t.Lower, "https://")
	}},
	{Name: "risk_keyword", Delta: 3, Match: func(t Text) bool {
		for _, k := range riskKeywords {
			if strings.Contains(t.Lower, k) {
				return true
			}
		}
		return false
	}},
	{Name: "question", Delta: 1, Match: func(t Text) bool { return strings.Contains(t.Line, "?") }},

	{Name: "too_long", Group: "length", Delta: -2, Match: func(t Text) bool { return t.Len > 1000 }},
	{Name: "moderate_length", Group: "length", Delta: 1, Match: func(t Text) bool { return t.Len >= 60 && t.Len <= 280 }},

	{Name: "link_dump", Delta: -2, Match: func(t Text) bool { return t.URLs >= 4 }},
}

// Scorer applies a rule table. The zero value uses DefaultRules.
type Scorer struct {
	Rules []Rule
}

// Score rates a non-empty message body. Callers filter empty text first.
func (s Scorer) Score(text string) int {
	rules := s.Rules
	if rules == nil {
		rules = DefaultRules
	}
	t := NewText(text)
	score := 0
	used := make(map[string]bool)
	for _, r := range rules {
		if r.Group != "" && used[r.Group] {
			continue
		}
		if !r.Match(t) {
			continue
		}
		score += r.Delta
		if r.Group != "" {
			used[r.Group] = true
		}
	}
	return score
}

// Score rates text with DefaultRules.
func Score(text string) int {
	return Scorer{}.Score(text)
}
