package evidence

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/elldeeone/rnd-digest/internal/chat"
)

var (
	wsRe  = regexp.MustCompile(`\s+`)
	urlRe = regexp.MustCompile(`(?i)https?://\S+`)
)

// OneLine collapses all whitespace runs to single spaces.
func OneLine(s string) string {
	return strings.TrimSpace(wsRe.ReplaceAllString(s, " "))
}

// Excerpt one-lines s and cuts it to maxChars runes, ending with an ellipsis
// when cut.
func Excerpt(s string, maxChars int) string {
	s = OneLine(s)
	if maxChars <= 0 || utf8.RuneCountInString(s) <= maxChars {
		return s
	}
	r := []rune(s)
	return strings.TrimRight(string(r[:maxChars-1]), " ") + "…"
}

func URLs(s string) []string {
	return urlRe.FindAllString(s, -1)
}

// Links returns up to limit unique URLs in order of first appearance.
// A limit of zero or less means no limit.
func Links(msgs []chat.Message, limit int) []string {
	var out []string
	seen := make(map[string]bool)
	for _, m := range msgs {
		for _, u := range URLs(m.Text) {
			u = strings.TrimRight(u, ".,;:!?)]}>\"'")
			if seen[u] {
				continue
			}
			seen[u] = true
			out = append(out, u)
			if limit > 0 && len(out) >= limit {
				return out
			}
		}
	}
	return out
}
