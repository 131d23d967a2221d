package digest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/elldeeone/rnd-digest/internal/chat"
	"github.com/elldeeone/rnd-digest/internal/evidence"
)

const (
	overviewHint   = "Buttons: Teach me (explain) • Receipts (quotes) • Links (URLs) • Back returns here"
	overviewLabelN = 60
)

// Overview is the short screen sent alongside the main keyboard: the window
// and the ranked T1..Tn list the topic pickers refer to.
func (s *Synthesizer) Overview(ctx context.Context, start, end time.Time) (string, error) {
	topics, err := s.ranker.Activity(ctx, s.opts.ChatID, start, end, s.opts.MaxTopics)
	if err != nil {
		return "", fmt.Errorf("overview activity: %w", err)
	}

	lines := []string{
		fmt.Sprintf("Daily Digest (last %s)", chat.ApproxSpan(end.Sub(start))),
		"Window (UTC): " + chat.WindowRange(start, end),
	}
	if len(topics) == 0 {
		lines = append(lines, "", noMessages)
		return strings.Join(lines, "\n"), nil
	}

	lines = append(lines, "", "Top threads")
	for _, t := range topics {
		lines = append(lines, fmt.Sprintf("T%d: %s (%d msgs)", t.Index, evidence.Excerpt(t.Label, overviewLabelN), t.Count))
	}
	lines = append(lines, "", overviewHint)
	return strings.Join(lines, "\n"), nil
}
