package digest

import (
	"fmt"
	"strings"
	"time"
)

const noMessages = "No messages in window."

func (s *Synthesizer) renderExtractive(start, end time.Time, packets []packet) string {
	lines := s.header(start, end)
	if len(packets) == 0 {
		lines = append(lines, "", noMessages)
		return strings.Join(lines, "\n")
	}

	lines = append(lines, "", "Top threads")
	for _, p := range packets {
		lines = append(lines, fmt.Sprintf("- %s (%d msgs)", p.topic.Label, p.topic.Count))
	}

	lines = append(lines, "", "By topic")
	for _, p := range packets {
		lines = append(lines, "", topicHeading(p.topic))
		lines = append(lines, s.receipts(p)...)
	}
	return strings.Join(lines, "\n")
}
