package channel

import (
	"strings"
	"unicode/utf8"
)

// MaxMessageChars is Telegram's per-message text limit.
const MaxMessageChars = 4096

// Lines that introduce the content after them; a chunk never ends on one.
var orphanHeaders = map[string]bool{
	"Summary":     true,
	"Top threads": true,
	"By topic":    true,
	"Links:":      true,
	"Quotes:":     true,
	"Links":       true,
	"Quotes":      true,
	"Evidence":    true,
	"Receipts":    true,
}

// ChunkText splits text into pieces of at most limit bytes, preferring to cut
// before a "Topic:" block, then at a blank line, then at a line break.
func ChunkText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}

	var chunks []string
	remaining := text
	for remaining != "" {
		if len(remaining) <= limit {
			chunks = append(chunks, remaining)
			break
		}

		head := remaining[:limit]
		cut := strings.LastIndex(head, "\n\nTopic:")
		if cut <= 0 {
			cut = strings.LastIndex(head, "\n\n")
		}
		if cut <= 0 {
			cut = strings.LastIndex(head, "\n")
		}
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(remaining[cut]) {
				cut--
			}
		}
		if c := orphanCut(remaining[:cut]); c > 0 {
			cut = c
		}

		if chunk := strings.TrimRight(remaining[:cut], " \t\n"); chunk != "" {
			chunks = append(chunks, chunk)
		}
		remaining = strings.TrimLeft(remaining[cut:], "\n")
	}
	return chunks
}

// orphanCut moves a trailing header line to the next chunk. It returns the
// new cut position, or 0 to keep the original cut.
func orphanCut(chunk string) int {
	trimmed := strings.TrimRight(chunk, " \t\n")
	i := strings.LastIndex(trimmed, "\n")
	if i <= 0 {
		return 0
	}
	last := strings.TrimSpace(trimmed[i+1:])
	if !orphanHeaders[last] && !strings.HasPrefix(last, "Topic: ") {
		return 0
	}
	return len(strings.TrimRight(trimmed[:i], " \t\n"))
}

// clip cuts text to limit bytes on a rune boundary, marking the cut.
func clip(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit - len("…")
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut] + "…"
}
