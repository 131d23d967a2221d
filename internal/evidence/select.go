package evidence

import (
	"sort"

	"github.com/elldeeone/rnd-digest/internal/chat"
)

// Select picks at most limit non-empty messages, highest score first with
// ties going to the more recent message, then tops up with the most recent
// unpicked messages. The result is in chronological order.
func Select(msgs []chat.Message, limit int) []chat.Message {
	return Scorer{}.Select(msgs, limit)
}

func (s Scorer) Select(msgs []chat.Message, limit int) []chat.Message {
	if limit <= 0 {
		return nil
	}

	type candidate struct {
		msg   chat.Message
		score int
	}
	cands := make([]candidate, 0, len(msgs))
	for _, m := range msgs {
		if !m.HasText() {
			continue
		}
		cands = append(cands, candidate{msg: m, score: s.Score(m.Text)})
	}

	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if a.score != b.score {
			return a.score > b.score
		}
		return newer(a.msg, b.msg)
	})

	picked := make([]chat.Message, 0, limit)
	seen := make(map[int64]bool, limit)
	for _, c := range cands {
		if len(picked) >= limit {
			break
		}
		if seen[c.msg.MessageID] {
			continue
		}
		seen[c.msg.MessageID] = true
		picked = append(picked, c.msg)
	}

	if len(picked) < limit {
		recent := make([]chat.Message, len(cands))
		for i, c := range cands {
			recent[i] = c.msg
		}
		sort.SliceStable(recent, func(i, j int) bool { return newer(recent[i], recent[j]) })
		for _, m := range recent {
			if len(picked) >= limit {
				break
			}
			if seen[m.MessageID] {
				continue
			}
			seen[m.MessageID] = true
			picked = append(picked, m)
		}
	}

	SortChronological(picked)
	return picked
}

// SortChronological orders by (timestamp, message id) ascending.
func SortChronological(msgs []chat.Message) {
	sort.SliceStable(msgs, func(i, j int) bool { return newer(msgs[j], msgs[i]) })
}

func newer(a, b chat.Message) bool {
	if !a.Timestamp.Equal(b.Timestamp) {
		return a.Timestamp.After(b.Timestamp)
	}
	return a.MessageID > b.MessageID
}
