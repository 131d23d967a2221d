// Package activity ranks the topics of a chat by how busy they were in a
// window and resolves their display titles.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"

	"github.com/elldeeone/rnd-digest/internal/chat"
	"github.com/elldeeone/rnd-digest/internal/logging"
)

// BackfillScanLimit bounds how many raw payloads a title backfill inspects.
const BackfillScanLimit = 2000

// Store is the read side the aggregator needs.
type Store interface {
	TopicActivity(ctx context.Context, chatID int64, start, end time.Time, limit int) ([]chat.TopicActivity, error)
	TopicTitles(ctx context.Context, chatID int64, ids []int64) (map[int64]string, error)
	BackfillTopicTitles(ctx context.Context, chatID int64, ids []int64, scanLimit int) (int, error)
}

// Topic is one ranked entry. Index is 1-based and is what prompts and
// screens call T1, T2, ...
type Topic struct {
	Index   int
	ID      chat.TopicID
	Title   string
	Label   string
	Count   int
	FirstAt time.Time
	LastAt  time.Time
}

type Aggregator struct {
	store Store
	log   *log.Logger
}

func New(store Store, logger *log.Logger) *Aggregator {
	if logger == nil {
		logger = logging.For("activity")
	}
	return &Aggregator{store: store, log: logger}
}

// Activity returns up to limit topics with messages in [start, end), most
// active first, with titles resolved.
func (a *Aggregator) Activity(ctx context.Context, chatID int64, start, end time.Time, limit int) ([]Topic, error) {
	rows, err := a.store.TopicActivity(ctx, chatID, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("topic activity: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	ids := make([]chat.TopicID, len(rows))
	for i, r := range rows {
		ids[i] = r.Topic
	}
	titles, err := a.Titles(ctx, chatID, ids)
	if err != nil {
		return nil, err
	}

	out := make([]Topic, len(rows))
	for i, r := range rows {
		title := ""
		if r.Topic.Valid {
			title = titles[r.Topic.ID]
		}
		out[i] = Topic{
			Index:   i + 1,
			ID:      r.Topic,
			Title:   title,
			Label:   r.Topic.Label(title),
			Count:   r.Count,
			FirstAt: r.FirstAt,
			LastAt:  r.LastAt,
		}
	}
	return out, nil
}

// Titles looks up known titles for the given topics. Threads without one
// trigger a backfill from raw payloads followed by a second lookup. A failed
// backfill is logged and the partial result returned; titles are never made up.
func (a *Aggregator) Titles(ctx context.Context, chatID int64, topics []chat.TopicID) (map[int64]string, error) {
	var ids []int64
	for _, t := range topics {
		if t.Valid {
			ids = append(ids, t.ID)
		}
	}
	if len(ids) == 0 {
		return map[int64]string{}, nil
	}

	titles, err := a.store.TopicTitles(ctx, chatID, ids)
	if err != nil {
		return nil, fmt.Errorf("topic titles: %w", err)
	}

	var missing []int64
	for _, id := range ids {
		if _, ok := titles[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) == 0 {
		return titles, nil
	}

	n, err := a.store.BackfillTopicTitles(ctx, chatID, missing, BackfillScanLimit)
	if err != nil {
		a.log.Warn("title backfill failed", "missing", len(missing), "err", err)
		return titles, nil
	}
	if n == 0 {
		return titles, nil
	}
	a.log.Debug("backfilled topic titles", "count", n)

	titles, err = a.store.TopicTitles(ctx, chatID, ids)
	if err != nil {
		return nil, fmt.Errorf("topic titles: %w", err)
	}
	return titles, nil
}

// Label resolves the display label of a single topic. Lookup failures fall
// back to the generic label.
func (a *Aggregator) Label(ctx context.Context, chatID int64, topic chat.TopicID) string {
	if !topic.Valid {
		return topic.Label("")
	}
	titles, err := a.Titles(ctx, chatID, []chat.TopicID{topic})
	if err != nil {
		a.log.Warn("topic label lookup failed", "topic", topic, "err", err)
		return topic.Label("")
	}
	return topic.Label(titles[topic.ID])
}

// Find returns the entry for topic, if it is among ranked.
func Find(ranked []Topic, topic chat.TopicID) (Topic, bool) {
	for _, t := range ranked {
		if t.ID == topic {
			return t, true
		}
	}
	return Topic{}, false
}
