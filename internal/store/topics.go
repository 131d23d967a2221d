package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/elldeeone/rnd-digest/internal/chat"
)

// TopicTitles returns known titles for the given thread ids. Ids without a
// stored title are absent from the map.
func (s *Store) TopicTitles(ctx context.Context, chatID int64, ids []int64) (map[int64]string, error) {
	out := make(map[int64]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	args := make([]any, 0, len(ids)+1)
	args = append(args, chatID)
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, title FROM topics
		WHERE chat_id = ? AND thread_id IN (`+placeholders(len(ids))+`)
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query topic titles: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id    int64
			title string
		)
		if err := rows.Scan(&id, &title); err != nil {
			return nil, fmt.Errorf("scan topic title: %w", err)
		}
		if strings.TrimSpace(title) != "" {
			out[id] = title
		}
	}
	return out, rows.Err()
}

func (s *Store) SetTopicTitle(ctx context.Context, chatID, threadID int64, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setTopicTitleLocked(ctx, chatID, threadID, title)
}

func (s *Store) setTopicTitleLocked(ctx context.Context, chatID, threadID int64, title string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO topics (chat_id, thread_id, title, updated_at_utc) VALUES (?, ?, ?, ?)
		ON CONFLICT(chat_id, thread_id) DO UPDATE SET
			title = excluded.title,
			updated_at_utc = excluded.updated_at_utc
	`, chatID, threadID, strings.TrimSpace(title), chat.FormatUTC(s.now()))
	if err != nil {
		return fmt.Errorf("set topic title %d: %w", threadID, err)
	}
	return nil
}

// BackfillTopicTitles scans the newest scanLimit raw payloads that carry
// forum topic service events and stores the titles they name. Direct
// create/edit events win over titles seen through reply_to_message, and the
// newest event for a thread wins. When ids is empty every discovered thread
// is stored. Returns the number of titles written.
func (s *Store) BackfillTopicTitles(ctx context.Context, chatID int64, ids []int64, scanLimit int) (int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, raw_json FROM messages
		WHERE chat_id = ? AND raw_json IS NOT NULL
			AND (raw_json LIKE '%forum_topic_created%' OR raw_json LIKE '%forum_topic_edited%')
		ORDER BY date_utc DESC, message_id DESC
		LIMIT ?
	`, chatID, scanLimit)
	if err != nil {
		return 0, fmt.Errorf("query topic events: %w", err)
	}

	wanted := make(map[int64]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	direct := make(map[int64]string)
	fallback := make(map[int64]string)
	for rows.Next() {
		var (
			threadID sql.NullInt64
			raw      string
		)
		if err := rows.Scan(&threadID, &raw); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan topic event: %w", err)
		}
		for _, ev := range topicEvents(raw) {
			id := ev.threadID
			if id == 0 && threadID.Valid {
				id = threadID.Int64
			}
			if id == 0 || ev.title == "" || (len(wanted) > 0 && !wanted[id]) {
				continue
			}
			target := direct
			if ev.viaReply {
				target = fallback
			}
			if _, seen := target[id]; !seen {
				target[id] = ev.title
			}
		}
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("iterate topic events: %w", err)
	}
	rows.Close()

	for id, title := range fallback {
		if _, ok := direct[id]; !ok {
			direct[id] = title
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, title := range direct {
		if err := s.setTopicTitleLocked(ctx, chatID, id, title); err != nil {
			return 0, err
		}
	}
	return len(direct), nil
}

type topicEvent struct {
	threadID int64
	title    string
	viaReply bool
}

// topicEvents extracts forum topic names from a stored payload. The payload
// may be a bare message or an update wrapping one.
func topicEvents(raw string) []topicEvent {
	if !gjson.Valid(raw) {
		return nil
	}
	root := gjson.Parse(raw)
	var msgs []gjson.Result
	for _, key := range []string{"message", "edited_message", "channel_post"} {
		if m := root.Get(key); m.IsObject() {
			msgs = append(msgs, m)
		}
	}
	if len(msgs) == 0 {
		msgs = append(msgs, root)
	}

	var out []topicEvent
	for _, m := range msgs {
		thread := m.Get("message_thread_id").Int()
		if name := m.Get("forum_topic_edited.name").String(); name != "" {
			out = append(out, topicEvent{threadID: thread, title: name})
		}
		if name := m.Get("forum_topic_created.name").String(); name != "" {
			// the creation service message id is the thread id
			id := thread
			if id == 0 {
				id = m.Get("message_id").Int()
			}
			out = append(out, topicEvent{threadID: id, title: name})
		}
		reply := m.Get("reply_to_message")
		if name := reply.Get("forum_topic_created.name").String(); name != "" {
			id := reply.Get("message_thread_id").Int()
			if id == 0 {
				id = reply.Get("message_id").Int()
			}
			out = append(out, topicEvent{threadID: id, title: name, viaReply: true})
		}
	}
	return out
}
