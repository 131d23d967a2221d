package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/elldeeone/rnd-digest/internal/chat"
)

const messageColumns = `chat_id, message_id, thread_id, date_utc, from_id, from_username,
	from_display, text, reply_to_message_id, is_service, edit_date_utc`

// UpsertMessage stores a message idempotently. Re-ingesting an edited message
// overwrites its text and raw payload.
func (s *Store) UpsertMessage(ctx context.Context, m chat.Message, raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rawJSON sql.NullString
	if len(raw) > 0 {
		rawJSON = sql.NullString{String: string(raw), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (`+messageColumns+`, raw_json, ingested_at_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(chat_id, message_id) DO UPDATE SET
			thread_id = COALESCE(excluded.thread_id, messages.thread_id),
			from_username = excluded.from_username,
			from_display = excluded.from_display,
			text = excluded.text,
			is_service = excluded.is_service,
			edit_date_utc = excluded.edit_date_utc,
			raw_json = COALESCE(excluded.raw_json, messages.raw_json)
	`,
		m.ChatID, m.MessageID, m.Topic, chat.FormatUTC(m.Timestamp), nullInt(m.FromID),
		nullString(m.AuthorHandle), nullString(m.AuthorDisplay), nullString(m.Text),
		nullInt(m.ReplyToID), boolToInt(m.IsService), nullTime(m.EditedAt),
		rawJSON, chat.FormatUTC(s.now()),
	)
	if err != nil {
		return fmt.Errorf("upsert message %d: %w", m.MessageID, err)
	}
	return nil
}

// TopicActivity counts non-service messages per topic in [start, end), most
// active first.
func (s *Store) TopicActivity(ctx context.Context, chatID int64, start, end time.Time, limit int) ([]chat.TopicActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT thread_id, COUNT(*) AS n, MIN(date_utc), MAX(date_utc)
		FROM messages
		WHERE chat_id = ? AND date_utc >= ? AND date_utc < ? AND is_service = 0
		GROUP BY thread_id
		ORDER BY n DESC, MAX(date_utc) DESC
		LIMIT ?
	`, chatID, chat.FormatUTC(start), chat.FormatUTC(end), limit)
	if err != nil {
		return nil, fmt.Errorf("query topic activity: %w", err)
	}
	defer rows.Close()

	var out []chat.TopicActivity
	for rows.Next() {
		var (
			a           chat.TopicActivity
			first, last sql.NullString
		)
		if err := rows.Scan(&a.Topic, &a.Count, &first, &last); err != nil {
			return nil, fmt.Errorf("scan topic activity: %w", err)
		}
		a.FirstAt = parseTime(first)
		a.LastAt = parseTime(last)
		out = append(out, a)
	}
	return out, rows.Err()
}

// LastMessagesInWindow returns the newest limit messages of a topic in
// [start, end), oldest first.
func (s *Store) LastMessagesInWindow(ctx context.Context, chatID int64, topic chat.TopicID, start, end time.Time, limit int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND thread_id IS ? AND date_utc >= ? AND date_utc < ? AND is_service = 0
		ORDER BY date_utc DESC, message_id DESC
		LIMIT ?
	`, chatID, topic, chat.FormatUTC(start), chat.FormatUTC(end), limit)
	if err != nil {
		return nil, fmt.Errorf("query last window messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// LastMessages returns the newest limit messages of a topic, oldest first.
func (s *Store) LastMessages(ctx context.Context, chatID int64, topic chat.TopicID, limit int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND thread_id IS ? AND is_service = 0
		ORDER BY date_utc DESC, message_id DESC
		LIMIT ?
	`, chatID, topic, limit)
	if err != nil {
		return nil, fmt.Errorf("query last messages: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	reverse(msgs)
	return msgs, nil
}

// MessagesAfter returns up to limit messages with message_id > afterID in id order.
func (s *Store) MessagesAfter(ctx context.Context, chatID int64, topic chat.TopicID, afterID int64, limit int) ([]chat.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = ? AND thread_id IS ? AND message_id > ? AND is_service = 0
		ORDER BY message_id ASC
		LIMIT ?
	`, chatID, topic, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages after %d: %w", afterID, err)
	}
	return scanMessages(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

// scanMessage reads messageColumns followed by any extra columns.
func scanMessage(row rowScanner, extra ...any) (chat.Message, error) {
	var (
		m                     chat.Message
		date                  string
		fromID, replyTo       sql.NullInt64
		handle, display, text sql.NullString
		isService             int
		edited                sql.NullString
	)
	dest := append([]any{&m.ChatID, &m.MessageID, &m.Topic, &date, &fromID, &handle,
		&display, &text, &replyTo, &isService, &edited}, extra...)
	if err := row.Scan(dest...); err != nil {
		return chat.Message{}, fmt.Errorf("scan message: %w", err)
	}
	ts, err := chat.ParseUTC(date)
	if err != nil {
		return chat.Message{}, fmt.Errorf("message %d: %w", m.MessageID, err)
	}
	m.Timestamp = ts
	m.FromID = fromID.Int64
	m.AuthorHandle = handle.String
	m.AuthorDisplay = display.String
	m.Text = text.String
	m.ReplyToID = replyTo.Int64
	m.IsService = isService == 1
	m.EditedAt = parseTime(edited)
	return m, nil
}

func scanMessages(rows *sql.Rows) ([]chat.Message, error) {
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func reverse(msgs []chat.Message) {
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
}
