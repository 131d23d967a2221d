package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/elldeeone/rnd-digest/internal/chat"
)

// Rollup loads the rollup of one topic. The bool is false when none exists.
func (s *Store) Rollup(ctx context.Context, chatID int64, topic chat.TopicID) (chat.Rollup, bool, error) {
	var (
		r       chat.Rollup
		lastID  sql.NullInt64
		updated sql.NullString
		model   sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT chat_id, thread_id, summary, last_message_id, updated_at_utc, model
		FROM topic_rollups
		WHERE chat_id = ? AND thread_id IS ?
	`, chatID, topic).Scan(&r.ChatID, &r.Topic, &r.Summary, &lastID, &updated, &model)
	if errors.Is(err, sql.ErrNoRows) {
		return chat.Rollup{}, false, nil
	}
	if err != nil {
		return chat.Rollup{}, false, fmt.Errorf("get rollup %s: %w", topic, err)
	}
	if lastID.Valid {
		r.LastMessageID = chat.Int64(lastID.Int64)
	}
	r.UpdatedAt = parseTime(updated)
	r.Model = model.String
	return r, true, nil
}

// Rollups loads rollups for several topics; topics without one are absent.
func (s *Store) Rollups(ctx context.Context, chatID int64, topics []chat.TopicID) (map[chat.TopicID]chat.Rollup, error) {
	out := make(map[chat.TopicID]chat.Rollup, len(topics))
	for _, t := range topics {
		r, ok, err := s.Rollup(ctx, chatID, t)
		if err != nil {
			return nil, err
		}
		if ok {
			out[t] = r
		}
	}
	return out, nil
}

// UpsertRollup writes the rollup for (chat, topic), replacing any previous one.
// The no-topic key is NULL in SQL, so the upsert is an update-then-insert
// rather than ON CONFLICT.
func (s *Store) UpsertRollup(ctx context.Context, r chat.Rollup) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lastID sql.NullInt64
	if r.LastMessageID != nil {
		lastID = sql.NullInt64{Int64: *r.LastMessageID, Valid: true}
	}
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollup tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE topic_rollups
		SET summary = ?, last_message_id = ?, updated_at_utc = ?, model = ?
		WHERE chat_id = ? AND thread_id IS ?
	`, r.Summary, lastID, chat.FormatUTC(updated), nullString(r.Model), r.ChatID, r.Topic)
	if err != nil {
		return fmt.Errorf("update rollup %s: %w", r.Topic, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update rollup %s: %w", r.Topic, err)
	}
	if n == 0 {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO topic_rollups (chat_id, thread_id, summary, last_message_id, updated_at_utc, model)
			VALUES (?, ?, ?, ?, ?, ?)
		`, r.ChatID, r.Topic, r.Summary, lastID, chat.FormatUTC(updated), nullString(r.Model))
		if err != nil {
			return fmt.Errorf("insert rollup %s: %w", r.Topic, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollup %s: %w", r.Topic, err)
	}
	return nil
}
