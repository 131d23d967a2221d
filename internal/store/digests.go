package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/elldeeone/rnd-digest/internal/chat"
)

// deliveryScan bounds how many recent digests DigestByDeliveryID inspects.
const deliveryScan = 50

// InsertDigest appends a digest and returns its id. DeliveryChatID on the
// record names the chat the delivery ids belong to.
func (s *Store) InsertDigest(ctx context.Context, d chat.Digest, deliveryChatID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := d.DeliveryIDs
	if ids == nil {
		ids = []int64{}
	}
	idsJSON, err := json.Marshal(ids)
	if err != nil {
		return 0, fmt.Errorf("marshal delivery ids: %w", err)
	}
	created := d.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO digests (chat_id, thread_id, window_start_utc, window_end_utc,
			digest_markdown, overview_text, created_at_utc, delivery_chat_id, telegram_message_ids)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, d.ChatID, d.Topic, chat.FormatUTC(d.WindowStart), chat.FormatUTC(d.WindowEnd),
		d.Body, d.Overview, chat.FormatUTC(created), nullInt(deliveryChatID), string(idsJSON))
	if err != nil {
		return 0, fmt.Errorf("insert digest: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert digest id: %w", err)
	}
	return id, nil
}

const digestColumns = `id, chat_id, thread_id, window_start_utc, window_end_utc,
	digest_markdown, overview_text, created_at_utc, telegram_message_ids`

// DigestByDeliveryID finds the digest whose delivered messages in
// deliveryChatID include messageID, looking at recent digests only.
func (s *Store) DigestByDeliveryID(ctx context.Context, deliveryChatID, messageID int64) (chat.Digest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+digestColumns+` FROM digests
		WHERE delivery_chat_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, deliveryChatID, deliveryScan)
	if err != nil {
		return chat.Digest{}, fmt.Errorf("query digests: %w", err)
	}
	digests, err := scanDigests(rows)
	if err != nil {
		return chat.Digest{}, err
	}
	for _, d := range digests {
		for _, id := range d.DeliveryIDs {
			if id == messageID {
				return d, nil
			}
		}
	}
	return chat.Digest{}, ErrNotFound
}

// LatestDigest returns the most recent digest of a source chat.
func (s *Store) LatestDigest(ctx context.Context, chatID int64) (chat.Digest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+digestColumns+` FROM digests
		WHERE chat_id = ?
		ORDER BY id DESC
		LIMIT 1
	`, chatID)
	if err != nil {
		return chat.Digest{}, fmt.Errorf("query latest digest: %w", err)
	}
	digests, err := scanDigests(rows)
	if err != nil {
		return chat.Digest{}, err
	}
	if len(digests) == 0 {
		return chat.Digest{}, ErrNotFound
	}
	return digests[0], nil
}

func scanDigests(rows *sql.Rows) ([]chat.Digest, error) {
	defer rows.Close()

	var out []chat.Digest
	for rows.Next() {
		var (
			d                   chat.Digest
			start, end, created sql.NullString
			idsJSON             string
		)
		if err := rows.Scan(&d.ID, &d.ChatID, &d.Topic, &start, &end, &d.Body, &d.Overview, &created, &idsJSON); err != nil {
			return nil, fmt.Errorf("scan digest: %w", err)
		}
		d.WindowStart = parseTime(start)
		d.WindowEnd = parseTime(end)
		d.CreatedAt = parseTime(created)
		if err := json.Unmarshal([]byte(idsJSON), &d.DeliveryIDs); err != nil {
			return nil, fmt.Errorf("digest %d delivery ids: %w", d.ID, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate digests: %w", err)
	}
	return out, nil
}

// IsNotFound reports whether err means a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
