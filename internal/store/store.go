// Package store persists messages, topic titles, rollups, digests and
// scheduler state in SQLite.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"

	"github.com/elldeeone/rnd-digest/internal/chat"
)

//go:embed migrations/*.sql
var migrations embed.FS

var ErrNotFound = errors.New("not found")

type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
	fts bool
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, now: time.Now}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.initFTS(context.Background())
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return fmt.Errorf("init migrations: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// SetClock overrides the clock used for ingestion and update timestamps.
func (s *Store) SetClock(now func() time.Time) {
	s.now = now
}

// State returns a scheduler bookkeeping value.
func (s *Store) State(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM state WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get state %s: %w", key, err)
	}
	return value, true, nil
}

func (s *Store) SetState(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, key, value)
	if err != nil {
		return fmt.Errorf("set state %s: %w", key, err)
	}
	return nil
}

// DeleteState drops a state key. Missing keys are not an error.
func (s *Store) DeleteState(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM state WHERE key = ?`, key); err != nil {
		return fmt.Errorf("delete state %s: %w", key, err)
	}
	return nil
}

// StateTime reads a state value holding a UTC timestamp.
func (s *Store) StateTime(ctx context.Context, key string) (time.Time, bool, error) {
	v, ok, err := s.State(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := chat.ParseUTC(v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("state %s: %w", key, err)
	}
	return t, true, nil
}

func (s *Store) SetStateTime(ctx context.Context, key string, t time.Time) error {
	return s.SetState(ctx, key, chat.FormatUTC(t))
}

type Stats struct {
	Messages      int
	Topics        int
	Rollups       int
	Digests       int
	LastMessageAt time.Time
}

func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	var last sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM messages),
			(SELECT COUNT(*) FROM topics),
			(SELECT COUNT(*) FROM topic_rollups),
			(SELECT COUNT(*) FROM digests),
			(SELECT MAX(date_utc) FROM messages)
	`).Scan(&st.Messages, &st.Topics, &st.Rollups, &st.Digests, &last)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	if last.Valid {
		if t, err := chat.ParseUTC(last.String); err == nil {
			st.LastMessageAt = t
		}
	}
	return st, nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: chat.FormatUTC(t), Valid: true}
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, err := chat.ParseUTC(s.String)
	if err != nil {
		return time.Time{}
	}
	return t
}
