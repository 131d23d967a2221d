package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/elldeeone/rnd-digest/internal/chat"
	"github.com/elldeeone/rnd-digest/internal/logging"
)

// Full-text index over message text. It is kept outside the migrations
// because the SQLite build may lack FTS5; search then falls back to LIKE.
var ftsSchema = []string{
	`CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts
		USING fts5(text, content='messages', content_rowid='id')`,
	`CREATE TRIGGER IF NOT EXISTS messages_fts_ai AFTER INSERT ON messages BEGIN
		INSERT INTO messages_fts(rowid, text) VALUES (new.id, coalesce(new.text, ''));
	END`,
	`CREATE TRIGGER IF NOT EXISTS messages_fts_ad AFTER DELETE ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, text) VALUES ('delete', old.id, coalesce(old.text, ''));
	END`,
	`CREATE TRIGGER IF NOT EXISTS messages_fts_au AFTER UPDATE OF text ON messages BEGIN
		INSERT INTO messages_fts(messages_fts, rowid, text) VALUES ('delete', old.id, coalesce(old.text, ''));
		INSERT INTO messages_fts(rowid, text) VALUES (new.id, coalesce(new.text, ''));
	END`,
}

const snippetRadius = 60

// SearchQuery selects messages whose text contains the terms. With MatchAny
// one term is enough, otherwise all must appear. Zero Start or End leave that
// side of the window open.
type SearchQuery struct {
	Terms    []string
	MatchAny bool
	Start    time.Time
	End      time.Time
	Limit    int
}

type SearchHit struct {
	chat.Message
	// Snippet is the matching part of the text with the terms in brackets.
	Snippet string
}

func (s *Store) initFTS(ctx context.Context) {
	var existing int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'messages_fts'`).Scan(&existing); err != nil {
		logging.For("store").Warn("full-text check failed, using plain search", "err", err)
		return
	}
	for _, stmt := range ftsSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			logging.For("store").Warn("full-text index unavailable, using plain search", "err", err)
			return
		}
	}
	if existing == 0 {
		if _, err := s.db.ExecContext(ctx, `INSERT INTO messages_fts(messages_fts) VALUES ('rebuild')`); err != nil {
			logging.For("store").Warn("full-text rebuild failed, using plain search", "err", err)
			return
		}
	}
	s.fts = true
}

// FullText reports whether searches run against the FTS5 index.
func (s *Store) FullText() bool {
	return s.fts
}

// SearchMessages returns up to q.Limit matching text messages of chatID,
// best match first. Without an index the newest matches come first.
func (s *Store) SearchMessages(ctx context.Context, chatID int64, q SearchQuery) ([]SearchHit, error) {
	terms := cleanTerms(q.Terms)
	if len(terms) == 0 {
		return nil, nil
	}
	if q.Limit <= 0 {
		q.Limit = 10
	}
	if s.fts {
		hits, err := s.searchFTS(ctx, chatID, terms, q)
		if err == nil {
			return hits, nil
		}
		logging.For("store").Warn("full-text search failed, retrying plain", "err", err)
	}
	return s.searchLike(ctx, chatID, terms, q)
}

func (s *Store) searchFTS(ctx context.Context, chatID int64, terms []string, q SearchQuery) ([]SearchHit, error) {
	quoted := make([]string, len(terms))
	for i, t := range terms {
		quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	sep := " "
	if q.MatchAny {
		sep = " OR "
	}

	where, args := windowFilter("m.", chatID, q)
	where = append(where, "messages_fts MATCH ?")
	args = append(args, strings.Join(quoted, sep), q.Limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+qualified("m", messageColumns)+`,
			snippet(messages_fts, 0, '[', ']', '…', 10)
		FROM messages_fts
		JOIN messages m ON m.id = messages_fts.rowid
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY bm25(messages_fts), m.date_utc DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query full-text search: %w", err)
	}
	defer rows.Close()

	var out []SearchHit
	for rows.Next() {
		var snippet sql.NullString
		m, err := scanMessage(rows, &snippet)
		if err != nil {
			return nil, err
		}
		out = append(out, SearchHit{Message: m, Snippet: snippet.String})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search hits: %w", err)
	}
	return out, nil
}

func (s *Store) searchLike(ctx context.Context, chatID int64, terms []string, q SearchQuery) ([]SearchHit, error) {
	where, args := windowFilter("", chatID, q)
	likes := make([]string, len(terms))
	for i, t := range terms {
		likes[i] = `text LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(t)+"%")
	}
	joiner := " AND "
	if q.MatchAny {
		joiner = " OR "
	}
	where = append(where, "("+strings.Join(likes, joiner)+")")
	args = append(args, q.Limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE `+strings.Join(where, " AND ")+`
		ORDER BY date_utc DESC, message_id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("query search: %w", err)
	}
	msgs, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	out := make([]SearchHit, len(msgs))
	for i, m := range msgs {
		out[i] = SearchHit{Message: m, Snippet: likeSnippet(m.Text, terms)}
	}
	return out, nil
}

func windowFilter(prefix string, chatID int64, q SearchQuery) ([]string, []any) {
	where := []string{
		prefix + "chat_id = ?",
		prefix + "is_service = 0",
		"coalesce(" + prefix + "text, '') <> ''",
	}
	args := []any{chatID}
	if !q.Start.IsZero() {
		where = append(where, prefix+"date_utc >= ?")
		args = append(args, chat.FormatUTC(q.Start))
	}
	if !q.End.IsZero() {
		where = append(where, prefix+"date_utc < ?")
		args = append(args, chat.FormatUTC(q.End))
	}
	return where, args
}

func cleanTerms(terms []string) []string {
	out := make([]string, 0, len(terms))
	for _, t := range terms {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func qualified(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// likeSnippet cuts the text around the first term found and brackets it.
func likeSnippet(text string, terms []string) string {
	lower := strings.ToLower(text)
	for _, t := range terms {
		i := strings.Index(lower, strings.ToLower(t))
		if i < 0 || len(lower) != len(text) {
			continue
		}
		from, to := i-snippetRadius, i+len(t)+snippetRadius
		prefix, suffix := "…", "…"
		if from <= 0 {
			from, prefix = 0, ""
		}
		if to >= len(text) {
			to, suffix = len(text), ""
		}
		from, to = runeStart(text, from), runeStart(text, to)
		return prefix + text[from:i] + "[" + text[i:i+len(t)] + "]" + text[i+len(t):to] + suffix
	}
	return ""
}

// runeStart moves i back to the start of the UTF-8 sequence containing it.
func runeStart(s string, i int) int {
	for i > 0 && i < len(s) && s[i]&0xC0 == 0x80 {
		i--
	}
	return i
}
