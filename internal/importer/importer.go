// Package importer loads a Telegram Desktop JSON export into the store so a
// chat's history is available before the bot was added.
package importer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"

	"github.com/elldeeone/rnd-digest/internal/chat"
	"github.com/elldeeone/rnd-digest/internal/logging"
)

// StateLastImport records when the last import finished.
const StateLastImport = "last_import_at_utc"

// generalThread is where forum messages outside any created topic live.
const generalThread = 1

var (
	ErrUnrecognized = errors.New("unrecognized telegram export (expected a messages list)")
	ErrChatNotFound = errors.New("no chat with that name in export")
	ErrAmbiguous    = errors.New("export contains several chats, pick one by name")

	fromIDRe = regexp.MustCompile(`^(?:user|channel|chat)(\d+)$`)
)

type Store interface {
	UpsertMessage(ctx context.Context, m chat.Message, raw []byte) error
	SetTopicTitle(ctx context.Context, chatID, threadID int64, title string) error
}

// FileStore also records when an import ran.
type FileStore interface {
	Store
	SetStateTime(ctx context.Context, key string, t time.Time) error
}

type Result struct {
	Inserted int
	Skipped  int
}

func (r *Result) add(o Result) {
	r.Inserted += o.Inserted
	r.Skipped += o.Skipped
}

// Import stores every message of one export payload under chatID. Exports
// holding several chats need exportChatName. Entries without an id or a
// date are skipped. Re-importing is idempotent.
func Import(ctx context.Context, st Store, chatID int64, payload []byte, exportChatName string) (Result, error) {
	if !gjson.ValidBytes(payload) {
		return Result{}, fmt.Errorf("%w: invalid json", ErrUnrecognized)
	}
	msgs, err := exportMessages(gjson.ParseBytes(payload), exportChatName)
	if err != nil {
		return Result{}, err
	}

	roots, hasTopics := exportTopics(msgs)
	if hasTopics {
		if err := st.SetTopicTitle(ctx, chatID, generalThread, "General"); err != nil {
			return Result{}, err
		}
	}
	for id, title := range roots {
		if err := st.SetTopicTitle(ctx, chatID, id, title); err != nil {
			return Result{}, err
		}
	}
	threads := resolveThreads(msgs, roots, hasTopics)

	var res Result
	for _, raw := range msgs {
		m, ok := exportMessage(raw, chatID)
		if !ok {
			res.Skipped++
			continue
		}
		m.Topic = threads[m.MessageID]
		if err := st.UpsertMessage(ctx, m, []byte(raw.Raw)); err != nil {
			return res, err
		}
		res.Inserted++
	}
	return res, nil
}

// ImportFiles imports each export file in turn and stamps StateLastImport.
func ImportFiles(ctx context.Context, st FileStore, chatID int64, paths []string, exportChatName string, now time.Time, logger *log.Logger) (Result, error) {
	if logger == nil {
		logger = logging.For("importer")
	}
	var total Result
	for _, path := range paths {
		logger.Info("importing export", "path", path)
		payload, err := os.ReadFile(path)
		if err != nil {
			return total, fmt.Errorf("read export: %w", err)
		}
		res, err := Import(ctx, st, chatID, payload, exportChatName)
		total.add(res)
		if err != nil {
			return total, fmt.Errorf("import %s: %w", path, err)
		}
		logger.Info("export imported", "path", path, "inserted", res.Inserted, "skipped", res.Skipped)
	}
	if err := st.SetStateTime(ctx, StateLastImport, now); err != nil {
		return total, err
	}
	return total, nil
}

func exportMessages(root gjson.Result, name string) ([]gjson.Result, error) {
	if msgs := root.Get("messages"); msgs.IsArray() {
		return msgs.Array(), nil
	}
	chats := root.Get("chats.list")
	if !chats.IsArray() {
		return nil, ErrUnrecognized
	}
	list := chats.Array()
	if name != "" {
		for _, c := range list {
			if c.Get("name").String() == name && c.Get("messages").IsArray() {
				return c.Get("messages").Array(), nil
			}
		}
		return nil, fmt.Errorf("%w: %q", ErrChatNotFound, name)
	}
	if len(list) == 1 && list[0].Get("messages").IsArray() {
		return list[0].Get("messages").Array(), nil
	}
	return nil, ErrAmbiguous
}

// intField reads an integral JSON number.
func intField(r gjson.Result, path string) (int64, bool) {
	v := r.Get(path)
	if v.Type != gjson.Number || float64(v.Int()) != v.Num {
		return 0, false
	}
	return v.Int(), true
}

func isService(r gjson.Result) bool {
	return r.Get("type").String() == "service"
}

// exportTopics maps each topic_created service message to its title. The
// export is a forum when it has any topic service message at all.
func exportTopics(msgs []gjson.Result) (map[int64]string, bool) {
	roots := make(map[int64]string)
	forum := false
	for _, m := range msgs {
		if !m.IsObject() || !isService(m) {
			continue
		}
		switch m.Get("action").String() {
		case "topic_created":
			forum = true
			id, ok := intField(m, "id")
			title := strings.TrimSpace(m.Get("title").String())
			if ok && title != "" {
				roots[id] = title
			}
		case "topic_edit":
			forum = true
		}
	}
	return roots, forum
}

// resolveThreads walks reply chains up to a topic root. Chains that end
// elsewhere, or loop, land in the general thread of a forum and in no topic
// otherwise.
func resolveThreads(msgs []gjson.Result, roots map[int64]string, forum bool) map[int64]chat.TopicID {
	parent := make(map[int64]int64)
	for _, m := range msgs {
		id, ok := intField(m, "id")
		if !ok {
			continue
		}
		if p, ok := intField(m, "reply_to_message_id"); ok {
			parent[id] = p
		}
	}
	fallback := chat.NoTopic()
	if forum {
		fallback = chat.Thread(generalThread)
	}

	cache := make(map[int64]chat.TopicID)
	for _, m := range msgs {
		id, ok := intField(m, "id")
		if !ok {
			continue
		}
		if _, done := cache[id]; done {
			continue
		}
		var (
			path []int64
			root chat.TopicID
			seen = make(map[int64]bool)
		)
		for cur := id; ; {
			if t, done := cache[cur]; done {
				root = t
				break
			}
			if _, isRoot := roots[cur]; isRoot {
				root = chat.Thread(cur)
				break
			}
			p, hasParent := parent[cur]
			if !hasParent || seen[cur] {
				root = fallback
				break
			}
			seen[cur] = true
			path = append(path, cur)
			cur = p
		}
		for _, mid := range path {
			cache[mid] = root
		}
		cache[id] = root
	}
	return cache
}

func exportMessage(r gjson.Result, chatID int64) (chat.Message, bool) {
	if !r.IsObject() {
		return chat.Message{}, false
	}
	id, ok := intField(r, "id")
	if !ok {
		return chat.Message{}, false
	}
	ts, ok := exportTime(r)
	if !ok {
		return chat.Message{}, false
	}
	m := chat.Message{
		ChatID:        chatID,
		MessageID:     id,
		Timestamp:     ts,
		FromID:        fromID(r.Get("from_id")),
		AuthorDisplay: r.Get("from").String(),
		Text:          exportText(r.Get("text")),
		IsService:     r.Get("type").String() != "message",
	}
	if p, ok := intField(r, "reply_to_message_id"); ok {
		m.ReplyToID = p
	}
	if ed, ok := unixField(r.Get("edited_unixtime")); ok {
		m.EditedAt = ed
	}
	return m, true
}

// exportTime prefers date_unixtime and falls back to the local-looking
// date field, read as UTC.
func exportTime(r gjson.Result) (time.Time, bool) {
	if t, ok := unixField(r.Get("date_unixtime")); ok {
		return t, true
	}
	s := r.Get("date").String()
	if s == "" {
		return time.Time{}, false
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), true
	}
	if t, err := time.Parse("2006-01-02T15:04:05", s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// unixField accepts the export's string form ("1714557600") and plain numbers.
func unixField(v gjson.Result) (time.Time, bool) {
	var sec int64
	switch v.Type {
	case gjson.Number:
		sec = v.Int()
	case gjson.String:
		n, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64)
		if err != nil {
			return time.Time{}, false
		}
		sec = n
	default:
		return time.Time{}, false
	}
	return time.Unix(sec, 0).UTC(), true
}

func fromID(v gjson.Result) int64 {
	switch v.Type {
	case gjson.Number:
		return v.Int()
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if m := fromIDRe.FindStringSubmatch(s); m != nil {
			n, _ := strconv.ParseInt(m[1], 10, 64)
			return n
		}
	}
	return 0
}

// exportText flattens the export's rich text, a string or a list of strings
// and {"type": ..., "text": ...} fragments.
func exportText(v gjson.Result) string {
	if v.Type == gjson.String {
		return v.Str
	}
	if !v.IsArray() {
		return ""
	}
	var b strings.Builder
	for _, part := range v.Array() {
		switch {
		case part.Type == gjson.String:
			b.WriteString(part.Str)
		case part.IsObject():
			if t := part.Get("text"); t.Type == gjson.String {
				b.WriteString(t.Str)
			}
		}
	}
	return b.String()
}
