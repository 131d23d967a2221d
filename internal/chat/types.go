// Package chat holds the typed records shared by the store and the digest engine.
package chat

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrInvalidTopic = errors.New("invalid topic id")

// TopicID identifies a forum thread inside a chat. The zero value is "no topic",
// which is a valid key of its own and never equal to any thread number.
type TopicID struct {
	ID    int64
	Valid bool
}

func NoTopic() TopicID { return TopicID{} }

func Thread(id int64) TopicID { return TopicID{ID: id, Valid: true} }

func (t TopicID) IsNone() bool { return !t.Valid }

func (t TopicID) String() string {
	if !t.Valid {
		return "none"
	}
	return strconv.FormatInt(t.ID, 10)
}

// Label renders a display name, falling back when no title is known.
func (t TopicID) Label(title string) string {
	if title = strings.TrimSpace(title); title != "" {
		return title
	}
	if !t.Valid {
		return "No topic"
	}
	return fmt.Sprintf("Thread %d", t.ID)
}

// ParseTopicID accepts a thread number or one of none, no_topic, no-topic.
func ParseTopicID(s string) (TopicID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	switch s {
	case "none", "no_topic", "no-topic":
		return NoTopic(), nil
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return TopicID{}, fmt.Errorf("%w: %q", ErrInvalidTopic, s)
	}
	return Thread(id), nil
}

func (t *TopicID) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*t = NoTopic()
	case int64:
		*t = Thread(v)
	case []byte:
		id, err := strconv.ParseInt(string(v), 10, 64)
		if err != nil {
			return fmt.Errorf("scan topic id: %w", err)
		}
		*t = Thread(id)
	default:
		return fmt.Errorf("scan topic id: unsupported type %T", src)
	}
	return nil
}

func (t TopicID) Value() (driver.Value, error) {
	if !t.Valid {
		return nil, nil
	}
	return t.ID, nil
}

// Message is one normalized chat message.
type Message struct {
	ChatID        int64
	MessageID     int64
	Topic         TopicID
	Timestamp     time.Time
	FromID        int64
	AuthorDisplay string
	AuthorHandle  string
	Text          string
	ReplyToID     int64
	IsService     bool
	EditedAt      time.Time
}

func (m Message) HasText() bool {
	return strings.TrimSpace(m.Text) != ""
}

// Author prefers the display name, then the @handle.
func (m Message) Author() string {
	if s := strings.TrimSpace(m.AuthorDisplay); s != "" {
		return s
	}
	if s := strings.TrimSpace(m.AuthorHandle); s != "" {
		return "@" + s
	}
	return "unknown"
}

type Topic struct {
	ChatID int64
	Topic  TopicID
	Title  string
}

// TopicActivity is one row of a windowed activity aggregation.
type TopicActivity struct {
	Topic   TopicID
	Count   int
	FirstAt time.Time
	LastAt  time.Time
}

// Rollup is the persisted rolling summary of one topic. LastMessageID is nil
// until the first successful update.
type Rollup struct {
	ChatID        int64
	Topic         TopicID
	Summary       string
	LastMessageID *int64
	UpdatedAt     time.Time
	Model         string
}

func (r Rollup) HasSummary() bool {
	return strings.TrimSpace(r.Summary) != ""
}

// Digest is an immutable record of a delivered digest.
type Digest struct {
	ID          int64
	ChatID      int64
	Topic       TopicID
	WindowStart time.Time
	WindowEnd   time.Time
	Body        string
	// Overview is the text of the menu message sent under the body.
	Overview    string
	CreatedAt   time.Time
	DeliveryIDs []int64
}

func Int64(v int64) *int64 { return &v }
