// Package topicview renders the per-topic screens: teach, receipts, links,
// and the cross-topic latest view.
package topicview

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/elldeeone/rnd-digest/internal/activity"
	"github.com/elldeeone/rnd-digest/internal/chat"
	"github.com/elldeeone/rnd-digest/internal/config"
	"github.com/elldeeone/rnd-digest/internal/evidence"
	"github.com/elldeeone/rnd-digest/internal/llm"
	"github.com/elldeeone/rnd-digest/internal/logging"
)

type Store interface {
	LastMessagesInWindow(ctx context.Context, chatID int64, topic chat.TopicID, start, end time.Time, limit int) ([]chat.Message, error)
	Rollup(ctx context.Context, chatID int64, topic chat.TopicID) (chat.Rollup, bool, error)
}

type Labeler interface {
	Label(ctx context.Context, chatID int64, topic chat.TopicID) string
}

type Ranker interface {
	Activity(ctx context.Context, chatID int64, start, end time.Time, limit int) ([]activity.Topic, error)
}

type Options struct {
	ChatID        int64
	ChatUsername  string
	MaxMessages   int
	QuoteMaxChars int
	Temperature   float64
	MaxTokens     int
	Timeout       time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		ChatID:        cfg.Telegram.SourceChatID,
		ChatUsername:  cfg.Telegram.SourceUsername,
		MaxMessages:   cfg.Digest.MaxMessagesPerTopic,
		QuoteMaxChars: cfg.Digest.QuoteMaxChars,
		Temperature:   cfg.LLM.Temperature,
		MaxTokens:     cfg.LLM.AskMaxTokens,
		Timeout:       cfg.LLMTimeout(),
	}
}

type Builder struct {
	store  Store
	labels Labeler
	ranker Ranker
	llm    llm.Client
	opts   Options
	log    *log.Logger
}

// New builds the screen renderer. client may be nil.
func New(store Store, labels Labeler, ranker Ranker, client llm.Client, opts Options, logger *log.Logger) *Builder {
	if opts.QuoteMaxChars <= 0 {
		opts.QuoteMaxChars = config.DefaultQuoteMaxChars
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = config.DefaultAskMaxTokens
	}
	if logger == nil {
		logger = logging.For("topicview")
	}
	return &Builder{
		store:  store,
		labels: labels,
		ranker: ranker,
		llm:    client,
		opts:   opts,
		log:    logger,
	}
}

func (b *Builder) fetch(ctx context.Context, topic chat.TopicID, start, end time.Time, floor int) ([]chat.Message, error) {
	limit := b.opts.MaxMessages
	if limit < floor {
		limit = floor
	}
	msgs, err := b.store.LastMessagesInWindow(ctx, b.opts.ChatID, topic, start, end, limit)
	if err != nil {
		return nil, fmt.Errorf("topic messages: %w", err)
	}
	return msgs, nil
}

func noMessages(start, end time.Time) string {
	return fmt.Sprintf("No messages for topic in window (UTC: %s).", chat.WindowRange(start, end))
}

func header(kind, label string, topic chat.TopicID, start, end time.Time) []string {
	return []string{
		fmt.Sprintf("%s: %s (id=%s)", kind, label, topic),
		"Window (UTC): " + chat.WindowRange(start, end),
	}
}

// Receipts lists up to 8 links and the 6 most recent quotes with permalinks.
func (b *Builder) Receipts(ctx context.Context, topic chat.TopicID, start, end time.Time) (string, error) {
	msgs, err := b.fetch(ctx, topic, start, end, 200)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return noMessages(start, end), nil
	}
	label := b.labels.Label(ctx, b.opts.ChatID, topic)

	maxChars := b.opts.QuoteMaxChars
	if maxChars > 220 {
		maxChars = 220
	}
	var quotes []string
	for i := len(msgs) - 1; i >= 0 && len(quotes) < 6; i-- {
		m := msgs[i]
		if !m.HasText() {
			continue
		}
		line := fmt.Sprintf("- [%s] %s: %s", chat.FormatUTC(m.Timestamp), m.Author(), evidence.Excerpt(m.Text, maxChars))
		if link := chat.MessageLink(b.opts.ChatID, b.opts.ChatUsername, topic, m.MessageID); link != "" {
			line += " — " + link
		}
		quotes = append(quotes, line)
	}
	for i, j := 0, len(quotes)-1; i < j; i, j = i+1, j-1 {
		quotes[i], quotes[j] = quotes[j], quotes[i]
	}

	lines := header("Receipts", label, topic, start, end)
	if links := evidence.Links(msgs, 8); len(links) > 0 {
		lines = append(lines, "", "Links")
		lines = append(lines, bullets(links)...)
	}
	lines = append(lines, "", "Quotes")
	lines = append(lines, quotes...)
	return strings.Join(lines, "\n"), nil
}

// Links lists up to 25 unique links in order of first appearance.
func (b *Builder) Links(ctx context.Context, topic chat.TopicID, start, end time.Time) (string, error) {
	msgs, err := b.fetch(ctx, topic, start, end, 150)
	if err != nil {
		return "", err
	}
	if len(msgs) == 0 {
		return noMessages(start, end), nil
	}
	label := b.labels.Label(ctx, b.opts.ChatID, topic)

	lines := header("Links", label, topic, start, end)
	links := evidence.Links(msgs, 25)
	if len(links) == 0 {
		lines = append(lines, "", "No links found.")
		return strings.Join(lines, "\n"), nil
	}
	lines = append(lines, "")
	lines = append(lines, bullets(links)...)
	return strings.Join(lines, "\n"), nil
}

// Topic is the quick status screen of one topic: its rollup, up to 10 links
// and the last 10 messages of the window with permalinks.
func (b *Builder) Topic(ctx context.Context, topic chat.TopicID, start, end time.Time) (string, error) {
	msgs, err := b.store.LastMessagesInWindow(ctx, b.opts.ChatID, topic, start, end, 60)
	if err != nil {
		return "", fmt.Errorf("topic messages: %w", err)
	}
	if len(msgs) == 0 {
		return noMessages(start, end), nil
	}
	label := b.labels.Label(ctx, b.opts.ChatID, topic)
	recent := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.HasText() {
			recent = append(recent, m)
		}
	}
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}

	lines := []string{
		"Topic: " + label,
		"Window (UTC): " + chat.WindowRange(start, end),
		fmt.Sprintf("Messages: %d (showing last %d)", len(msgs), len(recent)),
		"",
		"Rollup",
	}
	r, ok, err := b.store.Rollup(ctx, b.opts.ChatID, topic)
	if err != nil {
		b.log.Warn("topic rollup lookup failed", "topic", topic, "err", err)
	}
	if ok && r.HasSummary() {
		meta := "- updated_at_utc: " + chat.FormatUTC(r.UpdatedAt)
		if r.LastMessageID != nil {
			meta += fmt.Sprintf(", last_message_id: %d", *r.LastMessageID)
		}
		lines = append(lines, meta, strings.TrimSpace(r.Summary))
	} else {
		lines = append(lines, fmt.Sprintf("- (none yet) Run: /rollup %s rebuild", topic))
	}

	if links := evidence.Links(msgs, 10); len(links) > 0 {
		lines = append(lines, "", "Links")
		lines = append(lines, bullets(links)...)
	}

	lines = append(lines, "", "Recent")
	for _, m := range recent {
		line := fmt.Sprintf("- [%s] %s: %s", chat.FormatUTC(m.Timestamp), m.Author(), evidence.Excerpt(m.Text, 260))
		if link := chat.MessageLink(b.opts.ChatID, b.opts.ChatUsername, topic, m.MessageID); link != "" {
			line += " — " + link
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n"), nil
}

// Latest shows the busiest topics of the window with their last few messages.
func (b *Builder) Latest(ctx context.Context, start, end time.Time, span string) (string, error) {
	topics, err := b.ranker.Activity(ctx, b.opts.ChatID, start, end, 12)
	if err != nil {
		return "", fmt.Errorf("latest activity: %w", err)
	}

	lines := []string{
		fmt.Sprintf("Latest (%s)", span),
		"Window (UTC): " + chat.WindowRange(start, end),
	}
	if len(topics) == 0 {
		lines = append(lines, "", "No messages in window.")
		return strings.Join(lines, "\n"), nil
	}

	for _, t := range topics {
		lines = append(lines, "", fmt.Sprintf("- %s (%d msgs)", t.Label, t.Count))
		msgs, err := b.store.LastMessagesInWindow(ctx, b.opts.ChatID, t.ID, start, end, 10)
		if err != nil {
			return "", fmt.Errorf("latest messages: %w", err)
		}
		recent := make([]chat.Message, 0, 3)
		for i := len(msgs) - 1; i >= 0 && len(recent) < 3; i-- {
			if msgs[i].HasText() {
				recent = append(recent, msgs[i])
			}
		}
		for i := len(recent) - 1; i >= 0; i-- {
			m := recent[i]
			lines = append(lines, fmt.Sprintf("  • [%s] %s: %s", chat.FormatUTC(m.Timestamp), m.Author(), evidence.Excerpt(m.Text, 180)))
		}
	}
	return strings.Join(lines, "\n"), nil
}

func bullets(items []string) []string {
	out := make([]string, len(items))
	for i, s := range items {
		out[i] = "- " + s
	}
	return out
}
