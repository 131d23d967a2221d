// Package digest composes the windowed digest document, either from receipts
// alone or with LLM-written sections layered on top of them.
package digest

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

// Store is the read side used to build topic packets.
type Store interface {
	LastMessagesInWindow(ctx context.Context, chatID int64, topic chat.TopicID, start, end time.Time, limit int) ([]chat.Message, error)
	Rollups(ctx context.Context, chatID int64, topics []chat.TopicID) (map[chat.TopicID]chat.Rollup, error)
}

type Ranker interface {
	Activity(ctx context.Context, chatID int64, start, end time.Time, limit int) ([]activity.Topic, error)
}

type Options struct {
	ChatID         int64
	ChatUsername   string
	Location       *time.Location
	Narrative      bool
	MaxTopics      int
	MaxQuotes      int
	MaxMessages    int
	MaxLinks       int
	QuoteMaxChars  int
	LongQuoteChars int
	SampleMessages int
	Temperature    float64
	MaxTokens      int
	Timeout        time.Duration
}

func OptionsFromConfig(cfg *config.Config) (Options, error) {
	loc, err := cfg.Location()
	if err != nil {
		return Options{}, err
	}
	return Options{
		ChatID:         cfg.Telegram.SourceChatID,
		ChatUsername:   cfg.Telegram.SourceUsername,
		Location:       loc,
		Narrative:      cfg.Digest.Mode == config.DigestModeNarrative,
		MaxTopics:      cfg.Digest.MaxTopics,
		MaxQuotes:      cfg.Digest.MaxQuotesPerTopic,
		MaxMessages:    cfg.Digest.MaxMessagesPerTopic,
		MaxLinks:       cfg.Digest.MaxLinksPerTopic,
		QuoteMaxChars:  cfg.Digest.QuoteMaxChars,
		LongQuoteChars: cfg.Digest.LongQuoteChars,
		Temperature:    cfg.LLM.Temperature,
		MaxTokens:      cfg.Digest.LLMMaxTokens,
		Timeout:        cfg.LLMTimeout(),
	}, nil
}

func (o *Options) fillDefaults() {
	if o.Location == nil {
		o.Location = time.UTC
	}
	if o.MaxTopics <= 0 {
		o.MaxTopics = config.DefaultDigestMaxTopics
	}
	if o.MaxQuotes <= 0 {
		o.MaxQuotes = config.DefaultDigestMaxQuotes
	}
	if o.MaxMessages <= 0 {
		o.MaxMessages = config.DefaultDigestMaxMessages
	}
	if o.MaxLinks <= 0 {
		o.MaxLinks = config.DefaultDigestMaxLinks
	}
	if o.QuoteMaxChars <= 0 {
		o.QuoteMaxChars = config.DefaultQuoteMaxChars
	}
	if o.LongQuoteChars <= 0 {
		o.LongQuoteChars = config.DefaultLongQuoteChars
	}
	if o.SampleMessages <= 0 {
		o.SampleMessages = 30
	}
	if o.MaxTokens <= 0 {
		o.MaxTokens = config.DefaultDigestLLMMaxTokens
	}
}

// Result is a rendered digest.
type Result struct {
	Text      string
	Narrative bool
	Topics    []activity.Topic
}

// Empty reports whether the window had no messages at all.
func (r Result) Empty() bool { return len(r.Topics) == 0 }

type Synthesizer struct {
	store  Store
	ranker Ranker
	llm    llm.Client
	opts   Options
	now    func() time.Time
	log    *log.Logger
}

// New builds a synthesizer. A nil client always yields extractive digests.
func New(store Store, ranker Ranker, client llm.Client, opts Options, logger *log.Logger) *Synthesizer {
	opts.fillDefaults()
	if logger == nil {
		logger = logging.For("digest")
	}
	return &Synthesizer{
		store:  store,
		ranker: ranker,
		llm:    client,
		opts:   opts,
		now:    time.Now,
		log:    logger,
	}
}

func (s *Synthesizer) SetClock(now func() time.Time) {
	s.now = now
}

// Build renders the digest for [start, end). Narrative mode falls back to the
// extractive document in full when the model call fails.
func (s *Synthesizer) Build(ctx context.Context, start, end time.Time) (Result, error) {
	packets, topics, err := s.gather(ctx, start, end, s.narrativeEnabled())
	if err != nil {
		return Result{}, err
	}
	if len(packets) == 0 || !s.narrativeEnabled() {
		return Result{Text: s.renderExtractive(start, end, packets), Topics: topics}, nil
	}

	reply, err := s.llm.Chat(ctx, []llm.Message{
		llm.System(narrativeSystemPrompt),
		llm.User(buildNarrativePrompt(start, end, packets)),
	}, llm.Options{
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
		Timeout:     s.opts.Timeout,
	})
	if err != nil {
		s.log.Warn("narrative digest failed, using extractive", "err", err)
		return Result{Text: s.renderExtractive(start, end, packets), Topics: topics}, nil
	}

	parsed := parseNarrative(reply)
	return Result{
		Text:      s.renderNarrative(start, end, packets, parsed),
		Narrative: true,
		Topics:    topics,
	}, nil
}

// Extractive renders the receipts-only digest regardless of configuration.
func (s *Synthesizer) Extractive(ctx context.Context, start, end time.Time) (Result, error) {
	packets, topics, err := s.gather(ctx, start, end, false)
	if err != nil {
		return Result{}, err
	}
	return Result{Text: s.renderExtractive(start, end, packets), Topics: topics}, nil
}

func (s *Synthesizer) narrativeEnabled() bool {
	return s.opts.Narrative && s.llm != nil
}

// packet is everything known about one active topic in the window.
type packet struct {
	topic  activity.Topic
	rollup string
	links  []string
	quotes []chat.Message
	sample []chat.Message
}

func (s *Synthesizer) gather(ctx context.Context, start, end time.Time, withContext bool) ([]packet, []activity.Topic, error) {
	topics, err := s.ranker.Activity(ctx, s.opts.ChatID, start, end, s.opts.MaxTopics)
	if err != nil {
		return nil, nil, fmt.Errorf("digest activity: %w", err)
	}
	if len(topics) == 0 {
		return nil, nil, nil
	}

	rollups := map[chat.TopicID]chat.Rollup{}
	if withContext {
		ids := make([]chat.TopicID, len(topics))
		for i, t := range topics {
			ids[i] = t.ID
		}
		if rollups, err = s.store.Rollups(ctx, s.opts.ChatID, ids); err != nil {
			return nil, nil, fmt.Errorf("digest rollups: %w", err)
		}
	}

	packets := make([]packet, 0, len(topics))
	for _, t := range topics {
		msgs, err := s.store.LastMessagesInWindow(ctx, s.opts.ChatID, t.ID, start, end, s.opts.MaxMessages)
		if err != nil {
			return nil, nil, fmt.Errorf("digest messages for %s: %w", t.Label, err)
		}
		p := packet{
			topic:  t,
			links:  evidence.Links(msgs, s.opts.MaxLinks),
			quotes: pickQuotes(msgs, s.opts.MaxQuotes, s.opts.LongQuoteChars),
		}
		if withContext {
			if r, ok := rollups[t.ID]; ok && r.HasSummary() {
				p.rollup = strings.TrimSpace(r.Summary)
			}
			p.sample = headTail(withText(msgs), s.opts.SampleMessages)
		}
		packets = append(packets, p)
	}
	return packets, topics, nil
}

// highSignalScore lets a long message be quoted on the first pass.
const highSignalScore = 6

// pickQuotes walks back from the newest message, deferring long messages
// unless they score as high signal, and only falls back to the deferred ones
// when the budget is not met. The result is chronological.
func pickQuotes(msgs []chat.Message, limit, longChars int) []chat.Message {
	var picked, deferred []chat.Message
	for i := len(msgs) - 1; i >= 0 && len(picked) < limit; i-- {
		m := msgs[i]
		if !m.HasText() {
			continue
		}
		if evidence.NewText(m.Text).Len > longChars && evidence.Score(m.Text) < highSignalScore {
			deferred = append(deferred, m)
			continue
		}
		picked = append(picked, m)
	}
	for _, m := range deferred {
		if len(picked) >= limit {
			break
		}
		picked = append(picked, m)
	}
	evidence.SortChronological(picked)
	return picked
}

// headTail keeps a little of the start of the window and the rest from its end.
func headTail(msgs []chat.Message, limit int) []chat.Message {
	if len(msgs) <= limit {
		return msgs
	}
	head := limit / 3
	if head > 10 {
		head = 10
	}
	tail := limit - head
	out := make([]chat.Message, 0, limit)
	out = append(out, msgs[:head]...)
	return append(out, msgs[len(msgs)-tail:]...)
}

func withText(msgs []chat.Message) []chat.Message {
	out := make([]chat.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.HasText() {
			out = append(out, m)
		}
	}
	return out
}

func (s *Synthesizer) header(start, end time.Time) []string {
	day := s.now().In(s.opts.Location).Format("2006-01-02")
	return []string{
		fmt.Sprintf("Daily Digest — %s (%s)", day, s.opts.Location.String()),
		"Window (UTC): " + chat.WindowRange(start, end),
	}
}

func (s *Synthesizer) quoteLine(m chat.Message) string {
	line := fmt.Sprintf("- [%s] %s: %s", chat.FormatUTC(m.Timestamp), m.Author(), evidence.Excerpt(m.Text, s.opts.QuoteMaxChars))
	if link := chat.MessageLink(s.opts.ChatID, s.opts.ChatUsername, m.Topic, m.MessageID); link != "" {
		line += "\n  " + link
	}
	return line
}

func (s *Synthesizer) receipts(p packet) []string {
	var lines []string
	if len(p.links) > 0 {
		lines = append(lines, "Links:")
		for _, u := range p.links {
			lines = append(lines, "- "+u)
		}
	}
	if len(p.quotes) > 0 {
		lines = append(lines, "Quotes:")
		for _, q := range p.quotes {
			lines = append(lines, s.quoteLine(q))
		}
	}
	return lines
}

func topicHeading(t activity.Topic) string {
	return fmt.Sprintf("Topic: %s (%d msgs)", t.Label, t.Count)
}
