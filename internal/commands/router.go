package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/elldeeone/rnd-digest/internal/activity"
	"github.com/elldeeone/rnd-digest/internal/callback"
	"github.com/elldeeone/rnd-digest/internal/chat"
	"github.com/elldeeone/rnd-digest/internal/logging"
	"github.com/elldeeone/rnd-digest/internal/rollup"
	"github.com/elldeeone/rnd-digest/internal/store"
)

// StateLastDigestEnd is where the scheduled digest boundary is kept.
const StateLastDigestEnd = "last_digest_end_utc"

const helpText = "Commands (control chat only):\n" +
	"/help\n" +
	"/health\n" +
	"/digest [6h|2d] [advance]  (no args = since last digest)\n" +
	"/digest last  (re-show the last delivered digest)\n" +
	"/latest [6h|2d]\n" +
	"/topics [6h|2d]\n" +
	"/topic <thread_id> [6h|2d|1w]\n" +
	"/ask [6h|2d|all] <question>\n" +
	"/search <terms>\n" +
	"/teach <thread_id> [6h|2d|1w] [detail]\n" +
	"/receipts <thread_id> [6h|2d]\n" +
	"/links <thread_id> [6h|2d]\n" +
	"/rollup <thread_id> [6h|2d|all|rebuild]\n" +
	"/backfill_topics  (recover topic titles)\n" +
	"/set_topic_title <thread_id> <title>\n" +
	"/debug_ids\n" +
	"Use thread_id 'none' for messages without a topic."

const (
	usageDigest   = "Usage: /digest [6h|2d] [advance]\n\nTip: /digest (no args) posts since last digest."
	usageRollup   = "Usage: /rollup <thread_id> [6h|2d|all|rebuild]"
	usageTeach    = "Usage: /teach <thread_id> [6h|2d|1w] [detail]\nTip: use thread_id 'none' for messages without a topic."
	usageReceipts = "Usage: /receipts <thread_id> [6h|2d]"
	usageLinks    = "Usage: /links <thread_id> [6h|2d]"
	usageLatest   = "Usage: /latest [6h|2d]"
	usageTopics   = "Usage: /topics [6h|2d]"
	usageSetTitle = "Usage: /set_topic_title <thread_id> <title>"
	usageTopic    = "Usage: /topic <thread_id> [6h|2d|1w]"
	usageAsk      = "Usage: /ask [6h|2d|all] <question>"
	usageSearch   = "Usage: /search <terms>"
)

const defaultAskWindow = 30 * 24 * time.Hour

const backfillScanLimit = 5000

// DigestRequest asks the caller to build and deliver a digest. A zero Span
// means "since the last digest boundary".
type DigestRequest struct {
	Span    time.Duration
	Advance bool
}

// Reply is the answer to one command. Keyboard is attached when the reply is
// a navigable screen; Digest replaces the text reply entirely.
type Reply struct {
	Text     string
	Keyboard *tgbotapi.InlineKeyboardMarkup
	Digest   *DigestRequest
}

type Rollups interface {
	Update(ctx context.Context, chatID int64, topic chat.TopicID, mode rollup.Mode) (rollup.Result, error)
}

type Views interface {
	Teach(ctx context.Context, topic chat.TopicID, start, end time.Time, detail bool) (string, error)
	Receipts(ctx context.Context, topic chat.TopicID, start, end time.Time) (string, error)
	Links(ctx context.Context, topic chat.TopicID, start, end time.Time) (string, error)
	Latest(ctx context.Context, start, end time.Time, span string) (string, error)
	Topic(ctx context.Context, topic chat.TopicID, start, end time.Time) (string, error)
}

type Asker interface {
	Ask(ctx context.Context, question string, start, end time.Time) (string, error)
	Search(ctx context.Context, query string) (string, error)
}

type Ranker interface {
	Activity(ctx context.Context, chatID int64, start, end time.Time, limit int) ([]activity.Topic, error)
}

type Store interface {
	SetTopicTitle(ctx context.Context, chatID, threadID int64, title string) error
	BackfillTopicTitles(ctx context.Context, chatID int64, ids []int64, scanLimit int) (int, error)
	Stats(ctx context.Context) (store.Stats, error)
	State(ctx context.Context, key string) (string, bool, error)
	LatestDigest(ctx context.Context, chatID int64) (chat.Digest, error)
}

type Options struct {
	ChatID        int64
	DefaultWindow time.Duration
	MaxTopics     int
	Model         string
}

type Router struct {
	rollups Rollups
	views   Views
	asker   Asker
	ranker  Ranker
	store   Store
	opts    Options
	now     func() time.Time
	log     *log.Logger
}

func NewRouter(rollups Rollups, views Views, asker Asker, ranker Ranker, st Store, opts Options, logger *log.Logger) *Router {
	if opts.DefaultWindow <= 0 {
		opts.DefaultWindow = 24 * time.Hour
	}
	if opts.MaxTopics <= 0 {
		opts.MaxTopics = 12
	}
	if logger == nil {
		logger = logging.For("commands")
	}
	return &Router{
		rollups: rollups,
		views:   views,
		asker:   asker,
		ranker:  ranker,
		store:   st,
		opts:    opts,
		now:     time.Now,
		log:     logger,
	}
}

func (r *Router) SetClock(now func() time.Time) {
	r.now = now
}

// Handle answers text if it is a command. Failures of collaborators come
// back as reply text, never as an error.
func (r *Router) Handle(ctx context.Context, text string) (Reply, bool) {
	return r.handle(ctx, text, nil)
}

// HandleMessage is Handle for a Telegram message, which also makes the
// commands about the message itself available.
func (r *Router) HandleMessage(ctx context.Context, m chat.Message) (Reply, bool) {
	return r.handle(ctx, m.Text, &m)
}

func (r *Router) handle(ctx context.Context, text string, m *chat.Message) (Reply, bool) {
	cmd, ok := Parse(text)
	if !ok {
		return Reply{}, false
	}
	r.log.Debug("command", "name", cmd.Name, "args", cmd.Args)

	switch cmd.Name {
	case "help", "start":
		return textReply(helpText), true
	case "health":
		return textReply(r.health(ctx)), true
	case "digest":
		if len(cmd.Args) == 1 && strings.EqualFold(cmd.Args[0], "last") {
			return textReply(r.lastDigest(ctx)), true
		}
		return r.digest(cmd), true
	case "rollup":
		return textReply(r.rollup(ctx, cmd)), true
	case "teach":
		return r.teach(ctx, cmd), true
	case "receipts":
		return r.topicScreen(ctx, cmd, callback.ActionReceipts, usageReceipts), true
	case "links":
		return r.topicScreen(ctx, cmd, callback.ActionLinks, usageLinks), true
	case "latest":
		return textReply(r.latest(ctx, cmd)), true
	case "topics":
		return textReply(r.topics(ctx, cmd)), true
	case "topic":
		return textReply(r.topic(ctx, cmd)), true
	case "ask":
		return textReply(r.ask(ctx, cmd)), true
	case "search":
		return textReply(r.search(ctx, cmd)), true
	case "debug_ids":
		return textReply(debugIDs(m)), true
	case "set_topic_title", "set_topic":
		return textReply(r.setTitle(ctx, cmd)), true
	case "backfill_topics":
		return textReply(r.backfill(ctx)), true
	}
	return textReply(fmt.Sprintf("Unknown command: /%s\n\n%s", cmd.Name, helpText)), true
}

func textReply(s string) Reply { return Reply{Text: s} }

func (r *Router) window(span time.Duration) (time.Time, time.Time) {
	end := r.now().UTC().Truncate(time.Second)
	return end.Add(-span), end
}

// spanArg reads an optional duration from args, falling back to def.
func spanArg(args []string, def time.Duration) (time.Duration, error) {
	if len(args) == 0 {
		return def, nil
	}
	return chat.ParseDuration(args[0])
}

func (r *Router) digest(cmd Command) Reply {
	if len(cmd.Args) == 0 {
		return Reply{Digest: &DigestRequest{Advance: true}}
	}
	switch strings.ToLower(cmd.Args[0]) {
	case "since_last", "since-last", "since":
		return Reply{Digest: &DigestRequest{Advance: true}}
	}
	span, err := chat.ParseDuration(cmd.Args[0])
	if err != nil {
		return textReply(usageDigest)
	}
	advance := false
	for _, a := range cmd.Args[1:] {
		switch strings.ToLower(a) {
		case "advance", "commit":
			advance = true
		}
	}
	return Reply{Digest: &DigestRequest{Span: span, Advance: advance}}
}

func (r *Router) rollup(ctx context.Context, cmd Command) string {
	if len(cmd.Args) == 0 || len(cmd.Args) > 2 {
		return usageRollup
	}
	topic, err := chat.ParseTopicID(cmd.Args[0])
	if err != nil {
		return usageRollup
	}
	modeArg := ""
	if len(cmd.Args) == 2 {
		modeArg = cmd.Args[1]
	}
	mode, err := rollup.ParseMode(modeArg)
	if err != nil {
		return usageRollup
	}

	res, err := r.rollups.Update(ctx, r.opts.ChatID, topic, mode)
	switch {
	case errors.Is(err, rollup.ErrLLMUnavailable):
		return "LLM unavailable: rollups need a configured model."
	case err != nil:
		r.log.Error("rollup failed", "topic", topic, "mode", mode, "err", err)
		return fmt.Sprintf("Rollup failed: %v", err)
	}

	switch res.Status {
	case rollup.StatusUpdated:
		return fmt.Sprintf("Topic rollup updated\n- topic: %s\n- window: %s\n- last_message_id: %d\n- updated_at_utc: %s\n\n%s",
			res.Label, res.WindowLabel, derefID(res.LastMessageID), chat.FormatUTC(res.UpdatedAt), res.Summary)
	case rollup.StatusUnchanged:
		return fmt.Sprintf("Topic rollup (no new messages)\n- topic: %s\n- updated_at_utc: %s\n\n%s",
			res.Label, chat.FormatUTC(res.UpdatedAt), res.Summary)
	}
	return fmt.Sprintf("No messages available for rollup (topic: %s).", res.Label)
}

func derefID(p *int64) int64 {
	if p == nil {
		return 0
	}
	return *p
}

func (r *Router) teach(ctx context.Context, cmd Command) Reply {
	if len(cmd.Args) == 0 {
		return textReply(usageTeach)
	}
	topic, err := chat.ParseTopicID(cmd.Args[0])
	if err != nil {
		return textReply(usageTeach)
	}
	span := r.opts.DefaultWindow
	detail := false
	for _, a := range cmd.Args[1:] {
		if strings.EqualFold(a, "detail") || strings.EqualFold(a, "details") {
			detail = true
			continue
		}
		d, err := chat.ParseDuration(a)
		if err != nil {
			return textReply(usageTeach)
		}
		span = d
	}

	start, end := r.window(span)
	action := callback.ActionTeach
	if detail {
		action = callback.ActionTeachDetail
	}
	text, err := r.views.Teach(ctx, topic, start, end, detail)
	if err != nil {
		r.log.Error("teach failed", "topic", topic, "err", err)
		return textReply(fmt.Sprintf("Teach failed: %v", err))
	}
	kb := callback.DetailKeyboard(callback.NewWindow(start, end), action, topic)
	return Reply{Text: text, Keyboard: &kb}
}

func (r *Router) topicScreen(ctx context.Context, cmd Command, action callback.Action, usage string) Reply {
	if len(cmd.Args) == 0 || len(cmd.Args) > 2 {
		return textReply(usage)
	}
	topic, err := chat.ParseTopicID(cmd.Args[0])
	if err != nil {
		return textReply(usage)
	}
	span, err := spanArg(cmd.Args[1:], r.opts.DefaultWindow)
	if err != nil {
		return textReply(usage)
	}

	start, end := r.window(span)
	var text string
	if action == callback.ActionReceipts {
		text, err = r.views.Receipts(ctx, topic, start, end)
	} else {
		text, err = r.views.Links(ctx, topic, start, end)
	}
	if err != nil {
		r.log.Error("topic screen failed", "action", action, "topic", topic, "err", err)
		return textReply(fmt.Sprintf("Failed: %v", err))
	}
	kb := callback.DetailKeyboard(callback.NewWindow(start, end), action, topic)
	return Reply{Text: text, Keyboard: &kb}
}

func (r *Router) latest(ctx context.Context, cmd Command) string {
	span, err := spanArg(cmd.Args, r.opts.DefaultWindow)
	if err != nil || len(cmd.Args) > 1 {
		return usageLatest
	}
	start, end := r.window(span)
	text, err := r.views.Latest(ctx, start, end, chat.WindowLabel(span))
	if err != nil {
		r.log.Error("latest failed", "err", err)
		return fmt.Sprintf("Latest failed: %v", err)
	}
	return text
}

func (r *Router) topics(ctx context.Context, cmd Command) string {
	span, err := spanArg(cmd.Args, r.opts.DefaultWindow)
	if err != nil || len(cmd.Args) > 1 {
		return usageTopics
	}
	start, end := r.window(span)
	ranked, err := r.ranker.Activity(ctx, r.opts.ChatID, start, end, r.opts.MaxTopics)
	if err != nil {
		r.log.Error("topics failed", "err", err)
		return fmt.Sprintf("Topics failed: %v", err)
	}

	lines := []string{
		fmt.Sprintf("Topics (%s)", chat.WindowLabel(span)),
		"Window (UTC): " + chat.WindowRange(start, end),
		"",
	}
	if len(ranked) == 0 {
		lines = append(lines, "No messages in window.")
	}
	for _, t := range ranked {
		lines = append(lines, fmt.Sprintf("T%d: %s (id=%s) — %d msgs", t.Index, t.Label, t.ID, t.Count))
	}
	return strings.Join(lines, "\n")
}

func (r *Router) lastDigest(ctx context.Context) string {
	d, err := r.store.LatestDigest(ctx, r.opts.ChatID)
	switch {
	case store.IsNotFound(err):
		return "No digest has been delivered yet."
	case err != nil:
		r.log.Error("last digest lookup failed", "err", err)
		return fmt.Sprintf("Digest lookup failed: %v", err)
	}
	return d.Body
}

func (r *Router) topic(ctx context.Context, cmd Command) string {
	if len(cmd.Args) == 0 || len(cmd.Args) > 2 {
		return usageTopic
	}
	topic, err := chat.ParseTopicID(cmd.Args[0])
	if err != nil {
		return usageTopic
	}
	span, err := spanArg(cmd.Args[1:], r.opts.DefaultWindow)
	if err != nil {
		return usageTopic
	}
	start, end := r.window(span)
	text, err := r.views.Topic(ctx, topic, start, end)
	if err != nil {
		r.log.Error("topic failed", "topic", topic, "err", err)
		return fmt.Sprintf("Topic failed: %v", err)
	}
	return text
}

// askArgs splits "[6h|2d|all] <question>". A leading word that is not a
// duration belongs to the question. A zero start means all time.
func (r *Router) askArgs(rest string) (question string, start, end time.Time, ok bool) {
	rest = strings.TrimSpace(rest)
	if rest == "" {
		return "", start, end, false
	}
	span := defaultAskWindow
	head, tail, hasTail := strings.Cut(rest, " ")
	tail = strings.TrimSpace(tail)
	switch {
	case strings.EqualFold(head, "all"):
		if tail == "" {
			return "", start, end, false
		}
		return tail, time.Time{}, r.now().UTC().Truncate(time.Second), true
	case hasTail && tail != "":
		if d, err := chat.ParseDuration(head); err == nil {
			span, rest = d, tail
		}
	}
	start, end = r.window(span)
	return rest, start, end, true
}

func (r *Router) ask(ctx context.Context, cmd Command) string {
	question, start, end, ok := r.askArgs(cmd.Rest)
	if !ok {
		return usageAsk
	}
	text, err := r.asker.Ask(ctx, question, start, end)
	if err != nil {
		r.log.Error("ask failed", "err", err)
		return fmt.Sprintf("Ask failed: %v", err)
	}
	return text
}

func (r *Router) search(ctx context.Context, cmd Command) string {
	if cmd.Rest == "" {
		return usageSearch
	}
	text, err := r.asker.Search(ctx, cmd.Rest)
	if err != nil {
		r.log.Error("search failed", "err", err)
		return fmt.Sprintf("Search unavailable: %v", err)
	}
	return text
}

func debugIDs(m *chat.Message) string {
	if m == nil {
		return "Debug IDs are only available inside Telegram."
	}
	return fmt.Sprintf("Debug IDs:\nchat_id: %d\nthread_id: %s", m.ChatID, m.Topic)
}

func (r *Router) setTitle(ctx context.Context, cmd Command) string {
	idRaw, title, _ := strings.Cut(cmd.Rest, " ")
	title = strings.TrimSpace(title)
	if idRaw == "" || title == "" {
		return usageSetTitle
	}
	topic, err := chat.ParseTopicID(idRaw)
	if err != nil || topic.IsNone() {
		return fmt.Sprintf("Invalid thread_id: %q", idRaw)
	}
	if err := r.store.SetTopicTitle(ctx, r.opts.ChatID, topic.ID, title); err != nil {
		r.log.Error("set topic title failed", "topic", topic, "err", err)
		return fmt.Sprintf("Failed to set title: %v", err)
	}
	return fmt.Sprintf("Set topic title for thread %d: %s", topic.ID, title)
}

func (r *Router) backfill(ctx context.Context) string {
	n, err := r.store.BackfillTopicTitles(ctx, r.opts.ChatID, nil, backfillScanLimit)
	if err != nil {
		r.log.Error("backfill topics failed", "err", err)
		return fmt.Sprintf("Backfill failed: %v", err)
	}
	return fmt.Sprintf("Backfilled %d topic title(s).", n)
}

func (r *Router) health(ctx context.Context) string {
	lines := []string{"Health", fmt.Sprintf("- source_chat_id: %d", r.opts.ChatID)}

	st, err := r.store.Stats(ctx)
	if err != nil {
		r.log.Error("stats failed", "err", err)
		lines = append(lines, fmt.Sprintf("- store: error (%v)", err))
	} else {
		last := "never"
		if !st.LastMessageAt.IsZero() {
			last = chat.FormatUTC(st.LastMessageAt)
		}
		lines = append(lines,
			fmt.Sprintf("- messages: %d", st.Messages),
			fmt.Sprintf("- topics: %d", st.Topics),
			fmt.Sprintf("- rollups: %d", st.Rollups),
			fmt.Sprintf("- digests: %d", st.Digests),
			"- last_message_utc: "+last,
		)
	}

	boundary := "never"
	if v, ok, err := r.store.State(ctx, StateLastDigestEnd); err == nil && ok {
		boundary = v
	}
	lines = append(lines, "- last_digest_end_utc: "+boundary)

	model := r.opts.Model
	if model == "" {
		model = "disabled"
	}
	lines = append(lines, "- llm: "+model)
	return strings.Join(lines, "\n")
}
