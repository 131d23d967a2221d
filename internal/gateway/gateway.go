// Package gateway wires the store, the engine and the Telegram transport
// together and runs the single process loop that owns every store write.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"golang.org/x/sync/errgroup"

	"github.com/elldeeone/rnd-digest/internal/activity"
	"github.com/elldeeone/rnd-digest/internal/ask"
	"github.com/elldeeone/rnd-digest/internal/bus"
	"github.com/elldeeone/rnd-digest/internal/channel"
	"github.com/elldeeone/rnd-digest/internal/chat"
	"github.com/elldeeone/rnd-digest/internal/commands"
	"github.com/elldeeone/rnd-digest/internal/config"
	"github.com/elldeeone/rnd-digest/internal/cron"
	"github.com/elldeeone/rnd-digest/internal/digest"
	"github.com/elldeeone/rnd-digest/internal/interactive"
	"github.com/elldeeone/rnd-digest/internal/llm"
	"github.com/elldeeone/rnd-digest/internal/logging"
	"github.com/elldeeone/rnd-digest/internal/rollup"
	"github.com/elldeeone/rnd-digest/internal/store"
	"github.com/elldeeone/rnd-digest/internal/topicview"
)

// StateUpdateOffset is the next Telegram update id to ask for.
const StateUpdateOffset = "telegram_update_offset"

const publishTimeout = 5 * time.Second

// Transport is the chat side of the gateway (allows mocking in tests).
type Transport interface {
	Start(ctx context.Context) error
	Poll(ctx context.Context) error
	SetOffset(offset int64)
	SendText(ctx context.Context, chatID, threadID int64, text string, kb *tgbotapi.InlineKeyboardMarkup) ([]int64, error)
	EditText(chatID, messageID int64, text string, kb tgbotapi.InlineKeyboardMarkup) error
	AnswerCallback(id, text string) error
	Stop() error
}

// TransportFactory creates the Transport for a config.
type TransportFactory func(cfg *config.Config, b *bus.MessageBus) (Transport, error)

// LLMFactory creates the model client. Returning llm.ErrDisabled runs the
// engine without a model.
type LLMFactory func(cfg config.LLMConfig) (llm.Client, error)

// Options for creating a Gateway
type Options struct {
	TransportFactory TransportFactory
	LLMFactory       LLMFactory
	SignalChan       chan os.Signal // for testing signal handling
}

// DefaultTransportFactory creates the Telegram long-polling channel.
func DefaultTransportFactory(cfg *config.Config, b *bus.MessageBus) (Transport, error) {
	return channel.NewTelegramChannel(cfg.Telegram, b)
}

type Gateway struct {
	cfg        *config.Config
	bus        *bus.MessageBus
	store      *store.Store
	llm        llm.Client
	transport  Transport
	cron       *cron.Service
	activity   *activity.Aggregator
	rollups    *rollup.Service
	synth      *digest.Synthesizer
	views      *topicview.Builder
	resolver   *interactive.Resolver
	router     *commands.Router
	signalChan chan os.Signal // for testing
	now        func() time.Time
	log        *log.Logger
}

// New creates a Gateway with default options
func New(cfg *config.Config) (*Gateway, error) {
	return NewWithOptions(cfg, Options{})
}

// NewWithOptions creates a Gateway with custom options for testing. Without
// a bot token the gateway can still build digests and rollups but cannot
// deliver or run.
func NewWithOptions(cfg *config.Config, opts Options) (*Gateway, error) {
	g := &Gateway{
		cfg:        cfg,
		signalChan: opts.SignalChan,
		now:        time.Now,
		log:        logging.For("gateway"),
	}

	g.bus = bus.NewMessageBus(config.DefaultBufSize)

	dbPath := strings.TrimSpace(cfg.DBPath)
	if dbPath == "" {
		dbPath = config.DefaultDBPath()
	}
	st, err := store.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	g.store = st

	llmFactory := opts.LLMFactory
	if llmFactory == nil {
		llmFactory = llm.New
	}
	client, err := llmFactory(cfg.LLM)
	switch {
	case errors.Is(err, llm.ErrDisabled):
		g.log.Info("llm disabled, digests will be extractive")
	case err != nil:
		_ = st.Close()
		return nil, fmt.Errorf("create llm client: %w", err)
	default:
		g.llm = client
	}

	digestOpts, err := digest.OptionsFromConfig(cfg)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	chatID := cfg.Telegram.SourceChatID
	g.activity = activity.New(st, nil)
	g.rollups = rollup.NewService(st, g.activity, g.llm, rollup.OptionsFromConfig(cfg), nil)
	g.synth = digest.New(st, g.activity, g.llm, digestOpts, nil)
	g.views = topicview.New(st, g.activity, g.activity, g.llm, topicview.OptionsFromConfig(cfg), nil)
	g.resolver = interactive.NewResolver(g.synth, g.activity, g.views, st, chatID, cfg.Digest.MaxTopics, nil)

	model := ""
	if g.llm != nil {
		model = g.llm.Model()
	}
	asker := ask.New(st, g.activity, g.llm, ask.OptionsFromConfig(cfg), nil)
	g.router = commands.NewRouter(g.rollups, g.views, asker, g.activity, st, commands.Options{
		ChatID:        chatID,
		DefaultWindow: cfg.LatestWindow(),
		MaxTopics:     cfg.Digest.MaxTopics,
		Model:         model,
	}, nil)

	if strings.TrimSpace(cfg.Telegram.Token) != "" {
		factory := opts.TransportFactory
		if factory == nil {
			factory = DefaultTransportFactory
		}
		tr, err := factory(cfg, g.bus)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("create telegram channel: %w", err)
		}
		g.transport = tr
	}

	g.cron = cron.NewService(filepath.Join(filepath.Dir(dbPath), "cron", "jobs.json"))
	g.cron.OnJob = g.publishJob

	return g, nil
}

// SetClock overrides the clock of the gateway and every engine component.
func (g *Gateway) SetClock(now func() time.Time) {
	g.now = now
	g.store.SetClock(now)
	g.rollups.SetClock(now)
	g.synth.SetClock(now)
	g.router.SetClock(now)
}

// publishJob hands a fired job to the process loop.
func (g *Gateway) publishJob(job cron.CronJob) error {
	if job.Payload.Action != actionDigest {
		return fmt.Errorf("unknown job action %q", job.Payload.Action)
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	return g.bus.Publish(ctx, bus.InboundEvent{
		Kind: bus.EventJob,
		Job: &bus.JobEvent{
			ID:      job.ID,
			Name:    job.Name,
			Advance: job.Payload.Advance,
			Attempt: job.Payload.Attempt,
		},
	})
}

func (g *Gateway) Run(ctx context.Context) error {
	if g.transport == nil {
		return fmt.Errorf("telegram token not set")
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := g.transport.Start(ctx); err != nil {
		_ = g.Shutdown()
		return fmt.Errorf("start telegram: %w", err)
	}
	g.restoreOffset(ctx)

	if err := g.cron.Start(ctx); err != nil {
		g.log.Warn("cron start failed", "err", err)
	}
	if err := g.ensureDigestJob(); err != nil {
		g.log.Warn("schedule daily digest failed", "err", err)
	} else if next, ok := g.cron.Next(dailyDigestJob); ok {
		g.log.Info("daily digest scheduled", "next", next.Format(time.RFC3339))
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.transport.Poll(egCtx)
	})
	eg.Go(func() error {
		g.processLoop(egCtx)
		return nil
	})

	g.log.Info("running", "source_chat", g.cfg.Telegram.SourceChatID, "control_chats", g.cfg.Telegram.ControlChatIDs)

	// Use injected signal channel for testing, or create default
	sigCh := g.signalChan
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}
	select {
	case <-sigCh:
		g.log.Info("shutting down...")
	case <-egCtx.Done():
	}

	cancel()
	err := eg.Wait()
	if serr := g.Shutdown(); serr != nil && err == nil {
		err = serr
	}
	return err
}

func (g *Gateway) restoreOffset(ctx context.Context) {
	v, ok, err := g.store.State(ctx, StateUpdateOffset)
	if err != nil {
		g.log.Warn("read update offset failed", "err", err)
		return
	}
	if !ok {
		return
	}
	offset, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		g.log.Warn("ignoring bad update offset", "value", v)
		return
	}
	g.transport.SetOffset(offset)
}

func (g *Gateway) processLoop(ctx context.Context) {
	for {
		select {
		case ev := <-g.bus.Inbound:
			g.handle(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (g *Gateway) handle(ctx context.Context, ev bus.InboundEvent) {
	switch ev.Kind {
	case bus.EventMessage:
		g.handleMessage(ctx, ev)
	case bus.EventCallback:
		g.handleCallback(ctx, ev.Callback)
	case bus.EventJob:
		g.handleJob(ctx, ev.Job)
	}
	if ev.UpdateID > 0 {
		if err := g.store.SetState(ctx, StateUpdateOffset, strconv.FormatInt(ev.UpdateID+1, 10)); err != nil {
			g.log.Warn("save update offset failed", "err", err)
		}
	}
}

func (g *Gateway) handleMessage(ctx context.Context, ev bus.InboundEvent) {
	m := ev.Message
	if m.ChatID == g.cfg.Telegram.SourceChatID {
		if err := g.store.UpsertMessage(ctx, m, ev.Raw); err != nil {
			g.log.Error("store message failed", "message_id", m.MessageID, "err", err)
		}
		if ev.Topic != nil {
			if err := g.store.SetTopicTitle(ctx, m.ChatID, ev.Topic.ThreadID, ev.Topic.Title); err != nil {
				g.log.Warn("store topic title failed", "thread", ev.Topic.ThreadID, "err", err)
			}
		}
	}

	if !g.cfg.IsControlChat(m.ChatID) || !m.EditedAt.IsZero() {
		return
	}
	reply, ok := g.router.HandleMessage(ctx, m)
	if !ok {
		return
	}
	g.log.Info("command", "chat", m.ChatID, "from", m.Author(), "text", truncate(m.Text, 80))

	thread := replyThread(m)
	if reply.Digest != nil {
		if err := g.deliverDigest(ctx, *reply.Digest, []target{{chatID: m.ChatID, threadID: thread}}); err != nil {
			g.log.Error("digest command failed", "err", err)
			g.send(ctx, m.ChatID, thread, "Digest failed: "+err.Error(), nil)
		}
		return
	}
	g.send(ctx, m.ChatID, thread, reply.Text, reply.Keyboard)
}

// replyThread answers in the thread the command came from. Thread 1 is the
// general topic, which Telegram addresses without a thread id.
func replyThread(m chat.Message) int64 {
	if m.Topic.IsNone() || m.Topic.ID == 1 {
		return 0
	}
	return m.Topic.ID
}

// handleCallback serves button presses from control chats only. Presses
// anywhere else are dropped without an answer.
func (g *Gateway) handleCallback(ctx context.Context, cq bus.CallbackQuery) {
	if !g.cfg.IsControlChat(cq.ChatID) {
		g.log.Debug("ignoring callback outside control chats", "chat", cq.ChatID)
		return
	}
	screen, ok := g.resolver.Resolve(ctx, cq.ChatID, cq.MessageID, cq.Data)
	if ok {
		if err := g.transport.EditText(cq.ChatID, cq.MessageID, screen.Text, screen.Keyboard); err != nil {
			g.log.Warn("edit screen failed", "message_id", cq.MessageID, "err", err)
		}
	}
	if err := g.transport.AnswerCallback(cq.ID, ""); err != nil {
		g.log.Warn("answer callback failed", "err", err)
	}
}

func (g *Gateway) send(ctx context.Context, chatID, threadID int64, text string, kb *tgbotapi.InlineKeyboardMarkup) {
	if _, err := g.transport.SendText(ctx, chatID, threadID, text, kb); err != nil {
		g.log.Error("send reply failed", "chat", chatID, "err", err)
	}
}

// Command runs a slash command outside of Telegram and returns its text.
func (g *Gateway) Command(ctx context.Context, text string) (string, bool) {
	reply, ok := g.router.Handle(ctx, text)
	if !ok {
		return "", false
	}
	return reply.Text, true
}

func (g *Gateway) Shutdown() error {
	g.cron.Stop()
	if g.transport != nil {
		_ = g.transport.Stop()
	}
	if err := g.store.Close(); err != nil {
		g.log.Warn("close store failed", "err", err)
	}
	g.log.Info("shutdown complete")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
