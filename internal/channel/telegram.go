package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/charmbracelet/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/tidwall/gjson"

	"github.com/elldeeone/rnd-digest/internal/bus"
	"github.com/elldeeone/rnd-digest/internal/config"
	"github.com/elldeeone/rnd-digest/internal/logging"
)

// TelegramBot is the slice of the Bot API the channel uses. Updates and sends
// go through MakeRequest so that forum thread fields survive.
type TelegramBot interface {
	MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetSelf() tgbotapi.User
}

type tgBotWrapper struct {
	bot *tgbotapi.BotAPI
}

func (w *tgBotWrapper) MakeRequest(endpoint string, params tgbotapi.Params) (*tgbotapi.APIResponse, error) {
	return w.bot.MakeRequest(endpoint, params)
}

func (w *tgBotWrapper) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	return w.bot.Request(c)
}

func (w *tgBotWrapper) GetSelf() tgbotapi.User {
	return w.bot.Self
}

// BotFactory creates TelegramBot instances (allows mocking)
type BotFactory func(token, apiEndpoint string, client *http.Client) (TelegramBot, error)

var defaultBotFactory BotFactory = func(token, apiEndpoint string, client *http.Client) (TelegramBot, error) {
	bot, err := tgbotapi.NewBotAPIWithClient(token, apiEndpoint, client)
	if err != nil {
		return nil, err
	}
	return &tgBotWrapper{bot: bot}, nil
}

type TelegramChannel struct {
	cfg        config.TelegramConfig
	bus        *bus.MessageBus
	bot        TelegramBot
	botFactory BotFactory
	offset     int64
	newBackOff func() backoff.BackOff
	sendTries  uint
	log        *log.Logger
}

func NewTelegramChannel(cfg config.TelegramConfig, b *bus.MessageBus) (*TelegramChannel, error) {
	return NewTelegramChannelWithFactory(cfg, b, defaultBotFactory)
}

// NewTelegramChannelWithFactory creates a TelegramChannel with custom bot factory (for testing)
func NewTelegramChannelWithFactory(cfg config.TelegramConfig, b *bus.MessageBus, factory BotFactory) (*TelegramChannel, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("telegram token is required")
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = config.DefaultPollTimeout
	}
	return &TelegramChannel{
		cfg:        cfg,
		bus:        b,
		botFactory: factory,
		newBackOff: func() backoff.BackOff {
			eb := backoff.NewExponentialBackOff()
			eb.InitialInterval = time.Second
			eb.MaxInterval = time.Minute
			return eb
		},
		sendTries: 3,
		log:       logging.For("telegram"),
	}, nil
}

func (t *TelegramChannel) Name() string { return "telegram" }

// SetBot sets the bot (for testing)
func (t *TelegramChannel) SetBot(bot TelegramBot) {
	t.bot = bot
}

// SetOffset resumes polling after a previously processed update.
func (t *TelegramChannel) SetOffset(offset int64) {
	t.offset = offset
}

func (t *TelegramChannel) Offset() int64 { return t.offset }

func (t *TelegramChannel) initBot() error {
	client := http.DefaultClient
	if t.cfg.Proxy != "" {
		proxyURL, err := url.Parse(t.cfg.Proxy)
		if err != nil {
			return fmt.Errorf("parse proxy url: %w", err)
		}
		client = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}
	}

	bot, err := t.botFactory(t.cfg.Token, tgbotapi.APIEndpoint, client)
	if err != nil {
		return fmt.Errorf("create telegram bot: %w", err)
	}
	t.bot = bot
	t.log.Info("authorized", "bot", "@"+bot.GetSelf().UserName)
	return nil
}

// Start authorizes the bot. Polling is driven separately by Poll.
func (t *TelegramChannel) Start(ctx context.Context) error {
	if t.bot != nil {
		return nil
	}
	return t.initBot()
}

// Poll long-polls getUpdates until ctx is done, publishing every accepted
// update to the bus in order. Transient failures back off and retry; an
// auth failure ends polling with an error.
func (t *TelegramChannel) Poll(ctx context.Context) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	t.log.Info("polling started", "offset", t.offset)

	for ctx.Err() == nil {
		updates, err := backoff.Retry(ctx, t.fetchUpdates,
			backoff.WithBackOff(t.newBackOff()),
			backoff.WithNotify(func(err error, next time.Duration) {
				t.log.Warn("getUpdates failed", "err", err, "retry_in", next)
			}),
		)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if isAuthError(err) {
				return fmt.Errorf("poll updates: %w", err)
			}
			t.log.Error("polling backoff exhausted, starting over", "err", err)
			continue
		}

		for _, u := range updates {
			id := u.Get("update_id").Int()
			if id >= t.offset {
				t.offset = id + 1
			}
			ev, ok := t.normalize(u)
			if !ok {
				continue
			}
			if err := t.bus.Publish(ctx, ev); err != nil {
				return nil
			}
		}
	}
	t.log.Info("polling stopped")
	return nil
}

func (t *TelegramChannel) fetchUpdates() ([]gjson.Result, error) {
	params := tgbotapi.Params{}
	params.AddNonZero64("offset", t.offset)
	params.AddNonZero("timeout", t.cfg.PollTimeout)
	if err := params.AddInterface("allowed_updates", []string{"message", "edited_message", "callback_query"}); err != nil {
		return nil, backoff.Permanent(err)
	}

	resp, err := t.bot.MakeRequest("getUpdates", params)
	if err != nil {
		if isAuthError(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}
	result := gjson.ParseBytes(resp.Result)
	if !result.IsArray() {
		return nil, fmt.Errorf("getUpdates: unexpected result %s", truncate(string(resp.Result), 80))
	}
	return result.Array(), nil
}

func isAuthError(err error) bool {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return tgErr.Code == http.StatusUnauthorized || tgErr.Code == http.StatusNotFound
	}
	return false
}

func isRetryable(err error) bool {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return tgErr.Code == http.StatusTooManyRequests || tgErr.Code >= 500
	}
	return true
}

// SendText delivers text to a chat, or to one of its forum threads when
// threadID is non-zero, split into Telegram-sized chunks. The keyboard goes
// on the last chunk. It returns the ids of the messages sent so far, even on
// error.
func (t *TelegramChannel) SendText(ctx context.Context, chatID, threadID int64, text string, kb *tgbotapi.InlineKeyboardMarkup) ([]int64, error) {
	if t.bot == nil {
		return nil, fmt.Errorf("telegram bot not initialized")
	}

	chunks := ChunkText(text, MaxMessageChars)
	ids := make([]int64, 0, len(chunks))
	for i, chunk := range chunks {
		params := tgbotapi.Params{}
		params.AddNonZero64("chat_id", chatID)
		params.AddNonZero64("message_thread_id", threadID)
		params["text"] = chunk
		params.AddBool("disable_web_page_preview", true)
		if kb != nil && i == len(chunks)-1 {
			if err := params.AddInterface("reply_markup", kb); err != nil {
				return ids, fmt.Errorf("encode keyboard: %w", err)
			}
		}

		id, err := backoff.Retry(ctx, func() (int64, error) {
			resp, err := t.bot.MakeRequest("sendMessage", params)
			if err != nil {
				if !isRetryable(err) {
					return 0, backoff.Permanent(err)
				}
				return 0, err
			}
			return gjson.GetBytes(resp.Result, "message_id").Int(), nil
		}, backoff.WithBackOff(t.newBackOff()), backoff.WithMaxTries(t.sendTries))
		if err != nil {
			return ids, fmt.Errorf("send telegram message: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// EditText replaces a message's text and keyboard. Text over the limit is cut.
func (t *TelegramChannel) EditText(chatID, messageID int64, text string, kb tgbotapi.InlineKeyboardMarkup) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	edit := tgbotapi.NewEditMessageTextAndMarkup(chatID, int(messageID), clip(text, MaxMessageChars), kb)
	edit.DisableWebPagePreview = true
	if _, err := t.bot.Request(edit); err != nil {
		if strings.Contains(err.Error(), "message is not modified") {
			return nil
		}
		return fmt.Errorf("edit telegram message %d: %w", messageID, err)
	}
	return nil
}

// AnswerCallback acknowledges a button press so the client stops spinning.
func (t *TelegramChannel) AnswerCallback(id, text string) error {
	if t.bot == nil {
		return fmt.Errorf("telegram bot not initialized")
	}
	if _, err := t.bot.Request(tgbotapi.NewCallback(id, text)); err != nil {
		return fmt.Errorf("answer callback %s: %w", id, err)
	}
	return nil
}

func (t *TelegramChannel) Stop() error {
	t.log.Info("stopped")
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
