// Package interactive turns a pressed button into the next screen.
package interactive

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/elldeeone/rnd-digest/internal/activity"
	"github.com/elldeeone/rnd-digest/internal/callback"
	"github.com/elldeeone/rnd-digest/internal/chat"
	"github.com/elldeeone/rnd-digest/internal/logging"
	"github.com/elldeeone/rnd-digest/internal/store"
)

const screenFailed = "Could not build this screen right now. Try again shortly."

type Overviewer interface {
	Overview(ctx context.Context, start, end time.Time) (string, error)
}

type Ranker interface {
	Activity(ctx context.Context, chatID int64, start, end time.Time, limit int) ([]activity.Topic, error)
}

type Views interface {
	Teach(ctx context.Context, topic chat.TopicID, start, end time.Time, detail bool) (string, error)
	Receipts(ctx context.Context, topic chat.TopicID, start, end time.Time) (string, error)
	Links(ctx context.Context, topic chat.TopicID, start, end time.Time) (string, error)
}

// DigestLookup finds the recorded digest a delivered message belongs to.
type DigestLookup interface {
	DigestByDeliveryID(ctx context.Context, deliveryChatID, messageID int64) (chat.Digest, error)
}

// Screen is a message body plus the keyboard to show under it.
type Screen struct {
	Text     string
	Keyboard tgbotapi.InlineKeyboardMarkup
}

type Resolver struct {
	overview  Overviewer
	ranker    Ranker
	views     Views
	digests   DigestLookup
	chatID    int64
	maxTopics int
	log       *log.Logger
}

// NewResolver wires the screen builders. digests may be nil, in which case
// the main screen is always rebuilt.
func NewResolver(overview Overviewer, ranker Ranker, views Views, digests DigestLookup, chatID int64, maxTopics int, logger *log.Logger) *Resolver {
	if maxTopics <= 0 {
		maxTopics = 12
	}
	if logger == nil {
		logger = logging.For("interactive")
	}
	return &Resolver{
		overview:  overview,
		ranker:    ranker,
		views:     views,
		digests:   digests,
		chatID:    chatID,
		maxTopics: maxTopics,
		log:       logger,
	}
}

// MainScreen is what a freshly delivered digest shows under its overview.
func (r *Resolver) MainScreen(ctx context.Context, w callback.Window) Screen {
	return r.Show(ctx, callback.Menu{Win: w, Screen: callback.ScreenMain})
}

// Resolve decodes data pressed on message messageID of chatID and renders
// the screen it names. Tokens that do not decode report false and must be
// acknowledged without any edit. Going back to the main screen of a recorded
// digest shows the overview that was delivered with it.
func (r *Resolver) Resolve(ctx context.Context, chatID, messageID int64, data string) (Screen, bool) {
	cb, ok := callback.Decode(data)
	if !ok {
		r.log.Debug("ignoring unknown callback", "data", data)
		return Screen{}, false
	}
	if m, isMenu := cb.(callback.Menu); isMenu && m.Screen == callback.ScreenMain {
		if text, found := r.deliveredOverview(ctx, chatID, messageID, m.Win); found {
			return Screen{Text: text, Keyboard: callback.MainKeyboard(m.Win)}, true
		}
	}
	return r.Show(ctx, cb), true
}

func (r *Resolver) deliveredOverview(ctx context.Context, chatID, messageID int64, w callback.Window) (string, bool) {
	if r.digests == nil || messageID == 0 {
		return "", false
	}
	d, err := r.digests.DigestByDeliveryID(ctx, chatID, messageID)
	if err != nil {
		if !store.IsNotFound(err) {
			r.log.Warn("digest lookup failed", "message_id", messageID, "err", err)
		}
		return "", false
	}
	if d.Overview == "" || !d.WindowStart.Equal(w.Start) || !d.WindowEnd.Equal(w.End) {
		return "", false
	}
	return d.Overview, true
}

// Show renders a decoded callback. Builder errors degrade to a short notice
// with the keyboard still attached so the user can navigate away.
func (r *Resolver) Show(ctx context.Context, cb callback.Callback) Screen {
	w := cb.Window()
	switch c := cb.(type) {
	case callback.Menu:
		if c.Screen == callback.ScreenMain {
			kb := callback.MainKeyboard(w)
			text, err := r.overview.Overview(ctx, w.Start, w.End)
			if err != nil {
				r.log.Error("overview failed", "err", err)
				return Screen{Text: screenFailed, Keyboard: kb}
			}
			return Screen{Text: text, Keyboard: kb}
		}
		return r.picker(ctx, w, c.Screen)

	case callback.Detail:
		kb := callback.DetailKeyboard(w, c.Action, c.Topic)
		text, err := r.detail(ctx, c)
		if err != nil {
			r.log.Error("detail screen failed", "action", c.Action, "topic", c.Topic, "err", err)
			return Screen{Text: screenFailed, Keyboard: kb}
		}
		return Screen{Text: text, Keyboard: kb}
	}
	return Screen{Text: screenFailed, Keyboard: callback.MainKeyboard(w)}
}

func (r *Resolver) detail(ctx context.Context, c callback.Detail) (string, error) {
	start, end := c.Win.Start, c.Win.End
	switch c.Action {
	case callback.ActionTeach:
		return r.views.Teach(ctx, c.Topic, start, end, false)
	case callback.ActionTeachDetail:
		return r.views.Teach(ctx, c.Topic, start, end, true)
	case callback.ActionReceipts:
		return r.views.Receipts(ctx, c.Topic, start, end)
	case callback.ActionLinks:
		return r.views.Links(ctx, c.Topic, start, end)
	}
	return "", fmt.Errorf("unknown action %q", c.Action)
}

func (r *Resolver) picker(ctx context.Context, w callback.Window, screen callback.Screen) Screen {
	topics, err := r.ranker.Activity(ctx, r.chatID, w.Start, w.End, r.maxTopics)
	if err != nil {
		r.log.Error("picker activity failed", "screen", screen, "err", err)
		return Screen{Text: screenFailed, Keyboard: callback.PickerKeyboard(w, screen, nil)}
	}

	text := fmt.Sprintf("%s: pick a topic\nWindow (UTC): %s", pickerTitle(screen), chat.WindowRange(w.Start, w.End))
	if len(topics) == 0 {
		text += "\n\nNo messages in window."
	}
	return Screen{Text: text, Keyboard: callback.PickerKeyboard(w, screen, topics)}
}

func pickerTitle(s callback.Screen) string {
	switch s {
	case callback.ScreenReceipts:
		return "Receipts"
	case callback.ScreenLinks:
		return "Links"
	default:
		return "Teach me"
	}
}
