// Package callback is the navigation token codec for the digest menus.
//
// A token carries the whole navigation state, so any screen can be rebuilt
// after a restart:
//
//	dg|<start unix>|<end unix>|menu|<screen>
//	dg|<start unix>|<end unix>|do|<action>|<topic id or n>
package callback

import (
	"strconv"
	"strings"
	"time"

	"github.com/elldeeone/rnd-digest/internal/chat"
)

const (
	marker    = "dg"
	sep       = "|"
	kindMenu  = "menu"
	kindDo    = "do"
	noneToken = "n"
)

// Window is the [Start, End) range every screen of one digest shares.
type Window struct {
	Start time.Time
	End   time.Time
}

func NewWindow(start, end time.Time) Window {
	return Window{Start: start.UTC().Truncate(time.Second), End: end.UTC().Truncate(time.Second)}
}

// Screen names a menu screen: the main menu or a topic picker.
type Screen string

const (
	ScreenMain     Screen = "main"
	ScreenTeach    Screen = "teach"
	ScreenReceipts Screen = "receipts"
	ScreenLinks    Screen = "links"
)

func (s Screen) valid() bool {
	switch s {
	case ScreenMain, ScreenTeach, ScreenReceipts, ScreenLinks:
		return true
	}
	return false
}

// Action names a per-topic detail screen.
type Action string

const (
	ActionTeach       Action = "teach"
	ActionTeachDetail Action = "teach_detail"
	ActionReceipts    Action = "receipts"
	ActionLinks       Action = "links"
)

func (a Action) valid() bool {
	switch a {
	case ActionTeach, ActionTeachDetail, ActionReceipts, ActionLinks:
		return true
	}
	return false
}

// Picker is the topic picker screen a detail's "Pick topic" button returns to.
func (a Action) Picker() Screen {
	switch a {
	case ActionReceipts:
		return ScreenReceipts
	case ActionLinks:
		return ScreenLinks
	default:
		return ScreenTeach
	}
}

// Callback is either a Menu or a Detail.
type Callback interface {
	Window() Window
	Encode() string
	sealed()
}

// Menu shows the main menu or a topic picker. It never carries a topic.
type Menu struct {
	Win    Window
	Screen Screen
}

// Detail shows one action for one topic.
type Detail struct {
	Win    Window
	Action Action
	Topic  chat.TopicID
}

func (m Menu) Window() Window   { return m.Win }
func (d Detail) Window() Window { return d.Win }

func (Menu) sealed()   {}
func (Detail) sealed() {}

func (m Menu) Encode() string {
	return strings.Join([]string{marker, unix(m.Win.Start), unix(m.Win.End), kindMenu, string(m.Screen)}, sep)
}

func (d Detail) Encode() string {
	return strings.Join([]string{marker, unix(d.Win.Start), unix(d.Win.End), kindDo, string(d.Action), topicToken(d.Topic)}, sep)
}

// Decode parses a token. Anything malformed, including tokens from other
// features, reports false.
func Decode(data string) (Callback, bool) {
	parts := strings.Split(data, sep)
	if len(parts) < 5 || parts[0] != marker {
		return nil, false
	}
	start, ok := parseCanonical(parts[1])
	if !ok {
		return nil, false
	}
	end, ok := parseCanonical(parts[2])
	if !ok {
		return nil, false
	}
	win := Window{Start: time.Unix(start, 0).UTC(), End: time.Unix(end, 0).UTC()}

	switch parts[3] {
	case kindMenu:
		screen := Screen(parts[4])
		if len(parts) != 5 || !screen.valid() {
			return nil, false
		}
		return Menu{Win: win, Screen: screen}, true
	case kindDo:
		action := Action(parts[4])
		if len(parts) != 6 || !action.valid() {
			return nil, false
		}
		topic, ok := parseTopic(parts[5])
		if !ok {
			return nil, false
		}
		return Detail{Win: win, Action: action, Topic: topic}, true
	}
	return nil, false
}

func unix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}

func topicToken(t chat.TopicID) string {
	if t.IsNone() {
		return noneToken
	}
	return strconv.FormatInt(t.ID, 10)
}

func parseTopic(s string) (chat.TopicID, bool) {
	if s == noneToken {
		return chat.NoTopic(), true
	}
	id, ok := parseCanonical(s)
	if !ok {
		return chat.TopicID{}, false
	}
	return chat.Thread(id), true
}

// parseCanonical rejects forms the encoder never produces, such as "+5" or "007".
func parseCanonical(s string) (int64, bool) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || strconv.FormatInt(v, 10) != s {
		return 0, false
	}
	return v, true
}
