package callback

import (
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elldeeone/rnd-digest/internal/activity"
	"github.com/elldeeone/rnd-digest/internal/chat"
)

var win = NewWindow(
	time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
	time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC),
)

func TestRoundTrip(t *testing.T) {
	var cases []Callback
	for _, s := range []Screen{ScreenMain, ScreenTeach, ScreenReceipts, ScreenLinks} {
		cases = append(cases, Menu{Win: win, Screen: s})
	}
	for _, a := range []Action{ActionTeach, ActionTeachDetail, ActionReceipts, ActionLinks} {
		for _, topic := range []chat.TopicID{chat.NoTopic(), chat.Thread(0), chat.Thread(1), chat.Thread(4821), chat.Thread(-3)} {
			cases = append(cases, Detail{Win: win, Action: a, Topic: topic})
		}
	}

	for _, c := range cases {
		token := c.Encode()
		assert.LessOrEqual(t, len(token), 64, token)
		got, ok := Decode(token)
		require.True(t, ok, token)
		assert.Equal(t, c, got, token)
	}
}

func TestNoneIsDistinctFromZero(t *testing.T) {
	none := Detail{Win: win, Action: ActionLinks, Topic: chat.NoTopic()}.Encode()
	zero := Detail{Win: win, Action: ActionLinks, Topic: chat.Thread(0)}.Encode()
	assert.NotEqual(t, none, zero)
	assert.True(t, strings.HasSuffix(none, "|n"))
}

func TestEncodeFormat(t *testing.T) {
	assert.Equal(t, "dg|1714521600|1714608000|menu|main", Menu{Win: win, Screen: ScreenMain}.Encode())
	assert.Equal(t, "dg|1714521600|1714608000|do|teach_detail|42", Detail{Win: win, Action: ActionTeachDetail, Topic: chat.Thread(42)}.Encode())
}

func TestDecodeRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"dg",
		"garbage",
		"dg|1714521600|1714608000|menu",
		"dg|1714521600|1714608000|menu|main|extra",
		"dg|1714521600|1714608000|menu|teach_detail",
		"dg|1714521600|1714608000|menu|nope",
		"dg|1714521600|1714608000|do|teach",
		"dg|1714521600|1714608000|do|teach|5|6",
		"dg|1714521600|1714608000|do|main|5",
		"dg|1714521600|1714608000|do|teach|x",
		"dg|1714521600|1714608000|do|teach|",
		"dg|1714521600|1714608000|do|teach|007",
		"dg|+1714521600|1714608000|menu|main",
		"dg|abc|1714608000|menu|main",
		"dg|1714521600|1.5|menu|main",
		"xx|1714521600|1714608000|menu|main",
		"dg|1714521600|1714608000|open|main",
		"dg|1714521600|1714608000|do|teach|99999999999999999999",
	} {
		got, ok := Decode(in)
		assert.False(t, ok, in)
		assert.Nil(t, got, in)
	}
}

func data(b tgbotapi.InlineKeyboardButton) string {
	if b.CallbackData == nil {
		return ""
	}
	return *b.CallbackData
}

func texts(kb tgbotapi.InlineKeyboardMarkup) [][]string {
	out := make([][]string, len(kb.InlineKeyboard))
	for i, row := range kb.InlineKeyboard {
		for _, b := range row {
			out[i] = append(out[i], b.Text)
		}
	}
	return out
}

func decoded(t *testing.T, b tgbotapi.InlineKeyboardButton) Callback {
	t.Helper()
	c, ok := Decode(data(b))
	require.True(t, ok, data(b))
	return c
}

func TestMainKeyboard(t *testing.T) {
	kb := MainKeyboard(win)
	assert.Equal(t, [][]string{{"Teach me", "Receipts", "Links"}}, texts(kb))
	assert.Equal(t, Menu{Win: win, Screen: ScreenTeach}, decoded(t, kb.InlineKeyboard[0][0]))
	assert.Equal(t, Menu{Win: win, Screen: ScreenLinks}, decoded(t, kb.InlineKeyboard[0][2]))
}

func TestPickerKeyboard(t *testing.T) {
	topics := []activity.Topic{
		{Index: 1, ID: chat.Thread(10), Label: "A very long topic title that keeps going"},
		{Index: 2, ID: chat.NoTopic(), Label: "No topic"},
	}
	kb := PickerKeyboard(win, ScreenReceipts, topics)
	assert.Equal(t, [][]string{
		{"T1: A very long topic title…"},
		{"T2: No topic"},
		{"Back"},
	}, texts(kb))
	assert.Equal(t, Detail{Win: win, Action: ActionReceipts, Topic: chat.Thread(10)}, decoded(t, kb.InlineKeyboard[0][0]))
	assert.Equal(t, Detail{Win: win, Action: ActionReceipts, Topic: chat.NoTopic()}, decoded(t, kb.InlineKeyboard[1][0]))
	assert.Equal(t, Menu{Win: win, Screen: ScreenMain}, decoded(t, kb.InlineKeyboard[2][0]))

	assert.Equal(t, [][]string{{"Back"}}, texts(PickerKeyboard(win, ScreenTeach, nil)))
}

func TestDetailKeyboardTransitions(t *testing.T) {
	topic := chat.Thread(7)

	kb := DetailKeyboard(win, ActionTeach, topic)
	assert.Equal(t, [][]string{{"Details"}, {"Receipts", "Links"}, {"Pick topic", "Back"}}, texts(kb))
	assert.Equal(t, Detail{Win: win, Action: ActionTeachDetail, Topic: topic}, decoded(t, kb.InlineKeyboard[0][0]))
	assert.Equal(t, Menu{Win: win, Screen: ScreenTeach}, decoded(t, kb.InlineKeyboard[2][0]))
	assert.Equal(t, Menu{Win: win, Screen: ScreenMain}, decoded(t, kb.InlineKeyboard[2][1]))

	kb = DetailKeyboard(win, ActionTeachDetail, topic)
	assert.Equal(t, [][]string{{"Summary"}, {"Receipts", "Links"}, {"Pick topic", "Back"}}, texts(kb))
	assert.Equal(t, Detail{Win: win, Action: ActionTeach, Topic: topic}, decoded(t, kb.InlineKeyboard[0][0]))
	assert.Equal(t, Menu{Win: win, Screen: ScreenTeach}, decoded(t, kb.InlineKeyboard[2][0]))

	kb = DetailKeyboard(win, ActionReceipts, topic)
	assert.Equal(t, [][]string{{"Teach me", "Links"}, {"Pick topic", "Back"}}, texts(kb))
	assert.Equal(t, Detail{Win: win, Action: ActionLinks, Topic: topic}, decoded(t, kb.InlineKeyboard[0][1]))
	assert.Equal(t, Menu{Win: win, Screen: ScreenReceipts}, decoded(t, kb.InlineKeyboard[1][0]))

	kb = DetailKeyboard(win, ActionLinks, chat.NoTopic())
	assert.Equal(t, [][]string{{"Teach me", "Receipts"}, {"Pick topic", "Back"}}, texts(kb))
	assert.Equal(t, Detail{Win: win, Action: ActionReceipts, Topic: chat.NoTopic()}, decoded(t, kb.InlineKeyboard[0][1]))
	assert.Equal(t, Menu{Win: win, Screen: ScreenLinks}, decoded(t, kb.InlineKeyboard[1][0]))
}
