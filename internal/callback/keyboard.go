package callback

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/elldeeone/rnd-digest/internal/activity"
	"github.com/elldeeone/rnd-digest/internal/chat"
	"github.com/elldeeone/rnd-digest/internal/evidence"
)

const pickerLabelChars = 24

func menuButton(text string, w Window, s Screen) tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardButtonData(text, Menu{Win: w, Screen: s}.Encode())
}

func detailButton(text string, w Window, a Action, topic chat.TopicID) tgbotapi.InlineKeyboardButton {
	return tgbotapi.NewInlineKeyboardButtonData(text, Detail{Win: w, Action: a, Topic: topic}.Encode())
}

// MainKeyboard offers the three top-level actions.
func MainKeyboard(w Window) tgbotapi.InlineKeyboardMarkup {
	return tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			menuButton("Teach me", w, ScreenTeach),
			menuButton("Receipts", w, ScreenReceipts),
			menuButton("Links", w, ScreenLinks),
		),
	)
}

// PickerKeyboard lists one button per ranked topic for the picker's action,
// then Back.
func PickerKeyboard(w Window, screen Screen, topics []activity.Topic) tgbotapi.InlineKeyboardMarkup {
	action := ActionTeach
	switch screen {
	case ScreenReceipts:
		action = ActionReceipts
	case ScreenLinks:
		action = ActionLinks
	}

	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(topics)+1)
	for _, t := range topics {
		text := fmt.Sprintf("T%d: %s", t.Index, evidence.Excerpt(t.Label, pickerLabelChars))
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(detailButton(text, w, action, t.ID)))
	}
	rows = append(rows, tgbotapi.NewInlineKeyboardRow(menuButton("Back", w, ScreenMain)))
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// DetailKeyboard links a detail screen to its siblings for the same topic,
// the picker it came from, and the main menu.
func DetailKeyboard(w Window, action Action, topic chat.TopicID) tgbotapi.InlineKeyboardMarkup {
	nav := tgbotapi.NewInlineKeyboardRow(
		menuButton("Pick topic", w, action.Picker()),
		menuButton("Back", w, ScreenMain),
	)

	switch action {
	case ActionTeach:
		return tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(detailButton("Details", w, ActionTeachDetail, topic)),
			tgbotapi.NewInlineKeyboardRow(
				detailButton("Receipts", w, ActionReceipts, topic),
				detailButton("Links", w, ActionLinks, topic),
			),
			nav,
		)
	case ActionTeachDetail:
		return tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(detailButton("Summary", w, ActionTeach, topic)),
			tgbotapi.NewInlineKeyboardRow(
				detailButton("Receipts", w, ActionReceipts, topic),
				detailButton("Links", w, ActionLinks, topic),
			),
			nav,
		)
	case ActionReceipts:
		return tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				detailButton("Teach me", w, ActionTeach, topic),
				detailButton("Links", w, ActionLinks, topic),
			),
			nav,
		)
	default:
		return tgbotapi.NewInlineKeyboardMarkup(
			tgbotapi.NewInlineKeyboardRow(
				detailButton("Teach me", w, ActionTeach, topic),
				detailButton("Receipts", w, ActionReceipts, topic),
			),
			nav,
		)
	}
}
