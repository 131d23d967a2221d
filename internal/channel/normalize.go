package channel

import (
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/elldeeone/rnd-digest/internal/bus"
	"github.com/elldeeone/rnd-digest/internal/chat"
)

// serviceKeys mark messages that are chat events rather than conversation.
var serviceKeys = []string{
	"forum_topic_created",
	"forum_topic_edited",
	"forum_topic_closed",
	"forum_topic_reopened",
	"new_chat_members",
	"left_chat_member",
	"pinned_message",
	"new_chat_title",
	"delete_chat_photo",
	"group_chat_created",
	"supergroup_chat_created",
	"channel_chat_created",
	"message_auto_delete_timer_changed",
	"migrate_to_chat_id",
	"migrate_from_chat_id",
}

func (t *TelegramChannel) allowed(chatID int64) bool {
	if chatID == t.cfg.SourceChatID {
		return true
	}
	for _, id := range t.cfg.ControlChatIDs {
		if id == chatID {
			return true
		}
	}
	return false
}

// normalize turns one raw update into a bus event. Updates from chats that
// are neither the source nor a control chat are dropped.
func (t *TelegramChannel) normalize(u gjson.Result) (bus.InboundEvent, bool) {
	updateID := u.Get("update_id").Int()

	if cq := u.Get("callback_query"); cq.Exists() {
		chatID := cq.Get("message.chat.id").Int()
		if !t.allowed(chatID) {
			return bus.InboundEvent{}, false
		}
		return bus.InboundEvent{
			Kind:     bus.EventCallback,
			UpdateID: updateID,
			Callback: bus.CallbackQuery{
				ID:        cq.Get("id").String(),
				SenderID:  cq.Get("from.id").Int(),
				ChatID:    chatID,
				MessageID: cq.Get("message.message_id").Int(),
				Data:      cq.Get("data").String(),
			},
		}, true
	}

	msg, edited := u.Get("message"), false
	if !msg.Exists() {
		msg, edited = u.Get("edited_message"), true
	}
	if !msg.IsObject() {
		return bus.InboundEvent{}, false
	}

	m, ok := parseMessage(msg, edited)
	if !ok || !t.allowed(m.ChatID) {
		return bus.InboundEvent{}, false
	}

	ev := bus.InboundEvent{
		Kind:     bus.EventMessage,
		UpdateID: updateID,
		Message:  m,
		Raw:      []byte(u.Raw),
	}
	if m.Topic.Valid {
		for _, key := range []string{"forum_topic_created", "forum_topic_edited"} {
			if name := msg.Get(key + ".name"); name.Exists() && strings.TrimSpace(name.String()) != "" {
				ev.Topic = &bus.TopicEvent{ThreadID: m.Topic.ID, Title: name.String()}
			}
		}
	}
	return ev, true
}

func parseMessage(msg gjson.Result, edited bool) (chat.Message, bool) {
	chatID, messageID, date := msg.Get("chat.id"), msg.Get("message_id"), msg.Get("date")
	if chatID.Type != gjson.Number || messageID.Type != gjson.Number || date.Type != gjson.Number {
		return chat.Message{}, false
	}

	m := chat.Message{
		ChatID:       chatID.Int(),
		MessageID:    messageID.Int(),
		Timestamp:    time.Unix(date.Int(), 0).UTC(),
		FromID:       msg.Get("from.id").Int(),
		AuthorHandle: msg.Get("from.username").String(),
		AuthorDisplay: strings.TrimSpace(strings.Join([]string{
			msg.Get("from.first_name").String(),
			msg.Get("from.last_name").String(),
		}, " ")),
		ReplyToID: msg.Get("reply_to_message.message_id").Int(),
	}
	if thread := msg.Get("message_thread_id"); thread.Type == gjson.Number {
		m.Topic = chat.Thread(thread.Int())
	}

	if text := msg.Get("text"); text.Exists() {
		m.Text = text.String()
	} else {
		m.Text = msg.Get("caption").String()
	}

	for _, key := range serviceKeys {
		if msg.Get(key).Exists() {
			m.IsService = true
			break
		}
	}
	if edited {
		if ed := msg.Get("edit_date"); ed.Type == gjson.Number {
			m.EditedAt = time.Unix(ed.Int(), 0).UTC()
		}
	}
	return m, true
}
