package chat

import (
	"fmt"
	"strings"
)

const privateChatOffset = 1_000_000_000_000

// MessageLink builds a t.me permalink. Public chats use the username form,
// private supergroups the /c/<internal id> form. The general thread (1) and
// messages without a topic link without a thread segment.
func MessageLink(chatID int64, username string, topic TopicID, messageID int64) string {
	var base string
	if u := strings.TrimPrefix(strings.TrimSpace(username), "@"); u != "" {
		base = "https://t.me/" + u
	} else {
		internal := -chatID - privateChatOffset
		if internal <= 0 {
			return ""
		}
		base = fmt.Sprintf("https://t.me/c/%d", internal)
	}
	if topic.Valid && topic.ID != 1 {
		return fmt.Sprintf("%s/%d/%d", base, topic.ID, messageID)
	}
	return fmt.Sprintf("%s/%d", base, messageID)
}
