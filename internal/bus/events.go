package bus

import (
	"time"

	"github.com/stellarlinkco/chatclaw/internal/store"
)

// InboundMessage is one chat message delivered by a channel.
type InboundMessage struct {
	Channel   string
	SenderID  string
	ChatID    string
	Content   string
	Kind      store.Kind
	Timestamp time.Time
	// Addressed is set when the channel already knows the bot is spoken to:
	// private chats, replies to a bot message and explicit mentions.
	Addressed bool
	Metadata  map[string]any
}

// SessionKey identifies the conversation across channels.
func (m *InboundMessage) SessionKey() string {
	return m.Channel + ":" + m.ChatID
}

type OutboundMessage struct {
	Channel  string
	ChatID   string
	Content  string
	ReplyTo  string
	Metadata map[string]any
}

// ParseSessionKey splits a key built by SessionKey.
func ParseSessionKey(key string) (channel, chatID string, ok bool) {
	for i := 0; i < len(key); i++ {
		if key[i] == ':' {
			return key[:i], key[i+1:], i > 0 && i < len(key)-1
		}
	}
	return "", "", false
}
