package models

// ChatKind is the Telegram chat type.
type ChatKind string

const (
	ChatPrivate    ChatKind = "private"
	ChatGroup      ChatKind = "group"
	ChatSupergroup ChatKind = "supergroup"
	ChatChannel    ChatKind = "channel"
)

// IsChannelLike reports whether auto-replies may be posted into the chat.
func (k ChatKind) IsChannelLike() bool {
	return k == ChatChannel || k == ChatGroup || k == ChatSupergroup
}
