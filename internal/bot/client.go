package bot

import (
	"context"
	"errors"
	"time"

	"mimic/internal/privacy"
)

// ErrPermission reports that the platform refused an operation, such as
// messaging a user with closed DMs. It is logged and abandoned, not
// retried.
var ErrPermission = errors.New("bot: permission denied")

// SentMessage identifies a message the client just sent.
type SentMessage struct {
	ID        int64
	ChannelID int64
	CreatedAt time.Time
}

// Client is the chat platform. It delivers events to the Bot's Handle
// methods and performs outbound operations. Implementations return
// ErrPermission (possibly wrapped) when the platform denies an action.
type Client interface {
	// BotUserID is the bot's own account id.
	BotUserID() int64

	// SendMessage posts content to a channel, optionally as an explicit
	// reply to another message.
	SendMessage(ctx context.Context, channelID int64, content string, replyTo *int64) (*SentMessage, error)

	// AddReaction attaches an emoji to a message.
	AddReaction(ctx context.Context, channelID, messageID int64, emoji string) error

	// Members lists the accounts currently able to view a channel.
	Members(ctx context.Context, channelID int64) ([]privacy.Member, error)

	// CreateDM opens (or finds) a direct-message channel with a user.
	CreateDM(ctx context.Context, userID int64) (int64, error)
}

// IncomingMessage is a message-arrived event.
type IncomingMessage struct {
	ID          int64
	AuthorID    int64
	AuthorHuman bool
	ChannelID   int64
	GuildID     *int64
	ReferenceID *int64
	Content     string
	CreatedAt   time.Time

	// DM marks a direct-message channel; Mentioned marks an explicit
	// @-mention of the bot. Both make the message direct.
	DM        bool
	Mentioned bool
}

// IncomingReaction is a reaction-added event.
type IncomingReaction struct {
	MessageID int64
	ChannelID int64
	UserID    int64
	Emoji     string
}

// MemberJoin is a member-joined event.
type MemberJoin struct {
	UserID    int64
	Human     bool
	GuildName string
}
