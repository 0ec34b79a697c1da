package bot

import (
	"context"

	"mimic/internal/history"
	"mimic/internal/logging"
	"mimic/internal/store"
)

// isDirect reports whether a message appears to be talking to the bot.
// Direct messages are always answered, with no delay.
func (b *Bot) isDirect(ctx context.Context, msg IncomingMessage) (bool, error) {
	if msg.DM {
		return true, nil
	}
	if msg.Mentioned {
		return true, nil
	}

	// An explicit reply to one of the bot's messages is direct.
	if msg.ReferenceID != nil {
		ref, err := b.store.Message(ctx, *msg.ReferenceID)
		if err == store.ErrNotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return ref.AuthorID == b.client.BotUserID(), nil
	}

	// A prompt reply: the bot spoke last in this channel, and the
	// message followed within the channel's usual reply delay.
	msgs, err := b.store.HistoryBefore(ctx, msg.ChannelID, msg.CreatedAt, 100)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}
	previous := msgs[0]
	if previous.AuthorID != b.client.BotUserID() {
		return false, nil
	}

	delays, err := b.resolver.ChannelDelays(ctx, msgs)
	if err == history.ErrInsufficientData {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	gap := msg.CreatedAt.Sub(previous.CreatedAt)
	if gap < delays.Upper {
		logging.ReplyDebug("Message %d follows my own message within %v, treating as direct", msg.ID, gap)
		return true, nil
	}
	return false, nil
}
