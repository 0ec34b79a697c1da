// Package privacy decides whether stored content may be replayed to a
// given audience, based on the original author's consent and on channel
// membership.
package privacy

import (
	"context"

	"mimic/internal/logging"
	"mimic/internal/store"
)

// Member is one account able to view a channel.
type Member struct {
	UserID int64
	Bot    bool
}

// Roster resolves the current audience of a channel. Implemented by the
// chat-platform client.
type Roster interface {
	Members(ctx context.Context, channelID int64) ([]Member, error)
}

// Gate evaluates the visibility rules.
type Gate struct {
	store  *store.Store
	roster Roster
}

func NewGate(s *store.Store, r Roster) *Gate {
	return &Gate{store: s, roster: r}
}

// CanSendInChannel reports whether a stored message may be replayed into
// the destination channel.
//
// without_privacy passes everywhere. Everything else passes into the
// origin channel itself, or into any channel whose human audience is a
// subset of the origin's. The gate is reflexive even without a consent
// record; no-consent content has no stored revisions to replay anyway.
// Bots are excluded from both sides of the subset check; they do not see
// in the sense privacy cares about.
func (g *Gate) CanSendInChannel(ctx context.Context, msg *store.Message, destChannelID int64) (bool, error) {
	log := logging.Get(logging.CategoryPrivacy)

	consent, err := g.store.Consent(ctx, msg.AuthorID)
	if err != nil {
		return false, err
	}

	if consent == store.ConsentWithoutPrivacy {
		log.Debug("Message %d passes: author %d consented without privacy", msg.ID, msg.AuthorID)
		return true, nil
	}

	if msg.ChannelID == destChannelID {
		log.Debug("Message %d passes: destination is its origin channel", msg.ID)
		return true, nil
	}

	origin, err := g.roster.Members(ctx, msg.ChannelID)
	if err != nil {
		return false, err
	}
	originSet := make(map[int64]struct{}, len(origin))
	for _, m := range origin {
		if !m.Bot {
			originSet[m.UserID] = struct{}{}
		}
	}

	dest, err := g.roster.Members(ctx, destChannelID)
	if err != nil {
		return false, err
	}
	for _, m := range dest {
		if m.Bot {
			continue
		}
		if _, ok := originSet[m.UserID]; !ok {
			log.Debug("Message %d blocked: user %d in channel %d cannot see origin channel %d",
				msg.ID, m.UserID, destChannelID, msg.ChannelID)
			return false, nil
		}
	}

	log.Debug("Message %d passes: everyone in channel %d can see origin channel %d",
		msg.ID, destChannelID, msg.ChannelID)
	return true, nil
}
