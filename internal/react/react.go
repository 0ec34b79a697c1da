// Package react learns emoji reactions from humans and replays them on
// semantically similar messages. Reactions live in their own ANN index,
// separate from the reply index, since they answer message content rather
// than prompt/response pairs.
package react

import (
	"context"
	"sync"
	"time"

	"mimic/internal/annindex"
	"mimic/internal/embedding"
	"mimic/internal/logging"
	"mimic/internal/store"
)

// DefaultMaxDistance is the widest cosine distance at which a learned
// reaction is still considered applicable.
const DefaultMaxDistance = 2.0

// Responder learns and suggests reactions.
type Responder struct {
	store       *store.Store
	index       *annindex.Index
	engine      embedding.Engine
	maxDistance float64

	// Vectors learned since the last rebuild, keyed by encoded bytes.
	mu    sync.Mutex
	batch map[string]int64
}

func NewResponder(s *store.Store, ix *annindex.Index, eng embedding.Engine, maxDistance float64) *Responder {
	if maxDistance <= 0 {
		maxDistance = DefaultMaxDistance
	}
	return &Responder{
		store:       s,
		index:       ix,
		engine:      eng,
		maxDistance: maxDistance,
		batch:       make(map[string]int64),
	}
}

// Learn records an emoji a user attached to a stored message, indexing the
// message content so similar messages can earn the same reaction. It is a
// no-op when the pair should not be learned: bot reactors, self-reactions
// and contentless messages teach nothing.
func (r *Responder) Learn(ctx context.Context, messageID, reactorID int64, emoji string) error {
	reactor, err := r.store.User(ctx, reactorID)
	if err == store.ErrNotFound {
		logging.React("Not learning reaction from unknown user %d", reactorID)
		return nil
	}
	if err != nil {
		return err
	}
	if !reactor.Human {
		logging.React("Not learning reaction from bot %d", reactorID)
		return nil
	}

	msg, err := r.store.Message(ctx, messageID)
	if err == store.ErrNotFound {
		logging.React("Not learning reaction on unknown message %d", messageID)
		return nil
	}
	if err != nil {
		return err
	}
	if msg.AuthorID == reactorID {
		logging.React("Not learning self-reaction on message %d", messageID)
		return nil
	}

	rev, err := r.store.LatestRevision(ctx, messageID)
	if err == store.ErrNotFound {
		logging.React("Not learning reaction on message %d with no stored content", messageID)
		return nil
	}
	if err != nil {
		return err
	}
	if rev.Content == "" {
		return nil
	}

	logging.React("Learning %s as a reaction to %q", emoji, rev.Content)
	vec, err := r.engine.Embed(ctx, rev.Content)
	if err != nil {
		return err
	}

	r.mu.Lock()
	indexID, err := r.index.InsertOrReuse(vec, r.batch)
	if err == nil {
		// Learned reactions are searchable immediately; one vector per
		// learn keeps the rebuild cheap.
		if err = r.index.Rebuild(); err == nil {
			r.batch = make(map[string]int64)
			err = r.index.Persist()
		}
	}
	r.mu.Unlock()
	if err != nil {
		return err
	}

	return r.store.AddReaction(ctx, store.Reaction{
		MessageID: messageID,
		UserID:    reactorID,
		Emoji:     emoji,
		IndexID:   &indexID,
		CreatedAt: time.Now().UTC(),
	})
}

// Reaction suggests an emoji for the given content, or ok=false when
// nothing learned is close enough.
func (r *Responder) Reaction(ctx context.Context, content string) (emoji string, ok bool, err error) {
	vec, err := r.engine.Embed(ctx, content)
	if err != nil {
		return "", false, err
	}

	results, err := r.index.Search(vec, 1)
	if err == annindex.ErrNoMatch {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	nearest := results[0]
	if nearest.Distance > r.maxDistance {
		logging.React("Not reacting: nearest learned message is at distance %.2f", nearest.Distance)
		return "", false, nil
	}

	emojis, err := r.store.ReactionEmojisByIndexID(ctx, nearest.ID)
	if err != nil {
		return "", false, err
	}
	if len(emojis) == 0 {
		return "", false, nil
	}

	logging.React("Suggesting %s at distance %.2f", emojis[0], nearest.Distance)
	return emojis[0], true, nil
}
