// Package pairing decides which stored messages form plausible
// prompt/response pairs. The same rules gate both indexing (only real
// exchanges become training data) and retrieval (only real exchanges are
// replayed).
package pairing

import (
	"context"
	"errors"
	"time"

	"mimic/internal/history"
	"mimic/internal/logging"
	"mimic/internal/store"
)

// ErrNoPrompt is returned when a message has no resolvable valid prompt.
var ErrNoPrompt = errors.New("pairing: no valid prompt")

// historyLimit bounds how much channel history feeds the delay statistics.
const historyLimit = 100

// Resolver evaluates pairing rules against the store.
type Resolver struct {
	store *store.Store
}

func NewResolver(s *store.Store) *Resolver {
	return &Resolver{store: s}
}

// ValidResponse reports whether a message is usable as a response: its
// author is human and it has stored, non-empty content. The latest revision
// is returned when valid.
func (r *Resolver) ValidResponse(ctx context.Context, msg *store.Message) (*store.Revision, bool, error) {
	author, err := r.store.User(ctx, msg.AuthorID)
	if err == store.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if !author.Human {
		logging.IndexDebug("Message %d is not a valid response: author is not human", msg.ID)
		return nil, false, nil
	}

	rev, err := r.store.LatestRevision(ctx, msg.ID)
	if err == store.ErrNotFound {
		logging.IndexDebug("Message %d is not a valid response: no stored content", msg.ID)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if rev.Content == "" {
		logging.IndexDebug("Message %d is not a valid response: content is blank", msg.ID)
		return nil, false, nil
	}
	return rev, true, nil
}

// ResolvePrompt finds the message that plausibly triggered the given
// response, or ErrNoPrompt.
//
// An explicit reply-to reference is the sole valid prompt and skips the
// timing heuristics; it must still have a different author and must not
// have been deleted before the response was written. Without a reference,
// the immediately preceding channel message is the candidate, and the gap
// to it must not exceed the channel's upper-quartile reply delay.
func (r *Resolver) ResolvePrompt(ctx context.Context, response *store.Message) (*store.Message, error) {
	if response.ReferenceID != nil {
		prompt, err := r.store.Message(ctx, *response.ReferenceID)
		if err == store.ErrNotFound {
			logging.IndexDebug("Message %d references unknown message %d", response.ID, *response.ReferenceID)
			return nil, ErrNoPrompt
		}
		if err != nil {
			return nil, err
		}
		if !validPromptFor(prompt, response) {
			return nil, ErrNoPrompt
		}
		return prompt, nil
	}

	msgs, err := r.store.HistoryBefore(ctx, response.ChannelID, response.CreatedAt, historyLimit)
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		logging.IndexDebug("Message %d has no preceding messages", response.ID)
		return nil, ErrNoPrompt
	}

	prompt := msgs[0]
	if !validPromptFor(prompt, response) {
		return nil, ErrNoPrompt
	}

	delays, err := r.ChannelDelays(ctx, msgs)
	if err == history.ErrInsufficientData {
		logging.IndexDebug("Message %d has too little channel history to pair by timing", response.ID)
		return nil, ErrNoPrompt
	}
	if err != nil {
		return nil, err
	}

	gap := response.CreatedAt.Sub(prompt.CreatedAt)
	if gap > delays.Upper {
		logging.IndexDebug("Message %d came %v after the previous message, expected at most %v",
			response.ID, gap, delays.Upper)
		return nil, ErrNoPrompt
	}
	return prompt, nil
}

// PromptRevision resolves the prompt for a response and returns the prompt
// content as the response's author saw it, the newest revision edited
// before the response was written.
func (r *Resolver) PromptRevision(ctx context.Context, response *store.Message) (*store.Revision, error) {
	prompt, err := r.ResolvePrompt(ctx, response)
	if err != nil {
		return nil, err
	}
	rev, err := r.store.LatestRevisionBefore(ctx, prompt.ID, response.CreatedAt)
	if err == store.ErrNotFound {
		logging.IndexDebug("Prompt %d of message %d had no content when the response was written",
			prompt.ID, response.ID)
		return nil, ErrNoPrompt
	}
	if err != nil {
		return nil, err
	}
	return rev, nil
}

// ChannelDelays computes delay quartiles over a slice of channel history,
// resolving authorship through the store.
func (r *Resolver) ChannelDelays(ctx context.Context, msgs []*store.Message) (history.Delays, error) {
	humans := make(map[int64]bool)
	for _, m := range msgs {
		if _, ok := humans[m.AuthorID]; ok {
			continue
		}
		u, err := r.store.User(ctx, m.AuthorID)
		if err == store.ErrNotFound {
			humans[m.AuthorID] = false
			continue
		}
		if err != nil {
			return history.Delays{}, err
		}
		humans[m.AuthorID] = u.Human
	}
	return history.AnalyzeDelays(msgs, func(id int64) bool { return humans[id] })
}

// validPromptFor applies the rules common to both pairing paths: different
// authors, and the prompt was not deleted before the response existed.
func validPromptFor(prompt, response *store.Message) bool {
	if prompt.AuthorID == response.AuthorID {
		logging.IndexDebug("Messages %d and %d share an author", prompt.ID, response.ID)
		return false
	}
	if prompt.DeletedAt != nil && prompt.DeletedAt.Before(response.CreatedAt) {
		logging.IndexDebug("Message %d was deleted before message %d was written", prompt.ID, response.ID)
		return false
	}
	return true
}

// UpperQuartileOr returns the channel's upper-quartile delay for the
// history preceding t, or fallback when there is not enough data.
func (r *Resolver) UpperQuartileOr(ctx context.Context, channelID int64, t time.Time, fallback time.Duration) (time.Duration, error) {
	msgs, err := r.store.HistoryBefore(ctx, channelID, t, historyLimit)
	if err != nil {
		return 0, err
	}
	delays, err := r.ChannelDelays(ctx, msgs)
	if err == history.ErrInsufficientData {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	return delays.Upper, nil
}

// MedianDelayOr returns the channel's median reply delay for the history
// preceding t, or fallback when there is not enough data.
func (r *Resolver) MedianDelayOr(ctx context.Context, channelID int64, t time.Time, fallback time.Duration) (time.Duration, error) {
	msgs, err := r.store.HistoryBefore(ctx, channelID, t, historyLimit)
	if err != nil {
		return 0, err
	}
	delays, err := r.ChannelDelays(ctx, msgs)
	if err == history.ErrInsufficientData {
		return fallback, nil
	}
	if err != nil {
		return 0, err
	}
	return delays.Median, nil
}
