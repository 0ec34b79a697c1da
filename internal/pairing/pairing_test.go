package pairing

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"mimic/internal/store"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "store.db"), filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func at(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

func seedMessage(t *testing.T, s *store.Store, id, author, channel, sec int64, human bool, content string) *store.Message {
	t.Helper()
	msg := store.Message{ID: id, AuthorID: author, ChannelID: channel, CreatedAt: at(sec)}
	err := s.StoreMessage(context.Background(), msg,
		store.User{ID: author, Human: human}, store.Channel{ID: channel}, content)
	if err != nil {
		t.Fatalf("StoreMessage failed: %v", err)
	}
	return &msg
}

// seedConversation fills a channel with enough alternating human chatter to
// give the delay statistics something to chew on. Gaps are 10s each.
func seedConversation(t *testing.T, s *store.Store, channel int64) {
	t.Helper()
	for i := int64(0); i < 10; i++ {
		author := int64(1 + i%2)
		seedMessage(t, s, 1000+i, author, channel, 100+i*10, true, "chatter")
	}
}

func TestValidResponse(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)
	ctx := context.Background()

	human := seedMessage(t, s, 1, 1, 10, 100, true, "a real reply")
	bot := seedMessage(t, s, 2, 2, 10, 110, false, "beep")
	blank := seedMessage(t, s, 3, 3, 10, 120, true, "")

	rev, ok, err := r.ValidResponse(ctx, human)
	if err != nil || !ok {
		t.Fatalf("human message rejected: ok=%v err=%v", ok, err)
	}
	if rev.Content != "a real reply" {
		t.Errorf("revision content %q", rev.Content)
	}

	if _, ok, _ := r.ValidResponse(ctx, bot); ok {
		t.Error("bot message accepted as response")
	}
	if _, ok, _ := r.ValidResponse(ctx, blank); ok {
		t.Error("blank message accepted as response")
	}

	// Redacted: envelope without a revision.
	redacted := store.Message{ID: 4, AuthorID: 1, ChannelID: 10, CreatedAt: at(130)}
	if err := s.UpsertUser(ctx, store.User{ID: 1, Human: true}); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := r.ValidResponse(ctx, &redacted); ok {
		t.Error("message without revisions accepted as response")
	}
}

func TestResolvePromptByReference(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)
	ctx := context.Background()

	prompt := seedMessage(t, s, 1, 1, 10, 100, true, "question?")
	ref := prompt.ID
	response := store.Message{ID: 2, AuthorID: 2, ChannelID: 10, ReferenceID: &ref, CreatedAt: at(999999)}
	if err := s.StoreMessage(ctx, response, store.User{ID: 2, Human: true}, store.Channel{ID: 10}, "answer"); err != nil {
		t.Fatal(err)
	}

	// An explicit reference pairs even across a huge gap.
	got, err := r.ResolvePrompt(ctx, &response)
	if err != nil {
		t.Fatalf("ResolvePrompt failed: %v", err)
	}
	if got.ID != prompt.ID {
		t.Errorf("prompt %d, want %d", got.ID, prompt.ID)
	}
}

func TestResolvePromptReferenceSameAuthor(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)
	ctx := context.Background()

	prompt := seedMessage(t, s, 1, 1, 10, 100, true, "part one")
	ref := prompt.ID
	response := store.Message{ID: 2, AuthorID: 1, ChannelID: 10, ReferenceID: &ref, CreatedAt: at(110)}
	if err := s.StoreMessage(ctx, response, store.User{ID: 1, Human: true}, store.Channel{ID: 10}, "part two"); err != nil {
		t.Fatal(err)
	}

	if _, err := r.ResolvePrompt(ctx, &response); !errors.Is(err, ErrNoPrompt) {
		t.Errorf("self-reply accepted as pair: %v", err)
	}
}

func TestResolvePromptReferenceUnknown(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)
	ctx := context.Background()

	ref := int64(9999)
	response := store.Message{ID: 1, AuthorID: 1, ChannelID: 10, ReferenceID: &ref, CreatedAt: at(100)}
	if err := s.StoreMessage(ctx, response, store.User{ID: 1, Human: true}, store.Channel{ID: 10}, "into the void"); err != nil {
		t.Fatal(err)
	}

	if _, err := r.ResolvePrompt(ctx, &response); !errors.Is(err, ErrNoPrompt) {
		t.Errorf("dangling reference resolved: %v", err)
	}
}

func TestResolvePromptByTiming(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)
	ctx := context.Background()

	seedConversation(t, s, 10)
	// Last seeded message is 1009 at t=190. A reply shortly after pairs
	// with it; the conversation's delays are all 10s so the upper
	// quartile is 10s.
	response := seedMessage(t, s, 2000, 5, 10, 195, true, "quick reply")

	got, err := r.ResolvePrompt(ctx, response)
	if err != nil {
		t.Fatalf("ResolvePrompt failed: %v", err)
	}
	if got.ID != 1009 {
		t.Errorf("prompt %d, want 1009", got.ID)
	}

	// A reply long after the last message does not pair.
	late := seedMessage(t, s, 2001, 6, 10, 5000, true, "necropost")
	if _, err := r.ResolvePrompt(ctx, late); !errors.Is(err, ErrNoPrompt) {
		t.Errorf("late reply paired: %v", err)
	}
}

func TestResolvePromptDeletedBeforeResponse(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)
	ctx := context.Background()

	seedConversation(t, s, 10)
	if err := s.MarkDeleted(ctx, 1009, at(191)); err != nil {
		t.Fatal(err)
	}
	response := seedMessage(t, s, 2000, 5, 10, 195, true, "replying to nothing")

	if _, err := r.ResolvePrompt(ctx, response); !errors.Is(err, ErrNoPrompt) {
		t.Errorf("deleted prompt paired: %v", err)
	}
}

func TestResolvePromptInsufficientHistory(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)
	ctx := context.Background()

	seedMessage(t, s, 1, 1, 10, 100, true, "first ever message")
	response := seedMessage(t, s, 2, 2, 10, 105, true, "second ever")

	// One preceding message gives no delay data; timing cannot be judged.
	if _, err := r.ResolvePrompt(ctx, response); !errors.Is(err, ErrNoPrompt) {
		t.Errorf("paired without delay statistics: %v", err)
	}
}

func TestPromptRevisionUsesContentAtResponseTime(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)
	ctx := context.Background()

	prompt := seedMessage(t, s, 1, 1, 10, 100, true, "original wording")
	ref := prompt.ID
	response := store.Message{ID: 2, AuthorID: 2, ChannelID: 10, ReferenceID: &ref, CreatedAt: at(200)}
	if err := s.StoreMessage(ctx, response, store.User{ID: 2, Human: true}, store.Channel{ID: 10}, "reply"); err != nil {
		t.Fatal(err)
	}
	// The prompt is edited after the reply was written.
	if err := s.AddRevision(ctx, store.Revision{MessageID: 1, EditedAt: at(300), Content: "edited later"}); err != nil {
		t.Fatal(err)
	}

	rev, err := r.PromptRevision(ctx, &response)
	if err != nil {
		t.Fatalf("PromptRevision failed: %v", err)
	}
	if rev.Content != "original wording" {
		t.Errorf("prompt content %q, want the pre-edit wording", rev.Content)
	}
}

func TestUpperQuartileFallback(t *testing.T) {
	s := newTestStore(t)
	r := NewResolver(s)
	ctx := context.Background()

	got, err := r.UpperQuartileOr(ctx, 10, at(1000), 60*time.Second)
	if err != nil {
		t.Fatalf("UpperQuartileOr failed: %v", err)
	}
	if got != 60*time.Second {
		t.Errorf("fallback not used: %v", got)
	}

	seedConversation(t, s, 10)
	got, err = r.MedianDelayOr(ctx, 10, at(1000), 60*time.Second)
	if err != nil {
		t.Fatalf("MedianDelayOr failed: %v", err)
	}
	if got != 10*time.Second {
		t.Errorf("median %v, want 10s", got)
	}
}
