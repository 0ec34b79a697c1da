package privacy

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mimic/internal/store"
)

// fakeRoster serves fixed channel membership.
type fakeRoster struct {
	channels map[int64][]Member
}

func (f *fakeRoster) Members(_ context.Context, channelID int64) ([]Member, error) {
	return f.channels[channelID], nil
}

func newTestGate(t *testing.T, roster *fakeRoster) (*Gate, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "store.db"), filepath.Join(dir, "index.db"))
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewGate(s, roster), s
}

func seedAuthorMessage(t *testing.T, s *store.Store, consent store.Consent) *store.Message {
	t.Helper()
	ctx := context.Background()
	msg := store.Message{ID: 1, AuthorID: 1, ChannelID: 10, CreatedAt: time.Unix(100, 0).UTC()}
	err := s.StoreMessage(ctx, msg, store.User{ID: 1, Human: true}, store.Channel{ID: 10}, "something")
	if err != nil {
		t.Fatal(err)
	}
	if consent != "" {
		in := store.Interaction{ID: 1, UserID: 1, CreatedAt: time.Unix(200, 0).UTC()}
		if err := s.SetConsent(ctx, in, consent); err != nil {
			t.Fatal(err)
		}
	}
	return &msg
}

func TestWithoutPrivacyPassesAnywhere(t *testing.T) {
	g, s := newTestGate(t, &fakeRoster{})
	msg := seedAuthorMessage(t, s, store.ConsentWithoutPrivacy)

	ok, err := g.CanSendInChannel(context.Background(), msg, 99)
	if err != nil {
		t.Fatalf("CanSendInChannel failed: %v", err)
	}
	if !ok {
		t.Error("without_privacy content blocked")
	}
}

func TestNoConsentOriginChannelReflexive(t *testing.T) {
	g, s := newTestGate(t, &fakeRoster{})
	msg := seedAuthorMessage(t, s, "")

	// No consent record at all; the origin channel must still pass.
	ok, err := g.CanSendInChannel(context.Background(), msg, 10)
	if err != nil {
		t.Fatalf("CanSendInChannel failed: %v", err)
	}
	if !ok {
		t.Error("origin-channel send blocked for a no-consent author")
	}
}

func TestNoConsentSubsetCheckApplies(t *testing.T) {
	roster := &fakeRoster{channels: map[int64][]Member{
		10: {{UserID: 1}, {UserID: 2}},
		99: {{UserID: 1}, {UserID: 4}},
	}}
	g, s := newTestGate(t, roster)
	msg := seedAuthorMessage(t, s, "")

	// Absent consent gets the same audience rules as with_privacy.
	ok, err := g.CanSendInChannel(context.Background(), msg, 99)
	if err != nil {
		t.Fatalf("CanSendInChannel failed: %v", err)
	}
	if ok {
		t.Error("no-consent content passed to an audience outside the origin channel")
	}
}

func TestWithPrivacyOriginChannelReflexive(t *testing.T) {
	// No roster data at all; the origin channel must still pass.
	g, s := newTestGate(t, &fakeRoster{})
	msg := seedAuthorMessage(t, s, store.ConsentWithPrivacy)

	ok, err := g.CanSendInChannel(context.Background(), msg, 10)
	if err != nil {
		t.Fatalf("CanSendInChannel failed: %v", err)
	}
	if !ok {
		t.Error("origin channel blocked for with_privacy content")
	}
}

func TestWithPrivacySubsetCheck(t *testing.T) {
	roster := &fakeRoster{channels: map[int64][]Member{
		10: {{UserID: 1}, {UserID: 2}, {UserID: 3}},
		20: {{UserID: 1}, {UserID: 2}},             // subset of 10
		30: {{UserID: 1}, {UserID: 4}},             // user 4 cannot see 10
		40: {{UserID: 1}, {UserID: 99, Bot: true}}, // bot ignored
	}}
	g, s := newTestGate(t, roster)
	msg := seedAuthorMessage(t, s, store.ConsentWithPrivacy)
	ctx := context.Background()

	cases := []struct {
		dest int64
		want bool
	}{
		{20, true},
		{30, false},
		{40, true},
	}
	for _, c := range cases {
		ok, err := g.CanSendInChannel(ctx, msg, c.dest)
		if err != nil {
			t.Fatalf("CanSendInChannel(%d) failed: %v", c.dest, err)
		}
		if ok != c.want {
			t.Errorf("CanSendInChannel(%d) = %v, want %v", c.dest, ok, c.want)
		}
	}
}

func TestBotAuthorTreatedAsWithPrivacy(t *testing.T) {
	roster := &fakeRoster{channels: map[int64][]Member{
		10: {{UserID: 1}},
		30: {{UserID: 4}},
	}}
	g, s := newTestGate(t, roster)
	ctx := context.Background()

	msg := store.Message{ID: 1, AuthorID: 5, ChannelID: 10, CreatedAt: time.Unix(100, 0).UTC()}
	err := s.StoreMessage(ctx, msg, store.User{ID: 5, Human: false}, store.Channel{ID: 10}, "relayed text")
	if err != nil {
		t.Fatal(err)
	}

	// Same channel passes, a wider audience does not.
	if ok, _ := g.CanSendInChannel(ctx, &msg, 10); !ok {
		t.Error("bot content blocked in its own channel")
	}
	if ok, _ := g.CanSendInChannel(ctx, &msg, 30); ok {
		t.Error("bot content leaked to a different audience")
	}
}
