package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

// legacyV1SQL is the schema as the first release wrote it: no deleted_at,
// two-value consent, a foreign key on message.reference_id, no reaction
// table.
const legacyV1SQL = `
CREATE TABLE schema_version (
	schema_version INTEGER NOT NULL PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
CREATE TABLE user (
	user_id INTEGER PRIMARY KEY,
	human INTEGER NOT NULL
);
CREATE TABLE channel (
	channel_id INTEGER PRIMARY KEY,
	guild_id INTEGER
);
CREATE TABLE message (
	message_id INTEGER PRIMARY KEY,
	author_id INTEGER NOT NULL REFERENCES user(user_id),
	channel_id INTEGER NOT NULL REFERENCES channel(channel_id),
	reference_id INTEGER REFERENCES message(message_id),
	created_at INTEGER NOT NULL
);
CREATE TABLE message_revision (
	revision_id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER NOT NULL REFERENCES message(message_id),
	edited_at INTEGER NOT NULL,
	content TEXT NOT NULL,
	index_id INTEGER,
	UNIQUE (message_id, edited_at)
);
CREATE TABLE interaction (
	interaction_id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES user(user_id),
	message_id INTEGER REFERENCES message(message_id),
	channel_id INTEGER REFERENCES channel(channel_id),
	guild_id INTEGER,
	created_at INTEGER NOT NULL
);
CREATE TABLE consent_response (
	interaction_id INTEGER PRIMARY KEY REFERENCES interaction(interaction_id),
	response TEXT NOT NULL CHECK (response IN ('no', 'yes'))
);
CREATE TABLE consent_prompt (
	message_id INTEGER PRIMARY KEY REFERENCES message(message_id)
);
CREATE TABLE "index" (
	message_id INTEGER PRIMARY KEY REFERENCES message(message_id),
	index_id INTEGER
);
INSERT INTO schema_version (schema_version, applied_at) VALUES (1, 0);
`

func writeLegacyV1(t *testing.T, dbPath string) {
	t.Helper()
	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		t.Fatalf("open legacy db: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(legacyV1SQL); err != nil {
		t.Fatalf("create legacy schema: %v", err)
	}
	seed := []string{
		`INSERT INTO user VALUES (1, 1), (2, 1)`,
		`INSERT INTO channel VALUES (10, NULL)`,
		`INSERT INTO message VALUES (100, 1, 10, NULL, 1000)`,
		`INSERT INTO message VALUES (101, 2, 10, 100, 2000)`,
		`INSERT INTO message_revision (message_id, edited_at, content) VALUES (100, 1000, 'q'), (101, 2000, 'a')`,
		`INSERT INTO interaction VALUES (1, 1, NULL, NULL, NULL, 1500), (2, 2, NULL, NULL, NULL, 1600)`,
		`INSERT INTO consent_response VALUES (1, 'yes'), (2, 'no')`,
		`INSERT INTO "index" VALUES (100, 1), (101, NULL)`,
	}
	for _, stmt := range seed {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("seed legacy data: %v", err)
		}
	}
}

func TestMigrateFromV1(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "store.db")
	indexPath := filepath.Join(dir, "index.db")
	writeLegacyV1(t, dbPath)
	if err := os.WriteFile(indexPath, []byte("stale"), 0644); err != nil {
		t.Fatalf("write stale index: %v", err)
	}

	s, err := Open(dbPath, indexPath)
	if err != nil {
		t.Fatalf("Open failed on legacy db: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	version, err := s.schemaVersion()
	if err != nil {
		t.Fatalf("schemaVersion failed: %v", err)
	}
	if version != CurrentSchemaVersion {
		t.Errorf("schema version %d, want %d", version, CurrentSchemaVersion)
	}

	// v2: deleted_at exists and is usable.
	if err := s.MarkDeleted(ctx, 100, at(3000)); err != nil {
		t.Errorf("deleted_at column missing after migration: %v", err)
	}

	// v3: 'yes' became with_privacy, 'no' survived.
	if c, _ := s.Consent(ctx, 1); c != ConsentWithPrivacy {
		t.Errorf("migrated consent of user 1 is %s, want with_privacy", c)
	}
	if c, _ := s.Consent(ctx, 2); c != ConsentNo {
		t.Errorf("migrated consent of user 2 is %s, want no", c)
	}

	// v4: index rows cleared and the stale file removed, so everything is
	// re-examined against the new index.
	pending, err := s.UnindexedMessages(ctx, 10)
	if err != nil {
		t.Fatalf("UnindexedMessages failed: %v", err)
	}
	if len(pending) != 2 {
		t.Errorf("pending after migration %v, want both messages", pending)
	}
	if _, err := os.Stat(indexPath); !os.IsNotExist(err) {
		t.Errorf("stale index file not removed: %v", err)
	}

	// v4: reaction table present.
	if err := s.AddReaction(ctx, Reaction{MessageID: 100, UserID: 2, Emoji: "👍", CreatedAt: at(3000)}); err != nil {
		t.Errorf("reaction table missing after migration: %v", err)
	}

	// v5: a reference to a never-stored message is accepted.
	err = s.StoreMessage(ctx,
		Message{ID: 200, AuthorID: 1, ChannelID: 10, ReferenceID: int64p(9999), CreatedAt: at(4000)},
		User{ID: 1, Human: true}, Channel{ID: 10}, "replying to something unseen")
	if err != nil {
		t.Errorf("dangling reference rejected after migration: %v", err)
	}

	// Existing data survived.
	rev, err := s.LatestRevision(ctx, 101)
	if err != nil || rev.Content != "a" {
		t.Errorf("revision lost in migration: %v %v", rev, err)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "store.db")
	indexPath := filepath.Join(dir, "index.db")

	s, err := Open(dbPath, indexPath)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	mustStore(t, s,
		Message{ID: 1, AuthorID: 1, ChannelID: 10, CreatedAt: at(1000)},
		User{ID: 1, Human: true}, Channel{ID: 10}, "survives reopen")
	s.Close()

	s, err = Open(dbPath, indexPath)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s.Close()

	rev, err := s.LatestRevision(context.Background(), 1)
	if err != nil || rev.Content != "survives reopen" {
		t.Errorf("data lost across reopen: %v %v", rev, err)
	}
}

func TestNewerSchemaRejected(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "store.db")

	db, err := sql.Open(driverName, dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := db.Exec(`
		CREATE TABLE schema_version (schema_version INTEGER NOT NULL PRIMARY KEY, applied_at INTEGER NOT NULL);
		INSERT INTO schema_version VALUES (999, 0)`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	db.Close()

	if _, err := Open(dbPath, filepath.Join(dir, "index.db")); err == nil {
		t.Fatal("expected newer schema to be rejected")
	}
}

func int64p(v int64) *int64 { return &v }
