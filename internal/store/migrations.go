// Schema migrations. Versions are forward-only; every database ever written
// by an older version of this program can be upgraded in place. A database
// written by a newer version aborts startup, since operating on an unknown
// schema risks corrupting it.
//
// Version history:
//
//	v1: baseline (user, channel, message, message_revision, interaction,
//	    consent_prompt, consent_response {no,yes}, "index", schema_version)
//	v2: message.deleted_at added
//	v3: consent_response widened to {no, with_privacy, without_privacy}
//	v4: reaction table added; full index reset (ANN file recreated)
//	v5: message.reference_id foreign key dropped (the referenced message
//	    may never have been observed)
package store

import (
	"database/sql"
	"fmt"
	"os"
	"time"

	"mimic/internal/logging"
)

// CurrentSchemaVersion is the schema this build reads and writes.
const CurrentSchemaVersion = 5

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	schema_version INTEGER NOT NULL PRIMARY KEY,
	applied_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS user (
	user_id INTEGER PRIMARY KEY,
	human INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS channel (
	channel_id INTEGER PRIMARY KEY,
	guild_id INTEGER
);
CREATE TABLE IF NOT EXISTS message (
	message_id INTEGER PRIMARY KEY,
	author_id INTEGER NOT NULL REFERENCES user(user_id),
	channel_id INTEGER NOT NULL REFERENCES channel(channel_id),
	reference_id INTEGER,
	created_at INTEGER NOT NULL,
	deleted_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_message_channel_created ON message(channel_id, created_at);
CREATE INDEX IF NOT EXISTS idx_message_author ON message(author_id);
CREATE TABLE IF NOT EXISTS message_revision (
	revision_id INTEGER PRIMARY KEY AUTOINCREMENT,
	message_id INTEGER NOT NULL REFERENCES message(message_id),
	edited_at INTEGER NOT NULL,
	content TEXT NOT NULL,
	index_id INTEGER,
	UNIQUE (message_id, edited_at)
);
CREATE TABLE IF NOT EXISTS interaction (
	interaction_id INTEGER PRIMARY KEY,
	user_id INTEGER NOT NULL REFERENCES user(user_id),
	message_id INTEGER REFERENCES message(message_id),
	channel_id INTEGER REFERENCES channel(channel_id),
	guild_id INTEGER,
	created_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS consent_response (
	interaction_id INTEGER PRIMARY KEY REFERENCES interaction(interaction_id),
	response TEXT NOT NULL CHECK (response IN ('no', 'with_privacy', 'without_privacy'))
);
CREATE TABLE IF NOT EXISTS consent_prompt (
	message_id INTEGER PRIMARY KEY REFERENCES message(message_id)
);
CREATE TABLE IF NOT EXISTS "index" (
	message_id INTEGER PRIMARY KEY REFERENCES message(message_id),
	index_id INTEGER
);
CREATE INDEX IF NOT EXISTS idx_index_index_id ON "index"(index_id);
CREATE TABLE IF NOT EXISTS reaction (
	message_id INTEGER NOT NULL REFERENCES message(message_id),
	user_id INTEGER NOT NULL REFERENCES user(user_id),
	emoji TEXT NOT NULL,
	index_id INTEGER,
	created_at INTEGER NOT NULL,
	PRIMARY KEY (message_id, user_id, emoji)
);
CREATE INDEX IF NOT EXISTS idx_reaction_index_id ON reaction(index_id);
`

// migrate brings the database up to CurrentSchemaVersion.
func (s *Store) migrate() error {
	timer := logging.StartTimer(logging.CategoryStore, "migrate")
	defer timer.Stop()

	version, err := s.schemaVersion()
	if err != nil {
		return err
	}

	if version == 0 {
		logging.Store("Creating new database at schema version %d", CurrentSchemaVersion)
		return s.createSchema()
	}
	if version == CurrentSchemaVersion {
		logging.StoreDebug("Schema already at version %d", version)
		return nil
	}
	if version < 0 {
		return fmt.Errorf("store: schema version %d is not valid", version)
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("store: schema version %d is not supported (%d is the newest supported)",
			version, CurrentSchemaVersion)
	}

	logging.Store("Migrating database from schema version %d to %d", version, CurrentSchemaVersion)
	return s.applyMigrations(version)
}

// schemaVersion returns the recorded version, or 0 for a blank database.
func (s *Store) schemaVersion() (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'schema_version'",
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: failed to inspect schema: %w", err)
	}
	if count == 0 {
		return 0, nil
	}

	var version int
	err = s.db.QueryRow(
		"SELECT schema_version FROM schema_version ORDER BY applied_at DESC, schema_version DESC LIMIT 1",
	).Scan(&version)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("store: failed to read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) createSchema() error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaSQL); err != nil {
		return fmt.Errorf("store: failed to create schema: %w", err)
	}
	if err := recordVersion(tx, CurrentSchemaVersion); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) applyMigrations(from int) error {
	// Table rebuilds below re-point foreign keys; disable enforcement for
	// the duration. This cannot be done inside a transaction.
	if _, err := s.db.Exec("PRAGMA foreign_keys = OFF"); err != nil {
		return err
	}
	defer s.db.Exec("PRAGMA foreign_keys = ON")

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	resetIndex := false

	if from < 2 {
		logging.Store("Migration v2: adding message.deleted_at")
		if _, err := tx.Exec("ALTER TABLE message ADD COLUMN deleted_at INTEGER"); err != nil {
			return fmt.Errorf("store: migration v2 failed: %w", err)
		}
	}

	if from < 3 {
		logging.Store("Migration v3: widening consent responses")
		if err := widenConsentResponses(tx); err != nil {
			return fmt.Errorf("store: migration v3 failed: %w", err)
		}
	}

	if from < 4 {
		logging.Store("Migration v4: adding reaction table, resetting index")
		if _, err := tx.Exec(`
			CREATE TABLE IF NOT EXISTS reaction (
				message_id INTEGER NOT NULL REFERENCES message(message_id),
				user_id INTEGER NOT NULL REFERENCES user(user_id),
				emoji TEXT NOT NULL,
				index_id INTEGER,
				created_at INTEGER NOT NULL,
				PRIMARY KEY (message_id, user_id, emoji)
			);
			CREATE INDEX IF NOT EXISTS idx_reaction_index_id ON reaction(index_id);
		`); err != nil {
			return fmt.Errorf("store: migration v4 failed: %w", err)
		}
		if _, err := tx.Exec(`DELETE FROM "index"`); err != nil {
			return fmt.Errorf("store: migration v4 failed: %w", err)
		}
		if _, err := tx.Exec("UPDATE message_revision SET index_id = NULL"); err != nil {
			return fmt.Errorf("store: migration v4 failed: %w", err)
		}
		// Only once, even when skipping over several versions.
		resetIndex = true
	}

	if from < 5 {
		logging.Store("Migration v5: dropping message.reference_id foreign key")
		if err := dropMessageReferenceFK(tx); err != nil {
			return fmt.Errorf("store: migration v5 failed: %w", err)
		}
	}

	if err := recordVersion(tx, CurrentSchemaVersion); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	if resetIndex && s.indexPath != "" && s.indexPath != ":memory:" {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(s.indexPath + suffix); err != nil && !os.IsNotExist(err) {
				logging.Get(logging.CategoryStore).Warn("failed to remove index file %s: %v", s.indexPath+suffix, err)
			}
		}
		logging.Store("Removed on-disk index at %s; it will be rebuilt from scratch", s.indexPath)
	}
	return nil
}

// widenConsentResponses converts {no, yes} to {no, with_privacy,
// without_privacy}. SQLite cannot alter CHECK constraints, so the table is
// rebuilt through a transitional shape that accepts the union of both value
// sets while 'yes' rows are rewritten.
func widenConsentResponses(tx *sql.Tx) error {
	steps := []string{
		`CREATE TABLE consent_response_transition (
			interaction_id INTEGER PRIMARY KEY REFERENCES interaction(interaction_id),
			response TEXT NOT NULL CHECK (response IN ('no', 'yes', 'with_privacy', 'without_privacy'))
		)`,
		`INSERT INTO consent_response_transition SELECT interaction_id, response FROM consent_response`,
		`DROP TABLE consent_response`,
		`UPDATE consent_response_transition SET response = 'with_privacy' WHERE response = 'yes'`,
		`CREATE TABLE consent_response (
			interaction_id INTEGER PRIMARY KEY REFERENCES interaction(interaction_id),
			response TEXT NOT NULL CHECK (response IN ('no', 'with_privacy', 'without_privacy'))
		)`,
		`INSERT INTO consent_response SELECT interaction_id, response FROM consent_response_transition`,
		`DROP TABLE consent_response_transition`,
	}
	for _, step := range steps {
		if _, err := tx.Exec(step); err != nil {
			return err
		}
	}
	return nil
}

// dropMessageReferenceFK rebuilds the message table without the self
// foreign key on reference_id. SQLite cannot drop a constraint in place.
func dropMessageReferenceFK(tx *sql.Tx) error {
	steps := []string{
		`CREATE TABLE message_new (
			message_id INTEGER PRIMARY KEY,
			author_id INTEGER NOT NULL REFERENCES user(user_id),
			channel_id INTEGER NOT NULL REFERENCES channel(channel_id),
			reference_id INTEGER,
			created_at INTEGER NOT NULL,
			deleted_at INTEGER
		)`,
		`INSERT INTO message_new
			SELECT message_id, author_id, channel_id, reference_id, created_at, deleted_at FROM message`,
		`DROP TABLE message`,
		`ALTER TABLE message_new RENAME TO message`,
		`CREATE INDEX IF NOT EXISTS idx_message_channel_created ON message(channel_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_message_author ON message(author_id)`,
	}
	for _, step := range steps {
		if _, err := tx.Exec(step); err != nil {
			return err
		}
	}
	return nil
}

func recordVersion(tx *sql.Tx, version int) error {
	_, err := tx.Exec(
		"INSERT OR REPLACE INTO schema_version (schema_version, applied_at) VALUES (?, ?)",
		version, tsMillis(time.Now()),
	)
	if err != nil {
		return fmt.Errorf("store: failed to record schema version: %w", err)
	}
	return nil
}
