package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// User is a message author. Human is false for bots and webhooks.
type User struct {
	ID    int64
	Human bool
}

// Channel is a place messages arrive in. GuildID is nil for direct messages.
type Channel struct {
	ID      int64
	GuildID *int64
}

// Message is the immutable envelope of an observed message. Its content
// lives in revisions; the envelope survives deletion and redaction.
type Message struct {
	ID          int64
	AuthorID    int64
	ChannelID   int64
	ReferenceID *int64
	CreatedAt   time.Time
	DeletedAt   *time.Time
}

// Deleted reports whether the message was deleted at or before t.
func (m *Message) Deleted(t time.Time) bool {
	return m.DeletedAt != nil && !m.DeletedAt.After(t)
}

// Revision is one observed state of a message's content. The original
// content is a revision with EditedAt equal to the message's CreatedAt.
// IndexID is set once the revision has been committed to the ANN index;
// nil means pending or ineligible.
type Revision struct {
	ID        int64
	MessageID int64
	EditedAt  time.Time
	Content   string
	IndexID   *int64
}

// UpsertUser records a user, updating the human flag if it changed.
func (s *Store) UpsertUser(ctx context.Context, u User) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertUser(tx, u)
	})
}

func upsertUser(tx *sql.Tx, u User) error {
	_, err := tx.Exec(`
		INSERT INTO user (user_id, human) VALUES (?, ?)
		ON CONFLICT (user_id) DO UPDATE SET human = excluded.human`,
		u.ID, boolInt(u.Human))
	if err != nil {
		return fmt.Errorf("store: failed to upsert user %d: %w", u.ID, err)
	}
	return nil
}

// User returns a user by id, or ErrNotFound.
func (s *Store) User(ctx context.Context, id int64) (*User, error) {
	var human int
	err := s.db.QueryRowContext(ctx,
		"SELECT human FROM user WHERE user_id = ?", id).Scan(&human)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load user %d: %w", id, err)
	}
	return &User{ID: id, Human: human != 0}, nil
}

// UpsertChannel records a channel, updating the guild if it changed.
func (s *Store) UpsertChannel(ctx context.Context, c Channel) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertChannel(tx, c)
	})
}

func upsertChannel(tx *sql.Tx, c Channel) error {
	_, err := tx.Exec(`
		INSERT INTO channel (channel_id, guild_id) VALUES (?, ?)
		ON CONFLICT (channel_id) DO UPDATE SET guild_id = excluded.guild_id`,
		c.ID, nullInt64(c.GuildID))
	if err != nil {
		return fmt.Errorf("store: failed to upsert channel %d: %w", c.ID, err)
	}
	return nil
}

// Channel returns a channel by id, or ErrNotFound.
func (s *Store) Channel(ctx context.Context, id int64) (*Channel, error) {
	var guild sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		"SELECT guild_id FROM channel WHERE channel_id = ?", id).Scan(&guild)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load channel %d: %w", id, err)
	}
	return &Channel{ID: id, GuildID: int64Ptr(guild)}, nil
}

// StoreMessage records a message envelope, its author and channel, and an
// initial content revision, all atomically. Storing the same message twice
// is a no-op; the envelope is immutable once written.
//
// content is what the author is willing to have recorded. Callers decide
// whether that is the real text or a redaction placeholder.
func (s *Store) StoreMessage(ctx context.Context, msg Message, author User, channel Channel, content string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertUser(tx, author); err != nil {
			return err
		}
		if err := upsertChannel(tx, channel); err != nil {
			return err
		}
		if err := insertMessage(tx, msg); err != nil {
			return err
		}
		return upsertRevision(tx, Revision{
			MessageID: msg.ID,
			EditedAt:  msg.CreatedAt,
			Content:   content,
		})
	})
}

// StoreMessageRedacted records that a message existed, with no content.
// Dropping non-consented messages entirely would create gaps in history
// and skew the delay statistics; the bare envelope keeps both honest.
func (s *Store) StoreMessageRedacted(ctx context.Context, msg Message, author User, channel Channel) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := upsertUser(tx, author); err != nil {
			return err
		}
		if err := upsertChannel(tx, channel); err != nil {
			return err
		}
		return insertMessage(tx, msg)
	})
}

func insertMessage(tx *sql.Tx, msg Message) error {
	_, err := tx.Exec(`
		INSERT INTO message (message_id, author_id, channel_id, reference_id, created_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`,
		msg.ID, msg.AuthorID, msg.ChannelID, nullInt64(msg.ReferenceID),
		tsMillis(msg.CreatedAt), nullTsMillis(msg.DeletedAt))
	if err != nil {
		return fmt.Errorf("store: failed to insert message %d: %w", msg.ID, err)
	}
	return nil
}

// AddRevision records an edited state of a message. Observing the same edit
// twice is a no-op. The message must already be stored.
func (s *Store) AddRevision(ctx context.Context, rev Revision) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return upsertRevision(tx, rev)
	})
}

func upsertRevision(tx *sql.Tx, rev Revision) error {
	_, err := tx.Exec(`
		INSERT INTO message_revision (message_id, edited_at, content)
		VALUES (?, ?, ?)
		ON CONFLICT (message_id, edited_at) DO NOTHING`,
		rev.MessageID, tsMillis(rev.EditedAt), rev.Content)
	if err != nil {
		return fmt.Errorf("store: failed to insert revision of message %d: %w", rev.MessageID, err)
	}
	return nil
}

// MarkDeleted records the deletion time of a message. The envelope and any
// revisions stay; Deleted() and the prompt pairing rules consult the mark.
func (s *Store) MarkDeleted(ctx context.Context, messageID int64, at time.Time) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"UPDATE message SET deleted_at = ? WHERE message_id = ? AND deleted_at IS NULL",
			tsMillis(at), messageID)
		if err != nil {
			return fmt.Errorf("store: failed to mark message %d deleted: %w", messageID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			// Unknown message or already marked; either way nothing to do.
			return nil
		}
		return nil
	})
}

const messageColumns = "message_id, author_id, channel_id, reference_id, created_at, deleted_at"

func scanMessage(row interface{ Scan(...interface{}) error }) (*Message, error) {
	var (
		m         Message
		reference sql.NullInt64
		created   int64
		deleted   sql.NullInt64
	)
	if err := row.Scan(&m.ID, &m.AuthorID, &m.ChannelID, &reference, &created, &deleted); err != nil {
		return nil, err
	}
	m.ReferenceID = int64Ptr(reference)
	m.CreatedAt = millisTime(created)
	m.DeletedAt = nullMillisTime(deleted)
	return &m, nil
}

// Message returns a message envelope by id, or ErrNotFound.
func (s *Store) Message(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+messageColumns+" FROM message WHERE message_id = ?", id)
	m, err := scanMessage(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load message %d: %w", id, err)
	}
	return m, nil
}

// LatestRevision returns the newest stored revision of a message, or
// ErrNotFound when no revision exists (redacted or never stored).
func (s *Store) LatestRevision(ctx context.Context, messageID int64) (*Revision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT revision_id, message_id, edited_at, content, index_id FROM message_revision
		WHERE message_id = ?
		ORDER BY edited_at DESC LIMIT 1`, messageID)
	return scanRevision(row, messageID)
}

// LatestRevisionBefore returns the newest revision edited strictly before
// t. This is the content a reader of the channel had seen by that moment.
func (s *Store) LatestRevisionBefore(ctx context.Context, messageID int64, t time.Time) (*Revision, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT revision_id, message_id, edited_at, content, index_id FROM message_revision
		WHERE message_id = ? AND edited_at < ?
		ORDER BY edited_at DESC LIMIT 1`, messageID, tsMillis(t))
	return scanRevision(row, messageID)
}

func scanRevision(row *sql.Row, messageID int64) (*Revision, error) {
	var (
		rev     Revision
		edited  int64
		indexID sql.NullInt64
	)
	err := row.Scan(&rev.ID, &rev.MessageID, &edited, &rev.Content, &indexID)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: failed to load revision of message %d: %w", messageID, err)
	}
	rev.EditedAt = millisTime(edited)
	rev.IndexID = int64Ptr(indexID)
	return &rev, nil
}

// HistoryBefore returns up to limit messages in the channel created strictly
// before t, newest first. Deleted messages are included; callers filter by
// deletion time where it matters.
func (s *Store) HistoryBefore(ctx context.Context, channelID int64, t time.Time, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE channel_id = ? AND created_at < ?
		ORDER BY created_at DESC, message_id DESC
		LIMIT ?`, channelID, tsMillis(t), limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to load history of channel %d: %w", channelID, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: failed to scan history row: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UnindexedMessages returns ids of messages that have never been through an
// indexing pass, oldest first.
func (s *Store) UnindexedMessages(ctx context.Context, limit int) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.message_id FROM message m
		LEFT JOIN "index" i ON i.message_id = m.message_id
		WHERE i.message_id IS NULL
		ORDER BY m.created_at ASC, m.message_id ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: failed to list unindexed messages: %w", err)
	}
	defer rows.Close()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// RecordIndexed marks a message as processed by indexing and stamps the
// indexed revision. indexID is nil when the message was examined and found
// unusable; the mark prevents it from being examined again. revisionID is
// nil when no revision was involved (redacted messages).
func (s *Store) RecordIndexed(ctx context.Context, messageID int64, revisionID, indexID *int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO "index" (message_id, index_id) VALUES (?, ?)
			ON CONFLICT (message_id) DO UPDATE SET index_id = excluded.index_id`,
			messageID, nullInt64(indexID))
		if err != nil {
			return fmt.Errorf("store: failed to record indexing of message %d: %w", messageID, err)
		}
		if revisionID != nil {
			_, err = tx.Exec(
				"UPDATE message_revision SET index_id = ? WHERE revision_id = ?",
				nullInt64(indexID), *revisionID)
			if err != nil {
				return fmt.Errorf("store: failed to stamp revision %d: %w", *revisionID, err)
			}
		}
		return nil
	})
}

// MessagesByIndexID returns all messages whose indexing pass stored the
// given vector, oldest first. Several messages share an index id when their
// prompts embedded to the same vector.
func (s *Store) MessagesByIndexID(ctx context.Context, indexID int64) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM message
		WHERE message_id IN (SELECT message_id FROM "index" WHERE index_id = ?)
		ORDER BY created_at ASC, message_id ASC`, indexID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to load messages for index id %d: %w", indexID, err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteRevisionsByAuthor removes every stored revision written by the
// author inside tx. Message envelopes are kept; only content goes.
func deleteRevisionsByAuthor(tx *sql.Tx, authorID int64) (int64, error) {
	res, err := tx.Exec(`
		DELETE FROM message_revision
		WHERE message_id IN (SELECT message_id FROM message WHERE author_id = ?)`,
		authorID)
	if err != nil {
		return 0, fmt.Errorf("store: failed to delete revisions of author %d: %w", authorID, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
