package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Reaction is an emoji a user attached to a message. IndexID points at the
// vector under which the reacted-to content was indexed, nil when the
// content could not be embedded.
type Reaction struct {
	MessageID int64
	UserID    int64
	Emoji     string
	IndexID   *int64
	CreatedAt time.Time
}

// AddReaction records a reaction. Observing the same reaction twice keeps
// the first record.
func (s *Store) AddReaction(ctx context.Context, r Reaction) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO reaction (message_id, user_id, emoji, index_id, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT (message_id, user_id, emoji) DO NOTHING`,
			r.MessageID, r.UserID, r.Emoji, nullInt64(r.IndexID), tsMillis(r.CreatedAt))
		if err != nil {
			return fmt.Errorf("store: failed to insert reaction on message %d: %w", r.MessageID, err)
		}
		return nil
	})
}

// ReactionEmojisByIndexID returns the distinct emoji recorded under a
// vector, most frequent first.
func (s *Store) ReactionEmojisByIndexID(ctx context.Context, indexID int64) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT emoji FROM reaction
		WHERE index_id = ?
		GROUP BY emoji
		ORDER BY COUNT(*) DESC, MIN(created_at) ASC`, indexID)
	if err != nil {
		return nil, fmt.Errorf("store: failed to load reactions for index id %d: %w", indexID, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var emoji string
		if err := rows.Scan(&emoji); err != nil {
			return nil, err
		}
		out = append(out, emoji)
	}
	return out, rows.Err()
}
