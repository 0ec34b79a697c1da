package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"mimic/internal/logging"
)

// Consent is a user's standing answer to having their messages reused.
type Consent string

const (
	// ConsentNo forbids any reuse. It is the default for humans who have
	// never answered.
	ConsentNo Consent = "no"
	// ConsentWithPrivacy allows reuse where the audience could already
	// have seen the original. It is forced for non-human authors.
	ConsentWithPrivacy Consent = "with_privacy"
	// ConsentWithoutPrivacy allows reuse anywhere.
	ConsentWithoutPrivacy Consent = "without_privacy"
)

// Valid reports whether c is one of the three known values.
func (c Consent) Valid() bool {
	switch c {
	case ConsentNo, ConsentWithPrivacy, ConsentWithoutPrivacy:
		return true
	}
	return false
}

// Interaction is a recorded consent interaction, such as a button press on
// a consent prompt.
type Interaction struct {
	ID        int64
	UserID    int64
	MessageID *int64
	ChannelID *int64
	GuildID   *int64
	CreatedAt time.Time
}

// Consent returns the user's effective consent.
//
// Non-human users always get ConsentWithPrivacy regardless of any recorded
// response; their output is already mechanical. Unknown users and humans
// who never answered get ConsentNo.
func (s *Store) Consent(ctx context.Context, userID int64) (Consent, error) {
	u, err := s.User(ctx, userID)
	if err == ErrNotFound {
		return ConsentNo, nil
	}
	if err != nil {
		return ConsentNo, err
	}
	if !u.Human {
		return ConsentWithPrivacy, nil
	}

	var response string
	err = s.db.QueryRowContext(ctx, `
		SELECT cr.response FROM consent_response cr
		JOIN interaction i ON i.interaction_id = cr.interaction_id
		WHERE i.user_id = ?
		ORDER BY i.created_at DESC, i.interaction_id DESC
		LIMIT 1`, userID).Scan(&response)
	if err == sql.ErrNoRows {
		return ConsentNo, nil
	}
	if err != nil {
		return ConsentNo, fmt.Errorf("store: failed to load consent of user %d: %w", userID, err)
	}

	c := Consent(response)
	if !c.Valid() {
		return ConsentNo, fmt.Errorf("store: user %d has unknown consent value %q", userID, response)
	}
	return c, nil
}

// SetConsent records a consent answer tied to the interaction that expressed
// it. Choosing ConsentNo also deletes every stored revision the user has
// ever written, in the same transaction, so a crash can never leave content
// retained against a recorded refusal. Message envelopes are kept.
func (s *Store) SetConsent(ctx context.Context, in Interaction, consent Consent) error {
	if !consent.Valid() {
		return fmt.Errorf("store: invalid consent value %q", consent)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := insertInteraction(tx, in); err != nil {
			return err
		}
		_, err := tx.Exec(`
			INSERT INTO consent_response (interaction_id, response) VALUES (?, ?)
			ON CONFLICT (interaction_id) DO UPDATE SET response = excluded.response`,
			in.ID, string(consent))
		if err != nil {
			return fmt.Errorf("store: failed to record consent of user %d: %w", in.UserID, err)
		}

		if consent == ConsentNo {
			n, err := deleteRevisionsByAuthor(tx, in.UserID)
			if err != nil {
				return err
			}
			logging.Consent("User %d revoked consent; deleted %d stored revisions", in.UserID, n)
		} else {
			logging.Consent("User %d set consent to %s", in.UserID, consent)
		}
		return nil
	})
}

func insertInteraction(tx *sql.Tx, in Interaction) error {
	_, err := tx.Exec(`
		INSERT INTO interaction (interaction_id, user_id, message_id, channel_id, guild_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (interaction_id) DO NOTHING`,
		in.ID, in.UserID, nullInt64(in.MessageID), nullInt64(in.ChannelID),
		nullInt64(in.GuildID), tsMillis(in.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: failed to insert interaction %d: %w", in.ID, err)
	}
	return nil
}

// RecordConsentPrompt marks an already-stored message as a consent prompt
// sent by this program.
func (s *Store) RecordConsentPrompt(ctx context.Context, messageID int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO consent_prompt (message_id) VALUES (?)
			ON CONFLICT (message_id) DO NOTHING`, messageID)
		if err != nil {
			return fmt.Errorf("store: failed to record consent prompt %d: %w", messageID, err)
		}
		return nil
	})
}

// HasConsentPromptInChannel reports whether a consent prompt was ever sent
// in the channel. Used to avoid re-introducing the program to the same
// person.
func (s *Store) HasConsentPromptInChannel(ctx context.Context, channelID int64) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM consent_prompt cp
		JOIN message m ON m.message_id = cp.message_id
		WHERE m.channel_id = ?`, channelID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("store: failed to check consent prompts in channel %d: %w", channelID, err)
	}
	return count > 0, nil
}
