package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mimic/internal/store"
)

// consentCmd inspects and sets consent from the command line.
var consentCmd = &cobra.Command{
	Use:   "consent",
	Short: "Inspect or set a user's consent",
}

var consentGetCmd = &cobra.Command{
	Use:   "get [user-id]",
	Short: "Show the consent currently in effect for a user",
	Args:  cobra.ExactArgs(1),
	RunE:  runConsentGet,
}

var consentSetCmd = &cobra.Command{
	Use:   "set [user-id] [no|with_privacy|without_privacy]",
	Short: "Record a consent answer on a user's behalf",
	Long: `Records a consent answer as if the user had given it. Setting "no"
also deletes every stored revision authored by the user; their message
envelopes remain so conversation history stays coherent.`,
	Args: cobra.ExactArgs(2),
	RunE: runConsentSet,
}

func init() {
	consentCmd.AddCommand(consentGetCmd)
	consentCmd.AddCommand(consentSetCmd)
}

func runConsentGet(cmd *cobra.Command, args []string) error {
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q", args[0])
	}

	s, err := store.Open(cfg.Database.Path, cfg.Index.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	consent, err := s.Consent(cmd.Context(), userID)
	if err != nil {
		return err
	}
	fmt.Printf("user %d: %s\n", userID, consent)
	return nil
}

func runConsentSet(cmd *cobra.Command, args []string) error {
	userID, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid user id %q", args[0])
	}
	consent := store.Consent(args[1])
	if !consent.Valid() {
		return fmt.Errorf("invalid consent %q (use no, with_privacy or without_privacy)", args[1])
	}

	s, err := store.Open(cfg.Database.Path, cfg.Index.Path)
	if err != nil {
		return err
	}
	defer s.Close()

	// Consent is only ever asked of humans.
	if err := s.UpsertUser(cmd.Context(), store.User{ID: userID, Human: true}); err != nil {
		return err
	}
	in := store.Interaction{
		ID:        time.Now().UnixNano(),
		UserID:    userID,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.SetConsent(cmd.Context(), in, consent); err != nil {
		return err
	}

	logger.Info("Consent recorded",
		zap.Int64("user", userID),
		zap.String("consent", string(consent)))
	fmt.Printf("user %d: %s\n", userID, consent)
	return nil
}
