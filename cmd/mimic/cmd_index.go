package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/adhocore/gronx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var indexFollow bool

// indexCmd runs the indexing job from the command line.
var indexCmd = &cobra.Command{
	Use:   "index",
	Short: "Index unprocessed messages into the vector index",
	Long: `Runs one indexing pass: every stored message not yet examined is
paired with its prompt, the prompt content is embedded, and the vector
is added to the index. Messages with no usable prompt are marked
processed so they are never examined again.

With --follow the command keeps running and repeats the pass on the
configured cron schedule.`,
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().BoolVarP(&indexFollow, "follow", "f", false, "Keep running on the configured cron schedule")
}

func runIndex(cmd *cobra.Command, args []string) error {
	c, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	if err := c.manager.IndexNewRevisions(ctx); err != nil {
		return err
	}
	logger.Info("Index pass complete", zap.Duration("took", time.Since(start)))

	if !indexFollow {
		return nil
	}
	if !gronx.IsValid(cfg.Index.Cron) {
		return fmt.Errorf("invalid index cron expression: %q", cfg.Index.Cron)
	}

	for {
		next, err := gronx.NextTickAfter(cfg.Index.Cron, time.Now().UTC(), false)
		if err != nil {
			return err
		}
		logger.Info("Waiting for next scheduled pass", zap.Time("next", next))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Until(next)):
		}

		start = time.Now()
		if err := c.manager.IndexNewRevisions(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			logger.Error("Index pass failed", zap.Error(err))
			continue
		}
		logger.Info("Index pass complete", zap.Duration("took", time.Since(start)))
	}
}
