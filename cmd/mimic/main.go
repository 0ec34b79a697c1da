package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mimic/internal/config"
	"mimic/internal/logging"
)

var (
	// Global flags
	verbose     bool
	configPath  string
	metricsAddr string

	// Logger
	logger *zap.Logger
	cfg    *config.Config
)

// rootCmd represents the base command.
var rootCmd = &cobra.Command{
	Use:   "mimic",
	Short: "mimic - a bot that mimics the conversations it has seen",
	Long: `mimic holds conversations using only messages it has seen before.

It stores every message it can see (subject to each author's consent),
pairs responses with the prompts that provoked them, and indexes the
prompts as embedding vectors. When someone speaks, it retrieves the
stored responses whose prompts are nearest to the new message and
replays one, timed and filtered to fit the channel.

Run without arguments to start an interactive chat session against the
local corpus.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// A .env file is optional; environment wins when both are set.
		_ = godotenv.Load()

		zapCfg := zap.NewProductionConfig()
		if verbose {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = zapCfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
		if metricsAddr != "" {
			cfg.Metrics.Addr = metricsAddr
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		if err := logging.Configure(cfg.Logging); err != nil {
			return fmt.Errorf("failed to configure logging: %w", err)
		}

		logger.Debug("Configuration loaded",
			zap.String("path", configPath),
			zap.String("database", cfg.Database.Path),
			zap.String("embedding_provider", cfg.Embedding.Provider))
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runChat(cmd.Context())
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "mimic.yaml", "Configuration file")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(consentCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
