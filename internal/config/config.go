// Package config holds all mimic configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"mimic/internal/embedding"
	"mimic/internal/logging"
)

// Config holds all mimic configuration.
type Config struct {
	// DataDir is where the database and index files live.
	DataDir string `yaml:"data_dir"`

	Database  DatabaseConfig   `yaml:"database"`
	Index     IndexConfig      `yaml:"index"`
	Embedding embedding.Config `yaml:"embedding"`
	Reply     ReplyConfig      `yaml:"reply"`
	React     ReactConfig      `yaml:"react"`
	Metrics   MetricsConfig    `yaml:"metrics"`
	Logging   logging.Config   `yaml:"logging"`
}

// DatabaseConfig configures the message store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// IndexConfig configures the ANN indexes and the periodic indexing job.
type IndexConfig struct {
	Path       string `yaml:"path"`
	ReactPath  string `yaml:"react_path"`
	Dimensions int    `yaml:"dimensions"`
	// Cron controls when the indexing job runs.
	Cron    string `yaml:"cron"`
	SearchK int    `yaml:"search_k"`
}

// ReplyConfig configures reply timing.
type ReplyConfig struct {
	// DefaultMedianDelay stands in for the channel median when there is
	// not enough history to measure one.
	DefaultMedianDelay string `yaml:"default_median_delay"`
}

// ReactConfig configures the reaction engine.
type ReactConfig struct {
	MaxDistance float64 `yaml:"max_distance"`
}

// MetricsConfig configures the Prometheus endpoint. Empty Addr disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		DataDir: "data",

		Database: DatabaseConfig{
			Path: "data/mimic.db",
		},

		Index: IndexConfig{
			Path:       "data/index.db",
			ReactPath:  "data/react.db",
			Dimensions: 768,
			Cron:       "* * * * *",
			SearchK:    100,
		},

		Embedding: embedding.DefaultConfig(),

		Reply: ReplyConfig{
			DefaultMedianDelay: "60s",
		},

		React: ReactConfig{
			MaxDistance: 2.0,
		},

		Metrics: MetricsConfig{
			Addr: "",
		},

		Logging: logging.Config{
			Enabled: false,
			Dir:     "logs",
			Level:   "info",
		},
	}
}

// Load loads configuration from a YAML file, falling back to defaults when
// the file does not exist.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save saves configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.Embedding.GenAIAPIKey = key
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		c.Embedding.OllamaEndpoint = endpoint
	}
	if path := os.Getenv("MIMIC_DB"); path != "" {
		c.Database.Path = path
	}
	if dir := os.Getenv("MIMIC_DATA_DIR"); dir != "" {
		c.DataDir = dir
		c.Database.Path = filepath.Join(dir, "mimic.db")
		c.Index.Path = filepath.Join(dir, "index.db")
		c.Index.ReactPath = filepath.Join(dir, "react.db")
	}
}

// DefaultMedianDelay parses the configured fallback delay.
func (c *Config) DefaultMedianDelay() time.Duration {
	d, err := time.ParseDuration(c.Reply.DefaultMedianDelay)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Index.Path == "" || c.Index.ReactPath == "" {
		return fmt.Errorf("index paths are required")
	}
	if c.Index.Path == c.Index.ReactPath {
		return fmt.Errorf("reply and reaction indexes must use separate files")
	}
	if c.Index.Dimensions <= 0 {
		return fmt.Errorf("index dimensions must be positive")
	}
	if c.Index.SearchK <= 0 {
		return fmt.Errorf("search_k must be positive")
	}
	if c.React.MaxDistance < 0 || c.React.MaxDistance > 2 {
		return fmt.Errorf("react max_distance must be within [0, 2]")
	}
	return nil
}
