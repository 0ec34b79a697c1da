// Package embedding turns message text into fixed-length vectors for the
// retrieval index. Two backends are supported: a local Ollama server and the
// Google GenAI API. The engine is treated as an opaque function; identical
// text must produce identical vectors within one engine instance.
package embedding

import (
	"context"
	"fmt"
	"math"

	"mimic/internal/logging"
)

// Engine generates vector embeddings for text.
type Engine interface {
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch returns vectors for multiple texts in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the vector length this engine produces.
	Dimensions() int

	// Name identifies the engine for logs and stats.
	Name() string
}

// Config selects and configures an embedding backend.
type Config struct {
	// Provider is "ollama" or "genai".
	Provider string `yaml:"provider"`

	OllamaEndpoint string `yaml:"ollama_endpoint"`
	OllamaModel    string `yaml:"ollama_model"`

	GenAIAPIKey string `yaml:"genai_api_key"`
	GenAIModel  string `yaml:"genai_model"`
}

// DefaultConfig returns the local-first defaults.
func DefaultConfig() Config {
	return Config{
		Provider:       "ollama",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "embeddinggemma",
		GenAIModel:     "gemini-embedding-001",
	}
}

// NewEngine builds an engine from configuration.
func NewEngine(cfg Config) (Engine, error) {
	timer := logging.StartTimer(logging.CategoryEmbedding, "NewEngine")
	defer timer.Stop()

	logging.Embedding("Creating embedding engine: provider=%s", cfg.Provider)

	switch cfg.Provider {
	case "ollama":
		return NewOllamaEngine(cfg.OllamaEndpoint, cfg.OllamaModel)
	case "genai":
		return NewGenAIEngine(cfg.GenAIAPIKey, cfg.GenAIModel)
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %q (use \"ollama\" or \"genai\")", cfg.Provider)
	}
}

// CosineDistance returns 1 - cosine similarity, in [0, 2]. A zero-magnitude
// vector has no direction, so it gets the neutral distance 1 from everything,
// itself included.
func CosineDistance(a, b []float32) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("vector dimension mismatch: %d != %d", len(a), len(b))
	}

	var dot, na, nb float64
	for i := range a {
		af := float64(a[i])
		bf := float64(b[i])
		dot += af * bf
		na += af * af
		nb += bf * bf
	}
	if na == 0 || nb == 0 {
		return 1, nil
	}
	return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb)), nil
}
