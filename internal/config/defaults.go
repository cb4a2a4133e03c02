package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sekai-engine/sekai-memory/internal/retrieval"
)

const (
	defaultLLMProvider       = "openai"
	defaultLLMModel          = "gpt-4o-mini"
	defaultEmbeddingProvider = "hash"
	defaultEmbeddingDims     = 256
	defaultEmbeddingCache    = 4096
	defaultListen            = ":8090"
)

// DefaultDBPath is ~/.sekai-memory/memory.db.
func DefaultDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".sekai-memory", "memory.db")
}

// NewDefaultConfig returns a Config with defaults for all fields. This is the
// single source of truth for default values.
func NewDefaultConfig() *Config {
	r := retrieval.DefaultConfig()
	return &Config{
		Storage: StorageConfig{
			DBPath: DefaultDBPath(),
		},
		LLM: LLMConfig{
			Provider:    defaultLLMProvider,
			Model:       defaultLLMModel,
			Temperature: 0.7,
			MaxTokens:   1024,
			Judge:       "heuristic",
		},
		Embedding: EmbeddingConfig{
			Provider:  defaultEmbeddingProvider,
			Dims:      defaultEmbeddingDims,
			CacheSize: defaultEmbeddingCache,
		},
		Retrieval: RetrievalConfig{
			WeightRelevance:  r.Weights.Relevance,
			WeightProximity:  r.Weights.Proximity,
			WeightConfidence: r.Weights.Confidence,
			Lambda:           r.Lambda,
			MinRelevance:     DefaultMinRelevance(defaultEmbeddingProvider),
			Timeout:          r.Timeout,
			K:                r.K,
		},
		Orchestrator: OrchestratorConfig{
			RetrievalTimeout: 3 * time.Second,
			HistoryTurns:     8,
			ContextBudget:    1000,
		},
		Consistency: ConsistencyConfig{
			Workers:         3,
			QueueSize:       256,
			JobTimeout:      30 * time.Second,
			ScanConcurrency: 4,
			Detector:        "keyword",
		},
		API: APIConfig{
			Listen:          defaultListen,
			ShutdownTimeout: 10 * time.Second,
		},
	}
}

// DefaultMinRelevance is the retrieval floor used when none is configured.
// Model embedders separate related from unrelated text well enough for the
// semantic floor; the hash embedder only drops records with negative
// similarity.
func DefaultMinRelevance(embeddingProvider string) float64 {
	switch embeddingProvider {
	case "openai", "ollama":
		return retrieval.SemanticMinRelevance
	default:
		return 0
	}
}

// RetrievalSettings converts the retrieval section for the retrieval engine.
func (c *Config) RetrievalSettings() retrieval.Config {
	return retrieval.Config{
		Weights: retrieval.Weights{
			Relevance:  c.Retrieval.WeightRelevance,
			Proximity:  c.Retrieval.WeightProximity,
			Confidence: c.Retrieval.WeightConfidence,
		},
		Lambda:       c.Retrieval.Lambda,
		MinRelevance: c.Retrieval.MinRelevance,
		Timeout:      c.Retrieval.Timeout,
		K:            c.Retrieval.K,
	}
}
