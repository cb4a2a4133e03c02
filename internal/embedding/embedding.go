// Package embedding provides a pluggable interface for text embedding providers.
package embedding

import (
	"context"
	"fmt"
	"math"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
}

// CosineSimilarity computes cosine similarity between two vectors.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Options selects and configures an embedding provider.
type Options struct {
	Provider string // "hash" | "openai" | "ollama"
	Model    string
	BaseURL  string
	APIKey   string
	Dims     int

	// CacheSize is the number of embeddings kept in memory; 0 disables caching.
	CacheSize int64
}

// New builds the configured embedder, wrapped in a cache when CacheSize > 0.
func New(opts Options) (Embedder, error) {
	var e Embedder
	switch opts.Provider {
	case "", "hash":
		e = NewHashEmbedder(opts.Dims)
	case "openai":
		e = NewOpenAIEmbedder(opts.BaseURL, opts.APIKey, opts.Model, opts.Dims)
	case "ollama":
		e = NewOllamaEmbedder(opts.BaseURL, opts.Model)
	default:
		return nil, fmt.Errorf("unknown embedding provider %q (valid: hash, openai, ollama)", opts.Provider)
	}

	if opts.CacheSize > 0 {
		return NewCached(e, opts.CacheSize)
	}
	return e, nil
}
