// Package embed turns search text into fixed-dimension vectors. The
// OpenAI-compatible client is the production path; the hash embedder
// keeps tests and offline runs deterministic.
package embed

import (
	"context"
	"math"
	"time"
)

const (
	// MinBatchSize is the smallest allowed request batch.
	MinBatchSize = 1
	// MaxBatchSize caps a request batch to bound memory and payload size.
	MaxBatchSize = 256
	// DefaultBatchSize is the default texts per request.
	DefaultBatchSize = 32

	// DefaultTimeout bounds one embedding request.
	DefaultTimeout = 30 * time.Second

	// DefaultConcurrency is how many batches are in flight at once.
	DefaultConcurrency = 4

	// DefaultMaxRetries bounds transient-error retries per batch.
	DefaultMaxRetries = 3
)

// Embedder generates vector embeddings for text.
type Embedder interface {
	// Embed generates the embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. The result is
	// index-aligned with the input.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier.
	ModelName() string

	// ProviderName returns the backing provider identifier.
	ProviderName() string

	// Available reports whether the embedder is ready.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// normalizeVector scales v to unit length. Zero vectors pass through.
func normalizeVector(v []float32) []float32 {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}

	magnitude := math.Sqrt(sumSquares)
	if magnitude == 0 {
		return v
	}

	normalized := make([]float32, len(v))
	for i, val := range v {
		normalized[i] = float32(float64(val) / magnitude)
	}
	return normalized
}
