// Package embed generates dense vector embeddings for chunks and queries.
//
// Providers implement the Embedder interface. The engine wires an
// OllamaEmbedder or OpenAIEmbedder behind a CachedEmbedder; tests use the
// deterministic StaticEmbedder.
package embed

import (
	"context"
	"math"
	"time"
)

// Default embedding parameters.
const (
	// DefaultDimensions is used when a provider cannot report its dimension.
	DefaultDimensions = 768

	// DefaultBatchSize bounds the number of texts per provider request.
	DefaultBatchSize = 32

	// DefaultTimeout bounds a single embedding request.
	DefaultTimeout = 60 * time.Second

	// healthCheckTimeout bounds the startup model probe. Cold model loads can
	// take tens of seconds.
	healthCheckTimeout = 120 * time.Second
)

// Embedder generates dense embeddings.
type Embedder interface {
	// Embed generates an embedding for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embeddings for multiple texts. The result is
	// index-aligned with the input.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the embedding dimension.
	Dimensions() int

	// ModelName returns the model identifier recorded on ingested documents.
	ModelName() string

	// Available reports whether the backend is reachable and the model loaded.
	Available(ctx context.Context) bool

	// Close releases provider resources.
	Close() error
}

// normalizeVector scales v to unit length in place and returns it. Zero
// vectors are returned unchanged.
func normalizeVector(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
	return v
}
