package embed

import (
	"context"
	"hash/fnv"
	"strings"

	"github.com/ragforge/ragforge/internal/errors"
)

// StaticEmbedder produces deterministic embeddings from token and trigram
// hashes. It needs no backend, which makes it the embedder for tests and for
// running the engine fully offline. Vectors capture lexical overlap only.
type StaticEmbedder struct {
	dims  int
	model string
}

var _ Embedder = (*StaticEmbedder)(nil)

// NewStaticEmbedder creates a hash-based embedder with the given dimension.
func NewStaticEmbedder(dims int) *StaticEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &StaticEmbedder{dims: dims, model: "static-hash"}
}

// Embed generates a deterministic embedding for text.
func (s *StaticEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New(errors.KindEmptyInput, "no text to embed")
	}
	return s.hashEmbed(text), nil
}

// EmbedBatch generates deterministic embeddings for multiple texts.
func (s *StaticEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errors.New(errors.KindEmptyInput, "no texts to embed")
	}
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, errors.New(errors.KindEmptyInput, "blank text in embedding batch")
		}
		vecs[i] = s.hashEmbed(t)
	}
	return vecs, nil
}

// hashEmbed accumulates token hashes (weight 0.7) and character trigram
// hashes (weight 0.3) into dimension buckets, then normalizes.
func (s *StaticEmbedder) hashEmbed(text string) []float32 {
	vec := make([]float32, s.dims)
	lower := strings.ToLower(text)

	for _, tok := range strings.Fields(lower) {
		h := fnv32(tok)
		vec[h%uint32(s.dims)] += 0.7
		// Second hash position reduces bucket collisions.
		vec[(h>>16)%uint32(s.dims)] += 0.35
	}

	compact := strings.Join(strings.Fields(lower), " ")
	for i := 0; i+3 <= len(compact); i++ {
		h := fnv32(compact[i : i+3])
		vec[h%uint32(s.dims)] += 0.3
	}

	return normalizeVector(vec)
}

func fnv32(s string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(s))
	return h.Sum32()
}

// Dimensions returns the embedding dimension.
func (s *StaticEmbedder) Dimensions() int {
	return s.dims
}

// ModelName returns the fixed model identifier.
func (s *StaticEmbedder) ModelName() string {
	return s.model
}

// Available always reports true.
func (s *StaticEmbedder) Available(context.Context) bool {
	return true
}

// Close is a no-op.
func (s *StaticEmbedder) Close() error {
	return nil
}
