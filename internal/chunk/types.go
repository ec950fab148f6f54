// Package chunk splits normalized document text into bounded, overlapping
// chunks with boundary preference. Chunks are the retrieval unit for both the
// vector and lexical indexes.
package chunk

import (
	"strings"

	"github.com/ragforge/ragforge/internal/errors"
)

// Strategy selects the chunking variant.
type Strategy string

const (
	// StrategyFixedSize cuts at exact size boundaries.
	StrategyFixedSize Strategy = "fixed_size"
	// StrategySmart prefers sentence/paragraph/word boundaries near the cut.
	StrategySmart Strategy = "smart"
	// StrategySemantic is smart chunking with paragraph-first preference.
	StrategySemantic Strategy = "semantic"
)

// Default chunking parameters.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200

	// boundaryWindowRatio is the tail fraction of a chunk scanned for a
	// preferred boundary before cutting hard.
	boundaryWindowRatio = 0.2
)

// Params configures a split call.
type Params struct {
	ChunkSize         int      // Maximum characters per chunk
	ChunkOverlap      int      // Approximate overlap between consecutive chunks
	Strategy          Strategy // fixed_size, smart, semantic
	RespectBoundaries bool     // Scan backward for sentence/paragraph/word cuts
}

// DefaultParams returns the engine-wide chunking defaults.
func DefaultParams() Params {
	return Params{
		ChunkSize:         DefaultChunkSize,
		ChunkOverlap:      DefaultChunkOverlap,
		Strategy:          StrategySmart,
		RespectBoundaries: true,
	}
}

// Validate checks parameter sanity. Overlap must be strictly smaller than the
// chunk size; equal values would loop forever.
func (p Params) Validate() error {
	if p.ChunkSize <= 0 {
		return errors.Newf(errors.KindInvalidConfig, "chunk_size must be positive, got %d", p.ChunkSize)
	}
	if p.ChunkOverlap < 0 {
		return errors.Newf(errors.KindInvalidConfig, "chunk_overlap must be non-negative, got %d", p.ChunkOverlap)
	}
	if p.ChunkOverlap >= p.ChunkSize {
		return errors.Newf(errors.KindInvalidConfig, "chunk_overlap %d must be smaller than chunk_size %d", p.ChunkOverlap, p.ChunkSize)
	}
	return nil
}

// Chunk is one bounded slice of a document's normalized text.
type Chunk struct {
	Index     int    // Zero-based, dense, contiguous within the document
	Content   string // Non-empty after whitespace normalization
	CharCount int
	WordCount int
	StartChar int // Offset into the normalized text
	EndChar   int // Exclusive
}

// Splitter is the single split contract all strategies implement.
type Splitter interface {
	Split(text string, params Params) ([]Chunk, error)
}

// countWords returns the number of whitespace-separated tokens.
func countWords(s string) int {
	return len(strings.Fields(s))
}
