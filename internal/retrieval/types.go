// Package retrieval implements dense, lexical, and hybrid chunk retrieval
// with optional MMR diversification, windowed neighbor expansion, and
// bounded context assembly.
package retrieval

import (
	"github.com/ragforge/ragforge/internal/store"
)

// Source types recorded on retrieved chunks.
const (
	SourceDense   = "dense"
	SourceLexical = "lexical"
	SourceHybrid  = "hybrid"
	SourceWindow  = "window"
)

// RetrievedChunk is one retrieval hit with its provenance. Score is the raw
// dense similarity in dense mode and the combined normalized score in
// hybrid mode; window neighbors carry zero.
type RetrievedChunk struct {
	Text       string         `json:"text"`
	Score      float64        `json:"score"`
	DocumentID string         `json:"document_id"`
	Filename   string         `json:"filename"`
	ChunkIndex int            `json:"chunk_index"`
	Metadata   map[string]any `json:"metadata"`
}

type chunkKey struct {
	documentID string
	chunkIndex int
}

func keyOf(c RetrievedChunk) chunkKey {
	return chunkKey{documentID: c.DocumentID, chunkIndex: c.ChunkIndex}
}

func fromScoredPoint(sp store.ScoredPoint, sourceType string) RetrievedChunk {
	return RetrievedChunk{
		Text:       sp.Payload.Text,
		Score:      sp.Score,
		DocumentID: sp.Payload.DocumentID,
		Filename:   sp.Payload.Filename,
		ChunkIndex: sp.Payload.ChunkIndex,
		Metadata: map[string]any{
			"source_type":     sourceType,
			"dense_score_raw": sp.Score,
		},
	}
}

func fromLexicalHit(h store.LexicalHit) RetrievedChunk {
	return RetrievedChunk{
		Text:       h.Payload.Text,
		Score:      h.Score,
		DocumentID: h.Payload.DocumentID,
		Filename:   h.Payload.Filename,
		ChunkIndex: h.Payload.ChunkIndex,
		Metadata: map[string]any{
			"source_type":       SourceLexical,
			"lexical_score_raw": h.Score,
		},
	}
}
