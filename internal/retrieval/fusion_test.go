package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func denseChunk(doc string, idx int, score float64) RetrievedChunk {
	return RetrievedChunk{
		DocumentID: doc, ChunkIndex: idx, Score: score,
		Filename: doc + ".txt", Text: "text",
		Metadata: map[string]any{"source_type": SourceDense, "dense_score_raw": score},
	}
}

func lexicalChunk(doc string, idx int, score float64) RetrievedChunk {
	return RetrievedChunk{
		DocumentID: doc, ChunkIndex: idx, Score: score,
		Filename: doc + ".txt", Text: "text",
		Metadata: map[string]any{"source_type": SourceLexical, "lexical_score_raw": score},
	}
}

func TestFuse_WeightedUnion(t *testing.T) {
	dense := []RetrievedChunk{
		denseChunk("a", 0, 0.9), // in both sets
		denseChunk("a", 1, 0.45),
	}
	lexical := []RetrievedChunk{
		lexicalChunk("a", 0, 4.0),
		lexicalChunk("b", 2, 2.0),
	}

	fused := fuse(dense, lexical, 0.6, 0.4)
	require.Len(t, fused, 3)

	// a:0 has max on both sides: 0.6*1.0 + 0.4*1.0 = 1.0.
	assert.Equal(t, "a", fused[0].DocumentID)
	assert.Equal(t, 0, fused[0].ChunkIndex)
	assert.InDelta(t, 1.0, fused[0].Score, 1e-9)
	assert.Equal(t, SourceHybrid, fused[0].Metadata["source_type"])
	assert.InDelta(t, 0.9, fused[0].Metadata["dense_score_raw"].(float64), 1e-9)
	assert.InDelta(t, 4.0, fused[0].Metadata["lexical_score_raw"].(float64), 1e-9)

	// a:1 dense only: 0.6*0.5 = 0.3. b:2 lexical only: 0.4*0.5 = 0.2.
	assert.Equal(t, 1, fused[1].ChunkIndex)
	assert.InDelta(t, 0.3, fused[1].Score, 1e-9)
	assert.Equal(t, SourceDense, fused[1].Metadata["source_type"])

	assert.Equal(t, "b", fused[2].DocumentID)
	assert.InDelta(t, 0.2, fused[2].Score, 1e-9)
	assert.Equal(t, SourceLexical, fused[2].Metadata["source_type"])
}

func TestFuse_WeightNormalization(t *testing.T) {
	dense := []RetrievedChunk{denseChunk("a", 0, 1.0)}
	lexical := []RetrievedChunk{lexicalChunk("b", 0, 1.0)}

	// 3:1 normalizes to 0.75/0.25.
	fused := fuse(dense, lexical, 3, 1)
	require.Len(t, fused, 2)
	assert.InDelta(t, 0.75, fused[0].Score, 1e-9)
	assert.InDelta(t, 0.25, fused[1].Score, 1e-9)
}

func TestFuse_NonPositiveWeightsFallBackToEvenSplit(t *testing.T) {
	dense := []RetrievedChunk{denseChunk("a", 0, 1.0)}
	lexical := []RetrievedChunk{lexicalChunk("b", 0, 1.0)}

	fused := fuse(dense, lexical, 0, 0)
	require.Len(t, fused, 2)
	assert.InDelta(t, 0.5, fused[0].Score, 1e-9)
	assert.InDelta(t, 0.5, fused[1].Score, 1e-9)
}

func TestFuse_ZeroMaxYieldsZeroNorms(t *testing.T) {
	dense := []RetrievedChunk{denseChunk("a", 0, 0)}
	lexical := []RetrievedChunk{lexicalChunk("a", 0, 5.0)}

	fused := fuse(dense, lexical, 0.6, 0.4)
	require.Len(t, fused, 1)
	// Dense contributes nothing; lexical side carries 0.4*1.0.
	assert.InDelta(t, 0.4, fused[0].Score, 1e-9)
}

func TestFuse_DeterministicTieBreak(t *testing.T) {
	dense := []RetrievedChunk{
		denseChunk("b", 3, 0.8),
		denseChunk("a", 7, 0.8),
		denseChunk("a", 2, 0.8),
	}

	fused := fuse(dense, nil, 0.6, 0.4)
	require.Len(t, fused, 3)
	assert.Equal(t, "a", fused[0].DocumentID)
	assert.Equal(t, 2, fused[0].ChunkIndex)
	assert.Equal(t, "a", fused[1].DocumentID)
	assert.Equal(t, 7, fused[1].ChunkIndex)
	assert.Equal(t, "b", fused[2].DocumentID)
}

func TestFuse_EmptySides(t *testing.T) {
	assert.Empty(t, fuse(nil, nil, 0.6, 0.4))

	lexOnly := fuse(nil, []RetrievedChunk{lexicalChunk("a", 0, 2.0)}, 0.6, 0.4)
	require.Len(t, lexOnly, 1)
	assert.InDelta(t, 0.4, lexOnly[0].Score, 1e-9)
	assert.Equal(t, SourceLexical, lexOnly[0].Metadata["source_type"])
}
