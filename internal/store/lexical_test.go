package store

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLexicalStore(t *testing.T) *BleveLexicalStore {
	t.Helper()
	s, err := NewBleveLexicalStore("", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedChunks(t *testing.T, s *BleveLexicalStore) {
	t.Helper()
	now := time.Now().UTC()
	chunks := []ChunkPayload{
		{DocumentID: "doc-1", KnowledgeBaseID: "kb-1", ChunkIndex: 0, Text: "alpha beta gamma retrieval engine", Filename: "one.md", FileType: "md", CharCount: 33, WordCount: 5, IndexedAt: now},
		{DocumentID: "doc-1", KnowledgeBaseID: "kb-1", ChunkIndex: 1, Text: "alpha delta vector index", Filename: "one.md", FileType: "md", CharCount: 24, WordCount: 4, IndexedAt: now},
		{DocumentID: "doc-2", KnowledgeBaseID: "kb-2", ChunkIndex: 0, Text: "alpha beta fully unrelated tenant", Filename: "two.txt", FileType: "txt", CharCount: 33, WordCount: 5, IndexedAt: now},
	}
	n, err := s.IndexChunks(context.Background(), chunks)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestLexicalSearch_KBScoped(t *testing.T) {
	s := newTestLexicalStore(t)
	seedChunks(t, s)

	hits, err := s.Search(context.Background(), LexicalQuery{
		Query:           "alpha",
		KnowledgeBaseID: "kb-1",
		Limit:           10,
	})
	require.NoError(t, err)

	require.Len(t, hits, 2)
	for _, h := range hits {
		assert.Equal(t, "kb-1", h.Payload.KnowledgeBaseID)
		assert.Positive(t, h.Score)
	}
}

func TestLexicalSearch_StrictRequiresAllTerms(t *testing.T) {
	s := newTestLexicalStore(t)
	seedChunks(t, s)
	ctx := context.Background()

	hits, err := s.Search(ctx, LexicalQuery{
		Query:           "alpha beta",
		KnowledgeBaseID: "kb-1",
		MatchMode:       MatchStrict,
		Limit:           10,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "doc-1", hits[0].DocumentID)
	assert.Equal(t, 0, hits[0].ChunkIndex)
}

func TestLexicalSearch_BalancedVsLoose(t *testing.T) {
	s := newTestLexicalStore(t)
	seedChunks(t, s)
	ctx := context.Background()

	// balanced: 50% of 2 tokens -> min 1 matching term.
	hits, err := s.Search(ctx, LexicalQuery{
		Query:           "beta delta",
		KnowledgeBaseID: "kb-1",
		MatchMode:       MatchBalanced,
		Limit:           10,
	})
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	// min_should_match=100 overrides balanced down to strict-like behavior.
	hits, err = s.Search(ctx, LexicalQuery{
		Query:           "beta delta",
		KnowledgeBaseID: "kb-1",
		MatchMode:       MatchBalanced,
		MinShouldMatch:  100,
		Limit:           10,
	})
	require.NoError(t, err)
	assert.Empty(t, hits, "no chunk contains both beta and delta")

	hits, err = s.Search(ctx, LexicalQuery{
		Query:           "beta delta",
		KnowledgeBaseID: "kb-1",
		MatchMode:       MatchLoose,
		Limit:           10,
	})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestLexicalSearch_PhraseBoostsExactOrder(t *testing.T) {
	s := newTestLexicalStore(t)
	now := time.Now().UTC()
	_, err := s.IndexChunks(context.Background(), []ChunkPayload{
		{DocumentID: "doc-p", KnowledgeBaseID: "kb-1", ChunkIndex: 0, Text: "quick brown fox in the forest", IndexedAt: now},
		{DocumentID: "doc-p", KnowledgeBaseID: "kb-1", ChunkIndex: 1, Text: "brown and quick but reordered fox", IndexedAt: now},
	})
	require.NoError(t, err)

	hits, err := s.Search(context.Background(), LexicalQuery{
		Query:           "quick brown",
		KnowledgeBaseID: "kb-1",
		UsePhrase:       true,
		Limit:           10,
	})
	require.NoError(t, err)

	require.Len(t, hits, 2)
	assert.Equal(t, 0, hits[0].ChunkIndex, "exact phrase order should rank first")
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestLexicalSearch_RussianStemming(t *testing.T) {
	s := newTestLexicalStore(t)
	now := time.Now().UTC()
	_, err := s.IndexChunks(context.Background(), []ChunkPayload{
		{DocumentID: "doc-r", KnowledgeBaseID: "kb-1", ChunkIndex: 0, Text: "Быстрая лиса прыгает через реку", IndexedAt: now},
	})
	require.NoError(t, err)

	for _, analyzer := range []string{AnalyzerMixed, AnalyzerRu, AnalyzerAuto} {
		hits, err := s.Search(context.Background(), LexicalQuery{
			Query:           "лисы",
			KnowledgeBaseID: "kb-1",
			Analyzer:        analyzer,
			Limit:           10,
		})
		require.NoError(t, err, "analyzer %s", analyzer)
		assert.Len(t, hits, 1, "analyzer %s should stem лисы to match лиса", analyzer)
	}
}

func TestLexicalSearch_UnknownAnalyzerFallsBack(t *testing.T) {
	s := newTestLexicalStore(t)
	seedChunks(t, s)

	hits, err := s.Search(context.Background(), LexicalQuery{
		Query:           "alpha",
		KnowledgeBaseID: "kb-1",
		Analyzer:        "no-such-analyzer",
		Limit:           10,
	})
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestLexicalSearch_DocumentFilter(t *testing.T) {
	s := newTestLexicalStore(t)
	seedChunks(t, s)

	hits, err := s.Search(context.Background(), LexicalQuery{
		Query:           "alpha",
		KnowledgeBaseID: "kb-1",
		DocumentIDs:     []string{"doc-1"},
		Limit:           10,
	})
	require.NoError(t, err)
	require.Len(t, hits, 2)

	hits, err = s.Search(context.Background(), LexicalQuery{
		Query:           "alpha",
		KnowledgeBaseID: "kb-1",
		DocumentIDs:     []string{"doc-2"},
		Limit:           10,
	})
	require.NoError(t, err)
	assert.Empty(t, hits, "doc-2 lives in kb-2, intersection is empty")
}

func TestLexicalSearch_PayloadRoundTrip(t *testing.T) {
	s := newTestLexicalStore(t)
	seedChunks(t, s)

	hits, err := s.Search(context.Background(), LexicalQuery{
		Query:           "gamma",
		KnowledgeBaseID: "kb-1",
		Limit:           10,
	})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	p := hits[0].Payload
	assert.Equal(t, "doc-1", p.DocumentID)
	assert.Equal(t, 0, p.ChunkIndex)
	assert.Equal(t, "alpha beta gamma retrieval engine", p.Text)
	assert.Equal(t, "one.md", p.Filename)
	assert.Equal(t, "md", p.FileType)
	assert.Equal(t, 33, p.CharCount)
	assert.Equal(t, 5, p.WordCount)
}

func TestLexical_DeleteByDocument(t *testing.T) {
	s := newTestLexicalStore(t)
	seedChunks(t, s)
	ctx := context.Background()

	n, err := s.CountByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.DeleteByDocument(ctx, "doc-1"))

	n, err = s.CountByDocument(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.CountByDocument(ctx, "doc-2")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "other documents stay indexed")
}

func TestLexicalSearch_EmptyQuery(t *testing.T) {
	s := newTestLexicalStore(t)
	seedChunks(t, s)

	hits, err := s.Search(context.Background(), LexicalQuery{Query: "   ", KnowledgeBaseID: "kb-1", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)
}
