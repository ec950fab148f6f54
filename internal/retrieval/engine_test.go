package retrieval

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragforge/ragforge/internal/errors"
	"github.com/ragforge/ragforge/internal/settings"
	"github.com/ragforge/ragforge/internal/store"
)

// stubEmbedder returns canned vectors per query text.
type stubEmbedder struct {
	vectors map[string][]float32
}

func (s *stubEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if v, ok := s.vectors[text]; ok {
		return v, nil
	}
	return []float32{1, 0, 0, 0}, nil
}

func (s *stubEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := s.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (s *stubEmbedder) Dimensions() int                    { return 4 }
func (s *stubEmbedder) ModelName() string                  { return "stub" }
func (s *stubEmbedder) Available(ctx context.Context) bool { return true }
func (s *stubEmbedder) Close() error                       { return nil }

// brokenLexical fails every search.
type brokenLexical struct{ store.LexicalStore }

func (b *brokenLexical) Search(ctx context.Context, q store.LexicalQuery) ([]store.LexicalHit, error) {
	return nil, errors.New(errors.KindStoreUnavailable, "lexical index offline")
}

type engineEnv struct {
	vectors *store.HNSWVectorStore
	lexical *store.BleveLexicalStore
	kb      *store.KnowledgeBase
}

func newEngineEnv(t *testing.T) *engineEnv {
	t.Helper()

	vectors, err := store.NewHNSWVectorStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })

	lexical, err := store.NewBleveLexicalStore("", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = lexical.Close() })

	kb := &store.KnowledgeBase{ID: "kb1", CollectionName: "kb_test", EmbeddingDim: 4, DocumentCount: 2}
	ctx := context.Background()
	require.NoError(t, vectors.EnsureCollection(ctx, kb.CollectionName, 4))

	now := time.Now().UTC()
	payloads := []store.ChunkPayload{
		{DocumentID: "doc-a", KnowledgeBaseID: "kb1", ChunkIndex: 0, Text: "vectors and graphs", Filename: "a.md", FileType: "md", IndexedAt: now},
		{DocumentID: "doc-a", KnowledgeBaseID: "kb1", ChunkIndex: 1, Text: "inverted index scoring", Filename: "a.md", FileType: "md", IndexedAt: now},
		{DocumentID: "doc-b", KnowledgeBaseID: "kb1", ChunkIndex: 0, Text: "unrelated cooking recipe", Filename: "b.md", FileType: "md", IndexedAt: now},
	}
	points := []store.Point{
		{ID: "doc-a:0", Vector: []float32{1, 0, 0, 0}, Payload: payloads[0]},
		{ID: "doc-a:1", Vector: []float32{0.7, 0.7, 0, 0}, Payload: payloads[1]},
		{ID: "doc-b:0", Vector: []float32{0, 0, 1, 0}, Payload: payloads[2]},
	}
	require.NoError(t, vectors.Upsert(ctx, kb.CollectionName, points, 0))
	_, err = lexical.IndexChunks(ctx, payloads)
	require.NoError(t, err)

	return &engineEnv{vectors: vectors, lexical: lexical, kb: kb}
}

func denseConfig() *settings.Config {
	cfg, _ := settings.Resolve(nil, nil, nil, nil)
	return cfg
}

func hybridConfig() *settings.Config {
	cfg, _ := settings.Resolve(map[string]any{"retrieval_mode": "hybrid"}, nil, nil, nil)
	return cfg
}

func TestEngine_DenseRetrieval(t *testing.T) {
	env := newEngineEnv(t)
	e := NewEngine(env.vectors, env.lexical, &stubEmbedder{}, slog.Default())

	chunks, err := e.Retrieve(context.Background(), Request{
		KB: env.kb, Query: "anything", Config: denseConfig(),
	})
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, "doc-a", chunks[0].DocumentID)
	assert.Equal(t, 0, chunks[0].ChunkIndex)
	assert.InDelta(t, 1.0, chunks[0].Score, 1e-4)
	assert.Equal(t, SourceDense, chunks[0].Metadata["source_type"])
	assert.GreaterOrEqual(t, chunks[0].Score, chunks[1].Score)
}

func TestEngine_DenseThresholdOnRawScore(t *testing.T) {
	env := newEngineEnv(t)
	e := NewEngine(env.vectors, env.lexical, &stubEmbedder{}, slog.Default())

	cfg, err := settings.Resolve(map[string]any{"score_threshold": 0.9}, nil, nil, nil)
	require.NoError(t, err)

	chunks, err := e.Retrieve(context.Background(), Request{KB: env.kb, Query: "q", Config: cfg})
	require.NoError(t, err)

	require.Len(t, chunks, 1, "only the near-exact match clears 0.9 raw similarity")
	assert.Equal(t, 0, chunks[0].ChunkIndex)
}

func TestEngine_HybridFusesBothPaths(t *testing.T) {
	env := newEngineEnv(t)
	e := NewEngine(env.vectors, env.lexical, &stubEmbedder{}, slog.Default())

	// Dense ranks doc-a:0 first; the query text matches doc-a:1 lexically.
	chunks, err := e.Retrieve(context.Background(), Request{
		KB: env.kb, Query: "inverted index scoring", Config: hybridConfig(),
	})
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	byKey := map[chunkKey]RetrievedChunk{}
	for _, c := range chunks {
		byKey[keyOf(c)] = c
	}
	hit, ok := byKey[chunkKey{documentID: "doc-a", chunkIndex: 1}]
	require.True(t, ok, "the lexical top hit is in the fused set")
	assert.Equal(t, SourceHybrid, hit.Metadata["source_type"], "doc-a:1 matched on both paths")
	assert.Positive(t, hit.Metadata["lexical_score_raw"].(float64))

	for _, c := range chunks {
		assert.LessOrEqual(t, c.Score, 1.0+1e-9)
	}
}

func TestEngine_HybridDegradesWhenLexicalFails(t *testing.T) {
	env := newEngineEnv(t)
	e := NewEngine(env.vectors, &brokenLexical{LexicalStore: env.lexical}, &stubEmbedder{}, slog.Default())

	chunks, err := e.Retrieve(context.Background(), Request{
		KB: env.kb, Query: "anything", Config: hybridConfig(),
	})
	require.NoError(t, err, "lexical failure degrades, it does not fail the call")
	require.NotEmpty(t, chunks)
	for _, c := range chunks {
		assert.Equal(t, SourceDense, c.Metadata["source_type"])
	}
}

func TestEngine_DocumentFilterRestriction(t *testing.T) {
	env := newEngineEnv(t)
	e := NewEngine(env.vectors, env.lexical, &stubEmbedder{}, slog.Default())

	chunks, err := e.Retrieve(context.Background(), Request{
		KB: env.kb, Query: "anything", Config: denseConfig(),
		DocumentIDs: []string{"doc-b"},
	})
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Equal(t, "doc-b", chunks[0].DocumentID)
}

func TestEngine_EmptyIntersectionShortCircuits(t *testing.T) {
	env := newEngineEnv(t)
	e := NewEngine(env.vectors, env.lexical, &stubEmbedder{}, slog.Default())

	chunks, err := e.Retrieve(context.Background(), Request{
		KB: env.kb, Query: "anything", Config: denseConfig(),
		StructureFilter: store.Filter{store.Eq("document_id", "doc-a")},
		DocumentIDs:     []string{"doc-b"},
	})
	require.NoError(t, err)
	assert.Empty(t, chunks)
}

func TestEngine_StructureFilterRange(t *testing.T) {
	env := newEngineEnv(t)
	e := NewEngine(env.vectors, env.lexical, &stubEmbedder{}, slog.Default())

	chunks, err := e.Retrieve(context.Background(), Request{
		KB: env.kb, Query: "anything", Config: denseConfig(),
		StructureFilter: store.Filter{
			store.Eq("document_id", "doc-a"),
			store.Between("chunk_index", 1, 5),
		},
	})
	require.NoError(t, err)

	require.Len(t, chunks, 1)
	assert.Equal(t, "doc-a", chunks[0].DocumentID)
	assert.Equal(t, 1, chunks[0].ChunkIndex)
}

func TestEngine_WindowExpansion(t *testing.T) {
	vectors, err := store.NewHNSWVectorStore(t.TempDir(), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = vectors.Close() })
	lexical, err := store.NewBleveLexicalStore("", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = lexical.Close() })

	kb := &store.KnowledgeBase{ID: "kb1", CollectionName: "kb_w", EmbeddingDim: 4, DocumentCount: 1}
	ctx := context.Background()
	require.NoError(t, vectors.EnsureCollection(ctx, kb.CollectionName, 4))

	// Five consecutive chunks; chunk 2 is the only close match.
	points := make([]store.Point, 5)
	for i := range points {
		vec := []float32{0, 0, 0, 1}
		if i == 2 {
			vec = []float32{1, 0, 0, 0}
		}
		points[i] = store.Point{
			ID:     "doc-a:" + string(rune('0'+i)),
			Vector: vec,
			Payload: store.ChunkPayload{
				DocumentID: "doc-a", KnowledgeBaseID: "kb1", ChunkIndex: i,
				Text: "chunk", Filename: "a.md",
			},
		}
	}
	require.NoError(t, vectors.Upsert(ctx, kb.CollectionName, points, 0))

	e := NewEngine(vectors, lexical, &stubEmbedder{}, slog.Default())
	cfg, err := settings.Resolve(map[string]any{
		"top_k":             float64(1),
		"context_expansion": []any{"window"},
		"context_window":    float64(1),
	}, nil, nil, nil)
	require.NoError(t, err)

	chunks, err := e.Retrieve(ctx, Request{KB: kb, Query: "q", Config: cfg})
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, []int{1, 2, 3}, []int{chunks[0].ChunkIndex, chunks[1].ChunkIndex, chunks[2].ChunkIndex})

	assert.Equal(t, SourceWindow, chunks[0].Metadata["source_type"])
	assert.Zero(t, chunks[0].Score)
	assert.Equal(t, SourceDense, chunks[1].Metadata["source_type"])
	assert.Positive(t, chunks[1].Score)
	assert.Equal(t, SourceWindow, chunks[2].Metadata["source_type"])
}

func TestEngine_RejectsEmptyKnowledgeBase(t *testing.T) {
	env := newEngineEnv(t)
	e := NewEngine(env.vectors, env.lexical, &stubEmbedder{}, slog.Default())

	empty := &store.KnowledgeBase{ID: "kb2", CollectionName: "kb_empty", EmbeddingDim: 4}
	require.NoError(t, env.vectors.EnsureCollection(context.Background(), empty.CollectionName, 4))

	_, err := e.Retrieve(context.Background(), Request{
		KB: empty, Query: "anything", Config: denseConfig(),
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}
