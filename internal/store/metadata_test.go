package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragforge/ragforge/internal/errors"
)

func newTestMetadataStore(t *testing.T) *SQLiteMetadataStore {
	t.Helper()
	s, err := NewSQLiteMetadataStore(filepath.Join(t.TempDir(), "meta.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testKB(id string) *KnowledgeBase {
	usePhrase := true
	return &KnowledgeBase{
		ID:                 id,
		Name:               "test kb",
		EmbeddingModel:     "static-hash",
		EmbeddingDim:       64,
		ChunkSize:          1000,
		ChunkOverlap:       200,
		ChunkStrategy:      "smart",
		BM25MatchMode:      MatchBalanced,
		BM25MinShouldMatch: 50,
		BM25UsePhrase:      &usePhrase,
		BM25Analyzer:       AnalyzerMixed,
		RetrievalSettings:  map[string]any{"top_k": float64(7)},
		CollectionName:     "kb_" + id,
	}
}

func testDocument(id, kbID, hash string) *Document {
	return &Document{
		ID:               id,
		KnowledgeBaseID:  kbID,
		Filename:         "file.md",
		FileType:         "md",
		Content:          "some content",
		ContentHash:      hash,
		Status:           StatusPending,
		EmbeddingsStatus: StatusPending,
		BM25Status:       StatusPending,
	}
}

func TestKnowledgeBase_RoundTrip(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()

	kb := testKB("kb1")
	require.NoError(t, s.CreateKnowledgeBase(ctx, kb))

	got, err := s.GetKnowledgeBase(ctx, "kb1")
	require.NoError(t, err)

	assert.Equal(t, kb.Name, got.Name)
	assert.Equal(t, 64, got.EmbeddingDim)
	assert.Equal(t, "kb_kb1", got.CollectionName)
	require.NotNil(t, got.BM25UsePhrase)
	assert.True(t, *got.BM25UsePhrase)
	assert.Equal(t, map[string]any{"top_k": float64(7)}, got.RetrievalSettings)
	assert.False(t, got.Deleted)
}

func TestKnowledgeBase_NotFound(t *testing.T) {
	s := newTestMetadataStore(t)

	_, err := s.GetKnowledgeBase(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}

func TestKnowledgeBase_ListExcludesDeleted(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateKnowledgeBase(ctx, testKB("kb1")))
	kb2 := testKB("kb2")
	kb2.CollectionName = "kb_kb2"
	require.NoError(t, s.CreateKnowledgeBase(ctx, kb2))
	require.NoError(t, s.SetKnowledgeBaseDeleted(ctx, "kb1", true))

	active, err := s.ListKnowledgeBases(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "kb2", active[0].ID)

	all, err := s.ListKnowledgeBases(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDocument_DuplicateHashConflict(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateKnowledgeBase(ctx, testKB("kb1")))

	require.NoError(t, s.CreateDocument(ctx, testDocument("d1", "kb1", "hash-a")))

	err := s.CreateDocument(ctx, testDocument("d2", "kb1", "hash-a"))
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestDocument_SameHashAllowedAfterSoftDelete(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateKnowledgeBase(ctx, testKB("kb1")))
	require.NoError(t, s.CreateDocument(ctx, testDocument("d1", "kb1", "hash-a")))

	require.NoError(t, s.SetDocumentDeleted(ctx, "d1", true))
	require.NoError(t, s.CreateDocument(ctx, testDocument("d2", "kb1", "hash-a")),
		"hash uniqueness only applies among non-deleted documents")
}

func TestDocument_SameHashAllowedAcrossKBs(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateKnowledgeBase(ctx, testKB("kb1")))
	kb2 := testKB("kb2")
	kb2.CollectionName = "kb_kb2"
	require.NoError(t, s.CreateKnowledgeBase(ctx, kb2))

	require.NoError(t, s.CreateDocument(ctx, testDocument("d1", "kb1", "hash-a")))
	require.NoError(t, s.CreateDocument(ctx, testDocument("d2", "kb2", "hash-a")))
}

func TestDocument_StatusAndProgressUpdates(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateKnowledgeBase(ctx, testKB("kb1")))
	require.NoError(t, s.CreateDocument(ctx, testDocument("d1", "kb1", "hash-a")))

	require.NoError(t, s.UpdateDocumentStatuses(ctx, "d1", StatusProcessing, StatusProcessing, StatusPending))
	require.NoError(t, s.UpdateDocumentProgress(ctx, "d1", 30, "chunking"))

	doc, err := s.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, doc.Status)
	assert.Equal(t, StatusProcessing, doc.EmbeddingsStatus)
	assert.Equal(t, StatusPending, doc.BM25Status)
	assert.Equal(t, 30, doc.Progress)
	assert.Equal(t, "chunking", doc.Stage)

	now := time.Now().UTC()
	require.NoError(t, s.SetDocumentResult(ctx, "d1", 3, "", &now))
	doc, err = s.GetDocument(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, 3, doc.ChunkCount)
	require.NotNil(t, doc.ProcessedAt)
}

func TestListNonTerminalDocuments(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateKnowledgeBase(ctx, testKB("kb1")))

	require.NoError(t, s.CreateDocument(ctx, testDocument("d1", "kb1", "h1")))
	require.NoError(t, s.CreateDocument(ctx, testDocument("d2", "kb1", "h2")))
	require.NoError(t, s.CreateDocument(ctx, testDocument("d3", "kb1", "h3")))

	require.NoError(t, s.UpdateDocumentStatuses(ctx, "d1", StatusCompleted, StatusCompleted, StatusCompleted))
	require.NoError(t, s.UpdateDocumentStatuses(ctx, "d2", StatusProcessing, StatusProcessing, StatusPending))

	docs, err := s.ListNonTerminalDocuments(ctx)
	require.NoError(t, err)

	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	assert.ElementsMatch(t, []string{"d2", "d3"}, ids)
}

func TestRecomputeCounters(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateKnowledgeBase(ctx, testKB("kb1")))

	require.NoError(t, s.CreateDocument(ctx, testDocument("d1", "kb1", "h1")))
	require.NoError(t, s.CreateDocument(ctx, testDocument("d2", "kb1", "h2")))
	now := time.Now().UTC()
	require.NoError(t, s.SetDocumentResult(ctx, "d1", 3, "", &now))
	require.NoError(t, s.SetDocumentResult(ctx, "d2", 5, "", &now))

	require.NoError(t, s.RecomputeCounters(ctx, "kb1"))
	kb, err := s.GetKnowledgeBase(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, 2, kb.DocumentCount)
	assert.Equal(t, 8, kb.TotalChunks)

	// Recomputation is idempotent.
	require.NoError(t, s.RecomputeCounters(ctx, "kb1"))
	kb, err = s.GetKnowledgeBase(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, 8, kb.TotalChunks)

	// Soft-deleted documents drop out on the next recompute.
	require.NoError(t, s.SetDocumentDeleted(ctx, "d2", true))
	require.NoError(t, s.RecomputeCounters(ctx, "kb1"))
	kb, err = s.GetKnowledgeBase(ctx, "kb1")
	require.NoError(t, err)
	assert.Equal(t, 1, kb.DocumentCount)
	assert.Equal(t, 3, kb.TotalChunks)
}

func TestStructure_RoundTrip(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateKnowledgeBase(ctx, testKB("kb1")))
	require.NoError(t, s.CreateDocument(ctx, testDocument("d1", "kb1", "h1")))

	st := &DocumentStructure{
		DocumentID:   "d1",
		DocumentType: "tma_questions",
		Approved:     true,
		Sections: []Section{
			{
				ID: "q1", Title: "Question 1", Type: "question",
				ChunkStart: 0, ChunkEnd: 3,
				Metadata: map[string]string{"question_number": "1"},
				Subsections: []Section{
					{ID: "q1a", Title: "Part a", Type: "question", ChunkStart: 0, ChunkEnd: 1},
				},
			},
		},
	}
	require.NoError(t, s.SaveStructure(ctx, st))

	got, err := s.GetStructure(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "tma_questions", got.DocumentType)
	assert.True(t, got.Approved)
	require.Len(t, got.Sections, 1)
	assert.Equal(t, "question", got.Sections[0].Type)
	assert.Equal(t, "1", got.Sections[0].Metadata["question_number"])
	require.Len(t, got.Sections[0].Subsections, 1)

	// Upsert replaces.
	st.DocumentType = "textbook_chapter"
	require.NoError(t, s.SaveStructure(ctx, st))
	got, err = s.GetStructure(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "textbook_chapter", got.DocumentType)
}

func TestAppSettings_RoundTrip(t *testing.T) {
	s := newTestMetadataStore(t)
	ctx := context.Background()

	settings, err := s.GetAppSettings(ctx)
	require.NoError(t, err)
	assert.Empty(t, settings)

	require.NoError(t, s.SaveAppSettings(ctx, map[string]any{
		"retrieval_mode": "hybrid",
		"top_k":          float64(10),
	}))

	settings, err = s.GetAppSettings(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hybrid", settings["retrieval_mode"])
	assert.Equal(t, float64(10), settings["top_k"])
}

func TestUpdateMissingEntity(t *testing.T) {
	s := newTestMetadataStore(t)

	err := s.UpdateDocumentProgress(context.Background(), "nope", 10, "stage")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindNotFound))
}
