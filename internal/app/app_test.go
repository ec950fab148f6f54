package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragforge/ragforge/internal/config"
	"github.com/ragforge/ragforge/internal/errors"
	"github.com/ragforge/ragforge/internal/ingest"
	"github.com/ragforge/ragforge/internal/kb"
	"github.com/ragforge/ragforge/internal/store"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DataDir = filepath.Join(t.TempDir(), "data")
	cfg.Embeddings.Provider = config.ProviderStatic
	cfg.Embeddings.Model = "static-test"
	cfg.Embeddings.Dimensions = 32
	cfg.Ingestion.Workers = 1
	cfg.Retrieval = map[string]any{"top_k": 7}
	return cfg
}

func TestApp_FullLifecycle(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg, slog.Default())
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.VerifyStartup(ctx))

	assert.Nil(t, a.LLM, "no provider without credentials")
	assert.NotNil(t, a.Orchestrator)

	knowledgeBase, err := a.KB.CreateKnowledgeBase(ctx, kb.CreateParams{
		Name:           "lifecycle",
		EmbeddingModel: a.Embedder.ModelName(),
		EmbeddingDim:   a.Embedder.Dimensions(),
	})
	require.NoError(t, err)

	doc, err := a.KB.UploadDocument(ctx, kb.UploadParams{
		KnowledgeBaseID: knowledgeBase.ID,
		Filename:        "notes.md",
		FileType:        "md",
		Content:         []byte(strings.Repeat("Graphs generalize trees by allowing cycles. ", 40)),
	})
	require.NoError(t, err)
	require.NoError(t, a.Runner.Enqueue(doc.ID, ingest.OpIngest))

	require.Eventually(t, func() bool {
		d, err := a.Meta.GetDocument(ctx, doc.ID)
		return err == nil && (d.Status == store.StatusCompleted || d.Status == store.StatusFailed)
	}, 10*time.Second, 50*time.Millisecond)

	final, err := a.Meta.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.Greater(t, final.ChunkCount, 0)
}

func TestApp_SeedsAppSettingsOnce(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg, slog.Default())
	require.NoError(t, err)
	defer a.Close()
	require.NoError(t, a.VerifyStartup(ctx))

	seeded, err := a.Meta.GetAppSettings(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 7, seeded["top_k"])

	// A second verification must not overwrite saved settings.
	require.NoError(t, a.Meta.SaveAppSettings(ctx, map[string]any{"top_k": 3}))
	require.NoError(t, a.VerifyStartup(ctx))
	kept, err := a.Meta.GetAppSettings(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 3, kept["top_k"])
}

func TestApp_DataDirLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg, slog.Default())
	require.NoError(t, err)

	_, err = New(ctx, cfg, slog.Default())
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindConflict))

	a.Close()

	// Released lock can be taken again.
	b, err := New(ctx, cfg, slog.Default())
	require.NoError(t, err)
	b.Close()
}

func TestApp_RecreatesMissingCollection(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)

	a, err := New(ctx, cfg, slog.Default())
	require.NoError(t, err)
	require.NoError(t, a.VerifyStartup(ctx))

	knowledgeBase, err := a.KB.CreateKnowledgeBase(ctx, kb.CreateParams{
		Name:           "restore",
		EmbeddingModel: a.Embedder.ModelName(),
		EmbeddingDim:   a.Embedder.Dimensions(),
	})
	require.NoError(t, err)
	a.Close()

	// Losing the vector directory must not strand the KB: verification
	// re-creates the collection empty.
	require.NoError(t, os.RemoveAll(filepath.Join(cfg.Paths.DataDir, "vectors")))

	b, err := New(ctx, cfg, slog.Default())
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, b.VerifyStartup(ctx))

	exists, err := b.Vectors.CollectionExists(ctx, knowledgeBase.CollectionName)
	require.NoError(t, err)
	assert.True(t, exists)
}
