// Package app assembles the engine from configuration: stores, providers,
// ingestion runner, retrieval engine, and orchestrator, plus the startup
// verification that makes a restarted process safe to serve from.
package app

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/ragforge/ragforge/internal/config"
	"github.com/ragforge/ragforge/internal/embed"
	"github.com/ragforge/ragforge/internal/errors"
	"github.com/ragforge/ragforge/internal/ingest"
	"github.com/ragforge/ragforge/internal/intent"
	"github.com/ragforge/ragforge/internal/kb"
	"github.com/ragforge/ragforge/internal/llm"
	"github.com/ragforge/ragforge/internal/rag"
	"github.com/ragforge/ragforge/internal/retrieval"
	"github.com/ragforge/ragforge/internal/store"
)

// App is the assembled engine.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Meta    *store.SQLiteMetadataStore
	Vectors *store.HNSWVectorStore
	Lexical *store.BleveLexicalStore

	Embedder embed.Embedder
	LLM      llm.Provider

	KB           *kb.Service
	Runner       *ingest.Runner
	Engine       *retrieval.Engine
	Orchestrator *rag.Orchestrator

	lock *flock.Flock
}

// New builds the App. The data directory is created when missing and
// exclusively locked so two processes never share the stores.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dataDir := cfg.Paths.DataDir
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "create data directory", err)
	}

	lock := flock.New(filepath.Join(dataDir, "ragforge.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "acquire data directory lock", err)
	}
	if !locked {
		return nil, errors.Newf(errors.KindConflict, "data directory %s is in use by another process", dataDir)
	}

	a := &App{Config: cfg, Logger: logger, lock: lock}
	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	dataDir := a.Config.Paths.DataDir

	meta, err := store.NewSQLiteMetadataStore(filepath.Join(dataDir, "metadata.db"))
	if err != nil {
		return err
	}
	a.Meta = meta

	vectors, err := store.NewHNSWVectorStore(filepath.Join(dataDir, "vectors"), a.Logger)
	if err != nil {
		return err
	}
	a.Vectors = vectors

	lexical, err := store.NewBleveLexicalStore(filepath.Join(dataDir, "lexical.bleve"), a.Logger)
	if err != nil {
		return err
	}
	a.Lexical = lexical

	embedder, err := a.buildEmbedder(ctx)
	if err != nil {
		return err
	}
	a.Embedder = embedder

	provider, err := a.buildLLM()
	if err != nil {
		return err
	}
	a.LLM = provider

	pipeline := ingest.NewPipeline(a.Meta, a.Vectors, a.Lexical, a.Embedder, a.Logger)
	pipeline.SetBatchSizes(a.Config.Ingestion.EmbedBatchSize, a.Config.Ingestion.UpsertBatchSize)
	a.Runner = ingest.NewRunner(pipeline, a.Meta, a.Config.Ingestion.Workers, a.Logger)

	a.KB = kb.NewService(a.Meta, a.Vectors, a.Lexical, a.Runner, a.Logger)
	a.KB.SetMaxUploadBytes(a.Config.MaxUploadBytes())

	a.Engine = retrieval.NewEngine(a.Vectors, a.Lexical, a.Embedder, a.Logger)

	limiter := intent.NewRateLimiter(a.Config.Limits.StructureRequestsPerMinute)
	var extractor *intent.Extractor
	var translator *intent.Translator
	if a.LLM != nil {
		extractor = intent.NewExtractor(a.LLM, a.Logger)
		translator = intent.NewTranslator(a.Meta, a.Logger)
	}
	a.Orchestrator = rag.NewOrchestrator(a.Engine, a.LLM, extractor, translator, a.Meta, limiter, a.Logger)
	return nil
}

func (a *App) buildEmbedder(ctx context.Context) (embed.Embedder, error) {
	e := a.Config.Embeddings
	var inner embed.Embedder
	var err error
	switch e.Provider {
	case config.ProviderOllama:
		inner, err = embed.NewOllamaEmbedder(ctx, embed.OllamaConfig{
			Host:       e.OllamaHost,
			Model:      e.Model,
			Dimensions: e.Dimensions,
			BatchSize:  e.BatchSize,
		})
	case config.ProviderOpenAI:
		inner, err = embed.NewOpenAIEmbedder(embed.OpenAIConfig{
			APIKey:     e.OpenAIAPIKey,
			BaseURL:    e.OpenAIBaseURL,
			Model:      e.Model,
			Dimensions: e.Dimensions,
			BatchSize:  e.BatchSize,
		})
	case config.ProviderStatic:
		inner = embed.NewStaticEmbedder(e.Dimensions)
	}
	if err != nil {
		return nil, err
	}
	if e.CacheSize > 0 {
		return embed.NewCachedEmbedder(inner, e.CacheSize), nil
	}
	return inner, nil
}

// buildLLM returns nil without error when no API key is configured; answer
// generation and intent extraction are then unavailable while ingestion and
// raw retrieval still work.
func (a *App) buildLLM() (llm.Provider, error) {
	l := a.Config.LLM
	if l.APIKey == "" && l.BaseURL == "" {
		a.Logger.Warn("llm_disabled", "reason", "no API key or base URL configured")
		return nil, nil
	}
	return llm.NewOpenAIProvider(llm.OpenAIConfig{
		APIKey:      l.APIKey,
		BaseURL:     l.BaseURL,
		Model:       l.Model,
		MaxTokens:   l.MaxTokens,
		Temperature: l.Temperature,
	})
}

// VerifyStartup checks every store's reachability, re-creates vector
// collections that disappeared for existing KBs, FAIL-stamps documents a
// previous process left non-terminal, and seeds the global retrieval
// defaults on first run.
func (a *App) VerifyStartup(ctx context.Context) error {
	if err := a.Meta.Healthy(ctx); err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "metadata store unhealthy", err)
	}
	if err := a.Vectors.Healthy(ctx); err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "vector store unhealthy", err)
	}
	if err := a.Lexical.Healthy(ctx); err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "lexical store unhealthy", err)
	}

	kbs, err := a.Meta.ListKnowledgeBases(ctx, false)
	if err != nil {
		return err
	}
	for _, k := range kbs {
		exists, err := a.Vectors.CollectionExists(ctx, k.CollectionName)
		if err != nil {
			return err
		}
		if !exists {
			a.Logger.Warn("collection_recreated",
				"kb_id", k.ID,
				"collection", k.CollectionName,
				"embedding_dim", k.EmbeddingDim)
			if err := a.Vectors.EnsureCollection(ctx, k.CollectionName, k.EmbeddingDim); err != nil {
				return err
			}
		}
	}

	if err := a.Runner.RecoverStartup(ctx); err != nil {
		return err
	}

	settings, err := a.Meta.GetAppSettings(ctx)
	if err != nil {
		return err
	}
	if len(settings) == 0 && len(a.Config.Retrieval) > 0 {
		if err := a.Meta.SaveAppSettings(ctx, a.Config.Retrieval); err != nil {
			return err
		}
		a.Logger.Info("app_settings_seeded", "keys", len(a.Config.Retrieval))
	}
	return nil
}

// Close shuts the runner down and releases every resource. Safe to call on
// a partially built App.
func (a *App) Close() {
	if a.Runner != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout())
		if err := a.Runner.Shutdown(ctx); err != nil {
			a.Logger.Error("runner_shutdown_timeout", "error", err)
		}
		cancel()
	}
	if a.Embedder != nil {
		_ = a.Embedder.Close()
	}
	if a.LLM != nil {
		_ = a.LLM.Close()
	}
	if a.Lexical != nil {
		_ = a.Lexical.Close()
	}
	if a.Vectors != nil {
		_ = a.Vectors.Close()
	}
	if a.Meta != nil {
		_ = a.Meta.Close()
	}
	if a.lock != nil {
		_ = a.lock.Unlock()
	}
}

func (a *App) shutdownTimeout() time.Duration {
	if a.Config != nil && a.Config.Server.ShutdownTimeout > 0 {
		return a.Config.Server.ShutdownTimeout
	}
	return 30 * time.Second
}
