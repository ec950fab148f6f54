// Package ingest runs documents through chunking, embedding, and dual-index
// writes, and owns every status transition a document makes. The pipeline
// always leaves a document in a terminal status, whatever fails on the way.
package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/ragforge/ragforge/internal/chunk"
	"github.com/ragforge/ragforge/internal/embed"
	"github.com/ragforge/ragforge/internal/errors"
	"github.com/ragforge/ragforge/internal/store"
)

// Operations accepted by the runner.
const (
	OpIngest    = "ingest"
	OpReprocess = "reprocess"
)

// Batch defaults. Embedding batches are provider requests; upsert batches
// are vector store writes.
const (
	DefaultEmbedBatchSize  = 100
	DefaultUpsertBatchSize = 256
)

// Progress milestones.
const (
	progressLoaded    = 5
	progressPrepared  = 15
	progressChunked   = 30
	progressEmbedFrom = 35
	progressEmbedTo   = 75
	progressUpserted  = 85
	progressLexical   = 95
	progressDone      = 100
)

// Pipeline executes a single document ingestion to terminal status.
type Pipeline struct {
	meta     store.MetadataStore
	vectors  store.VectorStore
	lexical  store.LexicalStore
	embedder embed.Embedder
	logger   *slog.Logger

	embedBatchSize  int
	upsertBatchSize int
}

// NewPipeline builds a Pipeline with default batch sizes.
func NewPipeline(meta store.MetadataStore, vectors store.VectorStore, lexical store.LexicalStore, embedder embed.Embedder, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		meta:            meta,
		vectors:         vectors,
		lexical:         lexical,
		embedder:        embedder,
		logger:          logger,
		embedBatchSize:  DefaultEmbedBatchSize,
		upsertBatchSize: DefaultUpsertBatchSize,
	}
}

// SetBatchSizes overrides the embedding and upsert batch sizes. Zero keeps
// the current value.
func (p *Pipeline) SetBatchSizes(embedBatch, upsertBatch int) {
	if embedBatch > 0 {
		p.embedBatchSize = embedBatch
	}
	if upsertBatch > 0 {
		p.upsertBatchSize = upsertBatch
	}
}

// Run executes the named operation and guarantees a terminal status before
// returning. The returned error reports why a document FAILED; the status
// write has already happened.
func (p *Pipeline) Run(ctx context.Context, documentID, operation string) error {
	var err error
	switch operation {
	case OpIngest:
		err = p.ingest(ctx, documentID)
	case OpReprocess:
		err = p.reprocess(ctx, documentID)
	default:
		return errors.Newf(errors.KindInvalidConfig, "unknown ingestion operation %q", operation)
	}
	if err != nil {
		p.logger.Error("ingestion_failed",
			"document_id", documentID,
			"operation", operation,
			"error", err)
	}
	return err
}

// reprocess clears the document's entries from both indexes, resets it to
// PENDING, and runs the regular pipeline. Reprocessing an actively
// PROCESSING document is rejected.
func (p *Pipeline) reprocess(ctx context.Context, documentID string) error {
	doc, err := p.meta.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.Status == store.StatusProcessing {
		return errors.Newf(errors.KindConflict, "document %s is already processing", documentID)
	}
	kb, err := p.meta.GetKnowledgeBase(ctx, doc.KnowledgeBaseID)
	if err != nil {
		return err
	}

	if err := p.vectors.DeleteByFilter(ctx, kb.CollectionName, store.Filter{store.Eq("document_id", documentID)}); err != nil {
		if !errors.IsKind(err, errors.KindNotFound) {
			return p.fail(ctx, doc, store.StatusFailed, store.StatusPending,
				errors.Wrap(errors.KindStoreUnavailable, "clear vector points", err))
		}
	}
	if err := p.lexical.DeleteByDocument(ctx, documentID); err != nil {
		return p.fail(ctx, doc, store.StatusPending, store.StatusFailed,
			errors.Wrap(errors.KindStoreUnavailable, "clear lexical chunks", err))
	}
	if err := p.meta.UpdateDocumentStatuses(ctx, documentID, store.StatusPending, store.StatusPending, store.StatusPending); err != nil {
		return err
	}
	return p.ingest(ctx, documentID)
}

func (p *Pipeline) ingest(ctx context.Context, documentID string) error {
	started := time.Now()

	// Stage 1: load.
	doc, err := p.meta.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	kb, err := p.meta.GetKnowledgeBase(ctx, doc.KnowledgeBaseID)
	if err != nil {
		return p.fail(ctx, doc, store.StatusFailed, store.StatusPending, err)
	}
	p.progress(ctx, documentID, progressLoaded, "loading")

	// Stage 2: mark processing, provision the collection.
	if err := p.meta.UpdateDocumentStatuses(ctx, documentID, store.StatusProcessing, store.StatusProcessing, store.StatusPending); err != nil {
		return err
	}
	if err := p.vectors.EnsureCollection(ctx, kb.CollectionName, kb.EmbeddingDim); err != nil {
		return p.fail(ctx, doc, store.StatusFailed, store.StatusPending,
			errors.Wrap(errors.KindStoreUnavailable, "ensure vector collection", err))
	}
	p.progress(ctx, documentID, progressPrepared, "preparing")

	// Stage 3: chunk.
	splitter := chunk.NewSplitter(chunk.Strategy(kb.ChunkStrategy))
	chunks, err := splitter.Split(doc.Content, chunk.Params{
		ChunkSize:         kb.ChunkSize,
		ChunkOverlap:      kb.ChunkOverlap,
		Strategy:          chunk.Strategy(kb.ChunkStrategy),
		RespectBoundaries: true,
	})
	if err != nil {
		return p.fail(ctx, doc, store.StatusFailed, store.StatusPending, err)
	}
	p.progress(ctx, documentID, progressChunked, "chunking")

	// Stage 4: embed in provider batches with linear progress.
	vectors, err := p.embedChunks(ctx, documentID, chunks)
	if err != nil {
		return p.fail(ctx, doc, store.StatusFailed, store.StatusPending, err)
	}

	// Stage 5: upsert points.
	points := p.buildPoints(kb, doc, chunks, vectors)
	if err := p.vectors.Upsert(ctx, kb.CollectionName, points, p.upsertBatchSize); err != nil {
		return p.fail(ctx, doc, store.StatusFailed, store.StatusPending,
			errors.Wrap(errors.KindStoreUnavailable, "upsert vector points", err))
	}
	if err := p.meta.UpdateDocumentStatuses(ctx, documentID, store.StatusProcessing, store.StatusCompleted, store.StatusPending); err != nil {
		return err
	}
	p.progress(ctx, documentID, progressUpserted, "indexing_vectors")

	// Stage 6: lexical index.
	if err := p.meta.UpdateDocumentStatuses(ctx, documentID, store.StatusProcessing, store.StatusCompleted, store.StatusProcessing); err != nil {
		return err
	}
	payloads := make([]store.ChunkPayload, len(points))
	for i, pt := range points {
		payloads[i] = pt.Payload
	}
	if _, err := p.lexical.IndexChunks(ctx, payloads); err != nil {
		return p.fail(ctx, doc, store.StatusCompleted, store.StatusFailed,
			errors.Wrap(errors.KindStoreUnavailable, "index lexical chunks", err))
	}
	p.progress(ctx, documentID, progressLexical, "indexing_lexical")

	// Stage 7: terminal status, counters.
	if err := p.meta.UpdateDocumentStatuses(ctx, documentID,
		store.CombineStatus(store.StatusCompleted, store.StatusCompleted),
		store.StatusCompleted, store.StatusCompleted); err != nil {
		return err
	}
	now := time.Now().UTC()
	if err := p.meta.SetDocumentResult(ctx, documentID, len(chunks), "", &now); err != nil {
		return err
	}
	if err := p.meta.RecomputeCounters(ctx, kb.ID); err != nil {
		return err
	}
	p.progress(ctx, documentID, progressDone, "completed")

	p.logger.Info("document_ingested",
		"document_id", documentID,
		"kb_id", kb.ID,
		"chunks", len(chunks),
		"duration_ms", time.Since(started).Milliseconds())
	return nil
}

// embedChunks embeds in fixed batches, moving progress linearly between the
// chunking and upsert milestones.
func (p *Pipeline) embedChunks(ctx context.Context, documentID string, chunks []chunk.Chunk) ([][]float32, error) {
	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	vectors := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += p.embedBatchSize {
		end := min(start+p.embedBatchSize, len(texts))
		batch, err := p.embedder.EmbedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		vectors = append(vectors, batch...)

		span := progressEmbedTo - progressEmbedFrom
		pct := progressEmbedFrom + span*end/len(texts)
		p.progress(ctx, documentID, pct, "embedding")
	}
	return vectors, nil
}

func (p *Pipeline) buildPoints(kb *store.KnowledgeBase, doc *store.Document, chunks []chunk.Chunk, vectors [][]float32) []store.Point {
	now := time.Now().UTC()
	points := make([]store.Point, len(chunks))
	for i, c := range chunks {
		points[i] = store.Point{
			ID:     doc.ID + ":" + strconv.Itoa(c.Index),
			Vector: vectors[i],
			Payload: store.ChunkPayload{
				DocumentID:      doc.ID,
				KnowledgeBaseID: kb.ID,
				ChunkIndex:      c.Index,
				Text:            c.Content,
				Filename:        doc.Filename,
				FileType:        doc.FileType,
				CharCount:       c.CharCount,
				WordCount:       c.WordCount,
				IndexedAt:       now,
			},
		}
	}
	return points
}

// fail stamps the document FAILED and stores the error message. It runs on
// an uncancelable context so shutdown still produces a terminal status, and
// recomputes counters regardless of where the pipeline stopped.
func (p *Pipeline) fail(ctx context.Context, doc *store.Document, embeddings, bm25 store.Status, cause error) error {
	stampCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err := p.meta.UpdateDocumentStatuses(stampCtx, doc.ID, store.StatusFailed, embeddings, bm25); err != nil {
		p.logger.Error("failure_stamp_failed", "document_id", doc.ID, "error", err)
	}
	if err := p.meta.SetDocumentResult(stampCtx, doc.ID, doc.ChunkCount, cause.Error(), nil); err != nil {
		p.logger.Error("failure_stamp_failed", "document_id", doc.ID, "error", err)
	}
	if err := p.meta.UpdateDocumentProgress(stampCtx, doc.ID, 0, "failed"); err != nil {
		p.logger.Error("failure_stamp_failed", "document_id", doc.ID, "error", err)
	}
	if err := p.meta.RecomputeCounters(stampCtx, doc.KnowledgeBaseID); err != nil {
		p.logger.Error("counter_recompute_failed", "kb_id", doc.KnowledgeBaseID, "error", err)
	}
	return cause
}

// progress writes are best-effort; losing one never fails the pipeline.
func (p *Pipeline) progress(ctx context.Context, documentID string, pct int, stage string) {
	if err := p.meta.UpdateDocumentProgress(ctx, documentID, pct, stage); err != nil {
		p.logger.Warn("progress_update_failed", "document_id", documentID, "stage", stage, "error", err)
	}
}
