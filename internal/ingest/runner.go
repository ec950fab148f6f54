package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ragforge/ragforge/internal/errors"
	"github.com/ragforge/ragforge/internal/store"
)

// DefaultWorkers bounds concurrent ingestions.
const DefaultWorkers = 4

// Runner executes pipeline operations in the background with a bounded
// worker pool. At most one operation runs per document id; a second enqueue
// for an active document is rejected.
type Runner struct {
	pipeline *Pipeline
	meta     store.MetadataStore
	logger   *slog.Logger

	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]bool
	closed bool
}

// NewRunner builds a Runner with workers slots (DefaultWorkers when <= 0).
func NewRunner(pipeline *Pipeline, meta store.MetadataStore, workers int, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		pipeline: pipeline,
		meta:     meta,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(workers)),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]bool),
	}
}

// RecoverStartup FAIL-stamps every non-terminal document left behind by a
// previous process. Call once before accepting work.
func (r *Runner) RecoverStartup(ctx context.Context) error {
	docs, err := r.meta.ListNonTerminalDocuments(ctx)
	if err != nil {
		return err
	}
	for _, doc := range docs {
		emb, bm25 := doc.EmbeddingsStatus, doc.BM25Status
		if emb != store.StatusCompleted {
			emb = store.StatusFailed
		}
		if bm25 != store.StatusCompleted {
			bm25 = store.StatusFailed
		}
		if err := r.meta.UpdateDocumentStatuses(ctx, doc.ID, store.StatusFailed, emb, bm25); err != nil {
			return err
		}
		if err := r.meta.SetDocumentResult(ctx, doc.ID, doc.ChunkCount, "interrupted by restart", nil); err != nil {
			return err
		}
		r.logger.Warn("document_fail_stamped", "document_id", doc.ID, "previous_status", string(doc.Status))
	}
	return nil
}

// Enqueue schedules an operation for a document. It returns immediately;
// the work runs on the pool. Rejected when the runner is shut down or the
// document already has an active operation.
func (r *Runner) Enqueue(documentID, operation string) error {
	if operation != OpIngest && operation != OpReprocess {
		return errors.Newf(errors.KindInvalidConfig, "unknown ingestion operation %q", operation)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New(errors.KindStoreUnavailable, "ingestion runner is shut down")
	}
	if r.active[documentID] {
		r.mu.Unlock()
		return errors.Newf(errors.KindConflict, "document %s already has an active operation", documentID)
	}
	r.active[documentID] = true
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(documentID, operation)
	return nil
}

func (r *Runner) run(documentID, operation string) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.active, documentID)
		r.mu.Unlock()
	}()

	if err := r.sem.Acquire(r.ctx, 1); err != nil {
		// Shutdown before the task started; the document is still PENDING
		// and must not stay there.
		r.stampInterrupted(documentID, "shutdown before start")
		return
	}
	defer r.sem.Release(1)

	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("ingestion_panic", "document_id", documentID, "panic", fmt.Sprint(rec))
			r.stampInterrupted(documentID, fmt.Sprintf("panic: %v", rec))
		}
	}()

	if err := r.pipeline.Run(r.ctx, documentID, operation); err != nil {
		// A Conflict means another worker owns the document; a NotFound
		// means there is nothing to stamp. Everything else must still end
		// terminal: the pipeline stamps its own failures, this catches
		// metadata write errors that slipped through.
		if errors.IsKind(err, errors.KindConflict) || errors.IsKind(err, errors.KindNotFound) {
			return
		}
		r.stampInterrupted(documentID, err.Error())
	}
}

// stampInterrupted writes a FAILED terminal status outside the runner
// context so it works during shutdown.
func (r *Runner) stampInterrupted(documentID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	doc, err := r.meta.GetDocument(ctx, documentID)
	if err != nil {
		r.logger.Error("failure_stamp_failed", "document_id", documentID, "error", err)
		return
	}
	if doc.Status == store.StatusCompleted || doc.Status == store.StatusFailed {
		return
	}
	emb, bm25 := doc.EmbeddingsStatus, doc.BM25Status
	if emb != store.StatusCompleted {
		emb = store.StatusFailed
	}
	if bm25 != store.StatusCompleted {
		bm25 = store.StatusFailed
	}
	if err := r.meta.UpdateDocumentStatuses(ctx, documentID, store.StatusFailed, emb, bm25); err != nil {
		r.logger.Error("failure_stamp_failed", "document_id", documentID, "error", err)
	}
	if err := r.meta.SetDocumentResult(ctx, documentID, doc.ChunkCount, reason, nil); err != nil {
		r.logger.Error("failure_stamp_failed", "document_id", documentID, "error", err)
	}
}

// Shutdown stops accepting work, cancels in-flight pipelines, and waits for
// them to stamp terminal statuses. Blocks until done or ctx expires.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveCount reports documents with in-flight operations.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}
