// Package kb manages knowledge bases and their documents: creation with a
// dedicated vector collection, upload with hash deduplication, soft delete
// and restore. Index writes for chunks belong to the ingestion pipeline;
// this package only creates and clears the containers.
package kb

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ragforge/ragforge/internal/errors"
	"github.com/ragforge/ragforge/internal/store"
)

// MaxUploadBytes is the default cap on a single document upload.
const MaxUploadBytes = 50 << 20

// Defaults applied when CreateParams leave chunking unset.
const (
	DefaultChunkSize     = 1000
	DefaultChunkOverlap  = 200
	DefaultChunkStrategy = "smart"
	DefaultEmbeddingDim  = 768
)

var allowedFileTypes = map[string]bool{
	"txt":  true,
	"md":   true,
	"fb2":  true,
	"docx": true,
}

// Enqueuer hands a document to the background runner. Restore uses it to
// re-queue reprocessing.
type Enqueuer interface {
	Enqueue(documentID, operation string) error
}

// Service wires the three stores behind the KB management operations.
type Service struct {
	meta     store.MetadataStore
	vectors  store.VectorStore
	lexical  store.LexicalStore
	tasks    Enqueuer
	logger   *slog.Logger
	maxBytes int
}

// NewService builds a Service. tasks may be nil; restore then only resets
// statuses without queueing.
func NewService(meta store.MetadataStore, vectors store.VectorStore, lexical store.LexicalStore, tasks Enqueuer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		meta:     meta,
		vectors:  vectors,
		lexical:  lexical,
		tasks:    tasks,
		logger:   logger,
		maxBytes: MaxUploadBytes,
	}
}

// SetMaxUploadBytes overrides the upload cap. Zero or negative keeps the
// current value.
func (s *Service) SetMaxUploadBytes(n int) {
	if n > 0 {
		s.maxBytes = n
	}
}

// CreateParams describes a new knowledge base.
type CreateParams struct {
	Name           string
	EmbeddingModel string
	EmbeddingDim   int
	ChunkSize      int
	ChunkOverlap   int
	ChunkStrategy  string

	BM25MatchMode      string
	BM25MinShouldMatch int
	BM25UsePhrase      *bool
	BM25Analyzer       string

	RetrievalSettings map[string]any
}

// CreateKnowledgeBase persists the KB row and provisions its vector
// collection. The collection name is derived from a fresh UUID so it never
// collides across tenants.
func (s *Service) CreateKnowledgeBase(ctx context.Context, p CreateParams) (*store.KnowledgeBase, error) {
	if strings.TrimSpace(p.Name) == "" {
		return nil, errors.New(errors.KindInvalidConfig, "knowledge base name is required")
	}
	if strings.TrimSpace(p.EmbeddingModel) == "" {
		return nil, errors.New(errors.KindInvalidConfig, "embedding model is required")
	}
	if p.EmbeddingDim == 0 {
		p.EmbeddingDim = DefaultEmbeddingDim
	}
	if p.EmbeddingDim < 0 {
		return nil, errors.Newf(errors.KindInvalidConfig, "invalid embedding dimension %d", p.EmbeddingDim)
	}
	if p.ChunkSize <= 0 {
		p.ChunkSize = DefaultChunkSize
	}
	if p.ChunkOverlap < 0 || p.ChunkOverlap >= p.ChunkSize {
		return nil, errors.Newf(errors.KindInvalidConfig, "chunk overlap %d must be in [0, chunk size)", p.ChunkOverlap)
	}
	if p.ChunkOverlap == 0 {
		p.ChunkOverlap = min(DefaultChunkOverlap, p.ChunkSize/2)
	}
	if p.ChunkStrategy == "" {
		p.ChunkStrategy = DefaultChunkStrategy
	}

	kb := &store.KnowledgeBase{
		ID:                 uuid.NewString(),
		Name:               p.Name,
		EmbeddingModel:     p.EmbeddingModel,
		EmbeddingDim:       p.EmbeddingDim,
		ChunkSize:          p.ChunkSize,
		ChunkOverlap:       p.ChunkOverlap,
		ChunkStrategy:      p.ChunkStrategy,
		BM25MatchMode:      p.BM25MatchMode,
		BM25MinShouldMatch: p.BM25MinShouldMatch,
		BM25UsePhrase:      p.BM25UsePhrase,
		BM25Analyzer:       p.BM25Analyzer,
		RetrievalSettings:  p.RetrievalSettings,
		CollectionName:     newCollectionName(),
	}

	if err := s.meta.CreateKnowledgeBase(ctx, kb); err != nil {
		return nil, err
	}
	if err := s.vectors.EnsureCollection(ctx, kb.CollectionName, kb.EmbeddingDim); err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "provision vector collection", err)
	}

	s.logger.Info("knowledge_base_created",
		"kb_id", kb.ID,
		"collection", kb.CollectionName,
		"embedding_model", kb.EmbeddingModel,
		"embedding_dim", kb.EmbeddingDim)
	return kb, nil
}

// newCollectionName returns "kb_" plus 32 hex chars.
func newCollectionName() string {
	return "kb_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

func (s *Service) GetKnowledgeBase(ctx context.Context, id string) (*store.KnowledgeBase, error) {
	return s.meta.GetKnowledgeBase(ctx, id)
}

func (s *Service) ListKnowledgeBases(ctx context.Context, includeDeleted bool) ([]*store.KnowledgeBase, error) {
	return s.meta.ListKnowledgeBases(ctx, includeDeleted)
}

// UpdateRetrievalSettings replaces the KB's retrieval_settings JSON.
func (s *Service) UpdateRetrievalSettings(ctx context.Context, id string, settings map[string]any) error {
	return s.meta.UpdateKnowledgeBaseSettings(ctx, id, settings)
}

// DeleteKnowledgeBase soft-deletes the KB row and every live document, and
// clears both indexes immediately.
func (s *Service) DeleteKnowledgeBase(ctx context.Context, id string) error {
	kb, err := s.meta.GetKnowledgeBase(ctx, id)
	if err != nil {
		return err
	}
	docs, err := s.meta.ListDocuments(ctx, id, false)
	if err != nil {
		return err
	}

	for _, doc := range docs {
		if err := s.clearIndexes(ctx, kb.CollectionName, doc.ID); err != nil {
			return err
		}
		if err := s.meta.SetDocumentDeleted(ctx, doc.ID, true); err != nil {
			return err
		}
	}
	if err := s.meta.SetKnowledgeBaseDeleted(ctx, id, true); err != nil {
		return err
	}

	s.logger.Info("knowledge_base_deleted", "kb_id", id, "documents", len(docs))
	return nil
}

// RestoreKnowledgeBase clears the KB's soft-delete flag and restores every
// deleted document, re-queueing each for reprocessing. The indexes were
// cleared on delete, so restored documents have no chunks until the pipeline
// runs again.
func (s *Service) RestoreKnowledgeBase(ctx context.Context, id string) error {
	kb, err := s.meta.GetKnowledgeBase(ctx, id)
	if err != nil {
		return err
	}
	if !kb.Deleted {
		return nil
	}

	if err := s.meta.SetKnowledgeBaseDeleted(ctx, id, false); err != nil {
		return err
	}
	if err := s.vectors.EnsureCollection(ctx, kb.CollectionName, kb.EmbeddingDim); err != nil {
		return err
	}

	docs, err := s.meta.ListDocuments(ctx, id, true)
	if err != nil {
		return err
	}
	restored := 0
	for _, doc := range docs {
		if !doc.Deleted {
			continue
		}
		if err := s.RestoreDocument(ctx, doc.ID); err != nil {
			return err
		}
		restored++
	}

	s.logger.Info("knowledge_base_restored", "kb_id", id, "documents", restored)
	return nil
}

// UploadParams describes an incoming document.
type UploadParams struct {
	KnowledgeBaseID string
	Filename        string
	FileType        string
	Content         []byte
}

// UploadDocument validates the upload, deduplicates by content hash among
// the KB's non-deleted documents, and persists a PENDING document. The
// caller hands the returned document to the ingestion runner.
func (s *Service) UploadDocument(ctx context.Context, p UploadParams) (*store.Document, error) {
	kb, err := s.meta.GetKnowledgeBase(ctx, p.KnowledgeBaseID)
	if err != nil {
		return nil, err
	}
	if kb.Deleted {
		return nil, errors.Newf(errors.KindNotFound, "knowledge base %s is deleted", kb.ID)
	}
	if len(p.Content) == 0 {
		return nil, errors.New(errors.KindEmptyInput, "document content is empty")
	}
	if len(p.Content) > s.maxBytes {
		return nil, errors.Newf(errors.KindInvalidConfig, "document exceeds the %d byte upload limit", s.maxBytes).
			WithDetail("size", strconv.Itoa(len(p.Content)))
	}
	ft := strings.ToLower(strings.TrimSpace(p.FileType))
	if !allowedFileTypes[ft] {
		return nil, errors.Newf(errors.KindInvalidConfig, "unsupported file type %q", p.FileType)
	}
	if !utf8.Valid(p.Content) {
		return nil, errors.New(errors.KindInvalidConfig, "document content is not valid UTF-8")
	}
	if strings.TrimSpace(p.Filename) == "" {
		return nil, errors.New(errors.KindInvalidConfig, "filename is required")
	}

	sum := sha256.Sum256(p.Content)
	hash := hex.EncodeToString(sum[:])

	if existing, err := s.meta.FindDocumentByHash(ctx, kb.ID, hash); err == nil {
		return nil, errors.Newf(errors.KindConflict, "identical document already uploaded as %q", existing.Filename).
			WithDetail("document_id", existing.ID)
	} else if !errors.IsKind(err, errors.KindNotFound) {
		return nil, err
	}

	doc := &store.Document{
		ID:               uuid.NewString(),
		KnowledgeBaseID:  kb.ID,
		Filename:         p.Filename,
		FileType:         ft,
		Content:          string(p.Content),
		ContentHash:      hash,
		Status:           store.StatusPending,
		EmbeddingsStatus: store.StatusPending,
		BM25Status:       store.StatusPending,
	}
	if err := s.meta.CreateDocument(ctx, doc); err != nil {
		return nil, err
	}

	s.logger.Info("document_uploaded",
		"kb_id", kb.ID,
		"document_id", doc.ID,
		"filename", doc.Filename,
		"file_type", doc.FileType,
		"bytes", len(p.Content))
	return doc, nil
}

func (s *Service) GetDocument(ctx context.Context, id string) (*store.Document, error) {
	return s.meta.GetDocument(ctx, id)
}

func (s *Service) ListDocuments(ctx context.Context, kbID string, includeDeleted bool) ([]*store.Document, error) {
	return s.meta.ListDocuments(ctx, kbID, includeDeleted)
}

// DeleteDocument soft-deletes the metadata row and removes the document's
// chunks from both indexes immediately. Counters are recomputed so the KB
// totals stay honest.
func (s *Service) DeleteDocument(ctx context.Context, id string) error {
	doc, err := s.meta.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	kb, err := s.meta.GetKnowledgeBase(ctx, doc.KnowledgeBaseID)
	if err != nil {
		return err
	}

	if err := s.clearIndexes(ctx, kb.CollectionName, doc.ID); err != nil {
		return err
	}
	if err := s.meta.SetDocumentDeleted(ctx, id, true); err != nil {
		return err
	}
	if err := s.meta.RecomputeCounters(ctx, kb.ID); err != nil {
		return err
	}

	s.logger.Info("document_deleted", "kb_id", kb.ID, "document_id", id)
	return nil
}

// RestoreDocument clears the soft-delete flag, resets the document to
// PENDING, and re-queues reprocessing. The indexes were cleared on delete,
// so a restored document has no chunks until the pipeline runs again.
func (s *Service) RestoreDocument(ctx context.Context, id string) error {
	doc, err := s.meta.GetDocument(ctx, id)
	if err != nil {
		return err
	}
	if !doc.Deleted {
		return nil
	}

	if err := s.meta.SetDocumentDeleted(ctx, id, false); err != nil {
		return err
	}
	if err := s.meta.UpdateDocumentStatuses(ctx, id, store.StatusPending, store.StatusPending, store.StatusPending); err != nil {
		return err
	}
	if err := s.meta.UpdateDocumentProgress(ctx, id, 0, "queued"); err != nil {
		return err
	}
	if err := s.meta.RecomputeCounters(ctx, doc.KnowledgeBaseID); err != nil {
		return err
	}

	s.logger.Info("document_restored", "document_id", id, "kb_id", doc.KnowledgeBaseID)
	if s.tasks != nil {
		return s.tasks.Enqueue(id, "reprocess")
	}
	return nil
}

func (s *Service) clearIndexes(ctx context.Context, collection, documentID string) error {
	if err := s.vectors.DeleteByFilter(ctx, collection, store.Filter{store.Eq("document_id", documentID)}); err != nil {
		if !errors.IsKind(err, errors.KindNotFound) {
			return errors.Wrap(errors.KindStoreUnavailable, "delete document vectors", err)
		}
	}
	if err := s.lexical.DeleteByDocument(ctx, documentID); err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "delete document lexical entries", err)
	}
	return nil
}
