// Package store provides the three persistence backends of the engine: the
// dense vector store (HNSW), the lexical BM25 store (bleve), and the
// relational metadata store (SQLite). The stores are not jointly
// transactional; consistency is restored by recomputing counters and by
// idempotent delete-by-filter plus re-ingest.
package store

import (
	"context"
	"time"
)

// Status is a document processing status. Three statuses live on every
// document: overall, embeddings, and BM25.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// statusRank orders the lattice PENDING -> PROCESSING -> COMPLETED.
var statusRank = map[Status]int{
	StatusPending:    0,
	StatusProcessing: 1,
	StatusCompleted:  2,
}

// CombineStatus derives the overall status from the two sub-statuses: the
// minimum by the lattice, with FAILED shadowing everything.
func CombineStatus(embeddings, bm25 Status) Status {
	if embeddings == StatusFailed || bm25 == StatusFailed {
		return StatusFailed
	}
	if statusRank[embeddings] <= statusRank[bm25] {
		return embeddings
	}
	return bm25
}

// KnowledgeBase is a tenant-scoped collection of documents with a fixed
// embedding model and retrieval defaults.
type KnowledgeBase struct {
	ID             string
	Name           string
	EmbeddingModel string
	// EmbeddingDim is immutable after creation; every vector written for this
	// KB must have this length.
	EmbeddingDim int

	ChunkSize     int
	ChunkOverlap  int
	ChunkStrategy string

	// BM25 override columns, the four lexical defaults.
	BM25MatchMode      string
	BM25MinShouldMatch int
	BM25UsePhrase      *bool
	BM25Analyzer       string

	// RetrievalSettings is the KB-level settings JSON (nullable keys only).
	RetrievalSettings map[string]any

	// CollectionName is "kb_" + hex(id), unique, no hyphens.
	CollectionName string

	DocumentCount int
	TotalChunks   int

	Deleted   bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Document is one uploaded text document inside a KB.
type Document struct {
	ID              string
	KnowledgeBaseID string
	Filename        string
	FileType        string
	Content         string
	ContentHash     string

	Status           Status
	EmbeddingsStatus Status
	BM25Status       Status
	ErrorMessage     string

	ChunkCount int
	Progress   int
	Stage      string

	Deleted     bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
	ProcessedAt *time.Time
}

// Section is one node of a document structure tree.
type Section struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Type        string            `json:"type"`
	ChunkStart  int               `json:"chunk_start"`
	ChunkEnd    int               `json:"chunk_end"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Subsections []Section         `json:"subsections,omitempty"`
}

// DocumentStructure is the stored section hierarchy of one document.
type DocumentStructure struct {
	DocumentID   string
	DocumentType string
	Sections     []Section
	Approved     bool
	CreatedAt    time.Time
}

// ChunkPayload is the schema carried on every vector point and mirrored into
// the lexical index.
type ChunkPayload struct {
	DocumentID      string    `json:"document_id"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	ChunkIndex      int       `json:"chunk_index"`
	Text            string    `json:"text"`
	CharCount       int       `json:"char_count"`
	WordCount       int       `json:"word_count"`
	StartChar       int       `json:"start_char"`
	EndChar         int       `json:"end_char"`
	Filename        string    `json:"filename"`
	FileType        string    `json:"file_type"`
	IndexedAt       time.Time `json:"indexed_at"`
}

// Point is one vector store entry.
type Point struct {
	ID      string
	Vector  []float32
	Payload ChunkPayload
}

// ScoredPoint is a search hit with its raw similarity score.
type ScoredPoint struct {
	ID      string
	Score   float64
	Payload ChunkPayload
}

// IntRange is an integer range clause.
type IntRange struct {
	GTE *int
	LTE *int
	GT  *int
	LT  *int
}

// Condition matches one payload field. Exactly one of Equals, AnyOf, Range is
// set.
type Condition struct {
	Field  string
	Equals any
	AnyOf  []any
	Range  *IntRange
}

// Filter is a conjunction of field conditions. A nil or empty filter matches
// everything.
type Filter []Condition

// Eq builds an exact-match condition.
func Eq(field string, value any) Condition {
	return Condition{Field: field, Equals: value}
}

// In builds an any-of condition.
func In(field string, values ...any) Condition {
	return Condition{Field: field, AnyOf: values}
}

// Between builds a closed integer range condition.
func Between(field string, gte, lte int) Condition {
	return Condition{Field: field, Range: &IntRange{GTE: &gte, LTE: &lte}}
}

// MMRParams enables maximal marginal relevance selection on a search.
type MMRParams struct {
	// Diversity is the lambda in [0, 1]: 0 is pure relevance, 1 maximizes
	// diversity within the candidate pool.
	Diversity float64
}

// SearchOptions tunes a vector search.
type SearchOptions struct {
	Limit int
	// ScoreThreshold drops hits below the raw similarity when non-nil.
	ScoreThreshold *float64
	Filter         Filter
	MMR            *MMRParams
}

// VectorStore is the dense index contract.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, dims int) error
	CollectionExists(ctx context.Context, name string) (bool, error)
	Upsert(ctx context.Context, name string, points []Point, batchSize int) error
	Search(ctx context.Context, name string, query []float32, opts SearchOptions) ([]ScoredPoint, error)
	Scroll(ctx context.Context, name string, filter Filter, limit int, cursor string) ([]Point, string, error)
	DeleteByFilter(ctx context.Context, name string, filter Filter) error
	Count(ctx context.Context, name string, filter Filter) (int, error)
	Healthy(ctx context.Context) error
	Close() error
}

// LexicalQuery is one BM25 search call.
type LexicalQuery struct {
	Query           string
	KnowledgeBaseID string
	DocumentIDs     []string
	Limit           int

	// MatchMode is strict, balanced, or loose.
	MatchMode string
	// MinShouldMatch (0..100) overrides the mode policy when > 0.
	MinShouldMatch int
	UsePhrase      bool
	// Analyzer is auto, mixed, ru, or en.
	Analyzer string
}

// LexicalHit is one BM25 search result with its raw score.
type LexicalHit struct {
	DocumentID string
	ChunkIndex int
	Score      float64
	Payload    ChunkPayload
}

// LexicalStore is the BM25 index contract. Entries are keyed by
/// "{document_id}:{chunk_index}" in one shared index.
type LexicalStore interface {
	IndexChunks(ctx context.Context, chunks []ChunkPayload) (int, error)
	Search(ctx context.Context, q LexicalQuery) ([]LexicalHit, error)
	DeleteByDocument(ctx context.Context, documentID string) error
	CountByDocument(ctx context.Context, documentID string) (int, error)
	Healthy(ctx context.Context) error
	Close() error
}

// MetadataStore is the relational source of truth.
type MetadataStore interface {
	CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error
	GetKnowledgeBase(ctx context.Context, id string) (*KnowledgeBase, error)
	ListKnowledgeBases(ctx context.Context, includeDeleted bool) ([]*KnowledgeBase, error)
	UpdateKnowledgeBaseSettings(ctx context.Context, id string, settings map[string]any) error
	SetKnowledgeBaseDeleted(ctx context.Context, id string, deleted bool) error
	RecomputeCounters(ctx context.Context, kbID string) error

	CreateDocument(ctx context.Context, doc *Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	FindDocumentByHash(ctx context.Context, kbID, hash string) (*Document, error)
	ListDocuments(ctx context.Context, kbID string, includeDeleted bool) ([]*Document, error)
	ListNonTerminalDocuments(ctx context.Context) ([]*Document, error)
	UpdateDocumentStatuses(ctx context.Context, id string, overall, embeddings, bm25 Status) error
	UpdateDocumentProgress(ctx context.Context, id string, progress int, stage string) error
	SetDocumentResult(ctx context.Context, id string, chunkCount int, errorMessage string, processedAt *time.Time) error
	SetDocumentDeleted(ctx context.Context, id string, deleted bool) error

	SaveStructure(ctx context.Context, s *DocumentStructure) error
	GetStructure(ctx context.Context, documentID string) (*DocumentStructure, error)

	GetAppSettings(ctx context.Context) (map[string]any, error)
	SaveAppSettings(ctx context.Context, settings map[string]any) error

	Healthy(ctx context.Context) error
	Close() error
}
