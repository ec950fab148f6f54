package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"os"
	"path/filepath"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/ragforge/ragforge/internal/errors"
)

// SQLiteMetadataStore is the relational source of truth: KB rows, document
// rows, structure rows, and the app settings singleton. WAL mode, busy
// timeout, foreign keys on.
type SQLiteMetadataStore struct {
	db *sql.DB
}

var _ MetadataStore = (*SQLiteMetadataStore)(nil)

const metadataSchema = `
CREATE TABLE IF NOT EXISTS knowledge_bases (
	id                    TEXT PRIMARY KEY,
	name                  TEXT NOT NULL,
	embedding_model       TEXT NOT NULL,
	embedding_dim         INTEGER NOT NULL,
	chunk_size            INTEGER NOT NULL,
	chunk_overlap         INTEGER NOT NULL,
	chunk_strategy        TEXT NOT NULL DEFAULT 'smart',
	bm25_match_mode       TEXT NOT NULL DEFAULT '',
	bm25_min_should_match INTEGER NOT NULL DEFAULT 0,
	bm25_use_phrase       INTEGER,
	bm25_analyzer         TEXT NOT NULL DEFAULT '',
	retrieval_settings    TEXT NOT NULL DEFAULT '{}',
	collection_name       TEXT NOT NULL UNIQUE,
	document_count        INTEGER NOT NULL DEFAULT 0,
	total_chunks          INTEGER NOT NULL DEFAULT 0,
	deleted               INTEGER NOT NULL DEFAULT 0,
	created_at            TIMESTAMP NOT NULL,
	updated_at            TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id                TEXT PRIMARY KEY,
	knowledge_base_id TEXT NOT NULL REFERENCES knowledge_bases(id),
	filename          TEXT NOT NULL,
	file_type         TEXT NOT NULL,
	content           TEXT NOT NULL,
	content_hash      TEXT NOT NULL,
	status            TEXT NOT NULL,
	embeddings_status TEXT NOT NULL,
	bm25_status       TEXT NOT NULL,
	error_message     TEXT NOT NULL DEFAULT '',
	chunk_count       INTEGER NOT NULL DEFAULT 0,
	progress          INTEGER NOT NULL DEFAULT 0,
	stage             TEXT NOT NULL DEFAULT '',
	deleted           INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMP NOT NULL,
	updated_at        TIMESTAMP NOT NULL,
	processed_at      TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_documents_kb ON documents(knowledge_base_id);
CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_documents_kb_hash
	ON documents(knowledge_base_id, content_hash) WHERE deleted = 0;

CREATE TABLE IF NOT EXISTS document_structures (
	document_id   TEXT PRIMARY KEY REFERENCES documents(id),
	document_type TEXT NOT NULL,
	sections      TEXT NOT NULL,
	approved      INTEGER NOT NULL DEFAULT 0,
	created_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS app_settings (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	settings   TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
`

// NewSQLiteMetadataStore opens (creating if needed) the metadata database at
// path and applies the schema.
func NewSQLiteMetadataStore(path string) (*SQLiteMetadataStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "create metadata dir", err)
	}

	dsn := "file:" + path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "open metadata database", err)
	}
	// SQLite writes serialize; one writer connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(metadataSchema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(errors.KindStoreUnavailable, "apply metadata schema", err)
	}

	return &SQLiteMetadataStore{db: db}, nil
}

// CreateKnowledgeBase inserts a KB row. Timestamps are stamped here.
func (s *SQLiteMetadataStore) CreateKnowledgeBase(ctx context.Context, kb *KnowledgeBase) error {
	now := time.Now().UTC()
	kb.CreatedAt = now
	kb.UpdatedAt = now

	settings, err := json.Marshal(orEmptyMap(kb.RetrievalSettings))
	if err != nil {
		return errors.Wrap(errors.KindInternal, "marshal retrieval settings", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO knowledge_bases (
			id, name, embedding_model, embedding_dim,
			chunk_size, chunk_overlap, chunk_strategy,
			bm25_match_mode, bm25_min_should_match, bm25_use_phrase, bm25_analyzer,
			retrieval_settings, collection_name, document_count, total_chunks,
			deleted, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, 0, ?, ?)`,
		kb.ID, kb.Name, kb.EmbeddingModel, kb.EmbeddingDim,
		kb.ChunkSize, kb.ChunkOverlap, kb.ChunkStrategy,
		kb.BM25MatchMode, kb.BM25MinShouldMatch, nullableBool(kb.BM25UsePhrase), kb.BM25Analyzer,
		string(settings), kb.CollectionName, kb.CreatedAt, kb.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Newf(errors.KindConflict, "knowledge base %q already exists", kb.ID)
	}
	if err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "insert knowledge base", err)
	}
	return nil
}

const kbColumns = `
	id, name, embedding_model, embedding_dim,
	chunk_size, chunk_overlap, chunk_strategy,
	bm25_match_mode, bm25_min_should_match, bm25_use_phrase, bm25_analyzer,
	retrieval_settings, collection_name, document_count, total_chunks,
	deleted, created_at, updated_at`

func scanKB(row interface{ Scan(...any) error }) (*KnowledgeBase, error) {
	var kb KnowledgeBase
	var settings string
	var usePhrase sql.NullBool
	err := row.Scan(
		&kb.ID, &kb.Name, &kb.EmbeddingModel, &kb.EmbeddingDim,
		&kb.ChunkSize, &kb.ChunkOverlap, &kb.ChunkStrategy,
		&kb.BM25MatchMode, &kb.BM25MinShouldMatch, &usePhrase, &kb.BM25Analyzer,
		&settings, &kb.CollectionName, &kb.DocumentCount, &kb.TotalChunks,
		&kb.Deleted, &kb.CreatedAt, &kb.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if usePhrase.Valid {
		v := usePhrase.Bool
		kb.BM25UsePhrase = &v
	}
	if settings != "" {
		if err := json.Unmarshal([]byte(settings), &kb.RetrievalSettings); err != nil {
			return nil, err
		}
	}
	return &kb, nil
}

// GetKnowledgeBase fetches a KB by id, deleted or not.
func (s *SQLiteMetadataStore) GetKnowledgeBase(ctx context.Context, id string) (*KnowledgeBase, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+kbColumns+` FROM knowledge_bases WHERE id = ?`, id)
	kb, err := scanKB(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindNotFound, "knowledge base %q not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "query knowledge base", err)
	}
	return kb, nil
}

// ListKnowledgeBases returns KBs ordered by creation time.
func (s *SQLiteMetadataStore) ListKnowledgeBases(ctx context.Context, includeDeleted bool) ([]*KnowledgeBase, error) {
	q := `SELECT ` + kbColumns + ` FROM knowledge_bases`
	if !includeDeleted {
		q += ` WHERE deleted = 0`
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "list knowledge bases", err)
	}
	defer func() { _ = rows.Close() }()

	var kbs []*KnowledgeBase
	for rows.Next() {
		kb, err := scanKB(rows)
		if err != nil {
			return nil, errors.Wrap(errors.KindStoreUnavailable, "scan knowledge base", err)
		}
		kbs = append(kbs, kb)
	}
	return kbs, rows.Err()
}

// UpdateKnowledgeBaseSettings replaces the KB retrieval settings JSON.
func (s *SQLiteMetadataStore) UpdateKnowledgeBaseSettings(ctx context.Context, id string, settings map[string]any) error {
	blob, err := json.Marshal(orEmptyMap(settings))
	if err != nil {
		return errors.Wrap(errors.KindInternal, "marshal retrieval settings", err)
	}
	return s.updateOne(ctx,
		`UPDATE knowledge_bases SET retrieval_settings = ?, updated_at = ? WHERE id = ?`,
		"knowledge base", id, string(blob), time.Now().UTC(), id)
}

// SetKnowledgeBaseDeleted flips the KB soft-delete flag.
func (s *SQLiteMetadataStore) SetKnowledgeBaseDeleted(ctx context.Context, id string, deleted bool) error {
	return s.updateOne(ctx,
		`UPDATE knowledge_bases SET deleted = ?, updated_at = ? WHERE id = ?`,
		"knowledge base", id, deleted, time.Now().UTC(), id)
}

// RecomputeCounters recomputes document_count and total_chunks from the
// documents table. Recomputation, never incrementing, keeps the counters
// idempotent under retries.
func (s *SQLiteMetadataStore) RecomputeCounters(ctx context.Context, kbID string) error {
	return s.updateOne(ctx, `
		UPDATE knowledge_bases SET
			document_count = (SELECT COUNT(*) FROM documents WHERE knowledge_base_id = ? AND deleted = 0),
			total_chunks   = (SELECT COALESCE(SUM(chunk_count), 0) FROM documents WHERE knowledge_base_id = ? AND deleted = 0),
			updated_at = ?
		WHERE id = ?`,
		"knowledge base", kbID, kbID, kbID, time.Now().UTC(), kbID)
}

// CreateDocument inserts a document row. A duplicate content hash among the
// KB's non-deleted documents is a Conflict.
func (s *SQLiteMetadataStore) CreateDocument(ctx context.Context, doc *Document) error {
	now := time.Now().UTC()
	doc.CreatedAt = now
	doc.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (
			id, knowledge_base_id, filename, file_type, content, content_hash,
			status, embeddings_status, bm25_status, error_message,
			chunk_count, progress, stage, deleted, created_at, updated_at, processed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, NULL)`,
		doc.ID, doc.KnowledgeBaseID, doc.Filename, doc.FileType, doc.Content, doc.ContentHash,
		doc.Status, doc.EmbeddingsStatus, doc.BM25Status, doc.ErrorMessage,
		doc.ChunkCount, doc.Progress, doc.Stage, doc.CreatedAt, doc.UpdatedAt)
	if isUniqueViolation(err) {
		return errors.Newf(errors.KindConflict,
			"document with the same content already exists in knowledge base %q", doc.KnowledgeBaseID)
	}
	if err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "insert document", err)
	}
	return nil
}

const docColumns = `
	id, knowledge_base_id, filename, file_type, content, content_hash,
	status, embeddings_status, bm25_status, error_message,
	chunk_count, progress, stage, deleted, created_at, updated_at, processed_at`

func scanDocument(row interface{ Scan(...any) error }) (*Document, error) {
	var doc Document
	var processedAt sql.NullTime
	err := row.Scan(
		&doc.ID, &doc.KnowledgeBaseID, &doc.Filename, &doc.FileType, &doc.Content, &doc.ContentHash,
		&doc.Status, &doc.EmbeddingsStatus, &doc.BM25Status, &doc.ErrorMessage,
		&doc.ChunkCount, &doc.Progress, &doc.Stage, &doc.Deleted,
		&doc.CreatedAt, &doc.UpdatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		doc.ProcessedAt = &t
	}
	return &doc, nil
}

// GetDocument fetches a document by id.
func (s *SQLiteMetadataStore) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+docColumns+` FROM documents WHERE id = ?`, id)
	doc, err := scanDocument(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindNotFound, "document %q not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "query document", err)
	}
	return doc, nil
}

// FindDocumentByHash returns the non-deleted document with the hash, or a
// NotFound error.
func (s *SQLiteMetadataStore) FindDocumentByHash(ctx context.Context, kbID, hash string) (*Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+docColumns+` FROM documents
		 WHERE knowledge_base_id = ? AND content_hash = ? AND deleted = 0`, kbID, hash)
	doc, err := scanDocument(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindNotFound, "no document with that hash in knowledge base %q", kbID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "query document by hash", err)
	}
	return doc, nil
}

// ListDocuments returns the KB's documents ordered by creation time.
func (s *SQLiteMetadataStore) ListDocuments(ctx context.Context, kbID string, includeDeleted bool) ([]*Document, error) {
	q := `SELECT ` + docColumns + ` FROM documents WHERE knowledge_base_id = ?`
	if !includeDeleted {
		q += ` AND deleted = 0`
	}
	q += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, q, kbID)
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "list documents", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, errors.Wrap(errors.KindStoreUnavailable, "scan document", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ListNonTerminalDocuments returns every non-deleted document still in
// PENDING or PROCESSING. Used by startup recovery to FAIL-stamp orphans.
func (s *SQLiteMetadataStore) ListNonTerminalDocuments(ctx context.Context) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+docColumns+` FROM documents WHERE deleted = 0 AND status IN (?, ?)`,
		StatusPending, StatusProcessing)
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "list non-terminal documents", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, errors.Wrap(errors.KindStoreUnavailable, "scan document", err)
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatuses writes the three statuses in one update.
func (s *SQLiteMetadataStore) UpdateDocumentStatuses(ctx context.Context, id string, overall, embeddings, bm25 Status) error {
	return s.updateOne(ctx,
		`UPDATE documents SET status = ?, embeddings_status = ?, bm25_status = ?, updated_at = ? WHERE id = ?`,
		"document", id, overall, embeddings, bm25, time.Now().UTC(), id)
}

// UpdateDocumentProgress writes the progress percentage and stage string.
func (s *SQLiteMetadataStore) UpdateDocumentProgress(ctx context.Context, id string, progress int, stage string) error {
	return s.updateOne(ctx,
		`UPDATE documents SET progress = ?, stage = ?, updated_at = ? WHERE id = ?`,
		"document", id, progress, stage, time.Now().UTC(), id)
}

// SetDocumentResult writes the terminal bookkeeping: chunk count, error
// message, processed timestamp.
func (s *SQLiteMetadataStore) SetDocumentResult(ctx context.Context, id string, chunkCount int, errorMessage string, processedAt *time.Time) error {
	var ts sql.NullTime
	if processedAt != nil {
		ts = sql.NullTime{Time: *processedAt, Valid: true}
	}
	return s.updateOne(ctx,
		`UPDATE documents SET chunk_count = ?, error_message = ?, processed_at = ?, updated_at = ? WHERE id = ?`,
		"document", id, chunkCount, errorMessage, ts, time.Now().UTC(), id)
}

// SetDocumentDeleted flips the document soft-delete flag.
func (s *SQLiteMetadataStore) SetDocumentDeleted(ctx context.Context, id string, deleted bool) error {
	return s.updateOne(ctx,
		`UPDATE documents SET deleted = ?, updated_at = ? WHERE id = ?`,
		"document", id, deleted, time.Now().UTC(), id)
}

// SaveStructure upserts the document's section tree.
func (s *SQLiteMetadataStore) SaveStructure(ctx context.Context, st *DocumentStructure) error {
	sections, err := json.Marshal(st.Sections)
	if err != nil {
		return errors.Wrap(errors.KindInternal, "marshal structure sections", err)
	}
	if st.CreatedAt.IsZero() {
		st.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO document_structures (document_id, document_type, sections, approved, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(document_id) DO UPDATE SET
			document_type = excluded.document_type,
			sections = excluded.sections,
			approved = excluded.approved`,
		st.DocumentID, st.DocumentType, string(sections), st.Approved, st.CreatedAt)
	if err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "save document structure", err)
	}
	return nil
}

// GetStructure fetches the document's stored structure.
func (s *SQLiteMetadataStore) GetStructure(ctx context.Context, documentID string) (*DocumentStructure, error) {
	var st DocumentStructure
	var sections string
	err := s.db.QueryRowContext(ctx,
		`SELECT document_id, document_type, sections, approved, created_at
		 FROM document_structures WHERE document_id = ?`, documentID).
		Scan(&st.DocumentID, &st.DocumentType, &sections, &st.Approved, &st.CreatedAt)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindNotFound, "no structure stored for document %q", documentID)
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "query document structure", err)
	}
	if err := json.Unmarshal([]byte(sections), &st.Sections); err != nil {
		return nil, errors.Wrap(errors.KindProviderPermanent, "decode structure sections", err)
	}
	return &st, nil
}

// GetAppSettings returns the global settings map; an absent row is an empty
// map, not an error.
func (s *SQLiteMetadataStore) GetAppSettings(ctx context.Context) (map[string]any, error) {
	var blob string
	err := s.db.QueryRowContext(ctx, `SELECT settings FROM app_settings WHERE id = 1`).Scan(&blob)
	if stderrors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "query app settings", err)
	}

	var settings map[string]any
	if err := json.Unmarshal([]byte(blob), &settings); err != nil {
		return nil, errors.Wrap(errors.KindProviderPermanent, "decode app settings", err)
	}
	return settings, nil
}

// SaveAppSettings replaces the global settings singleton.
func (s *SQLiteMetadataStore) SaveAppSettings(ctx context.Context, settings map[string]any) error {
	blob, err := json.Marshal(orEmptyMap(settings))
	if err != nil {
		return errors.Wrap(errors.KindInternal, "marshal app settings", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO app_settings (id, settings, updated_at) VALUES (1, ?, ?)
		ON CONFLICT(id) DO UPDATE SET settings = excluded.settings, updated_at = excluded.updated_at`,
		string(blob), time.Now().UTC())
	if err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "save app settings", err)
	}
	return nil
}

// Healthy pings the database.
func (s *SQLiteMetadataStore) Healthy(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "metadata database unreachable", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteMetadataStore) Close() error {
	return s.db.Close()
}

// updateOne runs an update that must touch exactly one row; zero rows means
// the entity does not exist.
func (s *SQLiteMetadataStore) updateOne(ctx context.Context, query, entity, id string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "update "+entity, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "rows affected", err)
	}
	if n == 0 {
		return errors.Newf(errors.KindNotFound, "%s %q not found", entity, id)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if stderrors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func nullableBool(b *bool) any {
	if b == nil {
		return nil
	}
	return *b
}

func orEmptyMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
