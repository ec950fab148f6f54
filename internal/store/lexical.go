package store

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/en"
	"github.com/blevesearch/bleve/v2/analysis/lang/ru"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/ragforge/ragforge/internal/errors"
)

// Analyzer names accepted by lexical queries. "auto" resolves to mixed.
const (
	AnalyzerMixed = "mixed"
	AnalyzerRu    = "ru"
	AnalyzerEn    = "en"
	AnalyzerAuto  = "auto"
)

// Match modes for BM25 queries.
const (
	MatchStrict   = "strict"
	MatchBalanced = "balanced"
	MatchLoose    = "loose"
)

// balancedMinShouldMatch is the percentage applied by the balanced mode when
// no explicit min_should_match is given.
const balancedMinShouldMatch = 50

// BleveLexicalStore is the BM25 index over bleve, one shared index for all
// KBs. Entries are keyed "{document_id}:{chunk_index}".
type BleveLexicalStore struct {
	logger *slog.Logger

	mu     sync.RWMutex
	index  bleve.Index
	closed bool
}

// lexicalDoc is the indexed shape of a chunk. Field names follow the payload
// wire schema.
type lexicalDoc struct {
	Content         string    `json:"content"`
	KnowledgeBaseID string    `json:"knowledge_base_id"`
	DocumentID      string    `json:"document_id"`
	Filename        string    `json:"filename"`
	FileType        string    `json:"file_type"`
	ChunkIndex      int       `json:"chunk_index"`
	CharCount       int       `json:"char_count"`
	WordCount       int       `json:"word_count"`
	IndexedAt       time.Time `json:"indexed_at"`
}

var _ LexicalStore = (*BleveLexicalStore)(nil)

// NewBleveLexicalStore opens (or creates with the standard analyzers) the
// shared lexical index at path. Empty path builds an in-memory index.
func NewBleveLexicalStore(path string, logger *slog.Logger) (*BleveLexicalStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	im, err := buildIndexMapping()
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "build lexical index mapping", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(im)
	} else {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return nil, errors.Wrap(errors.KindStoreUnavailable, "create lexical index dir", mkErr)
		}
		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			logger.Info("lexical_index_created", slog.String("path", path))
			idx, err = bleve.New(path, im)
		}
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "open lexical index", err)
	}

	return &BleveLexicalStore{index: idx, logger: logger}, nil
}

// buildIndexMapping defines the shared index: BM25 scoring, the custom mixed
// analyzer (unicode tokens, lowercase, ru+en stopwords and snowball
// stemmers), registered ru/en analyzers, keyword identifiers, numeric counts.
func buildIndexMapping() (*mapping.IndexMappingImpl, error) {
	im := bleve.NewIndexMapping()
	im.ScoringModel = "bm25"

	err := im.AddCustomAnalyzer(AnalyzerMixed, map[string]any{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
			ru.StopName,
			en.StopName,
			ru.SnowballStemmerName,
			en.SnowballStemmerName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("add mixed analyzer: %w", err)
	}

	content := bleve.NewTextFieldMapping()
	content.Analyzer = AnalyzerMixed

	kw := bleve.NewTextFieldMapping()
	kw.Analyzer = keyword.Name

	num := bleve.NewNumericFieldMapping()
	date := bleve.NewDateTimeFieldMapping()

	doc := bleve.NewDocumentMapping()
	doc.AddFieldMappingsAt("content", content)
	doc.AddFieldMappingsAt("knowledge_base_id", kw)
	doc.AddFieldMappingsAt("document_id", kw)
	doc.AddFieldMappingsAt("filename", kw)
	doc.AddFieldMappingsAt("file_type", kw)
	doc.AddFieldMappingsAt("chunk_index", num)
	doc.AddFieldMappingsAt("char_count", num)
	doc.AddFieldMappingsAt("word_count", num)
	doc.AddFieldMappingsAt("indexed_at", date)

	im.DefaultMapping = doc
	im.DefaultAnalyzer = AnalyzerMixed
	return im, nil
}

// chunkKey is the lexical document id for a chunk.
func chunkKey(documentID string, chunkIndex int) string {
	return documentID + ":" + strconv.Itoa(chunkIndex)
}

// IndexChunks bulk-indexes chunks and returns the number indexed. The batch
// is atomic at the bleve level, so the count is all-or-nothing.
func (b *BleveLexicalStore) IndexChunks(ctx context.Context, chunks []ChunkPayload) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if len(chunks) == 0 {
		return 0, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, errors.New(errors.KindStoreUnavailable, "lexical store is closed")
	}

	batch := b.index.NewBatch()
	for _, c := range chunks {
		doc := lexicalDoc{
			Content:         c.Text,
			KnowledgeBaseID: c.KnowledgeBaseID,
			DocumentID:      c.DocumentID,
			Filename:        c.Filename,
			FileType:        c.FileType,
			ChunkIndex:      c.ChunkIndex,
			CharCount:       c.CharCount,
			WordCount:       c.WordCount,
			IndexedAt:       c.IndexedAt,
		}
		if err := batch.Index(chunkKey(c.DocumentID, c.ChunkIndex), doc); err != nil {
			return 0, errors.Wrap(errors.KindStoreUnavailable, "add chunk to lexical batch", err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return 0, errors.Wrap(errors.KindStoreUnavailable, "execute lexical batch", err)
	}
	return len(chunks), nil
}

// Search runs a BM25 query with the effective lexical knobs. When the chosen
// analyzer is rejected, the query retries once with the index default.
func (b *BleveLexicalStore) Search(ctx context.Context, q LexicalQuery) ([]LexicalHit, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return nil, errors.New(errors.KindStoreUnavailable, "lexical store is closed")
	}
	if strings.TrimSpace(q.Query) == "" {
		return []LexicalHit{}, nil
	}
	if q.Limit <= 0 {
		q.Limit = 20
	}

	analyzer := resolveAnalyzer(q.Analyzer)
	hits, err := b.runSearch(ctx, q, analyzer)
	if err != nil && analyzer != "" {
		b.logger.Warn("lexical_analyzer_fallback",
			slog.String("analyzer", analyzer),
			slog.String("error", err.Error()))
		hits, err = b.runSearch(ctx, q, "")
	}
	if err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "lexical search failed", err)
	}
	return hits, nil
}

func resolveAnalyzer(name string) string {
	switch name {
	case AnalyzerRu, AnalyzerEn, AnalyzerMixed:
		return name
	case AnalyzerAuto, "":
		return AnalyzerMixed
	default:
		return name
	}
}

func (b *BleveLexicalStore) runSearch(ctx context.Context, q LexicalQuery, analyzer string) ([]LexicalHit, error) {
	main := buildContentQuery(q, analyzer)

	boolean := bleve.NewBooleanQuery()
	boolean.AddMust(main)
	if q.KnowledgeBaseID != "" {
		kb := bleve.NewTermQuery(q.KnowledgeBaseID)
		kb.SetField("knowledge_base_id")
		boolean.AddMust(kb)
	}
	if len(q.DocumentIDs) > 0 {
		docs := bleve.NewDisjunctionQuery()
		docs.SetMin(1)
		for _, id := range q.DocumentIDs {
			t := bleve.NewTermQuery(id)
			t.SetField("document_id")
			docs.AddQuery(t)
		}
		boolean.AddMust(docs)
	}

	req := bleve.NewSearchRequestOptions(boolean, q.Limit, 0, false)
	req.Fields = []string{"*"}

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, err
	}

	hits := make([]LexicalHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		docID, chunkIdx := splitChunkKey(hit.ID)
		hits = append(hits, LexicalHit{
			DocumentID: docID,
			ChunkIndex: chunkIdx,
			Score:      hit.Score,
			Payload:    payloadFromFields(hit.ID, hit.Fields),
		})
	}
	return hits, nil
}

// buildContentQuery assembles the match-mode query over content.
//
// strict: one match query with operator AND. balanced/loose: per-token match
// queries under a disjunction whose min is ceil(tokens * pct / 100); balanced
// defaults the pct to 50, loose to 0. An explicit MinShouldMatch > 0
// overrides the mode policy. use_phrase adds a match_phrase alternative under
// an outer min-1 disjunction.
func buildContentQuery(q LexicalQuery, analyzer string) query.Query {
	var main query.Query

	if q.MatchMode == MatchStrict {
		m := bleve.NewMatchQuery(q.Query)
		m.SetField("content")
		m.SetOperator(query.MatchQueryOperatorAnd)
		if analyzer != "" {
			m.Analyzer = analyzer
		}
		main = m
	} else {
		pct := 0
		if q.MatchMode == MatchBalanced || q.MatchMode == "" {
			pct = balancedMinShouldMatch
		}
		if q.MinShouldMatch > 0 {
			pct = q.MinShouldMatch
		}

		tokens := strings.Fields(q.Query)
		dis := bleve.NewDisjunctionQuery()
		for _, tok := range tokens {
			m := bleve.NewMatchQuery(tok)
			m.SetField("content")
			if analyzer != "" {
				m.Analyzer = analyzer
			}
			dis.AddQuery(m)
		}
		if pct > 0 && len(tokens) > 0 {
			min := int(math.Ceil(float64(len(tokens)) * float64(pct) / 100))
			if min > len(tokens) {
				min = len(tokens)
			}
			dis.SetMin(float64(min))
		}
		main = dis
	}

	if q.UsePhrase {
		phrase := bleve.NewMatchPhraseQuery(q.Query)
		phrase.SetField("content")
		if analyzer != "" {
			phrase.Analyzer = analyzer
		}
		outer := bleve.NewDisjunctionQuery()
		outer.AddQuery(main)
		outer.AddQuery(phrase)
		outer.SetMin(1)
		return outer
	}
	return main
}

func splitChunkKey(id string) (string, int) {
	i := strings.LastIndexByte(id, ':')
	if i < 0 {
		return id, 0
	}
	idx, _ := strconv.Atoi(id[i+1:])
	return id[:i], idx
}

// payloadFromFields rebuilds the chunk payload from stored hit fields.
func payloadFromFields(id string, fields map[string]any) ChunkPayload {
	docID, chunkIdx := splitChunkKey(id)
	p := ChunkPayload{DocumentID: docID, ChunkIndex: chunkIdx}

	if v, ok := fields["content"].(string); ok {
		p.Text = v
	}
	if v, ok := fields["knowledge_base_id"].(string); ok {
		p.KnowledgeBaseID = v
	}
	if v, ok := fields["filename"].(string); ok {
		p.Filename = v
	}
	if v, ok := fields["file_type"].(string); ok {
		p.FileType = v
	}
	if v, ok := fields["char_count"].(float64); ok {
		p.CharCount = int(v)
	}
	if v, ok := fields["word_count"].(float64); ok {
		p.WordCount = int(v)
	}
	if v, ok := fields["indexed_at"].(string); ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			p.IndexedAt = ts
		}
	}
	return p
}

// DeleteByDocument removes every chunk entry of the document.
func (b *BleveLexicalStore) DeleteByDocument(ctx context.Context, documentID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return errors.New(errors.KindStoreUnavailable, "lexical store is closed")
	}

	for {
		t := bleve.NewTermQuery(documentID)
		t.SetField("document_id")
		req := bleve.NewSearchRequestOptions(t, 1000, 0, false)

		result, err := b.index.SearchInContext(ctx, req)
		if err != nil {
			return errors.Wrap(errors.KindStoreUnavailable, "find chunks to delete", err)
		}
		if len(result.Hits) == 0 {
			return nil
		}

		batch := b.index.NewBatch()
		for _, hit := range result.Hits {
			batch.Delete(hit.ID)
		}
		if err := b.index.Batch(batch); err != nil {
			return errors.Wrap(errors.KindStoreUnavailable, "delete lexical batch", err)
		}
	}
}

// CountByDocument returns the number of indexed chunks for the document.
func (b *BleveLexicalStore) CountByDocument(ctx context.Context, documentID string) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, errors.New(errors.KindStoreUnavailable, "lexical store is closed")
	}

	t := bleve.NewTermQuery(documentID)
	t.SetField("document_id")
	req := bleve.NewSearchRequestOptions(t, 0, 0, false)

	result, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return 0, errors.Wrap(errors.KindStoreUnavailable, "count lexical chunks", err)
	}
	return int(result.Total), nil
}

// Healthy checks the index responds.
func (b *BleveLexicalStore) Healthy(_ context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New(errors.KindStoreUnavailable, "lexical store is closed")
	}
	if _, err := b.index.DocCount(); err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "lexical index unreachable", err)
	}
	return nil
}

// Close closes the underlying index.
func (b *BleveLexicalStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}
