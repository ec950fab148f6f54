package retrieval

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ragforge/ragforge/internal/embed"
	"github.com/ragforge/ragforge/internal/errors"
	"github.com/ragforge/ragforge/internal/settings"
	"github.com/ragforge/ragforge/internal/store"
)

// Engine runs retrieval calls against the vector and lexical stores.
type Engine struct {
	vectors  store.VectorStore
	lexical  store.LexicalStore
	embedder embed.Embedder
	logger   *slog.Logger
}

// NewEngine builds an Engine.
func NewEngine(vectors store.VectorStore, lexical store.LexicalStore, embedder embed.Embedder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{vectors: vectors, lexical: lexical, embedder: embedder, logger: logger}
}

// Request is one retrieval call.
type Request struct {
	KB    *store.KnowledgeBase
	Query string
	// Config is the resolved effective configuration.
	Config *settings.Config
	// StructureFilter narrows retrieval to a chunk-index range, usually
	// produced by intent extraction. May be nil.
	StructureFilter store.Filter
	// DocumentIDs restricts retrieval to the listed documents. Empty means
	// all documents in the KB.
	DocumentIDs []string
}

// Retrieve runs the configured retrieval mode and windowed expansion. The
// returned chunks are ordered, thresholded, and truncated to top_k (window
// neighbors excepted, they extend past the limit).
func (e *Engine) Retrieve(ctx context.Context, req Request) ([]RetrievedChunk, error) {
	if req.KB == nil {
		return nil, errors.New(errors.KindInvalidConfig, "retrieval requires a knowledge base")
	}
	if req.Config == nil {
		return nil, errors.New(errors.KindInvalidConfig, "retrieval requires a resolved configuration")
	}
	if req.KB.DocumentCount == 0 {
		return nil, errors.Newf(errors.KindNotFound, "knowledge base %s has no documents", req.KB.ID)
	}

	filter, docIDs, empty := combineFilters(req.StructureFilter, req.DocumentIDs)
	if empty {
		return nil, nil
	}

	var chunks []RetrievedChunk
	var err error
	switch req.Config.RetrievalMode {
	case settings.ModeHybrid:
		chunks, err = e.retrieveHybrid(ctx, req, filter, docIDs)
	default:
		chunks, err = e.retrieveDense(ctx, req, filter)
	}
	if err != nil {
		return nil, err
	}

	if radius, on := req.Config.WindowExpansion(); on {
		chunks, err = e.expandWindows(ctx, req.KB.CollectionName, chunks, radius)
		if err != nil {
			return nil, err
		}
	}
	return chunks, nil
}

// combineFilters ANDs the structure filter with a user document restriction.
// The third result reports a provably empty intersection.
func combineFilters(structure store.Filter, documentIDs []string) (store.Filter, []string, bool) {
	if len(documentIDs) == 0 {
		return structure, nil, false
	}

	var structureDoc string
	for _, cond := range structure {
		if cond.Field == "document_id" && cond.Equals != nil {
			structureDoc, _ = cond.Equals.(string)
		}
	}
	if structureDoc == "" {
		f := append(store.Filter{}, structure...)
		f = append(f, store.In("document_id", toAny(documentIDs)...))
		return f, documentIDs, false
	}

	for _, id := range documentIDs {
		if id == structureDoc {
			return structure, []string{structureDoc}, false
		}
	}
	return nil, nil, true
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}

// retrieveDense embeds the query and searches the vector store. The score
// threshold applies to the raw similarity.
func (e *Engine) retrieveDense(ctx context.Context, req Request, filter store.Filter) ([]RetrievedChunk, error) {
	hits, err := e.denseSearch(ctx, req, filter, true)
	if err != nil {
		return nil, err
	}
	chunks := make([]RetrievedChunk, len(hits))
	for i, h := range hits {
		chunks[i] = fromScoredPoint(h, SourceDense)
	}
	return chunks, nil
}

func (e *Engine) denseSearch(ctx context.Context, req Request, filter store.Filter, applyThreshold bool) ([]store.ScoredPoint, error) {
	vector, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	opts := store.SearchOptions{
		Limit:  req.Config.TopK,
		Filter: filter,
	}
	if applyThreshold && req.Config.ScoreThreshold > 0 {
		threshold := req.Config.ScoreThreshold
		opts.ScoreThreshold = &threshold
	}
	if req.Config.UseMMR {
		opts.MMR = &store.MMRParams{Diversity: req.Config.MMRDiversity}
	}
	return e.vectors.Search(ctx, req.KB.CollectionName, vector, opts)
}

// retrieveHybrid runs both paths concurrently and fuses them. A lexical
// failure degrades to dense-only results with a warning rather than failing
// the call.
func (e *Engine) retrieveHybrid(ctx context.Context, req Request, filter store.Filter, docIDs []string) ([]RetrievedChunk, error) {
	var (
		densePoints []store.ScoredPoint
		lexicalHits []store.LexicalHit
		lexicalErr  error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		// Threshold is applied post-fusion on the combined score.
		points, err := e.denseSearch(gctx, req, filter, false)
		if err != nil {
			return err
		}
		densePoints = points
		return nil
	})
	g.Go(func() error {
		hits, err := e.lexical.Search(gctx, store.LexicalQuery{
			Query:           req.Query,
			KnowledgeBaseID: req.KB.ID,
			DocumentIDs:     docIDs,
			Limit:           req.Config.LexicalTopK,
			MatchMode:       req.Config.BM25MatchMode,
			MinShouldMatch:  req.Config.BM25MinShouldMatch,
			UsePhrase:       req.Config.BM25UsePhrase,
			Analyzer:        req.Config.BM25Analyzer,
		})
		if err != nil {
			// Degraded mode: keep the error aside, do not cancel the group.
			lexicalErr = err
			return nil
		}
		lexicalHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if lexicalErr != nil {
		e.logger.Warn("lexical_search_degraded", "kb_id", req.KB.ID, "error", lexicalErr)
	}

	dense := make([]RetrievedChunk, len(densePoints))
	for i, h := range densePoints {
		dense[i] = fromScoredPoint(h, SourceDense)
	}
	lexical := make([]RetrievedChunk, 0, len(lexicalHits))
	for _, h := range lexicalHits {
		// The lexical index is not structure-filtered; drop hits outside
		// the chunk-index range here.
		if req.StructureFilter.Matches(h.Payload) {
			lexical = append(lexical, fromLexicalHit(h))
		}
	}

	fused := fuse(dense, lexical, req.Config.HybridDenseWeight, req.Config.HybridLexicalWeight)

	out := fused[:0]
	for _, c := range fused {
		if req.Config.ScoreThreshold > 0 && c.Score < req.Config.ScoreThreshold {
			continue
		}
		out = append(out, c)
		if len(out) == req.Config.TopK {
			break
		}
	}
	return out, nil
}
