package store

import (
	"context"
	"encoding/gob"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/coder/hnsw"

	"github.com/ragforge/ragforge/internal/errors"
)

// DefaultUpsertBatchSize bounds one vector upsert batch.
const DefaultUpsertBatchSize = 256

// mmrPoolFactor sizes the MMR candidate pool: max(limit*mmrPoolFactor, limit).
const mmrPoolFactor = 10

// HNSWVectorStore is a file-backed VectorStore over coder/hnsw graphs, one
// collection per knowledge base. Vectors and payloads are kept alongside the
// graph so filtered search, MMR, and scroll can read them without a second
// lookup.
type HNSWVectorStore struct {
	dataDir string
	logger  *slog.Logger

	mu          sync.RWMutex
	collections map[string]*collection
	closed      bool
}

// collection is one named vector set with its graph and sidecar state.
type collection struct {
	Dims    int
	NextKey uint64
	// Keys maps point id -> graph key. Orphaned graph nodes from overwritten
	// ids are never re-resolved (lazy deletion).
	Keys     map[string]uint64
	IDs      map[uint64]string
	Vectors  map[uint64][]float32
	Payloads map[uint64]ChunkPayload

	graph *hnsw.Graph[uint64]
}

var _ VectorStore = (*HNSWVectorStore)(nil)

// NewHNSWVectorStore opens the vector store rooted at dataDir, loading any
// persisted collections.
func NewHNSWVectorStore(dataDir string, logger *slog.Logger) (*HNSWVectorStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, errors.Wrap(errors.KindStoreUnavailable, "create vector data dir", err)
	}

	s := &HNSWVectorStore{
		dataDir:     dataDir,
		logger:      logger,
		collections: make(map[string]*collection),
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	return s, nil
}

func newCollection(dims int) *collection {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	return &collection{
		Dims:     dims,
		Keys:     make(map[string]uint64),
		IDs:      make(map[uint64]string),
		Vectors:  make(map[uint64][]float32),
		Payloads: make(map[uint64]ChunkPayload),
		graph:    g,
	}
}

// EnsureCollection creates the collection when absent. An existing collection
// with a different dimension is an InvalidConfig error; the KB dimension is
// immutable.
func (s *HNSWVectorStore) EnsureCollection(_ context.Context, name string, dims int) error {
	if dims <= 0 {
		return errors.Newf(errors.KindInvalidConfig, "collection %q needs a positive dimension", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New(errors.KindStoreUnavailable, "vector store is closed")
	}

	if c, ok := s.collections[name]; ok {
		if c.Dims != dims {
			return errors.Newf(errors.KindInvalidConfig,
				"collection %q has dimension %d, requested %d", name, c.Dims, dims)
		}
		return nil
	}

	s.collections[name] = newCollection(dims)
	return nil
}

// CollectionExists reports whether the collection is known.
func (s *HNSWVectorStore) CollectionExists(_ context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, errors.New(errors.KindStoreUnavailable, "vector store is closed")
	}
	_, ok := s.collections[name]
	return ok, nil
}

// Upsert writes points in batches, preserving input order within the
// collection. Existing ids are overwritten via lazy deletion.
func (s *HNSWVectorStore) Upsert(ctx context.Context, name string, points []Point, batchSize int) error {
	if batchSize <= 0 {
		batchSize = DefaultUpsertBatchSize
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New(errors.KindStoreUnavailable, "vector store is closed")
	}
	c, ok := s.collections[name]
	if !ok {
		return errors.Newf(errors.KindNotFound, "collection %q does not exist", name)
	}

	for start := 0; start < len(points); start += batchSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + batchSize
		if end > len(points) {
			end = len(points)
		}
		for _, p := range points[start:end] {
			if len(p.Vector) != c.Dims {
				return errors.Newf(errors.KindInvalidConfig,
					"vector for point %q has dimension %d, collection %q requires %d",
					p.ID, len(p.Vector), name, c.Dims)
			}
			c.insert(p)
		}
	}

	return s.saveCollection(name, c)
}

// insert adds one point, orphaning any graph node of a previous version.
func (c *collection) insert(p Point) {
	if oldKey, exists := c.Keys[p.ID]; exists {
		delete(c.IDs, oldKey)
		delete(c.Vectors, oldKey)
		delete(c.Payloads, oldKey)
	}

	vec := make([]float32, len(p.Vector))
	copy(vec, p.Vector)
	normalizeInPlace(vec)

	key := c.NextKey
	c.NextKey++
	c.graph.Add(hnsw.MakeNode(key, vec))
	c.Keys[p.ID] = key
	c.IDs[key] = p.ID
	c.Vectors[key] = vec
	c.Payloads[key] = p.Payload
}

// Search runs a cosine nearest-neighbor query. With a filter, threshold, or
// MMR the candidate pool is widened to max(limit*10, limit) before selection.
// Scores are raw cosine similarities.
func (s *HNSWVectorStore) Search(ctx context.Context, name string, query []float32, opts SearchOptions) ([]ScoredPoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if opts.Limit <= 0 {
		return nil, errors.New(errors.KindInvalidConfig, "search limit must be positive")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errors.New(errors.KindStoreUnavailable, "vector store is closed")
	}
	c, ok := s.collections[name]
	if !ok {
		return nil, errors.Newf(errors.KindNotFound, "collection %q does not exist", name)
	}
	if len(query) != c.Dims {
		return nil, errors.Newf(errors.KindInvalidConfig,
			"query has dimension %d, collection %q requires %d", len(query), name, c.Dims)
	}
	if c.graph.Len() == 0 {
		return []ScoredPoint{}, nil
	}

	q := make([]float32, len(query))
	copy(q, query)
	normalizeInPlace(q)

	pool := opts.Limit
	widened := len(opts.Filter) > 0 || opts.ScoreThreshold != nil || opts.MMR != nil
	if widened {
		pool = opts.Limit * mmrPoolFactor
		if pool < opts.Limit {
			pool = opts.Limit
		}
	}
	if pool > len(c.Keys) {
		pool = len(c.Keys)
	}

	candidates := c.searchCandidates(q, pool, opts)
	if opts.MMR != nil {
		candidates = mmrSelect(c, q, candidates, opts.Limit, opts.MMR.Diversity)
	}
	if len(candidates) > opts.Limit {
		candidates = candidates[:opts.Limit]
	}
	return candidates, nil
}

// searchCandidates returns filtered, threshold-applied hits in descending
// score order, ties broken by ascending id.
func (c *collection) searchCandidates(q []float32, pool int, opts SearchOptions) []ScoredPoint {
	// The graph holds orphaned nodes from overwrites, so over-fetch and drop
	// unmapped keys.
	nodes := c.graph.Search(q, pool+(c.graph.Len()-len(c.Keys)))

	hits := make([]ScoredPoint, 0, pool)
	for _, node := range nodes {
		id, live := c.IDs[node.Key]
		if !live {
			continue
		}
		payload := c.Payloads[node.Key]
		if !opts.Filter.Matches(payload) {
			continue
		}
		score := 1 - float64(c.graph.Distance(q, node.Value))
		if opts.ScoreThreshold != nil && score < *opts.ScoreThreshold {
			continue
		}
		hits = append(hits, ScoredPoint{ID: id, Score: score, Payload: payload})
		if len(hits) >= pool {
			break
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	return hits
}

// mmrSelect greedily picks limit points maximizing
// (1-lambda)*sim(q, i) - lambda*max_{j in selected} sim(i, j).
// Ties break toward higher dense similarity, then lower point id.
func mmrSelect(c *collection, q []float32, candidates []ScoredPoint, limit int, lambda float64) []ScoredPoint {
	if len(candidates) <= 1 {
		return candidates
	}
	if limit > len(candidates) {
		limit = len(candidates)
	}

	vectors := make([][]float32, len(candidates))
	for i, cand := range candidates {
		vectors[i] = c.Vectors[c.Keys[cand.ID]]
	}

	selected := make([]ScoredPoint, 0, limit)
	selectedVecs := make([][]float32, 0, limit)
	remaining := make([]int, len(candidates))
	for i := range remaining {
		remaining[i] = i
	}

	for len(selected) < limit && len(remaining) > 0 {
		bestPos := -1
		bestObjective := math.Inf(-1)
		for pos, idx := range remaining {
			relevance := candidates[idx].Score
			var maxSim float64
			for _, sv := range selectedVecs {
				if sim := cosineSim(vectors[idx], sv); sim > maxSim {
					maxSim = sim
				}
			}
			objective := (1-lambda)*relevance - lambda*maxSim
			if bestPos < 0 || objective > bestObjective ||
				(objective == bestObjective && betterTie(candidates[idx], candidates[remaining[bestPos]])) {
				bestPos = pos
				bestObjective = objective
			}
		}

		idx := remaining[bestPos]
		selected = append(selected, candidates[idx])
		selectedVecs = append(selectedVecs, vectors[idx])
		remaining = append(remaining[:bestPos], remaining[bestPos+1:]...)
	}

	return selected
}

func betterTie(a, b ScoredPoint) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.ID < b.ID
}

// Scroll pages through payloads matching the filter, ordered by point id.
// The returned cursor is opaque; pass it back to continue, empty means done.
func (s *HNSWVectorStore) Scroll(ctx context.Context, name string, filter Filter, limit int, cursor string) ([]Point, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = 100
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, "", errors.New(errors.KindStoreUnavailable, "vector store is closed")
	}
	c, ok := s.collections[name]
	if !ok {
		return nil, "", errors.Newf(errors.KindNotFound, "collection %q does not exist", name)
	}

	ids := make([]string, 0, len(c.Keys))
	for id := range c.Keys {
		if cursor != "" && id <= cursor {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)

	points := make([]Point, 0, limit)
	var next string
	for _, id := range ids {
		key := c.Keys[id]
		payload := c.Payloads[key]
		if !filter.Matches(payload) {
			continue
		}
		points = append(points, Point{ID: id, Vector: c.Vectors[key], Payload: payload})
		if len(points) == limit {
			next = id
			break
		}
	}
	if next != "" && next == lastID(ids) {
		next = ""
	}
	return points, next, nil
}

func lastID(ids []string) string {
	if len(ids) == 0 {
		return ""
	}
	return ids[len(ids)-1]
}

// DeleteByFilter removes all points whose payload matches the filter.
func (s *HNSWVectorStore) DeleteByFilter(_ context.Context, name string, filter Filter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New(errors.KindStoreUnavailable, "vector store is closed")
	}
	c, ok := s.collections[name]
	if !ok {
		return errors.Newf(errors.KindNotFound, "collection %q does not exist", name)
	}

	for id, key := range c.Keys {
		if filter.Matches(c.Payloads[key]) {
			delete(c.Keys, id)
			delete(c.IDs, key)
			delete(c.Vectors, key)
			delete(c.Payloads, key)
		}
	}

	return s.saveCollection(name, c)
}

// Count returns the number of live points matching the filter.
func (s *HNSWVectorStore) Count(_ context.Context, name string, filter Filter) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, errors.New(errors.KindStoreUnavailable, "vector store is closed")
	}
	c, ok := s.collections[name]
	if !ok {
		return 0, errors.Newf(errors.KindNotFound, "collection %q does not exist", name)
	}

	n := 0
	for _, key := range c.Keys {
		if filter.Matches(c.Payloads[key]) {
			n++
		}
	}
	return n, nil
}

// Healthy reports reachability of the backing directory.
func (s *HNSWVectorStore) Healthy(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return errors.New(errors.KindStoreUnavailable, "vector store is closed")
	}
	if _, err := os.Stat(s.dataDir); err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "vector data dir unreachable", err)
	}
	return nil
}

// Close persists every collection and releases the store.
func (s *HNSWVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	var firstErr error
	for name, c := range s.collections {
		if err := s.saveCollection(name, c); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.closed = true
	return firstErr
}

// collectionFile is the gob-serialized form of a collection. Graphs are
// rebuilt from the stored vectors on load.
type collectionFile struct {
	Dims     int
	NextKey  uint64
	Keys     map[string]uint64
	Payloads map[uint64]ChunkPayload
	Vectors  map[uint64][]float32
}

// saveCollection writes the collection atomically (tmp + rename). Caller
// holds the lock.
func (s *HNSWVectorStore) saveCollection(name string, c *collection) error {
	path := s.collectionPath(name)
	tmp := path + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "create collection file", err)
	}
	enc := gob.NewEncoder(f)
	if err := enc.Encode(collectionFile{
		Dims:     c.Dims,
		NextKey:  c.NextKey,
		Keys:     c.Keys,
		Payloads: c.Payloads,
		Vectors:  c.Vectors,
	}); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindStoreUnavailable, "encode collection", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindStoreUnavailable, "close collection file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrap(errors.KindStoreUnavailable, "rename collection file", err)
	}
	return nil
}

func (s *HNSWVectorStore) collectionPath(name string) string {
	return filepath.Join(s.dataDir, name+".gob")
}

// loadAll restores persisted collections, rebuilding each graph from its
// stored vectors.
func (s *HNSWVectorStore) loadAll() error {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return errors.Wrap(errors.KindStoreUnavailable, "read vector data dir", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".gob") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".gob")

		f, err := os.Open(filepath.Join(s.dataDir, entry.Name()))
		if err != nil {
			return errors.Wrap(errors.KindStoreUnavailable, "open collection file", err)
		}
		var file collectionFile
		decErr := gob.NewDecoder(f).Decode(&file)
		_ = f.Close()
		if decErr != nil {
			s.logger.Warn("collection_load_failed",
				slog.String("collection", name),
				slog.String("error", decErr.Error()))
			continue
		}

		c := newCollection(file.Dims)
		c.NextKey = file.NextKey
		c.Keys = file.Keys
		c.Payloads = file.Payloads
		c.Vectors = file.Vectors
		for id, key := range file.Keys {
			c.IDs[key] = id
			c.graph.Add(hnsw.MakeNode(key, file.Vectors[key]))
		}
		s.collections[name] = c

		s.logger.Debug("collection_loaded",
			slog.String("collection", name),
			slog.Int("points", len(c.Keys)))
	}
	return nil
}

// normalizeInPlace scales v to unit length for cosine distance.
func normalizeInPlace(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := float32(math.Sqrt(sum))
	for i := range v {
		v[i] /= norm
	}
}

// cosineSim is the cosine similarity of two unit-normalized vectors.
func cosineSim(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot
}
