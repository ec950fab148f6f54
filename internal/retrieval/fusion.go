package retrieval

import (
	"sort"
)

// fuse merges the dense and lexical result sets per the hybrid scheme:
// per-set max normalization, weight normalization, union by
// (document_id, chunk_index), weighted sum with a missing side contributing
// zero. The result is sorted by combined score descending with a
// deterministic tie break and is NOT yet thresholded or truncated.
func fuse(dense, lexical []RetrievedChunk, denseWeight, lexicalWeight float64) []RetrievedChunk {
	wd, wl := normalizeWeights(denseWeight, lexicalWeight)
	denseNorm := maxNormalize(dense)
	lexicalNorm := maxNormalize(lexical)

	type member struct {
		chunk       RetrievedChunk
		denseRaw    float64
		lexicalRaw  float64
		denseNorm   float64
		lexicalNorm float64
		hasDense    bool
		hasLexical  bool
		order       int
	}

	union := make(map[chunkKey]*member, len(dense)+len(lexical))
	next := 0
	for i, c := range dense {
		union[keyOf(c)] = &member{
			chunk:     c,
			denseRaw:  c.Score,
			denseNorm: denseNorm[i],
			hasDense:  true,
			order:     next,
		}
		next++
	}
	for i, c := range lexical {
		if m, ok := union[keyOf(c)]; ok {
			m.lexicalRaw = c.Score
			m.lexicalNorm = lexicalNorm[i]
			m.hasLexical = true
			continue
		}
		union[keyOf(c)] = &member{
			chunk:       c,
			lexicalRaw:  c.Score,
			lexicalNorm: lexicalNorm[i],
			hasLexical:  true,
			order:       next,
		}
		next++
	}

	fused := make([]RetrievedChunk, 0, len(union))
	members := make([]*member, 0, len(union))
	for _, m := range union {
		members = append(members, m)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].order < members[j].order })

	for _, m := range members {
		combined := wd*m.denseNorm + wl*m.lexicalNorm

		sourceType := SourceHybrid
		switch {
		case m.hasDense && !m.hasLexical:
			sourceType = SourceDense
		case m.hasLexical && !m.hasDense:
			sourceType = SourceLexical
		}

		c := m.chunk
		c.Score = combined
		c.Metadata = map[string]any{
			"source_type":        sourceType,
			"dense_score_raw":    m.denseRaw,
			"lexical_score_raw":  m.lexicalRaw,
			"dense_score_norm":   m.denseNorm,
			"lexical_score_norm": m.lexicalNorm,
			"dense_weight":       wd,
			"lexical_weight":     wl,
		}
		fused = append(fused, c)
	}

	sort.SliceStable(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		if fused[i].DocumentID != fused[j].DocumentID {
			return fused[i].DocumentID < fused[j].DocumentID
		}
		return fused[i].ChunkIndex < fused[j].ChunkIndex
	})
	return fused
}

// normalizeWeights scales the pair to sum to one. A non-positive sum falls
// back to an even split.
func normalizeWeights(wd, wl float64) (float64, float64) {
	sum := wd + wl
	if sum <= 0 {
		return 0.5, 0.5
	}
	return wd / sum, wl / sum
}

// maxNormalize maps scores into [0, 1] by dividing by the set maximum. A
// non-positive maximum yields all zeros.
func maxNormalize(chunks []RetrievedChunk) []float64 {
	norm := make([]float64, len(chunks))
	var max float64
	for _, c := range chunks {
		if c.Score > max {
			max = c.Score
		}
	}
	if max <= 0 {
		return norm
	}
	for i, c := range chunks {
		norm[i] = c.Score / max
	}
	return norm
}
