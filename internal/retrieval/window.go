package retrieval

import (
	"context"
	"sort"

	"github.com/ragforge/ragforge/internal/store"
)

// expandWindows augments each retrieved chunk with its neighbors within
// radius chunk indexes, fetched by scrolling the vector store. Ordering
// walks the original matches in their ranked order and emits each window's
// indices ascending; duplicates keep their first occurrence. Neighbors
// score zero.
func (e *Engine) expandWindows(ctx context.Context, collection string, chunks []RetrievedChunk, radius int) ([]RetrievedChunk, error) {
	if len(chunks) == 0 {
		return chunks, nil
	}

	neighbors, err := e.fetchNeighbors(ctx, collection, chunks, radius)
	if err != nil {
		return nil, err
	}

	retrieved := make(map[chunkKey]RetrievedChunk, len(chunks))
	for _, c := range chunks {
		retrieved[keyOf(c)] = c
	}

	var out []RetrievedChunk
	seen := make(map[chunkKey]bool, len(chunks)*(2*radius+1))
	for _, c := range chunks {
		lo, hi := c.ChunkIndex-radius, c.ChunkIndex+radius
		for idx := lo; idx <= hi; idx++ {
			key := chunkKey{documentID: c.DocumentID, chunkIndex: idx}
			if seen[key] {
				continue
			}
			if match, ok := retrieved[key]; ok {
				seen[key] = true
				out = append(out, match)
				continue
			}
			payload, ok := neighbors[key]
			if !ok {
				continue
			}
			seen[key] = true
			out = append(out, RetrievedChunk{
				Text:       payload.Text,
				DocumentID: payload.DocumentID,
				Filename:   payload.Filename,
				ChunkIndex: payload.ChunkIndex,
				Metadata:   map[string]any{"source_type": SourceWindow},
			})
		}
	}
	return out, nil
}

// fetchNeighbors scrolls the vector store once per document with the full
// set of wanted indices.
func (e *Engine) fetchNeighbors(ctx context.Context, collection string, chunks []RetrievedChunk, radius int) (map[chunkKey]store.ChunkPayload, error) {
	wanted := make(map[string]map[int]bool)
	for _, c := range chunks {
		indices := wanted[c.DocumentID]
		if indices == nil {
			indices = make(map[int]bool)
			wanted[c.DocumentID] = indices
		}
		for idx := c.ChunkIndex - radius; idx <= c.ChunkIndex+radius; idx++ {
			if idx >= 0 && idx != c.ChunkIndex {
				indices[idx] = true
			}
		}
	}

	neighbors := make(map[chunkKey]store.ChunkPayload)
	for docID, indices := range wanted {
		if len(indices) == 0 {
			continue
		}
		list := make([]any, 0, len(indices))
		for idx := range indices {
			list = append(list, idx)
		}
		sort.Slice(list, func(i, j int) bool { return list[i].(int) < list[j].(int) })

		filter := store.Filter{
			store.Eq("document_id", docID),
			store.In("chunk_index", list...),
		}
		cursor := ""
		for {
			points, next, err := e.vectors.Scroll(ctx, collection, filter, len(list), cursor)
			if err != nil {
				return nil, err
			}
			for _, p := range points {
				key := chunkKey{documentID: p.Payload.DocumentID, chunkIndex: p.Payload.ChunkIndex}
				neighbors[key] = p.Payload
			}
			if next == "" {
				break
			}
			cursor = next
		}
	}
	return neighbors, nil
}
