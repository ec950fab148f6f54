package store

// Matches evaluates the conjunction against a payload. Unknown fields never
// match, so a typo'd filter returns nothing rather than everything.
func (f Filter) Matches(p ChunkPayload) bool {
	for _, cond := range f {
		if !cond.matches(p) {
			return false
		}
	}
	return true
}

func (c Condition) matches(p ChunkPayload) bool {
	value, ok := payloadField(p, c.Field)
	if !ok {
		return false
	}

	switch {
	case c.Range != nil:
		n, isInt := asInt(value)
		return isInt && c.Range.contains(n)
	case c.AnyOf != nil:
		for _, want := range c.AnyOf {
			if fieldEqual(value, want) {
				return true
			}
		}
		return false
	default:
		return fieldEqual(value, c.Equals)
	}
}

func (r *IntRange) contains(n int) bool {
	if r.GTE != nil && n < *r.GTE {
		return false
	}
	if r.LTE != nil && n > *r.LTE {
		return false
	}
	if r.GT != nil && n <= *r.GT {
		return false
	}
	if r.LT != nil && n >= *r.LT {
		return false
	}
	return true
}

// payloadField resolves a filterable field by its wire name.
func payloadField(p ChunkPayload, field string) (any, bool) {
	switch field {
	case "document_id":
		return p.DocumentID, true
	case "knowledge_base_id":
		return p.KnowledgeBaseID, true
	case "chunk_index":
		return p.ChunkIndex, true
	case "filename":
		return p.Filename, true
	case "file_type":
		return p.FileType, true
	case "char_count":
		return p.CharCount, true
	case "word_count":
		return p.WordCount, true
	case "start_char":
		return p.StartChar, true
	case "end_char":
		return p.EndChar, true
	default:
		return nil, false
	}
}

// fieldEqual compares a payload value with a filter value, tolerating the
// int-width variance JSON decoding introduces.
func fieldEqual(have, want any) bool {
	if hn, ok := asInt(have); ok {
		if wn, ok := asInt(want); ok {
			return hn == wn
		}
		return false
	}
	return have == want
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}
