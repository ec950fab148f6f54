package chunk

import (
	"regexp"
	"strings"

	"github.com/ragforge/ragforge/internal/errors"
)

var (
	spaceRun   = regexp.MustCompile(`[ \t]+`)
	newlineRun = regexp.MustCompile(`\n{3,}`)
)

// Normalize collapses runs of spaces/tabs to a single space, collapses 3+
// newlines to 2, and trims the result. Normalize is idempotent.
func Normalize(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = spaceRun.ReplaceAllString(text, " ")
	text = newlineRun.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// boundaryKind identifies a preferred cut point class.
type boundaryKind int

const (
	boundarySentence boundaryKind = iota
	boundaryParagraph
	boundaryWord
)

// TextSplitter splits normalized text into bounded chunks. The strategy
// controls the boundary preference order; fixed_size ignores boundaries.
type TextSplitter struct {
	priority []boundaryKind
}

var _ Splitter = (*TextSplitter)(nil)

// NewSplitter returns the splitter for the given strategy tag. Unknown tags
// fall back to smart chunking.
func NewSplitter(strategy Strategy) *TextSplitter {
	switch strategy {
	case StrategyFixedSize:
		return &TextSplitter{priority: nil}
	case StrategySemantic:
		return &TextSplitter{priority: []boundaryKind{boundaryParagraph, boundarySentence, boundaryWord}}
	default:
		return &TextSplitter{priority: []boundaryKind{boundarySentence, boundaryParagraph, boundaryWord}}
	}
}

// Split cuts text into chunks of at most params.ChunkSize characters with
// approximately params.ChunkOverlap characters of overlap between neighbors.
// Indexes are dense and zero-based; offsets point into the normalized text.
func (s *TextSplitter) Split(text string, params Params) ([]Chunk, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	norm := Normalize(text)
	if norm == "" {
		return nil, errors.New(errors.KindEmptyInput, "no text to chunk after normalization")
	}

	respect := params.RespectBoundaries && len(s.priority) > 0

	var chunks []Chunk
	start := 0
	for start < len(norm) {
		end := start + params.ChunkSize
		if end >= len(norm) {
			end = len(norm)
		} else if respect {
			if cut := s.findBoundary(norm, start, end, params.ChunkSize); cut > start {
				end = cut
			}
		}

		if c, ok := makeChunk(norm, len(chunks), start, end); ok {
			chunks = append(chunks, c)
		}

		if end >= len(norm) {
			break
		}

		next := end - params.ChunkOverlap
		if next <= start {
			// Guarantee forward progress even with large overlaps.
			next = end
		}
		start = next
	}

	if len(chunks) == 0 {
		return nil, errors.New(errors.KindEmptyInput, "no text to chunk after normalization")
	}

	return chunks, nil
}

// findBoundary scans backward within the last 20% of chunkSize before end for
// the best cut point: sentence terminator followed by whitespace, paragraph
// break, then word boundary, in the splitter's priority order. Returns the
// cut position, or 0 when no boundary was found.
func (s *TextSplitter) findBoundary(text string, start, end, chunkSize int) int {
	window := int(float64(chunkSize) * boundaryWindowRatio)
	lo := end - window
	if lo < start {
		lo = start
	}
	region := text[lo:end]

	for _, kind := range s.priority {
		switch kind {
		case boundarySentence:
			if i := lastSentenceEnd(region); i >= 0 {
				return lo + i + 1 // cut after the terminator
			}
		case boundaryParagraph:
			if i := strings.LastIndex(region, "\n\n"); i > 0 {
				return lo + i
			}
		case boundaryWord:
			if i := strings.LastIndexByte(region, ' '); i > 0 {
				return lo + i
			}
		}
	}
	return 0
}

// lastSentenceEnd returns the index of the last sentence terminator that is
// followed by whitespace, or -1.
func lastSentenceEnd(s string) int {
	for i := len(s) - 2; i >= 0; i-- {
		c := s[i]
		if (c == '.' || c == '!' || c == '?') && isSpace(s[i+1]) {
			return i
		}
	}
	return -1
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n'
}

// makeChunk trims surrounding whitespace and builds the chunk with offsets
// adjusted to the trimmed extent. Returns false for whitespace-only slices.
func makeChunk(norm string, index, start, end int) (Chunk, bool) {
	raw := norm[start:end]
	trimmedLeft := strings.TrimLeft(raw, " \t\n")
	lead := len(raw) - len(trimmedLeft)
	content := strings.TrimRight(trimmedLeft, " \t\n")
	if content == "" {
		return Chunk{}, false
	}

	s := start + lead
	return Chunk{
		Index:     index,
		Content:   content,
		CharCount: len(content),
		WordCount: countWords(content),
		StartChar: s,
		EndChar:   s + len(content),
	}, true
}
