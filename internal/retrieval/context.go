package retrieval

import (
	"fmt"
	"log/slog"
	"strings"
)

// AssembleContext renders retrieved chunks into the prompt context string:
// numbered source blocks separated by blank lines. maxChars caps the total
// length (zero or negative means unbounded); a block that would cross the
// cap is dropped whole, along with everything after it.
func AssembleContext(chunks []RetrievedChunk, maxChars int, logger *slog.Logger) string {
	if logger == nil {
		logger = slog.Default()
	}

	var b strings.Builder
	included := 0
	for i, c := range chunks {
		block := fmt.Sprintf("[Source %d: %s, chunk %d]\n%s\n", i+1, c.Filename, c.ChunkIndex, c.Text)

		need := len(block)
		if included > 0 {
			need++ // separating blank line
		}
		if maxChars > 0 && b.Len()+need > maxChars {
			logger.Info("context_truncated",
				"included", included,
				"dropped", len(chunks)-included,
				"max_chars", maxChars)
			break
		}

		if included > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(block)
		included++
	}
	return b.String()
}
