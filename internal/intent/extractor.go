// Package intent extracts "which section of which document" intent from a
// question and translates it into a chunk-index range filter over the
// document's stored structure.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ragforge/ragforge/internal/llm"
	"github.com/ragforge/ragforge/internal/store"
)

// Intent types.
const (
	TypeStructuredSearch = "structured_search"
	TypeSemanticSearch   = "semantic_search"
	TypeUnknown          = "unknown"
)

// Section types the extractor recognizes.
const (
	SectionQuestion = "question"
	SectionSection  = "section"
	SectionChapter  = "chapter"
)

// MinConfidence is the threshold below which a structured intent is
// ignored.
const MinConfidence = 0.6

// extractionTemperature keeps the classification near-deterministic.
const extractionTemperature = 0.1

// Intent is the parsed extraction result.
type Intent struct {
	Type          string  `json:"intent_type"`
	DocumentName  string  `json:"document_name,omitempty"`
	SectionType   string  `json:"section_type,omitempty"`
	SectionNumber string  `json:"section_number,omitempty"`
	SectionID     string  `json:"section_id,omitempty"`
	Confidence    float64 `json:"confidence"`
}

// SemanticFallback is the degraded result used on any extraction failure.
func SemanticFallback() *Intent {
	return &Intent{Type: TypeSemanticSearch}
}

// Extractor runs LLM intent classification.
type Extractor struct {
	provider llm.Provider
	logger   *slog.Logger
}

// NewExtractor builds an Extractor.
func NewExtractor(provider llm.Provider, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{provider: provider, logger: logger}
}

const extractionSystemPrompt = `You classify a user question against a list of document filenames.
Respond with a single JSON object:
{
  "intent_type": "structured_search" | "semantic_search" | "unknown",
  "document_name": "<filename the question refers to, if any>",
  "section_type": "question" | "section" | "chapter",
  "section_number": "<number as written, e.g. 3 or 2a>",
  "section_id": "<section identifier if the question names one>",
  "confidence": <0.0-1.0>
}
Use "structured_search" only when the question asks about a specific numbered
question, section, or chapter. Omit fields you cannot determine.`

// Extract classifies the question. It never returns an error: any provider
// or parse failure degrades to a semantic_search intent.
func (e *Extractor) Extract(ctx context.Context, question string, documents []*store.Document) *Intent {
	names := make([]string, 0, len(documents))
	for _, d := range documents {
		names = append(names, d.Filename)
	}

	temp := extractionTemperature
	completion, err := e.provider.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: extractionSystemPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf("Documents: %s\n\nQuestion: %s", strings.Join(names, ", "), question)},
	}, llm.Options{Temperature: &temp, JSONMode: true, MaxTokens: 256})
	if err != nil {
		e.logger.Warn("intent_extraction_degraded", "error", err)
		return SemanticFallback()
	}

	var it Intent
	if err := json.Unmarshal([]byte(extractJSON(completion.Content)), &it); err != nil {
		e.logger.Warn("intent_extraction_degraded", "error", err, "content", completion.Content)
		return SemanticFallback()
	}
	switch it.Type {
	case TypeStructuredSearch, TypeSemanticSearch, TypeUnknown:
	default:
		e.logger.Warn("intent_extraction_degraded", "intent_type", it.Type)
		return SemanticFallback()
	}
	return &it
}

// extractJSON trims any prose around the outermost JSON object. Models in
// JSON mode still occasionally wrap the object in code fences.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
