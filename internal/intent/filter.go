package intent

import (
	"context"
	"log/slog"
	"strings"

	"github.com/ragforge/ragforge/internal/errors"
	"github.com/ragforge/ragforge/internal/store"
)

// Document types a structure can carry.
const (
	DocTypeQuestions = "tma_questions"
	DocTypeChapter   = "textbook_chapter"
)

// sectionDocType maps a requested section type to the document type that
// usually holds it.
var sectionDocType = map[string]string{
	SectionQuestion: DocTypeQuestions,
	SectionSection:  DocTypeChapter,
	SectionChapter:  DocTypeChapter,
}

// Translator turns structured intents into chunk-index range filters using
// stored document structures.
type Translator struct {
	meta   store.MetadataStore
	logger *slog.Logger
}

// NewTranslator builds a Translator.
func NewTranslator(meta store.MetadataStore, logger *slog.Logger) *Translator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Translator{meta: meta, logger: logger}
}

// Translate resolves the intent to a filter. A nil filter with nil error
// means "no restriction": weak confidence, non-structured intent, or no
// matching section.
func (t *Translator) Translate(ctx context.Context, kbID string, it *Intent) (store.Filter, error) {
	if it == nil || it.Type != TypeStructuredSearch || it.Confidence < MinConfidence {
		return nil, nil
	}

	documents, err := t.meta.ListDocuments(ctx, kbID, false)
	if err != nil {
		return nil, err
	}
	if len(documents) == 0 {
		return nil, nil
	}

	doc := t.resolveDocument(ctx, documents, it)
	if doc == nil {
		return nil, nil
	}

	structure, err := t.meta.GetStructure(ctx, doc.ID)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return nil, nil
		}
		return nil, err
	}

	section := findSection(structure.Sections, it)
	if section == nil || section.ChunkStart < 0 || section.ChunkEnd < section.ChunkStart {
		t.logger.Info("structure_section_unresolved",
			"document_id", doc.ID,
			"section_type", it.SectionType,
			"section_number", it.SectionNumber)
		return nil, nil
	}

	start, end := section.ChunkStart, section.ChunkEnd
	return store.Filter{
		store.Eq("document_id", doc.ID),
		store.Between("chunk_index", start, end),
	}, nil
}

// resolveDocument picks the intent's target document:
// substring filename match, then the single document, then a document whose
// structure type fits the section type, then any document with a structure,
// then the first document.
func (t *Translator) resolveDocument(ctx context.Context, documents []*store.Document, it *Intent) *store.Document {
	if name := strings.ToLower(strings.TrimSpace(it.DocumentName)); name != "" {
		for _, d := range documents {
			if strings.Contains(strings.ToLower(d.Filename), name) {
				return d
			}
		}
	}
	if len(documents) == 1 {
		return documents[0]
	}

	wantType := sectionDocType[it.SectionType]
	var anyStructured *store.Document
	for _, d := range documents {
		structure, err := t.meta.GetStructure(ctx, d.ID)
		if err != nil {
			continue
		}
		if wantType != "" && structure.DocumentType == wantType {
			return d
		}
		if anyStructured == nil {
			anyStructured = d
		}
	}
	if anyStructured != nil {
		return anyStructured
	}
	return documents[0]
}

// findSection descends the section tree depth-first looking for a node that
// matches the intent by type and question number, or by canonical id.
func findSection(sections []store.Section, it *Intent) *store.Section {
	wantID := canonicalSectionID(it.SectionID)
	wantNumber := strings.TrimSpace(it.SectionNumber)

	for i := range sections {
		s := &sections[i]
		if wantID != "" && canonicalSectionID(s.ID) == wantID {
			return s
		}
		if wantNumber != "" && s.Type == it.SectionType && s.Metadata["question_number"] == wantNumber {
			return s
		}
		if found := findSection(s.Subsections, it); found != nil {
			return found
		}
	}
	return nil
}

// canonicalSectionID lowercases and strips separators so "Q 1.a", "q1a",
// and "q-1-a" compare equal.
func canonicalSectionID(id string) string {
	id = strings.ToLower(strings.TrimSpace(id))
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '.', '-', '_':
			return -1
		}
		return r
	}, id)
}
