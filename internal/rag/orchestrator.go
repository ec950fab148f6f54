// Package rag orchestrates a full question-answering call: settings
// resolution output in hand, it runs optional intent extraction, retrieval,
// context assembly, and the final LLM generation with source attribution.
package rag

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/ragforge/ragforge/internal/errors"
	"github.com/ragforge/ragforge/internal/intent"
	"github.com/ragforge/ragforge/internal/llm"
	"github.com/ragforge/ragforge/internal/retrieval"
	"github.com/ragforge/ragforge/internal/settings"
	"github.com/ragforge/ragforge/internal/store"
)

// NoAnswerText is returned verbatim when retrieval finds nothing.
const NoAnswerText = "No relevant information was found in the knowledge base to answer this question."

// historyLimit bounds how much conversation history reaches the model.
const historyLimit = 10

// DefaultSystemPrompt instructs the model to answer from the supplied
// context only.
const DefaultSystemPrompt = `You are a study assistant. Answer the question using ONLY the
information inside the <context> block. If the context does not contain the
answer, say so plainly. Cite sources by their [Source N] labels.`

// DefaultValidatorPrompt drives the optional self-check pass.
const DefaultValidatorPrompt = `You are a strict validator. You receive a question, a draft answer,
and the context it was based on. Verify every claim in the draft against the
context. Return a corrected final answer; remove anything unsupported.`

// verbatimQuestionRe matches requests to show a numbered question verbatim.
var verbatimQuestionRe = regexp.MustCompile(`(?i)\b(show|display|give|list)\b[^.?!]*\bquestion\s*#?\s*(\d+\w*)`)

// verbatimInstruction is appended when the user asks to see a question's
// exact text.
const verbatimInstruction = "\n\nThe user asked to see the question itself. Reproduce the question text from the context verbatim, without solving it."

// Orchestrator wires retrieval, intent, and generation into one call.
type Orchestrator struct {
	engine     *retrieval.Engine
	provider   llm.Provider
	extractor  *intent.Extractor
	translator *intent.Translator
	meta       store.MetadataStore
	limiter    *intent.RateLimiter
	logger     *slog.Logger

	systemPrompt    string
	validatorPrompt string
}

// NewOrchestrator builds an Orchestrator. extractor, translator, and
// limiter may be nil when structure-aware retrieval is not deployed.
func NewOrchestrator(engine *retrieval.Engine, provider llm.Provider, extractor *intent.Extractor, translator *intent.Translator, meta store.MetadataStore, limiter *intent.RateLimiter, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		engine:          engine,
		provider:        provider,
		extractor:       extractor,
		translator:      translator,
		meta:            meta,
		limiter:         limiter,
		logger:          logger,
		systemPrompt:    DefaultSystemPrompt,
		validatorPrompt: DefaultValidatorPrompt,
	}
}

// SetPrompts overrides the system and validator prompt templates. Empty
// strings keep the current values.
func (o *Orchestrator) SetPrompts(system, validator string) {
	if system != "" {
		o.systemPrompt = system
	}
	if validator != "" {
		o.validatorPrompt = validator
	}
}

// Request is one answer call.
type Request struct {
	KB       *store.KnowledgeBase
	Question string
	Config   *settings.Config
	// History is prior conversation turns, oldest first. Only the last ten
	// reach the model.
	History []llm.Message
	// DocumentIDs restricts retrieval to the listed documents.
	DocumentIDs []string
	// SelfCheck re-validates the draft answer with a second LLM pass.
	SelfCheck bool
}

// Answer is the orchestration result.
type Answer struct {
	Answer      string                     `json:"answer"`
	Sources     []retrieval.RetrievedChunk `json:"sources"`
	Query       string                     `json:"query"`
	ContextUsed string                     `json:"context_used"`
	Model       string                     `json:"model"`
	Confidence  float64                    `json:"confidence"`
}

// Ask answers the question against the KB.
func (o *Orchestrator) Ask(ctx context.Context, req Request) (*Answer, error) {
	if o.provider == nil {
		return nil, errors.New(errors.KindInvalidConfig, "no LLM provider configured")
	}
	structureFilter := o.structureFilter(ctx, req)

	chunks, err := o.engine.Retrieve(ctx, retrieval.Request{
		KB:              req.KB,
		Query:           req.Question,
		Config:          req.Config,
		StructureFilter: structureFilter,
		DocumentIDs:     req.DocumentIDs,
	})
	if err != nil {
		return nil, err
	}

	if len(chunks) == 0 {
		return &Answer{
			Answer:  NoAnswerText,
			Sources: []retrieval.RetrievedChunk{},
			Query:   req.Question,
			Model:   o.provider.ModelName(),
		}, nil
	}

	contextText := retrieval.AssembleContext(chunks, req.Config.MaxContextChars, o.logger)

	messages := make([]llm.Message, 0, historyLimit+2)
	messages = append(messages, llm.Message{Role: llm.RoleSystem, Content: o.systemPrompt})
	history := req.History
	if len(history) > historyLimit {
		history = history[len(history)-historyLimit:]
	}
	messages = append(messages, history...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: buildUserMessage(req.Question, contextText)})

	completion, err := o.provider.Generate(ctx, messages, llm.Options{})
	if err != nil {
		return nil, err
	}
	answer := completion.Content

	if req.SelfCheck {
		checked, err := o.selfCheck(ctx, req.Question, answer, contextText)
		if err != nil {
			o.logger.Warn("self_check_skipped", "error", err)
		} else {
			answer = checked
		}
	}

	return &Answer{
		Answer:      answer,
		Sources:     chunks,
		Query:       req.Question,
		ContextUsed: contextText,
		Model:       completion.Model,
		Confidence:  meanScore(chunks),
	}, nil
}

// structureFilter runs intent extraction and filter translation when the
// configuration asks for it. Every failure mode, including rate limiting,
// degrades to unfiltered retrieval.
func (o *Orchestrator) structureFilter(ctx context.Context, req Request) store.Filter {
	if req.Config == nil || !req.Config.UseStructure || o.extractor == nil || o.translator == nil {
		return nil
	}
	if o.limiter != nil {
		if ok, retryAfter := o.limiter.Allow(); !ok {
			o.logger.Warn("structure_analysis_rate_limited",
				"kb_id", req.KB.ID,
				"retry_after_seconds", int(retryAfter.Seconds()))
			return nil
		}
	}

	documents, err := o.meta.ListDocuments(ctx, req.KB.ID, false)
	if err != nil {
		o.logger.Warn("structure_filter_skipped", "error", err)
		return nil
	}

	it := o.extractor.Extract(ctx, req.Question, documents)
	filter, err := o.translator.Translate(ctx, req.KB.ID, it)
	if err != nil {
		o.logger.Warn("structure_filter_skipped", "error", err)
		return nil
	}
	return filter
}

func (o *Orchestrator) selfCheck(ctx context.Context, question, draft, contextText string) (string, error) {
	completion, err := o.provider.Generate(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: o.validatorPrompt},
		{Role: llm.RoleUser, Content: fmt.Sprintf(
			"<question>\n%s\n</question>\n\n<draft_answer>\n%s\n</draft_answer>\n\n<context>\n%s\n</context>",
			question, draft, contextText)},
	}, llm.Options{})
	if err != nil {
		return "", err
	}
	return completion.Content, nil
}

func buildUserMessage(question, contextText string) string {
	var b strings.Builder
	b.WriteString("<context>\n")
	b.WriteString(contextText)
	b.WriteString("</context>\n\n<question>\n")
	b.WriteString(question)
	b.WriteString("\n</question>")
	if verbatimQuestionRe.MatchString(question) {
		b.WriteString(verbatimInstruction)
	}
	return b.String()
}

// meanScore averages the scores of retrieved chunks. Window neighbors carry
// a zero score by construction and are excluded so expansion does not deflate
// confidence.
func meanScore(chunks []retrieval.RetrievedChunk) float64 {
	var sum float64
	n := 0
	for _, c := range chunks {
		if c.Metadata["source_type"] == retrieval.SourceWindow {
			continue
		}
		sum += c.Score
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}
