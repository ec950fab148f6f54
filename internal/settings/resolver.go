// Package settings resolves the effective retrieval configuration for a
// single call by merging overrides from six sources in strict precedence:
// request, conversation, KB retrieval_settings, KB BM25 columns, global app
// settings, hard-coded defaults. Merging is shallow and key-level; each key
// is taken from the highest-precedence source that supplies a non-null
// value.
package settings

import (
	"math"

	"github.com/ragforge/ragforge/internal/errors"
	"github.com/ragforge/ragforge/internal/store"
)

// Recognized keys. Anything else in an override map is ignored.
const (
	KeyTopK                = "top_k"
	KeyRetrievalMode       = "retrieval_mode"
	KeyLexicalTopK         = "lexical_top_k"
	KeyHybridDenseWeight   = "hybrid_dense_weight"
	KeyHybridLexicalWeight = "hybrid_lexical_weight"
	KeyMaxContextChars     = "max_context_chars"
	KeyScoreThreshold      = "score_threshold"
	KeyUseStructure        = "use_structure"
	KeyUseMMR              = "use_mmr"
	KeyMMRDiversity        = "mmr_diversity"
	KeyContextExpansion    = "context_expansion"
	KeyContextWindow       = "context_window"
	KeyBM25MatchMode       = "bm25_match_mode"
	KeyBM25MinShouldMatch  = "bm25_min_should_match"
	KeyBM25UsePhrase       = "bm25_use_phrase"
	KeyBM25Analyzer        = "bm25_analyzer"
)

// Retrieval modes.
const (
	ModeDense  = "dense"
	ModeHybrid = "hybrid"
)

// ExpansionWindow enables neighbor-chunk expansion after retrieval.
const ExpansionWindow = "window"

// Source labels recorded per resolved key.
const (
	SourceRequest      = "request"
	SourceConversation = "conversation"
	SourceKBSettings   = "kb_settings"
	SourceKBColumns    = "kb_columns"
	SourceAppSettings  = "app_settings"
	SourceDefault      = "default"
)

// Config is the effective retrieval configuration for one call.
type Config struct {
	TopK                int
	RetrievalMode       string
	LexicalTopK         int
	HybridDenseWeight   float64
	HybridLexicalWeight float64
	MaxContextChars     int
	ScoreThreshold      float64
	UseStructure        bool
	UseMMR              bool
	MMRDiversity        float64
	ContextExpansion    []string
	ContextWindow       *int
	BM25MatchMode       string
	BM25MinShouldMatch  int
	BM25UsePhrase       bool
	BM25Analyzer        string

	// Sources records, per key, which source supplied the value.
	Sources map[string]string
}

// WindowExpansion reports whether neighbor expansion is enabled with a
// positive radius.
func (c *Config) WindowExpansion() (int, bool) {
	if c.ContextWindow == nil || *c.ContextWindow <= 0 {
		return 0, false
	}
	for _, e := range c.ContextExpansion {
		if e == ExpansionWindow {
			return *c.ContextWindow, true
		}
	}
	return 0, false
}

// Defaults returns the hard-coded bottom of the precedence chain.
func Defaults() map[string]any {
	return map[string]any{
		KeyTopK:                5,
		KeyRetrievalMode:       ModeDense,
		KeyLexicalTopK:         20,
		KeyHybridDenseWeight:   0.6,
		KeyHybridLexicalWeight: 0.4,
		KeyMaxContextChars:     0,
		KeyScoreThreshold:      0.0,
		KeyUseStructure:        false,
		KeyUseMMR:              false,
		KeyMMRDiversity:        0.5,
		KeyContextExpansion:    nil,
		KeyContextWindow:       nil,
		KeyBM25MatchMode:       store.MatchBalanced,
		KeyBM25MinShouldMatch:  50,
		KeyBM25UsePhrase:       true,
		KeyBM25Analyzer:        store.AnalyzerMixed,
	}
}

type source struct {
	name   string
	values map[string]any
}

// Resolve merges the six sources into an effective configuration. request
// and conversation may be nil. kb may be nil (settings resolved for calls
// outside a KB context, e.g. global preview).
func Resolve(request, conversation map[string]any, kb *store.KnowledgeBase, appSettings map[string]any) (*Config, error) {
	var kbSettings map[string]any
	if kb != nil {
		kbSettings = kb.RetrievalSettings
	}

	sources := []source{
		{SourceRequest, request},
		{SourceConversation, conversation},
		{SourceKBSettings, kbSettings},
		{SourceKBColumns, kbColumnValues(kb)},
		{SourceAppSettings, appSettings},
		{SourceDefault, Defaults()},
	}

	cfg := &Config{Sources: make(map[string]string, 16)}
	r := resolver{sources: sources, cfg: cfg}

	var err error
	set := func(key string, assign func(v any, src string) error) {
		if err != nil {
			return
		}
		err = r.resolve(key, assign)
	}

	set(KeyTopK, func(v any, src string) error { return assignPositiveInt(&cfg.TopK, KeyTopK, v, src, cfg) })
	set(KeyRetrievalMode, func(v any, src string) error {
		s, ok := asString(v)
		if !ok || (s != ModeDense && s != ModeHybrid) {
			return invalidValue(KeyRetrievalMode, v, src)
		}
		cfg.RetrievalMode = s
		cfg.Sources[KeyRetrievalMode] = src
		return nil
	})
	set(KeyLexicalTopK, func(v any, src string) error {
		return assignPositiveInt(&cfg.LexicalTopK, KeyLexicalTopK, v, src, cfg)
	})
	set(KeyHybridDenseWeight, func(v any, src string) error {
		return assignFloat(&cfg.HybridDenseWeight, KeyHybridDenseWeight, v, src, cfg, 0, math.MaxFloat64)
	})
	set(KeyHybridLexicalWeight, func(v any, src string) error {
		return assignFloat(&cfg.HybridLexicalWeight, KeyHybridLexicalWeight, v, src, cfg, 0, math.MaxFloat64)
	})
	set(KeyMaxContextChars, func(v any, src string) error {
		n, ok := asInt(v)
		if !ok {
			return invalidValue(KeyMaxContextChars, v, src)
		}
		cfg.MaxContextChars = n
		cfg.Sources[KeyMaxContextChars] = src
		return nil
	})
	set(KeyScoreThreshold, func(v any, src string) error {
		return assignFloat(&cfg.ScoreThreshold, KeyScoreThreshold, v, src, cfg, 0, 1)
	})
	set(KeyUseStructure, func(v any, src string) error {
		return assignBool(&cfg.UseStructure, KeyUseStructure, v, src, cfg)
	})
	set(KeyUseMMR, func(v any, src string) error { return assignBool(&cfg.UseMMR, KeyUseMMR, v, src, cfg) })
	set(KeyMMRDiversity, func(v any, src string) error {
		return assignFloat(&cfg.MMRDiversity, KeyMMRDiversity, v, src, cfg, 0, 1)
	})
	set(KeyContextExpansion, func(v any, src string) error {
		list, ok := asStringSlice(v)
		if !ok {
			return invalidValue(KeyContextExpansion, v, src)
		}
		cfg.ContextExpansion = list
		cfg.Sources[KeyContextExpansion] = src
		return nil
	})
	set(KeyContextWindow, func(v any, src string) error {
		n, ok := asInt(v)
		if !ok || n < 0 {
			return invalidValue(KeyContextWindow, v, src)
		}
		cfg.ContextWindow = &n
		cfg.Sources[KeyContextWindow] = src
		return nil
	})
	set(KeyBM25MatchMode, func(v any, src string) error {
		s, ok := asString(v)
		if !ok || (s != store.MatchStrict && s != store.MatchBalanced && s != store.MatchLoose) {
			return invalidValue(KeyBM25MatchMode, v, src)
		}
		cfg.BM25MatchMode = s
		cfg.Sources[KeyBM25MatchMode] = src
		return nil
	})
	set(KeyBM25MinShouldMatch, func(v any, src string) error {
		n, ok := asInt(v)
		if !ok || n < 0 || n > 100 {
			return invalidValue(KeyBM25MinShouldMatch, v, src)
		}
		cfg.BM25MinShouldMatch = n
		cfg.Sources[KeyBM25MinShouldMatch] = src
		return nil
	})
	set(KeyBM25UsePhrase, func(v any, src string) error {
		return assignBool(&cfg.BM25UsePhrase, KeyBM25UsePhrase, v, src, cfg)
	})
	set(KeyBM25Analyzer, func(v any, src string) error {
		s, ok := asString(v)
		if !ok || s == "" {
			return invalidValue(KeyBM25Analyzer, v, src)
		}
		cfg.BM25Analyzer = s
		cfg.Sources[KeyBM25Analyzer] = src
		return nil
	})

	if err != nil {
		return nil, err
	}
	return cfg, nil
}

type resolver struct {
	sources []source
	cfg     *Config
}

// resolve walks the sources in precedence order and hands the first non-null
// value to assign. The defaults source always terminates the walk except for
// the two nullable keys, which may stay unset.
func (r resolver) resolve(key string, assign func(v any, src string) error) error {
	for _, s := range r.sources {
		if s.values == nil {
			continue
		}
		v, ok := s.values[key]
		if !ok || v == nil {
			continue
		}
		return assign(v, s.name)
	}
	return nil
}

// kbColumnValues exposes the KB's BM25 override columns as a source. Only
// the four BM25 keys ever come from here; zero values mean the column is
// unset.
func kbColumnValues(kb *store.KnowledgeBase) map[string]any {
	if kb == nil {
		return nil
	}
	values := make(map[string]any, 4)
	if kb.BM25MatchMode != "" {
		values[KeyBM25MatchMode] = kb.BM25MatchMode
	}
	if kb.BM25MinShouldMatch > 0 {
		values[KeyBM25MinShouldMatch] = kb.BM25MinShouldMatch
	}
	if kb.BM25UsePhrase != nil {
		values[KeyBM25UsePhrase] = *kb.BM25UsePhrase
	}
	if kb.BM25Analyzer != "" {
		values[KeyBM25Analyzer] = kb.BM25Analyzer
	}
	return values
}

func invalidValue(key string, v any, src string) error {
	return errors.Newf(errors.KindInvalidConfig, "invalid value for %s from %s: %v", key, src, v).
		WithDetail("key", key).
		WithDetail("source", src)
}

func assignPositiveInt(dst *int, key string, v any, src string, cfg *Config) error {
	n, ok := asInt(v)
	if !ok || n <= 0 {
		return invalidValue(key, v, src)
	}
	*dst = n
	cfg.Sources[key] = src
	return nil
}

func assignFloat(dst *float64, key string, v any, src string, cfg *Config, min, max float64) error {
	f, ok := asFloat(v)
	if !ok || f < min || f > max {
		return invalidValue(key, v, src)
	}
	*dst = f
	cfg.Sources[key] = src
	return nil
}

func assignBool(dst *bool, key string, v any, src string, cfg *Config) error {
	b, ok := v.(bool)
	if !ok {
		return invalidValue(key, v, src)
	}
	*dst = b
	cfg.Sources[key] = src
	return nil
}

// Override maps come from JSON bodies, YAML config, and typed callers, so
// numeric values arrive in several widths.
func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		if n != math.Trunc(n) {
			return 0, false
		}
		return int(n), true
	case float32:
		f := float64(n)
		if f != math.Trunc(f) {
			return 0, false
		}
		return int(f), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func asString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asStringSlice(v any) ([]string, bool) {
	switch list := v.(type) {
	case []string:
		return list, true
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
