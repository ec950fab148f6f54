package embed

import (
	"context"
	stderrors "errors"
	"strconv"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ragforge/ragforge/internal/errors"
)

// Known dimensions for OpenAI embedding models. Models missing here need an
// explicit Dimensions in the config.
var openAIModelDims = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIConfig configures the OpenAI-compatible embedding provider.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string        // Empty means the official endpoint
	Model      string        // e.g. "text-embedding-3-small"
	Dimensions int           // 0 means look up by model name
	BatchSize  int           // Texts per request, defaults to DefaultBatchSize
	Timeout    time.Duration // Per-request timeout, defaults to DefaultTimeout
}

// OpenAIEmbedder generates embeddings through the OpenAI embeddings API or an
// API-compatible gateway.
type OpenAIEmbedder struct {
	client *openai.Client
	config OpenAIConfig
	retry  errors.RetryConfig
	dims   int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OpenAIEmbedder)(nil)

// NewOpenAIEmbedder creates an OpenAI embedding provider. No network call is
// made here; Available probes the backend.
func NewOpenAIEmbedder(cfg OpenAIConfig) (*OpenAIEmbedder, error) {
	if cfg.Model == "" {
		return nil, errors.New(errors.KindInvalidConfig, "openai embedding model is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New(errors.KindInvalidConfig, "openai api key is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	dims := cfg.Dimensions
	if dims == 0 {
		dims = openAIModelDims[cfg.Model]
	}
	if dims == 0 {
		return nil, errors.Newf(errors.KindInvalidConfig,
			"unknown embedding dimension for model %q, set it explicitly", cfg.Model)
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIEmbedder{
		client: openai.NewClientWithConfig(clientCfg),
		config: cfg,
		retry:  errors.DefaultRetryConfig(),
		dims:   dims,
	}, nil
}

// Embed generates an embedding for a single text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts in provider-sized
// batches. The result is index-aligned with the input.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.isClosed() {
		return nil, errors.New(errors.KindInternal, "embedder is closed")
	}
	if len(texts) == 0 {
		return nil, errors.New(errors.KindEmptyInput, "no texts to embed")
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, errors.New(errors.KindEmptyInput, "blank text in embedding batch").
				WithDetail("index", strconv.Itoa(i))
		}
	}

	results := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.config.BatchSize {
		end := start + e.config.BatchSize
		if end > len(texts) {
			end = len(texts)
		}
		batch := texts[start:end]

		var vecs [][]float32
		err := errors.Retry(ctx, e.retry, func() error {
			var callErr error
			vecs, callErr = e.doEmbed(ctx, batch)
			return callErr
		})
		if err != nil {
			return nil, err
		}
		results = append(results, vecs...)
	}

	return results, nil
}

func (e *OpenAIEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	resp, err := e.client.CreateEmbeddings(reqCtx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(e.config.Model),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyOpenAIError(err)
	}

	if len(resp.Data) != len(texts) {
		return nil, errors.Newf(errors.KindProviderPermanent,
			"embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(resp.Data))
	}

	// Response items carry their input index; do not assume order.
	vecs := make([][]float32, len(texts))
	for _, item := range resp.Data {
		if item.Index < 0 || item.Index >= len(vecs) {
			return nil, errors.Newf(errors.KindProviderPermanent, "embedding index %d out of range", item.Index)
		}
		v := make([]float32, len(item.Embedding))
		copy(v, item.Embedding)
		vecs[item.Index] = normalizeVector(v)
	}
	for i, v := range vecs {
		if v == nil {
			return nil, errors.Newf(errors.KindProviderPermanent, "missing embedding for input %d", i)
		}
	}
	return vecs, nil
}

// classifyOpenAIError maps API errors onto engine kinds. Rate limits and
// server errors retry; auth and request errors do not.
func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return errors.Wrap(errors.KindProviderTransient, "openai rate limited", err)
		case apiErr.HTTPStatusCode >= 500:
			return errors.Wrap(errors.KindProviderTransient, "openai server error", err)
		default:
			return errors.Wrap(errors.KindProviderPermanent, "openai request rejected", err)
		}
	}
	// Network-level failures come through as plain errors.
	return errors.Wrap(errors.KindProviderTransient, "openai request failed", err)
}

// Dimensions returns the embedding dimension.
func (e *OpenAIEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the model identifier.
func (e *OpenAIEmbedder) ModelName() string {
	return e.config.Model
}

// Available probes the backend with a minimal embedding request.
func (e *OpenAIEmbedder) Available(ctx context.Context) bool {
	if e.isClosed() {
		return false
	}
	_, err := e.doEmbed(ctx, []string{"health probe"})
	return err == nil
}

// Close marks the embedder closed. The underlying client holds no
// connections that need explicit release.
func (e *OpenAIEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

func (e *OpenAIEmbedder) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}
