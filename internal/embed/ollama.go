package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/ragforge/ragforge/internal/errors"
)

// OllamaEmbedder generates embeddings through Ollama's HTTP API.
type OllamaEmbedder struct {
	client    *http.Client
	transport *http.Transport
	config    OllamaConfig
	retry     errors.RetryConfig
	modelName string
	dims      int

	mu     sync.RWMutex
	closed bool
}

var _ Embedder = (*OllamaEmbedder)(nil)

// NewOllamaEmbedder connects to Ollama, verifies the model is installed, and
// auto-detects the embedding dimension when the config leaves it at zero.
func NewOllamaEmbedder(ctx context.Context, cfg OllamaConfig) (*OllamaEmbedder, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultOllamaHost
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Model == "" {
		return nil, errors.New(errors.KindInvalidConfig, "ollama embedding model is required")
	}

	transport := &http.Transport{
		MaxIdleConns:        4,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     cfg.Timeout,
	}

	e := &OllamaEmbedder{
		client:    &http.Client{Transport: transport},
		transport: transport,
		config:    cfg,
		retry:     errors.DefaultRetryConfig(),
		modelName: cfg.Model,
		dims:      cfg.Dimensions,
	}

	if !cfg.SkipHealthCheck {
		checkCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
		defer cancel()

		if err := e.verifyModel(checkCtx); err != nil {
			transport.CloseIdleConnections()
			return nil, err
		}
		if e.dims == 0 {
			dims, err := e.detectDimensions(checkCtx)
			if err != nil {
				transport.CloseIdleConnections()
				return nil, err
			}
			e.dims = dims
		}
	}
	if e.dims == 0 {
		e.dims = DefaultDimensions
	}

	return e, nil
}

// Embed generates an embedding for a single text.
func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts, splitting the input
// into provider-sized batches. Blank texts are rejected; the chunker never
// produces them, so one here means a caller bug.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
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

// doEmbed performs one /api/embed request.
func (e *OllamaEmbedder) doEmbed(ctx context.Context, texts []string) ([][]float32, error) {
	var input any
	if len(texts) == 1 {
		input = texts[0]
	} else {
		input = texts
	}

	body, err := json.Marshal(ollamaEmbedRequest{Model: e.modelName, Input: input})
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "marshal embed request", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.config.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, e.config.Host+"/api/embed", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "build embed request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.Wrap(errors.KindProviderTransient, "ollama request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.StatusCode, string(respBody))
	}

	var result ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(errors.KindProviderPermanent, "decode embed response", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, errors.Newf(errors.KindProviderPermanent,
			"embedding count mismatch: sent %d texts, got %d vectors", len(texts), len(result.Embeddings))
	}

	vecs := make([][]float32, len(result.Embeddings))
	for i, emb := range result.Embeddings {
		v := make([]float32, len(emb))
		for j, x := range emb {
			v[j] = float32(x)
		}
		vecs[i] = normalizeVector(v)
	}
	return vecs, nil
}

// statusError classifies an HTTP failure. Rate limits and server errors are
// retryable; everything else is permanent.
func statusError(code int, body string) error {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(code)
	}
	switch {
	case code == http.StatusTooManyRequests:
		return errors.Newf(errors.KindProviderTransient, "ollama rate limited: %s", msg)
	case code >= 500:
		return errors.Newf(errors.KindProviderTransient, "ollama server error %d: %s", code, msg)
	default:
		return errors.Newf(errors.KindProviderPermanent, "ollama error %d: %s", code, msg)
	}
}

// verifyModel checks that the configured model (or its base name without a
// tag) is installed.
func (e *OllamaEmbedder) verifyModel(ctx context.Context) error {
	models, err := e.listModels(ctx)
	if err != nil {
		return err
	}

	want := strings.ToLower(e.config.Model)
	wantBase := strings.Split(want, ":")[0]
	for _, m := range models {
		name := strings.ToLower(m.Name)
		if name == want || strings.Split(name, ":")[0] == wantBase {
			e.modelName = m.Name
			return nil
		}
	}
	return errors.Newf(errors.KindProviderPermanent, "embedding model %q is not installed in ollama", e.config.Model)
}

func (e *OllamaEmbedder) listModels(ctx context.Context) ([]ollamaModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.config.Host+"/api/tags", nil)
	if err != nil {
		return nil, errors.Wrap(errors.KindInternal, "build tags request", err)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(errors.KindProviderTransient, "ollama unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, statusError(resp.StatusCode, string(respBody))
	}

	var result ollamaModelListResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, errors.Wrap(errors.KindProviderPermanent, "decode tags response", err)
	}
	return result.Models, nil
}

// detectDimensions embeds a probe text and reads off the vector length.
func (e *OllamaEmbedder) detectDimensions(ctx context.Context) (int, error) {
	vecs, err := e.doEmbed(ctx, []string{"dimension probe"})
	if err != nil {
		return 0, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return 0, errors.New(errors.KindProviderPermanent, "empty probe embedding")
	}
	return len(vecs[0]), nil
}

// Dimensions returns the embedding dimension.
func (e *OllamaEmbedder) Dimensions() int {
	return e.dims
}

// ModelName returns the resolved model identifier.
func (e *OllamaEmbedder) ModelName() string {
	return e.modelName
}

// Available reports whether Ollama responds and the model is still installed.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	if e.isClosed() {
		return false
	}
	models, err := e.listModels(ctx)
	if err != nil {
		return false
	}
	want := strings.ToLower(e.modelName)
	for _, m := range models {
		if strings.ToLower(m.Name) == want {
			return true
		}
	}
	return false
}

// Close releases idle connections.
func (e *OllamaEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	e.transport.CloseIdleConnections()
	return nil
}

func (e *OllamaEmbedder) isClosed() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.closed
}
