package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragforge/ragforge/internal/errors"
)

// fakeOllama serves /api/tags and /api/embed with canned vectors.
func fakeOllama(t *testing.T, dims int, failures *atomic.Int64, failStatus int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_ = json.NewEncoder(w).Encode(ollamaModelListResponse{
				Models: []ollamaModelInfo{{Name: "test-embed:latest"}},
			})
		case "/api/embed":
			if failures != nil && failures.Load() > 0 {
				failures.Add(-1)
				http.Error(w, "backend busy", failStatus)
				return
			}
			var req ollamaEmbedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))

			var count int
			switch in := req.Input.(type) {
			case string:
				count = 1
			case []any:
				count = len(in)
			default:
				t.Fatalf("unexpected input type %T", req.Input)
			}

			resp := ollamaEmbedResponse{Model: req.Model}
			for i := 0; i < count; i++ {
				vec := make([]float64, dims)
				vec[i%dims] = 1
				resp.Embeddings = append(resp.Embeddings, vec)
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
}

func fastRetry() errors.RetryConfig {
	return errors.RetryConfig{
		MaxRetries:   3,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

func TestOllamaEmbedder_ResolvesModelAndDims(t *testing.T) {
	srv := fakeOllama(t, 8, nil, 0)
	defer srv.Close()

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:  srv.URL,
		Model: "test-embed",
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	assert.Equal(t, "test-embed:latest", e.ModelName())
	assert.Equal(t, 8, e.Dimensions())
	assert.True(t, e.Available(context.Background()))
}

func TestOllamaEmbedder_RejectsMissingModel(t *testing.T) {
	srv := fakeOllama(t, 8, nil, 0)
	defer srv.Close()

	_, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:  srv.URL,
		Model: "no-such-model",
	})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindProviderPermanent))
}

func TestOllamaEmbedder_BatchSplitsAndAligns(t *testing.T) {
	srv := fakeOllama(t, 8, nil, 0)
	defer srv.Close()

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:      srv.URL,
		Model:     "test-embed",
		BatchSize: 2,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b", "c", "d", "e"})
	require.NoError(t, err)
	require.Len(t, vecs, 5)
	for i, v := range vecs {
		assert.Len(t, v, 8, "vector %d", i)
	}
}

func TestOllamaEmbedder_RetriesTransientFailures(t *testing.T) {
	var failures atomic.Int64
	failures.Store(2)
	srv := fakeOllama(t, 8, &failures, http.StatusServiceUnavailable)
	defer srv.Close()

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:            srv.URL,
		Model:           "test-embed",
		Dimensions:      8,
		SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()
	e.retry = fastRetry()
	e.modelName = "test-embed:latest"

	vec, err := e.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.Equal(t, int64(0), failures.Load())
}

func TestOllamaEmbedder_PermanentFailureNotRetried(t *testing.T) {
	var failures atomic.Int64
	failures.Store(10)
	srv := fakeOllama(t, 8, &failures, http.StatusBadRequest)
	defer srv.Close()

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:            srv.URL,
		Model:           "test-embed",
		Dimensions:      8,
		SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()
	e.retry = fastRetry()

	_, err = e.Embed(context.Background(), "fail me")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindProviderPermanent))
	// One attempt consumed, nothing retried.
	assert.Equal(t, int64(9), failures.Load())
}

func TestOllamaEmbedder_EmptyInputRejected(t *testing.T) {
	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Model:           "test-embed",
		Dimensions:      8,
		SkipHealthCheck: true,
	})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	_, err = e.Embed(context.Background(), "  \n ")
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindEmptyInput))
}

func TestOllamaEmbedder_ClosedEmbedderErrors(t *testing.T) {
	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Model:           "test-embed",
		Dimensions:      8,
		SkipHealthCheck: true,
	})
	require.NoError(t, err)
	require.NoError(t, e.Close())

	_, err = e.Embed(context.Background(), "text")
	require.Error(t, err)
	assert.False(t, e.Available(context.Background()))
}
