package llm

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

type capturedRequest struct {
	Model               string          `json:"model"`
	Temperature         *float64        `json:"temperature,omitempty"`
	MaxTokens           int             `json:"max_tokens,omitempty"`
	MaxCompletionTokens int             `json:"max_completion_tokens,omitempty"`
	ResponseFormat      json.RawMessage `json:"response_format,omitempty"`
	Messages            []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

// fakeChatServer answers /v1/chat/completions, recording the last request.
func fakeChatServer(t *testing.T, reply string, withUsage bool, failures *atomic.Int64) (*httptest.Server, *capturedRequest) {
	t.Helper()
	last := &capturedRequest{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		if failures != nil && failures.Load() > 0 {
			failures.Add(-1)
			http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(last))

		resp := map[string]any{
			"id":    "chatcmpl-test",
			"model": last.Model,
			"choices": []map[string]any{
				{"index": 0, "message": map[string]any{"role": "assistant", "content": reply}, "finish_reason": "stop"},
			},
		}
		if withUsage {
			resp["usage"] = map[string]int{"prompt_tokens": 12, "completion_tokens": 7, "total_tokens": 19}
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	return srv, last
}

func newTestProvider(t *testing.T, srv *httptest.Server, model string) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(OpenAIConfig{
		APIKey:  "test-key",
		BaseURL: srv.URL + "/v1",
		Model:   model,
	})
	require.NoError(t, err)
	p.retry = errors.RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	return p
}

func TestGenerate_ReturnsContentAndUsage(t *testing.T) {
	srv, captured := fakeChatServer(t, "the answer", true, nil)
	defer srv.Close()
	p := newTestProvider(t, srv, "gpt-4o-mini")

	c, err := p.Generate(context.Background(), []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "question"},
	}, Options{})
	require.NoError(t, err)

	assert.Equal(t, "the answer", c.Content)
	assert.Equal(t, 19, c.Usage.TotalTokens)
	assert.False(t, c.Usage.Estimated)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	assert.NotZero(t, captured.MaxTokens)
	assert.Zero(t, captured.MaxCompletionTokens)
}

func TestGenerate_EstimatesUsageWhenOmitted(t *testing.T) {
	srv, _ := fakeChatServer(t, "four words of output", false, nil)
	defer srv.Close()
	p := newTestProvider(t, srv, "gpt-4o-mini")

	c, err := p.Generate(context.Background(), []Message{{Role: RoleUser, Content: "question"}}, Options{})
	require.NoError(t, err)

	assert.True(t, c.Usage.Estimated)
	assert.Positive(t, c.Usage.PromptTokens)
	assert.Positive(t, c.Usage.CompletionTokens)
	assert.Equal(t, c.Usage.PromptTokens+c.Usage.CompletionTokens, c.Usage.TotalTokens)
}

func TestGenerate_ReasoningModelOmitsSamplingParams(t *testing.T) {
	srv, captured := fakeChatServer(t, "ok", true, nil)
	defer srv.Close()
	p := newTestProvider(t, srv, "o3-mini")

	temp := 0.9
	_, err := p.Generate(context.Background(), []Message{{Role: RoleUser, Content: "question"}}, Options{Temperature: &temp})
	require.NoError(t, err)

	assert.Nil(t, captured.Temperature)
	assert.Zero(t, captured.MaxTokens)
	assert.NotZero(t, captured.MaxCompletionTokens)
}

func TestGenerate_JSONMode(t *testing.T) {
	srv, captured := fakeChatServer(t, `{"ok":true}`, true, nil)
	defer srv.Close()
	p := newTestProvider(t, srv, "gpt-4o-mini")

	_, err := p.Generate(context.Background(), []Message{{Role: RoleUser, Content: "question"}}, Options{JSONMode: true})
	require.NoError(t, err)

	assert.Contains(t, string(captured.ResponseFormat), "json_object")
}

func TestGenerate_RetriesServerErrors(t *testing.T) {
	var failures atomic.Int64
	failures.Store(1)
	srv, _ := fakeChatServer(t, "recovered", true, &failures)
	defer srv.Close()
	p := newTestProvider(t, srv, "gpt-4o-mini")

	c, err := p.Generate(context.Background(), []Message{{Role: RoleUser, Content: "question"}}, Options{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", c.Content)
}

func TestGenerate_EmptyMessagesRejected(t *testing.T) {
	srv, _ := fakeChatServer(t, "unused", true, nil)
	defer srv.Close()
	p := newTestProvider(t, srv, "gpt-4o-mini")

	_, err := p.Generate(context.Background(), nil, Options{})
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindEmptyInput))
}

func TestIsReasoningModel(t *testing.T) {
	assert.True(t, isReasoningModel("o1-preview"))
	assert.True(t, isReasoningModel("o3-mini"))
	assert.True(t, isReasoningModel("gpt-5"))
	assert.False(t, isReasoningModel("gpt-4o-mini"))
	assert.False(t, isReasoningModel("llama3.1"))
}

func TestEstimateTokens(t *testing.T) {
	n := EstimateTokens("gpt-4o-mini", "hello world, this is a token estimate")
	assert.Positive(t, n)
	assert.Less(t, n, 20)

	assert.Zero(t, EstimateTokens("gpt-4o-mini", ""))
}
