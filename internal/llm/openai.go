package llm

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ragforge/ragforge/internal/errors"
)

// OpenAIConfig configures the OpenAI-compatible chat provider.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string        // Empty means the official endpoint
	Model       string        // e.g. "gpt-4o-mini"
	MaxTokens   int           // Default completion cap, defaults to DefaultMaxTokens
	Temperature float64       // Default sampling temperature
	Timeout     time.Duration // Per-request timeout, defaults to DefaultTimeout
}

// OpenAIProvider generates chat completions through the OpenAI API or an
// API-compatible gateway.
type OpenAIProvider struct {
	client *openai.Client
	config OpenAIConfig
	retry  errors.RetryConfig

	mu     sync.RWMutex
	closed bool
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates an OpenAI chat provider.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.Model == "" {
		return nil, errors.New(errors.KindInvalidConfig, "llm model is required")
	}
	if cfg.APIKey == "" {
		return nil, errors.New(errors.KindInvalidConfig, "llm api key is required")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = DefaultTemperature
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	return &OpenAIProvider{
		client: openai.NewClientWithConfig(clientCfg),
		config: cfg,
		retry:  errors.DefaultRetryConfig(),
	}, nil
}

// Generate produces a completion, retrying transient backend failures.
func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, opts Options) (*Completion, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, errors.New(errors.KindInternal, "llm provider is closed")
	}
	if len(messages) == 0 {
		return nil, errors.New(errors.KindEmptyInput, "no messages to complete")
	}

	req := p.buildRequest(messages, opts)

	var completion *Completion
	err := errors.Retry(ctx, p.retry, func() error {
		reqCtx, cancel := context.WithTimeout(ctx, p.config.Timeout)
		defer cancel()

		resp, err := p.client.CreateChatCompletion(reqCtx, req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return classifyAPIError(err)
		}
		if len(resp.Choices) == 0 {
			return errors.New(errors.KindProviderPermanent, "completion returned no choices")
		}

		completion = &Completion{
			Content: resp.Choices[0].Message.Content,
			Model:   resp.Model,
			Usage: Usage{
				PromptTokens:     resp.Usage.PromptTokens,
				CompletionTokens: resp.Usage.CompletionTokens,
				TotalTokens:      resp.Usage.TotalTokens,
			},
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Some gateways omit usage; estimate so token accounting stays populated.
	if completion.Usage.TotalTokens == 0 {
		prompt := EstimateMessages(p.config.Model, messages)
		out := EstimateTokens(p.config.Model, completion.Content)
		completion.Usage = Usage{
			PromptTokens:     prompt,
			CompletionTokens: out,
			TotalTokens:      prompt + out,
			Estimated:        true,
		}
	}

	return completion, nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, opts Options) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:    p.config.Model,
		Messages: make([]openai.ChatCompletionMessage, len(messages)),
	}
	for i, m := range messages {
		req.Messages[i] = openai.ChatCompletionMessage{Role: m.Role, Content: m.Content}
	}

	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.config.MaxTokens
	}

	if isReasoningModel(p.config.Model) {
		// Reasoning models reject temperature and the legacy max_tokens field.
		req.MaxCompletionTokens = maxTokens
	} else {
		req.MaxTokens = maxTokens
		temp := p.config.Temperature
		if opts.Temperature != nil {
			temp = *opts.Temperature
		}
		req.Temperature = float32(temp)
	}

	if opts.JSONMode {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	return req
}

// isReasoningModel reports whether the model belongs to the reasoning family
// that rejects sampling parameters.
func isReasoningModel(model string) bool {
	m := strings.ToLower(model)
	for _, prefix := range []string{"o1", "o3", "o4", "gpt-5"} {
		if strings.HasPrefix(m, prefix) {
			return true
		}
	}
	return false
}

// classifyAPIError maps API errors onto engine kinds.
func classifyAPIError(err error) error {
	var apiErr *openai.APIError
	if stderrors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return errors.Wrap(errors.KindProviderTransient, "llm rate limited", err)
		case apiErr.HTTPStatusCode >= 500:
			return errors.Wrap(errors.KindProviderTransient, "llm server error", err)
		default:
			return errors.Wrap(errors.KindProviderPermanent, "llm request rejected", err)
		}
	}
	return errors.Wrap(errors.KindProviderTransient, "llm request failed", err)
}

// ModelName returns the configured model identifier.
func (p *OpenAIProvider) ModelName() string {
	return p.config.Model
}

// Available probes the backend with a one-token completion.
func (p *OpenAIProvider) Available(ctx context.Context) bool {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req := p.buildRequest([]Message{{Role: RoleUser, Content: "ping"}}, Options{MaxTokens: 1})
	_, err := p.client.CreateChatCompletion(reqCtx, req)
	return err == nil
}

// Close marks the provider closed.
func (p *OpenAIProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
