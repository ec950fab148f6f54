// Package llm provides chat completion providers for answer generation,
// intent extraction, and answer self-checking.
package llm

import (
	"context"
	"time"
)

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Default generation parameters.
const (
	DefaultMaxTokens   = 2048
	DefaultTemperature = 0.2
	DefaultTimeout     = 120 * time.Second
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string
	Content string
}

// Options tunes a single Generate call.
type Options struct {
	// Temperature overrides the provider default when non-nil. Reasoning-class
	// models reject the parameter; providers omit it for those.
	Temperature *float64

	// MaxTokens caps the completion length. Zero means the provider default.
	MaxTokens int

	// JSONMode forces a JSON object response where the backend supports it.
	JSONMode bool
}

// Usage is the token accounting for one completion. When the backend omits
// usage the provider estimates it and sets Estimated.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	Estimated        bool
}

// Completion is the result of a Generate call.
type Completion struct {
	Content string
	Model   string
	Usage   Usage
}

// Provider generates chat completions.
type Provider interface {
	// Generate produces a completion for the conversation.
	Generate(ctx context.Context, messages []Message, opts Options) (*Completion, error)

	// ModelName returns the model identifier.
	ModelName() string

	// Available reports whether the backend is reachable.
	Available(ctx context.Context) bool

	// Close releases provider resources.
	Close() error
}
