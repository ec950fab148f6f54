package embed

import "time"

// DefaultOllamaHost is the standard local Ollama endpoint.
const DefaultOllamaHost = "http://localhost:11434"

// OllamaConfig configures the Ollama embedding provider.
type OllamaConfig struct {
	Host       string        // Base URL, defaults to DefaultOllamaHost
	Model      string        // Embedding model name, e.g. "nomic-embed-text"
	Dimensions int           // 0 means auto-detect from a probe embedding
	BatchSize  int           // Texts per request, defaults to DefaultBatchSize
	Timeout    time.Duration // Per-request timeout, defaults to DefaultTimeout

	// SkipHealthCheck skips the startup model probe. Used in tests.
	SkipHealthCheck bool
}

// ollamaEmbedRequest is the /api/embed request body. Input is a single string
// or an array of strings.
type ollamaEmbedRequest struct {
	Model string `json:"model"`
	Input any    `json:"input"`
}

// ollamaEmbedResponse is the /api/embed response body.
type ollamaEmbedResponse struct {
	Model      string      `json:"model"`
	Embeddings [][]float64 `json:"embeddings"`
}

// ollamaModelInfo describes one installed model from /api/tags.
type ollamaModelInfo struct {
	Name string `json:"name"`
}

// ollamaModelListResponse is the /api/tags response body.
type ollamaModelListResponse struct {
	Models []ollamaModelInfo `json:"models"`
}
