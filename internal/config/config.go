// Package config loads the engine configuration from YAML with environment
// overrides for secrets and deployment-specific endpoints.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ragforge/ragforge/internal/errors"
)

// Embedding and LLM provider names.
const (
	ProviderOllama = "ollama"
	ProviderOpenAI = "openai"
	ProviderStatic = "static"
)

// Config is the complete engine configuration.
type Config struct {
	Version    int              `yaml:"version"`
	Paths      PathsConfig      `yaml:"paths"`
	Server     ServerConfig     `yaml:"server"`
	Embeddings EmbeddingsConfig `yaml:"embeddings"`
	LLM        LLMConfig        `yaml:"llm"`
	Ingestion  IngestionConfig  `yaml:"ingestion"`
	Limits     LimitsConfig     `yaml:"limits"`

	// Retrieval holds the global retrieval defaults (app settings). Keys
	// follow the settings resolver's recognized set.
	Retrieval map[string]any `yaml:"retrieval"`
}

// PathsConfig locates persistent state.
type PathsConfig struct {
	// DataDir holds the SQLite database, vector collections, and the
	// lexical index.
	DataDir string `yaml:"data_dir"`
}

// ServerConfig configures logging and shutdown behavior.
type ServerConfig struct {
	LogLevel        string        `yaml:"log_level"`
	LogFile         string        `yaml:"log_file"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// EmbeddingsConfig configures the embedding provider.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	BatchSize  int    `yaml:"batch_size"`
	CacheSize  int    `yaml:"cache_size"`

	OllamaHost string `yaml:"ollama_host"`

	OpenAIBaseURL string `yaml:"openai_base_url"`
	// OpenAIAPIKey comes from RAGFORGE_OPENAI_API_KEY; the YAML field
	// exists for development setups only.
	OpenAIAPIKey string `yaml:"openai_api_key"`
}

// LLMConfig configures the chat provider.
type LLMConfig struct {
	Model       string  `yaml:"model"`
	BaseURL     string  `yaml:"base_url"`
	APIKey      string  `yaml:"api_key"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// IngestionConfig tunes the background pipeline.
type IngestionConfig struct {
	Workers         int `yaml:"workers"`
	EmbedBatchSize  int `yaml:"embed_batch_size"`
	UpsertBatchSize int `yaml:"upsert_batch_size"`
	MaxUploadMB     int `yaml:"max_upload_mb"`
}

// LimitsConfig bounds expensive operations.
type LimitsConfig struct {
	StructureRequestsPerMinute int `yaml:"structure_requests_per_minute"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Paths: PathsConfig{
			DataDir: "./data",
		},
		Server: ServerConfig{
			LogLevel:        "info",
			ShutdownTimeout: 30 * time.Second,
		},
		Embeddings: EmbeddingsConfig{
			Provider:   ProviderOllama,
			Model:      "nomic-embed-text",
			Dimensions: 768,
			BatchSize:  32,
			CacheSize:  4096,
			OllamaHost: "http://localhost:11434",
		},
		LLM: LLMConfig{
			Model:     "gpt-4o-mini",
			MaxTokens: 2048,
		},
		Ingestion: IngestionConfig{
			Workers:         4,
			EmbedBatchSize:  100,
			UpsertBatchSize: 256,
			MaxUploadMB:     50,
		},
		Limits: LimitsConfig{
			StructureRequestsPerMinute: 10,
		},
		Retrieval: map[string]any{},
	}
}

// Load reads the YAML file at path on top of the defaults and applies
// environment overrides. A missing file is not an error; the defaults plus
// environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// defaults apply
		case err != nil:
			return nil, errors.Wrap(errors.KindInvalidConfig, "read config file", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, errors.Wrap(errors.KindInvalidConfig, "parse config file", err)
			}
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("RAGFORGE_DATA_DIR"); v != "" {
		c.Paths.DataDir = v
	}
	if v := os.Getenv("RAGFORGE_LOG_LEVEL"); v != "" {
		c.Server.LogLevel = v
	}
	if v := os.Getenv("RAGFORGE_OLLAMA_HOST"); v != "" {
		c.Embeddings.OllamaHost = v
	}
	if v := os.Getenv("RAGFORGE_OPENAI_API_KEY"); v != "" {
		c.Embeddings.OpenAIAPIKey = v
		if c.LLM.APIKey == "" {
			c.LLM.APIKey = v
		}
	}
	if v := os.Getenv("RAGFORGE_OPENAI_BASE_URL"); v != "" {
		c.Embeddings.OpenAIBaseURL = v
		if c.LLM.BaseURL == "" {
			c.LLM.BaseURL = v
		}
	}
	if v := os.Getenv("RAGFORGE_LLM_API_KEY"); v != "" {
		c.LLM.APIKey = v
	}
	if v := os.Getenv("RAGFORGE_LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("RAGFORGE_INGEST_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.Ingestion.Workers = n
		}
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.Paths.DataDir == "" {
		return errors.New(errors.KindInvalidConfig, "paths.data_dir is required")
	}
	switch c.Embeddings.Provider {
	case ProviderOllama, ProviderOpenAI, ProviderStatic:
	default:
		return errors.Newf(errors.KindInvalidConfig, "unknown embeddings provider %q", c.Embeddings.Provider)
	}
	if c.Embeddings.Dimensions <= 0 {
		return errors.Newf(errors.KindInvalidConfig, "embeddings.dimensions must be positive, got %d", c.Embeddings.Dimensions)
	}
	if c.Ingestion.Workers <= 0 {
		return errors.Newf(errors.KindInvalidConfig, "ingestion.workers must be positive, got %d", c.Ingestion.Workers)
	}
	if c.Ingestion.MaxUploadMB <= 0 {
		return errors.Newf(errors.KindInvalidConfig, "ingestion.max_upload_mb must be positive, got %d", c.Ingestion.MaxUploadMB)
	}
	return nil
}

// MaxUploadBytes converts the configured upload cap to bytes.
func (c *Config) MaxUploadBytes() int {
	return c.Ingestion.MaxUploadMB << 20
}
