package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ragforge/ragforge/internal/errors"
)

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ProviderOllama, cfg.Embeddings.Provider)
	assert.Equal(t, 768, cfg.Embeddings.Dimensions)
	assert.Equal(t, 4, cfg.Ingestion.Workers)
	assert.Equal(t, 50<<20, cfg.MaxUploadBytes())
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
paths:
  data_dir: /var/lib/ragforge
embeddings:
  provider: static
  dimensions: 64
ingestion:
  workers: 2
  max_upload_mb: 10
retrieval:
  retrieval_mode: hybrid
  top_k: 8
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/ragforge", cfg.Paths.DataDir)
	assert.Equal(t, ProviderStatic, cfg.Embeddings.Provider)
	assert.Equal(t, 64, cfg.Embeddings.Dimensions)
	assert.Equal(t, 2, cfg.Ingestion.Workers)
	assert.Equal(t, 10<<20, cfg.MaxUploadBytes())
	assert.Equal(t, "hybrid", cfg.Retrieval["retrieval_mode"])

	// Untouched sections keep their defaults.
	assert.Equal(t, "nomic-embed-text", cfg.Embeddings.Model)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("RAGFORGE_DATA_DIR", "/tmp/override")
	t.Setenv("RAGFORGE_OPENAI_API_KEY", "sk-test")
	t.Setenv("RAGFORGE_LLM_MODEL", "gpt-5-mini")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/override", cfg.Paths.DataDir)
	assert.Equal(t, "sk-test", cfg.Embeddings.OpenAIAPIKey)
	assert.Equal(t, "sk-test", cfg.LLM.APIKey, "LLM key falls back to the OpenAI key")
	assert.Equal(t, "gpt-5-mini", cfg.LLM.Model)
}

func TestLoad_InvalidValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embeddings:\n  provider: quantum\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidConfig))
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("embeddings: ["), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.True(t, errors.IsKind(err, errors.KindInvalidConfig))
}
