package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	semerr "github.com/semindex/semindex/internal/errors"
)

func writeConfig(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0o644))
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "local", cfg.Storage.StorageBackend)
	assert.Equal(t, VectorBackendHNSW, cfg.Storage.VectorBackend)
	assert.Equal(t, 32, cfg.Embedding.BatchSize)
	assert.Equal(t, 30*time.Second, cfg.Embedding.Timeout)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoad_FileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
embedding:
  model_name: custom-embedder
  batch_size: 8
storage:
  vector_backend: memory
  base_path: /tmp/idx
log_level: debug
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "custom-embedder", cfg.Embedding.ModelName)
	assert.Equal(t, 8, cfg.Embedding.BatchSize)
	assert.Equal(t, VectorBackendMemory, cfg.Storage.VectorBackend)
	assert.Equal(t, "/tmp/idx", cfg.Storage.BasePath)
	assert.Equal(t, "debug", cfg.LogLevel)
	// Untouched values keep their defaults.
	assert.Equal(t, "text-embedding-3-small", New().Embedding.ModelName)
	assert.Equal(t, 30*time.Second, cfg.Embedding.Timeout)
}

func TestLoad_BooleanAloneInFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
storage:
  cache_enabled: false
  auto_backup: true
`)

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.False(t, cfg.Storage.CacheEnabled,
		"an explicit false must win over the default true")
	assert.True(t, cfg.Storage.AutoBackup)
	// Sibling numerics keep their defaults when the file omits them.
	assert.Equal(t, 1000, cfg.Storage.CacheSize)
	assert.Equal(t, time.Hour, cfg.Storage.BackupInterval)
}

func TestLoad_UnknownKeyRejected(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
storage:
  vector_backand: memory
`)

	_, err := Load(dir)
	require.Error(t, err)

	var ce *semerr.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `
storage:
  vector_backend: memory
`)
	t.Setenv(EnvPrefix+"VECTOR_BACKEND", "sqlite")
	t.Setenv(EnvPrefix+"EMBEDDING_API_KEY", "sk-test")

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, VectorBackendSQLite, cfg.Storage.VectorBackend)
	assert.Equal(t, "sk-test", cfg.Embedding.APIKey)
}

func TestLoad_EnvCoversEveryOption(t *testing.T) {
	t.Setenv(EnvPrefix+"MODEL_PROVIDER", "anthropic")
	t.Setenv(EnvPrefix+"MODEL_NAME", "claude-sonnet")
	t.Setenv(EnvPrefix+"MODEL_BASE_URL", "https://llm.internal")
	t.Setenv(EnvPrefix+"MODEL_TIMEOUT", "90s")
	t.Setenv(EnvPrefix+"EMBEDDING_PROVIDER", "hash")
	t.Setenv(EnvPrefix+"EMBEDDING_TIMEOUT", "45s")
	t.Setenv(EnvPrefix+"STORAGE_CACHE_ENABLED", "false")
	t.Setenv(EnvPrefix+"STORAGE_CACHE_SIZE", "64")
	t.Setenv(EnvPrefix+"STORAGE_AUTO_BACKUP", "true")
	t.Setenv(EnvPrefix+"STORAGE_BACKUP_INTERVAL", "30m")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "anthropic", cfg.Model.LLMProviderType)
	assert.Equal(t, "claude-sonnet", cfg.Model.LLMModelName)
	assert.Equal(t, "https://llm.internal", cfg.Model.BaseURL)
	assert.Equal(t, 90*time.Second, cfg.Model.Timeout)
	assert.Equal(t, "hash", cfg.Embedding.ProviderType)
	assert.Equal(t, 45*time.Second, cfg.Embedding.Timeout)
	assert.False(t, cfg.Storage.CacheEnabled)
	assert.Equal(t, 64, cfg.Storage.CacheSize)
	assert.True(t, cfg.Storage.AutoBackup)
	assert.Equal(t, 30*time.Minute, cfg.Storage.BackupInterval)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		option string
	}{
		{"bad storage backend", func(c *Config) { c.Storage.StorageBackend = "s3" }, "storage.storage_backend"},
		{"bad vector backend", func(c *Config) { c.Storage.VectorBackend = "faiss" }, "storage.vector_backend"},
		{"empty base path", func(c *Config) { c.Storage.BasePath = "" }, "storage.base_path"},
		{"zero batch size", func(c *Config) { c.Embedding.BatchSize = 0 }, "embedding.batch_size"},
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "log_level"},
		{"backup without interval", func(c *Config) {
			c.Storage.AutoBackup = true
			c.Storage.BackupInterval = 0
		}, "storage.backup_interval"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New()
			tt.mutate(cfg)

			err := cfg.Validate()
			require.Error(t, err)

			var ce *semerr.ConfigError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tt.option, ce.Option)
		})
	}
}

func TestWriteYAML_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	cfg := New()
	cfg.Embedding.ModelName = "round-trip"

	require.NoError(t, cfg.WriteYAML(filepath.Join(dir, FileName)))

	loaded, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "round-trip", loaded.Embedding.ModelName)
}
