// Package config loads and validates the process-wide configuration.
//
// Precedence, lowest to highest: built-in defaults, the .semindex.yaml
// file, SEMINDEX_* environment variables, programmatic overrides applied
// by the caller after Load. The loaded value is immutable by convention;
// components receive it by value at construction time.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	semerr "github.com/semindex/semindex/internal/errors"
)

// FileName is the project configuration file looked up in the working
// directory.
const FileName = ".semindex.yaml"

// EnvPrefix is the environment variable prefix for overrides.
const EnvPrefix = "SEMINDEX_"

// Config is the complete configuration.
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Storage   StorageConfig   `yaml:"storage"`
	LogLevel  string          `yaml:"log_level"`
}

// ModelConfig configures the LLM provider. Recognized and validated even
// though no component in this module consumes completions yet.
type ModelConfig struct {
	LLMProviderType string        `yaml:"llm_provider_type"`
	LLMModelName    string        `yaml:"llm_model_name"`
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	Timeout         time.Duration `yaml:"timeout"`
}

// EmbeddingConfig configures the external embedding service.
type EmbeddingConfig struct {
	ProviderType string        `yaml:"provider_type"`
	ModelName    string        `yaml:"model_name"`
	APIKey       string        `yaml:"api_key"`
	BaseURL      string        `yaml:"base_url"`
	BatchSize    int           `yaml:"batch_size"`
	Timeout      time.Duration `yaml:"timeout"`
}

// StorageConfig configures the composite storage layer.
type StorageConfig struct {
	StorageBackend string        `yaml:"storage_backend"`
	VectorBackend  string        `yaml:"vector_backend"`
	BasePath       string        `yaml:"base_path"`
	CacheEnabled   bool          `yaml:"cache_enabled"`
	CacheSize      int           `yaml:"cache_size"`
	AutoBackup     bool          `yaml:"auto_backup"`
	BackupInterval time.Duration `yaml:"backup_interval"`
}

// Vector backend names accepted by storage.vector_backend.
const (
	VectorBackendMemory = "memory"
	VectorBackendHNSW   = "hnsw"
	VectorBackendSQLite = "sqlite"
)

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		Model: ModelConfig{
			LLMProviderType: "openai",
			LLMModelName:    "gpt-4o-mini",
			Timeout:         60 * time.Second,
		},
		Embedding: EmbeddingConfig{
			ProviderType: "openai",
			ModelName:    "text-embedding-3-small",
			BatchSize:    32,
			Timeout:      30 * time.Second,
		},
		Storage: StorageConfig{
			StorageBackend: "local",
			VectorBackend:  VectorBackendHNSW,
			BasePath:       "./.semindex",
			CacheEnabled:   true,
			CacheSize:      1000,
			AutoBackup:     false,
			BackupInterval: time.Hour,
		},
		LogLevel: "info",
	}
}

// Load builds the effective configuration for dir: defaults, then the
// project file if present, then environment overrides, then validation.
func Load(dir string) (*Config, error) {
	cfg := New()

	path := filepath.Join(dir, FileName)
	if _, err := os.Stat(path); err == nil {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fileBooleans shadows the boolean options with pointers. A plain
// decode cannot tell an explicit false from an absent key, so presence
// is detected in a second pass over the same bytes.
type fileBooleans struct {
	Storage struct {
		CacheEnabled *bool `yaml:"cache_enabled"`
		AutoBackup   *bool `yaml:"auto_backup"`
	} `yaml:"storage"`
}

// loadYAML merges a YAML file into cfg. Unknown keys are rejected so a
// typoed option fails at startup instead of silently using a default.
func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return semerr.NewConfigError(path, err.Error())
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var parsed Config
	if err := dec.Decode(&parsed); err != nil {
		return semerr.NewConfigError(path, fmt.Sprintf("parse: %v", err))
	}

	var bools fileBooleans
	if err := yaml.Unmarshal(data, &bools); err != nil {
		return semerr.NewConfigError(path, fmt.Sprintf("parse: %v", err))
	}

	c.mergeWith(&parsed, &bools)
	return nil
}

// mergeWith copies non-zero values from other into c. Booleans merge on
// presence via bools.
func (c *Config) mergeWith(other *Config, bools *fileBooleans) {
	if other.Model.LLMProviderType != "" {
		c.Model.LLMProviderType = other.Model.LLMProviderType
	}
	if other.Model.LLMModelName != "" {
		c.Model.LLMModelName = other.Model.LLMModelName
	}
	if other.Model.APIKey != "" {
		c.Model.APIKey = other.Model.APIKey
	}
	if other.Model.BaseURL != "" {
		c.Model.BaseURL = other.Model.BaseURL
	}
	if other.Model.Timeout != 0 {
		c.Model.Timeout = other.Model.Timeout
	}

	if other.Embedding.ProviderType != "" {
		c.Embedding.ProviderType = other.Embedding.ProviderType
	}
	if other.Embedding.ModelName != "" {
		c.Embedding.ModelName = other.Embedding.ModelName
	}
	if other.Embedding.APIKey != "" {
		c.Embedding.APIKey = other.Embedding.APIKey
	}
	if other.Embedding.BaseURL != "" {
		c.Embedding.BaseURL = other.Embedding.BaseURL
	}
	if other.Embedding.BatchSize != 0 {
		c.Embedding.BatchSize = other.Embedding.BatchSize
	}
	if other.Embedding.Timeout != 0 {
		c.Embedding.Timeout = other.Embedding.Timeout
	}

	if other.Storage.StorageBackend != "" {
		c.Storage.StorageBackend = other.Storage.StorageBackend
	}
	if other.Storage.VectorBackend != "" {
		c.Storage.VectorBackend = other.Storage.VectorBackend
	}
	if other.Storage.BasePath != "" {
		c.Storage.BasePath = other.Storage.BasePath
	}
	if other.Storage.CacheSize != 0 {
		c.Storage.CacheSize = other.Storage.CacheSize
	}
	if bools.Storage.CacheEnabled != nil {
		c.Storage.CacheEnabled = *bools.Storage.CacheEnabled
	}
	if other.Storage.BackupInterval != 0 {
		c.Storage.BackupInterval = other.Storage.BackupInterval
	}
	if bools.Storage.AutoBackup != nil {
		c.Storage.AutoBackup = *bools.Storage.AutoBackup
	}

	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
}

// applyEnvOverrides applies SEMINDEX_* environment variables above file
// configuration. One variable per recognized option; unparsable numeric
// or duration values are ignored rather than fatal.
func (c *Config) applyEnvOverrides() {
	envString(EnvPrefix+"MODEL_PROVIDER", &c.Model.LLMProviderType)
	envString(EnvPrefix+"MODEL_NAME", &c.Model.LLMModelName)
	envString(EnvPrefix+"MODEL_API_KEY", &c.Model.APIKey)
	envString(EnvPrefix+"MODEL_BASE_URL", &c.Model.BaseURL)
	envDuration(EnvPrefix+"MODEL_TIMEOUT", &c.Model.Timeout)

	envString(EnvPrefix+"EMBEDDING_PROVIDER", &c.Embedding.ProviderType)
	envString(EnvPrefix+"EMBEDDING_MODEL", &c.Embedding.ModelName)
	envString(EnvPrefix+"EMBEDDING_API_KEY", &c.Embedding.APIKey)
	envString(EnvPrefix+"EMBEDDING_BASE_URL", &c.Embedding.BaseURL)
	envInt(EnvPrefix+"EMBEDDING_BATCH_SIZE", &c.Embedding.BatchSize)
	envDuration(EnvPrefix+"EMBEDDING_TIMEOUT", &c.Embedding.Timeout)

	envString(EnvPrefix+"STORAGE_BACKEND", &c.Storage.StorageBackend)
	envString(EnvPrefix+"VECTOR_BACKEND", &c.Storage.VectorBackend)
	envString(EnvPrefix+"STORAGE_BASE_PATH", &c.Storage.BasePath)
	envBool(EnvPrefix+"STORAGE_CACHE_ENABLED", &c.Storage.CacheEnabled)
	envInt(EnvPrefix+"STORAGE_CACHE_SIZE", &c.Storage.CacheSize)
	envBool(EnvPrefix+"STORAGE_AUTO_BACKUP", &c.Storage.AutoBackup)
	envDuration(EnvPrefix+"STORAGE_BACKUP_INTERVAL", &c.Storage.BackupInterval)

	envString(EnvPrefix+"LOG_LEVEL", &c.LogLevel)
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}

// Validate checks the final configuration.
func (c *Config) Validate() error {
	if c.Storage.StorageBackend != "local" {
		return semerr.NewConfigError("storage.storage_backend",
			fmt.Sprintf("must be 'local', got %q", c.Storage.StorageBackend))
	}

	switch c.Storage.VectorBackend {
	case VectorBackendMemory, VectorBackendHNSW, VectorBackendSQLite:
	default:
		return semerr.NewConfigError("storage.vector_backend",
			fmt.Sprintf("must be one of memory, hnsw, sqlite, got %q", c.Storage.VectorBackend))
	}

	if c.Storage.BasePath == "" {
		return semerr.NewConfigError("storage.base_path", "must not be empty")
	}
	if c.Storage.CacheEnabled && c.Storage.CacheSize <= 0 {
		return semerr.NewConfigError("storage.cache_size",
			fmt.Sprintf("must be positive when cache_enabled, got %d", c.Storage.CacheSize))
	}
	if c.Storage.AutoBackup && c.Storage.BackupInterval <= 0 {
		return semerr.NewConfigError("storage.backup_interval",
			"must be positive when auto_backup is set")
	}

	if c.Embedding.BatchSize <= 0 {
		return semerr.NewConfigError("embedding.batch_size",
			fmt.Sprintf("must be positive, got %d", c.Embedding.BatchSize))
	}
	if c.Embedding.Timeout <= 0 {
		return semerr.NewConfigError("embedding.timeout", "must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.LogLevel)] {
		return semerr.NewConfigError("log_level",
			fmt.Sprintf("must be debug, info, warn, or error, got %q", c.LogLevel))
	}

	return nil
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return semerr.NewConfigError(path, fmt.Sprintf("marshal: %v", err))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return semerr.NewConfigError(path, err.Error())
	}
	return nil
}
