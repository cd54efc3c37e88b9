package embed

import (
	"fmt"
	"path/filepath"

	"github.com/semindex/semindex/internal/config"
	semerr "github.com/semindex/semindex/internal/errors"
)

// New builds the configured embedder, wrapped with the LRU and on-disk
// cache layers. baseDir is the storage base path; vectors spill to its
// embeddings/ subdirectory.
func New(cfg *config.Config, baseDir string) (Embedder, error) {
	var inner Embedder

	switch cfg.Embedding.ProviderType {
	case "openai":
		var err error
		inner, err = NewOpenAIEmbedder(OpenAIOptions{
			APIKey:    cfg.Embedding.APIKey,
			BaseURL:   cfg.Embedding.BaseURL,
			Model:     cfg.Embedding.ModelName,
			BatchSize: cfg.Embedding.BatchSize,
			Timeout:   cfg.Embedding.Timeout,
		})
		if err != nil {
			return nil, err
		}
	case "hash":
		inner = NewHashEmbedder()
	default:
		return nil, semerr.NewConfigError("embedding.provider_type",
			fmt.Sprintf("must be openai or hash, got %q", cfg.Embedding.ProviderType))
	}

	diskDir := ""
	if baseDir != "" {
		diskDir = filepath.Join(baseDir, "embeddings")
	}
	return NewCachedEmbedder(inner, cfg.Storage.CacheSize, diskDir), nil
}
