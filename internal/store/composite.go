package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"

	"github.com/semindex/semindex/internal/block"
	"github.com/semindex/semindex/internal/config"
	semerr "github.com/semindex/semindex/internal/errors"
)

// PurgeSummary reports what a repository purge removed.
type PurgeSummary struct {
	RepositoryID    string `json:"repository_id"`
	DeletedBlocks   int    `json:"deleted_blocks"`
	DeletedVectors  int    `json:"deleted_vectors"`
	DeletedManifest bool   `json:"deleted_manifest"`
}

// Stats is a point-in-time summary of the storage layer.
type Stats struct {
	Repositories  int    `json:"repositories"`
	Blocks        int    `json:"blocks"`
	Vectors       int    `json:"vectors"`
	Dimension     int    `json:"dimension"`
	Searches      int    `json:"searches"`
	VectorBackend string `json:"vector_backend"`
	BasePath      string `json:"base_path"`
}

// Storage is the composite façade over the block, vector, and metadata
// stores. It owns the base-path lock, so two processes never mutate the
// same index concurrently.
type Storage struct {
	Blocks   *BlockStore
	Vectors  VectorStore
	Metadata *MetadataStore

	basePath string
	backend  string
	lock     *flock.Flock
	log      *slog.Logger

	mu        sync.Mutex
	connected bool
}

// Open creates the composite storage rooted at cfg.Storage.BasePath and
// acquires the exclusive lock. A held lock fails fast rather than
// blocking.
func Open(cfg *config.Config, log *slog.Logger) (*Storage, error) {
	if log == nil {
		log = slog.Default()
	}

	basePath := cfg.Storage.BasePath
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "open storage", err)
	}

	lock := flock.New(filepath.Join(basePath, ".lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "open storage", err)
	}
	if !locked {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "open storage",
			fmt.Errorf("index at %s is locked by another process", basePath))
	}

	cacheSize := 0
	if cfg.Storage.CacheEnabled {
		cacheSize = cfg.Storage.CacheSize
	}

	blocks, err := NewBlockStore(basePath, cacheSize)
	if err != nil {
		lock.Unlock()
		return nil, err
	}

	vectors, err := NewVectorStore(cfg.Storage.VectorBackend, filepath.Join(basePath, "vectors"))
	if err != nil {
		blocks.Close()
		lock.Unlock()
		return nil, err
	}

	metadata, err := NewMetadataStore(basePath, cfg.Storage.AutoBackup)
	if err != nil {
		vectors.Close()
		blocks.Close()
		lock.Unlock()
		return nil, err
	}

	return &Storage{
		Blocks:    blocks,
		Vectors:   vectors,
		Metadata:  metadata,
		basePath:  basePath,
		backend:   cfg.Storage.VectorBackend,
		lock:      lock,
		log:       log,
		connected: true,
	}, nil
}

// EnsureManifest verifies the vector collection was built by the same
// provider, model, and dimension, writing the manifest on first use. A
// mismatch means the collection must be purged and re-indexed.
func (s *Storage) EnsureManifest(provider, model string, dimension int) error {
	dir := filepath.Join(s.basePath, "vectors")
	manifest, err := LoadManifest(dir)
	if err != nil {
		return err
	}

	if manifest.Model == "" {
		return SaveManifest(dir, Manifest{
			Provider:  provider,
			Model:     model,
			Dimension: dimension,
			Count:     s.Vectors.Count(nil),
		})
	}

	if manifest.Provider != provider || manifest.Model != model {
		return semerr.NewStorageError(semerr.StorageIntegrity, "ensure manifest",
			fmt.Errorf("index was built with %s/%s, configured %s/%s; purge and re-index",
				manifest.Provider, manifest.Model, provider, model))
	}
	if dimension != 0 && manifest.Dimension != 0 && manifest.Dimension != dimension {
		return semerr.NewDimensionMismatch(manifest.Dimension, dimension)
	}
	return nil
}

// SaveBlockWithVector persists the block first, then its vector. When
// the vector write fails the block is re-saved with EmbeddingMissing so
// a later pass can retry, and the original error is returned.
func (s *Storage) SaveBlockWithVector(ctx context.Context, b *block.CodeBlock) error {
	if err := s.Blocks.Save(ctx, b); err != nil {
		return err
	}
	if b.Embedding == nil {
		return nil
	}

	if err := s.Vectors.Add(ctx, b.BlockID, b.Embedding, b.VectorMetadata()); err != nil {
		b.EmbeddingMissing = true
		if saveErr := s.Blocks.Save(ctx, b); saveErr != nil {
			s.log.Warn("failed to flag block after vector write failure",
				slog.String("block_id", b.BlockID),
				slog.String("error", saveErr.Error()))
		}
		return err
	}

	if b.EmbeddingMissing {
		b.EmbeddingMissing = false
		return s.Blocks.Save(ctx, b)
	}
	return nil
}

// SaveBlocksWithVectors persists a batch, blocks before vectors. A
// vector batch failure flags every affected block and returns the error.
func (s *Storage) SaveBlocksWithVectors(ctx context.Context, blocks []*block.CodeBlock) error {
	if len(blocks) == 0 {
		return nil
	}

	if err := s.Blocks.SaveMany(ctx, blocks); err != nil {
		return err
	}

	var ids []string
	var vectors [][]float32
	var metas []map[string]string
	var embedded []*block.CodeBlock
	for _, b := range blocks {
		if b.Embedding == nil {
			continue
		}
		ids = append(ids, b.BlockID)
		vectors = append(vectors, b.Embedding)
		metas = append(metas, b.VectorMetadata())
		embedded = append(embedded, b)
	}
	if len(ids) == 0 {
		return nil
	}

	if err := s.Vectors.AddMany(ctx, ids, vectors, metas); err != nil {
		for _, b := range embedded {
			b.EmbeddingMissing = true
		}
		if saveErr := s.Blocks.SaveMany(ctx, embedded); saveErr != nil {
			s.log.Warn("failed to flag blocks after vector batch failure",
				slog.Int("count", len(embedded)),
				slog.String("error", saveErr.Error()))
		}
		return err
	}
	return nil
}

// PurgeRepository removes a repository everywhere: vectors first, then
// blocks, then the manifest. Later stages run even when an earlier one
// fails, and the summary reports what actually went away.
func (s *Storage) PurgeRepository(ctx context.Context, repositoryID string) (*PurgeSummary, error) {
	summary := &PurgeSummary{RepositoryID: repositoryID}
	var firstErr error

	vectors, err := s.Vectors.DeleteByRepository(ctx, repositoryID)
	if err != nil {
		firstErr = err
		s.log.Warn("vector purge failed",
			slog.String("repository_id", repositoryID),
			slog.String("error", err.Error()))
	}
	summary.DeletedVectors = vectors

	blocks, err := s.Blocks.DeleteByRepository(ctx, repositoryID)
	if err != nil {
		if firstErr == nil {
			firstErr = err
		}
		s.log.Warn("block purge failed",
			slog.String("repository_id", repositoryID),
			slog.String("error", err.Error()))
	}
	summary.DeletedBlocks = blocks

	deleted, err := s.Metadata.DeleteRepository(repositoryID)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	summary.DeletedManifest = deleted

	if firstErr == nil {
		if err := s.Vectors.Save(); err != nil {
			firstErr = err
		}
	}
	return summary, firstErr
}

// HealthCheck probes every layer and returns the first failure.
func (s *Storage) HealthCheck(ctx context.Context) error {
	s.mu.Lock()
	connected := s.connected
	s.mu.Unlock()
	if !connected {
		return semerr.NewStorageError(semerr.StorageConnection, "health check",
			errors.New("storage is disconnected"))
	}

	if _, err := s.Blocks.Count(ctx, BlockQuery{}); err != nil {
		return err
	}
	if _, err := s.Metadata.ListRepositories(); err != nil {
		return err
	}
	_ = s.Vectors.Count(nil)
	return nil
}

// Stats summarizes the storage layer.
func (s *Storage) Stats(ctx context.Context) (*Stats, error) {
	repos, err := s.Metadata.ListRepositories()
	if err != nil {
		return nil, err
	}
	blocks, err := s.Blocks.Count(ctx, BlockQuery{})
	if err != nil {
		return nil, err
	}
	history, err := s.Metadata.SearchHistory(0)
	if err != nil {
		return nil, err
	}

	return &Stats{
		Repositories:  len(repos),
		Blocks:        blocks,
		Vectors:       s.Vectors.Count(nil),
		Dimension:     s.Vectors.Dimensions(),
		Searches:      len(history),
		VectorBackend: s.backend,
		BasePath:      s.basePath,
	}, nil
}

// Close saves the vector store, closes every layer, and releases the
// base-path lock. Safe to call twice.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return nil
	}
	s.connected = false

	var firstErr error
	if err := s.Vectors.Save(); err != nil {
		firstErr = err
	}
	if err := s.Vectors.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.Blocks.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.lock.Unlock(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}
