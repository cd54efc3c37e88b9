package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semindex/semindex/internal/block"
	"github.com/semindex/semindex/internal/config"
	semerr "github.com/semindex/semindex/internal/errors"
)

func testStorageConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.New()
	cfg.Storage.BasePath = t.TempDir()
	cfg.Storage.VectorBackend = config.VectorBackendMemory
	return cfg
}

func openTestStorage(t *testing.T) *Storage {
	t.Helper()
	s, err := Open(testStorageConfig(t), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func embeddedBlock(repo, file, name string, vec []float32) *block.CodeBlock {
	b := testBlock(repo, file, name, time.Now().UTC())
	b.Embedding = vec
	return b
}

func TestStorage_OpenLocksBasePath(t *testing.T) {
	cfg := testStorageConfig(t)

	first, err := Open(cfg, nil)
	require.NoError(t, err)
	defer first.Close()

	_, err = Open(cfg, nil)
	require.Error(t, err, "second open of the same base path must fail fast")

	var storageErr *semerr.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, semerr.StorageConnection, storageErr.Kind)
}

func TestStorage_LockReleasedOnClose(t *testing.T) {
	cfg := testStorageConfig(t)

	first, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, first.Close())

	second, err := Open(cfg, nil)
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestStorage_EnsureManifest(t *testing.T) {
	s := openTestStorage(t)

	// First use pins provider, model, and dimension.
	require.NoError(t, s.EnsureManifest("openai", "text-embedding-3-small", 1536))

	// Same settings pass.
	require.NoError(t, s.EnsureManifest("openai", "text-embedding-3-small", 1536))

	// A different model is an integrity error, not a mismatch.
	err := s.EnsureManifest("openai", "text-embedding-3-large", 3072)
	require.Error(t, err)
	var storageErr *semerr.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, semerr.StorageIntegrity, storageErr.Kind)

	// Same model, different width is a dimension mismatch.
	err = s.EnsureManifest("openai", "text-embedding-3-small", 256)
	require.Error(t, err)
	assert.True(t, semerr.IsDimensionMismatch(err))
}

func TestStorage_SaveBlockWithVector(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	b := embeddedBlock("r1", "a.py", "add", []float32{1, 0, 0})
	require.NoError(t, s.SaveBlockWithVector(ctx, b))

	assert.True(t, s.Vectors.Contains(b.BlockID))
	got, err := s.Blocks.Get(ctx, b.BlockID)
	require.NoError(t, err)
	assert.False(t, got.EmbeddingMissing)
}

func TestStorage_SaveBlockWithVector_FlagsOnVectorFailure(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	// Pin the store at three dimensions, then save a block whose vector
	// cannot be inserted.
	require.NoError(t, s.Vectors.Add(ctx, "pin", []float32{1, 0, 0}, meta("r0", "go", "file")))

	b := embeddedBlock("r1", "a.py", "add", []float32{1, 0})
	err := s.SaveBlockWithVector(ctx, b)
	require.Error(t, err)
	assert.True(t, semerr.IsDimensionMismatch(err))

	// The block survives, marked for a later embedding retry.
	got, getErr := s.Blocks.Get(ctx, b.BlockID)
	require.NoError(t, getErr)
	assert.True(t, got.EmbeddingMissing)
	assert.False(t, s.Vectors.Contains(b.BlockID))
}

func TestStorage_SaveBlockWithVector_ClearsStaleFlag(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	b := embeddedBlock("r1", "a.py", "add", []float32{1, 0, 0})
	b.EmbeddingMissing = true
	require.NoError(t, s.SaveBlockWithVector(ctx, b))

	got, err := s.Blocks.Get(ctx, b.BlockID)
	require.NoError(t, err)
	assert.False(t, got.EmbeddingMissing, "a successful vector write clears the retry flag")
}

func TestStorage_SaveBlocksWithVectors_BatchFailureFlagsAll(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.Vectors.Add(ctx, "pin", []float32{1, 0, 0}, meta("r0", "go", "file")))

	good := embeddedBlock("r1", "a.py", "one", []float32{0, 1, 0})
	bad := embeddedBlock("r1", "b.py", "two", []float32{0, 1})
	err := s.SaveBlocksWithVectors(ctx, []*block.CodeBlock{good, bad})
	require.Error(t, err)

	// The vector batch is all-or-nothing, so both blocks carry the flag.
	for _, b := range []*block.CodeBlock{good, bad} {
		got, getErr := s.Blocks.Get(ctx, b.BlockID)
		require.NoError(t, getErr)
		assert.True(t, got.EmbeddingMissing)
		assert.False(t, s.Vectors.Contains(b.BlockID))
	}
}

func TestStorage_PurgeRepository(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	blocks := []*block.CodeBlock{
		embeddedBlock("r1", "a.py", "one", []float32{1, 0}),
		embeddedBlock("r1", "b.py", "two", []float32{0, 1}),
		embeddedBlock("r2", "c.py", "keep", []float32{1, 1}),
	}
	require.NoError(t, s.SaveBlocksWithVectors(ctx, blocks))
	require.NoError(t, s.Metadata.SaveRepository(&block.RepositoryIndex{RepositoryID: "r1"}))

	summary, err := s.PurgeRepository(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "r1", summary.RepositoryID)
	assert.Equal(t, 2, summary.DeletedBlocks)
	assert.Equal(t, 2, summary.DeletedVectors)
	assert.True(t, summary.DeletedManifest)

	n, err := s.Blocks.Count(ctx, BlockQuery{})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, s.Vectors.Count(nil))
}

func TestStorage_PurgeUnknownRepository(t *testing.T) {
	s := openTestStorage(t)

	summary, err := s.PurgeRepository(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Zero(t, summary.DeletedBlocks)
	assert.Zero(t, summary.DeletedVectors)
	assert.False(t, summary.DeletedManifest)
}

func TestStorage_Stats(t *testing.T) {
	s := openTestStorage(t)
	ctx := context.Background()

	require.NoError(t, s.SaveBlockWithVector(ctx, embeddedBlock("r1", "a.py", "one", []float32{1, 0})))
	require.NoError(t, s.Metadata.SaveRepository(&block.RepositoryIndex{RepositoryID: "r1"}))
	require.NoError(t, s.Metadata.RecordSearch(block.SearchQuery{Query: "one"}))

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Repositories)
	assert.Equal(t, 1, stats.Blocks)
	assert.Equal(t, 1, stats.Vectors)
	assert.Equal(t, 2, stats.Dimension)
	assert.Equal(t, 1, stats.Searches)
	assert.Equal(t, config.VectorBackendMemory, stats.VectorBackend)
}

func TestStorage_HealthCheck(t *testing.T) {
	s := openTestStorage(t)

	require.NoError(t, s.HealthCheck(context.Background()))

	require.NoError(t, s.Close())
	err := s.HealthCheck(context.Background())
	require.Error(t, err)
}

func TestStorage_CloseIdempotent(t *testing.T) {
	s, err := Open(testStorageConfig(t), nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}
