package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	semerr "github.com/semindex/semindex/internal/errors"
)

// backendFactories builds each vector backend fresh for shared tests.
var backendFactories = map[string]func(t *testing.T) VectorStore{
	"memory": func(t *testing.T) VectorStore {
		s, err := NewMemoryVectorStore("")
		require.NoError(t, err)
		return s
	},
	"hnsw": func(t *testing.T) VectorStore {
		s, err := NewHNSWVectorStore("")
		require.NoError(t, err)
		return s
	},
	"sqlite": func(t *testing.T) VectorStore {
		s, err := NewSQLiteVectorStore("")
		require.NoError(t, err)
		return s
	},
}

func meta(repo, lang, blockType string) map[string]string {
	return map[string]string{
		"repository_id": repo,
		"language":      lang,
		"block_type":    blockType,
	}
}

func TestVectorStore_AddSearch(t *testing.T) {
	for name, factory := range backendFactories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.Add(ctx, "a", []float32{1, 0, 0}, meta("r1", "python", "function")))
			require.NoError(t, s.Add(ctx, "b", []float32{0, 1, 0}, meta("r1", "python", "function")))
			require.NoError(t, s.Add(ctx, "c", []float32{0.9, 0.1, 0}, meta("r1", "go", "function")))

			hits, err := s.Search(ctx, []float32{1, 0, 0}, 2, nil)
			require.NoError(t, err)
			require.Len(t, hits, 2)
			assert.Equal(t, "a", hits[0].ID)
			assert.Equal(t, "c", hits[1].ID)
			assert.Greater(t, hits[0].Score, hits[1].Score)
		})
	}
}

func TestVectorStore_DimensionInvariant(t *testing.T) {
	for name, factory := range backendFactories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.Add(ctx, "a", []float32{1, 0, 0}, meta("r1", "python", "function")))

			err := s.Add(ctx, "bad", []float32{1, 0}, meta("r1", "python", "function"))
			require.Error(t, err)
			assert.True(t, semerr.IsDimensionMismatch(err))

			// The store must be unchanged after the rejection.
			assert.Equal(t, 1, s.Count(nil))
			assert.False(t, s.Contains("bad"))
			assert.Equal(t, 3, s.Dimensions())
		})
	}
}

func TestVectorStore_BatchDimensionRejectsWhole(t *testing.T) {
	for name, factory := range backendFactories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			err := s.AddMany(ctx,
				[]string{"x", "y"},
				[][]float32{{1, 0, 0}, {1, 0}},
				[]map[string]string{meta("r1", "go", "function"), meta("r1", "go", "function")})
			require.Error(t, err)
			assert.True(t, semerr.IsDimensionMismatch(err))
			assert.Equal(t, 0, s.Count(nil), "a mixed batch must not be partially applied")
		})
	}
}

func TestVectorStore_TieBreakAscendingID(t *testing.T) {
	for name, factory := range backendFactories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			// Identical vectors produce identical scores.
			vec := []float32{0.5, 0.5, 0}
			require.NoError(t, s.Add(ctx, "zz", vec, meta("r1", "go", "function")))
			require.NoError(t, s.Add(ctx, "aa", vec, meta("r1", "go", "function")))
			require.NoError(t, s.Add(ctx, "mm", vec, meta("r1", "go", "function")))

			hits, err := s.Search(ctx, vec, 3, nil)
			require.NoError(t, err)
			require.Len(t, hits, 3)
			assert.Equal(t, []string{"aa", "mm", "zz"},
				[]string{hits[0].ID, hits[1].ID, hits[2].ID})
		})
	}
}

func TestVectorStore_FilterByRepository(t *testing.T) {
	for name, factory := range backendFactories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.Add(ctx, "a", []float32{1, 0, 0}, meta("r1", "python", "function")))
			require.NoError(t, s.Add(ctx, "b", []float32{1, 0, 0}, meta("r2", "python", "function")))

			hits, err := s.Search(ctx, []float32{1, 0, 0}, 10, &VectorFilter{RepositoryID: "r2"})
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "b", hits[0].ID)
		})
	}
}

func TestVectorStore_DeleteByRepository(t *testing.T) {
	for name, factory := range backendFactories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.Add(ctx, "a", []float32{1, 0}, meta("r1", "go", "file")))
			require.NoError(t, s.Add(ctx, "b", []float32{0, 1}, meta("r1", "go", "file")))
			require.NoError(t, s.Add(ctx, "c", []float32{1, 1}, meta("r2", "go", "file")))

			removed, err := s.DeleteByRepository(ctx, "r1")
			require.NoError(t, err)
			assert.Equal(t, 2, removed)
			assert.Equal(t, 1, s.Count(nil))
			assert.True(t, s.Contains("c"))
		})
	}
}

func TestVectorStore_UpdateReplaces(t *testing.T) {
	for name, factory := range backendFactories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.Add(ctx, "a", []float32{1, 0, 0}, meta("r1", "go", "function")))
			require.NoError(t, s.Add(ctx, "a", []float32{0, 1, 0}, meta("r1", "go", "function")))
			assert.Equal(t, 1, s.Count(nil))

			hits, err := s.Search(ctx, []float32{0, 1, 0}, 1, nil)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "a", hits[0].ID)
			assert.InDelta(t, 1.0, float64(hits[0].Score), 1e-4)
		})
	}
}

func TestVectorStore_Update(t *testing.T) {
	for name, factory := range backendFactories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.Add(ctx, "a", []float32{1, 0, 0}, meta("r1", "go", "function")))
			require.NoError(t, s.Add(ctx, "b", []float32{0, 1, 0}, meta("r1", "go", "function")))

			// A vector-only update moves the entry in search space.
			require.NoError(t, s.Update(ctx, "a", []float32{0, 0, 1}, nil))
			hits, err := s.Search(ctx, []float32{0, 0, 1}, 1, nil)
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "a", hits[0].ID)

			// A metadata-only update keeps the vector and changes filtering.
			require.NoError(t, s.Update(ctx, "b", nil, meta("r2", "go", "function")))
			hits, err = s.Search(ctx, []float32{0, 1, 0}, 5, &VectorFilter{RepositoryID: "r2"})
			require.NoError(t, err)
			require.Len(t, hits, 1)
			assert.Equal(t, "b", hits[0].ID)

			// Unknown ids are a not-found error.
			err = s.Update(ctx, "ghost", []float32{1, 0, 0}, nil)
			require.Error(t, err)
			var storageErr *semerr.StorageError
			require.ErrorAs(t, err, &storageErr)
			assert.Equal(t, semerr.StorageNotFound, storageErr.Kind)

			// Updates obey the dimension invariant.
			err = s.Update(ctx, "a", []float32{1, 0}, nil)
			require.Error(t, err)
			assert.True(t, semerr.IsDimensionMismatch(err))
		})
	}
}

func TestVectorStore_CountFiltered(t *testing.T) {
	for name, factory := range backendFactories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.Add(ctx, "a", []float32{1, 0}, meta("r1", "python", "function")))
			require.NoError(t, s.Add(ctx, "b", []float32{0, 1}, meta("r1", "go", "function")))
			require.NoError(t, s.Add(ctx, "c", []float32{1, 1}, meta("r2", "go", "class")))

			assert.Equal(t, 3, s.Count(nil))
			assert.Equal(t, 2, s.Count(&VectorFilter{RepositoryID: "r1"}))
			assert.Equal(t, 2, s.Count(&VectorFilter{Language: "go"}))
			assert.Equal(t, 1, s.Count(&VectorFilter{RepositoryID: "r1", Language: "go"}))
			assert.Equal(t, 0, s.Count(&VectorFilter{RepositoryID: "r3"}))
		})
	}
}

func TestVectorStore_Get(t *testing.T) {
	for name, factory := range backendFactories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			ctx := context.Background()

			require.NoError(t, s.Add(ctx, "a", []float32{3, 4}, meta("r1", "go", "function")))

			vec, m, err := s.Get(ctx, "a")
			require.NoError(t, err)
			assert.Len(t, vec, 2)
			assert.Equal(t, "r1", m["repository_id"])

			_, _, err = s.Get(ctx, "missing")
			require.Error(t, err)
			var storageErr *semerr.StorageError
			require.ErrorAs(t, err, &storageErr)
			assert.Equal(t, semerr.StorageNotFound, storageErr.Kind)
		})
	}
}

func TestVectorStore_EmptySearch(t *testing.T) {
	for name, factory := range backendFactories {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()

			hits, err := s.Search(context.Background(), []float32{1, 0}, 5, nil)
			require.NoError(t, err)
			assert.Empty(t, hits)
		})
	}
}

func TestMemoryVectorStore_SnapshotRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewMemoryVectorStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Add(ctx, "a", []float32{1, 0}, meta("r1", "go", "function")))
	require.NoError(t, s1.Save())
	require.NoError(t, s1.Close())

	s2, err := NewMemoryVectorStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, 1, s2.Count(nil))
	assert.Equal(t, 2, s2.Dimensions())
	assert.True(t, s2.Contains("a"))
}

func TestHNSWVectorStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewHNSWVectorStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Add(ctx, "a", []float32{1, 0, 0}, meta("r1", "go", "function")))
	require.NoError(t, s1.Add(ctx, "b", []float32{0, 1, 0}, meta("r1", "go", "function")))
	require.NoError(t, s1.Save())
	require.NoError(t, s1.Close())

	s2, err := NewHNSWVectorStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, 2, s2.Count(nil))
	hits, err := s2.Search(ctx, []float32{1, 0, 0}, 1, nil)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
}

func TestHNSWVectorStore_LazyDeleteOrphans(t *testing.T) {
	s, err := NewHNSWVectorStore("")
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Add(ctx, "a", []float32{1, 0}, meta("r1", "go", "function")))
	require.NoError(t, s.Add(ctx, "b", []float32{0, 1}, meta("r1", "go", "function")))
	require.NoError(t, s.Delete(ctx, []string{"a"}))

	assert.Equal(t, 1, s.Count(nil))
	assert.Equal(t, 1, s.Orphans())

	// Deleted vectors never surface in results.
	hits, err := s.Search(ctx, []float32{1, 0}, 5, nil)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "a", h.ID)
	}
}

func TestSQLiteVectorStore_PersistsAcrossOpens(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s1, err := NewSQLiteVectorStore(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Add(ctx, "a", []float32{1, 0}, meta("r1", "go", "function")))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteVectorStore(dir)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, 1, s2.Count(nil))
	assert.Equal(t, 2, s2.Dimensions(), "dimension is restored from rows")
}

func TestManifestRoundTrip(t *testing.T) {
	dir := t.TempDir()

	m, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Zero(t, m, "missing manifest reads as zero value")

	want := Manifest{Provider: "openai", Model: "text-embedding-3-small", Dimension: 1536, Count: 42}
	require.NoError(t, SaveManifest(dir, want))

	got, err := LoadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, float64(cosineSimilarity([]float32{1, 0}, []float32{2, 0})), 1e-6)
	assert.InDelta(t, 0.0, float64(cosineSimilarity([]float32{1, 0}, []float32{0, 1})), 1e-6)
	assert.InDelta(t, -1.0, float64(cosineSimilarity([]float32{1, 0}, []float32{-1, 0})), 1e-6)
	assert.Zero(t, cosineSimilarity([]float32{0, 0}, []float32{1, 0}))
}
