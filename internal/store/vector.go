// Package store holds the persistence layers: the relational block
// store, the pluggable vector stores, the JSON metadata store, and the
// composite façade that coordinates them.
package store

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"sort"

	semerr "github.com/semindex/semindex/internal/errors"
)

// VectorFilter narrows a similarity search to vectors whose metadata
// matches every set field.
type VectorFilter struct {
	RepositoryID string
	Language     string
	BlockType    string
	// Metadata is matched by equality against the per-vector metadata.
	Metadata map[string]string
}

// Matches reports whether a vector's metadata satisfies the filter.
func (f *VectorFilter) Matches(meta map[string]string) bool {
	if f == nil {
		return true
	}
	if f.RepositoryID != "" && meta["repository_id"] != f.RepositoryID {
		return false
	}
	if f.Language != "" && meta["language"] != f.Language {
		return false
	}
	if f.BlockType != "" && meta["block_type"] != f.BlockType {
		return false
	}
	for k, v := range f.Metadata {
		if meta[k] != v {
			return false
		}
	}
	return true
}

// VectorHit is one similarity result. Score is cosine similarity in
// [-1, 1], higher is closer.
type VectorHit struct {
	ID    string
	Score float32
}

// VectorStore indexes embeddings for similarity search. Implementations
// pin their dimension on the first insert and reject every later vector
// of a different width without mutating the store.
type VectorStore interface {
	// Add inserts or replaces one vector with its metadata.
	Add(ctx context.Context, id string, vector []float32, meta map[string]string) error

	// AddMany inserts or replaces a batch. The whole batch is validated
	// before anything is written.
	AddMany(ctx context.Context, ids []string, vectors [][]float32, metas []map[string]string) error

	// Search returns up to topK hits ordered by descending score, ties
	// broken by ascending id.
	Search(ctx context.Context, query []float32, topK int, filter *VectorFilter) ([]VectorHit, error)

	// Get returns the stored vector and metadata for id. Unknown ids
	// return a not-found storage error.
	Get(ctx context.Context, id string) ([]float32, map[string]string, error)

	// Update replaces parts of a stored entry. A nil vector keeps the
	// stored vector and a nil meta keeps the stored metadata; unknown
	// ids return a not-found storage error.
	Update(ctx context.Context, id string, vector []float32, meta map[string]string) error

	// Delete removes vectors by id. Unknown ids are ignored.
	Delete(ctx context.Context, ids []string) error

	// DeleteByRepository removes every vector belonging to a repository
	// and returns how many were removed.
	DeleteByRepository(ctx context.Context, repositoryID string) (int, error)

	// Contains reports whether id has a vector.
	Contains(id string) bool

	// Count returns how many stored vectors match the filter. A nil
	// filter counts everything.
	Count(filter *VectorFilter) int

	// Dimensions returns the pinned vector width, zero before the first
	// insert.
	Dimensions() int

	// Save persists the store. In-memory backends write their snapshot.
	Save() error

	// Close releases resources. Save is not implied.
	Close() error
}

// Manifest records which model produced a vector collection. A mismatch
// on open means the collection must be re-indexed, not silently mixed.
type Manifest struct {
	Provider  string `json:"provider"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
	Count     int    `json:"count"`
}

// manifestPath is the manifest sidecar next to a vector collection.
func manifestPath(dir string) string {
	return filepath.Join(dir, "manifest.json")
}

// SaveManifest writes the manifest atomically next to the collection.
func SaveManifest(dir string, m Manifest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save manifest", err)
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return semerr.NewStorageError(semerr.StorageIntegrity, "save manifest", err)
	}

	path := manifestPath(dir)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save manifest", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save manifest", err)
	}
	return nil
}

// LoadManifest reads the manifest sidecar. A missing file returns a
// zero manifest and no error.
func LoadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(manifestPath(dir))
	if os.IsNotExist(err) {
		return Manifest{}, nil
	}
	if err != nil {
		return Manifest{}, semerr.NewStorageError(semerr.StorageConnection, "load manifest", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return Manifest{}, semerr.NewStorageError(semerr.StorageIntegrity, "load manifest", err)
	}
	return m, nil
}

// cosineSimilarity computes the cosine of the angle between a and b.
// Zero vectors score zero.
func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}

// sortHits orders hits by descending score, ties broken by ascending id
// so equal-score results are deterministic.
func sortHits(hits []VectorHit) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

// truncateHits caps hits at topK after sorting.
func truncateHits(hits []VectorHit, topK int) []VectorHit {
	sortHits(hits)
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits
}
