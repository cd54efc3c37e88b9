package store

import (
	"context"
	"encoding/gob"
	"errors"
	"os"
	"path/filepath"
	"sync"

	semerr "github.com/semindex/semindex/internal/errors"
)

// MemoryVectorStore keeps vectors in process memory and scans them
// exactly. Search cost is linear, which is fine up to a few hundred
// thousand vectors; beyond that use the hnsw backend. An optional
// directory gives it a gob snapshot across restarts.
type MemoryVectorStore struct {
	mu      sync.RWMutex
	vectors map[string][]float32
	metas   map[string]map[string]string
	dim     int
	dir     string
	closed  bool
}

// memorySnapshot is the gob payload written by Save.
type memorySnapshot struct {
	Vectors map[string][]float32
	Metas   map[string]map[string]string
	Dim     int
}

// NewMemoryVectorStore creates the store. A non-empty dir enables
// snapshot persistence; Load restores the previous snapshot if present.
func NewMemoryVectorStore(dir string) (*MemoryVectorStore, error) {
	s := &MemoryVectorStore{
		vectors: make(map[string][]float32),
		metas:   make(map[string]map[string]string),
		dir:     dir,
	}
	if dir != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add inserts or replaces one vector.
func (s *MemoryVectorStore) Add(ctx context.Context, id string, vector []float32, meta map[string]string) error {
	return s.AddMany(ctx, []string{id}, [][]float32{vector}, []map[string]string{meta})
}

// AddMany inserts or replaces a batch. Dimension validation covers the
// whole batch before the first write, so a mismatch leaves the store
// untouched.
func (s *MemoryVectorStore) AddMany(_ context.Context, ids []string, vectors [][]float32, metas []map[string]string) error {
	if len(ids) != len(vectors) || len(ids) != len(metas) {
		return semerr.NewStorageError(semerr.StorageIntegrity, "add vectors",
			errors.New("ids, vectors, and metas must be the same length"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return semerr.NewStorageError(semerr.StorageConnection, "add vectors",
			errors.New("store is closed"))
	}

	dim := s.dim
	for _, v := range vectors {
		if dim == 0 {
			dim = len(v)
			continue
		}
		if len(v) != dim {
			return semerr.NewDimensionMismatch(dim, len(v))
		}
	}
	s.dim = dim

	for i, id := range ids {
		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		s.vectors[id] = vec
		s.metas[id] = cloneMeta(metas[i])
	}
	return nil
}

// Search scans every stored vector, applying the filter before scoring
// so filtered collections never starve the result set.
func (s *MemoryVectorStore) Search(_ context.Context, query []float32, topK int, filter *VectorFilter) ([]VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "search vectors",
			errors.New("store is closed"))
	}
	if s.dim != 0 && len(query) != s.dim {
		return nil, semerr.NewDimensionMismatch(s.dim, len(query))
	}

	hits := make([]VectorHit, 0, topK)
	for id, vec := range s.vectors {
		if !filter.Matches(s.metas[id]) {
			continue
		}
		hits = append(hits, VectorHit{ID: id, Score: cosineSimilarity(query, vec)})
	}
	return truncateHits(hits, topK), nil
}

// Get returns one stored vector and its metadata.
func (s *MemoryVectorStore) Get(_ context.Context, id string) ([]float32, map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	vec, ok := s.vectors[id]
	if !ok {
		return nil, nil, semerr.NewStorageError(semerr.StorageNotFound, "get vector",
			errors.New("vector "+id))
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, cloneMeta(s.metas[id]), nil
}

// Update replaces the vector, the metadata, or both for one id.
func (s *MemoryVectorStore) Update(_ context.Context, id string, vector []float32, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return semerr.NewStorageError(semerr.StorageConnection, "update vector",
			errors.New("store is closed"))
	}
	if _, ok := s.vectors[id]; !ok {
		return semerr.NewStorageError(semerr.StorageNotFound, "update vector",
			errors.New("vector "+id))
	}

	if vector != nil {
		if s.dim != 0 && len(vector) != s.dim {
			return semerr.NewDimensionMismatch(s.dim, len(vector))
		}
		vec := make([]float32, len(vector))
		copy(vec, vector)
		s.vectors[id] = vec
	}
	if meta != nil {
		s.metas[id] = cloneMeta(meta)
	}
	return nil
}

// Delete removes vectors by id.
func (s *MemoryVectorStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return semerr.NewStorageError(semerr.StorageConnection, "delete vectors",
			errors.New("store is closed"))
	}

	for _, id := range ids {
		delete(s.vectors, id)
		delete(s.metas, id)
	}
	return nil
}

// DeleteByRepository removes every vector belonging to repositoryID.
func (s *MemoryVectorStore) DeleteByRepository(_ context.Context, repositoryID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, semerr.NewStorageError(semerr.StorageConnection, "delete repository vectors",
			errors.New("store is closed"))
	}

	removed := 0
	for id, meta := range s.metas {
		if meta["repository_id"] == repositoryID {
			delete(s.vectors, id)
			delete(s.metas, id)
			removed++
		}
	}
	return removed, nil
}

// Contains reports whether id has a vector.
func (s *MemoryVectorStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.vectors[id]
	return ok
}

// Count returns how many stored vectors match the filter.
func (s *MemoryVectorStore) Count(filter *VectorFilter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter == nil {
		return len(s.vectors)
	}
	n := 0
	for id := range s.vectors {
		if filter.Matches(s.metas[id]) {
			n++
		}
	}
	return n
}

// Dimensions returns the pinned width, zero before the first insert.
func (s *MemoryVectorStore) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Save writes the gob snapshot when a directory is configured.
func (s *MemoryVectorStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dir == "" {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save vectors", err)
	}

	path := filepath.Join(s.dir, "memory.gob")
	tmp := path + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save vectors", err)
	}

	snapshot := memorySnapshot{Vectors: s.vectors, Metas: s.metas, Dim: s.dim}
	if err := gob.NewEncoder(file).Encode(snapshot); err != nil {
		file.Close()
		os.Remove(tmp)
		return semerr.NewStorageError(semerr.StorageConnection, "save vectors", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return semerr.NewStorageError(semerr.StorageConnection, "save vectors", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save vectors", err)
	}
	return nil
}

func (s *MemoryVectorStore) load() error {
	file, err := os.Open(filepath.Join(s.dir, "memory.gob"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "load vectors", err)
	}
	defer file.Close()

	var snapshot memorySnapshot
	if err := gob.NewDecoder(file).Decode(&snapshot); err != nil {
		return semerr.NewStorageError(semerr.StorageIntegrity, "load vectors", err)
	}

	s.vectors = snapshot.Vectors
	s.metas = snapshot.Metas
	s.dim = snapshot.Dim
	if s.vectors == nil {
		s.vectors = make(map[string][]float32)
	}
	if s.metas == nil {
		s.metas = make(map[string]map[string]string)
	}
	return nil
}

// Close marks the store closed.
func (s *MemoryVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func cloneMeta(meta map[string]string) map[string]string {
	cloned := make(map[string]string, len(meta))
	for k, v := range meta {
		cloned[k] = v
	}
	return cloned
}

var _ VectorStore = (*MemoryVectorStore)(nil)
