package store

import (
	"bufio"
	"context"
	"encoding/gob"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/coder/hnsw"

	semerr "github.com/semindex/semindex/internal/errors"
)

// HNSW tuning defaults, reasonable for code-block collections.
const (
	defaultHNSWM        = 16
	defaultHNSWEfSearch = 20
)

// HNSWVectorStore indexes vectors in an HNSW graph for sublinear
// approximate search. Filters are applied after the graph search; the
// candidate set grows geometrically until topK filtered hits are found
// or the graph is exhausted.
type HNSWVectorStore struct {
	mu    sync.RWMutex
	graph *hnsw.Graph[uint64]

	// The graph keys are internal uint64s; these maps carry the block id
	// association. Deletion is lazy: a removed id is dropped from the
	// maps while its node stays in the graph as an orphan.
	idMap   map[string]uint64
	keyMap  map[uint64]string
	metas   map[string]map[string]string
	nextKey uint64

	dim    int
	dir    string
	closed bool
}

// hnswSidecar is the gob payload persisted next to the graph export.
type hnswSidecar struct {
	IDMap   map[string]uint64
	Metas   map[string]map[string]string
	NextKey uint64
	Dim     int
}

// NewHNSWVectorStore creates the store. A non-empty dir enables
// persistence; a previous export is restored on construction.
func NewHNSWVectorStore(dir string) (*HNSWVectorStore, error) {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = defaultHNSWM
	graph.EfSearch = defaultHNSWEfSearch
	graph.Ml = 0.25

	s := &HNSWVectorStore{
		graph:  graph,
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		metas:  make(map[string]map[string]string),
		dir:    dir,
	}
	if dir != "" {
		if err := s.load(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Add inserts or replaces one vector.
func (s *HNSWVectorStore) Add(ctx context.Context, id string, vector []float32, meta map[string]string) error {
	return s.AddMany(ctx, []string{id}, [][]float32{vector}, []map[string]string{meta})
}

// AddMany inserts or replaces a batch after validating every dimension.
func (s *HNSWVectorStore) AddMany(_ context.Context, ids []string, vectors [][]float32, metas []map[string]string) error {
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
		// Replacing an id orphans its old graph node rather than
		// deleting it; coder/hnsw misbehaves when the last node is
		// removed.
		if oldKey, exists := s.idMap[id]; exists {
			delete(s.keyMap, oldKey)
		}

		key := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vectors[i]))
		copy(vec, vectors[i])
		normalizeInPlace(vec)

		s.graph.Add(hnsw.MakeNode(key, vec))
		s.idMap[id] = key
		s.keyMap[key] = id
		s.metas[id] = cloneMeta(metas[i])
	}
	return nil
}

// Search runs the graph search and filters afterward, doubling the
// candidate count until enough filtered hits accumulate.
func (s *HNSWVectorStore) Search(_ context.Context, query []float32, topK int, filter *VectorFilter) ([]VectorHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "search vectors",
			errors.New("store is closed"))
	}
	if s.dim != 0 && len(query) != s.dim {
		return nil, semerr.NewDimensionMismatch(s.dim, len(query))
	}
	if len(s.idMap) == 0 || topK <= 0 {
		return []VectorHit{}, nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeInPlace(normalized)

	total := s.graph.Len()
	candidates := 2 * topK
	if candidates < topK+10 {
		candidates = topK + 10
	}

	for {
		if candidates > total {
			candidates = total
		}

		nodes := s.graph.Search(normalized, candidates)

		hits := make([]VectorHit, 0, topK)
		for _, node := range nodes {
			id, live := s.keyMap[node.Key]
			if !live {
				continue // orphaned by lazy deletion
			}
			if !filter.Matches(s.metas[id]) {
				continue
			}
			// Cosine distance is in [0, 2]; 1-d restores similarity.
			score := 1 - s.graph.Distance(normalized, node.Value)
			hits = append(hits, VectorHit{ID: id, Score: score})
		}

		if len(hits) >= topK || candidates >= total {
			return truncateHits(hits, topK), nil
		}
		candidates *= 2
	}
}

// Get returns one stored vector and its metadata. Vectors come back
// unit-normalized, the form the graph stores them in.
func (s *HNSWVectorStore) Get(_ context.Context, id string) ([]float32, map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key, ok := s.idMap[id]
	if !ok {
		return nil, nil, semerr.NewStorageError(semerr.StorageNotFound, "get vector",
			errors.New("vector "+id))
	}
	vec, ok := s.graph.Lookup(key)
	if !ok {
		return nil, nil, semerr.NewStorageError(semerr.StorageIntegrity, "get vector",
			errors.New("graph node missing for "+id))
	}
	out := make([]float32, len(vec))
	copy(out, vec)
	return out, cloneMeta(s.metas[id]), nil
}

// Update replaces the vector, the metadata, or both for one id. A new
// vector re-keys the graph node and orphans the old one, same as a
// replace through Add.
func (s *HNSWVectorStore) Update(_ context.Context, id string, vector []float32, meta map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return semerr.NewStorageError(semerr.StorageConnection, "update vector",
			errors.New("store is closed"))
	}
	key, ok := s.idMap[id]
	if !ok {
		return semerr.NewStorageError(semerr.StorageNotFound, "update vector",
			errors.New("vector "+id))
	}

	if vector != nil {
		if s.dim != 0 && len(vector) != s.dim {
			return semerr.NewDimensionMismatch(s.dim, len(vector))
		}
		delete(s.keyMap, key)

		newKey := s.nextKey
		s.nextKey++

		vec := make([]float32, len(vector))
		copy(vec, vector)
		normalizeInPlace(vec)

		s.graph.Add(hnsw.MakeNode(newKey, vec))
		s.idMap[id] = newKey
		s.keyMap[newKey] = id
	}
	if meta != nil {
		s.metas[id] = cloneMeta(meta)
	}
	return nil
}

// Delete lazily removes vectors by id.
func (s *HNSWVectorStore) Delete(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return semerr.NewStorageError(semerr.StorageConnection, "delete vectors",
			errors.New("store is closed"))
	}

	for _, id := range ids {
		if key, exists := s.idMap[id]; exists {
			delete(s.keyMap, key)
			delete(s.idMap, id)
			delete(s.metas, id)
		}
	}
	return nil
}

// DeleteByRepository lazily removes every vector of a repository.
func (s *HNSWVectorStore) DeleteByRepository(ctx context.Context, repositoryID string) (int, error) {
	s.mu.RLock()
	var ids []string
	for id, meta := range s.metas {
		if meta["repository_id"] == repositoryID {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	if err := s.Delete(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// Contains reports whether id has a live vector.
func (s *HNSWVectorStore) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.idMap[id]
	return ok
}

// Count returns how many live vectors match the filter, excluding
// orphans.
func (s *HNSWVectorStore) Count(filter *VectorFilter) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if filter == nil {
		return len(s.idMap)
	}
	n := 0
	for id := range s.idMap {
		if filter.Matches(s.metas[id]) {
			n++
		}
	}
	return n
}

// Orphans returns how many lazily deleted nodes remain in the graph.
// Rebuilding is worthwhile once this dominates Count.
func (s *HNSWVectorStore) Orphans() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.graph.Len() - len(s.idMap)
}

// Dimensions returns the pinned width, zero before the first insert.
func (s *HNSWVectorStore) Dimensions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dim
}

// Save exports the graph and its sidecar atomically.
func (s *HNSWVectorStore) Save() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.dir == "" {
		return nil
	}
	if s.closed {
		return semerr.NewStorageError(semerr.StorageConnection, "save vectors",
			errors.New("store is closed"))
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save vectors", err)
	}

	graphPath := filepath.Join(s.dir, "hnsw.graph")
	tmp := graphPath + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save vectors", err)
	}
	if err := s.graph.Export(file); err != nil {
		file.Close()
		os.Remove(tmp)
		return semerr.NewStorageError(semerr.StorageConnection, "save vectors", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return semerr.NewStorageError(semerr.StorageConnection, "save vectors", err)
	}
	if err := os.Rename(tmp, graphPath); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save vectors", err)
	}

	return s.saveSidecar()
}

func (s *HNSWVectorStore) saveSidecar() error {
	path := filepath.Join(s.dir, "hnsw.meta")
	tmp := path + ".tmp"

	file, err := os.Create(tmp)
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save vector sidecar", err)
	}

	sidecar := hnswSidecar{
		IDMap:   s.idMap,
		Metas:   s.metas,
		NextKey: s.nextKey,
		Dim:     s.dim,
	}
	if err := gob.NewEncoder(file).Encode(sidecar); err != nil {
		file.Close()
		os.Remove(tmp)
		return semerr.NewStorageError(semerr.StorageConnection, "save vector sidecar", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return semerr.NewStorageError(semerr.StorageConnection, "save vector sidecar", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "save vector sidecar", err)
	}
	return nil
}

func (s *HNSWVectorStore) load() error {
	sidecarPath := filepath.Join(s.dir, "hnsw.meta")
	file, err := os.Open(sidecarPath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return semerr.NewStorageError(semerr.StorageConnection, "load vectors", err)
	}

	var sidecar hnswSidecar
	decodeErr := gob.NewDecoder(file).Decode(&sidecar)
	file.Close()
	if decodeErr != nil {
		return semerr.NewStorageError(semerr.StorageIntegrity, "load vectors", decodeErr)
	}

	graphFile, err := os.Open(filepath.Join(s.dir, "hnsw.graph"))
	if err != nil {
		return semerr.NewStorageError(semerr.StorageIntegrity, "load vectors", err)
	}
	defer graphFile.Close()

	// Import needs an io.ByteReader.
	if err := s.graph.Import(bufio.NewReader(graphFile)); err != nil {
		return semerr.NewStorageError(semerr.StorageIntegrity, "load vectors", err)
	}

	s.idMap = sidecar.IDMap
	s.metas = sidecar.Metas
	s.nextKey = sidecar.NextKey
	s.dim = sidecar.Dim

	s.keyMap = make(map[uint64]string, len(s.idMap))
	for id, key := range s.idMap {
		s.keyMap[key] = id
	}
	return nil
}

// Close marks the store closed.
func (s *HNSWVectorStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// normalizeInPlace scales v to unit length for cosine distance.
func normalizeInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := 1 / math.Sqrt(sumSquares)
	for i := range v {
		v[i] = float32(float64(v[i]) * inv)
	}
}

var _ VectorStore = (*HNSWVectorStore)(nil)
