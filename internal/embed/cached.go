package embed

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"math"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is the default number of vectors kept in memory.
const DefaultCacheSize = 1000

// CachedEmbedder wraps an Embedder with an in-memory LRU and an optional
// on-disk spill directory. The disk layer survives restarts, so
// re-indexing an unchanged repository never re-embeds.
type CachedEmbedder struct {
	inner   Embedder
	cache   *lru.Cache[string, []float32]
	diskDir string
}

// NewCachedEmbedder wraps inner with an LRU of cacheSize entries. A
// non-empty diskDir enables the persistent layer; the directory is
// created on first write.
func NewCachedEmbedder(inner Embedder, cacheSize int, diskDir string) *CachedEmbedder {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[string, []float32](cacheSize)
	return &CachedEmbedder{
		inner:   inner,
		cache:   cache,
		diskDir: diskDir,
	}
}

// cacheKey ties a cached vector to both the text and the model, so a
// model switch never serves stale vectors.
func (c *CachedEmbedder) cacheKey(text string) string {
	combined := text + "\x00" + c.inner.ModelName()
	hash := sha256.Sum256([]byte(combined))
	return hex.EncodeToString(hash[:])
}

// Embed returns the cached embedding or computes and caches it.
func (c *CachedEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch checks each text against the memory and disk layers and
// embeds only the misses.
func (c *CachedEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var missIndices []int
	var missTexts []string

	for i, text := range texts {
		key := c.cacheKey(text)
		if vec, ok := c.lookup(key); ok {
			results[i] = vec
			continue
		}
		missIndices = append(missIndices, i)
		missTexts = append(missTexts, text)
	}

	if len(missTexts) == 0 {
		return results, nil
	}

	fresh, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}

	for j, idx := range missIndices {
		results[idx] = fresh[j]
		c.store(c.cacheKey(texts[idx]), fresh[j])
	}
	return results, nil
}

func (c *CachedEmbedder) lookup(key string) ([]float32, bool) {
	if vec, ok := c.cache.Get(key); ok {
		return vec, true
	}
	if c.diskDir == "" {
		return nil, false
	}

	vec, err := readVectorFile(filepath.Join(c.diskDir, key+".vec"))
	if err != nil {
		return nil, false
	}
	c.cache.Add(key, vec)
	return vec, true
}

func (c *CachedEmbedder) store(key string, vec []float32) {
	c.cache.Add(key, vec)
	if c.diskDir == "" {
		return
	}
	if err := os.MkdirAll(c.diskDir, 0o755); err != nil {
		return // disk layer is best effort
	}
	_ = writeVectorFile(filepath.Join(c.diskDir, key+".vec"), vec)
}

// writeVectorFile persists one vector as little-endian float32 words,
// written to a temp file and renamed into place.
func writeVectorFile(path string, vec []float32) error {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func readVectorFile(path string) ([]float32, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

// Dimensions passes through to the inner embedder.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// ModelName passes through to the inner embedder.
func (c *CachedEmbedder) ModelName() string { return c.inner.ModelName() }

// ProviderName passes through to the inner embedder.
func (c *CachedEmbedder) ProviderName() string { return c.inner.ProviderName() }

// Available passes through to the inner embedder.
func (c *CachedEmbedder) Available(ctx context.Context) bool { return c.inner.Available(ctx) }

// Close closes the inner embedder.
func (c *CachedEmbedder) Close() error { return c.inner.Close() }

var _ Embedder = (*CachedEmbedder)(nil)
