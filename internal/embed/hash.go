package embed

import (
	"context"
	"errors"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"

	semerr "github.com/semindex/semindex/internal/errors"
)

// HashDimensions is the vector width of the hash embedder.
const HashDimensions = 256

const (
	tokenWeight = 0.7
	ngramWeight = 0.3
	ngramSize   = 3
)

var tokenPattern = regexp.MustCompile(`[a-zA-Z0-9_]+`)

// HashEmbedder produces deterministic embeddings from token and n-gram
// hashing. No network, no model download; used for tests and offline
// smoke runs. Semantic quality is what you'd expect from hashing.
type HashEmbedder struct {
	mu     sync.RWMutex
	closed bool
}

// NewHashEmbedder creates the deterministic embedder.
func NewHashEmbedder() *HashEmbedder {
	return &HashEmbedder{}
}

// Embed generates the embedding for one text.
func (e *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, semerr.NewEmbeddingError(semerr.EmbeddingTransient,
			errors.New("embedder is closed"))
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return make([]float32, HashDimensions), nil
	}

	vector := make([]float32, HashDimensions)
	for _, token := range tokenize(trimmed) {
		vector[hashToIndex(token)] += tokenWeight
	}
	for _, ngram := range ngrams(trimmed) {
		vector[hashToIndex(ngram)] += ngramWeight
	}
	return normalizeVector(vector), nil
}

// EmbedBatch generates embeddings for multiple texts.
func (e *HashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	for i, text := range texts {
		vec, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		results[i] = vec
	}
	return results, nil
}

func tokenize(text string) []string {
	words := tokenPattern.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, w := range words {
		tokens = append(tokens, strings.ToLower(w))
	}
	return tokens
}

func ngrams(text string) []string {
	var compact strings.Builder
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' || r >= '0' && r <= '9' {
			compact.WriteRune(r)
		}
	}
	s := compact.String()
	if len(s) < ngramSize {
		return nil
	}
	grams := make([]string, 0, len(s)-ngramSize+1)
	for i := 0; i <= len(s)-ngramSize; i++ {
		grams = append(grams, s[i:i+ngramSize])
	}
	return grams
}

func hashToIndex(s string) int {
	h := fnv.New64()
	_, _ = h.Write([]byte(s))
	return int(h.Sum64() % uint64(HashDimensions))
}

// Dimensions returns the embedding dimension.
func (e *HashEmbedder) Dimensions() int { return HashDimensions }

// ModelName returns the model identifier.
func (e *HashEmbedder) ModelName() string { return "hash-v1" }

// ProviderName returns "hash".
func (e *HashEmbedder) ProviderName() string { return "hash" }

// Available reports whether the embedder is open.
func (e *HashEmbedder) Available(_ context.Context) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return !e.closed
}

// Close marks the embedder closed.
func (e *HashEmbedder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

var _ Embedder = (*HashEmbedder)(nil)
