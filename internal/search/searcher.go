// Package search answers similarity queries over the indexed blocks:
// free-text search, code search, similar-function lookup, and
// recommendations seeded by a file.
package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/semindex/semindex/internal/block"
	"github.com/semindex/semindex/internal/embed"
	semerr "github.com/semindex/semindex/internal/errors"
	"github.com/semindex/semindex/internal/store"
)

const (
	// DefaultTopK is the result count when the query does not set one.
	DefaultTopK = 10

	// recommendationThreshold filters weak matches out of
	// recommendations.
	recommendationThreshold = 0.3

	// recommendationSeeds is how many of the file's blocks seed a
	// recommendation run.
	recommendationSeeds = 3
)

// Searcher runs queries against the storage layer. Failures inside a
// search degrade to empty results with a logged warning; a search never
// takes the caller down.
type Searcher struct {
	storage  *store.Storage
	embedder embed.Embedder
	log      *slog.Logger
}

// New creates a Searcher. A nil logger means slog.Default.
func New(storage *store.Storage, embedder embed.Embedder, log *slog.Logger) *Searcher {
	if log == nil {
		log = slog.Default()
	}
	return &Searcher{storage: storage, embedder: embedder, log: log}
}

// Search embeds the query text and returns the closest blocks, filtered
// and ordered by descending score with ties broken by ascending block
// id.
func (s *Searcher) Search(ctx context.Context, q block.SearchQuery) ([]block.SearchResult, error) {
	q.Query = strings.TrimSpace(q.Query)
	if q.Query == "" {
		return nil, nil
	}
	if q.TopK <= 0 {
		q.TopK = DefaultTopK
	}
	if q.QueryType == "" {
		q.QueryType = block.QueryTypeText
	}
	// Cosine scores live in [-1, 1]; a threshold outside that range is
	// clamped rather than rejected.
	if q.SimilarityThreshold < -1 {
		q.SimilarityThreshold = -1
	} else if q.SimilarityThreshold > 1 {
		q.SimilarityThreshold = 1
	}
	q.IssuedAt = time.Now().UTC()

	// History is analytics, not correctness; it must never slow down or
	// fail a search.
	go func(record block.SearchQuery) {
		if err := s.storage.Metadata.RecordSearch(record); err != nil {
			s.log.Warn("failed to record search",
				slog.String("query", record.Query),
				slog.String("error", err.Error()))
		}
	}(q)

	vector, err := s.embedder.Embed(ctx, q.Query)
	if err != nil {
		if ctx.Err() != nil {
			return nil, semerr.ErrCancelled
		}
		s.log.Warn("query embedding failed",
			slog.String("query", q.Query),
			slog.String("error", err.Error()))
		return nil, nil
	}

	return s.searchVector(ctx, vector, q)
}

// SearchByCode treats a code snippet as the query text.
func (s *Searcher) SearchByCode(ctx context.Context, code string, q block.SearchQuery) ([]block.SearchResult, error) {
	q.Query = code
	q.QueryType = block.QueryTypeCode
	return s.Search(ctx, q)
}

// SearchSimilarFunctions finds function blocks similar to a named
// function.
func (s *Searcher) SearchSimilarFunctions(ctx context.Context, functionName string, q block.SearchQuery) ([]block.SearchResult, error) {
	q.Query = "function " + functionName
	q.QueryType = block.QueryTypeFunction
	q.BlockType = block.TypeFunction
	return s.Search(ctx, q)
}

// GetRecommendations suggests blocks similar to the contents of one
// file. The file's first blocks in source order each seed a search, any
// result from the file itself is excluded, and a block surfaced by
// several seeds keeps its best score. An empty repositoryID seeds from
// every repository that indexed the path.
func (s *Searcher) GetRecommendations(ctx context.Context, filePath string, topK int, repositoryID string) ([]block.SearchResult, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}

	seeds, err := s.seedBlocks(ctx, filePath, repositoryID)
	if err != nil {
		s.log.Warn("recommendation seed lookup failed",
			slog.String("file_path", filePath),
			slog.String("error", err.Error()))
		return nil, nil
	}
	if len(seeds) == 0 {
		return nil, nil
	}

	best := make(map[string]block.SearchResult)
	for _, seed := range seeds {
		results, err := s.Search(ctx, block.SearchQuery{
			Query:               seed.SearchText(),
			QueryType:           block.QueryTypeRecommendation,
			TopK:                topK,
			SimilarityThreshold: recommendationThreshold,
		})
		if err != nil {
			return nil, err
		}
		for _, r := range results {
			if r.Block.FilePath == filePath {
				continue
			}
			if prev, ok := best[r.Block.BlockID]; !ok || r.Score > prev.Score {
				r.MatchReason = "similar to " + filePath
				best[r.Block.BlockID] = r
			}
		}
	}

	results := make([]block.SearchResult, 0, len(best))
	for _, r := range best {
		results = append(results, r)
	}
	sortResults(results)
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

// seedBlocks returns up to recommendationSeeds blocks of filePath in
// source order. The store matches paths by substring, so the exact path
// is re-checked here.
func (s *Searcher) seedBlocks(ctx context.Context, filePath, repositoryID string) ([]*block.CodeBlock, error) {
	candidates, err := s.storage.Blocks.Query(ctx, store.BlockQuery{
		RepositoryID: repositoryID,
		FilePath:     filePath,
	})
	if err != nil {
		return nil, err
	}

	var seeds []*block.CodeBlock
	for _, b := range candidates {
		if b.FilePath == filePath {
			seeds = append(seeds, b)
		}
	}
	sort.Slice(seeds, func(i, j int) bool {
		if seeds[i].LineStart != seeds[j].LineStart {
			return seeds[i].LineStart < seeds[j].LineStart
		}
		return seeds[i].BlockID < seeds[j].BlockID
	})
	if len(seeds) > recommendationSeeds {
		seeds = seeds[:recommendationSeeds]
	}
	return seeds, nil
}

// History returns the most recent recorded queries, newest first.
func (s *Searcher) History(limit int) ([]block.SearchQuery, error) {
	return s.storage.Metadata.SearchHistory(limit)
}

// searchVector runs the candidate search, hydration, and residual
// filtering for an already-embedded query.
func (s *Searcher) searchVector(ctx context.Context, vector []float32, q block.SearchQuery) ([]block.SearchResult, error) {
	// Over-fetch so residual filters and missing blocks do not starve
	// the requested top-k.
	candidates := 2 * q.TopK
	if candidates < q.TopK+10 {
		candidates = q.TopK + 10
	}

	filter := &store.VectorFilter{
		RepositoryID: q.RepositoryID,
		Language:     q.Language,
		BlockType:    string(q.BlockType),
	}

	hits, err := s.storage.Vectors.Search(ctx, vector, candidates, filter)
	if err != nil {
		s.log.Warn("vector search failed",
			slog.String("query", q.Query),
			slog.String("error", err.Error()))
		return nil, nil
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	scores := make(map[string]float32, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
		scores[h.ID] = h.Score
	}

	blocks, err := s.storage.Blocks.GetMany(ctx, ids)
	if err != nil {
		s.log.Warn("block hydration failed",
			slog.String("query", q.Query),
			slog.String("error", err.Error()))
		return nil, nil
	}
	if len(blocks) < len(ids) {
		s.log.Warn("vectors without blocks detected",
			slog.Int("missing", len(ids)-len(blocks)))
	}

	var results []block.SearchResult
	for _, b := range blocks {
		if !matchesResidual(b, q) {
			continue
		}
		score := scores[b.BlockID]
		if score < q.SimilarityThreshold {
			continue
		}
		results = append(results, block.SearchResult{Block: b, Score: score})
	}

	sortResults(results)
	if len(results) > q.TopK {
		results = results[:q.TopK]
	}
	return results, nil
}

// matchesResidual applies the filters the vector store cannot: path
// substring, metadata equality, and the creation time window.
func matchesResidual(b *block.CodeBlock, q block.SearchQuery) bool {
	if q.FilePath != "" && !strings.Contains(b.FilePath, q.FilePath) {
		return false
	}
	for key, want := range q.MetadataFilters {
		if b.Metadata[key] != want {
			return false
		}
	}
	if !q.CreatedAfter.IsZero() && b.CreatedAt.Before(q.CreatedAfter) {
		return false
	}
	if !q.CreatedBefore.IsZero() && b.CreatedAt.After(q.CreatedBefore) {
		return false
	}
	return true
}

// sortResults orders by descending score, ties by ascending block id so
// identical inputs always produce identical output.
func sortResults(results []block.SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Block.BlockID < results[j].Block.BlockID
	})
}
