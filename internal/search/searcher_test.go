package search

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semindex/semindex/internal/block"
	"github.com/semindex/semindex/internal/config"
	"github.com/semindex/semindex/internal/embed"
	"github.com/semindex/semindex/internal/store"
)

func openSearchStorage(t *testing.T) *store.Storage {
	t.Helper()
	cfg := config.New()
	cfg.Storage.BasePath = t.TempDir()
	cfg.Storage.VectorBackend = config.VectorBackendMemory

	s, err := store.Open(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

type fixtureBlock struct {
	repo     string
	file     string
	name     string
	content  string
	btype    block.Type
	language string
}

// seedBlocks embeds and persists fixture blocks with the deterministic
// hash embedder so scores are stable across runs.
func seedBlocks(t *testing.T, s *store.Storage, e embed.Embedder, fixtures []fixtureBlock) map[string]*block.CodeBlock {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC()

	byName := make(map[string]*block.CodeBlock)
	var blocks []*block.CodeBlock
	for _, f := range fixtures {
		btype := f.btype
		if btype == "" {
			btype = block.TypeFunction
		}
		lang := f.language
		if lang == "" {
			lang = "python"
		}
		b := &block.CodeBlock{
			RepositoryID: f.repo,
			FilePath:     f.file,
			LineStart:    1,
			LineEnd:      5,
			BlockType:    btype,
			Language:     lang,
			Name:         f.name,
			Content:      f.content,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		b.Seal()

		vec, err := e.Embed(ctx, b.SearchText())
		require.NoError(t, err)
		b.Embedding = vec

		blocks = append(blocks, b)
		byName[f.name] = b
	}
	require.NoError(t, s.SaveBlocksWithVectors(ctx, blocks))
	return byName
}

func newTestSearcher(t *testing.T) (*Searcher, *store.Storage, embed.Embedder) {
	t.Helper()
	s := openSearchStorage(t)
	e := embed.NewHashEmbedder()
	return New(s, e, nil), s, e
}

func TestSearcher_EmptyQuery(t *testing.T) {
	searcher, _, _ := newTestSearcher(t)

	results, err := searcher.Search(context.Background(), block.SearchQuery{Query: "   "})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearcher_FindsClosestBlock(t *testing.T) {
	searcher, s, e := newTestSearcher(t)
	seedBlocks(t, s, e, []fixtureBlock{
		{repo: "r1", file: "math.py", name: "add", content: "def add(a, b):\n    return a + b"},
		{repo: "r1", file: "io.py", name: "read_config", content: "def read_config(path):\n    return open(path).read()"},
	})

	results, err := searcher.Search(context.Background(), block.SearchQuery{
		Query: "def add(a, b): return a + b",
		TopK:  1,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "add", results[0].Block.Name)
	assert.Positive(t, results[0].Score)
}

func TestSearcher_OrderedAndDeterministic(t *testing.T) {
	searcher, s, e := newTestSearcher(t)
	seedBlocks(t, s, e, []fixtureBlock{
		{repo: "r1", file: "a.py", name: "parse_json", content: "def parse_json(data):\n    return json.loads(data)"},
		{repo: "r1", file: "b.py", name: "parse_yaml", content: "def parse_yaml(data):\n    return yaml.load(data)"},
		{repo: "r1", file: "c.py", name: "send_mail", content: "def send_mail(to, body):\n    smtp.send(to, body)"},
	})
	q := block.SearchQuery{Query: "parse structured data", TopK: 3}

	first, err := searcher.Search(context.Background(), q)
	require.NoError(t, err)
	second, err := searcher.Search(context.Background(), q)
	require.NoError(t, err)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Block.BlockID, second[i].Block.BlockID)
		if i > 0 {
			assert.GreaterOrEqual(t, first[i-1].Score, first[i].Score)
		}
	}
}

func TestSearcher_TopKTruncates(t *testing.T) {
	searcher, s, e := newTestSearcher(t)

	var fixtures []fixtureBlock
	for i := 0; i < 8; i++ {
		fixtures = append(fixtures, fixtureBlock{
			repo:    "r1",
			file:    fmt.Sprintf("f%d.py", i),
			name:    fmt.Sprintf("handler_%d", i),
			content: fmt.Sprintf("def handler_%d(req):\n    return respond(req)", i),
		})
	}
	seedBlocks(t, s, e, fixtures)

	results, err := searcher.Search(context.Background(), block.SearchQuery{
		Query: "request handler",
		TopK:  3,
	})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestSearcher_RepositoryFilter(t *testing.T) {
	searcher, s, e := newTestSearcher(t)
	seedBlocks(t, s, e, []fixtureBlock{
		{repo: "r1", file: "a.py", name: "add_one", content: "def add_one(a, b):\n    return a + b"},
		{repo: "r2", file: "b.py", name: "add_two", content: "def add_two(a, b):\n    return a + b"},
	})

	results, err := searcher.Search(context.Background(), block.SearchQuery{
		Query:        "add numbers",
		RepositoryID: "r2",
		TopK:         10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, "r2", r.Block.RepositoryID)
	}
}

func TestSearcher_FilePathSubstringFilter(t *testing.T) {
	searcher, s, e := newTestSearcher(t)
	seedBlocks(t, s, e, []fixtureBlock{
		{repo: "r1", file: "pkg/auth/login.py", name: "login", content: "def login(user):\n    return auth(user)"},
		{repo: "r1", file: "pkg/billing/invoice.py", name: "invoice", content: "def invoice(user):\n    return bill(user)"},
	})

	results, err := searcher.Search(context.Background(), block.SearchQuery{
		Query:    "user operations",
		FilePath: "auth",
		TopK:     10,
	})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Contains(t, r.Block.FilePath, "auth")
	}
}

func TestSearcher_ThresholdDropsWeakMatches(t *testing.T) {
	searcher, s, e := newTestSearcher(t)
	byName := seedBlocks(t, s, e, []fixtureBlock{
		{repo: "r1", file: "a.py", name: "exact", content: "completely unique sentinel content"},
	})

	results, err := searcher.Search(context.Background(), block.SearchQuery{
		Query:               byName["exact"].SearchText(),
		TopK:                10,
		SimilarityThreshold: 0.99,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, results, "a near-identical match survives a high threshold")

	results, err = searcher.Search(context.Background(), block.SearchQuery{
		Query:               "unrelated query about databases",
		TopK:                10,
		SimilarityThreshold: 0.99,
	})
	require.NoError(t, err)
	assert.Empty(t, results, "weak matches fall below the threshold")
}

func TestSearcher_ThresholdClampedToCosineRange(t *testing.T) {
	searcher, s, e := newTestSearcher(t)
	seedBlocks(t, s, e, []fixtureBlock{
		{repo: "r1", file: "a.py", name: "alpha", content: "def alpha():\n    return 1"},
		{repo: "r1", file: "b.py", name: "beta", content: "def beta():\n    return 2"},
	})

	// Below -1 behaves exactly like -1: nothing is filtered out.
	low, err := searcher.Search(context.Background(), block.SearchQuery{
		Query:               "any function",
		TopK:                10,
		SimilarityThreshold: -5,
	})
	require.NoError(t, err)
	assert.Len(t, low, 2)

	// Above 1 behaves exactly like 1.
	capped, err := searcher.Search(context.Background(), block.SearchQuery{
		Query:               "any function",
		TopK:                10,
		SimilarityThreshold: 7,
	})
	require.NoError(t, err)
	exact, err := searcher.Search(context.Background(), block.SearchQuery{
		Query:               "any function",
		TopK:                10,
		SimilarityThreshold: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, exact, capped)
}

func TestSearcher_VectorlessBlocksInvisible(t *testing.T) {
	searcher, s, _ := newTestSearcher(t)
	ctx := context.Background()

	b := &block.CodeBlock{
		RepositoryID:     "r1",
		FilePath:         "a.py",
		LineStart:        1,
		LineEnd:          2,
		BlockType:        block.TypeFunction,
		Language:         "python",
		Name:             "ghost",
		Content:          "def ghost():\n    pass",
		EmbeddingMissing: true,
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	b.Seal()
	require.NoError(t, s.Blocks.Save(ctx, b))

	results, err := searcher.Search(ctx, block.SearchQuery{Query: "def ghost(): pass", TopK: 10})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearcher_SkipsVectorsWithoutBlocks(t *testing.T) {
	searcher, s, e := newTestSearcher(t)
	ctx := context.Background()
	byName := seedBlocks(t, s, e, []fixtureBlock{
		{repo: "r1", file: "a.py", name: "kept", content: "def kept():\n    return 1"},
		{repo: "r1", file: "b.py", name: "orphan", content: "def orphan():\n    return 2"},
	})

	// Simulate a partial purge: the block row vanishes, the vector stays.
	require.NoError(t, s.Blocks.Delete(ctx, byName["orphan"].BlockID))

	results, err := searcher.Search(ctx, block.SearchQuery{Query: "function returning a value", TopK: 10})
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "orphan", r.Block.Name)
	}
}

func TestSearcher_SimilarFunctions(t *testing.T) {
	searcher, s, e := newTestSearcher(t)
	seedBlocks(t, s, e, []fixtureBlock{
		{repo: "r1", file: "a.py", name: "quicksort", content: "def quicksort(xs):\n    ..."},
		{repo: "r1", file: "a.py", name: "sorting", content: "sorting helpers", btype: block.TypeFile},
	})

	results, err := searcher.SearchSimilarFunctions(context.Background(), "quicksort", block.SearchQuery{TopK: 10})
	require.NoError(t, err)
	require.NotEmpty(t, results)
	for _, r := range results {
		assert.Equal(t, block.TypeFunction, r.Block.BlockType)
	}
}

func TestSearcher_Recommendations(t *testing.T) {
	searcher, s, e := newTestSearcher(t)
	seedBlocks(t, s, e, []fixtureBlock{
		{repo: "r1", file: "vector_math.py", name: "vector_math",
			content: "def dot(a, b):\n    return sum(x * y for x, y in zip(a, b))", btype: block.TypeFile},
		{repo: "r2", file: "linear_algebra.py", name: "linear_algebra",
			content: "def dot_product(a, b):\n    return sum(x * y for x, y in zip(a, b))", btype: block.TypeFile},
		{repo: "r2", file: "smtp_client.py", name: "smtp_client",
			content: "class SMTPClient:\n    def send(self, message):\n        ...", btype: block.TypeFile},
	})

	results, err := searcher.GetRecommendations(context.Background(), "vector_math.py", 5, "")
	require.NoError(t, err)
	require.NotEmpty(t, results)

	// The seeding file itself is never recommended.
	for _, r := range results {
		assert.NotEqual(t, "vector_math.py", r.Block.FilePath)
		assert.GreaterOrEqual(t, r.Score, float32(0.3))
		assert.NotEmpty(t, r.MatchReason)
	}
	assert.Equal(t, "linear_algebra.py", results[0].Block.FilePath)
}

func TestSearcher_RecommendationsSeedFromFirstBlocks(t *testing.T) {
	searcher, s, e := newTestSearcher(t)
	// The file carries several blocks; the one matching the target sits
	// inside the first three, so it must drive the recommendation.
	seedBlocks(t, s, e, []fixtureBlock{
		{repo: "r1", file: "geometry.py", name: "geometry",
			content: "circle and rectangle area helpers", btype: block.TypeFile},
		{repo: "r1", file: "geometry.py", name: "circle_area",
			content: "def circle_area(r):\n    return 3.14159 * r * r"},
		{repo: "r2", file: "shapes.py", name: "disc_area",
			content: "def disc_area(r):\n    return 3.14159 * r * r"},
	})

	results, err := searcher.GetRecommendations(context.Background(), "geometry.py", 5, "r1")
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "shapes.py", results[0].Block.FilePath)
	for _, r := range results {
		assert.NotEqual(t, "geometry.py", r.Block.FilePath)
	}
}

func TestSearcher_RecommendationsUnknownFile(t *testing.T) {
	searcher, _, _ := newTestSearcher(t)

	results, err := searcher.GetRecommendations(context.Background(), "ghost.py", 5, "")
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestSearcher_RecordsHistory(t *testing.T) {
	searcher, _, _ := newTestSearcher(t)

	_, err := searcher.Search(context.Background(), block.SearchQuery{Query: "anything at all"})
	require.NoError(t, err)

	// History is written from a fire-and-forget goroutine.
	require.Eventually(t, func() bool {
		history, err := searcher.History(1)
		return err == nil && len(history) == 1 && history[0].Query == "anything at all"
	}, 2*time.Second, 10*time.Millisecond)
}
