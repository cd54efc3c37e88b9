package block

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeID_Deterministic(t *testing.T) {
	hash := HashContent("def add(x, y):\n    return x + y\n")

	id1 := ComputeID("repo-1", "a.py", 1, 2, hash)
	id2 := ComputeID("repo-1", "a.py", 1, 2, hash)
	assert.Equal(t, id1, id2)
	assert.Len(t, id1, 16)

	// Any coordinate change produces a different id.
	assert.NotEqual(t, id1, ComputeID("repo-2", "a.py", 1, 2, hash))
	assert.NotEqual(t, id1, ComputeID("repo-1", "b.py", 1, 2, hash))
	assert.NotEqual(t, id1, ComputeID("repo-1", "a.py", 2, 3, hash))
	assert.NotEqual(t, id1, ComputeID("repo-1", "a.py", 1, 2, HashContent("changed")))
}

func TestSeal(t *testing.T) {
	b := &CodeBlock{
		RepositoryID: "repo-1",
		FilePath:     "a.py",
		LineStart:    1,
		LineEnd:      2,
		Content:      "def add(x, y):\n    return x + y\n",
	}
	b.Seal()

	require.NotEmpty(t, b.ContentHash)
	assert.Equal(t, ComputeID("repo-1", "a.py", 1, 2, b.ContentHash), b.BlockID)

	// Sealing again is stable.
	id := b.BlockID
	b.Seal()
	assert.Equal(t, id, b.BlockID)
}

func TestSearchText(t *testing.T) {
	b := &CodeBlock{
		Name:      "add",
		Signature: "def add(x, y)",
		Keywords:  []string{"sum", "arithmetic"},
		Content:   "def add(x, y):\n    return x + y",
	}

	text := b.SearchText()
	assert.Contains(t, text, "def add(x, y)\n")
	assert.Contains(t, text, "add\n")
	assert.Contains(t, text, "sum arithmetic")
	assert.Contains(t, text, "return x + y")

	// A bare file block embeds just its content.
	file := &CodeBlock{Content: "package main"}
	assert.Equal(t, "package main", file.SearchText())
}

func TestVectorMetadata(t *testing.T) {
	b := &CodeBlock{
		RepositoryID: "repo-1",
		FilePath:     "pkg/util.go",
		BlockType:    TypeFunction,
		Language:     "go",
		Name:         "Clamp",
	}

	md := b.VectorMetadata()
	assert.Equal(t, "repo-1", md["repository_id"])
	assert.Equal(t, "pkg/util.go", md["file_path"])
	assert.Equal(t, "function", md["block_type"])
	assert.Equal(t, "go", md["language"])
	assert.Equal(t, "Clamp", md["name"])
}

func TestRepositoryIndex_UpdateStats(t *testing.T) {
	blocks := []*CodeBlock{
		{FilePath: "a.py", Language: "python", Content: "x"},
		{FilePath: "a.py", Language: "python", Content: "yy"},
		{FilePath: "b.go", Language: "go", Content: "zzz"},
		{FilePath: "README", Content: "docs"},
	}

	var idx RepositoryIndex
	idx.UpdateStats(blocks)

	assert.Equal(t, 3, idx.TotalFiles)
	assert.Equal(t, 4, idx.TotalBlocks)
	assert.Equal(t, int64(10), idx.TotalBytes)
	assert.Equal(t, map[string]int{"python": 2, "go": 1, "unknown": 1}, idx.LanguageDistribution)
}

func TestRepositoryIndex_Lifecycle(t *testing.T) {
	idx := RepositoryIndex{Lifecycle: LifecyclePending}

	idx.Lifecycle = LifecycleIndexing
	idx.MarkFailed("cancelled")
	assert.Equal(t, LifecycleFailed, idx.Lifecycle)
	assert.Equal(t, "cancelled", idx.FailureReason)

	idx.MarkIndexed()
	assert.Equal(t, LifecycleIndexed, idx.Lifecycle)
	assert.Empty(t, idx.FailureReason)
	assert.False(t, idx.IndexedAt.IsZero())
}
