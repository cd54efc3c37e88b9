package chunk

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/semindex/semindex/internal/block"
	semerr "github.com/semindex/semindex/internal/errors"
)

func TestChunkFile_PythonFunctions(t *testing.T) {
	c := NewChunker(Options{})
	defer c.Close()

	source := []byte("def add(x, y):\n    return x + y\n\n\ndef sub(x, y):\n    return x - y\n")
	blocks, err := c.ChunkFile(context.Background(), "repo-1", "math.py", source)
	require.NoError(t, err)
	require.Len(t, blocks, 3)

	file := blocks[0]
	assert.Equal(t, block.TypeFile, file.BlockType)
	assert.Equal(t, "math.py", file.FilePath)
	assert.Equal(t, 1, file.LineStart)
	assert.Equal(t, 6, file.LineEnd)
	assert.NotEmpty(t, file.BlockID)

	names := make(map[string]*block.CodeBlock)
	for _, b := range blocks[1:] {
		assert.Equal(t, block.TypeFunction, b.BlockType)
		assert.Equal(t, "python", b.Language)
		names[b.Name] = b
	}
	require.Contains(t, names, "add")
	require.Contains(t, names, "sub")

	add := names["add"]
	assert.Equal(t, "def add(x, y):", add.Signature)
	assert.Equal(t, 1, add.LineStart)
	assert.Equal(t, 2, add.LineEnd)
	assert.Contains(t, add.Content, "return x + y")
}

func TestChunkFile_PythonClassMethods(t *testing.T) {
	c := NewChunker(Options{})
	defer c.Close()

	source := []byte(strings.Join([]string{
		"class Calculator:",
		"    def add(self, x, y):",
		"        return x + y",
		"",
		"    def sub(self, x, y):",
		"        return x - y",
		"",
		"",
		"def main():",
		"    pass",
		"",
	}, "\n"))

	blocks, err := c.ChunkFile(context.Background(), "repo-1", "calc.py", source)
	require.NoError(t, err)
	require.Len(t, blocks, 5) // file, class, 2 methods, function

	var class *block.CodeBlock
	var methods []*block.CodeBlock
	var functions []*block.CodeBlock
	for _, b := range blocks {
		switch b.BlockType {
		case block.TypeClass:
			class = b
		case block.TypeMethod:
			methods = append(methods, b)
		case block.TypeFunction:
			functions = append(functions, b)
		}
	}

	require.NotNil(t, class)
	assert.Equal(t, "Calculator", class.Name)
	require.Len(t, methods, 2)
	require.Len(t, functions, 1)
	assert.Equal(t, "main", functions[0].Name)

	for _, m := range methods {
		assert.Equal(t, "Calculator", m.ClassName)
		assert.Equal(t, class.BlockID, m.ParentBlockID)
		assert.Contains(t, class.ChildBlockIDs, m.BlockID)
	}
}

func TestChunkFile_GoDeclarations(t *testing.T) {
	c := NewChunker(Options{})
	defer c.Close()

	source := []byte(strings.Join([]string{
		"package calc",
		"",
		"type Calculator struct{}",
		"",
		"func (c *Calculator) Add(x, y int) int {",
		"\treturn x + y",
		"}",
		"",
		"func Clamp(v, lo, hi int) int {",
		"\tif v < lo {",
		"\t\treturn lo",
		"\t}",
		"\tif v > hi {",
		"\t\treturn hi",
		"\t}",
		"\treturn v",
		"}",
		"",
	}, "\n"))

	blocks, err := c.ChunkFile(context.Background(), "repo-1", "calc.go", source)
	require.NoError(t, err)

	kinds := make(map[block.Type][]string)
	for _, b := range blocks {
		kinds[b.BlockType] = append(kinds[b.BlockType], b.Name)
	}

	assert.Contains(t, kinds[block.TypeClass], "Calculator")
	assert.Contains(t, kinds[block.TypeMethod], "Add")
	assert.Contains(t, kinds[block.TypeFunction], "Clamp")

	for _, b := range blocks {
		if b.Name == "Clamp" {
			assert.Equal(t, "func Clamp(v, lo, hi int) int", b.Signature)
		}
	}
}

func TestChunkFile_SkipsBinaryAndOversized(t *testing.T) {
	c := NewChunker(Options{MaxFileBytes: 64})
	defer c.Close()

	binary := append([]byte("def x():"), 0x00, 0x01)
	blocks, err := c.ChunkFile(context.Background(), "repo-1", "data.py", binary)
	require.NoError(t, err)
	assert.Empty(t, blocks)

	// An oversized file yields no blocks but reports the skip as a
	// per-file error.
	big := []byte("x = 1\n" + strings.Repeat("# padding\n", 20))
	blocks, err = c.ChunkFile(context.Background(), "repo-1", "big.py", big)
	require.Error(t, err)
	assert.Empty(t, blocks)

	var parseErr *semerr.ParseError
	require.ErrorAs(t, err, &parseErr)
	assert.Equal(t, "big.py", parseErr.File)
}

func TestChunkFile_UnsupportedExtension(t *testing.T) {
	c := NewChunker(Options{})
	defer c.Close()

	blocks, err := c.ChunkFile(context.Background(), "repo-1", "notes.txt", []byte("hello"))
	require.NoError(t, err)
	assert.Empty(t, blocks)
}

func TestChunkFile_IdempotentIDs(t *testing.T) {
	source := []byte("def add(x, y):\n    return x + y\n")

	chunkOnce := func() []string {
		c := NewChunker(Options{})
		defer c.Close()
		blocks, err := c.ChunkFile(context.Background(), "repo-1", "a.py", source)
		require.NoError(t, err)
		ids := make([]string, len(blocks))
		for i, b := range blocks {
			ids[i] = b.BlockID
		}
		return ids
	}

	assert.Equal(t, chunkOnce(), chunkOnce(), "re-chunking yields identical ids")
}

func TestLanguageRegistry_ForFile(t *testing.T) {
	r := DefaultRegistry()

	tests := []struct {
		path string
		lang string
		ok   bool
	}{
		{"main.py", "python", true},
		{"main.go", "go", true},
		{"app.ts", "typescript", true},
		{"app.tsx", "tsx", true},
		{"index.js", "javascript", true},
		{"index.mjs", "javascript", true},
		{"README.md", "", false},
		{"Makefile", "", false},
	}

	for _, tt := range tests {
		config, ok := r.ForFile(tt.path)
		assert.Equal(t, tt.ok, ok, tt.path)
		if ok {
			assert.Equal(t, tt.lang, config.Name, tt.path)
		}
	}
}
