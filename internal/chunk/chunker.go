// Package chunk splits source files into semantic code blocks using
// tree-sitter grammars: one block per file plus one per function, class,
// and method, with methods linked to their enclosing class.
package chunk

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/semindex/semindex/internal/block"
	semerr "github.com/semindex/semindex/internal/errors"
)

// DefaultMaxFileBytes is the per-file size ceiling. Larger files are
// skipped rather than chunked.
const DefaultMaxFileBytes = 1 << 20

// binarySniffLen bounds how much of a file the binary check reads.
const binarySniffLen = 8192

// Options tunes the chunker.
type Options struct {
	// MaxFileBytes caps the size of a chunkable file. Zero means
	// DefaultMaxFileBytes.
	MaxFileBytes int
}

// Chunker converts one source file into code blocks. Not safe for
// concurrent use; each worker owns its own Chunker.
type Chunker struct {
	parser   *Parser
	registry *LanguageRegistry
	options  Options
}

// NewChunker creates a chunker over the default language registry.
func NewChunker(opts Options) *Chunker {
	if opts.MaxFileBytes == 0 {
		opts.MaxFileBytes = DefaultMaxFileBytes
	}
	registry := DefaultRegistry()
	return &Chunker{
		parser:   NewParser(registry),
		registry: registry,
		options:  opts,
	}
}

// Close releases parser resources.
func (c *Chunker) Close() {
	if c.parser != nil {
		c.parser.Close()
	}
}

// SupportedExtensions lists the extensions this chunker handles.
func (c *Chunker) SupportedExtensions() []string {
	return c.registry.SupportedExtensions()
}

// ChunkFile splits one file into blocks. The first block is always the
// whole-file block; declaration blocks follow in source order. Empty and
// binary files yield no blocks and no error; a file over the size limit
// is skipped with a per-file error so the run can report it.
func (c *Chunker) ChunkFile(ctx context.Context, repositoryID, relPath string, content []byte) ([]*block.CodeBlock, error) {
	if len(content) == 0 {
		return nil, nil
	}
	if len(content) > c.options.MaxFileBytes {
		return nil, semerr.NewParseError(relPath,
			fmt.Sprintf("file size %d exceeds limit %d", len(content), c.options.MaxFileBytes))
	}
	if isBinary(content) {
		return nil, nil
	}

	config, supported := c.registry.ForFile(relPath)
	if !supported {
		return nil, nil
	}

	now := time.Now().UTC()
	fileBlock := c.newBlock(repositoryID, relPath, config.Name, now)
	fileBlock.BlockType = block.TypeFile
	fileBlock.Content = string(content)
	fileBlock.LineStart = 1
	fileBlock.LineEnd = countLines(content)
	fileBlock.Name = relPath
	fileBlock.Seal()

	tree, err := c.parser.Parse(ctx, content, config.Name)
	if err != nil {
		// An unparsable file still gets its file block so plain-text
		// retrieval can reach it. The parse failure is reported upward.
		return []*block.CodeBlock{fileBlock}, semerr.NewParseError(relPath, err.Error())
	}

	blocks := []*block.CodeBlock{fileBlock}
	blocks = append(blocks, c.extractDeclarations(tree, config, fileBlock, now)...)
	return blocks, nil
}

// extractDeclarations walks the tree collecting function, class, and
// method blocks. Methods carry the enclosing class name and parent link.
func (c *Chunker) extractDeclarations(tree *Tree, config *LanguageConfig, fileBlock *block.CodeBlock, now time.Time) []*block.CodeBlock {
	functionTypes := toSet(config.FunctionTypes)
	classTypes := toSet(config.ClassTypes)
	methodTypes := toSet(config.MethodTypes)

	var blocks []*block.CodeBlock

	var visit func(n *Node, enclosingClass *block.CodeBlock)
	visit = func(n *Node, enclosingClass *block.CodeBlock) {
		switch {
		case classTypes[n.Type]:
			classBlock := c.declarationBlock(n, tree, block.TypeClass, fileBlock, now)
			if classBlock == nil {
				break
			}
			blocks = append(blocks, classBlock)
			for _, child := range n.Children {
				visit(child, classBlock)
			}
			return

		case methodTypes[n.Type], functionTypes[n.Type] && enclosingClass != nil:
			// Either a grammar-level method (Go method_declaration, JS
			// method_definition) or a function nested in a class body
			// (Python methods).
			b := c.declarationBlock(n, tree, block.TypeMethod, fileBlock, now)
			if b != nil {
				if enclosingClass != nil {
					b.ClassName = enclosingClass.Name
					b.ParentBlockID = enclosingClass.BlockID
					enclosingClass.ChildBlockIDs = append(enclosingClass.ChildBlockIDs, b.BlockID)
				}
				blocks = append(blocks, b)
			}
			return

		case functionTypes[n.Type]:
			b := c.declarationBlock(n, tree, block.TypeFunction, fileBlock, now)
			if b != nil {
				blocks = append(blocks, b)
			}
			return
		}

		for _, child := range n.Children {
			visit(child, enclosingClass)
		}
	}

	visit(tree.Root, nil)
	return blocks
}

// declarationBlock builds a sealed block for one declaration node.
// Returns nil for anonymous declarations.
func (c *Chunker) declarationBlock(n *Node, tree *Tree, kind block.Type, fileBlock *block.CodeBlock, now time.Time) *block.CodeBlock {
	name := extractName(n, tree.Source, tree.Language)
	if name == "" {
		return nil
	}

	b := c.newBlock(fileBlock.RepositoryID, fileBlock.FilePath, tree.Language, now)
	b.BlockType = kind
	b.Content = n.Content(tree.Source)
	b.LineStart = int(n.StartRow) + 1
	b.LineEnd = int(n.EndRow) + 1
	b.CharStart = int(n.StartByte)
	b.CharEnd = int(n.EndByte)
	b.Name = name
	b.Signature = extractSignature(b.Content, kind, tree.Language)
	b.Seal()
	return b
}

func (c *Chunker) newBlock(repositoryID, relPath, language string, now time.Time) *block.CodeBlock {
	return &block.CodeBlock{
		RepositoryID: repositoryID,
		FilePath:     relPath,
		Language:     language,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// extractName pulls the declared identifier out of a declaration node.
func extractName(n *Node, source []byte, language string) string {
	switch language {
	case "go":
		switch n.Type {
		case "method_declaration":
			if child := n.FirstChildOfType("field_identifier"); child != nil {
				return child.Content(source)
			}
			return ""
		case "type_declaration":
			if spec := n.FirstChildOfType("type_spec"); spec != nil {
				if id := spec.FirstChildOfType("type_identifier"); id != nil {
					return id.Content(source)
				}
			}
			return ""
		}
	case "typescript", "tsx":
		if child := n.FirstChildOfType("type_identifier"); child != nil {
			return child.Content(source)
		}
	}

	// Common case: the declared name is a direct identifier child.
	if child := n.FirstChildOfType("identifier"); child != nil {
		return child.Content(source)
	}
	if child := n.FirstChildOfType("property_identifier"); child != nil {
		return child.Content(source)
	}
	return ""
}

// extractSignature returns the declaration head: up to the opening brace
// for brace languages, the full def line for Python.
func extractSignature(content string, kind block.Type, language string) string {
	if kind == block.TypeFile {
		return ""
	}

	firstLine, _, _ := strings.Cut(content, "\n")
	firstLine = strings.TrimSpace(firstLine)

	if language == "python" {
		return firstLine
	}
	if idx := strings.Index(firstLine, "{"); idx != -1 {
		return strings.TrimSpace(firstLine[:idx])
	}
	return firstLine
}

// isBinary reports whether the content looks binary, using the null-byte
// heuristic over the first few KB.
func isBinary(content []byte) bool {
	sniff := content
	if len(sniff) > binarySniffLen {
		sniff = sniff[:binarySniffLen]
	}
	return bytes.IndexByte(sniff, 0) != -1
}

func countLines(content []byte) int {
	n := bytes.Count(content, []byte{'\n'})
	if len(content) > 0 && content[len(content)-1] != '\n' {
		n++
	}
	return n
}

func toSet(types []string) map[string]bool {
	set := make(map[string]bool, len(types))
	for _, t := range types {
		set[t] = true
	}
	return set
}
