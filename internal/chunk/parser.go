package chunk

import (
	"context"

	sitter "github.com/smacker/go-tree-sitter"

	semerr "github.com/semindex/semindex/internal/errors"
)

// Tree is a parsed source file.
type Tree struct {
	Root     *Node
	Source   []byte
	Language string
}

// Node is one grammar node, detached from the tree-sitter C objects so it
// can outlive the parse.
type Node struct {
	Type      string
	StartByte uint32
	EndByte   uint32
	StartRow  uint32 // 0-indexed
	EndRow    uint32
	Children  []*Node
}

// Parser wraps tree-sitter for the registered languages. Not safe for
// concurrent use; each worker owns its own Parser.
type Parser struct {
	parser   *sitter.Parser
	registry *LanguageRegistry
}

// NewParser creates a parser over the given registry. A nil registry
// means the default one.
func NewParser(registry *LanguageRegistry) *Parser {
	if registry == nil {
		registry = DefaultRegistry()
	}
	return &Parser{
		parser:   sitter.NewParser(),
		registry: registry,
	}
}

// Parse parses source in the named language.
func (p *Parser) Parse(ctx context.Context, source []byte, language string) (*Tree, error) {
	grammar, ok := p.registry.Grammar(language)
	if !ok {
		return nil, semerr.NewParseError("", "unsupported language: "+language)
	}

	p.parser.SetLanguage(grammar)

	tsTree, err := p.parser.ParseCtx(ctx, nil, source)
	if err != nil {
		return nil, semerr.NewParseError("", "parse failed: "+err.Error())
	}
	if tsTree == nil {
		return nil, semerr.NewParseError("", "parse produced no tree")
	}
	defer tsTree.Close()

	return &Tree{
		Root:     detachNode(tsTree.RootNode()),
		Source:   source,
		Language: language,
	}, nil
}

// Close releases the underlying tree-sitter parser.
func (p *Parser) Close() {
	if p.parser != nil {
		p.parser.Close()
	}
}

func detachNode(tsNode *sitter.Node) *Node {
	if tsNode == nil {
		return nil
	}

	node := &Node{
		Type:      tsNode.Type(),
		StartByte: tsNode.StartByte(),
		EndByte:   tsNode.EndByte(),
		StartRow:  tsNode.StartPoint().Row,
		EndRow:    tsNode.EndPoint().Row,
		Children:  make([]*Node, 0, int(tsNode.ChildCount())),
	}

	for i := uint32(0); i < tsNode.ChildCount(); i++ {
		if child := tsNode.Child(int(i)); child != nil {
			node.Children = append(node.Children, detachNode(child))
		}
	}
	return node
}

// Content returns the source slice this node spans.
func (n *Node) Content(source []byte) string {
	if n.StartByte >= n.EndByte || int(n.EndByte) > len(source) {
		return ""
	}
	return string(source[n.StartByte:n.EndByte])
}

// FirstChildOfType returns the first direct child with the given type.
func (n *Node) FirstChildOfType(nodeType string) *Node {
	for _, child := range n.Children {
		if child.Type == nodeType {
			return child
		}
	}
	return nil
}

// Walk traverses depth-first. Returning false from fn skips the node's
// children.
func (n *Node) Walk(fn func(*Node) bool) {
	if !fn(n) {
		return
	}
	for _, child := range n.Children {
		child.Walk(fn)
	}
}
