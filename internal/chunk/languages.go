package chunk

import (
	"path/filepath"
	"strings"
	"sync"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/golang"
	"github.com/smacker/go-tree-sitter/javascript"
	"github.com/smacker/go-tree-sitter/python"
	"github.com/smacker/go-tree-sitter/typescript/tsx"
	"github.com/smacker/go-tree-sitter/typescript/typescript"
)

// LanguageConfig maps one language's grammar node types onto block kinds.
type LanguageConfig struct {
	Name       string
	Extensions []string

	// Grammar node types that define functions at any level.
	FunctionTypes []string
	// Grammar node types that define classes or class-like containers.
	ClassTypes []string
	// Grammar node types that define methods. Empty for languages where
	// methods are just functions nested inside a class body.
	MethodTypes []string
}

// LanguageRegistry maps file extensions to language configurations and
// their tree-sitter grammars.
type LanguageRegistry struct {
	mu          sync.RWMutex
	configs     map[string]*LanguageConfig
	extToLang   map[string]string
	tsLanguages map[string]*sitter.Language
}

// NewLanguageRegistry builds a registry with the built-in languages.
func NewLanguageRegistry() *LanguageRegistry {
	r := &LanguageRegistry{
		configs:     make(map[string]*LanguageConfig),
		extToLang:   make(map[string]string),
		tsLanguages: make(map[string]*sitter.Language),
	}

	r.register(&LanguageConfig{
		Name:          "python",
		Extensions:    []string{".py"},
		FunctionTypes: []string{"function_definition"},
		ClassTypes:    []string{"class_definition"},
		// Python methods are function_definition nodes inside a class body.
		MethodTypes: nil,
	}, python.GetLanguage())

	r.register(&LanguageConfig{
		Name:          "go",
		Extensions:    []string{".go"},
		FunctionTypes: []string{"function_declaration"},
		ClassTypes:    []string{"type_declaration"},
		MethodTypes:   []string{"method_declaration"},
	}, golang.GetLanguage())

	r.register(&LanguageConfig{
		Name:          "javascript",
		Extensions:    []string{".js", ".mjs", ".jsx"},
		FunctionTypes: []string{"function_declaration"},
		ClassTypes:    []string{"class_declaration"},
		MethodTypes:   []string{"method_definition"},
	}, javascript.GetLanguage())

	tsConfig := &LanguageConfig{
		Name:          "typescript",
		Extensions:    []string{".ts"},
		FunctionTypes: []string{"function_declaration"},
		ClassTypes:    []string{"class_declaration", "interface_declaration"},
		MethodTypes:   []string{"method_definition"},
	}
	r.register(tsConfig, typescript.GetLanguage())

	r.register(&LanguageConfig{
		Name:          "tsx",
		Extensions:    []string{".tsx"},
		FunctionTypes: tsConfig.FunctionTypes,
		ClassTypes:    tsConfig.ClassTypes,
		MethodTypes:   tsConfig.MethodTypes,
	}, tsx.GetLanguage())

	return r
}

func (r *LanguageRegistry) register(config *LanguageConfig, tsLang *sitter.Language) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.configs[config.Name] = config
	r.tsLanguages[config.Name] = tsLang
	for _, ext := range config.Extensions {
		r.extToLang[ext] = config.Name
	}
}

// ForFile returns the language configuration for a file path, matched by
// extension.
func (r *LanguageRegistry) ForFile(path string) (*LanguageConfig, bool) {
	ext := strings.ToLower(filepath.Ext(path))

	r.mu.RLock()
	defer r.mu.RUnlock()

	name, ok := r.extToLang[ext]
	if !ok {
		return nil, false
	}
	config, ok := r.configs[name]
	return config, ok
}

// ByName returns the language configuration by language name.
func (r *LanguageRegistry) ByName(name string) (*LanguageConfig, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	config, ok := r.configs[name]
	return config, ok
}

// Grammar returns the tree-sitter grammar for a language name.
func (r *LanguageRegistry) Grammar(name string) (*sitter.Language, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	lang, ok := r.tsLanguages[name]
	return lang, ok
}

// SupportedExtensions lists every extension the registry recognizes.
func (r *LanguageRegistry) SupportedExtensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exts := make([]string, 0, len(r.extToLang))
	for ext := range r.extToLang {
		exts = append(exts, ext)
	}
	return exts
}

var defaultRegistry = NewLanguageRegistry()

// DefaultRegistry returns the shared language registry.
func DefaultRegistry() *LanguageRegistry {
	return defaultRegistry
}
