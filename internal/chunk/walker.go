package chunk

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/sabhiram/go-gitignore"

	"github.com/semindex/semindex/internal/block"
	semerr "github.com/semindex/semindex/internal/errors"
)

// skipDirs are never descended into regardless of gitignore rules.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"__pycache__":  true,
	".venv":        true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
}

// WalkOptions tunes a repository walk.
type WalkOptions struct {
	// ExcludeGlobs are gitignore-style patterns applied on top of the
	// repository's own .gitignore.
	ExcludeGlobs []string
	// MaxFileBytes is forwarded to the chunker.
	MaxFileBytes int
}

// FileError records one file that failed to chunk. Walks never abort on
// a single file.
type FileError struct {
	Path string
	Err  error
}

// WalkResult is the outcome of chunking one repository tree.
type WalkResult struct {
	Blocks       []*block.CodeBlock
	Files        []string
	SkippedFiles int
	Errors       []FileError
}

// Walker chunks every supported file under a repository root.
type Walker struct {
	chunker *Chunker
	opts    WalkOptions
	log     *slog.Logger
}

// NewWalker creates a walker. A nil logger means slog.Default.
func NewWalker(opts WalkOptions, log *slog.Logger) *Walker {
	if log == nil {
		log = slog.Default()
	}
	return &Walker{
		chunker: NewChunker(Options{MaxFileBytes: opts.MaxFileBytes}),
		opts:    opts,
		log:     log,
	}
}

// Close releases the walker's chunker.
func (w *Walker) Close() {
	w.chunker.Close()
}

// ListFiles returns the chunkable files under root in sorted walk order,
// honoring .gitignore and the exclude globs. Paths are relative to root.
func (w *Walker) ListFiles(root string) ([]string, error) {
	ignorer := w.loadIgnorer(root)

	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}

		rel, relErr := filepath.Rel(root, path)
		if relErr != nil || rel == "." {
			return nil
		}
		rel = filepath.ToSlash(rel)

		if d.IsDir() {
			if skipDirs[d.Name()] || strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			if ignorer != nil && ignorer.MatchesPath(rel+"/") {
				return filepath.SkipDir
			}
			return nil
		}

		if !d.Type().IsRegular() {
			return nil
		}
		if ignorer != nil && ignorer.MatchesPath(rel) {
			return nil
		}
		if _, supported := w.chunker.registry.ForFile(rel); !supported {
			return nil
		}

		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, semerr.NewStorageError(semerr.StorageConnection, "walk", err)
	}
	return files, nil
}

// Walk chunks every supported file under root into blocks belonging to
// repositoryID. Per-file failures are collected in the result.
func (w *Walker) Walk(ctx context.Context, repositoryID, root string) (*WalkResult, error) {
	files, err := w.ListFiles(root)
	if err != nil {
		return nil, err
	}

	result := &WalkResult{}
	for _, rel := range files {
		select {
		case <-ctx.Done():
			return result, semerr.ErrCancelled
		default:
		}

		content, err := os.ReadFile(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			result.Errors = append(result.Errors, FileError{Path: rel, Err: err})
			continue
		}

		blocks, err := w.chunker.ChunkFile(ctx, repositoryID, rel, content)
		if err != nil {
			// Parse failures still may carry the file block.
			result.Errors = append(result.Errors, FileError{Path: rel, Err: err})
			w.log.Warn("file failed to parse",
				slog.String("file", rel),
				slog.String("error", err.Error()))
		}
		if len(blocks) == 0 {
			result.SkippedFiles++
			continue
		}

		result.Blocks = append(result.Blocks, blocks...)
		result.Files = append(result.Files, rel)
	}
	return result, nil
}

// loadIgnorer combines the repository's .gitignore with the configured
// exclude globs.
func (w *Walker) loadIgnorer(root string) *gitignore.GitIgnore {
	var lines []string

	data, err := os.ReadFile(filepath.Join(root, ".gitignore"))
	if err == nil {
		lines = append(lines, strings.Split(string(data), "\n")...)
	}
	lines = append(lines, w.opts.ExcludeGlobs...)

	if len(lines) == 0 {
		return nil
	}
	return gitignore.CompileIgnoreLines(lines...)
}
