// Package fetch materializes a repository at a local working path from a
// git URL, a local directory, or an archive file, and reports its
// canonical identity.
package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	semerr "github.com/semindex/semindex/internal/errors"
	"github.com/semindex/semindex/internal/block"
)

// RepoConfig declares one repository source.
type RepoConfig struct {
	Source block.SourceKind

	// URL is the clone URL for git sources.
	URL string
	// Path is the absolute directory for local sources or the archive
	// file for archive sources.
	Path string

	Branch    string
	Commit    string
	AuthToken string

	// CleanupOnError removes the working path on failure, but only when
	// the fetcher created it.
	CleanupOnError bool
}

// Result describes a successfully materialized repository.
type Result struct {
	// WorkingPath is a readable source tree ready for chunking.
	WorkingPath string
	// RepositoryID is the canonical identity derived from the source.
	RepositoryID string
	// CommitHash is the resolved revision for git sources.
	CommitHash string
	// Created is true when the fetcher created WorkingPath and owns its
	// removal.
	Created bool
}

// Fetcher acquires repositories into a scratch directory.
type Fetcher struct {
	// ScratchDir receives clone and extraction targets. Defaults to the
	// system temp directory.
	ScratchDir string

	created []string
}

// New creates a Fetcher using dir for clones and extractions.
func New(dir string) *Fetcher {
	return &Fetcher{ScratchDir: dir}
}

// Fetch materializes the repository described by cfg. On error, paths the
// fetcher created are removed when cfg.CleanupOnError is set.
func (f *Fetcher) Fetch(ctx context.Context, cfg RepoConfig) (res *Result, err error) {
	defer func() {
		if err != nil && cfg.CleanupOnError && res != nil && res.Created {
			if rmErr := os.RemoveAll(res.WorkingPath); rmErr != nil {
				slog.Warn("failed to clean working path",
					slog.String("path", res.WorkingPath),
					slog.String("error", rmErr.Error()))
			}
			res = nil
		}
	}()

	switch cfg.Source {
	case block.SourceGit:
		return f.fetchGit(ctx, cfg)
	case block.SourceLocal:
		return f.fetchLocal(cfg)
	case block.SourceArchive:
		return f.fetchArchive(cfg)
	default:
		return nil, semerr.NewFetchError(semerr.FetchNotFound, string(cfg.Source),
			fmt.Errorf("unknown source kind %q", cfg.Source))
	}
}

// Close removes every working path this fetcher created. Safe to call
// multiple times.
func (f *Fetcher) Close() error {
	var firstErr error
	for _, path := range f.created {
		if err := os.RemoveAll(path); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.created = nil
	return firstErr
}

func (f *Fetcher) scratch() string {
	if f.ScratchDir != "" {
		return f.ScratchDir
	}
	return os.TempDir()
}

func (f *Fetcher) fetchLocal(cfg RepoConfig) (*Result, error) {
	abs, err := filepath.Abs(cfg.Path)
	if err != nil {
		return nil, semerr.NewFetchError(semerr.FetchNotFound, cfg.Path, err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		return nil, semerr.NewFetchError(semerr.FetchNotFound, abs, err)
	}
	if !info.IsDir() {
		return nil, semerr.NewFetchError(semerr.FetchNotFound, abs,
			fmt.Errorf("not a directory"))
	}

	treeHash, err := hashTree(abs)
	if err != nil {
		return nil, semerr.NewFetchError(semerr.FetchCorrupt, abs, err)
	}

	return &Result{
		WorkingPath:  abs,
		RepositoryID: identityHash(abs, treeHash),
		Created:      false,
	}, nil
}

// GitIdentity derives the repository id for a git source.
func GitIdentity(url, branch, commit string) string {
	return identityHash(url, branch, commit)
}

func identityHash(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// hashTree digests every regular file in the tree as "relpath:content",
// sorted by path, so two trees with identical content share an identity.
func hashTree(root string) (string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries do not change identity
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	sort.Strings(paths)

	h := sha256.New()
	for _, path := range paths {
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		rel, _ := filepath.Rel(root, path)
		h.Write([]byte(rel))
		h.Write([]byte{':'})
		h.Write(content)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
