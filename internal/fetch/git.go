package fetch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	semerr "github.com/semindex/semindex/internal/errors"
)

// fetchGit clones the repository into a scratch directory and checks out
// the requested branch or commit.
func (f *Fetcher) fetchGit(ctx context.Context, cfg RepoConfig) (*Result, error) {
	if cfg.URL == "" {
		return nil, semerr.NewFetchError(semerr.FetchNotFound, "git",
			fmt.Errorf("empty clone URL"))
	}

	clonePath, err := os.MkdirTemp(f.scratch(), "semindex-clone-*")
	if err != nil {
		return nil, semerr.NewFetchError(semerr.FetchCorrupt, cfg.URL, err)
	}
	f.created = append(f.created, clonePath)

	res := &Result{WorkingPath: clonePath, Created: true}

	slog.Info("cloning repository",
		slog.String("url", cfg.URL),
		slog.String("branch", cfg.Branch),
		slog.String("path", clonePath))

	opts := &gogit.CloneOptions{URL: cfg.URL}
	if cfg.Branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(cfg.Branch)
		opts.SingleBranch = true
	}
	if cfg.AuthToken != "" {
		// Token auth over HTTPS; the username is ignored by the common hosts.
		opts.Auth = &githttp.BasicAuth{Username: "token", Password: cfg.AuthToken}
	}

	repo, err := gogit.PlainCloneContext(ctx, clonePath, false, opts)
	if err != nil {
		return res, classifyGitError(cfg.URL, err)
	}

	if cfg.Commit != "" {
		worktree, err := repo.Worktree()
		if err != nil {
			return res, semerr.NewFetchError(semerr.FetchCorrupt, cfg.URL, err)
		}
		err = worktree.Checkout(&gogit.CheckoutOptions{
			Hash:  plumbing.NewHash(cfg.Commit),
			Force: true,
		})
		if err != nil {
			return res, semerr.NewFetchError(semerr.FetchNotFound, cfg.URL,
				fmt.Errorf("checkout %s: %w", cfg.Commit, err))
		}
	}

	head, err := repo.Head()
	if err != nil {
		return res, semerr.NewFetchError(semerr.FetchCorrupt, cfg.URL, err)
	}

	res.CommitHash = head.Hash().String()
	res.RepositoryID = GitIdentity(cfg.URL, cfg.Branch, res.CommitHash)
	return res, nil
}

// classifyGitError maps go-git failures onto the fetch error kinds.
func classifyGitError(url string, err error) error {
	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		return semerr.NewFetchError(semerr.FetchAuth, url, err)
	case errors.Is(err, transport.ErrRepositoryNotFound),
		errors.Is(err, plumbing.ErrReferenceNotFound):
		return semerr.NewFetchError(semerr.FetchNotFound, url, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return semerr.NewFetchError(semerr.FetchNetwork, url, err)
	}

	// go-git surfaces DNS and dial failures as plain errors.
	msg := err.Error()
	if strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "i/o timeout") {
		return semerr.NewFetchError(semerr.FetchNetwork, url, err)
	}

	return semerr.NewFetchError(semerr.FetchCorrupt, url, err)
}

// resolveWorkingSubdir returns the single top-level directory when an
// archive wraps its content in one (the github tarball layout), otherwise
// the root itself.
func resolveWorkingSubdir(root string) string {
	entries, err := os.ReadDir(root)
	if err != nil || len(entries) != 1 || !entries[0].IsDir() {
		return root
	}
	return filepath.Join(root, entries[0].Name())
}
