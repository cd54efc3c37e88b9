package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/semindex/semindex/internal/block"
	"github.com/semindex/semindex/internal/fetch"
	"github.com/semindex/semindex/internal/index"
)

// indexOptions holds CLI flags for index.
type indexOptions struct {
	source   string
	branch   string
	commit   string
	token    string
	excludes []string
	quiet    bool
}

func newIndexCmd(root *rootOptions) *cobra.Command {
	var opts indexOptions

	cmd := &cobra.Command{
		Use:   "index <path-or-url>",
		Short: "Index a repository",
		Long: `Index a repository into searchable code blocks.

The source kind is inferred from the argument: git URLs clone, archive
files (.zip, .tar.gz, .tgz) extract, and everything else is treated as
a local directory. Use --source to override the inference.

Examples:
  semindex index .
  semindex index https://github.com/example/project --branch main
  semindex index ./snapshot.tar.gz
  semindex index ~/src/project --exclude 'testdata/**'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIndex(cmd, args[0], root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.source, "source", "", "Source kind: git, local, archive (default inferred)")
	cmd.Flags().StringVarP(&opts.branch, "branch", "b", "", "Branch to clone (git sources)")
	cmd.Flags().StringVar(&opts.commit, "commit", "", "Commit to check out (git sources)")
	cmd.Flags().StringVar(&opts.token, "token", "", "Auth token for private git repositories")
	cmd.Flags().StringSliceVar(&opts.excludes, "exclude", nil, "Gitignore-style exclude pattern (repeatable)")
	cmd.Flags().BoolVarP(&opts.quiet, "quiet", "q", false, "Suppress progress output")

	return cmd
}

func runIndex(cmd *cobra.Command, target string, root *rootOptions, opts indexOptions) error {
	cfg, log, storage, embedder, cleanup, err := openEnv(root)
	if err != nil {
		return err
	}
	defer cleanup()

	repoCfg, err := resolveSource(target, opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	var progress func(index.Progress)
	if !opts.quiet {
		progress = func(p index.Progress) {
			fmt.Fprintf(out, "\r%d/%d files, %d blocks", p.ProcessedFiles, p.TotalFiles, p.ProcessedBlocks)
		}
	}

	fetcher := fetch.New(filepath.Join(cfg.Storage.BasePath, "tmp"))
	defer fetcher.Close()

	ix := index.New(storage, embedder, fetcher, index.Options{
		BatchSize:    cfg.Embedding.BatchSize,
		ExcludeGlobs: opts.excludes,
		OnProgress:   progress,
	}, log)

	report, err := ix.IndexRepository(cmd.Context(), repoCfg)
	if !opts.quiet {
		fmt.Fprintln(out)
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Indexed %s: %d files, %d blocks (%d reused, %d skipped) in %s\n",
		report.RepositoryID, report.Files, report.Blocks+report.ReusedBlocks,
		report.ReusedBlocks, report.SkippedFiles, report.Duration.Round(time.Millisecond))
	if report.MissingEmbeddings > 0 {
		fmt.Fprintf(out, "Warning: %d blocks stored without embeddings; re-run index to retry\n",
			report.MissingEmbeddings)
	}
	for _, fe := range report.FileErrors {
		fmt.Fprintf(out, "  failed: %s: %v\n", fe.Path, fe.Err)
	}
	return nil
}

// resolveSource infers the source kind from the target string unless
// the flag pins one.
func resolveSource(target string, opts indexOptions) (fetch.RepoConfig, error) {
	cfg := fetch.RepoConfig{
		Branch:         opts.branch,
		Commit:         opts.commit,
		AuthToken:      opts.token,
		CleanupOnError: true,
	}

	kind := block.SourceKind(opts.source)
	if opts.source == "" {
		switch {
		case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"),
			strings.HasPrefix(target, "git@"), strings.HasSuffix(target, ".git"):
			kind = block.SourceGit
		case strings.HasSuffix(target, ".zip"), strings.HasSuffix(target, ".tar"),
			strings.HasSuffix(target, ".tar.gz"), strings.HasSuffix(target, ".tgz"):
			kind = block.SourceArchive
		default:
			kind = block.SourceLocal
		}
	}

	cfg.Source = kind
	switch kind {
	case block.SourceGit:
		cfg.URL = target
	case block.SourceLocal, block.SourceArchive:
		cfg.Path = target
	default:
		return cfg, fmt.Errorf("unknown source kind %q", opts.source)
	}
	return cfg, nil
}
