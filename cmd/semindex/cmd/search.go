package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/semindex/semindex/internal/block"
	"github.com/semindex/semindex/internal/search"
)

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit      int
	repository string
	language   string
	blockType  string
	filePath   string
	threshold  float32
	code       bool
	function   bool
	format     string
}

func newSearchCmd(root *rootOptions) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed code",
		Long: `Search indexed blocks by similarity to a text query.

Examples:
  semindex search "parse configuration file"
  semindex search "def add" --code
  semindex search quicksort --function
  semindex search "http handler" --language go --limit 5
  semindex search "auth" --path internal/auth --format json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSearch(cmd, strings.Join(args, " "), root, opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", search.DefaultTopK, "Maximum number of results")
	cmd.Flags().StringVarP(&opts.repository, "repository", "r", "", "Restrict to one repository id")
	cmd.Flags().StringVarP(&opts.language, "language", "l", "", "Filter by language (e.g. go, python)")
	cmd.Flags().StringVarP(&opts.blockType, "type", "t", "", "Filter by block type: file, class, function, method")
	cmd.Flags().StringVar(&opts.filePath, "path", "", "Filter by file path substring")
	cmd.Flags().Float32Var(&opts.threshold, "threshold", 0, "Minimum similarity score")
	cmd.Flags().BoolVar(&opts.code, "code", false, "Treat the query as a code snippet")
	cmd.Flags().BoolVar(&opts.function, "function", false, "Find functions similar to a named function")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")

	return cmd
}

func runSearch(cmd *cobra.Command, query string, root *rootOptions, opts searchOptions) error {
	_, log, storage, embedder, cleanup, err := openEnv(root)
	if err != nil {
		return err
	}
	defer cleanup()

	searcher := search.New(storage, embedder, log)
	q := block.SearchQuery{
		Query:               query,
		RepositoryID:        opts.repository,
		Language:            opts.language,
		BlockType:           block.Type(opts.blockType),
		FilePath:            opts.filePath,
		TopK:                opts.limit,
		SimilarityThreshold: opts.threshold,
	}

	ctx := cmd.Context()
	var results []block.SearchResult
	switch {
	case opts.function:
		results, err = searcher.SearchSimilarFunctions(ctx, query, q)
	case opts.code:
		results, err = searcher.SearchByCode(ctx, query, q)
	default:
		results, err = searcher.Search(ctx, q)
	}
	if err != nil {
		return err
	}

	return printResults(cmd.OutOrStdout(), results, opts.format)
}

func printResults(out io.Writer, results []block.SearchResult, format string) error {
	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(results)
	}

	if len(results) == 0 {
		fmt.Fprintln(out, "No results.")
		return nil
	}

	for i, r := range results {
		b := r.Block
		header := fmt.Sprintf("%d. [%.3f] %s:%d-%d", i+1, r.Score, b.FilePath, b.LineStart, b.LineEnd)
		if b.Name != "" {
			header += fmt.Sprintf(" %s %s", b.BlockType, b.Name)
		}
		fmt.Fprintln(out, header)
		if b.Signature != "" {
			fmt.Fprintf(out, "   %s\n", b.Signature)
		}
		if r.MatchReason != "" {
			fmt.Fprintf(out, "   (%s)\n", r.MatchReason)
		}
	}
	return nil
}
