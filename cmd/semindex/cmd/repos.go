package cmd

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newReposCmd(root *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "repos",
		Short: "List indexed repositories",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, storage, _, cleanup, err := openEnv(root)
			if err != nil {
				return err
			}
			defer cleanup()

			repos, err := storage.Metadata.ListRepositories()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(repos)
			}

			if len(repos) == 0 {
				fmt.Fprintln(out, "No repositories indexed.")
				return nil
			}

			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATE\tFILES\tBLOCKS\tSOURCE")
			for _, r := range repos {
				source := r.URL
				if source == "" {
					source = r.Path
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
					r.RepositoryID, r.Lifecycle, r.TotalFiles, r.TotalBlocks, source)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	return cmd
}

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent search queries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, storage, _, cleanup, err := openEnv(root)
			if err != nil {
				return err
			}
			defer cleanup()

			history, err := storage.Metadata.SearchHistory(limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(history) == 0 {
				fmt.Fprintln(out, "No searches recorded.")
				return nil
			}
			for _, q := range history {
				fmt.Fprintf(out, "%s  [%s]  %s\n",
					q.IssuedAt.Format("2006-01-02 15:04:05"), q.QueryType, q.Query)
			}
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum entries to show")
	return cmd
}
