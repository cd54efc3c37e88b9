package cmd

import (
	"github.com/spf13/cobra"

	"github.com/semindex/semindex/internal/search"
)

func newRecommendCmd(root *rootOptions) *cobra.Command {
	var limit int
	var repository string
	var format string

	cmd := &cobra.Command{
		Use:   "recommend <file-path>",
		Short: "Recommend blocks similar to a file",
		Long: `Suggest indexed blocks similar to the contents of a file, seeded by
the file's first blocks. The file itself is never recommended. Useful
for finding related code across repositories.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, storage, embedder, cleanup, err := openEnv(root)
			if err != nil {
				return err
			}
			defer cleanup()

			searcher := search.New(storage, embedder, log)
			results, err := searcher.GetRecommendations(cmd.Context(), args[0], limit, repository)
			if err != nil {
				return err
			}
			return printResults(cmd.OutOrStdout(), results, format)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", search.DefaultTopK, "Maximum number of recommendations")
	cmd.Flags().StringVarP(&repository, "repository", "r", "", "Seed only from blocks of this repository")
	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")

	return cmd
}
