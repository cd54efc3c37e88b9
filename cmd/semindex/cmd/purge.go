package cmd

import (
	"bufio"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func newPurgeCmd(root *rootOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "purge <repository-id>",
		Short: "Remove a repository from the index",
		Long: `Remove every block, vector, and manifest entry for a repository.

Purge keeps going past partial failures and reports what was actually
removed, so a half-purged repository can be purged again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repositoryID := args[0]
			out := cmd.OutOrStdout()

			if !force {
				fmt.Fprintf(out, "Purge repository %s? [y/N] ", repositoryID)
				reader := bufio.NewReader(cmd.InOrStdin())
				answer, _ := reader.ReadString('\n')
				if answer = strings.ToLower(strings.TrimSpace(answer)); answer != "y" && answer != "yes" {
					fmt.Fprintln(out, "Aborted.")
					return nil
				}
			}

			_, _, storage, _, cleanup, err := openEnv(root)
			if err != nil {
				return err
			}
			defer cleanup()

			summary, err := storage.PurgeRepository(cmd.Context(), repositoryID)
			fmt.Fprintf(out, "Removed %d blocks, %d vectors", summary.DeletedBlocks, summary.DeletedVectors)
			if summary.DeletedManifest {
				fmt.Fprint(out, ", manifest entry")
			}
			fmt.Fprintln(out)
			return err
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Skip the confirmation prompt")
	return cmd
}
