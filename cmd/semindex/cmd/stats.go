package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/semindex/semindex/internal/config"
)

func newStatsCmd(root *rootOptions) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show index statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, _, storage, _, cleanup, err := openEnv(root)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := storage.Stats(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if format == "json" {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}

			fmt.Fprintf(out, "Base path:      %s\n", stats.BasePath)
			fmt.Fprintf(out, "Vector backend: %s\n", stats.VectorBackend)
			fmt.Fprintf(out, "Repositories:   %d\n", stats.Repositories)
			fmt.Fprintf(out, "Blocks:         %d\n", stats.Blocks)
			fmt.Fprintf(out, "Vectors:        %d\n", stats.Vectors)
			if stats.Dimension > 0 {
				fmt.Fprintf(out, "Dimension:      %d\n", stats.Dimension)
			}
			fmt.Fprintf(out, "Searches:       %d\n", stats.Searches)
			return nil
		},
	}

	cmd.Flags().StringVarP(&format, "format", "f", "text", "Output format: text, json")
	return cmd
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default " + config.FileName + " to the current directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.New()
			if err := cfg.WriteYAML(config.FileName); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", config.FileName)
			return nil
		},
	}
}
