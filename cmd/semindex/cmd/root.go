// Package cmd provides the CLI commands for semindex.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/semindex/semindex/internal/config"
	"github.com/semindex/semindex/internal/embed"
	"github.com/semindex/semindex/internal/logging"
	"github.com/semindex/semindex/internal/store"
	"github.com/semindex/semindex/pkg/version"
)

// rootOptions are the persistent flags shared by every subcommand.
type rootOptions struct {
	basePath      string
	vectorBackend string
	logLevel      string
	jsonLogs      bool
}

// NewRootCmd creates the root command for the semindex CLI.
func NewRootCmd() *cobra.Command {
	var opts rootOptions

	cmd := &cobra.Command{
		Use:   "semindex",
		Short: "Semantic code index and search",
		Long: `semindex indexes source repositories into searchable code blocks.

It fetches a repository (git, local directory, or archive), splits its
files into function, class, and file blocks with tree-sitter, embeds
them, and serves similarity search over the result.

Configuration is read from .semindex.yaml in the working directory and
SEMINDEX_* environment variables; flags win over both.`,
		Version:       version.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("semindex version {{.Version}}\n")

	cmd.PersistentFlags().StringVar(&opts.basePath, "base-path", "", "Index directory (default from config)")
	cmd.PersistentFlags().StringVar(&opts.vectorBackend, "vector-backend", "", "Vector backend: memory, hnsw, sqlite")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().BoolVar(&opts.jsonLogs, "json-logs", false, "Force JSON log output")

	cmd.AddCommand(newIndexCmd(&opts))
	cmd.AddCommand(newSearchCmd(&opts))
	cmd.AddCommand(newRecommendCmd(&opts))
	cmd.AddCommand(newReposCmd(&opts))
	cmd.AddCommand(newPurgeCmd(&opts))
	cmd.AddCommand(newStatsCmd(&opts))
	cmd.AddCommand(newHistoryCmd(&opts))
	cmd.AddCommand(newInitCmd())

	return cmd
}

// Execute runs the CLI with signal-aware cancellation.
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		return err
	}
	return nil
}

// loadConfig builds the effective configuration: file, environment,
// then flags.
func loadConfig(opts *rootOptions) (*config.Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cwd)
	if err != nil {
		return nil, err
	}

	if opts.basePath != "" {
		cfg.Storage.BasePath = opts.basePath
	}
	if opts.vectorBackend != "" {
		cfg.Storage.VectorBackend = opts.vectorBackend
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openEnv loads configuration, installs the logger, and opens storage
// plus the embedder. The returned cleanup closes both.
func openEnv(opts *rootOptions) (*config.Config, *slog.Logger, *store.Storage, embed.Embedder, func(), error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	log := logging.Setup(logging.Config{Level: cfg.LogLevel, ForceJSON: opts.jsonLogs})

	storage, err := store.Open(cfg, log)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	embedder, err := embed.New(cfg, cfg.Storage.BasePath)
	if err != nil {
		storage.Close()
		return nil, nil, nil, nil, nil, err
	}

	cleanup := func() {
		if err := embedder.Close(); err != nil {
			log.Warn("embedder close failed", slog.String("error", err.Error()))
		}
		if err := storage.Close(); err != nil {
			log.Warn("storage close failed", slog.String("error", err.Error()))
		}
	}
	return cfg, log, storage, embedder, cleanup, nil
}
