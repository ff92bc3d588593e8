// Package commands holds the reconctl command tree.
package commands

import (
	"context"
	"log/slog"

	"github.com/spf13/cobra"

	"bank-reconciliation-backend/internal/app"
	"bank-reconciliation-backend/internal/config"
	"bank-reconciliation-backend/internal/repository"
)

// openStore connects to the configured database. Tests swap it for an
// in-memory store.
var openStore = func(ctx context.Context, cfg *config.Config) (repository.Store, error) {
	return app.Open(ctx, cfg)
}

// NewRootCommand creates the root CLI command with all subcommands registered.
func NewRootCommand() *cobra.Command {
	var verbose bool

	rootCmd := &cobra.Command{
		Use:   "reconctl",
		Short: "Bank statement ingestion and reconciliation tooling",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")

	rootCmd.AddCommand(
		newMigrateCommand(),
		newWorkerCommand(),
		newIngestCommand(),
		newMatchCommand(),
		newReportCommand(),
		newFormatsCommand(),
	)

	return rootCmd
}

// load reads the configuration and wires the services.
func load(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	store, err := openStore(cmd.Context(), cfg)
	if err != nil {
		return nil, err
	}
	return app.New(cmd.Context(), cfg, store, slog.Default())
}

