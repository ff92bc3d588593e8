package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newWorkerCommand() *cobra.Command {
	var drain bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the ingestion worker pool",
		Long:  "Run the ingestion worker pool until interrupted, or with --drain process every queued job once and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := load(cmd)
			if err != nil {
				return err
			}
			if drain {
				n, err := a.Pool.Drain(cmd.Context())
				fmt.Fprintf(cmd.OutOrStdout(), "processed %d jobs\n", n)
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := a.Pool.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&drain, "drain", false, "process queued jobs and exit")

	return cmd
}
