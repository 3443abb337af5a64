package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/basket/aichestrator/internal/workerproc"
)

// newWorkerCmd is the hidden entry point the pool re-execs for each worker
// process. Configuration arrives via environment; stdio carries the IPC
// stream, so logging goes to stderr only.
func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:    "worker",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

			// The pool drives shutdown over IPC; signals are a fallback for
			// orphaned workers.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return workerproc.Main(ctx)
		},
	}
}
