package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newResumeCmd() *cobra.Command {
	var verbose bool

	cmd := &cobra.Command{
		Use:   "resume <taskId>",
		Short: "Reconstruct a task's remaining work from the store and run it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg, verbose, nil)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			res, err := a.orch.Resume(ctx, args[0])
			if err != nil {
				return err
			}
			return printOutcome(cmd, res)
		},
	}
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}
