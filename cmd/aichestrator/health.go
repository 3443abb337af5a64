package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/aichestrator/internal/health"
)

func newHealthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run one health check over the agent registry",
		Long: `Grades every registered agent against its heartbeat presence key.
Dead agents are reaped and their in-flight subtasks made schedulable again,
exactly as the background monitor would.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			setupLogging(cfg, false, nil)
			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer st.Close()

			monitor := health.New(st, nil, cfg.HeartbeatInterval, 0)
			report, err := monitor.CheckOnce(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(report) == 0 {
				fmt.Fprintln(out, "no agents registered")
				return nil
			}
			for _, row := range report {
				fmt.Fprintf(out, "%s [%s] %s", row.AgentID, row.Type, row.Grade)
				if row.Missed > 0 {
					fmt.Fprintf(out, " (missed %d intervals)", row.Missed)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
}
