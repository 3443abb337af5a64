package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newAgentsCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "agents",
		Short: "List registered worker agents",
		Args:  cobra.NoArgs,
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

			ctx := cmd.Context()
			agents, err := st.GetAllAgents(ctx)
			if err != nil {
				return err
			}

			type row struct {
				ID             string `json:"id"`
				Type           string `json:"type"`
				Status         string `json:"status"`
				Alive          bool   `json:"alive"`
				CurrentSubtask string `json:"current_subtask,omitempty"`
				LastHeartbeat  string `json:"last_heartbeat"`
				Completed      int    `json:"tasks_completed"`
				Failed         int    `json:"tasks_failed"`
				AvgMs          int64  `json:"avg_execution_ms"`
			}
			rows := make([]row, 0, len(agents))
			for _, a := range agents {
				alive, _ := st.IsAgentAlive(ctx, a.ID)
				rows = append(rows, row{
					ID:             a.ID,
					Type:           string(a.Type),
					Status:         string(a.Status),
					Alive:          alive,
					CurrentSubtask: a.CurrentSubtaskID,
					LastHeartbeat:  time.UnixMilli(a.LastHeartbeat).Format(time.RFC3339),
					Completed:      a.Metrics.TasksCompleted,
					Failed:         a.Metrics.TasksFailed,
					AvgMs:          a.Metrics.AvgExecutionMs,
				})
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(rows)
			}

			out := cmd.OutOrStdout()
			if len(rows) == 0 {
				fmt.Fprintln(out, "no agents registered")
				return nil
			}
			for _, r := range rows {
				liveness := "dead"
				if r.Alive {
					liveness = "alive"
				}
				fmt.Fprintf(out, "%s [%s] %s (%s) done=%d failed=%d avg=%dms last=%s\n",
					r.ID, r.Type, r.Status, liveness, r.Completed, r.Failed, r.AvgMs, r.LastHeartbeat)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}
