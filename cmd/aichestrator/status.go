package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/basket/aichestrator/internal/store"
)

func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status <taskId>",
		Short: "Show a task's state and its subtasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
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
			task, err := st.GetTask(ctx, args[0])
			if err != nil {
				return err
			}
			subs, err := st.GetSubtasksForTask(ctx, task.ID)
			if err != nil {
				return err
			}
			results, err := st.GetResults(ctx, task.ID)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"task":     task,
					"subtasks": subs,
					"results":  results,
				})
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "task %s [%s] %s\n", task.ID, task.Type, task.Status)
			if task.Error != "" {
				fmt.Fprintf(out, "  error: %s\n", task.Error)
			}
			fmt.Fprintf(out, "  project: %s\n", task.ProjectPath)
			fmt.Fprintf(out, "  subtasks (%d):\n", len(subs))
			for _, sub := range subs {
				marker := " "
				switch sub.Status {
				case store.SubtaskCompleted:
					marker = "✓"
				case store.SubtaskFailed:
					marker = "✗"
				case store.SubtaskExecuting:
					marker = "▸"
				}
				fmt.Fprintf(out, "  %s [%s] %s (%s, attempts %d/%d)\n",
					marker, sub.AgentType, sub.Description, sub.Status, sub.Attempts, sub.MaxAttempts)
			}
			fmt.Fprintf(out, "  results stored: %d\n", len(results))
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "machine-readable output")
	return cmd
}
