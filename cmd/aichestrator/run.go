package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/aichestrator/internal/errs"
	"github.com/basket/aichestrator/internal/journal"
	"github.com/basket/aichestrator/internal/orchestrator"
	"github.com/basket/aichestrator/internal/store"
)

func newRunCmd() *cobra.Command {
	var (
		project      string
		taskType     string
		maxWorkers   int
		strategy     string
		timeout      time.Duration
		allowInstall bool
		verbose      bool
	)

	cmd := &cobra.Command{
		Use:   "run <description | @file.md>",
		Short: "Decompose and execute a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			description, err := resolveDescription(args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if maxWorkers > 0 {
				cfg.MaxWorkers = maxWorkers
			}
			if strategy != "" {
				cfg.DecompositionStrategy = strategy
			}
			if allowInstall {
				cfg.AllowInstall = true
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			projectPath, err := filepath.Abs(project)
			if err != nil {
				return fmt.Errorf("resolve project path: %w", err)
			}

			runLog, err := journal.OpenRunLog(projectPath)
			if err != nil {
				slog.Warn("run log unavailable", "error", err)
				setupLogging(cfg, verbose, nil)
			} else {
				defer runLog.Close()
				setupLogging(cfg, verbose, runLog)
			}
			slog.Info("starting run", "config", cfg.String(), "project", projectPath)

			ctx, stop := signalContext(cmd.Context())
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close(context.Background())

			input := orchestrator.TaskInput{
				Description: description,
				ProjectPath: projectPath,
				Type:        store.TaskType(taskType),
				MaxAgents:   cfg.MaxWorkers,
				Timeout:     timeout,
			}
			res, err := a.orch.Run(ctx, input)
			if err != nil {
				return err
			}
			return printOutcome(cmd, res)
		},
	}

	cmd.Flags().StringVar(&project, "project", ".", "project directory the agents work on")
	cmd.Flags().StringVar(&taskType, "type", "feature", "task type (feature, bugfix, refactor, research)")
	cmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "worker process count (1-10, default from config)")
	cmd.Flags().StringVar(&strategy, "strategy", "", "decomposition strategy (parallel, hierarchical, auto)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "per-task timeout (default from config)")
	cmd.Flags().BoolVar(&allowInstall, "allow-install", false, "permit workers to run package installs")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	return cmd
}

// resolveDescription loads @file.md arguments from disk.
func resolveDescription(arg string) (string, error) {
	if !strings.HasPrefix(arg, "@") {
		return arg, nil
	}
	data, err := os.ReadFile(strings.TrimPrefix(arg, "@"))
	if err != nil {
		return "", fmt.Errorf("read task file: %w", err)
	}
	text := strings.TrimSpace(string(data))
	if text == "" {
		return "", errs.Validation("description", nil, "task file is empty")
	}
	return text, nil
}

// signalContext cancels on the first INT/TERM and hard-exits on the second.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		if parent.Err() != nil {
			return
		}
		second := make(chan os.Signal, 1)
		signal.Notify(second, os.Interrupt, syscall.SIGTERM)
		select {
		case <-second:
			fmt.Fprintln(os.Stderr, "forced exit")
			os.Exit(130)
		case <-time.After(time.Minute):
		}
	}()
	return ctx, stop
}

// printOutcome renders the result and maps the status onto the exit code.
func printOutcome(cmd *cobra.Command, res *orchestrator.TaskResult) error {
	fmt.Fprintf(cmd.OutOrStdout(), "task %s: %s\n\n", res.TaskID, res.Status)
	if res.Summary != "" {
		fmt.Fprintln(cmd.OutOrStdout(), res.Summary)
	}
	if res.Status != store.TaskCompleted {
		if res.Error != "" {
			return fmt.Errorf("task %s: %s", res.Status, res.Error)
		}
		return fmt.Errorf("task %s", res.Status)
	}
	return nil
}
