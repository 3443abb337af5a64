// Command aichestrator coordinates a fleet of LLM worker processes that
// cooperatively execute one software task against a project tree.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/basket/aichestrator/internal/config"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.1-dev"

var configPath string

func main() {
	// A .env next to the invocation is a convenience, not a requirement.
	_ = godotenv.Load()

	root := newRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "aichestrator",
		Short:   "Multi-agent LLM task orchestrator",
		Version: Version,
		Long: `aichestrator decomposes a software task into a dependency graph of
subtasks and executes them across a pool of isolated LLM worker processes,
with heartbeat health monitoring and per-failure remediation.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	root.AddCommand(
		newRunCmd(),
		newResumeCmd(),
		newStatusCmd(),
		newAgentsCmd(),
		newHealthCmd(),
		newPingCmd(),
		newClearCmd(),
		newWorkerCmd(),
	)
	return root
}

// loadConfig builds the effective config for a command.
func loadConfig() (config.Config, error) {
	return config.Load(configPath)
}

// setupLogging configures the process-wide logger. extra, when non-nil, is
// mirrored alongside stderr (the per-run log file).
func setupLogging(cfg config.Config, verbose bool, extra io.Writer) {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	if extra != nil {
		w = io.MultiWriter(os.Stderr, extra)
	}
	opts := &slog.HandlerOptions{Level: level}
	if !isatty.IsTerminal(os.Stderr.Fd()) {
		opts.AddSource = level == slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, opts)))
}
