// Package workerproc is the worker child process runtime: it registers
// itself as an agent, heartbeats, executes subtasks it receives over IPC,
// shares discoveries, and reports results. Errors during execution become
// failure results; nothing thrown crosses the IPC boundary.
package workerproc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/basket/aichestrator/internal/errs"
	"github.com/basket/aichestrator/internal/ipc"
	"github.com/basket/aichestrator/internal/journal"
	"github.com/basket/aichestrator/internal/llm"
	"github.com/basket/aichestrator/internal/shared"
	"github.com/basket/aichestrator/internal/store"
)

// Config reaches the worker through its environment; see FromEnv.
type Config struct {
	WorkerID          string
	RedisURL          string
	APIKey            string
	Model             string
	HeartbeatInterval time.Duration
	WorkerTimeout     time.Duration
	AllowInstall      bool
}

// FromEnv reads the configuration the pool passed when spawning.
func FromEnv() (Config, error) {
	cfg := Config{
		WorkerID:          os.Getenv("AICHESTRATOR_WORKER_ID"),
		RedisURL:          os.Getenv("REDIS_URL"),
		APIKey:            os.Getenv("ANTHROPIC_API_KEY"),
		Model:             os.Getenv("AICHESTRATOR_MODEL"),
		HeartbeatInterval: 5 * time.Second,
		WorkerTimeout:     10 * time.Minute,
	}
	if cfg.WorkerID == "" {
		return cfg, errs.Agent("config", nil, "AICHESTRATOR_WORKER_ID is not set")
	}
	if v := os.Getenv("AICHESTRATOR_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = d
		}
	}
	if v := os.Getenv("AICHESTRATOR_WORKER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.WorkerTimeout = d
		}
	}
	if v := os.Getenv("ALLOW_INSTALL"); v != "" {
		cfg.AllowInstall = v == "1" || strings.EqualFold(v, "true")
	}
	return cfg, nil
}

// Worker is one running worker process.
type Worker struct {
	cfg    Config
	st     store.Store
	client llm.Client
	enc    *ipc.Encoder
	dec    *ipc.Decoder

	mu            sync.Mutex
	busy          bool
	currentCancel context.CancelFunc
	aborted       bool
}

// New wires a worker over explicit dependencies. Production workers are
// built by Main; tests inject a MemoryStore and a stub client.
func New(cfg Config, st store.Store, client llm.Client, in io.Reader, out io.Writer) *Worker {
	return &Worker{
		cfg:    cfg,
		st:     st,
		client: client,
		enc:    ipc.NewEncoder(out),
		dec:    ipc.NewDecoder(in),
	}
}

// Main is the entry point of the worker subcommand: it connects to the
// store, builds the LLM client, and runs the IPC loop over stdio.
func Main(ctx context.Context) error {
	cfg, err := FromEnv()
	if err != nil {
		return err
	}
	st, err := store.NewRedis(cfg.RedisURL, 3*cfg.HeartbeatInterval)
	if err != nil {
		return fmt.Errorf("worker store: %w", err)
	}
	defer st.Close()
	client := llm.NewAnthropic(cfg.APIKey, cfg.Model)
	w := New(cfg, st, client, os.Stdin, os.Stdout)
	return w.Run(ctx)
}

// Run registers the agent, heartbeats, and serves the IPC loop until
// shutdown, abort-exit, or parent death (stdin EOF).
func (w *Worker) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entry := &store.AgentEntry{
		ID:            w.cfg.WorkerID,
		Type:          store.AgentImplementer,
		PID:           os.Getpid(),
		Status:        store.AgentIdle,
		LastHeartbeat: time.Now().UnixMilli(),
	}
	if err := w.st.RegisterAgent(ctx, entry); err != nil {
		return fmt.Errorf("register agent: %w", err)
	}
	if err := w.st.UpdateHeartbeat(ctx, w.cfg.WorkerID); err != nil {
		slog.Warn("initial heartbeat failed", "error", err)
	}
	defer func() {
		// Graceful exit removes the registration; crashes leave it for the
		// health monitor to reap.
		_ = w.st.RemoveAgent(context.Background(), w.cfg.WorkerID)
	}()

	go w.heartbeatLoop(ctx)

	if err := w.enc.Encode(ipc.Message{Type: ipc.MsgReady, AgentID: w.cfg.WorkerID}); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	for {
		msg, err := w.dec.Decode()
		if errors.Is(err, io.EOF) {
			slog.Info("parent closed stdin, exiting", "worker_id", w.cfg.WorkerID)
			return nil
		}
		if err != nil {
			return fmt.Errorf("worker ipc: %w", err)
		}

		switch msg.Type {
		case ipc.MsgExecute:
			if msg.Subtask == nil {
				w.sendError("", "execute without subtask")
				continue
			}
			// Execution runs off the read loop so abort stays deliverable.
			w.mu.Lock()
			if w.busy {
				w.mu.Unlock()
				w.sendError(msg.Subtask.ID, "worker already executing a subtask")
				continue
			}
			w.busy = true
			w.mu.Unlock()
			go w.handleExecute(ctx, msg.TaskID, msg.Subtask)
		case ipc.MsgAbort:
			w.mu.Lock()
			w.aborted = true
			if w.currentCancel != nil {
				w.currentCancel()
			}
			w.mu.Unlock()
			// Cooperative abort: flush the in-flight error result, then exit
			// so the pool replaces this process instead of escalating to a
			// kill.
			w.awaitIdle(2 * time.Second)
			slog.Info("worker exiting after abort", "worker_id", w.cfg.WorkerID)
			return nil
		case ipc.MsgShutdown:
			slog.Info("worker shutting down", "worker_id", w.cfg.WorkerID)
			return nil
		default:
			slog.Warn("unexpected ipc message", "type", msg.Type)
		}
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.st.UpdateHeartbeat(ctx, w.cfg.WorkerID); err != nil {
				slog.Warn("heartbeat store write failed", "error", err)
			}
			_ = w.enc.Encode(ipc.Message{Type: ipc.MsgHeartbeat, AgentID: w.cfg.WorkerID})
		}
	}
}

// handleExecute runs one subtask to a result message. The subtask status
// moves assigned → executing here (the worker's phase of the single-writer
// convention); terminal transitions belong to the orchestrator.
func (w *Worker) handleExecute(ctx context.Context, taskID string, sub *store.Subtask) {
	agentID := w.cfg.WorkerID
	ctx = shared.WithTaskID(shared.WithAgentID(ctx, agentID), taskID)

	execCtx, cancel := context.WithTimeout(ctx, w.cfg.WorkerTimeout)
	w.mu.Lock()
	w.currentCancel = cancel
	w.aborted = false
	w.mu.Unlock()
	defer func() {
		cancel()
		w.mu.Lock()
		w.currentCancel = nil
		w.busy = false
		w.mu.Unlock()
	}()

	_ = w.st.UpdateAgentStatus(ctx, agentID, store.AgentBusy, sub.ID)
	aid := agentID
	if _, err := w.st.UpdateSubtaskStatus(ctx, sub.ID, store.SubtaskAssigned, store.SubtaskUpdate{AssignedAgentID: &aid}); err != nil {
		slog.Warn("assigned transition failed", "subtask_id", sub.ID, "error", err)
	}
	if _, err := w.st.UpdateSubtaskStatus(ctx, sub.ID, store.SubtaskExecuting, store.SubtaskUpdate{}); err != nil {
		slog.Warn("executing transition failed", "subtask_id", sub.ID, "error", err)
	}

	var jrnl *journal.Journal
	projectPath := ""
	if task, err := w.st.GetTask(ctx, taskID); err == nil {
		projectPath = task.ProjectPath
		jrnl = journal.New(projectPath)
		jrnl.Status(agentID, sub.ID, "started", string(sub.AgentType))
	}

	start := time.Now()
	output, err := w.execute(execCtx, sub, taskID, projectPath, jrnl)
	elapsed := time.Since(start).Milliseconds()

	result := &store.SubtaskResult{SubtaskID: sub.ID, ExecutionMs: elapsed}
	switch {
	case err == nil:
		result.Success = true
		result.Output = output
	case execCtx.Err() != nil:
		w.mu.Lock()
		aborted := w.aborted
		w.mu.Unlock()
		if aborted {
			result.Error = "aborted by orchestrator"
		} else {
			result.Error = errs.Timeout("worker_execute", execCtx.Err(),
				"subtask exceeded %s", w.cfg.WorkerTimeout).Error()
		}
	default:
		result.Error = err.Error()
	}

	if jrnl != nil {
		phase := "completed"
		detail := fmt.Sprintf("in %dms", elapsed)
		if !result.Success {
			phase = "failed"
			detail = result.Error
		}
		jrnl.Status(agentID, sub.ID, phase, detail)
	}

	_ = w.st.RecordAgentResult(ctx, agentID, result.Success, elapsed)
	_ = w.st.UpdateAgentStatus(ctx, agentID, store.AgentIdle, "")
	_ = w.enc.Encode(ipc.Message{Type: ipc.MsgResult, Result: result})
}

// execute runs the role prompt against the LLM and harvests discovery
// markers from the reply.
func (w *Worker) execute(ctx context.Context, sub *store.Subtask, taskID, projectPath string, jrnl *journal.Journal) (string, error) {
	prompt := w.buildPrompt(ctx, sub, taskID, projectPath)
	_ = w.enc.Encode(ipc.Message{Type: ipc.MsgProgress, SubtaskID: sub.ID, Data: "executing"})

	output, err := w.client.Complete(ctx, llm.Request{
		System: rolePrompt(sub.AgentType),
		Prompt: prompt,
	})
	if err != nil {
		return "", err
	}

	w.shareDiscoveries(ctx, taskID, sub.ID, output, jrnl)
	return output, nil
}

// buildPrompt combines the subtask with the task description and recent
// shared discoveries.
func (w *Worker) buildPrompt(ctx context.Context, sub *store.Subtask, taskID, projectPath string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Project path: %s\n", projectPath)
	if task, err := w.st.GetTask(ctx, taskID); err == nil {
		fmt.Fprintf(&sb, "Overall task: %s\n", task.Description)
	}
	fmt.Fprintf(&sb, "\nYour subtask:\n%s\n", sub.Description)
	if !w.cfg.AllowInstall {
		sb.WriteString("\nPackage installation and privileged commands are not permitted for this run.\n")
	}

	if sc, err := w.st.GetContext(ctx, taskID); err == nil && len(sc.Discoveries) > 0 {
		sb.WriteString("\nShared discoveries from teammates:\n")
		entries := sc.Discoveries
		// Only the most recent entries; the notebook grows for the task's
		// whole life.
		if len(entries) > 20 {
			entries = entries[len(entries)-20:]
		}
		for _, e := range entries {
			fmt.Fprintf(&sb, "- [%s] %s\n", e.Type, e.Data)
		}
	}
	return sb.String()
}

// shareDiscoveries appends INSIGHT/FILE marker lines to the shared context,
// the knowledge journal, and the IPC discovery stream.
func (w *Worker) shareDiscoveries(ctx context.Context, taskID, subtaskID, output string, jrnl *journal.Journal) {
	agentID := w.cfg.WorkerID
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		var typ store.ContextType
		var data string
		switch {
		case strings.HasPrefix(line, "INSIGHT:"):
			typ, data = store.ContextInsight, strings.TrimSpace(strings.TrimPrefix(line, "INSIGHT:"))
		case strings.HasPrefix(line, "FILE:"):
			typ, data = store.ContextFile, strings.TrimSpace(strings.TrimPrefix(line, "FILE:"))
		default:
			continue
		}
		if data == "" {
			continue
		}
		entry := store.ContextEntry{AgentID: agentID, Type: typ, Data: data}
		if err := w.st.AppendContext(ctx, taskID, entry); err != nil {
			slog.Warn("context append failed", "error", err)
		}
		if jrnl != nil {
			jrnl.Knowledge(agentID, string(typ), data)
		}
		_ = w.enc.Encode(ipc.Message{Type: ipc.MsgDiscovery, TaskID: taskID, SubtaskID: subtaskID,
			DiscoveryType: typ, Data: data})
	}
}

// awaitIdle waits until the in-flight execution has flushed its result, or
// the deadline passes.
func (w *Worker) awaitIdle(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		w.mu.Lock()
		busy := w.busy
		w.mu.Unlock()
		if !busy {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (w *Worker) sendError(subtaskID, message string) {
	_ = w.enc.Encode(ipc.Message{Type: ipc.MsgError, SubtaskID: subtaskID, Error: message})
}
