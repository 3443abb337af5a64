// Package orchestrator is the top-level state machine: it owns the task
// lifecycle (decomposing → executing → aggregating → terminal), drives the
// dependency-batch scheduler, applies remediation decisions, and assembles
// the final result.
package orchestrator

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/aichestrator/internal/aggregate"
	"github.com/basket/aichestrator/internal/bus"
	"github.com/basket/aichestrator/internal/config"
	"github.com/basket/aichestrator/internal/decompose"
	"github.com/basket/aichestrator/internal/errs"
	"github.com/basket/aichestrator/internal/health"
	"github.com/basket/aichestrator/internal/pool"
	"github.com/basket/aichestrator/internal/remedy"
	"github.com/basket/aichestrator/internal/shared"
	"github.com/basket/aichestrator/internal/store"
)

// interBatchDelay is the cooperative yield between scheduling batches.
const interBatchDelay = 500 * time.Millisecond

// Executor is the slice of the worker pool the scheduler needs.
type Executor interface {
	ExecuteAll(ctx context.Context, subtasks []*store.Subtask, taskID string) []*store.SubtaskResult
	GetStats() pool.Stats
	Shutdown()
}

// Planner is the slice of the decomposer the orchestrator needs.
type Planner interface {
	Decompose(ctx context.Context, task *store.Task, strategy string) ([]decompose.Result, error)
	Resume(ctx context.Context, task *store.Task, rc decompose.ResumeContext) ([]decompose.Result, error)
}

// Remediator classifies a failed subtask.
type Remediator interface {
	Decide(ctx context.Context, f remedy.Failure) remedy.Decision
}

// TaskInput is the programmatic entry payload.
type TaskInput struct {
	Description string
	ProjectPath string
	Type        store.TaskType
	MaxAgents   int
	Timeout     time.Duration
}

// validate normalizes and checks a TaskInput against the config defaults.
func (in *TaskInput) validate(cfg config.Config) error {
	if strings.TrimSpace(in.Description) == "" {
		return errs.Validation("description", nil, "task description is empty")
	}
	if strings.TrimSpace(in.ProjectPath) == "" {
		return errs.Validation("project_path", nil, "project path is empty")
	}
	if in.Type == "" {
		in.Type = store.TaskFeature
	}
	switch in.Type {
	case store.TaskFeature, store.TaskBugfix, store.TaskRefactor, store.TaskResearch:
	default:
		return errs.Validation("type", nil, "unknown task type %q", in.Type)
	}
	if in.MaxAgents == 0 {
		in.MaxAgents = cfg.MaxWorkers
	}
	if in.MaxAgents < 1 || in.MaxAgents > 10 {
		return errs.Validation("max_agents", nil, "max agents %d out of range [1,10]", in.MaxAgents)
	}
	if in.Timeout == 0 {
		in.Timeout = cfg.DefaultTimeout
	}
	if in.Timeout < time.Second {
		return errs.Validation("timeout", nil, "timeout %s below 1s", in.Timeout)
	}
	return nil
}

// TaskResult is what Run and Resume hand back to the caller.
type TaskResult struct {
	TaskID         string                 `json:"task_id"`
	Status         store.TaskStatus       `json:"status"`
	Error          string                 `json:"error,omitempty"`
	Report         *aggregate.Report      `json:"report,omitempty"`
	SubtaskResults []*store.SubtaskResult `json:"subtask_results"`
	Summary        string                 `json:"summary,omitempty"`
	MergedOutput   string                 `json:"merged_output,omitempty"`
}

// Orchestrator coordinates one worker pool, one store, and one event bus.
type Orchestrator struct {
	cfg     config.Config
	st      store.Store
	bus     *bus.Bus
	planner Planner
	exec    Executor
	rem     Remediator
	monitor *health.Monitor
	tracer  trace.Tracer

	batchDelay    time.Duration
	monitorCancel context.CancelFunc
	initialized   bool
}

// Option tweaks orchestrator construction.
type Option func(*Orchestrator)

// WithTracer installs an OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithBatchDelay overrides the inter-batch cooperative yield (tests).
func WithBatchDelay(d time.Duration) Option {
	return func(o *Orchestrator) { o.batchDelay = d }
}

// New wires an Orchestrator from its collaborators.
func New(cfg config.Config, st store.Store, b *bus.Bus, planner Planner, exec Executor,
	rem Remediator, monitor *health.Monitor, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:        cfg,
		st:         st,
		bus:        b,
		planner:    planner,
		exec:       exec,
		rem:        rem,
		monitor:    monitor,
		tracer:     nooptrace.NewTracerProvider().Tracer("aichestrator"),
		batchDelay: interBatchDelay,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Initialize verifies the store, starts the event bridge and the health
// monitor. Idempotent.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	if o.initialized {
		return nil
	}
	if err := o.st.Ping(ctx); err != nil {
		return errs.Store("unreachable", err, "store ping failed")
	}
	if err := o.bus.StartBridge(ctx); err != nil {
		return errs.Store("subscribe", err, "event bridge start failed")
	}
	if o.monitor != nil {
		monCtx, cancel := context.WithCancel(context.Background())
		o.monitorCancel = cancel
		go o.monitor.Start(monCtx)
	}
	o.initialized = true
	return nil
}

// Run executes a task end to end and always returns a TaskResult; the error
// is non-nil only for input validation and for store failures while creating
// the task record or its shared context.
func (o *Orchestrator) Run(ctx context.Context, input TaskInput) (*TaskResult, error) {
	if err := input.validate(o.cfg); err != nil {
		return nil, err
	}

	runID := shared.NewRunID()
	ctx = shared.WithRunID(ctx, runID)
	ctx, span := o.tracer.Start(ctx, "orchestrator.run")
	defer span.End()

	now := time.Now()
	task := &store.Task{
		ID:          shared.NewID(),
		Description: input.Description,
		ProjectPath: input.ProjectPath,
		Type:        input.Type,
		Status:      store.TaskPending,
		Constraints: store.Constraints{MaxAgents: input.MaxAgents, Timeout: input.Timeout},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := o.st.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	if err := o.st.InitContext(ctx, task.ID, task.ProjectPath); err != nil {
		return nil, err
	}
	ctx = shared.WithTaskID(ctx, task.ID)
	o.bus.Emit(bus.Event{Type: bus.TaskCreated, TaskID: task.ID})
	slog.Info("task created", "task_id", task.ID, "run_id", runID, "type", task.Type)

	// Decompose.
	if _, err := o.st.UpdateTaskStatus(ctx, task.ID, store.TaskDecomposing, ""); err != nil {
		return o.failTask(ctx, task.ID, err), nil
	}
	o.bus.Emit(bus.Event{Type: bus.TaskStarted, TaskID: task.ID})

	decomposeCtx, span2 := o.tracer.Start(ctx, "orchestrator.decompose")
	plan, err := o.planner.Decompose(decomposeCtx, task, o.cfg.DecompositionStrategy)
	span2.End()
	if err != nil {
		return o.failTask(ctx, task.ID, err), nil
	}
	if len(plan) == 0 {
		return o.failTask(ctx, task.ID, errs.Task("no_subtasks", nil, "decomposition produced no subtasks")), nil
	}

	subtasks, err := o.materializePlan(ctx, task.ID, plan)
	if err != nil {
		return o.failTask(ctx, task.ID, err), nil
	}
	slog.Info("task decomposed", "task_id", task.ID, "subtasks", len(subtasks))

	// Execute.
	if _, err := o.st.UpdateTaskStatus(ctx, task.ID, store.TaskExecuting, ""); err != nil {
		return o.failTask(ctx, task.ID, err), nil
	}
	loopErr := o.schedule(ctx, task, subtasks, nil)
	if ctx.Err() != nil {
		_, _ = o.st.UpdateTaskStatus(context.Background(), task.ID, store.TaskCancelled, "cancelled")
		o.bus.Emit(bus.Event{Type: bus.TaskCancelled, TaskID: task.ID})
		return o.buildResult(context.Background(), task.ID, store.TaskCancelled, "cancelled"), nil
	}

	return o.finish(ctx, task.ID, loopErr), nil
}

// materializePlan turns validated plan items into stored Subtask records,
// remapping index dependencies onto the generated ids.
func (o *Orchestrator) materializePlan(ctx context.Context, taskID string, plan []decompose.Result) ([]*store.Subtask, error) {
	ids := make([]string, len(plan))
	for i := range plan {
		ids[i] = shared.NewID()
	}
	now := time.Now()
	subtasks := make([]*store.Subtask, 0, len(plan))
	for i, item := range plan {
		deps := make([]string, 0, len(item.Dependencies))
		for _, dep := range item.Dependencies {
			deps = append(deps, ids[dep])
		}
		sub := &store.Subtask{
			ID:           ids[i],
			ParentTaskID: taskID,
			Description:  item.Description,
			AgentType:    store.NormalizeAgentType(item.AgentType),
			Dependencies: deps,
			Status:       store.SubtaskPending,
			MaxAttempts:  o.cfg.MaxAttempts(),
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := o.st.CreateSubtask(ctx, sub); err != nil {
			return nil, err
		}
		o.bus.Emit(bus.Event{Type: bus.SubtaskCreated, TaskID: taskID, SubtaskID: sub.ID})
		subtasks = append(subtasks, sub)
	}
	return subtasks, nil
}

// finish aggregates and settles the terminal status. loopErr, if any, is a
// fatal scheduling error (unsatisfiable graph, critical store write).
func (o *Orchestrator) finish(ctx context.Context, taskID string, loopErr error) *TaskResult {
	if _, err := o.st.UpdateTaskStatus(ctx, taskID, store.TaskAggregating, ""); err != nil {
		return o.failTask(ctx, taskID, err)
	}

	report, err := aggregate.Aggregate(ctx, o.st, taskID)
	if err != nil {
		return o.failTask(ctx, taskID, err)
	}

	status := store.TaskCompleted
	errMsg := ""
	switch {
	case loopErr != nil:
		status = store.TaskFailed
		errMsg = loopErr.Error()
	case report.Summary.Failed > 0:
		// A task with any terminal failure is itself failed. Skipped
		// subtasks carry synthesized successes and do not count here.
		status = store.TaskFailed
		errMsg = "one or more subtasks failed"
	}

	if _, err := o.st.UpdateTaskStatus(ctx, taskID, status, errMsg); err != nil {
		slog.Error("terminal status write failed", "task_id", taskID, "error", err)
	}
	eventType := bus.TaskCompleted
	if status != store.TaskCompleted {
		eventType = bus.TaskFailed
	}
	o.bus.Emit(bus.Event{Type: eventType, TaskID: taskID})
	slog.Info("task finished", "task_id", taskID, "status", status,
		"successful", report.Summary.Successful, "failed", report.Summary.Failed)

	res := o.buildResult(ctx, taskID, status, errMsg)
	res.Report = report
	res.Summary = report.RenderSummary()
	res.MergedOutput = report.MergeOutputs()
	return res
}

// failTask settles a task as failed before or outside execution and
// produces the result envelope.
func (o *Orchestrator) failTask(ctx context.Context, taskID string, cause error) *TaskResult {
	slog.Error("task failed", "task_id", taskID, "error", cause)
	if _, err := o.st.UpdateTaskStatus(ctx, taskID, store.TaskFailed, cause.Error()); err != nil {
		slog.Error("failure status write failed", "task_id", taskID, "error", err)
	}
	o.bus.Emit(bus.Event{Type: bus.TaskFailed, TaskID: taskID})
	return &TaskResult{
		TaskID:         taskID,
		Status:         store.TaskFailed,
		Error:          cause.Error(),
		SubtaskResults: []*store.SubtaskResult{},
	}
}

// buildResult assembles the result envelope from stored state.
func (o *Orchestrator) buildResult(ctx context.Context, taskID string, status store.TaskStatus, errMsg string) *TaskResult {
	res := &TaskResult{
		TaskID:         taskID,
		Status:         status,
		Error:          errMsg,
		SubtaskResults: []*store.SubtaskResult{},
	}
	if results, err := o.st.GetResults(ctx, taskID); err == nil {
		if subs, err := o.st.GetSubtasksForTask(ctx, taskID); err == nil {
			for _, sub := range subs {
				if r, ok := results[sub.ID]; ok {
					res.SubtaskResults = append(res.SubtaskResults, r)
				}
			}
		}
	}
	return res
}

// TaskStatus is the caller-facing status snapshot.
type TaskStatus struct {
	Task     *store.Task      `json:"task"`
	Subtasks []*store.Subtask `json:"subtasks"`
	Results  int              `json:"results"`
}

// GetTaskStatus loads a task with its subtasks.
func (o *Orchestrator) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	task, err := o.st.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	subs, err := o.st.GetSubtasksForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	results, err := o.st.GetResults(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskStatus{Task: task, Subtasks: subs, Results: len(results)}, nil
}

// GetWorkerStats snapshots the pool.
func (o *Orchestrator) GetWorkerStats() pool.Stats {
	return o.exec.GetStats()
}

// GetHealthReport runs a health check and returns the rows.
func (o *Orchestrator) GetHealthReport(ctx context.Context) ([]health.AgentHealth, error) {
	if o.monitor == nil {
		return nil, nil
	}
	return o.monitor.CheckOnce(ctx)
}

// Shutdown releases everything the orchestrator owns: the monitor, the
// pool (which aborts workers), the bus, and the store connection.
func (o *Orchestrator) Shutdown() {
	o.bus.Emit(bus.Event{Type: bus.SystemShutdown})
	if o.monitorCancel != nil {
		o.monitorCancel()
	}
	o.exec.Shutdown()
	o.bus.Close()
	if err := o.st.Close(); err != nil {
		slog.Warn("store close failed", "error", err)
	}
	o.initialized = false
}
