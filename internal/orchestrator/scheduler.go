package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/aichestrator/internal/aggregate"
	"github.com/basket/aichestrator/internal/bus"
	"github.com/basket/aichestrator/internal/decompose"
	"github.com/basket/aichestrator/internal/errs"
	"github.com/basket/aichestrator/internal/remedy"
	"github.com/basket/aichestrator/internal/shared"
	"github.com/basket/aichestrator/internal/store"
)

// workSet is the scheduler's local view of one task's remaining work.
// The store stays the system of record; this is the loop's bookkeeping.
type workSet struct {
	order     []string // stable scheduling order
	pending   map[string]*store.Subtask
	completed map[string]bool
	done      []*store.Subtask // completed records, for remediation prompts
	prior     int              // completed before this run (resume)
}

func newWorkSet(work []*store.Subtask, priorCompleted map[string]bool) *workSet {
	ws := &workSet{
		pending:   make(map[string]*store.Subtask, len(work)),
		completed: make(map[string]bool, len(priorCompleted)),
	}
	for id := range priorCompleted {
		ws.completed[id] = true
		ws.prior++
	}
	for _, sub := range work {
		ws.order = append(ws.order, sub.ID)
		ws.pending[sub.ID] = sub
	}
	return ws
}

func (ws *workSet) add(sub *store.Subtask) {
	ws.order = append(ws.order, sub.ID)
	ws.pending[sub.ID] = sub
}

func (ws *workSet) complete(sub *store.Subtask) {
	ws.completed[sub.ID] = true
	ws.done = append(ws.done, sub)
	delete(ws.pending, sub.ID)
}

func (ws *workSet) total() int { return ws.prior + len(ws.order) }

func (ws *workSet) completedCount() int { return len(ws.completed) }

// nextBatch selects every pending subtask whose dependencies are all
// completed, in scheduling order.
func (ws *workSet) nextBatch() []*store.Subtask {
	var batch []*store.Subtask
	for _, id := range ws.order {
		sub, ok := ws.pending[id]
		if !ok {
			continue
		}
		ready := true
		for _, dep := range sub.Dependencies {
			if !ws.completed[dep] {
				ready = false
				break
			}
		}
		if ready {
			batch = append(batch, sub)
		}
	}
	return batch
}

// schedule drives the batch loop for one task until the work set drains or
// a fatal error stops it. priorCompleted seeds the dependency set on resume.
func (o *Orchestrator) schedule(ctx context.Context, task *store.Task, work []*store.Subtask, priorCompleted map[string]bool) error {
	ws := newWorkSet(work, priorCompleted)

	first := true
	for len(ws.pending) > 0 {
		if !first {
			// Cooperative yield between batches to avoid store and event
			// storms.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.batchDelay):
			}
		}
		first = false
		if ctx.Err() != nil {
			return ctx.Err()
		}

		batch := ws.nextBatch()
		if len(batch) == 0 {
			return errs.Task("unsatisfiable", nil,
				"dependency graph unsatisfiable: %d subtasks can never run", len(ws.pending))
		}

		batchCtx, span := o.tracer.Start(ctx, "orchestrator.batch")
		for _, sub := range batch {
			if _, err := o.st.UpdateSubtaskStatus(batchCtx, sub.ID, store.SubtaskQueued, store.SubtaskUpdate{}); err != nil {
				span.End()
				return err
			}
		}
		slog.Info("dispatching batch", "task_id", task.ID, "size", len(batch), "run_id", shared.RunID(ctx))

		results := o.exec.ExecuteAll(batchCtx, batch, task.ID)
		span.End()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		for i, sub := range batch {
			res := results[i]
			if res == nil {
				res = &store.SubtaskResult{SubtaskID: sub.ID, Success: false, Error: "worker returned no result"}
			}
			if err := o.settleOutcome(ctx, task, ws, sub, res); err != nil {
				return err
			}
		}

		o.bus.Emit(bus.Event{Type: bus.TaskProgress, TaskID: task.ID, Data: map[string]string{
			"completed": fmt.Sprintf("%d", ws.completedCount()),
			"total":     fmt.Sprintf("%d", ws.total()),
		}})
	}
	return nil
}

// settleOutcome applies one subtask result: success persists it, failure
// runs the remediation decision. Returned errors are fatal store failures.
func (o *Orchestrator) settleOutcome(ctx context.Context, task *store.Task, ws *workSet, sub *store.Subtask, res *store.SubtaskResult) error {
	if res.Success {
		if err := o.st.StoreResult(ctx, task.ID, res); err != nil {
			return err
		}
		updated, err := o.st.UpdateSubtaskStatus(ctx, sub.ID, store.SubtaskCompleted, store.SubtaskUpdate{})
		if err != nil {
			return err
		}
		ws.complete(updated)
		return nil
	}
	return o.remediate(ctx, task, ws, sub, res)
}

// remediate classifies the failure and mutates the plan accordingly.
func (o *Orchestrator) remediate(ctx context.Context, task *store.Task, ws *workSet, sub *store.Subtask, res *store.SubtaskResult) error {
	// Reload: the worker's executing transition advanced Attempts.
	fresh, err := o.st.GetSubtask(ctx, sub.ID)
	if err != nil {
		return err
	}

	decision := o.rem.Decide(ctx, remedy.Failure{
		Subtask:     fresh,
		Error:       res.Error,
		Attempt:     fresh.Attempts,
		MaxAttempts: fresh.MaxAttempts,
		Completed:   ws.done,
		ProjectPath: task.ProjectPath,
	})
	slog.Info("remediation decision", "task_id", task.ID, "subtask_id", sub.ID,
		"action", decision.Action, "reason", decision.Reason, "attempt", fresh.Attempts)

	switch decision.Action {
	case remedy.ActionRetry:
		if fresh.Attempts >= fresh.MaxAttempts {
			return o.failSubtask(ctx, task, ws, fresh, fmt.Sprintf(
				"%s (attempts exhausted %d/%d)", res.Error, fresh.Attempts, fresh.MaxAttempts))
		}
		upd := store.SubtaskUpdate{Error: res.Error}
		none := ""
		upd.AssignedAgentID = &none
		if decision.ModifiedDescription != "" {
			upd.Description = &decision.ModifiedDescription
		}
		updated, err := o.st.UpdateSubtaskStatus(ctx, fresh.ID, store.SubtaskPending, upd)
		if err != nil {
			return err
		}
		ws.pending[fresh.ID] = updated
		o.bus.Emit(bus.Event{Type: bus.SubtaskRetrying, TaskID: task.ID, SubtaskID: fresh.ID,
			Data: map[string]string{"reason": decision.Reason}})
		return nil

	case remedy.ActionDecompose:
		items := make([]decompose.Result, 0, len(decision.NewSubtasks))
		for _, ns := range decision.NewSubtasks {
			items = append(items, decompose.Result{
				Description:  ns.Description,
				AgentType:    ns.AgentType,
				Dependencies: ns.Dependencies,
			})
		}
		if err := decompose.Validate(items, false); err != nil {
			// A malformed replacement plan must not strand the work.
			slog.Warn("replacement plan invalid, retrying original instead",
				"subtask_id", fresh.ID, "error", err)
			return o.retryOrFail(ctx, task, ws, fresh, res.Error)
		}
		created, err := o.materializePlan(ctx, task.ID, items)
		if err != nil {
			return err
		}
		for _, ns := range created {
			ws.add(ns)
		}
		// The original is satisfied by its replacements: mark it completed
		// with a decomposed marker output.
		marker := &store.SubtaskResult{
			SubtaskID: fresh.ID,
			Success:   true,
			Output:    fmt.Sprintf("decomposed into %d subtasks", len(created)),
		}
		if err := o.st.StoreResult(ctx, task.ID, marker); err != nil {
			return err
		}
		updated, err := o.st.UpdateSubtaskStatus(ctx, fresh.ID, store.SubtaskCompleted, store.SubtaskUpdate{})
		if err != nil {
			return err
		}
		ws.complete(updated)
		return nil

	case remedy.ActionSkip:
		skipped := &store.SubtaskResult{
			SubtaskID: fresh.ID,
			Success:   true,
			Output:    "skipped: " + decision.Reason,
		}
		if err := o.st.StoreResult(ctx, task.ID, skipped); err != nil {
			return err
		}
		updated, err := o.st.UpdateSubtaskStatus(ctx, fresh.ID, store.SubtaskCompleted, store.SubtaskUpdate{})
		if err != nil {
			return err
		}
		ws.complete(updated)
		return nil

	default: // remedy.ActionFail
		return o.failSubtask(ctx, task, ws, fresh, res.Error)
	}
}

// retryOrFail retries when attempts remain, fails terminally otherwise.
func (o *Orchestrator) retryOrFail(ctx context.Context, task *store.Task, ws *workSet, sub *store.Subtask, errMsg string) error {
	if sub.Attempts < sub.MaxAttempts {
		none := ""
		updated, err := o.st.UpdateSubtaskStatus(ctx, sub.ID, store.SubtaskPending,
			store.SubtaskUpdate{AssignedAgentID: &none, Error: errMsg})
		if err != nil {
			return err
		}
		ws.pending[sub.ID] = updated
		o.bus.Emit(bus.Event{Type: bus.SubtaskRetrying, TaskID: task.ID, SubtaskID: sub.ID})
		return nil
	}
	return o.failSubtask(ctx, task, ws, sub, errMsg)
}

// failSubtask settles a subtask terminally failed, with its one stored
// result. Dependents left in the work set surface as an unsatisfiable
// graph once everything runnable has drained.
func (o *Orchestrator) failSubtask(ctx context.Context, task *store.Task, ws *workSet, sub *store.Subtask, errMsg string) error {
	if err := o.st.StoreResult(ctx, task.ID, &store.SubtaskResult{
		SubtaskID: sub.ID, Success: false, Error: errMsg,
	}); err != nil {
		return err
	}
	if _, err := o.st.UpdateSubtaskStatus(ctx, sub.ID, store.SubtaskFailed,
		store.SubtaskUpdate{Error: errMsg}); err != nil {
		return err
	}
	delete(ws.pending, sub.ID)
	o.bus.Emit(bus.Event{Type: bus.SubtaskFailed, TaskID: task.ID, SubtaskID: sub.ID})
	return nil
}

// Resume reconstructs a task's remaining work from durable state and runs
// only that remainder.
func (o *Orchestrator) Resume(ctx context.Context, taskID string) (*TaskResult, error) {
	task, err := o.st.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	ctx = shared.WithRunID(shared.WithTaskID(ctx, taskID), shared.NewRunID())
	ctx, span := o.tracer.Start(ctx, "orchestrator.resume")
	defer span.End()

	subs, err := o.st.GetSubtasksForTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	results, err := o.st.GetResults(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var rc decompose.ResumeContext
	priorCompleted := make(map[string]bool)
	var nonTerminal, priorFailed []*store.Subtask
	for _, sub := range subs {
		switch sub.Status {
		case store.SubtaskCompleted:
			priorCompleted[sub.ID] = true
			item := decompose.WorkItem{Description: sub.Description, AgentType: sub.AgentType}
			if r, ok := results[sub.ID]; ok {
				item.Output = r.Output
			}
			rc.CompletedWork = append(rc.CompletedWork, item)
		case store.SubtaskFailed:
			priorFailed = append(priorFailed, sub)
			item := decompose.WorkItem{Description: sub.Description, AgentType: sub.AgentType, Error: sub.Error}
			if r, ok := results[sub.ID]; ok && item.Error == "" {
				item.Error = r.Error
			}
			rc.FailedWork = append(rc.FailedWork, item)
		default:
			nonTerminal = append(nonTerminal, sub)
		}
	}

	plan, err := o.planner.Resume(ctx, task, rc)
	if err != nil {
		return o.failTask(ctx, taskID, err), nil
	}
	slog.Info("resume planned", "task_id", taskID, "new_subtasks", len(plan),
		"non_terminal", len(nonTerminal), "prior_completed", len(priorCompleted))

	// Nothing new and nothing interrupted: the task is already done.
	if len(plan) == 0 && len(nonTerminal) == 0 {
		if task.Status == store.TaskCompleted {
			res := o.buildResult(ctx, taskID, task.Status, task.Error)
			if report, err := aggregate.Aggregate(ctx, o.st, taskID); err == nil {
				res.Report = report
				res.Summary = report.RenderSummary()
				res.MergedOutput = report.MergeOutputs()
			}
			return res, nil
		}
		return o.finish(ctx, taskID, nil), nil
	}

	if _, err := o.st.UpdateTaskStatus(ctx, taskID, store.TaskDecomposing, ""); err != nil {
		return o.failTask(ctx, taskID, err), nil
	}

	work := make([]*store.Subtask, 0, len(plan)+len(nonTerminal))
	none := ""
	for _, sub := range nonTerminal {
		updated, err := o.st.UpdateSubtaskStatus(ctx, sub.ID, store.SubtaskPending,
			store.SubtaskUpdate{AssignedAgentID: &none})
		if err != nil {
			return o.failTask(ctx, taskID, err), nil
		}
		work = append(work, updated)
	}
	created, err := o.materializePlan(ctx, taskID, plan)
	if err != nil {
		return o.failTask(ctx, taskID, err), nil
	}
	work = append(work, created...)

	// The replanned work covers the prior failures; mark those superseded
	// the same way the decompose remediation marks a replaced subtask, so
	// the aggregate reflects this run's outcome.
	if len(created) > 0 {
		for _, sub := range priorFailed {
			marker := &store.SubtaskResult{
				SubtaskID: sub.ID,
				Success:   true,
				Output:    "superseded by resume replanning",
			}
			if err := o.st.StoreResult(ctx, taskID, marker); err != nil {
				return o.failTask(ctx, taskID, err), nil
			}
			if _, err := o.st.UpdateSubtaskStatus(ctx, sub.ID, store.SubtaskCompleted, store.SubtaskUpdate{}); err != nil {
				return o.failTask(ctx, taskID, err), nil
			}
			priorCompleted[sub.ID] = true
		}
	}

	if _, err := o.st.UpdateTaskStatus(ctx, taskID, store.TaskExecuting, ""); err != nil {
		return o.failTask(ctx, taskID, err), nil
	}
	loopErr := o.schedule(ctx, task, work, priorCompleted)
	if ctx.Err() != nil {
		_, _ = o.st.UpdateTaskStatus(context.Background(), taskID, store.TaskCancelled, "cancelled")
		o.bus.Emit(bus.Event{Type: bus.TaskCancelled, TaskID: taskID})
		return o.buildResult(context.Background(), taskID, store.TaskCancelled, "cancelled"), nil
	}
	return o.finish(ctx, taskID, loopErr), nil
}
