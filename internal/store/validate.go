package store

import (
	"time"

	"github.com/basket/aichestrator/internal/errs"
)

// validateTask checks the schema before persisting. Status transitions are
// not checked here; see checkTaskTransition.
func validateTask(t *Task) error {
	if t == nil || t.ID == "" {
		return errs.Validation("task_id", nil, "task id is empty")
	}
	if t.Description == "" {
		return errs.Validation("task_description", nil, "task %s has empty description", t.ID)
	}
	if t.ProjectPath == "" {
		return errs.Validation("task_project", nil, "task %s has empty project path", t.ID)
	}
	switch t.Type {
	case TaskFeature, TaskBugfix, TaskRefactor, TaskResearch:
	default:
		return errs.Validation("task_type", nil, "task %s has unknown type %q", t.ID, t.Type)
	}
	if _, ok := taskStatusRank[t.Status]; !ok {
		return errs.Validation("task_status", nil, "task %s has unknown status %q", t.ID, t.Status)
	}
	if t.Constraints.MaxAgents < 1 || t.Constraints.MaxAgents > 10 {
		return errs.Validation("task_max_agents", nil, "task %s max_agents %d out of range [1,10]", t.ID, t.Constraints.MaxAgents)
	}
	if t.Constraints.Timeout < time.Second {
		return errs.Validation("task_timeout", nil, "task %s timeout %s below 1s", t.ID, t.Constraints.Timeout)
	}
	return nil
}

func validSubtaskStatus(s SubtaskStatus) bool {
	switch s {
	case SubtaskPending, SubtaskBlocked, SubtaskQueued, SubtaskAssigned,
		SubtaskExecuting, SubtaskCompleted, SubtaskFailed:
		return true
	}
	return false
}

func validateSubtask(s *Subtask) error {
	if s == nil || s.ID == "" {
		return errs.Subtask("id", nil, "subtask id is empty")
	}
	if s.ParentTaskID == "" {
		return errs.Subtask("parent", nil, "subtask %s has no parent task", s.ID)
	}
	if s.Description == "" {
		return errs.Subtask("description", nil, "subtask %s has empty description", s.ID)
	}
	if !KnownAgentType(s.AgentType) {
		return errs.Subtask("agent_type", nil, "subtask %s has unknown agent type %q", s.ID, s.AgentType)
	}
	if !validSubtaskStatus(s.Status) {
		return errs.Subtask("status", nil, "subtask %s has unknown status %q", s.ID, s.Status)
	}
	if s.MaxAttempts < 1 {
		return errs.Subtask("max_attempts", nil, "subtask %s max_attempts %d below 1", s.ID, s.MaxAttempts)
	}
	for _, dep := range s.Dependencies {
		if dep == s.ID {
			return errs.Subtask("self_dependency", nil, "subtask %s depends on itself", s.ID)
		}
	}
	return nil
}

func validateAgent(a *AgentEntry) error {
	if a == nil || a.ID == "" {
		return errs.Validation("agent_id", nil, "agent id is empty")
	}
	if !KnownAgentType(a.Type) {
		return errs.Validation("agent_type", nil, "agent %s has unknown type %q", a.ID, a.Type)
	}
	switch a.Status {
	case AgentIdle, AgentBusy, AgentErrored, AgentOffline:
	default:
		return errs.Validation("agent_status", nil, "agent %s has unknown status %q", a.ID, a.Status)
	}
	return nil
}

func validateContextEntry(e ContextEntry) error {
	switch e.Type {
	case ContextFile, ContextPattern, ContextInsight, ContextDiscovery, ContextError:
	default:
		return errs.Validation("context_type", nil, "unknown context entry type %q", e.Type)
	}
	if e.AgentID == "" {
		return errs.Validation("context_agent", nil, "context entry has empty agent id")
	}
	return nil
}

// checkTaskTransition reports whether old → next moves forward through the
// status lattice. The store accepts violations (enforcement lives in the
// scheduler) but logs them.
func checkTaskTransition(old, next TaskStatus) bool {
	if old.Terminal() {
		return false
	}
	return taskStatusRank[next] >= taskStatusRank[old]
}
