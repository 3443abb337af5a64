package store

import "github.com/basket/aichestrator/internal/errs"

// Shared not-found constructors so both backends report identical errors.

func errTaskNotFound(id string) error {
	return errs.Task("not_found", nil, "task %s not found", id)
}

func errSubtaskNotFound(id string) error {
	return errs.Subtask("not_found", nil, "subtask %s not found", id)
}

func errUnknownSubtaskStatus(s SubtaskStatus) error {
	return errs.Subtask("status", nil, "unknown subtask status %q", s)
}

func errAgentNotFound(id string) error {
	return errs.Agent("not_found", nil, "agent %s not registered", id)
}

func errNoContext(taskID string) error {
	return errs.Task("no_context", nil, "task %s has no shared context", taskID)
}

func errEmptyResult() error {
	return errs.Validation("result", nil, "result has empty subtask id")
}
