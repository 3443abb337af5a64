package store

import (
	"context"
)

// SubtaskUpdate carries the optional fields of UpdateSubtaskStatus.
// Nil pointers leave the stored value untouched; AssignedAgentID set to a
// pointer to "" clears the assignment.
type SubtaskUpdate struct {
	AssignedAgentID *string
	Description     *string
	Error           string
}

// Message is one pub/sub delivery.
type Message struct {
	Channel string
	Payload []byte
}

// Subscription is a live pub/sub subscription. Close releases it; the
// Messages channel is closed afterwards.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// Store is the contract every component persists through. All operations
// may fail with a store-kind error from internal/errs.
type Store interface {
	// Tasks.
	CreateTask(ctx context.Context, t *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, errMsg string) (*Task, error)

	// Subtasks. GetSubtasksForTask preserves insertion order.
	// UpdateSubtaskStatus increments Attempts exactly when the new status is
	// executing, and stamps StartedAt / CompletedAt around terminal moves.
	CreateSubtask(ctx context.Context, s *Subtask) error
	GetSubtask(ctx context.Context, id string) (*Subtask, error)
	GetSubtasksForTask(ctx context.Context, taskID string) ([]*Subtask, error)
	UpdateSubtaskStatus(ctx context.Context, id string, status SubtaskStatus, upd SubtaskUpdate) (*Subtask, error)

	// Agents. UpdateHeartbeat refreshes both the registry timestamp and the
	// TTL-backed presence key; the presence key is the authoritative
	// liveness signal.
	RegisterAgent(ctx context.Context, a *AgentEntry) error
	GetAgent(ctx context.Context, id string) (*AgentEntry, error)
	GetAllAgents(ctx context.Context) ([]*AgentEntry, error)
	UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, currentSubtaskID string) error
	RecordAgentResult(ctx context.Context, id string, success bool, executionMs int64) error
	UpdateHeartbeat(ctx context.Context, id string) error
	IsAgentAlive(ctx context.Context, id string) (bool, error)
	RemoveAgent(ctx context.Context, id string) error

	// Shared context. Appends are serialized by the backend; ordering is
	// arrival order.
	InitContext(ctx context.Context, taskID, projectPath string) error
	GetContext(ctx context.Context, taskID string) (*SharedContext, error)
	AppendContext(ctx context.Context, taskID string, entry ContextEntry) error

	// Results, indexed by subtask under the parent task.
	StoreResult(ctx context.Context, taskID string, r *SubtaskResult) error
	GetResults(ctx context.Context, taskID string) (map[string]*SubtaskResult, error)

	// Pub/sub.
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)

	// Maintenance.
	Ping(ctx context.Context) error
	Clear(ctx context.Context) error
	Close() error
}
