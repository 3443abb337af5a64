// Package store is the typed façade over the shared key-value backend.
// It owns the record schemas, the key namespace, and the pub/sub channel
// names. Two implementations exist: RedisStore (production) and MemoryStore
// (tests, single-process runs without a backend).
package store

import (
	"time"
)

// TaskType classifies the user's intent.
type TaskType string

const (
	TaskFeature  TaskType = "feature"
	TaskBugfix   TaskType = "bugfix"
	TaskRefactor TaskType = "refactor"
	TaskResearch TaskType = "research"
)

// TaskStatus values form a forward-only lattice:
// pending → decomposing → executing → aggregating → {completed, failed, cancelled}.
type TaskStatus string

const (
	TaskPending     TaskStatus = "pending"
	TaskDecomposing TaskStatus = "decomposing"
	TaskExecuting   TaskStatus = "executing"
	TaskAggregating TaskStatus = "aggregating"
	TaskCompleted   TaskStatus = "completed"
	TaskFailed      TaskStatus = "failed"
	TaskCancelled   TaskStatus = "cancelled"
)

// Terminal reports whether s is a terminal task status.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

// taskStatusRank orders the lattice for forward-progress checks.
var taskStatusRank = map[TaskStatus]int{
	TaskPending:     0,
	TaskDecomposing: 1,
	TaskExecuting:   2,
	TaskAggregating: 3,
	TaskCompleted:   4,
	TaskFailed:      4,
	TaskCancelled:   4,
}

// Constraints bound a task's resource usage.
type Constraints struct {
	MaxAgents int           `json:"max_agents"`
	Timeout   time.Duration `json:"timeout_ms"`
}

// Task is the unit of user intent. Owned by the Orchestrator; the store is
// the system of record.
type Task struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	ProjectPath string      `json:"project_path"`
	Type        TaskType    `json:"type"`
	Status      TaskStatus  `json:"status"`
	Constraints Constraints `json:"constraints"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
	Error       string      `json:"error,omitempty"`
}

// AgentType names the role a worker plays. Roles differ only in their
// system prompt.
type AgentType string

const (
	AgentResearcher  AgentType = "researcher"
	AgentImplementer AgentType = "implementer"
	AgentReviewer    AgentType = "reviewer"
	AgentTester      AgentType = "tester"
	AgentDocumenter  AgentType = "documenter"
	AgentBuilder     AgentType = "builder"
)

// KnownAgentType reports whether t is one of the six roles.
func KnownAgentType(t AgentType) bool {
	switch t {
	case AgentResearcher, AgentImplementer, AgentReviewer, AgentTester, AgentDocumenter, AgentBuilder:
		return true
	}
	return false
}

// NormalizeAgentType collapses unknown roles to implementer.
func NormalizeAgentType(t AgentType) AgentType {
	if KnownAgentType(t) {
		return t
	}
	return AgentImplementer
}

// SubtaskStatus values.
type SubtaskStatus string

const (
	SubtaskPending   SubtaskStatus = "pending"
	SubtaskBlocked   SubtaskStatus = "blocked"
	SubtaskQueued    SubtaskStatus = "queued"
	SubtaskAssigned  SubtaskStatus = "assigned"
	SubtaskExecuting SubtaskStatus = "executing"
	SubtaskCompleted SubtaskStatus = "completed"
	SubtaskFailed    SubtaskStatus = "failed"
)

// Terminal reports whether s is a terminal subtask status.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskCompleted || s == SubtaskFailed
}

// Subtask is the atomic unit of work, parallelism, and retry.
type Subtask struct {
	ID              string        `json:"id"`
	ParentTaskID    string        `json:"parent_task_id"`
	Description     string        `json:"description"`
	AgentType       AgentType     `json:"agent_type"`
	Dependencies    []string      `json:"dependencies"`
	Status          SubtaskStatus `json:"status"`
	AssignedAgentID string        `json:"assigned_agent_id,omitempty"`
	Attempts        int           `json:"attempts"`
	MaxAttempts     int           `json:"max_attempts"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
	StartedAt       time.Time     `json:"started_at,omitzero"`
	CompletedAt     time.Time     `json:"completed_at,omitzero"`
	Error           string        `json:"error,omitempty"`
}

// AgentStatus values.
type AgentStatus string

const (
	AgentIdle    AgentStatus = "idle"
	AgentBusy    AgentStatus = "busy"
	AgentErrored AgentStatus = "error"
	AgentOffline AgentStatus = "offline"
)

// AgentMetrics accumulates per-worker execution counters.
type AgentMetrics struct {
	TasksCompleted int   `json:"tasks_completed"`
	TasksFailed    int   `json:"tasks_failed"`
	AvgExecutionMs int64 `json:"avg_execution_ms"`
}

// AgentEntry is the registration record of a worker process. The worker
// writes heartbeats and self-reported status; the health monitor writes
// offline and removes the entry.
type AgentEntry struct {
	ID               string       `json:"id"`
	Type             AgentType    `json:"type"`
	PID              int          `json:"pid,omitempty"`
	Status           AgentStatus  `json:"status"`
	CurrentSubtaskID string       `json:"current_subtask_id,omitempty"`
	LastHeartbeat    int64        `json:"last_heartbeat"` // unix milliseconds
	Metrics          AgentMetrics `json:"metrics"`
}

// ContextType classifies entries in the shared context.
type ContextType string

const (
	ContextFile      ContextType = "file"
	ContextPattern   ContextType = "pattern"
	ContextInsight   ContextType = "insight"
	ContextDiscovery ContextType = "discovery"
	ContextError     ContextType = "error"
)

// ContextEntry is one discovery appended to a task's shared context.
type ContextEntry struct {
	AgentID   string      `json:"agent_id"`
	Timestamp time.Time   `json:"timestamp"`
	Type      ContextType `json:"type"`
	Data      string      `json:"data"`
}

// SharedContext is the per-task collaborative notebook. Append-only for the
// life of the task.
type SharedContext struct {
	TaskID      string         `json:"task_id"`
	ProjectPath string         `json:"project_path"`
	Discoveries []ContextEntry `json:"discoveries"`
}

// SubtaskResult is written once per terminal subtask, by the worker or
// synthesized by the orchestrator for crashes and skips.
type SubtaskResult struct {
	SubtaskID   string `json:"subtask_id"`
	Success     bool   `json:"success"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
	ExecutionMs int64  `json:"execution_ms"`
}
