package bus

import (
	"time"

	"github.com/basket/aichestrator/internal/store"
)

// EventType discriminates the event union.
type EventType string

// Task lifecycle events.
const (
	TaskCreated   EventType = "task:created"
	TaskStarted   EventType = "task:started"
	TaskProgress  EventType = "task:progress"
	TaskCompleted EventType = "task:completed"
	TaskFailed    EventType = "task:failed"
	TaskCancelled EventType = "task:cancelled"
)

// Subtask lifecycle events.
const (
	SubtaskCreated   EventType = "subtask:created"
	SubtaskQueued    EventType = "subtask:queued"
	SubtaskAssigned  EventType = "subtask:assigned"
	SubtaskStarted   EventType = "subtask:started"
	SubtaskProgress  EventType = "subtask:progress"
	SubtaskCompleted EventType = "subtask:completed"
	SubtaskFailed    EventType = "subtask:failed"
	SubtaskRetrying  EventType = "subtask:retrying"
)

// Agent lifecycle events.
const (
	AgentRegistered EventType = "agent:registered"
	AgentHeartbeat  EventType = "agent:heartbeat"
	AgentBusy       EventType = "agent:busy"
	AgentIdle       EventType = "agent:idle"
	AgentError      EventType = "agent:error"
	AgentOffline    EventType = "agent:offline"
	AgentRemoved    EventType = "agent:removed"
)

// Other events.
const (
	DiscoveryShared EventType = "discovery:shared"
	SystemShutdown  EventType = "system:shutdown"
	SystemError     EventType = "system:error"
)

// Event is the tagged union carried by the bus. Type discriminates; the id
// fields and Data are populated per type. Timestamp is non-decreasing per
// publishing bus.
type Event struct {
	Type      EventType         `json:"type"`
	Timestamp time.Time         `json:"timestamp"`
	TaskID    string            `json:"task_id,omitempty"`
	SubtaskID string            `json:"subtask_id,omitempty"`
	AgentID   string            `json:"agent_id,omitempty"`
	Data      map[string]string `json:"data,omitempty"`

	// Origin identifies the publishing bus so the cross-process bridge can
	// drop its own echoes.
	Origin string `json:"origin,omitempty"`
}

// storeChannel maps an event type onto the backend pub/sub channel that
// carries it across processes. Events mapped to "" stay process-local.
func storeChannel(t EventType) string {
	switch t {
	case TaskCreated, TaskStarted:
		return store.ChannelTaskCreated
	case TaskProgress, DiscoveryShared:
		return store.ChannelTaskProgress
	case TaskCompleted, TaskFailed, TaskCancelled:
		return store.ChannelTaskCompleted
	case SubtaskCreated, SubtaskQueued, SubtaskAssigned, SubtaskStarted, SubtaskProgress:
		return store.ChannelSubtaskAssigned
	case SubtaskCompleted, SubtaskFailed, SubtaskRetrying:
		return store.ChannelSubtaskCompleted
	case AgentRegistered, AgentHeartbeat, AgentBusy, AgentIdle:
		return store.ChannelAgentHeartbeat
	case AgentError, AgentOffline, AgentRemoved:
		return store.ChannelAgentError
	default:
		return ""
	}
}
