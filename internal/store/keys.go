package store

import "fmt"

// All keys live under one prefix so Clear can sweep them without touching
// unrelated data on a shared backend.
const keyPrefix = "aichestrator"

func taskMetaKey(id string) string       { return fmt.Sprintf("%s:task:%s:meta", keyPrefix, id) }
func taskSubtasksKey(id string) string   { return fmt.Sprintf("%s:task:%s:subtasks", keyPrefix, id) }
func taskContextKey(id string) string    { return fmt.Sprintf("%s:task:%s:context", keyPrefix, id) }
func taskDiscoveryKey(id string) string  { return fmt.Sprintf("%s:task:%s:context:entries", keyPrefix, id) }
func taskResultsKey(id string) string    { return fmt.Sprintf("%s:task:%s:results", keyPrefix, id) }
func subtaskKey(id string) string        { return fmt.Sprintf("%s:subtask:%s", keyPrefix, id) }
func agentHeartbeatKey(id string) string { return fmt.Sprintf("%s:agents:%s:heartbeat", keyPrefix, id) }

func agentsRegistryKey() string { return keyPrefix + ":agents:registry" }

// Pub/sub channels. Payloads are JSON-encoded bus events.
const (
	ChannelTaskCreated      = keyPrefix + ":task:created"
	ChannelTaskProgress     = keyPrefix + ":task:progress"
	ChannelTaskCompleted    = keyPrefix + ":task:completed"
	ChannelSubtaskAssigned  = keyPrefix + ":subtask:assigned"
	ChannelSubtaskCompleted = keyPrefix + ":subtask:completed"
	ChannelAgentHeartbeat   = keyPrefix + ":agent:heartbeat"
	ChannelAgentError       = keyPrefix + ":agent:error"
)

// Channels lists every pub/sub channel, for subscribers that want all of them.
func Channels() []string {
	return []string{
		ChannelTaskCreated,
		ChannelTaskProgress,
		ChannelTaskCompleted,
		ChannelSubtaskAssigned,
		ChannelSubtaskCompleted,
		ChannelAgentHeartbeat,
		ChannelAgentError,
	}
}
