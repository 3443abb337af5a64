package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryStore is an in-process Store used by tests and by single-process
// runs without a Redis backend (redis_url "memory://"). Semantics mirror
// RedisStore: insertion-ordered subtask lists, TTL-expiring presence keys,
// non-blocking pub/sub fan-out.
type MemoryStore struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	subtasks  map[string]*Subtask
	taskSubs  map[string][]string // taskID -> ordered subtask ids
	agents    map[string]*AgentEntry
	presence  map[string]time.Time // agentID -> expiry
	contexts  map[string]*SharedContext
	results   map[string]map[string]*SubtaskResult
	subsMu    sync.RWMutex
	subs      map[*memorySubscription]struct{}
	hbTTL     time.Duration
	closed    bool
}

// NewMemory creates an empty MemoryStore with the given heartbeat TTL.
func NewMemory(hbTTL time.Duration) *MemoryStore {
	if hbTTL <= 0 {
		hbTTL = 15 * time.Second
	}
	return &MemoryStore{
		tasks:    make(map[string]*Task),
		subtasks: make(map[string]*Subtask),
		taskSubs: make(map[string][]string),
		agents:   make(map[string]*AgentEntry),
		presence: make(map[string]time.Time),
		contexts: make(map[string]*SharedContext),
		results:  make(map[string]map[string]*SubtaskResult),
		subs:     make(map[*memorySubscription]struct{}),
		hbTTL:    hbTTL,
	}
}

func copyTask(t *Task) *Task {
	c := *t
	return &c
}

func copySubtask(s *Subtask) *Subtask {
	c := *s
	c.Dependencies = append([]string(nil), s.Dependencies...)
	return &c
}

func copyAgent(a *AgentEntry) *AgentEntry {
	c := *a
	return &c
}

// --- Tasks ---

func (m *MemoryStore) CreateTask(_ context.Context, t *Task) error {
	if err := validateTask(t); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = copyTask(t)
	return nil
}

func (m *MemoryStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, errTaskNotFound(id)
	}
	return copyTask(t), nil
}

func (m *MemoryStore) UpdateTaskStatus(_ context.Context, id string, status TaskStatus, errMsg string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, errTaskNotFound(id)
	}
	if !checkTaskTransition(t.Status, status) {
		slog.Warn("task status transition violates lattice", "task_id", id, "from", t.Status, "to", status)
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	if errMsg != "" {
		t.Error = errMsg
	}
	return copyTask(t), nil
}

// --- Subtasks ---

func (m *MemoryStore) CreateSubtask(_ context.Context, s *Subtask) error {
	if err := validateSubtask(s); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subtasks[s.ID] = copySubtask(s)
	m.taskSubs[s.ParentTaskID] = append(m.taskSubs[s.ParentTaskID], s.ID)
	return nil
}

func (m *MemoryStore) GetSubtask(_ context.Context, id string) (*Subtask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.subtasks[id]
	if !ok {
		return nil, errSubtaskNotFound(id)
	}
	return copySubtask(s), nil
}

func (m *MemoryStore) GetSubtasksForTask(_ context.Context, taskID string) ([]*Subtask, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.taskSubs[taskID]
	subs := make([]*Subtask, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.subtasks[id]; ok {
			subs = append(subs, copySubtask(s))
		}
	}
	return subs, nil
}

func (m *MemoryStore) UpdateSubtaskStatus(_ context.Context, id string, status SubtaskStatus, upd SubtaskUpdate) (*Subtask, error) {
	if !validSubtaskStatus(status) {
		return nil, errUnknownSubtaskStatus(status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.subtasks[id]
	if !ok {
		return nil, errSubtaskNotFound(id)
	}
	applySubtaskUpdate(s, status, upd)
	return copySubtask(s), nil
}

// --- Agents ---

func (m *MemoryStore) RegisterAgent(_ context.Context, a *AgentEntry) error {
	if err := validateAgent(a); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[a.ID] = copyAgent(a)
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, id string) (*AgentEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, errAgentNotFound(id)
	}
	return copyAgent(a), nil
}

func (m *MemoryStore) GetAllAgents(_ context.Context) ([]*AgentEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agents := make([]*AgentEntry, 0, len(m.agents))
	for _, a := range m.agents {
		agents = append(agents, copyAgent(a))
	}
	return agents, nil
}

func (m *MemoryStore) UpdateAgentStatus(_ context.Context, id string, status AgentStatus, currentSubtaskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return errAgentNotFound(id)
	}
	a.Status = status
	a.CurrentSubtaskID = currentSubtaskID
	return nil
}

func (m *MemoryStore) RecordAgentResult(_ context.Context, id string, success bool, executionMs int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return errAgentNotFound(id)
	}
	mt := &a.Metrics
	total := mt.TasksCompleted + mt.TasksFailed
	mt.AvgExecutionMs = (mt.AvgExecutionMs*int64(total) + executionMs) / int64(total+1)
	if success {
		mt.TasksCompleted++
	} else {
		mt.TasksFailed++
	}
	return nil
}

func (m *MemoryStore) UpdateHeartbeat(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return errAgentNotFound(id)
	}
	a.LastHeartbeat = time.Now().UnixMilli()
	m.presence[id] = time.Now().Add(m.hbTTL)
	return nil
}

func (m *MemoryStore) IsAgentAlive(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	expiry, ok := m.presence[id]
	return ok && time.Now().Before(expiry), nil
}

// ExpireHeartbeat drops an agent's presence key immediately. Test hook for
// liveness scenarios; Redis reaches the same state by TTL expiry.
func (m *MemoryStore) ExpireHeartbeat(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.presence, id)
}

func (m *MemoryStore) RemoveAgent(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, id)
	delete(m.presence, id)
	return nil
}

// --- Shared context ---

func (m *MemoryStore) InitContext(_ context.Context, taskID, projectPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[taskID] = &SharedContext{TaskID: taskID, ProjectPath: projectPath}
	return nil
}

func (m *MemoryStore) GetContext(_ context.Context, taskID string) (*SharedContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sc, ok := m.contexts[taskID]
	if !ok {
		return nil, errNoContext(taskID)
	}
	out := &SharedContext{TaskID: sc.TaskID, ProjectPath: sc.ProjectPath}
	out.Discoveries = append(out.Discoveries, sc.Discoveries...)
	return out, nil
}

func (m *MemoryStore) AppendContext(_ context.Context, taskID string, entry ContextEntry) error {
	if err := validateContextEntry(entry); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sc, ok := m.contexts[taskID]
	if !ok {
		return errNoContext(taskID)
	}
	sc.Discoveries = append(sc.Discoveries, entry)
	return nil
}

// --- Results ---

func (m *MemoryStore) StoreResult(_ context.Context, taskID string, r *SubtaskResult) error {
	if r == nil || r.SubtaskID == "" {
		return errEmptyResult()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.results[taskID] == nil {
		m.results[taskID] = make(map[string]*SubtaskResult)
	}
	c := *r
	m.results[taskID][r.SubtaskID] = &c
	return nil
}

func (m *MemoryStore) GetResults(_ context.Context, taskID string) (map[string]*SubtaskResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*SubtaskResult, len(m.results[taskID]))
	for id, r := range m.results[taskID] {
		c := *r
		out[id] = &c
	}
	return out, nil
}

// --- Pub/sub ---

type memorySubscription struct {
	store    *MemoryStore
	channels map[string]struct{}
	out      chan Message
	once     sync.Once
}

func (s *memorySubscription) Messages() <-chan Message { return s.out }

func (s *memorySubscription) Close() error {
	s.once.Do(func() {
		s.store.subsMu.Lock()
		delete(s.store.subs, s)
		s.store.subsMu.Unlock()
		close(s.out)
	})
	return nil
}

func (m *MemoryStore) Publish(_ context.Context, channel string, payload []byte) error {
	m.subsMu.RLock()
	defer m.subsMu.RUnlock()
	for sub := range m.subs {
		if _, ok := sub.channels[channel]; !ok {
			continue
		}
		// Non-blocking send: slow consumers miss messages, matching the
		// at-most-once delivery contract of the backend's pub/sub.
		select {
		case sub.out <- Message{Channel: channel, Payload: append([]byte(nil), payload...)}:
		default:
		}
	}
	return nil
}

func (m *MemoryStore) Subscribe(_ context.Context, channels ...string) (Subscription, error) {
	sub := &memorySubscription{
		store:    m,
		channels: make(map[string]struct{}, len(channels)),
		out:      make(chan Message, 64),
	}
	for _, ch := range channels {
		sub.channels[ch] = struct{}{}
	}
	m.subsMu.Lock()
	m.subs[sub] = struct{}{}
	m.subsMu.Unlock()
	return sub, nil
}

// --- Maintenance ---

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = make(map[string]*Task)
	m.subtasks = make(map[string]*Subtask)
	m.taskSubs = make(map[string][]string)
	m.agents = make(map[string]*AgentEntry)
	m.presence = make(map[string]time.Time)
	m.contexts = make(map[string]*SharedContext)
	m.results = make(map[string]map[string]*SubtaskResult)
	return nil
}

func (m *MemoryStore) Close() error {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for sub := range m.subs {
		delete(m.subs, sub)
		sub.once.Do(func() { close(sub.out) })
	}
	return nil
}
