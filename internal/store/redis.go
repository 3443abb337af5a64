package store

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/aichestrator/internal/errs"
)

// RedisStore implements Store on a single Redis instance. Records are JSON
// blobs under namespaced keys; the subtask list and context entries use
// Redis lists to preserve insertion order; agent liveness is a short-TTL
// presence key.
type RedisStore struct {
	client *redis.Client
	hbTTL  time.Duration
}

// NewRedis connects to the backend at url (redis://...) and verifies the
// connection. hbTTL is the heartbeat presence-key TTL (the configured
// heartbeat timeout).
func NewRedis(url string, hbTTL time.Duration) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errs.Store("url", err, "parse redis url")
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, errs.Store("connect", err, "ping %s", opts.Addr)
	}
	if hbTTL <= 0 {
		hbTTL = 15 * time.Second
	}
	return &RedisStore{client: client, hbTTL: hbTTL}, nil
}

func (s *RedisStore) setJSON(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return errs.Store("encode", err, "marshal %s", key)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return errs.Store("write", err, "set %s", key)
	}
	return nil
}

func (s *RedisStore) getJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errs.Store("read", err, "get %s", key)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, errs.Store("decode", err, "unmarshal %s", key)
	}
	return true, nil
}

// --- Tasks ---

func (s *RedisStore) CreateTask(ctx context.Context, t *Task) error {
	if err := validateTask(t); err != nil {
		return err
	}
	return s.setJSON(ctx, taskMetaKey(t.ID), t)
}

func (s *RedisStore) GetTask(ctx context.Context, id string) (*Task, error) {
	var t Task
	ok, err := s.getJSON(ctx, taskMetaKey(id), &t)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Task("not_found", nil, "task %s not found", id)
	}
	return &t, nil
}

func (s *RedisStore) UpdateTaskStatus(ctx context.Context, id string, status TaskStatus, errMsg string) (*Task, error) {
	t, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if !checkTaskTransition(t.Status, status) {
		slog.Warn("task status transition violates lattice", "task_id", id, "from", t.Status, "to", status)
	}
	t.Status = status
	t.UpdatedAt = time.Now()
	if errMsg != "" {
		t.Error = errMsg
	}
	if err := s.setJSON(ctx, taskMetaKey(id), t); err != nil {
		return nil, err
	}
	return t, nil
}

// --- Subtasks ---

func (s *RedisStore) CreateSubtask(ctx context.Context, sub *Subtask) error {
	if err := validateSubtask(sub); err != nil {
		return err
	}
	if err := s.setJSON(ctx, subtaskKey(sub.ID), sub); err != nil {
		return err
	}
	if err := s.client.RPush(ctx, taskSubtasksKey(sub.ParentTaskID), sub.ID).Err(); err != nil {
		return errs.Store("write", err, "append subtask %s to task index", sub.ID)
	}
	return nil
}

func (s *RedisStore) GetSubtask(ctx context.Context, id string) (*Subtask, error) {
	var sub Subtask
	ok, err := s.getJSON(ctx, subtaskKey(id), &sub)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Subtask("not_found", nil, "subtask %s not found", id)
	}
	return &sub, nil
}

func (s *RedisStore) GetSubtasksForTask(ctx context.Context, taskID string) ([]*Subtask, error) {
	ids, err := s.client.LRange(ctx, taskSubtasksKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, errs.Store("read", err, "list subtasks of %s", taskID)
	}
	subs := make([]*Subtask, 0, len(ids))
	for _, id := range ids {
		sub, err := s.GetSubtask(ctx, id)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, nil
}

func applySubtaskUpdate(sub *Subtask, status SubtaskStatus, upd SubtaskUpdate) {
	now := time.Now()
	if status == SubtaskExecuting && sub.Status != SubtaskExecuting {
		sub.Attempts++
		sub.StartedAt = now
	}
	if status.Terminal() {
		sub.CompletedAt = now
	}
	sub.Status = status
	sub.UpdatedAt = now
	if upd.AssignedAgentID != nil {
		sub.AssignedAgentID = *upd.AssignedAgentID
	}
	if upd.Description != nil && *upd.Description != "" {
		sub.Description = *upd.Description
	}
	if upd.Error != "" {
		sub.Error = upd.Error
	} else if !status.Terminal() {
		// A reset back to pending clears the previous failure message.
		sub.Error = ""
	}
}

func (s *RedisStore) UpdateSubtaskStatus(ctx context.Context, id string, status SubtaskStatus, upd SubtaskUpdate) (*Subtask, error) {
	if !validSubtaskStatus(status) {
		return nil, errs.Subtask("status", nil, "unknown subtask status %q", status)
	}
	sub, err := s.GetSubtask(ctx, id)
	if err != nil {
		return nil, err
	}
	applySubtaskUpdate(sub, status, upd)
	if err := s.setJSON(ctx, subtaskKey(id), sub); err != nil {
		return nil, err
	}
	return sub, nil
}

// --- Agents ---

func (s *RedisStore) RegisterAgent(ctx context.Context, a *AgentEntry) error {
	if err := validateAgent(a); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return errs.Store("encode", err, "marshal agent %s", a.ID)
	}
	if err := s.client.HSet(ctx, agentsRegistryKey(), a.ID, data).Err(); err != nil {
		return errs.Store("write", err, "register agent %s", a.ID)
	}
	return nil
}

func (s *RedisStore) GetAgent(ctx context.Context, id string) (*AgentEntry, error) {
	data, err := s.client.HGet(ctx, agentsRegistryKey(), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.Agent("not_found", nil, "agent %s not registered", id)
	}
	if err != nil {
		return nil, errs.Store("read", err, "get agent %s", id)
	}
	var a AgentEntry
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, errs.Store("decode", err, "unmarshal agent %s", id)
	}
	return &a, nil
}

func (s *RedisStore) GetAllAgents(ctx context.Context) ([]*AgentEntry, error) {
	raw, err := s.client.HGetAll(ctx, agentsRegistryKey()).Result()
	if err != nil {
		return nil, errs.Store("read", err, "list agents")
	}
	agents := make([]*AgentEntry, 0, len(raw))
	for id, data := range raw {
		var a AgentEntry
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			slog.Warn("skipping undecodable agent entry", "agent_id", id, "error", err)
			continue
		}
		agents = append(agents, &a)
	}
	return agents, nil
}

func (s *RedisStore) updateAgent(ctx context.Context, id string, mutate func(*AgentEntry)) error {
	a, err := s.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	mutate(a)
	return s.RegisterAgent(ctx, a)
}

func (s *RedisStore) UpdateAgentStatus(ctx context.Context, id string, status AgentStatus, currentSubtaskID string) error {
	return s.updateAgent(ctx, id, func(a *AgentEntry) {
		a.Status = status
		a.CurrentSubtaskID = currentSubtaskID
	})
}

// RecordAgentResult folds one execution into the agent's metrics using a
// running average.
func (s *RedisStore) RecordAgentResult(ctx context.Context, id string, success bool, executionMs int64) error {
	return s.updateAgent(ctx, id, func(a *AgentEntry) {
		m := &a.Metrics
		total := m.TasksCompleted + m.TasksFailed
		m.AvgExecutionMs = (m.AvgExecutionMs*int64(total) + executionMs) / int64(total+1)
		if success {
			m.TasksCompleted++
		} else {
			m.TasksFailed++
		}
	})
}

func (s *RedisStore) UpdateHeartbeat(ctx context.Context, id string) error {
	if err := s.client.Set(ctx, agentHeartbeatKey(id), "1", s.hbTTL).Err(); err != nil {
		return errs.Store("write", err, "set heartbeat key for %s", id)
	}
	return s.updateAgent(ctx, id, func(a *AgentEntry) {
		a.LastHeartbeat = time.Now().UnixMilli()
	})
}

// IsAgentAlive checks the TTL-backed presence key, the authoritative
// liveness signal.
func (s *RedisStore) IsAgentAlive(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, agentHeartbeatKey(id)).Result()
	if err != nil {
		return false, errs.Store("read", err, "check heartbeat key for %s", id)
	}
	return n > 0, nil
}

func (s *RedisStore) RemoveAgent(ctx context.Context, id string) error {
	if err := s.client.HDel(ctx, agentsRegistryKey(), id).Err(); err != nil {
		return errs.Store("write", err, "remove agent %s", id)
	}
	if err := s.client.Del(ctx, agentHeartbeatKey(id)).Err(); err != nil {
		return errs.Store("write", err, "remove heartbeat key for %s", id)
	}
	return nil
}

// --- Shared context ---

func (s *RedisStore) InitContext(ctx context.Context, taskID, projectPath string) error {
	header := SharedContext{TaskID: taskID, ProjectPath: projectPath}
	return s.setJSON(ctx, taskContextKey(taskID), header)
}

func (s *RedisStore) GetContext(ctx context.Context, taskID string) (*SharedContext, error) {
	var sc SharedContext
	ok, err := s.getJSON(ctx, taskContextKey(taskID), &sc)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errs.Task("no_context", nil, "task %s has no shared context", taskID)
	}
	entries, err := s.client.LRange(ctx, taskDiscoveryKey(taskID), 0, -1).Result()
	if err != nil {
		return nil, errs.Store("read", err, "list context entries of %s", taskID)
	}
	for _, raw := range entries {
		var e ContextEntry
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			slog.Warn("skipping undecodable context entry", "task_id", taskID, "error", err)
			continue
		}
		sc.Discoveries = append(sc.Discoveries, e)
	}
	return &sc, nil
}

func (s *RedisStore) AppendContext(ctx context.Context, taskID string, entry ContextEntry) error {
	if err := validateContextEntry(entry); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return errs.Store("encode", err, "marshal context entry")
	}
	if err := s.client.RPush(ctx, taskDiscoveryKey(taskID), data).Err(); err != nil {
		return errs.Store("write", err, "append context entry to %s", taskID)
	}
	return nil
}

// --- Results ---

func (s *RedisStore) StoreResult(ctx context.Context, taskID string, r *SubtaskResult) error {
	if r == nil || r.SubtaskID == "" {
		return errs.Validation("result", nil, "result has empty subtask id")
	}
	data, err := json.Marshal(r)
	if err != nil {
		return errs.Store("encode", err, "marshal result %s", r.SubtaskID)
	}
	if err := s.client.HSet(ctx, taskResultsKey(taskID), r.SubtaskID, data).Err(); err != nil {
		return errs.Store("write", err, "store result %s", r.SubtaskID)
	}
	return nil
}

func (s *RedisStore) GetResults(ctx context.Context, taskID string) (map[string]*SubtaskResult, error) {
	raw, err := s.client.HGetAll(ctx, taskResultsKey(taskID)).Result()
	if err != nil {
		return nil, errs.Store("read", err, "list results of %s", taskID)
	}
	results := make(map[string]*SubtaskResult, len(raw))
	for id, data := range raw {
		var r SubtaskResult
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			slog.Warn("skipping undecodable result", "subtask_id", id, "error", err)
			continue
		}
		results[id] = &r
	}
	return results, nil
}

// --- Pub/sub ---

func (s *RedisStore) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errs.Store("publish", err, "publish to %s", channel)
	}
	return nil
}

type redisSubscription struct {
	ps  *redis.PubSub
	out chan Message
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) Close() error { return s.ps.Close() }

func (s *RedisStore) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	ps := s.client.Subscribe(ctx, channels...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errs.Store("subscribe", err, "subscribe %v", channels)
	}
	sub := &redisSubscription{ps: ps, out: make(chan Message, 64)}
	go func() {
		defer close(sub.out)
		for msg := range ps.Channel() {
			sub.out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}
		}
	}()
	return sub, nil
}

// --- Maintenance ---

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return errs.Store("ping", err, "ping backend")
	}
	return nil
}

// Clear removes every key under the namespace prefix. Used by `clear --force`.
func (s *RedisStore) Clear(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, keyPrefix+":*", 0).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return errs.Store("read", err, "scan namespace")
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return errs.Store("write", err, "delete %d keys", len(keys))
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
