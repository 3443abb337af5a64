// Package health polls agent heartbeats, grades liveness, and reaps dead
// agents, making their in-flight subtasks schedulable again. Monitor
// failures never propagate to the scheduler: they are logged and the next
// tick retries.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/aichestrator/internal/bus"
	"github.com/basket/aichestrator/internal/store"
)

// Grade classifies an agent's liveness.
type Grade string

const (
	Healthy  Grade = "healthy"
	Warning  Grade = "warning"
	Critical Grade = "critical"
	Dead     Grade = "dead"
)

// deadMissedIntervals: at this many missed heartbeat intervals an agent is
// reaped.
const deadMissedIntervals = 3

// AgentHealth is one row of a health report.
type AgentHealth struct {
	AgentID string `json:"agent_id"`
	Type    string `json:"type"`
	Grade   Grade  `json:"grade"`
	Missed  int    `json:"missed"`
}

// Monitor periodically grades every registered agent.
type Monitor struct {
	st         store.Store
	bus        *bus.Bus
	hbInterval time.Duration
	interval   time.Duration

	mu    sync.Mutex
	prior map[string]Grade // avoids re-announcing unchanged grades
	last  []AgentHealth
}

// New builds a Monitor. checkInterval 0 defaults to 2× the heartbeat
// interval.
func New(st store.Store, b *bus.Bus, hbInterval, checkInterval time.Duration) *Monitor {
	if checkInterval <= 0 {
		checkInterval = 2 * hbInterval
	}
	return &Monitor{
		st:         st,
		bus:        b,
		hbInterval: hbInterval,
		interval:   checkInterval,
		prior:      make(map[string]Grade),
	}
}

// Start runs the polling loop until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.CheckOnce(ctx); err != nil {
				slog.Warn("health check failed", "error", err)
			}
		}
	}
}

// CheckOnce grades every registered agent, reaping the dead ones, and
// returns the report.
func (m *Monitor) CheckOnce(ctx context.Context) ([]AgentHealth, error) {
	agents, err := m.st.GetAllAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("health: list agents: %w", err)
	}

	now := time.Now().UnixMilli()
	report := make([]AgentHealth, 0, len(agents))
	for _, agent := range agents {
		health := m.gradeAgent(ctx, agent, now)
		report = append(report, health)

		m.mu.Lock()
		prior := m.prior[agent.ID]
		m.prior[agent.ID] = health.Grade
		m.mu.Unlock()

		if health.Grade == Dead {
			if prior != Dead {
				m.reap(ctx, agent)
			}
			m.mu.Lock()
			delete(m.prior, agent.ID)
			m.mu.Unlock()
		} else if health.Grade != prior && prior != "" {
			slog.Info("agent health changed", "agent_id", agent.ID, "from", prior, "to", health.Grade)
		}
	}

	m.mu.Lock()
	m.last = report
	m.mu.Unlock()
	return report, nil
}

func (m *Monitor) gradeAgent(ctx context.Context, agent *store.AgentEntry, nowMs int64) AgentHealth {
	health := AgentHealth{AgentID: agent.ID, Type: string(agent.Type)}

	alive, err := m.st.IsAgentAlive(ctx, agent.ID)
	if err != nil {
		slog.Warn("liveness read failed", "agent_id", agent.ID, "error", err)
		health.Grade = Healthy // assume alive on store trouble; next tick retries
		return health
	}
	if alive {
		health.Grade = Healthy
		return health
	}

	missed := int((nowMs - agent.LastHeartbeat) / m.hbInterval.Milliseconds())
	health.Missed = missed
	switch {
	case missed >= deadMissedIntervals:
		health.Grade = Dead
	case missed == 2:
		health.Grade = Critical
	case missed == 1:
		health.Grade = Warning
	default:
		// Presence key expired but under one interval elapsed; treat as a
		// warning rather than flapping back to healthy.
		health.Grade = Warning
	}
	return health
}

// reap handles a dead agent: offline status, subtask rescue, registry
// removal. The subtask is reset to pending while attempts remain, failed
// otherwise; an agent entry is removed only after its subtask was handled.
func (m *Monitor) reap(ctx context.Context, agent *store.AgentEntry) {
	slog.Warn("agent dead, reaping", "agent_id", agent.ID, "subtask_id", agent.CurrentSubtaskID)
	m.emit(bus.Event{Type: bus.AgentOffline, AgentID: agent.ID})

	if err := m.st.UpdateAgentStatus(ctx, agent.ID, store.AgentOffline, agent.CurrentSubtaskID); err != nil {
		slog.Warn("offline transition failed", "agent_id", agent.ID, "error", err)
	}

	if agent.CurrentSubtaskID != "" {
		m.rescueSubtask(ctx, agent)
	}

	if err := m.st.RemoveAgent(ctx, agent.ID); err != nil {
		slog.Warn("agent removal failed", "agent_id", agent.ID, "error", err)
		return
	}
	m.emit(bus.Event{Type: bus.AgentRemoved, AgentID: agent.ID})
}

func (m *Monitor) rescueSubtask(ctx context.Context, agent *store.AgentEntry) {
	sub, err := m.st.GetSubtask(ctx, agent.CurrentSubtaskID)
	if err != nil {
		slog.Warn("rescue: subtask read failed", "subtask_id", agent.CurrentSubtaskID, "error", err)
		return
	}
	if sub.Status.Terminal() {
		return
	}

	reason := fmt.Sprintf("agent %s died mid-execution", agent.ID)
	none := ""
	if sub.Attempts < sub.MaxAttempts {
		if _, err := m.st.UpdateSubtaskStatus(ctx, sub.ID, store.SubtaskPending,
			store.SubtaskUpdate{AssignedAgentID: &none, Error: reason}); err != nil {
			slog.Warn("rescue: pending reset failed", "subtask_id", sub.ID, "error", err)
			return
		}
		m.emit(bus.Event{Type: bus.SubtaskRetrying, TaskID: sub.ParentTaskID, SubtaskID: sub.ID})
		return
	}

	errMsg := fmt.Sprintf("%s; attempts exhausted (%d/%d)", reason, sub.Attempts, sub.MaxAttempts)
	if _, err := m.st.UpdateSubtaskStatus(ctx, sub.ID, store.SubtaskFailed,
		store.SubtaskUpdate{AssignedAgentID: &none, Error: errMsg}); err != nil {
		slog.Warn("rescue: failed transition failed", "subtask_id", sub.ID, "error", err)
		return
	}
	// Terminal subtasks carry exactly one stored result; synthesize it here.
	if err := m.st.StoreResult(ctx, sub.ParentTaskID, &store.SubtaskResult{
		SubtaskID: sub.ID, Success: false, Error: errMsg, ExecutionMs: 0,
	}); err != nil {
		slog.Warn("rescue: result write failed", "subtask_id", sub.ID, "error", err)
	}
	m.emit(bus.Event{Type: bus.SubtaskFailed, TaskID: sub.ParentTaskID, SubtaskID: sub.ID})
}

// Report returns the most recent check's rows.
func (m *Monitor) Report() []AgentHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AgentHealth, len(m.last))
	copy(out, m.last)
	return out
}

func (m *Monitor) emit(ev bus.Event) {
	if m.bus != nil {
		m.bus.Emit(ev)
	}
}
