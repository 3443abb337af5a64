// Package aggregate consolidates per-subtask results into a task-level
// report. Aggregation is a pure function over the store's records.
package aggregate

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/basket/aichestrator/internal/store"
)

// Summary is the headline counters of a report.
type Summary struct {
	Total           int   `json:"total"`
	Successful      int   `json:"successful"`
	Failed          int   `json:"failed"`
	TotalDurationMs int64 `json:"total_duration_ms"`
	AvgDurationMs   int64 `json:"avg_duration_ms"`
}

// TypeStats aggregates per agent role.
type TypeStats struct {
	Count         int   `json:"count"`
	Successful    int   `json:"successful"`
	Failed        int   `json:"failed"`
	AvgDurationMs int64 `json:"avg_duration_ms"`
}

// TimelineEntry is one executed subtask ordered by start time.
type TimelineEntry struct {
	SubtaskID   string          `json:"subtask_id"`
	AgentType   store.AgentType `json:"agent_type"`
	Description string          `json:"description"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	DurationMs  int64           `json:"duration_ms"`
	Success     bool            `json:"success"`
}

// Output pairs a subtask's role with what it produced.
type Output struct {
	SubtaskID   string          `json:"subtask_id"`
	AgentType   store.AgentType `json:"agent_type"`
	Description string          `json:"description"`
	Text        string          `json:"text"`
}

// Report is the consolidated view of a finished task.
type Report struct {
	TaskID        string                        `json:"task_id"`
	Summary       Summary                       `json:"summary"`
	ByAgentType   map[store.AgentType]TypeStats `json:"by_agent_type"`
	Outputs       []Output                      `json:"outputs"`
	Errors        []string                      `json:"errors"`
	Insights      []string                      `json:"insights"`
	FilesModified []string                      `json:"files_modified"`
	Timeline      []TimelineEntry               `json:"timeline"`
}

// Aggregate loads a task's subtasks, results, and shared context and folds
// them into a Report.
func Aggregate(ctx context.Context, st store.Store, taskID string) (*Report, error) {
	subtasks, err := st.GetSubtasksForTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}
	results, err := st.GetResults(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("aggregate: %w", err)
	}

	report := &Report{
		TaskID:      taskID,
		ByAgentType: make(map[store.AgentType]TypeStats),
	}

	var totalDuration int64
	for _, sub := range subtasks {
		res, ok := results[sub.ID]
		if !ok {
			continue // never reached a terminal state
		}
		report.Summary.Total++
		totalDuration += res.ExecutionMs

		stats := report.ByAgentType[sub.AgentType]
		stats.Count++
		prevDur := stats.AvgDurationMs * int64(stats.Count-1)
		stats.AvgDurationMs = (prevDur + res.ExecutionMs) / int64(stats.Count)

		if res.Success {
			report.Summary.Successful++
			stats.Successful++
			if res.Output != "" {
				report.Outputs = append(report.Outputs, Output{
					SubtaskID: sub.ID, AgentType: sub.AgentType,
					Description: sub.Description, Text: res.Output,
				})
			}
		} else {
			report.Summary.Failed++
			stats.Failed++
			if res.Error != "" {
				report.Errors = append(report.Errors, fmt.Sprintf("[%s] %s: %s", sub.AgentType, sub.Description, res.Error))
			}
		}
		report.ByAgentType[sub.AgentType] = stats

		report.Timeline = append(report.Timeline, TimelineEntry{
			SubtaskID:   sub.ID,
			AgentType:   sub.AgentType,
			Description: sub.Description,
			StartedAt:   sub.StartedAt,
			CompletedAt: sub.CompletedAt,
			DurationMs:  res.ExecutionMs,
			Success:     res.Success,
		})
	}

	report.Summary.TotalDurationMs = totalDuration
	if report.Summary.Total > 0 {
		report.Summary.AvgDurationMs = totalDuration / int64(report.Summary.Total)
	}

	sort.SliceStable(report.Timeline, func(i, j int) bool {
		return report.Timeline[i].StartedAt.Before(report.Timeline[j].StartedAt)
	})

	if sc, err := st.GetContext(ctx, taskID); err == nil {
		seenFiles := make(map[string]bool)
		for _, entry := range sc.Discoveries {
			switch entry.Type {
			case store.ContextInsight:
				report.Insights = append(report.Insights, entry.Data)
			case store.ContextFile:
				if !seenFiles[entry.Data] {
					seenFiles[entry.Data] = true
					report.FilesModified = append(report.FilesModified, entry.Data)
				}
			}
		}
	}

	return report, nil
}
