// Package decompose turns a task into a validated, acyclic list of subtasks
// with index-based dependencies. Two strategies exist (parallel and
// hierarchical) plus a resume mode that plans only the remaining work.
package decompose

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/basket/aichestrator/internal/config"
	"github.com/basket/aichestrator/internal/errs"
	"github.com/basket/aichestrator/internal/llm"
	"github.com/basket/aichestrator/internal/store"
)

// Result is one planned subtask. Dependencies are indices into the same
// list.
type Result struct {
	Description  string          `json:"description"`
	AgentType    store.AgentType `json:"agentType"`
	Dependencies []int           `json:"dependencies"`
	Priority     int             `json:"priority,omitempty"`
	Complexity   float64         `json:"estimatedComplexity,omitempty"`
}

// WorkItem summarizes a prior subtask for resume planning.
type WorkItem struct {
	Description string          `json:"description"`
	AgentType   store.AgentType `json:"agentType"`
	Output      string          `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ResumeContext partitions a prior run's subtasks for the resume planner.
type ResumeContext struct {
	CompletedWork []WorkItem
	FailedWork    []WorkItem
}

// maxDepth bounds hierarchical phase expansion.
const maxDepth = 3

// complexityExpandThreshold: phases estimated above this get expanded.
const complexityExpandThreshold = 2

// autoHierarchicalLen: auto strategy switches to hierarchical for
// descriptions longer than this.
const autoHierarchicalLen = 300

// Decomposer plans subtasks with an LLM call per strategy.
type Decomposer struct {
	client llm.Client
}

// New creates a Decomposer over the given LLM client.
func New(client llm.Client) *Decomposer {
	return &Decomposer{client: client}
}

// Decompose plans the task with the named strategy (parallel, hierarchical,
// auto). The returned list is validated: non-empty, acyclic, in-range
// dependencies, known agent types.
func (d *Decomposer) Decompose(ctx context.Context, task *store.Task, strategy string) ([]Result, error) {
	switch strategy {
	case config.StrategyHierarchical:
		return d.Hierarchical(ctx, task)
	case config.StrategyParallel:
		return d.Parallel(ctx, task)
	case config.StrategyAuto:
		if len(task.Description) > autoHierarchicalLen {
			return d.Hierarchical(ctx, task)
		}
		return d.Parallel(ctx, task)
	default:
		return nil, errs.Validation("strategy", nil, "unknown decomposition strategy %q", strategy)
	}
}

// Parallel asks for a plan that maximizes independent subtasks, seeded with
// a project-type analysis of the task's tree.
func (d *Decomposer) Parallel(ctx context.Context, task *store.Task) ([]Result, error) {
	info := AnalyzeProject(task.ProjectPath, task.Description)
	prompt := parallelPrompt(task, info)

	items, err := d.planCall(ctx, prompt)
	if err != nil {
		return nil, err
	}
	items = info.mandateBuilders(items)
	if err := Validate(items, false); err != nil {
		return nil, err
	}
	return items, nil
}

// Hierarchical plans coarse phases first, then expands complex phases up to
// maxDepth. The flattened list makes every expanded step, at any depth,
// depend on its top-level phase (a nested step does not depend on the step
// it was expanded from), and every phase depend on the previous phase's last
// descendant.
func (d *Decomposer) Hierarchical(ctx context.Context, task *store.Task) ([]Result, error) {
	phases, err := d.planCall(ctx, phasesPrompt(task))
	if err != nil {
		return nil, err
	}
	if len(phases) == 0 {
		return nil, errs.Validation("empty", nil, "decomposition produced no phases")
	}

	var flat []Result
	prevLast := -1
	for _, phase := range phases {
		phase.Dependencies = nil
		if prevLast >= 0 {
			phase.Dependencies = []int{prevLast}
		}
		phaseIdx := len(flat)
		flat = append(flat, phase)
		last := phaseIdx

		if phase.Complexity > complexityExpandThreshold {
			children, err := d.expand(ctx, task, phase, 1)
			if err != nil {
				return nil, err
			}
			for _, child := range children {
				child.Dependencies = []int{phaseIdx}
				flat = append(flat, child)
				last = len(flat) - 1
			}
		}
		prevLast = last
	}

	if err := Validate(flat, false); err != nil {
		return nil, err
	}
	return flat, nil
}

// expand recursively breaks a phase into steps until the depth cap.
// Children returned here carry no dependencies; the caller wires them.
func (d *Decomposer) expand(ctx context.Context, task *store.Task, phase Result, depth int) ([]Result, error) {
	if depth >= maxDepth {
		return nil, nil
	}
	children, err := d.planCall(ctx, expandPrompt(task, phase))
	if err != nil {
		return nil, err
	}
	var out []Result
	for _, child := range children {
		out = append(out, child)
		if child.Complexity > complexityExpandThreshold {
			grand, err := d.expand(ctx, task, child, depth+1)
			if err != nil {
				return nil, err
			}
			out = append(out, grand...)
		}
	}
	return out, nil
}

// Resume plans only the additional work given what already completed and
// failed. An empty plan means the task is already done and is accepted.
func (d *Decomposer) Resume(ctx context.Context, task *store.Task, rc ResumeContext) ([]Result, error) {
	items, err := d.planCall(ctx, resumePrompt(task, rc))
	if err != nil {
		return nil, err
	}
	if err := Validate(items, true); err != nil {
		return nil, err
	}
	return items, nil
}

// planCall runs one LLM completion and parses the plan array out of it.
func (d *Decomposer) planCall(ctx context.Context, prompt string) ([]Result, error) {
	reply, err := d.client.Complete(ctx, llm.Request{
		System: plannerSystem,
		Prompt: prompt,
	})
	if err != nil {
		return nil, errs.Task("decompose_call", err, "decomposition LLM call failed")
	}

	jsonStr, err := llm.ExtractJSON(reply)
	if err != nil {
		return nil, errs.Validation("decompose_parse", err, "decomposition reply carries no JSON")
	}
	if err := llm.ValidateAgainst(planSchema, jsonStr); err != nil {
		return nil, errs.Validation("decompose_schema", err, "decomposition reply failed schema")
	}

	var items []Result
	if err := json.Unmarshal([]byte(jsonStr), &items); err != nil {
		return nil, errs.Validation("decompose_parse", err, "decomposition reply not a plan array")
	}
	for i := range items {
		items[i].Description = strings.TrimSpace(items[i].Description)
		if !store.KnownAgentType(items[i].AgentType) {
			slog.Debug("normalizing unknown agent type", "got", items[i].AgentType)
			items[i].AgentType = store.AgentImplementer
		}
	}
	return items, nil
}

var planSchema = llm.MustCompileSchema(`{
	"type": "array",
	"items": {
		"type": "object",
		"required": ["description", "agentType", "dependencies"],
		"properties": {
			"description": {"type": "string", "minLength": 1},
			"agentType": {"type": "string"},
			"dependencies": {"type": "array", "items": {"type": "integer", "minimum": 0}},
			"priority": {"type": "integer"},
			"estimatedComplexity": {"type": "number"}
		}
	}
}`)
