// Package remedy classifies failed subtasks into a remediation action.
// The classifier is an LLM call; every parse or call failure degrades to a
// safe retry decision so the scheduler's remediation path always has a
// decision to apply.
package remedy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/aichestrator/internal/llm"
	"github.com/basket/aichestrator/internal/store"
)

// Action is the remediation decision discriminator.
type Action string

const (
	ActionRetry     Action = "retry"
	ActionDecompose Action = "decompose"
	ActionSkip      Action = "skip"
	ActionFail      Action = "fail"
)

// NewSubtask is a replacement subtask proposed by a decompose decision.
// Dependencies index into the same NewSubtasks list.
type NewSubtask struct {
	Description  string          `json:"description"`
	AgentType    store.AgentType `json:"agentType"`
	Dependencies []int           `json:"dependencies"`
}

// Decision is the classifier's verdict for one failure.
type Decision struct {
	Action              Action       `json:"action"`
	Reason              string       `json:"reason"`
	ModifiedDescription string       `json:"modifiedDescription,omitempty"`
	NewSubtasks         []NewSubtask `json:"newSubtasks,omitempty"`
}

// Failure carries everything the classifier sees about one failed subtask.
type Failure struct {
	Subtask     *store.Subtask
	Error       string
	Attempt     int
	MaxAttempts int
	Completed   []*store.Subtask
	ProjectPath string
}

// Remediator wraps the LLM classifier.
type Remediator struct {
	client llm.Client
}

// New creates a Remediator over the given LLM client.
func New(client llm.Client) *Remediator {
	return &Remediator{client: client}
}

// retryFallback is the decision applied when classification itself fails.
func retryFallback(reason string) Decision {
	return Decision{Action: ActionRetry, Reason: reason}
}

// Decide classifies a failure. It never returns an error: any breakdown in
// the classifier collapses to a retry decision, which the scheduler bounds
// with the attempt cap.
func (r *Remediator) Decide(ctx context.Context, f Failure) Decision {
	reply, err := r.client.Complete(ctx, llm.Request{
		System: classifierSystem,
		Prompt: classifierPrompt(f),
	})
	if err != nil {
		slog.Warn("remediation call failed", "subtask_id", f.Subtask.ID, "error", err)
		return retryFallback("analysis failed")
	}

	jsonStr, err := llm.ExtractJSON(reply)
	if err != nil {
		slog.Warn("remediation reply carried no JSON", "subtask_id", f.Subtask.ID)
		return retryFallback("analysis failed")
	}
	if err := llm.ValidateAgainst(decisionSchema, jsonStr); err != nil {
		slog.Warn("remediation reply failed schema", "subtask_id", f.Subtask.ID, "error", err)
		return retryFallback("analysis failed")
	}

	var d Decision
	if err := json.Unmarshal([]byte(jsonStr), &d); err != nil {
		slog.Warn("remediation reply undecodable", "subtask_id", f.Subtask.ID, "error", err)
		return retryFallback("analysis failed")
	}

	switch d.Action {
	case ActionRetry, ActionDecompose, ActionSkip, ActionFail:
	default:
		slog.Warn("unknown remediation action, collapsing to retry", "action", d.Action)
		d.Action = ActionRetry
	}
	if d.Reason == "" {
		d.Reason = "unspecified"
	}
	for i := range d.NewSubtasks {
		d.NewSubtasks[i].AgentType = store.NormalizeAgentType(d.NewSubtasks[i].AgentType)
	}
	if d.Action == ActionDecompose && len(d.NewSubtasks) == 0 {
		// A decompose without replacements would silently drop the work.
		slog.Warn("decompose decision without newSubtasks, collapsing to retry", "subtask_id", f.Subtask.ID)
		return retryFallback("decompose decision carried no replacement subtasks")
	}
	return d
}

const classifierSystem = `You triage failed subtasks for a multi-agent software
orchestrator. Reply with a single JSON object and nothing else:
  "action": one of "retry", "decompose", "skip", "fail"
  "reason": one sentence
  "modifiedDescription": (retry only, optional) a rephrased description that
      avoids the failure
  "newSubtasks": (decompose only) array of {"description", "agentType",
      "dependencies"} where dependencies are indices among the new subtasks
Pick "retry" for transient or fixable failures, "decompose" when the subtask
is too broad, "skip" when the work is optional, "fail" when the task cannot
proceed.`

func classifierPrompt(f Failure) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Failed subtask [%s]: %s\n", f.Subtask.AgentType, f.Subtask.Description)
	fmt.Fprintf(&sb, "Error: %s\n", f.Error)
	fmt.Fprintf(&sb, "Attempt %d of %d.\n", f.Attempt, f.MaxAttempts)
	fmt.Fprintf(&sb, "Project path: %s\n", f.ProjectPath)
	if len(f.Completed) > 0 {
		sb.WriteString("\nAlready completed subtasks:\n")
		for _, s := range f.Completed {
			fmt.Fprintf(&sb, "- [%s] %s\n", s.AgentType, s.Description)
		}
	}
	sb.WriteString("\nClassify this failure. Reply with the JSON object only.")
	return sb.String()
}

var decisionSchema = llm.MustCompileSchema(`{
	"type": "object",
	"required": ["action", "reason"],
	"properties": {
		"action": {"type": "string"},
		"reason": {"type": "string"},
		"modifiedDescription": {"type": "string"},
		"newSubtasks": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["description", "agentType"],
				"properties": {
					"description": {"type": "string", "minLength": 1},
					"agentType": {"type": "string"},
					"dependencies": {"type": "array", "items": {"type": "integer", "minimum": 0}}
				}
			}
		}
	}
}`)
