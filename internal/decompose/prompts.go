package decompose

import (
	"fmt"
	"strings"

	"github.com/basket/aichestrator/internal/store"
)

const plannerSystem = `You are the planning component of a multi-agent software
orchestrator. You reply with a single JSON array of subtask objects and
nothing else. Each object has:
  "description": imperative, self-contained instruction for one worker
  "agentType": one of researcher, implementer, reviewer, tester, documenter, builder
  "dependencies": array of zero-based indices into this same array
  "estimatedComplexity": 1 (trivial) to 5 (very hard), optional
Dependencies must form a directed acyclic graph. Never reference an index
outside the array and never make a subtask depend on itself.`

func taskHeader(task *store.Task) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Task type: %s\n", task.Type)
	fmt.Fprintf(&sb, "Project path: %s\n", task.ProjectPath)
	fmt.Fprintf(&sb, "Task:\n%s\n", task.Description)
	return sb.String()
}

func parallelPrompt(task *store.Task, info ProjectInfo) string {
	var sb strings.Builder
	sb.WriteString(taskHeader(task))
	fmt.Fprintf(&sb, "\nProject analysis: type=%s, build system present=%t, meaningful files=%d.\n",
		info.Type, info.HasBuildSystem, info.MeaningfulFiles)
	sb.WriteString(`
Break this task into subtasks that MAXIMIZE parallel execution: prefer many
independent subtasks over long chains. Only add a dependency when one
subtask genuinely consumes another's output. Research before implementation,
review and tests after. Reply with the JSON array only.`)
	return sb.String()
}

func phasesPrompt(task *store.Task) string {
	var sb strings.Builder
	sb.WriteString(taskHeader(task))
	sb.WriteString(`
Break this task into 2-6 COARSE sequential phases. Each phase is one subtask
object; set "estimatedComplexity" honestly (phases above 2 will be expanded
into finer steps). Leave "dependencies" empty; phase ordering is implied by
array order. Reply with the JSON array only.`)
	return sb.String()
}

func expandPrompt(task *store.Task, phase Result) string {
	var sb strings.Builder
	sb.WriteString(taskHeader(task))
	fmt.Fprintf(&sb, "\nExpand this phase into 2-5 concrete steps:\n%s\n", phase.Description)
	sb.WriteString(`
Each step is one subtask object. Leave "dependencies" empty; the steps run
after their phase and ordering between them is handled elsewhere. Reply with
the JSON array only.`)
	return sb.String()
}

func resumePrompt(task *store.Task, rc ResumeContext) string {
	var sb strings.Builder
	sb.WriteString(taskHeader(task))

	sb.WriteString("\nA previous run already executed part of this task.\n")
	if len(rc.CompletedWork) > 0 {
		sb.WriteString("\nCompleted subtasks:\n")
		for _, w := range rc.CompletedWork {
			fmt.Fprintf(&sb, "- [%s] %s\n", w.AgentType, w.Description)
		}
	}
	if len(rc.FailedWork) > 0 {
		sb.WriteString("\nFailed subtasks:\n")
		for _, w := range rc.FailedWork {
			fmt.Fprintf(&sb, "- [%s] %s (error: %s)\n", w.AgentType, w.Description, w.Error)
		}
	}
	sb.WriteString(`
Plan ONLY the additional work still needed to finish the task: redo failed
work (fixed), and fill any gaps. Do not repeat completed work. If nothing
remains, reply with an empty JSON array []. Reply with the JSON array only.`)
	return sb.String()
}
