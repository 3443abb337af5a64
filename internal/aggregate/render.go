package aggregate

import (
	"fmt"
	"strings"

	"github.com/basket/aichestrator/internal/store"
)

// roleOrder is the presentation order for merged outputs. Builder work is
// infrastructure and goes last.
var roleOrder = []store.AgentType{
	store.AgentResearcher,
	store.AgentImplementer,
	store.AgentTester,
	store.AgentReviewer,
	store.AgentDocumenter,
	store.AgentBuilder,
}

// roleHeadings for the merged view.
var roleHeadings = map[store.AgentType]string{
	store.AgentResearcher:  "Research",
	store.AgentImplementer: "Implementation",
	store.AgentTester:      "Testing",
	store.AgentReviewer:    "Review",
	store.AgentDocumenter:  "Documentation",
	store.AgentBuilder:     "Build",
}

// RenderSummary produces the human-readable markdown summary of a report.
func (r *Report) RenderSummary() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Task report\n\n")
	fmt.Fprintf(&sb, "- Subtasks: %d (%d succeeded, %d failed)\n",
		r.Summary.Total, r.Summary.Successful, r.Summary.Failed)
	fmt.Fprintf(&sb, "- Total execution: %dms (avg %dms)\n",
		r.Summary.TotalDurationMs, r.Summary.AvgDurationMs)

	if len(r.ByAgentType) > 0 {
		sb.WriteString("\n## By role\n\n")
		for _, role := range roleOrder {
			stats, ok := r.ByAgentType[role]
			if !ok {
				continue
			}
			fmt.Fprintf(&sb, "- %s: %d run, %d ok, %d failed, avg %dms\n",
				role, stats.Count, stats.Successful, stats.Failed, stats.AvgDurationMs)
		}
	}

	if len(r.FilesModified) > 0 {
		sb.WriteString("\n## Files touched\n\n")
		for _, f := range r.FilesModified {
			fmt.Fprintf(&sb, "- `%s`\n", f)
		}
	}

	if len(r.Insights) > 0 {
		sb.WriteString("\n## Insights\n\n")
		for _, ins := range r.Insights {
			fmt.Fprintf(&sb, "- %s\n", ins)
		}
	}

	if len(r.Errors) > 0 {
		sb.WriteString("\n## Errors\n\n")
		for _, e := range r.Errors {
			fmt.Fprintf(&sb, "- %s\n", e)
		}
	}
	return sb.String()
}

// MergeOutputs joins all subtask outputs grouped by role in presentation
// order.
func (r *Report) MergeOutputs() string {
	byRole := make(map[store.AgentType][]Output)
	for _, out := range r.Outputs {
		byRole[out.AgentType] = append(byRole[out.AgentType], out)
	}

	var sb strings.Builder
	for _, role := range roleOrder {
		outputs := byRole[role]
		if len(outputs) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "## %s\n\n", roleHeadings[role])
		for _, out := range outputs {
			fmt.Fprintf(&sb, "### %s\n\n%s\n\n", out.Description, out.Text)
		}
	}
	return strings.TrimRight(sb.String(), "\n") + "\n"
}
