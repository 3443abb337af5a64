package aggregate

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/basket/aichestrator/internal/store"
)

func seed(t *testing.T) *store.MemoryStore {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory(time.Second)

	base := time.Now().Add(-time.Minute)
	subs := []struct {
		id      string
		agent   store.AgentType
		start   time.Duration
		success bool
		output  string
		err     string
		ms      int64
	}{
		{"s2", store.AgentImplementer, 10 * time.Second, true, "implemented feature", "", 200},
		{"s1", store.AgentResearcher, 0, true, "found the entry points", "", 100},
		{"s3", store.AgentTester, 20 * time.Second, false, "", "tests failed", 300},
	}
	for _, s := range subs {
		status := store.SubtaskCompleted
		if !s.success {
			status = store.SubtaskFailed
		}
		sub := &store.Subtask{
			ID: s.id, ParentTaskID: "t1", Description: "do " + s.id,
			AgentType: s.agent, Status: status, Attempts: 1, MaxAttempts: 3,
			StartedAt:   base.Add(s.start),
			CompletedAt: base.Add(s.start + time.Duration(s.ms)*time.Millisecond),
		}
		if err := st.CreateSubtask(ctx, sub); err != nil {
			t.Fatal(err)
		}
		if err := st.StoreResult(ctx, "t1", &store.SubtaskResult{
			SubtaskID: s.id, Success: s.success, Output: s.output, Error: s.err, ExecutionMs: s.ms,
		}); err != nil {
			t.Fatal(err)
		}
	}

	if err := st.InitContext(ctx, "t1", "/tmp/p"); err != nil {
		t.Fatal(err)
	}
	entries := []store.ContextEntry{
		{AgentID: "a1", Type: store.ContextInsight, Data: "config is yaml"},
		{AgentID: "a1", Type: store.ContextFile, Data: "main.go"},
		{AgentID: "a2", Type: store.ContextFile, Data: "main.go"}, // duplicate
		{AgentID: "a2", Type: store.ContextFile, Data: "util.go"},
		{AgentID: "a2", Type: store.ContextDiscovery, Data: "uses port 8080"},
	}
	for _, e := range entries {
		if err := st.AppendContext(ctx, "t1", e); err != nil {
			t.Fatal(err)
		}
	}
	return st
}

func TestAggregateSummaryInvariant(t *testing.T) {
	st := seed(t)
	r, err := Aggregate(context.Background(), st, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Summary.Total != 3 || r.Summary.Successful != 2 || r.Summary.Failed != 1 {
		t.Fatalf("summary: %+v", r.Summary)
	}
	if r.Summary.Successful+r.Summary.Failed != r.Summary.Total {
		t.Fatal("successful + failed must equal total")
	}
	if r.Summary.TotalDurationMs != 600 || r.Summary.AvgDurationMs != 200 {
		t.Fatalf("durations: %+v", r.Summary)
	}
}

func TestAggregateByAgentType(t *testing.T) {
	st := seed(t)
	r, err := Aggregate(context.Background(), st, "t1")
	if err != nil {
		t.Fatal(err)
	}
	impl := r.ByAgentType[store.AgentImplementer]
	if impl.Count != 1 || impl.Successful != 1 || impl.AvgDurationMs != 200 {
		t.Fatalf("implementer stats: %+v", impl)
	}
	tester := r.ByAgentType[store.AgentTester]
	if tester.Failed != 1 {
		t.Fatalf("tester stats: %+v", tester)
	}
}

func TestAggregateTimelineSorted(t *testing.T) {
	st := seed(t)
	r, err := Aggregate(context.Background(), st, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Timeline) != 3 {
		t.Fatalf("timeline: %d entries", len(r.Timeline))
	}
	// Insertion order was s2, s1, s3; start-time order is s1, s2, s3.
	want := []string{"s1", "s2", "s3"}
	for i, entry := range r.Timeline {
		if entry.SubtaskID != want[i] {
			t.Fatalf("timeline order: got %v", r.Timeline)
		}
	}
}

func TestAggregateContextViews(t *testing.T) {
	st := seed(t)
	r, err := Aggregate(context.Background(), st, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(r.Insights) != 1 || r.Insights[0] != "config is yaml" {
		t.Fatalf("insights: %v", r.Insights)
	}
	if len(r.FilesModified) != 2 {
		t.Fatalf("files should be deduplicated: %v", r.FilesModified)
	}
}

func TestAggregateSkipsNonTerminalSubtasks(t *testing.T) {
	st := seed(t)
	ctx := context.Background()
	if err := st.CreateSubtask(ctx, &store.Subtask{
		ID: "s4", ParentTaskID: "t1", Description: "still running",
		AgentType: store.AgentImplementer, Status: store.SubtaskExecuting,
		Attempts: 1, MaxAttempts: 3,
	}); err != nil {
		t.Fatal(err)
	}
	r, err := Aggregate(ctx, st, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if r.Summary.Total != 3 {
		t.Fatalf("non-terminal subtask counted: %+v", r.Summary)
	}
}

func TestRenderSummary(t *testing.T) {
	st := seed(t)
	r, err := Aggregate(context.Background(), st, "t1")
	if err != nil {
		t.Fatal(err)
	}
	md := r.RenderSummary()
	for _, want := range []string{"Subtasks: 3", "2 succeeded", "1 failed", "`main.go`", "config is yaml", "tests failed"} {
		if !strings.Contains(md, want) {
			t.Fatalf("summary missing %q:\n%s", want, md)
		}
	}
}

func TestMergeOutputsRoleOrder(t *testing.T) {
	st := seed(t)
	r, err := Aggregate(context.Background(), st, "t1")
	if err != nil {
		t.Fatal(err)
	}
	merged := r.MergeOutputs()
	research := strings.Index(merged, "## Research")
	impl := strings.Index(merged, "## Implementation")
	if research < 0 || impl < 0 {
		t.Fatalf("sections missing:\n%s", merged)
	}
	if research > impl {
		t.Fatal("research must precede implementation")
	}
	// The failed tester produced no output, so no Testing section.
	if strings.Contains(merged, "## Testing") {
		t.Fatalf("unexpected testing section:\n%s", merged)
	}
}
