package workerproc

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/basket/aichestrator/internal/ipc"
	"github.com/basket/aichestrator/internal/llm"
	"github.com/basket/aichestrator/internal/store"
)

// harness runs a Worker over in-process pipes.
type harness struct {
	st     *store.MemoryStore
	enc    *ipc.Encoder // test -> worker stdin
	dec    *ipc.Decoder // worker stdout -> test
	inW    *io.PipeWriter
	runErr chan error
}

func newHarness(t *testing.T, client llm.Client) *harness {
	t.Helper()
	st := store.NewMemory(time.Second)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	cfg := Config{
		WorkerID:          "w1",
		HeartbeatInterval: 50 * time.Millisecond,
		WorkerTimeout:     2 * time.Second,
	}
	w := New(cfg, st, client, inR, outW)

	h := &harness{
		st:     st,
		enc:    ipc.NewEncoder(inW),
		dec:    ipc.NewDecoder(outR),
		inW:    inW,
		runErr: make(chan error, 1),
	}
	go func() { h.runErr <- w.Run(context.Background()) }()
	t.Cleanup(func() { _ = inW.Close() })
	return h
}

// expect reads messages until one of the wanted type arrives, skipping
// heartbeats and progress.
func (h *harness) expect(t *testing.T, want ipc.MessageType) ipc.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	got := make(chan ipc.Message, 1)
	errCh := make(chan error, 1)
	go func() {
		for {
			msg, err := h.dec.Decode()
			if err != nil {
				errCh <- err
				return
			}
			if msg.Type == want {
				got <- msg
				return
			}
		}
	}()
	select {
	case msg := <-got:
		return msg
	case err := <-errCh:
		t.Fatalf("stream ended waiting for %s: %v", want, err)
	case <-deadline:
		t.Fatalf("timed out waiting for %s", want)
	}
	return ipc.Message{}
}

func seedTask(t *testing.T, st *store.MemoryStore, projectPath string) {
	t.Helper()
	ctx := context.Background()
	task := &store.Task{
		ID: "t1", Description: "overall goal", ProjectPath: projectPath,
		Type: store.TaskFeature, Status: store.TaskExecuting,
		Constraints: store.Constraints{MaxAgents: 3, Timeout: time.Minute},
		CreatedAt:   time.Now(), UpdatedAt: time.Now(),
	}
	if err := st.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := st.InitContext(ctx, "t1", projectPath); err != nil {
		t.Fatal(err)
	}
}

func testSubtask() *store.Subtask {
	return &store.Subtask{
		ID: "s1", ParentTaskID: "t1", Description: "implement the widget",
		AgentType: store.AgentImplementer, Status: store.SubtaskQueued, MaxAttempts: 3,
	}
}

func TestWorkerRegistersAndSignalsReady(t *testing.T) {
	h := newHarness(t, llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		return "done", nil
	}))
	msg := h.expect(t, ipc.MsgReady)
	if msg.AgentID != "w1" {
		t.Fatalf("ready agent: %q", msg.AgentID)
	}
	if _, err := h.st.GetAgent(context.Background(), "w1"); err != nil {
		t.Fatalf("agent not registered: %v", err)
	}
	alive, _ := h.st.IsAgentAlive(context.Background(), "w1")
	if !alive {
		t.Fatal("agent should be alive after registration heartbeat")
	}
}

func TestWorkerExecutesAndReportsResult(t *testing.T) {
	var gotSystem, gotPrompt string
	h := newHarness(t, llm.ClientFunc(func(_ context.Context, req llm.Request) (string, error) {
		gotSystem, gotPrompt = req.System, req.Prompt
		return "implemented the widget\nINSIGHT: widget config lives in widget.yaml\nFILE: internal/widget.go", nil
	}))
	seedTask(t, h.st, t.TempDir())
	if err := h.st.CreateSubtask(context.Background(), testSubtask()); err != nil {
		t.Fatal(err)
	}

	h.expect(t, ipc.MsgReady)
	if err := h.enc.Encode(ipc.Message{Type: ipc.MsgExecute, TaskID: "t1", Subtask: testSubtask()}); err != nil {
		t.Fatal(err)
	}

	msg := h.expect(t, ipc.MsgResult)
	if !msg.Result.Success {
		t.Fatalf("result: %+v", msg.Result)
	}
	if !strings.Contains(msg.Result.Output, "implemented the widget") {
		t.Fatalf("output: %q", msg.Result.Output)
	}

	if !strings.Contains(gotSystem, "implementation agent") {
		t.Fatalf("role prompt not applied: %q", gotSystem)
	}
	if !strings.Contains(gotPrompt, "implement the widget") || !strings.Contains(gotPrompt, "overall goal") {
		t.Fatalf("prompt: %q", gotPrompt)
	}

	// Status transitions: executing incremented attempts; worker returned idle.
	sub, err := h.st.GetSubtask(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	if sub.Attempts != 1 {
		t.Fatalf("attempts: %d", sub.Attempts)
	}
	if sub.AssignedAgentID != "w1" {
		t.Fatalf("assigned agent: %q", sub.AssignedAgentID)
	}

	agent, err := h.st.GetAgent(context.Background(), "w1")
	if err != nil {
		t.Fatal(err)
	}
	if agent.Status != store.AgentIdle {
		t.Fatalf("agent status: %s", agent.Status)
	}
	if agent.Metrics.TasksCompleted != 1 {
		t.Fatalf("metrics: %+v", agent.Metrics)
	}

	// Discovery markers landed in the shared context.
	sc, err := h.st.GetContext(context.Background(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(sc.Discoveries) != 2 {
		t.Fatalf("discoveries: %+v", sc.Discoveries)
	}
	if sc.Discoveries[0].Type != store.ContextInsight || sc.Discoveries[1].Type != store.ContextFile {
		t.Fatalf("discovery types: %+v", sc.Discoveries)
	}
}

func TestWorkerLLMFailureBecomesFailureResult(t *testing.T) {
	h := newHarness(t, llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		return "", io.ErrUnexpectedEOF
	}))
	seedTask(t, h.st, t.TempDir())
	if err := h.st.CreateSubtask(context.Background(), testSubtask()); err != nil {
		t.Fatal(err)
	}

	h.expect(t, ipc.MsgReady)
	if err := h.enc.Encode(ipc.Message{Type: ipc.MsgExecute, TaskID: "t1", Subtask: testSubtask()}); err != nil {
		t.Fatal(err)
	}
	msg := h.expect(t, ipc.MsgResult)
	if msg.Result.Success {
		t.Fatal("LLM failure must produce a failure result, not success")
	}
	if msg.Result.Error == "" {
		t.Fatal("failure result missing error")
	}
}

func TestWorkerAbortProducesAbortedResult(t *testing.T) {
	blocking := llm.ClientFunc(func(ctx context.Context, _ llm.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	h := newHarness(t, blocking)
	seedTask(t, h.st, t.TempDir())
	if err := h.st.CreateSubtask(context.Background(), testSubtask()); err != nil {
		t.Fatal(err)
	}

	h.expect(t, ipc.MsgReady)
	if err := h.enc.Encode(ipc.Message{Type: ipc.MsgExecute, TaskID: "t1", Subtask: testSubtask()}); err != nil {
		t.Fatal(err)
	}
	// Let execution start, then abort.
	time.Sleep(100 * time.Millisecond)
	if err := h.enc.Encode(ipc.Message{Type: ipc.MsgAbort}); err != nil {
		t.Fatal(err)
	}

	msg := h.expect(t, ipc.MsgResult)
	if msg.Result.Success {
		t.Fatal("aborted work cannot succeed")
	}
	if !strings.Contains(msg.Result.Error, "aborted") {
		t.Fatalf("error: %q", msg.Result.Error)
	}
}

func TestWorkerTimeoutProducesTimeoutResult(t *testing.T) {
	blocking := llm.ClientFunc(func(ctx context.Context, _ llm.Request) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	st := store.NewMemory(time.Second)
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	cfg := Config{WorkerID: "w1", HeartbeatInterval: 50 * time.Millisecond, WorkerTimeout: 150 * time.Millisecond}
	w := New(cfg, st, blocking, inR, outW)
	go func() { _ = w.Run(context.Background()) }()
	t.Cleanup(func() { _ = inW.Close() })

	h := &harness{st: st, enc: ipc.NewEncoder(inW), dec: ipc.NewDecoder(outR)}
	seedTask(t, st, t.TempDir())
	if err := st.CreateSubtask(context.Background(), testSubtask()); err != nil {
		t.Fatal(err)
	}

	h.expect(t, ipc.MsgReady)
	if err := h.enc.Encode(ipc.Message{Type: ipc.MsgExecute, TaskID: "t1", Subtask: testSubtask()}); err != nil {
		t.Fatal(err)
	}
	msg := h.expect(t, ipc.MsgResult)
	if msg.Result.Success || !strings.Contains(msg.Result.Error, "exceeded") {
		t.Fatalf("timeout result: %+v", msg.Result)
	}
}

func TestWorkerShutdownRemovesRegistration(t *testing.T) {
	h := newHarness(t, llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		return "x", nil
	}))
	h.expect(t, ipc.MsgReady)
	if err := h.enc.Encode(ipc.Message{Type: ipc.MsgShutdown}); err != nil {
		t.Fatal(err)
	}
	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit on shutdown")
	}
	if _, err := h.st.GetAgent(context.Background(), "w1"); err == nil {
		t.Fatal("graceful shutdown should deregister the agent")
	}
}

func TestWorkerExitsOnStdinEOF(t *testing.T) {
	h := newHarness(t, llm.ClientFunc(func(context.Context, llm.Request) (string, error) {
		return "x", nil
	}))
	h.expect(t, ipc.MsgReady)
	_ = h.inW.Close()
	select {
	case err := <-h.runErr:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit on EOF")
	}
}

func TestRolePromptFallback(t *testing.T) {
	p := rolePrompt(store.AgentType("wizard"))
	if !strings.Contains(p, "implementation agent") {
		t.Fatalf("unknown role should fall back to implementer: %q", p)
	}
	if !strings.Contains(rolePrompt(store.AgentTester), "testing agent") {
		t.Fatal("tester prompt wrong")
	}
	if !strings.Contains(p, "INSIGHT:") {
		t.Fatal("shared markers missing")
	}
}
