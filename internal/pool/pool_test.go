package pool

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/aichestrator/internal/bus"
	"github.com/basket/aichestrator/internal/ipc"
	"github.com/basket/aichestrator/internal/store"
)

// TestHelperProcess is not a real test: it is the scripted worker body the
// pool tests spawn via re-exec. The behavior is selected with
// WORKER_BEHAVIOR.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	enc := ipc.NewEncoder(os.Stdout)
	dec := ipc.NewDecoder(os.Stdin)
	behavior := os.Getenv("WORKER_BEHAVIOR")

	if behavior == "never_ready" {
		time.Sleep(time.Minute)
		return
	}

	_ = enc.Encode(ipc.Message{Type: ipc.MsgReady, AgentID: os.Getenv("AICHESTRATOR_WORKER_ID")})

	aborted := make(chan struct{}, 1)
	for {
		msg, err := dec.Decode()
		if err == io.EOF {
			return
		}
		if err != nil {
			os.Exit(1)
		}
		switch msg.Type {
		case ipc.MsgShutdown:
			return
		case ipc.MsgAbort:
			select {
			case aborted <- struct{}{}:
			default:
			}
			if behavior == "ignore_abort" {
				continue
			}
			return
		case ipc.MsgExecute:
			switch behavior {
			case "crash":
				os.Exit(3)
			case "error":
				_ = enc.Encode(ipc.Message{Type: ipc.MsgError, SubtaskID: msg.Subtask.ID, Error: "internal failure"})
			case "ignore_abort":
				// Stay busy without replying; aborts are ignored above.
			case "slow":
				select {
				case <-aborted:
					return
				case <-time.After(30 * time.Second):
				}
			default: // "ok"
				_ = enc.Encode(ipc.Message{Type: ipc.MsgProgress, SubtaskID: msg.Subtask.ID, Data: "working"})
				_ = enc.Encode(ipc.Message{Type: ipc.MsgResult, Result: &store.SubtaskResult{
					SubtaskID: msg.Subtask.ID, Success: true, Output: "ok", ExecutionMs: 100,
				}})
			}
		}
	}
}

func helperConfig(behavior string, workers int) Config {
	return Config{
		MaxWorkers:        workers,
		WorkerTimeout:     30 * time.Second,
		HeartbeatInterval: 100 * time.Millisecond,
		ReadyTimeout:      5 * time.Second,
		AbortGrace:        200 * time.Millisecond,
		Command:           []string{os.Args[0], "-test.run=TestHelperProcess", "--"},
		Env: []string{
			"GO_WANT_HELPER_PROCESS=1",
			"WORKER_BEHAVIOR=" + behavior,
		},
	}
}

func startPool(t *testing.T, behavior string, workers int, b *bus.Bus) *Pool {
	t.Helper()
	p, err := New(helperConfig(behavior, workers), b)
	if err != nil {
		t.Fatal(err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func sub(id string) *store.Subtask {
	return &store.Subtask{
		ID: id, ParentTaskID: "t1", Description: "work on " + id,
		AgentType: store.AgentImplementer, Status: store.SubtaskQueued, MaxAttempts: 3,
	}
}

func TestExecuteSuccess(t *testing.T) {
	p := startPool(t, "ok", 1, nil)
	res := p.Execute(context.Background(), sub("s1"), "t1")
	if !res.Success || res.Output != "ok" {
		t.Fatalf("result: %+v", res)
	}
	if res.ExecutionMs != 100 {
		t.Fatalf("executionMs: %d", res.ExecutionMs)
	}
}

func TestExecuteAllParallelAndOrdered(t *testing.T) {
	p := startPool(t, "ok", 3, nil)
	subtasks := []*store.Subtask{sub("s1"), sub("s2"), sub("s3"), sub("s4")}
	results := p.ExecuteAll(context.Background(), subtasks, "t1")
	if len(results) != 4 {
		t.Fatalf("got %d results", len(results))
	}
	for i, res := range results {
		if res.SubtaskID != subtasks[i].ID {
			t.Fatalf("result %d out of order: %s", i, res.SubtaskID)
		}
		if !res.Success {
			t.Fatalf("result %d failed: %+v", i, res)
		}
	}
}

func TestWorkerCrashSynthesizesFailureAndReplaces(t *testing.T) {
	p := startPool(t, "crash", 1, nil)
	res := p.Execute(context.Background(), sub("s1"), "t1")
	if res.Success {
		t.Fatal("crash should fail the subtask")
	}
	if !strings.Contains(res.Error, "worker crashed") {
		t.Fatalf("error: %q", res.Error)
	}

	// A replacement worker comes up.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := p.GetStats(); s.Total == 1 && s.Idle == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("replacement worker never became idle: %+v", p.GetStats())
}

func TestWorkerErrorSynthesizesFailureAndReplaces(t *testing.T) {
	p := startPool(t, "error", 1, nil)
	res := p.Execute(context.Background(), sub("s1"), "t1")
	if res.Success {
		t.Fatal("worker error should fail the subtask")
	}
	if !strings.Contains(res.Error, "internal failure") {
		t.Fatalf("error: %q", res.Error)
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if s := p.GetStats(); s.Total == 1 && s.Idle == 1 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("replacement worker never became idle: %+v", p.GetStats())
}

func TestBatchSurvivesPartialFailure(t *testing.T) {
	// Every worker crashes on its subtask; each subtask still gets a result.
	p := startPool(t, "crash", 2, nil)
	results := p.ExecuteAll(context.Background(), []*store.Subtask{sub("s1"), sub("s2")}, "t1")
	if len(results) != 2 {
		t.Fatalf("got %d results", len(results))
	}
	for i, res := range results {
		if res == nil {
			t.Fatalf("result %d missing", i)
		}
		if res.Success {
			t.Fatalf("crash workers cannot succeed: %+v", res)
		}
	}
}

func TestCancelWorkerEscalation(t *testing.T) {
	p := startPool(t, "ignore_abort", 1, nil)

	done := make(chan *store.SubtaskResult, 1)
	go func() { done <- p.Execute(context.Background(), sub("s1"), "t1") }()

	// Wait for the assignment to land.
	deadline := time.Now().Add(2 * time.Second)
	var workerID string
	for time.Now().Before(deadline) {
		p.mu.Lock()
		for id, w := range p.workers {
			if w.state == stateBusy {
				workerID = id
			}
		}
		p.mu.Unlock()
		if workerID != "" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if workerID == "" {
		t.Fatal("no busy worker")
	}

	if !p.CancelWorker(workerID) {
		t.Fatal("cancel should find the worker")
	}
	if p.CancelWorker("nope") {
		t.Fatal("unknown worker should return false")
	}

	// The worker ignores abort; the pool escalates to a kill, the exit
	// handler synthesizes the failure.
	select {
	case res := <-done:
		if res.Success {
			t.Fatal("killed worker cannot succeed")
		}
		if !strings.Contains(res.Error, "worker crashed") {
			t.Fatalf("error: %q", res.Error)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("kill escalation never resolved the request")
	}
}

func TestStuckWorkerIsAborted(t *testing.T) {
	p := startPool(t, "slow", 1, nil)

	done := make(chan *store.SubtaskResult, 1)
	go func() { done <- p.Execute(context.Background(), sub("s1"), "t1") }()

	// "slow" sends nothing while busy; after 3 heartbeat intervals the
	// probe aborts it and the worker exits.
	select {
	case res := <-done:
		if res.Success {
			t.Fatal("stuck worker cannot succeed")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("stuck worker was never reaped")
	}
}

func TestShutdownRejectsPending(t *testing.T) {
	p := startPool(t, "slow", 1, nil)

	var wg sync.WaitGroup
	results := make([]*store.SubtaskResult, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.Execute(context.Background(), sub("s"+string(rune('1'+i))), "t1")
		}(i)
	}
	time.Sleep(200 * time.Millisecond)
	p.Shutdown()
	wg.Wait()

	sawRejected := false
	for _, res := range results {
		if res == nil {
			t.Fatal("missing result")
		}
		if strings.Contains(res.Error, "shut down") {
			sawRejected = true
		}
	}
	if !sawRejected {
		t.Fatalf("expected a pending rejection: %+v %+v", results[0], results[1])
	}

	// Execute after shutdown is rejected immediately.
	res := p.Execute(context.Background(), sub("s9"), "t1")
	if res.Success || !strings.Contains(res.Error, "shut down") {
		t.Fatalf("post-shutdown execute: %+v", res)
	}
}

func TestEventsEmitted(t *testing.T) {
	b := bus.New(nil)
	var mu sync.Mutex
	var order []bus.EventType
	b.On(func(ev bus.Event) {
		if ev.SubtaskID != "s1" {
			return
		}
		mu.Lock()
		order = append(order, ev.Type)
		mu.Unlock()
	}, bus.SubtaskQueued, bus.SubtaskAssigned, bus.SubtaskCompleted)

	p := startPool(t, "ok", 1, b)
	res := p.Execute(context.Background(), sub("s1"), "t1")
	if !res.Success {
		t.Fatalf("result: %+v", res)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []bus.EventType{bus.SubtaskQueued, bus.SubtaskAssigned, bus.SubtaskCompleted}
	if len(order) != len(want) {
		t.Fatalf("events: %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("event order: got %v, want %v", order, want)
		}
	}
}

func TestGetStats(t *testing.T) {
	p := startPool(t, "ok", 2, nil)
	s := p.GetStats()
	if s.Total != 2 || s.Idle != 2 || s.Busy != 0 || s.Pending != 0 {
		t.Fatalf("stats: %+v", s)
	}
}

func TestConfigValidation(t *testing.T) {
	if _, err := New(Config{MaxWorkers: 0}, nil); err == nil {
		t.Fatal("zero workers should be rejected")
	}
	if _, err := New(Config{MaxWorkers: 11}, nil); err == nil {
		t.Fatal("eleven workers should be rejected")
	}
}
