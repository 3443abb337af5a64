package ipc

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/basket/aichestrator/internal/store"
)

func TestRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)

	msgs := []Message{
		{Type: MsgReady, AgentID: "a1"},
		{Type: MsgExecute, TaskID: "t1", Subtask: &store.Subtask{
			ID: "s1", ParentTaskID: "t1", Description: "do it",
			AgentType: store.AgentImplementer, Status: store.SubtaskAssigned, MaxAttempts: 3,
		}},
		{Type: MsgProgress, SubtaskID: "s1", Data: "halfway"},
		{Type: MsgResult, Result: &store.SubtaskResult{SubtaskID: "s1", Success: true, Output: "ok", ExecutionMs: 42}},
	}
	for _, m := range msgs {
		if err := enc.Encode(m); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}

	dec := NewDecoder(&buf)
	for i, want := range msgs {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("decode %d: %v", i, err)
		}
		if got.Type != want.Type {
			t.Fatalf("msg %d type: got %s, want %s", i, got.Type, want.Type)
		}
	}
	if _, err := dec.Decode(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}

	// One message per line.
	var buf2 bytes.Buffer
	enc2 := NewEncoder(&buf2)
	for _, m := range msgs {
		_ = enc2.Encode(m)
	}
	if got := strings.Count(buf2.String(), "\n"); got != len(msgs) {
		t.Fatalf("framing: got %d newlines, want %d", got, len(msgs))
	}
}

func TestExecutePayloadSurvives(t *testing.T) {
	var buf bytes.Buffer
	sub := &store.Subtask{
		ID: "s1", ParentTaskID: "t1", Description: "implement parser",
		AgentType: store.AgentImplementer, Dependencies: []string{"s0"},
		Status: store.SubtaskAssigned, Attempts: 1, MaxAttempts: 3,
	}
	if err := NewEncoder(&buf).Encode(Message{Type: MsgExecute, TaskID: "t1", Subtask: sub}); err != nil {
		t.Fatal(err)
	}
	got, err := NewDecoder(&buf).Decode()
	if err != nil {
		t.Fatal(err)
	}
	if got.Subtask == nil || got.Subtask.ID != "s1" || got.Subtask.Dependencies[0] != "s0" {
		t.Fatalf("subtask payload lost: %+v", got.Subtask)
	}
	if got.Subtask.Attempts != 1 {
		t.Fatalf("attempts lost: %d", got.Subtask.Attempts)
	}
}

func TestDecodeSkipsBlankLinesAndRejectsGarbage(t *testing.T) {
	dec := NewDecoder(strings.NewReader("\n\n{\"type\":\"heartbeat\",\"agent_id\":\"a1\"}\nnot json\n"))
	msg, err := dec.Decode()
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != MsgHeartbeat {
		t.Fatalf("got %s", msg.Type)
	}
	if _, err := dec.Decode(); err == nil {
		t.Fatal("garbage line should error")
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	dec := NewDecoder(strings.NewReader(`{"agent_id":"a1"}` + "\n"))
	if _, err := dec.Decode(); err == nil {
		t.Fatal("missing type should error")
	}
}

func TestEncoderConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = enc.Encode(Message{Type: MsgHeartbeat, AgentID: "a"})
		}()
	}
	wg.Wait()

	dec := NewDecoder(&buf)
	count := 0
	for {
		if _, err := dec.Decode(); err != nil {
			break
		}
		count++
	}
	if count != 20 {
		t.Fatalf("interleaved writes corrupted framing: decoded %d of 20", count)
	}
}
