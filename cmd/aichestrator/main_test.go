package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/aichestrator/internal/orchestrator"
	"github.com/basket/aichestrator/internal/store"
)

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	want := map[string]bool{
		"run": false, "resume": false, "status": false, "agents": false,
		"health": false, "ping": false, "clear": false, "worker": false,
	}
	for _, sub := range root.Commands() {
		name := strings.Fields(sub.Use)[0]
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("subcommand %q missing", name)
		}
	}
}

func TestWorkerCommandHidden(t *testing.T) {
	root := newRootCmd()
	for _, sub := range root.Commands() {
		if strings.Fields(sub.Use)[0] == "worker" && !sub.Hidden {
			t.Fatal("worker subcommand must be hidden")
		}
	}
}

func TestResolveDescription(t *testing.T) {
	if got, err := resolveDescription("add a feature"); err != nil || got != "add a feature" {
		t.Fatalf("plain: %q %v", got, err)
	}

	path := filepath.Join(t.TempDir(), "task.md")
	if err := os.WriteFile(path, []byte("  do the thing\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if got, err := resolveDescription("@" + path); err != nil || got != "do the thing" {
		t.Fatalf("file: %q %v", got, err)
	}

	if _, err := resolveDescription("@" + filepath.Join(t.TempDir(), "missing.md")); err == nil {
		t.Fatal("missing file should error")
	}

	empty := filepath.Join(t.TempDir(), "empty.md")
	if err := os.WriteFile(empty, []byte("  \n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := resolveDescription("@" + empty); err == nil {
		t.Fatal("empty file should error")
	}
}

func TestPrintOutcomeExitMapping(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)

	ok := &orchestrator.TaskResult{TaskID: "t1", Status: store.TaskCompleted, Summary: "# Task report"}
	if err := printOutcome(root, ok); err != nil {
		t.Fatalf("completed task must exit 0: %v", err)
	}
	if !strings.Contains(buf.String(), "Task report") {
		t.Fatalf("summary not printed: %q", buf.String())
	}

	failed := &orchestrator.TaskResult{TaskID: "t1", Status: store.TaskFailed, Error: "boom"}
	if err := printOutcome(root, failed); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("failed task must surface the error: %v", err)
	}
}

func TestClearRefusesWithoutForce(t *testing.T) {
	root := newRootCmd()
	root.SetArgs([]string{"clear"})
	if err := root.Execute(); err == nil || !strings.Contains(err.Error(), "--force") {
		t.Fatalf("clear without --force must refuse: %v", err)
	}
}
