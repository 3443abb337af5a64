package journal

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestStatusAndKnowledgeAppend(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)

	j.Status("agent-1", "s1", "started", "")
	j.Status("agent-1", "s1", "completed", "in 100ms")
	j.Knowledge("agent-1", "insight", "config lives in internal/config")

	status, err := os.ReadFile(filepath.Join(dir, Dir, "status.md"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(string(status), "\n") != 2 {
		t.Fatalf("status lines: %q", status)
	}
	if !strings.Contains(string(status), "**started** subtask `s1`") {
		t.Fatalf("status content: %q", status)
	}

	knowledge, err := os.ReadFile(filepath.Join(dir, Dir, "shared-knowledge.md"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(knowledge), "(insight) `agent-1`") {
		t.Fatalf("knowledge content: %q", knowledge)
	}
}

func TestKnowledgeRedactsSecrets(t *testing.T) {
	dir := t.TempDir()
	j := New(dir)
	j.Knowledge("agent-1", "discovery", "found key sk-ant-REDACTED in env")

	data, err := os.ReadFile(filepath.Join(dir, Dir, "shared-knowledge.md"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "sk-ant-abc") {
		t.Fatalf("secret leaked: %q", data)
	}
}

func TestOpenRunLog(t *testing.T) {
	dir := t.TempDir()
	f, err := OpenRunLog(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if _, err := f.WriteString("hello\n"); err != nil {
		t.Fatal(err)
	}
	entries, err := os.ReadDir(filepath.Join(dir, Dir))
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "run-") && strings.HasSuffix(e.Name(), ".log") {
			found = true
		}
	}
	if !found {
		t.Fatal("run log not created")
	}
}
