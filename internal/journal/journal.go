// Package journal writes the human-readable side files under
// <projectPath>/.aichestrator/. These are informational only; correctness
// never depends on them, so every writer swallows I/O errors after logging.
package journal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/basket/aichestrator/internal/shared"
)

// Dir is the side-channel directory name inside the project.
const Dir = ".aichestrator"

// Journal appends to the per-project status and knowledge files.
type Journal struct {
	mu  sync.Mutex
	dir string
}

// New creates (if needed) the side-channel directory for a project.
func New(projectPath string) *Journal {
	dir := filepath.Join(projectPath, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		slog.Warn("cannot create journal dir", "dir", dir, "error", err)
	}
	return &Journal{dir: dir}
}

func (j *Journal) appendLine(file, line string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	f, err := os.OpenFile(filepath.Join(j.dir, file), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		slog.Warn("journal append failed", "file", file, "error", err)
		return
	}
	defer f.Close()
	stamp := time.Now().Format(time.RFC3339)
	if _, err := fmt.Fprintf(f, "- %s %s\n", stamp, shared.Redact(line)); err != nil {
		slog.Warn("journal write failed", "file", file, "error", err)
	}
}

// Status appends one per-subtask lifecycle line to status.md.
func (j *Journal) Status(agentID, subtaskID, phase, detail string) {
	line := fmt.Sprintf("**%s** subtask `%s` by `%s`", phase, subtaskID, agentID)
	if detail != "" {
		line += ": " + detail
	}
	j.appendLine("status.md", line)
}

// Knowledge appends one shared discovery to shared-knowledge.md.
func (j *Journal) Knowledge(agentID, kind, data string) {
	j.appendLine("shared-knowledge.md", fmt.Sprintf("(%s) `%s`: %s", kind, agentID, data))
}

// OpenRunLog creates the per-run log file. The caller owns closing it.
func OpenRunLog(projectPath string) (*os.File, error) {
	dir := filepath.Join(projectPath, Dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	name := fmt.Sprintf("run-%s.log", time.Now().UTC().Format("2006-01-02T15-04-05Z"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open run log: %w", err)
	}
	return f, nil
}
