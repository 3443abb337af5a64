package decompose

import (
	"github.com/basket/aichestrator/internal/errs"
)

// Validate enforces the plan invariants: non-empty (unless resume allows an
// empty remainder), every dependency index in [0, N) and not self, and no
// cycles. Agent types are normalized before this point.
func Validate(items []Result, allowEmpty bool) error {
	if len(items) == 0 {
		if allowEmpty {
			return nil
		}
		return errs.Validation("empty", nil, "decomposition produced no subtasks")
	}

	n := len(items)
	for i, item := range items {
		if item.Description == "" {
			return errs.Validation("description", nil, "subtask %d has empty description", i)
		}
		for _, dep := range item.Dependencies {
			if dep < 0 || dep >= n {
				return errs.Validation("dep_range", nil, "subtask %d dependency %d out of range [0,%d)", i, dep, n)
			}
			if dep == i {
				return errs.Validation("self_dep", nil, "subtask %d depends on itself", i)
			}
		}
	}

	// DFS with visited + in-stack marks.
	const (
		unvisited = 0
		inStack   = 1
		done      = 2
	)
	state := make([]int, n)
	var visit func(int) bool
	visit = func(i int) bool {
		state[i] = inStack
		for _, dep := range items[i].Dependencies {
			switch state[dep] {
			case inStack:
				return false
			case unvisited:
				if !visit(dep) {
					return false
				}
			}
		}
		state[i] = done
		return true
	}
	for i := 0; i < n; i++ {
		if state[i] == unvisited && !visit(i) {
			return errs.Validation("cycle", nil, "dependency cycle through subtask %d", i)
		}
	}
	return nil
}
