package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorString(t *testing.T) {
	err := Task("not_found", nil, "task %s not found", "t1")
	want := "task/not_found: task t1 not found"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestCauseChain(t *testing.T) {
	inner := errors.New("connection refused")
	err := Store("write", inner, "persist task")
	if !errors.Is(err, inner) {
		t.Fatal("expected cause to be reachable via errors.Is")
	}
	wrapped := fmt.Errorf("run: %w", err)
	var e *Error
	if !errors.As(wrapped, &e) {
		t.Fatal("expected *Error via errors.As through a wrap")
	}
	if e.Code != "write" {
		t.Fatalf("code: got %q, want write", e.Code)
	}
}

func TestIsMatchesKindAndCode(t *testing.T) {
	err := Validation("cycle", nil, "dependency cycle at index 2")
	if !errors.Is(err, &Error{Kind: KindValidation, Code: "cycle"}) {
		t.Fatal("expected kind+code match")
	}
	if !errors.Is(err, &Error{Kind: KindValidation}) {
		t.Fatal("expected kind-only match with empty code")
	}
	if errors.Is(err, &Error{Kind: KindTask, Code: "cycle"}) {
		t.Fatal("kind mismatch should not match")
	}
}

func TestIsKindAndCodeOf(t *testing.T) {
	err := fmt.Errorf("outer: %w", Timeout("wait_for", nil, "waitFor subtask:completed"))
	if !IsKind(err, KindTimeout) {
		t.Fatal("IsKind should see through wrapping")
	}
	if CodeOf(err) != "wait_for" {
		t.Fatalf("CodeOf: got %q", CodeOf(err))
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("foreign error should have empty code")
	}
}
