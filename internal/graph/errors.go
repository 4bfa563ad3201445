package graph

import (
	"fmt"
	"strings"

	"github.com/cloacina/cloacina/internal/cloaerr"
)

// ErrUnknownDependency is returned when a task declares a dependency that
// does not name another task in the same workflow.
var ErrUnknownDependency = fmt.Errorf("%w: unknown dependency", cloaerr.ErrValidation)

// ErrCycleDetected is returned when the induced digraph contains a cycle.
// The error carries one canonical offending cycle for diagnostics.
var ErrCycleDetected = fmt.Errorf("%w: cycle detected", cloaerr.ErrValidation)

// ErrDuplicateTask is returned when two tasks in the same workflow share a name.
var ErrDuplicateTask = fmt.Errorf("%w: duplicate task name", cloaerr.ErrValidation)

// validationError wraps one of the sentinels above with task-specific detail
// while keeping it unwrappable to cloaerr.ErrValidation via errors.Is.
type validationError struct {
	kind error
	msg  string
}

func (e *validationError) Error() string {
	if e.msg == "" {
		return e.kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.kind.Error(), e.msg)
}

func (e *validationError) Unwrap() error { return e.kind }

func unknownDependency(from, to string) error {
	return &validationError{kind: ErrUnknownDependency, msg: fmt.Sprintf("%q references unknown task %q", from, to)}
}

func duplicateTask(name string) error {
	return &validationError{kind: ErrDuplicateTask, msg: fmt.Sprintf("%q", name)}
}

func cycleDetected(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = strings.Join(path, " -> ")
	}
	return &validationError{kind: ErrCycleDetected, msg: msg}
}

func invalidf(format string, args ...any) error {
	return &validationError{kind: cloaerr.ErrValidation, msg: fmt.Sprintf(format, args...)}
}
