// Package cloaerr defines the error taxonomy shared across the engine.
//
// Every error the engine produces is one of a small set of sentinel kinds,
// wrapped with context via fmt.Errorf("%w: ..."). Callers use errors.Is
// against the sentinels below rather than comparing strings.
package cloaerr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a malformed workflow graph. Fatal at registration;
	// never surfaced at runtime.
	ErrValidation = errors.New("validation error")

	// ErrTransient marks a recoverable store error (connection loss,
	// serialization failure). The enclosing loop retries; never surfaced
	// to users.
	ErrTransient = errors.New("transient store error")

	// ErrTaskFailed marks a task body error or timeout, recovered per retry
	// policy and surfaced only after final-attempt exhaustion.
	ErrTaskFailed = errors.New("task execution error")

	// ErrOrphan marks a detected orphaned task or pipeline. Surfaced only in
	// recovery events; invisible to normal queries.
	ErrOrphan = errors.New("orphaned execution")

	// ErrInconsistent marks a transition that observed an unexpected prior
	// state ("someone else got it"); never a user-visible error.
	ErrInconsistent = errors.New("inconsistent state transition")

	// ErrFatal marks unrecoverable store corruption or an impossible
	// invariant violation. The runner shuts down when it sees this.
	ErrFatal = errors.New("fatal engine error")
)

// Validationf wraps ErrValidation with a formatted message.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transientf wraps ErrTransient with a formatted message.
func Transientf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

// TaskFailedf wraps ErrTaskFailed with a formatted message.
func TaskFailedf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTaskFailed, fmt.Sprintf(format, args...))
}

// Orphanf wraps ErrOrphan with a formatted message.
func Orphanf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrOrphan, fmt.Sprintf(format, args...))
}

// Inconsistentf wraps ErrInconsistent with a formatted message.
func Inconsistentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInconsistent, fmt.Sprintf(format, args...))
}

// Fatalf wraps ErrFatal with a formatted message.
func Fatalf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}

// IsTransient reports whether err should be retried by the enclosing loop
// rather than surfaced.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, ErrInconsistent)
}
