package graph

import "time"

// RetryKind discriminates the retry/backoff policy for a task.
type RetryKind string

const (
	RetryNone        RetryKind = "None"
	RetryFixed       RetryKind = "Fixed"
	RetryExponential RetryKind = "Exponential"
)

// RetryPolicy describes how a failed task attempt is rescheduled.
//
// None retries without delay, up to MaxAttempts.
// Fixed waits Delay between every attempt.
// Exponential waits Base*2^(attempt-1), capped at Cap, with optional jitter.
type RetryPolicy struct {
	Kind   RetryKind
	Delay  time.Duration // used by Fixed
	Base   time.Duration // used by Exponential
	Cap    time.Duration // used by Exponential
	Jitter bool          // used by Exponential
}

// DefaultRetryPolicy matches the spec's default: exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Kind: RetryExponential, Base: 100 * time.Millisecond, Cap: time.Second, Jitter: true}
}

// Metadata is the declarative definition of one task within a workflow.
type Metadata struct {
	// Name is the fully-qualified "namespace::task" identifier.
	Name string

	// Dependencies names the tasks that must reach a terminal,
	// dependency-satisfying state before this task can become Ready.
	Dependencies []string

	// MaxAttempts bounds the number of attempts (including the first) a
	// failed task may take before it is considered terminally Failed.
	MaxAttempts int

	// RetryPolicy governs the delay between failed attempts.
	RetryPolicy RetryPolicy

	// Timeout bounds a single attempt's wall-clock duration. Zero means
	// no timeout.
	Timeout time.Duration

	// Trigger is evaluated against the merged predecessor context once all
	// dependencies reach a dependency-satisfying state. A false evaluation
	// skips the task rather than running it.
	Trigger Rule

	// RequiresHandle mirrors the task implementation's own declaration and
	// is duplicated here so the dispatcher can decide whether to allocate a
	// TaskHandle without invoking user code.
	RequiresHandle bool
}

// Node is an immutable node in the Graph.
type Node struct {
	Metadata Metadata

	canonicalIndex int
	metaHash       metaHash
}

// CanonicalIndex returns the node's deterministic position in the graph's
// canonical ordering (used only for internal traversal determinism).
func (n *Node) CanonicalIndex() int { return n.canonicalIndex }

// Name is a convenience accessor for Metadata.Name.
func (n *Node) Name() string { return n.Metadata.Name }

// Edge represents a dependency relation: To depends on From.
type Edge struct {
	From string
	To   string
}

// Hash is the deterministic content fingerprint of a Graph, used as the
// workflow version.
type Hash string

func (h Hash) String() string { return string(h) }

type metaHash string
