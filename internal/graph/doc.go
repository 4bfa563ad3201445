// Package graph builds and validates the immutable in-memory representation
// of a workflow DAG: topological order, dependency edges, per-task retry
// and trigger-rule metadata, and a stable content fingerprint.
//
// A Graph is produced once per workflow version by NewGraph and is safe for
// concurrent read access thereafter. The scheduler and dispatcher consume a
// Graph; they never mutate it.
package graph
