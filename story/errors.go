package story

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the storyline stores and dispatcher.
var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates an optimistic-concurrency write lost the race:
	// the persisted revision no longer matches the revision the caller read.
	// Callers are expected to re-read and retry.
	ErrConflict = errors.New("store conflict")

	// ErrDuplicate indicates a create collided with an existing record
	// (same key or same dedup identity).
	ErrDuplicate = errors.New("duplicate record")

	// ErrDependencyTimeout indicates an external dependency (scoring
	// service, KV store) did not respond within its deadline.
	ErrDependencyTimeout = errors.New("dependency timeout")
)

// ValidationError describes a field-level validation failure on a payload.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed for field %q: %s", e.Field, e.Message)
}

// InvariantError reports a violated domain invariant, such as a
// discriminate requirement referencing a ruled-out candidate or an
// illegal phase transition. Invariant errors are never retried.
type InvariantError struct {
	Invariant string
	Detail    string
}

// Error implements the error interface.
func (e *InvariantError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("invariant violated: %s", e.Invariant)
	}
	return fmt.Sprintf("invariant violated: %s: %s", e.Invariant, e.Detail)
}

// SubflowError wraps a failure raised by a subflow during a pass. The
// dispatcher aborts the pass, persists nothing, and retries once before
// escalating to manual review.
type SubflowError struct {
	Subflow string
	Err     error
}

// Error implements the error interface.
func (e *SubflowError) Error() string {
	return fmt.Sprintf("subflow %s failed: %v", e.Subflow, e.Err)
}

// Unwrap returns the underlying error.
func (e *SubflowError) Unwrap() error {
	return e.Err
}
