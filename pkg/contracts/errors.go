package contracts

import "fmt"

// Invariant names for InvariantViolation.
const (
	InvariantEvidenceBinding  = "EVIDENCE_BINDING"
	InvariantNodeImmutability = "NODE_IMMUTABILITY"
	InvariantActionGovernance = "ACTION_GOVERNANCE"
)

// InvariantViolation is raised by the stores when a binding invariant
// would be broken. It is never retried; callers must surface it.
type InvariantViolation struct {
	Invariant string
	RowID     string
	Detail    string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("invariant %s violated for row %s: %s", e.Invariant, e.RowID, e.Detail)
}

// SourceErrorKind classifies signal-source failures.
type SourceErrorKind string

const (
	SourceTransient SourceErrorKind = "TRANSIENT" // timeout / 5xx; retryable
	SourcePermanent SourceErrorKind = "PERMANENT" // 4xx / malformed; non-retryable this case
)

// SourceError wraps a failed signal fetch with its classification.
type SourceError struct {
	Source string
	Kind   SourceErrorKind
	Err    error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source %s (%s): %v", e.Source, e.Kind, e.Err)
}

func (e *SourceError) Unwrap() error { return e.Err }
