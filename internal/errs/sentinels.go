// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import (
	"errors"
	"fmt"

	"github.com/gofrs/uuid/v5"
)

// Common sentinels across store/service layers.
var (
	// ErrNotFound indicates no live row exists with that id. Point lookups of
	// soft-deleted rows report it too; only reference resolution tells the two apart.
	ErrNotFound = errors.New("not found")

	// ErrDanglingReference indicates a live entity points at a soft-deleted owner.
	ErrDanglingReference = errors.New("dangling reference")

	// ErrConstraintConflict indicates a uniqueness violation among live rows.
	ErrConstraintConflict = errors.New("constraint conflict")

	// ErrVersionConflict indicates optimistic concurrency failure (version mismatch).
	ErrVersionConflict = errors.New("version conflict")

	// ErrLockTimeout indicates a row lock could not be acquired within the wait bound.
	ErrLockTimeout = errors.New("lock timeout")

	// ErrAlreadyDeleted indicates a delete of a row that is already soft-deleted.
	ErrAlreadyDeleted = errors.New("already deleted")

	// ErrTxDone indicates an operation on a committed or aborted transaction.
	ErrTxDone = errors.New("transaction is not active")

	// ErrAborted marks a commit that rolled back; the reason is wrapped alongside.
	ErrAborted = errors.New("transaction aborted")

	// ErrCascade marks a failure while propagating a delete to dependents.
	ErrCascade = errors.New("cascade failed")

	// ErrValidation indicates malformed input (unknown kind, missing required field...).
	ErrValidation = errors.New("validation")
)

// DanglingReferenceError reports which reference resolved to a deleted row.
type DanglingReferenceError struct {
	FromKind   string
	FromID     uuid.UUID
	Relation   string
	TargetKind string
	TargetID   uuid.UUID
}

func (e *DanglingReferenceError) Error() string {
	if e.Relation == "" {
		return fmt.Sprintf("dangling reference: %s %s is deleted", e.TargetKind, e.TargetID)
	}
	return fmt.Sprintf("dangling reference: %s %s.%s -> %s %s is deleted",
		e.FromKind, e.FromID, e.Relation, e.TargetKind, e.TargetID)
}

// Unwrap lets errors.Is match ErrDanglingReference.
func (e *DanglingReferenceError) Unwrap() error { return ErrDanglingReference }

// ConstraintConflictError reports the unique key already held by a live row.
type ConstraintConflictError struct {
	Kind  string
	Field string
	Value string
}

func (e *ConstraintConflictError) Error() string {
	return fmt.Sprintf("constraint conflict: %s.%s=%q is held by a live row", e.Kind, e.Field, e.Value)
}

// Unwrap lets errors.Is match ErrConstraintConflict.
func (e *ConstraintConflictError) Unwrap() error { return ErrConstraintConflict }

// AbortedError is returned by a failed commit. Both ErrAborted and the reason match errors.Is.
type AbortedError struct {
	Reason error
}

func (e *AbortedError) Error() string {
	return fmt.Sprintf("transaction aborted: %v", e.Reason)
}

// Unwrap exposes ErrAborted and the reason.
func (e *AbortedError) Unwrap() []error { return []error{ErrAborted, e.Reason} }

// IsRetryable reports whether the whole transaction may be retried from scratch.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrLockTimeout)
}
