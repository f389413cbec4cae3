// Package repository defines the Record Store contract implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/tombstone/internal/model"
)

// AnyVersion passed as expected version to Put writes without a version check.
const AnyVersion int64 = -1

// LockMode is a row lock strength.
type LockMode int

const (
	// LockRead blocks concurrent writers, whether or not they asked for a lock.
	LockRead LockMode = iota + 1
	// LockWrite blocks concurrent writers and locking readers. Plain reads
	// still return the last committed state.
	LockWrite
)

func (m LockMode) String() string {
	switch m {
	case LockRead:
		return "read"
	case LockWrite:
		return "write"
	default:
		return "unknown"
	}
}

// Visibility selects rows by their deleted flag.
type Visibility int

const (
	// Live selects rows with deleted = false.
	Live Visibility = iota
	// Deleted selects rows with deleted = true.
	Deleted
	// Any selects every row (raw access).
	Any
)

// Match reports whether a row with the given flag passes.
func (v Visibility) Match(deleted bool) bool {
	switch v {
	case Live:
		return !deleted
	case Deleted:
		return deleted
	default:
		return true
	}
}

// OwnerFilter restricts a query to rows owned by ID through Relation (the reverse index).
type OwnerFilter struct {
	Relation string
	ID       uuid.UUID
}

// Query is a predicate over one kind.
type Query struct {
	Kind       string
	Visibility Visibility
	Owner      *OwnerFilter
	Attrs      map[string]string // equality on attributes
	Limit      int               // 0 = no limit
}

// Rows iterates query results lazily. Close must be called.
type Rows interface {
	// Next advances to the next row.
	Next() bool
	// Entity returns the current row.
	Entity() model.Entity
	// Err returns the first error met while iterating.
	Err() error
	// Close releases resources.
	Close()
}

// RecordStore starts store transactions.
type RecordStore interface {
	// Begin starts a transaction.
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one store transaction. Rows are reconciled atomically at Commit.
type Tx interface {
	// Get returns the row regardless of its deleted flag; ErrNotFound if it never existed.
	Get(ctx context.Context, kind string, id uuid.UUID) (model.Entity, error)
	// GetLocked locks the row then returns its latest committed state.
	// timeout <= 0 means do not wait; an expired wait returns ErrLockTimeout.
	GetLocked(ctx context.Context, kind string, id uuid.UUID, mode LockMode, timeout time.Duration) (model.Entity, error)
	// Put writes a row. expected: 0 inserts, AnyVersion writes blindly,
	// otherwise the stored version must equal expected (ErrVersionConflict).
	// The stored version becomes previous+1. Live unique keys must not collide (ErrConstraintConflict).
	// Writing an existing row waits for row locks held by other transactions
	// and fails with ErrLockTimeout when the wait runs out.
	Put(ctx context.Context, e model.Entity, expected int64) error
	// CheckVersion verifies the stored version equals expected.
	CheckVersion(ctx context.Context, kind string, id uuid.UUID, expected int64) error
	// Query runs q; the result is finite and each call starts over.
	Query(ctx context.Context, q Query) (Rows, error)
	// Commit applies all writes atomically or none.
	Commit(ctx context.Context) error
	// Rollback discards all writes and releases locks.
	Rollback(ctx context.Context) error
}

// Collect drains rows into a slice and closes them.
func Collect(rows Rows) ([]model.Entity, error) {
	defer rows.Close()
	var out []model.Entity
	for rows.Next() {
		out = append(out, rows.Entity())
	}
	return out, rows.Err()
}
