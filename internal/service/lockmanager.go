package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/and161185/tombstone/internal/errs"
	"github.com/and161185/tombstone/internal/model"
	"github.com/and161185/tombstone/internal/repository"
)

// TxState is the lifecycle of a transaction.
type TxState int

const (
	TxActive TxState = iota
	TxCommitting
	TxCommitted
	TxAborted
)

func (s TxState) String() string {
	switch s {
	case TxActive:
		return "active"
	case TxCommitting:
		return "committing"
	case TxCommitted:
		return "committed"
	case TxAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// LockPolicy is the engine-wide concurrency regime.
type LockPolicy int

const (
	// PolicyNone writes blindly and trusts the first read of every row.
	// It leaves the delete-parent / insert-child race open and exists to demonstrate it.
	PolicyNone LockPolicy = iota
	// PolicyOptimistic checks captured versions at commit.
	PolicyOptimistic
	// PolicyPessimistic takes store row locks on read.
	PolicyPessimistic
)

func (p LockPolicy) String() string {
	switch p {
	case PolicyNone:
		return "none"
	case PolicyOptimistic:
		return "optimistic"
	case PolicyPessimistic:
		return "pessimistic"
	default:
		return "unknown"
	}
}

// ParseLockPolicy maps a config value to a policy.
func ParseLockPolicy(s string) (LockPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "nolock":
		return PolicyNone, nil
	case "optimistic":
		return PolicyOptimistic, nil
	case "pessimistic":
		return PolicyPessimistic, nil
	}
	return 0, fmt.Errorf("%w: unknown lock policy %q", errs.ErrValidation, s)
}

// LockMode is requested per read with WithLock.
type LockMode int

const (
	LockNone LockMode = iota + 1
	LockOptimistic
	// LockOptimisticForceIncrement bumps the row version at commit even if unchanged,
	// so any concurrent writer of the row conflicts with this transaction.
	LockOptimisticForceIncrement
	LockPessimisticRead
	LockPessimisticWrite
)

func (m LockMode) String() string {
	switch m {
	case LockNone:
		return "none"
	case LockOptimistic:
		return "optimistic"
	case LockOptimisticForceIncrement:
		return "optimistic_force_increment"
	case LockPessimisticRead:
		return "pessimistic_read"
	case LockPessimisticWrite:
		return "pessimistic_write"
	default:
		return "default"
	}
}

// guard is the commit-time check attached to a row read optimistically.
type guard int

const (
	guardNone guard = iota
	guardVerify
	guardForce
)

func (m LockMode) guard() guard {
	switch m {
	case LockOptimistic:
		return guardVerify
	case LockOptimisticForceIncrement:
		return guardForce
	default:
		return guardNone
	}
}

func (m LockMode) storeLock() repository.LockMode {
	switch m {
	case LockPessimisticRead:
		return repository.LockRead
	case LockPessimisticWrite:
		return repository.LockWrite
	default:
		return 0
	}
}

// readMode is the mode used when the caller does not pass WithLock.
func (p LockPolicy) readMode() LockMode {
	switch p {
	case PolicyOptimistic:
		return LockOptimistic
	case PolicyPessimistic:
		return LockPessimisticRead
	default:
		return LockNone
	}
}

// writeMode is the mode a row is upgraded to before Update or Delete.
func (p LockPolicy) writeMode() LockMode {
	switch p {
	case PolicyOptimistic:
		return LockOptimistic
	case PolicyPessimistic:
		return LockPessimisticWrite
	default:
		return LockNone
	}
}

// ownerMode is taken on every owner of a created row.
func (p LockPolicy) ownerMode() LockMode {
	switch p {
	case PolicyOptimistic:
		return LockOptimisticForceIncrement
	case PolicyPessimistic:
		return LockPessimisticRead
	default:
		return LockNone
	}
}

// acquire applies mode to an arena entry: raises its commit guard and
// takes or upgrades the store row lock. A freshly locked clean row is
// refreshed from the store so the caller sees the state the lock protects.
func (t *Tx) acquire(ctx context.Context, en *entry, mode LockMode) error {
	if g := mode.guard(); g > en.guard {
		en.guard = g
	}
	want := mode.storeLock()
	if want == 0 || en.created || en.held >= want {
		return nil
	}
	k := en.e.Key()
	fresh, err := t.st.GetLocked(ctx, k.Kind, k.ID, want, t.eng.opts.LockTimeout)
	if err != nil {
		return t.fail(ctx, err)
	}
	en.held = want
	t.log.Debug("row locked", zap.Stringer("key", k), zap.Stringer("mode", want))
	if !en.dirty {
		*en.e = fresh
		en.base = fresh.Version
	}
	return nil
}

// expected is the version a write of en must find in the store.
func (t *Tx) expected(en *entry) int64 {
	switch {
	case en.created:
		return 0
	case t.eng.opts.Policy == PolicyNone && en.guard == guardNone:
		return repository.AnyVersion
	default:
		return en.base
	}
}

// verify runs the optimistic guards of rows that were not written.
func (t *Tx) verify(ctx context.Context, written map[model.Key]bool) error {
	for _, en := range t.arena.entries() {
		k := en.e.Key()
		if written[k] || en.created {
			continue
		}
		switch en.guard {
		case guardVerify:
			if err := t.st.CheckVersion(ctx, k.Kind, k.ID, en.base); err != nil {
				return fmt.Errorf("verify %s: %w", k, err)
			}
		case guardForce:
			if err := t.st.Put(ctx, en.e.Clone(), en.base); err != nil {
				return fmt.Errorf("force increment %s: %w", k, err)
			}
			written[k] = true
		}
	}
	return nil
}

// fail aborts the transaction on concurrency faults; it must be retried from scratch.
func (t *Tx) fail(ctx context.Context, err error) error {
	if errs.IsRetryable(err) && t.state == TxActive {
		t.abort(ctx, err)
	}
	return err
}

func (t *Tx) abort(ctx context.Context, reason error) {
	t.state = TxAborted
	if err := t.st.Rollback(context.WithoutCancel(ctx)); err != nil {
		t.log.Error("store rollback failed", zap.Error(err))
	}
	t.log.Warn("transaction aborted", zap.Error(reason))
}
