// Package service is the soft-delete core: visibility filtering, live-scoped
// uniqueness, cascading deletes, reference resolution and concurrency control
// on top of a repository.RecordStore.
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/and161185/tombstone/internal/errs"
	"github.com/and161185/tombstone/internal/model"
	"github.com/and161185/tombstone/internal/repository"
)

// CascadeStrategy selects how dependents of a deleted row are discovered.
type CascadeStrategy int

const (
	// CascadeReverseIndex re-walks every deleted row at commit with reverse-index
	// store queries, so dependents never loaded into the transaction are found.
	CascadeReverseIndex CascadeStrategy = iota
	// CascadeInMemory only follows dependents loaded into the transaction.
	// Unsafe for production: an unloaded dependent stays live under a deleted owner.
	CascadeInMemory
)

func (c CascadeStrategy) String() string {
	switch c {
	case CascadeReverseIndex:
		return "reverse_index"
	case CascadeInMemory:
		return "in_memory"
	default:
		return "unknown"
	}
}

// ParseCascadeStrategy maps a config value to a strategy.
func ParseCascadeStrategy(s string) (CascadeStrategy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reverse_index", "reverse-index", "index":
		return CascadeReverseIndex, nil
	case "in_memory", "in-memory", "memory":
		return CascadeInMemory, nil
	}
	return 0, fmt.Errorf("%w: unknown cascade strategy %q", errs.ErrValidation, s)
}

// Options configure an Engine.
type Options struct {
	Policy      LockPolicy
	Cascade     CascadeStrategy
	LockTimeout time.Duration // bounded wait for pessimistic row locks; <= 0 fails at once
	MaxRetries  uint64        // Run retries after the first attempt
	RetryBase   time.Duration // first Fibonacci backoff step
}

// DefaultOptions returns optimistic locking with reverse-index cascade.
func DefaultOptions() Options {
	return Options{
		Policy:      PolicyOptimistic,
		Cascade:     CascadeReverseIndex,
		LockTimeout: 2 * time.Second,
		MaxRetries:  3,
		RetryBase:   10 * time.Millisecond,
	}
}

// Engine starts transactions over one store and schema. It is safe for concurrent use.
type Engine struct {
	store  repository.RecordStore
	schema *model.Schema
	opts   Options
	log    *zap.Logger
}

// New constructs an Engine. A nil logger discards output.
func New(store repository.RecordStore, schema *model.Schema, opts Options, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		store:  store,
		schema: schema,
		opts:   opts,
		log:    log.With(zap.Stringer("policy", opts.Policy), zap.Stringer("cascade", opts.Cascade)),
	}
}

// Options returns the engine configuration.
func (e *Engine) Options() Options { return e.opts }

// Schema returns the kinds the engine manages.
func (e *Engine) Schema() *model.Schema { return e.schema }

// Begin starts a transaction.
func (e *Engine) Begin(ctx context.Context) (*Tx, error) {
	st, err := e.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	id := uuid.Must(uuid.NewV7())
	t := &Tx{
		id:    id,
		eng:   e,
		st:    st,
		arena: newArena(),
		log:   e.log.With(zap.Stringer("tx", id)),
	}
	t.log.Debug("transaction started")
	return t, nil
}

// Run executes fn in a fresh transaction and commits it. On a version
// conflict or lock timeout the whole transaction is retried from scratch
// with Fibonacci backoff, at most Options.MaxRetries times.
func (e *Engine) Run(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) error {
	base := e.opts.RetryBase
	if base <= 0 {
		base = time.Millisecond
	}
	b := retry.WithMaxRetries(e.opts.MaxRetries, retry.NewFibonacci(base))

	attempt := 0
	return retry.Do(ctx, b, func(ctx context.Context) error {
		attempt++
		err := e.runOnce(ctx, fn)
		if err != nil && errs.IsRetryable(err) {
			e.log.Info("retrying transaction", zap.Int("attempt", attempt), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
}

func (e *Engine) runOnce(ctx context.Context, fn func(ctx context.Context, tx *Tx) error) (err error) {
	tx, err := e.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()
	if err = fn(ctx, tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
