package service

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"

	"github.com/and161185/tombstone/internal/errs"
	"github.com/and161185/tombstone/internal/model"
	"github.com/and161185/tombstone/internal/repository"
)

// Tx is a unit of work. Writes are buffered in the arena and reach the
// store only at Commit. A Tx must not be shared between goroutines.
type Tx struct {
	id    uuid.UUID
	eng   *Engine
	st    repository.Tx
	state TxState
	arena *arena
	roots []model.Key // rows deleted by Delete, re-walked at commit
	log   *zap.Logger
}

// ID identifies the transaction in logs.
func (t *Tx) ID() uuid.UUID { return t.id }

// State returns the lifecycle state.
func (t *Tx) State() TxState { return t.state }

func (t *Tx) active() error {
	if t.state != TxActive {
		return fmt.Errorf("%w: %s", errs.ErrTxDone, t.state)
	}
	return nil
}

// load returns the arena entry for k, reading it from the store on first
// access, and applies mode to it.
func (t *Tx) load(ctx context.Context, k model.Key, mode LockMode) (*entry, error) {
	if en, ok := t.arena.get(k); ok {
		if err := t.acquire(ctx, en, mode); err != nil {
			return nil, err
		}
		return en, nil
	}

	var (
		e   model.Entity
		err error
	)
	held := mode.storeLock()
	if held != 0 {
		e, err = t.st.GetLocked(ctx, k.Kind, k.ID, held, t.eng.opts.LockTimeout)
	} else {
		e, err = t.st.Get(ctx, k.Kind, k.ID)
	}
	if err != nil {
		return nil, t.fail(ctx, err)
	}
	en := &entry{e: &e, base: e.Version, guard: mode.guard(), held: held}
	t.arena.add(en)
	return en, nil
}

// adopt returns the entry managed by this transaction for a caller handle,
// which may come from an earlier transaction. Under the optimistic policy a
// handle older than the stored row is a version conflict.
func (t *Tx) adopt(ctx context.Context, e *model.Entity) (*entry, error) {
	if e == nil {
		return nil, fmt.Errorf("%w: nil entity", errs.ErrValidation)
	}
	en, err := t.load(ctx, e.Key(), t.eng.opts.Policy.writeMode())
	if err != nil {
		return nil, err
	}
	if en.e != e && !en.created && t.eng.opts.Policy == PolicyOptimistic && e.Version != en.base {
		err := fmt.Errorf("%w: %s handle at version %d, stored %d", errs.ErrVersionConflict, e.Key(), e.Version, en.base)
		return nil, t.fail(ctx, err)
	}
	return en, nil
}

// Create builds a live row of kind owned by owners (relation -> owner id),
// links it into its owners' dependent lists and reserves its unique keys.
// Owners must be live in this transaction's view.
func (t *Tx) Create(ctx context.Context, kind string, attrs map[string]string, owners map[string]uuid.UUID) (*model.Entity, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	spec, ok := t.eng.schema.Kind(kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", errs.ErrValidation, kind)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	e := &model.Entity{
		Kind:   kind,
		ID:     id,
		Attrs:  maps.Clone(attrs),
		Owners: make(map[string]model.Key, len(owners)),
	}
	if e.Attrs == nil {
		e.Attrs = map[string]string{}
	}
	if err := validateAttrs(spec, e); err != nil {
		return nil, err
	}

	for _, rel := range spec.Relations {
		if _, ok := owners[rel.Name]; !ok && rel.Required {
			return nil, fmt.Errorf("%w: %s requires owner %q", errs.ErrValidation, kind, rel.Name)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(owners)) {
		rel, ok := spec.Relation(name)
		if !ok {
			return nil, fmt.Errorf("%w: %s has no relation %q", errs.ErrValidation, kind, name)
		}
		ownerKey := model.Key{Kind: rel.Target, ID: owners[name]}
		owner, err := t.load(ctx, ownerKey, t.eng.opts.Policy.ownerMode())
		if err != nil {
			return nil, fmt.Errorf("owner %s: %w", name, err)
		}
		if owner.e.Deleted {
			return nil, t.dangling(e, name, ownerKey)
		}
		e.Owners[name] = ownerKey
	}

	for _, f := range spec.Unique {
		if err := t.reserve(ctx, kind, f, e.Attrs[f], id); err != nil {
			return nil, err
		}
	}

	t.arena.add(&entry{e: e, created: true})
	t.log.Debug("entity created", zap.Stringer("key", e.Key()))
	return e, nil
}

// Update merges attrs into e. Unique keys are reserved at once and checked again at commit.
func (t *Tx) Update(ctx context.Context, e *model.Entity, attrs map[string]string) error {
	if err := t.active(); err != nil {
		return err
	}
	en, err := t.adopt(ctx, e)
	if err != nil {
		return err
	}
	if en.e.Deleted {
		return fmt.Errorf("update %s: %w", en.e.Key(), errs.ErrAlreadyDeleted)
	}
	spec, _ := t.eng.schema.Kind(en.e.Kind)

	next := en.e.Clone()
	maps.Copy(next.Attrs, attrs)
	if err := validateAttrs(spec, &next); err != nil {
		return err
	}
	for _, f := range spec.Unique {
		if v, ok := attrs[f]; ok && v != en.e.Attrs[f] {
			if err := t.reserve(ctx, next.Kind, f, v, next.ID); err != nil {
				return err
			}
		}
	}
	en.e.Attrs = next.Attrs
	en.dirty = true
	t.log.Debug("entity updated", zap.Stringer("key", en.e.Key()))
	return nil
}

// Commit applies every buffered write atomically. Any failure rolls the
// store transaction back and returns *errs.AbortedError.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.active(); err != nil {
		return err
	}
	t.state = TxCommitting
	if err := t.commit(ctx); err != nil {
		t.abort(ctx, err)
		return &errs.AbortedError{Reason: err}
	}
	t.state = TxCommitted
	t.log.Debug("transaction committed")
	return nil
}

func (t *Tx) commit(ctx context.Context) error {
	if t.eng.opts.Cascade == CascadeReverseIndex {
		if err := t.cascadeFromIndex(ctx); err != nil {
			return err
		}
	}
	if err := t.enforce(ctx); err != nil {
		return err
	}

	written := make(map[model.Key]bool)
	for _, en := range t.arena.writes() {
		k := en.e.Key()
		if err := t.st.Put(ctx, en.e.Clone(), t.expected(en)); err != nil {
			return fmt.Errorf("write %s: %w", k, err)
		}
		written[k] = true
	}
	if err := t.verify(ctx, written); err != nil {
		return err
	}
	if err := t.st.Commit(ctx); err != nil {
		return err
	}

	for _, en := range t.arena.entries() {
		if !written[en.e.Key()] {
			continue
		}
		if en.created {
			en.e.Version = 1
		} else {
			en.e.Version = en.base + 1
		}
		en.base = en.e.Version
		en.created, en.dirty = false, false
	}
	return nil
}

// Rollback discards the transaction. It is a no-op once committed or aborted.
func (t *Tx) Rollback(ctx context.Context) error {
	if t.state != TxActive {
		return nil
	}
	t.state = TxAborted
	t.log.Debug("transaction rolled back")
	return t.st.Rollback(ctx)
}
