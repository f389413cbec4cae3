package service

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/tombstone/internal/errs"
	"github.com/and161185/tombstone/internal/model"
	"github.com/and161185/tombstone/internal/repository"
)

type readOptions struct {
	mode           LockMode
	includeDeleted bool
	attrs          map[string]string
	limit          int
}

// ReadOption adjusts a read.
type ReadOption func(*readOptions)

// WithLock overrides the policy's default lock mode for this read.
func WithLock(m LockMode) ReadOption { return func(o *readOptions) { o.mode = m } }

// IncludeDeleted returns soft-deleted rows too. For administrative access only.
func IncludeDeleted() ReadOption { return func(o *readOptions) { o.includeDeleted = true } }

// Where filters a collection read on attribute equality.
func Where(attr, value string) ReadOption {
	return func(o *readOptions) {
		if o.attrs == nil {
			o.attrs = map[string]string{}
		}
		o.attrs[attr] = value
	}
}

// Limit caps the number of rows returned.
func Limit(n int) ReadOption { return func(o *readOptions) { o.limit = n } }

func (t *Tx) readOpts(def LockMode, opts []ReadOption) readOptions {
	ro := readOptions{mode: def}
	for _, o := range opts {
		o(&ro)
	}
	return ro
}

func (ro readOptions) visibility() repository.Visibility {
	if ro.includeDeleted {
		return repository.Any
	}
	return repository.Live
}

// Find returns the live row kind/id. A soft-deleted row is reported as
// errs.ErrNotFound unless IncludeDeleted is passed.
func (t *Tx) Find(ctx context.Context, kind string, id uuid.UUID, opts ...ReadOption) (*model.Entity, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	ro := t.readOpts(t.eng.opts.Policy.readMode(), opts)
	k := model.Key{Kind: kind, ID: id}
	en, err := t.load(ctx, k, ro.mode)
	if err != nil {
		return nil, err
	}
	if en.e.Deleted && !ro.includeDeleted {
		return nil, fmt.Errorf("%s: %w", k, errs.ErrNotFound)
	}
	return en.e, nil
}

// List returns live rows of kind in insertion order, including rows created
// in this transaction. Rows are only locked when WithLock is passed.
func (t *Tx) List(ctx context.Context, kind string, opts ...ReadOption) ([]*model.Entity, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	ro := t.readOpts(LockNone, opts)
	return t.query(ctx, repository.Query{Kind: kind, Attrs: ro.attrs}, ro)
}

// Children returns rows of kind owned by owner through relation. Each child
// is filtered on its own deleted flag: a deleted owner may still have live children.
func (t *Tx) Children(ctx context.Context, owner *model.Entity, kind, relation string, opts ...ReadOption) ([]*model.Entity, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, fmt.Errorf("%w: nil owner", errs.ErrValidation)
	}
	ro := t.readOpts(LockNone, opts)
	q := repository.Query{
		Kind:  kind,
		Owner: &repository.OwnerFilter{Relation: relation, ID: owner.ID},
		Attrs: ro.attrs,
	}
	return t.query(ctx, q, ro)
}

// Dependents returns the in-memory dependent collection of owner: rows of
// any kind loaded or created in this transaction that point at it.
// Rows never loaded are not included.
func (t *Tx) Dependents(owner *model.Entity, opts ...ReadOption) ([]*model.Entity, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	if owner == nil {
		return nil, fmt.Errorf("%w: nil owner", errs.ErrValidation)
	}
	ro := t.readOpts(LockNone, opts)
	var out []*model.Entity
	for _, k := range t.arena.back[owner.Key()] {
		en := t.arena.byKey[k]
		if en.e.Deleted && !ro.includeDeleted {
			continue
		}
		out = append(out, en.e)
	}
	return out, nil
}

// query merges store results with the arena. The arena copy wins for rows
// already loaded, so pending writes of this transaction are visible.
func (t *Tx) query(ctx context.Context, q repository.Query, ro readOptions) ([]*model.Entity, error) {
	q.Visibility = ro.visibility()
	rows, err := t.st.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	found, err := repository.Collect(rows)
	if err != nil {
		return nil, err
	}

	var out []*model.Entity
	seen := make(map[model.Key]bool, len(found))
	take := func(en *entry) bool {
		if !matches(en.e, q) {
			return true
		}
		out = append(out, en.e)
		return ro.limit <= 0 || len(out) < ro.limit
	}

	for i := range found {
		k := found[i].Key()
		seen[k] = true
		en, ok := t.arena.get(k)
		if !ok {
			en = &entry{e: &found[i], base: found[i].Version}
			t.arena.add(en)
		}
		if err := t.acquire(ctx, en, ro.mode); err != nil {
			return nil, err
		}
		if !take(en) {
			return out, nil
		}
	}
	for _, en := range t.arena.entries() {
		if (en.created || en.dirty) && !seen[en.e.Key()] && !take(en) {
			break
		}
	}
	return out, nil
}

func matches(e *model.Entity, q repository.Query) bool {
	if e.Kind != q.Kind || !q.Visibility.Match(e.Deleted) {
		return false
	}
	if q.Owner != nil {
		o, ok := e.Owners[q.Owner.Relation]
		if !ok || o.ID != q.Owner.ID {
			return false
		}
	}
	for name, v := range q.Attrs {
		if e.Attrs[name] != v {
			return false
		}
	}
	return true
}

// JoinKind selects how rows with a deleted or missing owner are treated.
type JoinKind int

const (
	// JoinInner drops rows whose owner is not live.
	JoinInner JoinKind = iota
	// JoinLeft keeps them with a nil Owner.
	JoinLeft
)

// JoinRow pairs a live row with its live owner.
type JoinRow struct {
	Entity *model.Entity
	Owner  *model.Entity
}

// Join lists live rows of kind paired with their owner through relation.
func (t *Tx) Join(ctx context.Context, kind, relation string, jk JoinKind, opts ...ReadOption) ([]JoinRow, error) {
	spec, ok := t.eng.schema.Kind(kind)
	if !ok {
		return nil, fmt.Errorf("%w: unknown kind %q", errs.ErrValidation, kind)
	}
	if _, ok := spec.Relation(relation); !ok {
		return nil, fmt.Errorf("%w: %s has no relation %q", errs.ErrValidation, kind, relation)
	}
	rows, err := t.List(ctx, kind, opts...)
	if err != nil {
		return nil, err
	}

	out := make([]JoinRow, 0, len(rows))
	for _, e := range rows {
		var owner *model.Entity
		if k, ok := e.Owners[relation]; ok {
			en, err := t.load(ctx, k, LockNone)
			if err != nil && !isNotFound(err) {
				return nil, err
			}
			if err == nil && !en.e.Deleted {
				owner = en.e
			}
		}
		if owner == nil && jk == JoinInner {
			continue
		}
		out = append(out, JoinRow{Entity: e, Owner: owner})
	}
	return out, nil
}
