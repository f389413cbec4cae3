// Package memory is an in-process Record Store with row locks and live-scoped unique keys.
package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/tombstone/internal/errs"
	"github.com/and161185/tombstone/internal/model"
	"github.com/and161185/tombstone/internal/repository"
)

type uniqueKey struct {
	kind, field, value string
}

type record struct {
	e   model.Entity
	seq int64 // insertion order, stable across updates
}

// DefaultLockWait bounds how long a write waits for row locks held by other transactions.
const DefaultLockWait = 2 * time.Second

// Store keeps committed rows in memory. All commits are serialized.
type Store struct {
	schema   *model.Schema
	locks    *lockTable
	lockWait time.Duration
	txSeq    atomic.Uint64
	now      func() time.Time

	mu   sync.Mutex
	rows map[model.Key]*record
	live map[uniqueKey]uuid.UUID // unique index over rows with deleted = false
	seq  int64
}

// Option configures a Store.
type Option func(*Store)

// WithLockWait sets how long Put waits for a row locked by another transaction.
// d <= 0 fails at once.
func WithLockWait(d time.Duration) Option { return func(s *Store) { s.lockWait = d } }

// New returns an empty store enforcing the schema's unique attributes.
func New(schema *model.Schema, opts ...Option) *Store {
	s := &Store{
		schema:   schema,
		locks:    newLockTable(),
		lockWait: DefaultLockWait,
		now:      time.Now,
		rows:     make(map[model.Key]*record),
		live:     make(map[uniqueKey]uuid.UUID),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ repository.RecordStore = (*Store)(nil)

// Begin starts a transaction with its own write buffer.
func (s *Store) Begin(ctx context.Context) (repository.Tx, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &tx{
		s:      s,
		id:     s.txSeq.Add(1),
		writes: make(map[model.Key]*write),
	}, nil
}

// Len returns the number of stored rows, deleted ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

func (s *Store) committed(k model.Key) (model.Entity, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[k]
	if !ok {
		return model.Entity{}, false
	}
	return r.e.Clone(), true
}

func (s *Store) claims(e *model.Entity) []uniqueKey {
	if e.Deleted {
		return nil
	}
	keys := s.schema.UniqueKeys(e)
	out := make([]uniqueKey, 0, len(keys))
	for _, f := range slices.Sorted(maps.Keys(keys)) {
		out = append(out, uniqueKey{kind: e.Kind, field: f, value: keys[f]})
	}
	return out
}

type write struct {
	e        model.Entity
	expected int64
}

type versionCheck struct {
	key      model.Key
	expected int64
}

type tx struct {
	s      *Store
	id     uint64
	writes map[model.Key]*write
	order  []model.Key
	checks []versionCheck
	done   bool
}

func (t *tx) Get(ctx context.Context, kind string, id uuid.UUID) (model.Entity, error) {
	if t.done {
		return model.Entity{}, errs.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return model.Entity{}, err
	}
	k := model.Key{Kind: kind, ID: id}
	if w, ok := t.writes[k]; ok {
		return w.e.Clone(), nil
	}
	e, ok := t.s.committed(k)
	if !ok {
		return model.Entity{}, fmt.Errorf("%s: %w", k, errs.ErrNotFound)
	}
	return e, nil
}

func (t *tx) GetLocked(ctx context.Context, kind string, id uuid.UUID, mode repository.LockMode, timeout time.Duration) (model.Entity, error) {
	if t.done {
		return model.Entity{}, errs.ErrTxDone
	}
	k := model.Key{Kind: kind, ID: id}
	if _, ok := t.s.committed(k); !ok {
		if w, pending := t.writes[k]; pending {
			return w.e.Clone(), nil
		}
		return model.Entity{}, fmt.Errorf("%s: %w", k, errs.ErrNotFound)
	}
	if err := t.s.locks.acquire(ctx, t.id, k, mode, timeout); err != nil {
		return model.Entity{}, err
	}
	return t.Get(ctx, kind, id)
}

func (t *tx) Put(ctx context.Context, e model.Entity, expected int64) error {
	if t.done {
		return errs.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	k := e.Key()
	// writing a committed row takes its write lock, as an UPDATE does
	if _, ok := t.s.committed(k); ok {
		if err := t.s.locks.acquire(ctx, t.id, k, repository.LockWrite, t.s.lockWait); err != nil {
			return err
		}
	}
	if w, ok := t.writes[k]; ok {
		// the first expected version stays the one checked at commit
		w.e = e.Clone()
		return nil
	}
	t.writes[k] = &write{e: e.Clone(), expected: expected}
	t.order = append(t.order, k)
	return nil
}

func (t *tx) CheckVersion(ctx context.Context, kind string, id uuid.UUID, expected int64) error {
	if t.done {
		return errs.ErrTxDone
	}
	t.checks = append(t.checks, versionCheck{key: model.Key{Kind: kind, ID: id}, expected: expected})
	return ctx.Err()
}

func (t *tx) Query(ctx context.Context, q repository.Query) (repository.Rows, error) {
	if t.done {
		return nil, errs.ErrTxDone
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.s.mu.Lock()
	recs := make([]*record, 0)
	for k, r := range t.s.rows {
		if k.Kind == q.Kind {
			recs = append(recs, r)
		}
	}
	slices.SortFunc(recs, func(a, b *record) int { return cmp.Compare(a.seq, b.seq) })
	snapshot := make([]model.Entity, 0, len(recs))
	for _, r := range recs {
		snapshot = append(snapshot, r.e.Clone())
	}
	t.s.mu.Unlock()

	// overlay this transaction's own writes
	seen := make(map[model.Key]bool, len(snapshot))
	for i := range snapshot {
		k := snapshot[i].Key()
		seen[k] = true
		if w, ok := t.writes[k]; ok {
			snapshot[i] = w.e.Clone()
		}
	}
	for _, k := range t.order {
		if k.Kind == q.Kind && !seen[k] {
			snapshot = append(snapshot, t.writes[k].e.Clone())
		}
	}

	out := make([]model.Entity, 0, len(snapshot))
	for _, e := range snapshot {
		if !matches(&e, q) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return &sliceRows{items: out, pos: -1}, nil
}

func matches(e *model.Entity, q repository.Query) bool {
	if !q.Visibility.Match(e.Deleted) {
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

func (t *tx) Commit(ctx context.Context) error {
	if t.done {
		return errs.ErrTxDone
	}
	t.done = true
	defer t.s.locks.releaseAll(t.id)
	if err := ctx.Err(); err != nil {
		return err
	}

	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if err := t.validate(); err != nil {
		return err
	}
	t.apply()
	return nil
}

func (t *tx) Rollback(context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	t.writes = nil
	t.order = nil
	t.checks = nil
	t.s.locks.releaseAll(t.id)
	return nil
}

// validate checks every write against committed state. Called with s.mu held.
func (t *tx) validate() error {
	s := t.s
	for _, c := range t.checks {
		r, ok := s.rows[c.key]
		if !ok {
			return fmt.Errorf("%s: %w", c.key, errs.ErrNotFound)
		}
		if r.e.Version != c.expected {
			return fmt.Errorf("%w: %s at version %d, expected %d", errs.ErrVersionConflict, c.key, r.e.Version, c.expected)
		}
	}

	for _, k := range t.order {
		w := t.writes[k]
		r, exists := s.rows[k]
		switch {
		case w.expected == 0:
			if exists {
				return fmt.Errorf("%w: %s already exists", errs.ErrVersionConflict, k)
			}
		case !exists:
			return fmt.Errorf("%s: %w", k, errs.ErrNotFound)
		case w.expected != repository.AnyVersion && r.e.Version != w.expected:
			return fmt.Errorf("%w: %s at version %d, expected %d", errs.ErrVersionConflict, k, r.e.Version, w.expected)
		}
		if exists && r.e.Deleted && !w.e.Deleted {
			return fmt.Errorf("%w: %s cannot be restored", errs.ErrValidation, k)
		}
	}

	// live unique keys: a holder outside the batch, or a second claimant inside it
	batch := make(map[uniqueKey]uuid.UUID)
	for _, k := range t.order {
		w := t.writes[k]
		for _, u := range s.claims(&w.e) {
			if other, ok := batch[u]; ok && other != w.e.ID {
				return &errs.ConstraintConflictError{Kind: u.kind, Field: u.field, Value: u.value}
			}
			batch[u] = w.e.ID
		}
	}
	for u, id := range batch {
		holder, ok := s.live[u]
		if !ok || holder == id {
			continue
		}
		if t.releases(model.Key{Kind: u.kind, ID: holder}, u) {
			continue
		}
		return &errs.ConstraintConflictError{Kind: u.kind, Field: u.field, Value: u.value}
	}
	return nil
}

// releases reports whether this batch rewrites holder so it no longer claims u.
func (t *tx) releases(holder model.Key, u uniqueKey) bool {
	w, ok := t.writes[holder]
	if !ok {
		return false
	}
	return !slices.Contains(t.s.claims(&w.e), u)
}

// apply installs the batch. Called with s.mu held after validate.
func (t *tx) apply() {
	s := t.s
	now := s.now().UTC()
	for _, k := range t.order {
		next := t.writes[k].e.Clone()
		next.UpdatedAt = now
		r, exists := s.rows[k]
		if exists {
			for _, u := range s.claims(&r.e) {
				if s.live[u] == r.e.ID {
					delete(s.live, u)
				}
			}
			next.Version = r.e.Version + 1
			next.CreatedAt = r.e.CreatedAt
			next.Owners = maps.Clone(r.e.Owners)
			r.e = next
			continue
		}
		s.seq++
		next.Version = 1
		next.CreatedAt = now
		s.rows[k] = &record{e: next, seq: s.seq}
	}
	for _, k := range t.order {
		e := s.rows[k].e
		for _, u := range s.claims(&e) {
			s.live[u] = e.ID
		}
	}
}

type sliceRows struct {
	items []model.Entity
	pos   int
}

func (r *sliceRows) Next() bool {
	if r.pos+1 >= len(r.items) {
		r.pos = len(r.items)
		return false
	}
	r.pos++
	return true
}

func (r *sliceRows) Entity() model.Entity { return r.items[r.pos] }
func (r *sliceRows) Err() error           { return nil }
func (r *sliceRows) Close()               {}
