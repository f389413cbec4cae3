package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/tombstone/internal/errs"
	"github.com/and161185/tombstone/internal/model"
	"github.com/and161185/tombstone/internal/repository"
)

// Delete soft-deletes e and, depth-first along cascading relations, every
// dependent loaded into this transaction. With CascadeReverseIndex the walk
// is repeated at commit using store queries, so unloaded dependents are
// deleted too. Nothing reaches the store before Commit.
func (t *Tx) Delete(ctx context.Context, e *model.Entity) error {
	if err := t.active(); err != nil {
		return err
	}
	en, err := t.adopt(ctx, e)
	if err != nil {
		return err
	}
	if en.e.Deleted {
		return fmt.Errorf("delete %s: %w", en.e.Key(), errs.ErrAlreadyDeleted)
	}
	n, err := t.markDeleted(ctx, en)
	if err != nil {
		return err
	}
	t.roots = append(t.roots, en.e.Key())
	t.log.Debug("entity deleted", zap.Stringer("key", en.e.Key()), zap.Int("cascaded", n-1))
	return nil
}

// markDeleted flags en and walks its in-memory dependents. It returns the
// number of rows it flagged.
func (t *Tx) markDeleted(ctx context.Context, en *entry) (int, error) {
	en.e.Deleted = true
	en.dirty = true
	n := 1
	owner := en.e.Key()
	for _, dep := range t.eng.schema.CascadeDependentsOf(owner.Kind) {
		for _, child := range t.arena.dependents(owner, dep.Kind, dep.Relation.Name) {
			if child.e.Deleted {
				continue
			}
			m, err := t.cascadeTo(ctx, child)
			if err != nil {
				return n, err
			}
			n += m
		}
	}
	return n, nil
}

// cascadeTo locks a dependent as a delete would, then flags it.
func (t *Tx) cascadeTo(ctx context.Context, child *entry) (int, error) {
	if err := t.acquire(ctx, child, t.eng.opts.Policy.writeMode()); err != nil {
		return 0, fmt.Errorf("%w: %s: %w", errs.ErrCascade, child.e.Key(), err)
	}
	if child.e.Deleted {
		// deleted concurrently; the refreshed copy already says so
		return 0, nil
	}
	return t.markDeleted(ctx, child)
}

// cascadeFromIndex re-walks every deleted root with reverse-index queries.
func (t *Tx) cascadeFromIndex(ctx context.Context) error {
	visited := make(map[model.Key]bool)
	for _, root := range t.roots {
		if err := t.walkIndex(ctx, root, visited); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tx) walkIndex(ctx context.Context, owner model.Key, visited map[model.Key]bool) error {
	if visited[owner] {
		return nil
	}
	visited[owner] = true
	for _, dep := range t.eng.schema.CascadeDependentsOf(owner.Kind) {
		rows, err := t.st.Query(ctx, repository.Query{
			Kind:       dep.Kind,
			Visibility: repository.Live,
			Owner:      &repository.OwnerFilter{Relation: dep.Relation.Name, ID: owner.ID},
		})
		if err != nil {
			return fmt.Errorf("%w: dependents of %s: %w", errs.ErrCascade, owner, err)
		}
		found, err := repository.Collect(rows)
		if err != nil {
			return fmt.Errorf("%w: dependents of %s: %w", errs.ErrCascade, owner, err)
		}
		for i := range found {
			k := found[i].Key()
			child, ok := t.arena.get(k)
			if !ok {
				child = &entry{e: &found[i], base: found[i].Version}
				t.arena.add(child)
			}
			if !child.e.Deleted {
				if _, err := t.cascadeTo(ctx, child); err != nil {
					return err
				}
				t.log.Debug("cascade found unloaded dependent", zap.Stringer("key", k), zap.Stringer("owner", owner))
			}
			if err := t.walkIndex(ctx, k, visited); err != nil {
				return err
			}
		}
	}
	// dependents created in this transaction are only in the arena
	for _, dep := range t.eng.schema.CascadeDependentsOf(owner.Kind) {
		for _, child := range t.arena.dependents(owner, dep.Kind, dep.Relation.Name) {
			if err := t.walkIndex(ctx, child.e.Key(), visited); err != nil {
				return err
			}
		}
	}
	return nil
}
