package service

import (
	"context"
	"fmt"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/tombstone/internal/errs"
	"github.com/and161185/tombstone/internal/model"
	"github.com/and161185/tombstone/internal/repository"
)

// Reserve checks that no live row holds kind.field = value. Soft-deleted
// holders and rows this transaction deletes or re-keys do not count.
// The store re-checks at commit against concurrent transactions.
func (t *Tx) Reserve(ctx context.Context, kind, field, value string) error {
	if err := t.active(); err != nil {
		return err
	}
	spec, ok := t.eng.schema.Kind(kind)
	if !ok || !spec.IsUnique(field) {
		return fmt.Errorf("%w: %s.%s is not a unique attribute", errs.ErrValidation, kind, field)
	}
	return t.reserve(ctx, kind, field, value, uuid.Nil)
}

func (t *Tx) reserve(ctx context.Context, kind, field, value string, self uuid.UUID) error {
	conflict := &errs.ConstraintConflictError{Kind: kind, Field: field, Value: value}
	for _, en := range t.arena.entries() {
		if en.e.Kind == kind && en.e.ID != self && !en.e.Deleted && en.e.Attrs[field] == value {
			return conflict
		}
	}

	rows, err := t.st.Query(ctx, repository.Query{
		Kind:       kind,
		Visibility: repository.Live,
		Attrs:      map[string]string{field: value},
	})
	if err != nil {
		return err
	}
	holders, err := repository.Collect(rows)
	if err != nil {
		return err
	}
	for _, h := range holders {
		if h.ID == self {
			continue
		}
		if _, ok := t.arena.get(h.Key()); ok {
			// the arena copy was checked above
			continue
		}
		return conflict
	}
	return nil
}

func validateAttrs(spec *model.KindSpec, e *model.Entity) error {
	for _, f := range spec.Required {
		if e.Attrs[f] == "" {
			return fmt.Errorf("%w: %s.%s is required", errs.ErrValidation, e.Kind, f)
		}
	}
	return nil
}

// enforce re-validates every pending live row before it is written.
func (t *Tx) enforce(ctx context.Context) error {
	for _, en := range t.arena.entries() {
		if !(en.created || en.dirty) || en.e.Deleted {
			continue
		}
		spec, ok := t.eng.schema.Kind(en.e.Kind)
		if !ok {
			return fmt.Errorf("%w: unknown kind %q", errs.ErrValidation, en.e.Kind)
		}
		if err := validateAttrs(spec, en.e); err != nil {
			return err
		}
		for _, f := range spec.Unique {
			if err := t.reserve(ctx, en.e.Kind, f, en.e.Attrs[f], en.e.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
