package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/and161185/tombstone/internal/errs"
	"github.com/and161185/tombstone/internal/model"
)

// Resolve follows a captured reference. Liveness is checked now, not when
// the reference was captured: a clean arena copy is refreshed from the store
// first. A deleted target is a *errs.DanglingReferenceError; a target that
// never existed is errs.ErrNotFound.
func (t *Tx) Resolve(ctx context.Context, ref model.Ref) (*model.Entity, error) {
	if err := t.active(); err != nil {
		return nil, err
	}
	if ref.To.IsZero() {
		return nil, fmt.Errorf("%w: empty reference", errs.ErrValidation)
	}
	if err := t.refresh(ctx, ref.To); err != nil {
		return nil, err
	}
	en, err := t.load(ctx, ref.To, t.eng.opts.Policy.readMode())
	if err != nil {
		return nil, err
	}
	if en.e.Deleted {
		return nil, t.dangling(&model.Entity{Kind: ref.From.Kind, ID: ref.From.ID}, ref.Relation, ref.To)
	}
	return en.e, nil
}

// refresh re-reads a clean arena row so concurrent deletes become visible.
// The captured base version is kept, so optimistic checks still see the change.
func (t *Tx) refresh(ctx context.Context, k model.Key) error {
	en, ok := t.arena.get(k)
	if !ok || en.created || en.dirty {
		return nil
	}
	fresh, err := t.st.Get(ctx, k.Kind, k.ID)
	if err != nil {
		return t.fail(ctx, err)
	}
	*en.e = fresh
	return nil
}

func (t *Tx) dangling(from *model.Entity, relation string, to model.Key) error {
	err := &errs.DanglingReferenceError{
		FromKind:   from.Kind,
		FromID:     from.ID,
		Relation:   relation,
		TargetKind: to.Kind,
		TargetID:   to.ID,
	}
	t.log.Warn("dangling reference", zap.Error(err))
	return err
}

func isNotFound(err error) bool { return errors.Is(err, errs.ErrNotFound) }
