// Package scenario replays the delete-parent / insert-child race under the
// three locking regimes and reports what each one leaves behind.
package scenario

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/and161185/tombstone/internal/errs"
	"github.com/and161185/tombstone/internal/model"
	"github.com/and161185/tombstone/internal/repository"
	"github.com/and161185/tombstone/internal/service"
)

// Outcome is the observable result of one race.
type Outcome struct {
	Policy    service.LockPolicy
	PostID    uuid.UUID
	CommentID uuid.UUID // zero if the insert never got as far as creating it

	Deleted   bool  // the deleting transaction committed the delete
	DeleteErr error // why the delete did not commit
	Inserted  bool  // the inserting transaction committed the comment
	InsertErr error // why the insert did not commit

	// Orphans counts live comments under the post once it is deleted.
	// Anything above zero is a broken owning reference.
	Orphans int
	// InsertWait is how long the insert blocked on the post's row lock.
	InsertWait time.Duration
}

// Consistent reports whether no live comment points at a deleted post.
func (o Outcome) Consistent() bool { return o.Orphans == 0 }

// Harness runs races against one store. Each race seeds its own rows.
type Harness struct {
	store  repository.RecordStore
	schema *model.Schema
	opts   service.Options
	hold   time.Duration
	log    *zap.Logger
}

// New builds a harness. opts supplies everything but the policy, which each run sets.
// hold is how long the pessimistic deleter keeps its lock before deleting.
func New(store repository.RecordStore, opts service.Options, hold time.Duration, log *zap.Logger) *Harness {
	if log == nil {
		log = zap.NewNop()
	}
	return &Harness{store: store, schema: model.BlogSchema(), opts: opts, hold: hold, log: log}
}

// Run dispatches to the regime for policy.
func (h *Harness) Run(ctx context.Context, policy service.LockPolicy) (Outcome, error) {
	switch policy {
	case service.PolicyNone:
		return h.RunUnlocked(ctx)
	case service.PolicyOptimistic:
		return h.RunOptimistic(ctx)
	case service.PolicyPessimistic:
		return h.RunPessimistic(ctx)
	}
	return Outcome{}, fmt.Errorf("%w: policy %d", errs.ErrValidation, policy)
}

func (h *Harness) engine(policy service.LockPolicy) *service.Engine {
	opts := h.opts
	opts.Policy = policy
	return service.New(h.store, h.schema, opts, h.log.Named(policy.String()))
}

// RunUnlocked: the inserter reads the post, the deleter deletes it and
// commits, then the inserter adds a comment from its stale view.
func (h *Harness) RunUnlocked(ctx context.Context) (Outcome, error) {
	return h.interleaved(ctx, service.PolicyNone)
}

// RunOptimistic replays the same interleaving with version checks; the
// inserter's commit is expected to fail with a version conflict.
func (h *Harness) RunOptimistic(ctx context.Context) (Outcome, error) {
	return h.interleaved(ctx, service.PolicyOptimistic)
}

func (h *Harness) interleaved(ctx context.Context, policy service.LockPolicy) (Outcome, error) {
	eng := h.engine(policy)
	out := Outcome{Policy: policy}
	postID, err := h.seed(ctx, eng)
	if err != nil {
		return out, err
	}
	out.PostID = postID

	read := make(chan struct{})
	deleted := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		tx, err := eng.Begin(gctx)
		if err != nil {
			close(read)
			return err
		}
		defer tx.Rollback(gctx)

		_, err = tx.Find(gctx, model.KindPost, postID)
		close(read)
		if err != nil {
			return err
		}
		if err := wait(gctx, deleted); err != nil {
			return err
		}
		c, err := createComment(gctx, tx, postID)
		if err != nil {
			out.InsertErr = err
			return nil
		}
		out.CommentID = c.ID
		if err := tx.Commit(gctx); err != nil {
			out.InsertErr = err
			return nil
		}
		out.Inserted = true
		return nil
	})

	g.Go(func() error {
		defer close(deleted)
		if err := wait(gctx, read); err != nil {
			return err
		}
		out.Deleted, out.DeleteErr = h.deleteIfChildless(gctx, eng, postID, service.LockNone, nil)
		return nil
	})

	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, h.audit(ctx, eng, &out)
}

// RunPessimistic: the deleter write-locks the post first; the inserter's
// read lock on the owner blocks until the delete commits, after which it
// sees the post deleted and backs off.
func (h *Harness) RunPessimistic(ctx context.Context) (Outcome, error) {
	eng := h.engine(service.PolicyPessimistic)
	out := Outcome{Policy: service.PolicyPessimistic}
	postID, err := h.seed(ctx, eng)
	if err != nil {
		return out, err
	}
	out.PostID = postID

	locked := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		signalled := false
		defer func() {
			if !signalled {
				close(locked)
			}
		}()
		out.Deleted, out.DeleteErr = h.deleteIfChildless(gctx, eng, postID, service.LockPessimisticWrite, func() {
			signalled = true
			close(locked)
			time.Sleep(h.hold)
		})
		return nil
	})

	g.Go(func() error {
		if err := wait(gctx, locked); err != nil {
			return err
		}
		tx, err := eng.Begin(gctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(gctx)

		start := time.Now()
		c, err := createComment(gctx, tx, postID)
		out.InsertWait = time.Since(start)
		if err != nil {
			out.InsertErr = err
			return nil
		}
		out.CommentID = c.ID
		if err := tx.Commit(gctx); err != nil {
			out.InsertErr = err
			return nil
		}
		out.Inserted = true
		return nil
	})

	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, h.audit(ctx, eng, &out)
}

// deleteIfChildless deletes the post only when it has no live comments.
// afterRead runs once the post is read, while any lock on it is held.
func (h *Harness) deleteIfChildless(ctx context.Context, eng *service.Engine, postID uuid.UUID, mode service.LockMode, afterRead func()) (bool, error) {
	tx, err := eng.Begin(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	post, err := tx.Find(ctx, model.KindPost, postID, service.WithLock(mode))
	if err != nil {
		return false, err
	}
	if afterRead != nil {
		afterRead()
	}
	kids, err := tx.Children(ctx, post, model.KindComment, "post")
	if err != nil {
		return false, err
	}
	if len(kids) > 0 {
		return false, fmt.Errorf("post %s has %d live comments", postID, len(kids))
	}
	if err := tx.Delete(ctx, post); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func createComment(ctx context.Context, tx *service.Tx, postID uuid.UUID) (*model.Entity, error) {
	return tx.Create(ctx, model.KindComment,
		map[string]string{"content": "reply"},
		map[string]uuid.UUID{"post": postID})
}

// seed creates a user and a post with unique keys of their own.
func (h *Harness) seed(ctx context.Context, eng *service.Engine) (uuid.UUID, error) {
	tag := uuid.Must(uuid.NewV4()).String()
	var postID uuid.UUID
	err := eng.Run(ctx, func(ctx context.Context, tx *service.Tx) error {
		u, err := tx.Create(ctx, model.KindUser, map[string]string{"email": tag + "@race", "name": "racer"}, nil)
		if err != nil {
			return err
		}
		p, err := tx.Create(ctx, model.KindPost,
			map[string]string{"title": "race " + tag, "content": "contested"},
			map[string]uuid.UUID{"user": u.ID})
		if err != nil {
			return err
		}
		postID = p.ID
		return nil
	})
	return postID, err
}

// audit counts live comments left under a deleted post.
func (h *Harness) audit(ctx context.Context, eng *service.Engine, out *Outcome) error {
	tx, err := eng.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	post, err := tx.Find(ctx, model.KindPost, out.PostID, service.IncludeDeleted(), service.WithLock(service.LockNone))
	if err != nil {
		return err
	}
	if post.Deleted {
		kids, err := tx.Children(ctx, post, model.KindComment, "post")
		if err != nil {
			return err
		}
		out.Orphans = len(kids)
		for _, k := range kids {
			ref, _ := k.Ref("post")
			if _, err := tx.Resolve(ctx, ref); !errors.Is(err, errs.ErrDanglingReference) {
				return fmt.Errorf("orphan %s resolved without a dangling fault: %v", k.ID, err)
			}
		}
	}
	h.log.Info("race finished",
		zap.Stringer("policy", out.Policy),
		zap.Bool("deleted", out.Deleted),
		zap.Bool("inserted", out.Inserted),
		zap.Int("orphans", out.Orphans))
	return nil
}

func wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
