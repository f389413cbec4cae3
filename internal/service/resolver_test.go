package service

import (
	"context"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/tombstone/internal/errs"
	"github.com/and161185/tombstone/internal/model"
)

func TestResolve_LiveTarget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyOptimistic)
	u := seedUser(t, eng, "live@x")
	p := seedPost(t, eng, u, "p")
	c := seedComment(t, eng, p, "c")

	tx := begin(t, eng)
	comment := fresh(t, tx, c)
	ref, ok := comment.Ref("post")
	require.True(t, ok)
	got, err := tx.Resolve(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
	require.Same(t, got, fresh(t, tx, p))

	_, ok = comment.Ref("user")
	require.False(t, ok)
}

func TestResolve_DeletedTargetIsDangling(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyOptimistic, inMemoryCascade)
	u := seedUser(t, eng, "dang@x")
	p := seedPost(t, eng, u, "p")
	c := seedComment(t, eng, p, "orphan")

	tx := begin(t, eng)
	require.NoError(t, tx.Delete(ctx, fresh(t, tx, p)))
	require.NoError(t, tx.Commit(ctx))

	tx = begin(t, eng)
	comment := fresh(t, tx, c)
	ref, _ := comment.Ref("post")
	got, err := tx.Resolve(ctx, ref)
	require.Nil(t, got)
	require.ErrorIs(t, err, errs.ErrDanglingReference)
	var de *errs.DanglingReferenceError
	require.ErrorAs(t, err, &de)
	require.Equal(t, model.KindComment, de.FromKind)
	require.Equal(t, c.ID, de.FromID)
	require.Equal(t, "post", de.Relation)
	require.Equal(t, p.ID, de.TargetID)
}

func TestResolve_ChecksAtAccessTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyNone, inMemoryCascade)
	u := seedUser(t, eng, "late@x")
	p := seedPost(t, eng, u, "p")
	c := seedComment(t, eng, p, "c")

	reader := begin(t, eng)
	comment := fresh(t, reader, c)
	ref, _ := comment.Ref("post")
	_, err := reader.Resolve(ctx, ref)
	require.NoError(t, err)

	deleter := begin(t, eng)
	require.NoError(t, deleter.Delete(ctx, fresh(t, deleter, p)))
	require.NoError(t, deleter.Commit(ctx))

	_, err = reader.Resolve(ctx, ref)
	require.ErrorIs(t, err, errs.ErrDanglingReference)
}

func TestResolve_OwnPendingDelete(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyOptimistic)
	u := seedUser(t, eng, "own@x")
	p := seedPost(t, eng, u, "p")

	tx := begin(t, eng)
	post := fresh(t, tx, p)
	ref, _ := post.Ref("user")
	require.NoError(t, tx.Delete(ctx, fresh(t, tx, u)))
	_, err := tx.Resolve(ctx, ref)
	require.ErrorIs(t, err, errs.ErrDanglingReference)
}

func TestResolve_NeverExisted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyOptimistic)
	tx := begin(t, eng)

	ref := model.Ref{
		From:     model.Key{Kind: model.KindComment, ID: uuid.Must(uuid.NewV4())},
		Relation: "post",
		To:       model.Key{Kind: model.KindPost, ID: uuid.Must(uuid.NewV4())},
	}
	got, err := tx.Resolve(ctx, ref)
	require.Nil(t, got)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.NotErrorIs(t, err, errs.ErrDanglingReference)

	_, err = tx.Resolve(ctx, model.Ref{})
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestCreate_UnderDeletedOwnerFailsLoudly(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyOptimistic)
	u := seedUser(t, eng, "proxy@x")
	p := seedPost(t, eng, u, "p")

	tx := begin(t, eng)
	require.NoError(t, tx.Delete(ctx, fresh(t, tx, p)))
	require.NoError(t, tx.Commit(ctx))

	tx = begin(t, eng)
	_, err := tx.Create(ctx, model.KindComment, map[string]string{"content": "late"}, map[string]uuid.UUID{"post": p.ID})
	var de *errs.DanglingReferenceError
	require.ErrorAs(t, err, &de)
	require.Equal(t, "post", de.Relation)
	require.Equal(t, model.KindComment, de.FromKind)
	require.Equal(t, p.ID, de.TargetID)
}
