package service

import (
	"context"
	"errors"
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/tombstone/internal/errs"
	"github.com/and161185/tombstone/internal/model"
	"github.com/and161185/tombstone/internal/repository"
	"github.com/and161185/tombstone/internal/repository/memory"
)

var errInjected = errors.New("injected store failure")

// faultyStore fails Put for one key, or every Query, inside otherwise working transactions.
type faultyStore struct {
	repository.RecordStore
	failPut   model.Key
	failQuery bool
}

func (s *faultyStore) Begin(ctx context.Context) (repository.Tx, error) {
	tx, err := s.RecordStore.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &faultyTx{Tx: tx, s: s}, nil
}

type faultyTx struct {
	repository.Tx
	s *faultyStore
}

func (t *faultyTx) Put(ctx context.Context, e model.Entity, expected int64) error {
	if e.Key() == t.s.failPut {
		return errInjected
	}
	return t.Tx.Put(ctx, e, expected)
}

func (t *faultyTx) Query(ctx context.Context, q repository.Query) (repository.Rows, error) {
	if t.s.failQuery {
		return nil, errInjected
	}
	return t.Tx.Query(ctx, q)
}

func TestCascade_ReverseIndexFindsUnloadedDependents(t *testing.T) {
	for _, policy := range allPolicies {
		t.Run(policy.String(), func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			eng := newEngine(t, policy)
			u := seedUser(t, eng, "ri@x")
			p := seedPost(t, eng, u, "parent")
			c1 := seedComment(t, eng, p, "one")
			c2 := seedComment(t, eng, p, "two")

			tx := begin(t, eng)
			require.NoError(t, tx.Delete(ctx, fresh(t, tx, p)))
			require.NoError(t, tx.Commit(ctx))

			for _, c := range []*model.Entity{c1, c2} {
				got := raw(t, eng, model.KindComment, c.ID)
				require.True(t, got.Deleted)
				require.Equal(t, int64(2), got.Version)
			}
		})
	}
}

func TestCascade_InMemoryMissesUnloadedDependents(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyOptimistic, inMemoryCascade)
	u := seedUser(t, eng, "im@x")
	p := seedPost(t, eng, u, "parent")
	loaded := seedComment(t, eng, p, "loaded")
	unloaded := seedComment(t, eng, p, "unloaded")

	tx := begin(t, eng)
	_, err := tx.Find(ctx, model.KindComment, loaded.ID)
	require.NoError(t, err)
	require.NoError(t, tx.Delete(ctx, fresh(t, tx, p)))
	require.NoError(t, tx.Commit(ctx))

	require.True(t, raw(t, eng, model.KindComment, loaded.ID).Deleted)
	require.False(t, raw(t, eng, model.KindComment, unloaded.ID).Deleted)
}

func TestCascade_UserDeleteFollowsBothRelations(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyOptimistic)
	author := seedUser(t, eng, "author@x")
	other := seedUser(t, eng, "other@x")
	own := seedPost(t, eng, author, "own")
	foreign := seedPost(t, eng, other, "foreign")
	onOwn := seedComment(t, eng, own, "on own")
	byAuthor := create(t, eng, model.KindComment,
		map[string]string{"content": "by author"},
		map[string]uuid.UUID{"post": foreign.ID, "user": author.ID})
	untouched := seedComment(t, eng, foreign, "stays")

	tx := begin(t, eng)
	require.NoError(t, tx.Delete(ctx, fresh(t, tx, author)))
	require.NoError(t, tx.Commit(ctx))

	for _, e := range []*model.Entity{author, own, onOwn, byAuthor} {
		require.True(t, raw(t, eng, e.Kind, e.ID).Deleted, e.Kind)
	}
	require.False(t, raw(t, eng, model.KindPost, foreign.ID).Deleted)
	require.False(t, raw(t, eng, model.KindComment, untouched.ID).Deleted)
}

func TestCascade_DependentsDeletedEarlierAreSkipped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyOptimistic)
	u := seedUser(t, eng, "pre@x")
	p := seedPost(t, eng, u, "parent")
	c := seedComment(t, eng, p, "first to go")

	tx := begin(t, eng)
	require.NoError(t, tx.Delete(ctx, c))
	require.NoError(t, tx.Commit(ctx))

	tx = begin(t, eng)
	require.NoError(t, tx.Delete(ctx, fresh(t, tx, p)))
	require.NoError(t, tx.Commit(ctx))

	require.Equal(t, int64(2), raw(t, eng, model.KindComment, c.ID).Version)
	require.True(t, raw(t, eng, model.KindPost, p.ID).Deleted)
}

func TestCascade_DeleteTwice(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyOptimistic)
	u := seedUser(t, eng, "twice@x")
	p := seedPost(t, eng, u, "p")

	tx := begin(t, eng)
	require.NoError(t, tx.Delete(ctx, p))
	require.ErrorIs(t, tx.Delete(ctx, p), errs.ErrAlreadyDeleted)
	require.NoError(t, tx.Commit(ctx))

	tx = begin(t, eng)
	gone := raw(t, eng, model.KindPost, p.ID)
	require.ErrorIs(t, tx.Delete(ctx, gone), errs.ErrAlreadyDeleted)
}

func TestCascade_UpdateThenDeleteBumpsVersionOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyOptimistic)
	u := seedUser(t, eng, "once@x")
	p := seedPost(t, eng, u, "p")

	tx := begin(t, eng)
	got, err := tx.Find(ctx, model.KindPost, p.ID, WithLock(LockOptimisticForceIncrement))
	require.NoError(t, err)
	require.NoError(t, tx.Update(ctx, got, map[string]string{"content": "last words"}))
	require.NoError(t, tx.Delete(ctx, got))
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, int64(2), raw(t, eng, model.KindPost, p.ID).Version)
}

func TestCascade_FailureRollsBackEverything(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &faultyStore{RecordStore: memory.New(model.BlogSchema())}
	eng := newEngineOn(t, store, PolicyOptimistic)
	u := seedUser(t, eng, "atomic@x")
	p := seedPost(t, eng, u, "parent")
	c1 := seedComment(t, eng, p, "one")
	c2 := seedComment(t, eng, p, "two")

	before := map[model.Key]int64{}
	for _, e := range []*model.Entity{p, c1, c2} {
		before[e.Key()] = raw(t, eng, e.Kind, e.ID).Version
	}

	store.failPut = c2.Key()
	tx := begin(t, eng)
	require.NoError(t, tx.Delete(ctx, fresh(t, tx, p)))
	err := tx.Commit(ctx)
	require.ErrorIs(t, err, errs.ErrAborted)
	require.ErrorIs(t, err, errInjected)

	store.failPut = model.Key{}
	for _, e := range []*model.Entity{p, c1, c2} {
		got := raw(t, eng, e.Kind, e.ID)
		require.False(t, got.Deleted, e.Kind)
		require.Equal(t, before[e.Key()], got.Version)
	}
}

func TestCascade_DiscoveryFailureIsCascadeError(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := &faultyStore{RecordStore: memory.New(model.BlogSchema())}
	eng := newEngineOn(t, store, PolicyOptimistic)
	u := seedUser(t, eng, "disc@x")
	p := seedPost(t, eng, u, "parent")

	tx := begin(t, eng)
	require.NoError(t, tx.Delete(ctx, p))
	store.failQuery = true
	err := tx.Commit(ctx)
	store.failQuery = false
	require.ErrorIs(t, err, errs.ErrCascade)
	require.ErrorIs(t, err, errInjected)
	require.False(t, raw(t, eng, model.KindPost, p.ID).Deleted)
}
