package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/and161185/tombstone/internal/errs"
	"github.com/and161185/tombstone/internal/model"
)

func TestParseLockPolicy(t *testing.T) {
	tests := []struct {
		in      string
		want    LockPolicy
		wantErr bool
	}{
		{"none", PolicyNone, false},
		{"Optimistic", PolicyOptimistic, false},
		{" pessimistic ", PolicyPessimistic, false},
		{"serializable", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseLockPolicy(tt.in)
		if tt.wantErr {
			require.ErrorIs(t, err, errs.ErrValidation)
			continue
		}
		require.NoError(t, err)
		require.Equal(t, tt.want, got)
		require.Equal(t, got, mustPolicy(t, got.String()))
	}
}

func mustPolicy(t *testing.T, s string) LockPolicy {
	t.Helper()
	p, err := ParseLockPolicy(s)
	require.NoError(t, err)
	return p
}

func TestParseCascadeStrategy(t *testing.T) {
	for _, c := range []CascadeStrategy{CascadeReverseIndex, CascadeInMemory} {
		got, err := ParseCascadeStrategy(c.String())
		require.NoError(t, err)
		require.Equal(t, c, got)
	}
	_, err := ParseCascadeStrategy("eager")
	require.ErrorIs(t, err, errs.ErrValidation)
}

func TestOptimistic_StaleHandleConflicts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyOptimistic)
	u := seedUser(t, eng, "stale@x")
	p := seedPost(t, eng, u, "p")

	tx := begin(t, eng)
	require.NoError(t, tx.Update(ctx, fresh(t, tx, p), map[string]string{"content": "v2"}))
	require.NoError(t, tx.Commit(ctx))

	tx = begin(t, eng)
	err := tx.Delete(ctx, p)
	require.ErrorIs(t, err, errs.ErrVersionConflict)
	require.Equal(t, TxAborted, tx.State())
	require.ErrorIs(t, tx.Commit(ctx), errs.ErrTxDone)
}

func TestOptimistic_ReadGuardDetectsConcurrentWrite(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyOptimistic)
	u := seedUser(t, eng, "guard@x")
	p := seedPost(t, eng, u, "p")

	a := begin(t, eng)
	_, err := a.Find(ctx, model.KindPost, p.ID)
	require.NoError(t, err)

	b := begin(t, eng)
	require.NoError(t, b.Update(ctx, fresh(t, b, p), map[string]string{"content": "changed"}))
	require.NoError(t, b.Commit(ctx))

	err = a.Commit(ctx)
	require.ErrorIs(t, err, errs.ErrAborted)
	require.ErrorIs(t, err, errs.ErrVersionConflict)
	require.True(t, errs.IsRetryable(err))
}

func TestOptimistic_PlainReadDoesNotConflict(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyOptimistic)
	u := seedUser(t, eng, "plain@x")
	p := seedPost(t, eng, u, "p")

	a := begin(t, eng)
	_, err := a.Find(ctx, model.KindPost, p.ID, WithLock(LockNone))
	require.NoError(t, err)

	b := begin(t, eng)
	require.NoError(t, b.Update(ctx, fresh(t, b, p), map[string]string{"content": "changed"}))
	require.NoError(t, b.Commit(ctx))

	require.NoError(t, a.Commit(ctx))
}

func TestOptimistic_ForceIncrement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyOptimistic)
	u := seedUser(t, eng, "force@x")

	tx := begin(t, eng)
	got, err := tx.Find(ctx, model.KindUser, u.ID, WithLock(LockOptimisticForceIncrement))
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))
	require.Equal(t, int64(2), got.Version)
	require.Equal(t, int64(2), raw(t, eng, model.KindUser, u.ID).Version)
}

func TestPessimistic_LockTimeoutAborts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyPessimistic, func(o *Options) { o.LockTimeout = 20 * time.Millisecond })
	u := seedUser(t, eng, "busy@x")

	holder := begin(t, eng)
	_, err := holder.Find(ctx, model.KindUser, u.ID, WithLock(LockPessimisticWrite))
	require.NoError(t, err)

	waiter := begin(t, eng)
	start := time.Now()
	_, err = waiter.Find(ctx, model.KindUser, u.ID)
	require.ErrorIs(t, err, errs.ErrLockTimeout)
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	require.Equal(t, TxAborted, waiter.State())

	require.NoError(t, holder.Rollback(ctx))
	retry := begin(t, eng)
	_, err = retry.Find(ctx, model.KindUser, u.ID)
	require.NoError(t, err)
}

func TestPessimistic_ReadersShareWritersWait(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyPessimistic, func(o *Options) { o.LockTimeout = 0 })
	u := seedUser(t, eng, "share@x")

	a, b := begin(t, eng), begin(t, eng)
	_, err := a.Find(ctx, model.KindUser, u.ID)
	require.NoError(t, err)
	_, err = b.Find(ctx, model.KindUser, u.ID)
	require.NoError(t, err)

	err = a.Update(ctx, fresh(t, a, u), map[string]string{"name": "upgraded"})
	require.ErrorIs(t, err, errs.ErrLockTimeout, "upgrade waits for the other reader")
}

func TestNone_LostUpdate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	eng := newEngine(t, PolicyNone)
	u := seedUser(t, eng, "lost@x")

	a, b := begin(t, eng), begin(t, eng)
	ua, ub := fresh(t, a, u), fresh(t, b, u)

	require.NoError(t, a.Update(ctx, ua, map[string]string{"name": "from a"}))
	require.NoError(t, a.Commit(ctx))
	require.NoError(t, b.Update(ctx, ub, map[string]string{"name": "from b"}))
	require.NoError(t, b.Commit(ctx))

	got := raw(t, eng, model.KindUser, u.ID)
	require.Equal(t, "from b", got.Attr("name"))
	require.Equal(t, int64(3), got.Version)
}

func TestPessimisticLock_BlocksUnlockedWriter(t *testing.T) {
	tests := []struct {
		name       string
		mode       LockMode
		holderEdit bool
		wantErr    error
	}{
		{"read lock", LockPessimisticRead, false, nil},
		{"write lock", LockPessimisticWrite, true, errs.ErrVersionConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			eng := newEngine(t, PolicyOptimistic)
			u := seedUser(t, eng, "mixed@x")
			p := seedPost(t, eng, u, "held")

			holder := begin(t, eng)
			post, err := holder.Find(ctx, model.KindPost, p.ID, WithLock(tt.mode))
			require.NoError(t, err)

			writer := begin(t, eng)
			require.NoError(t, writer.Delete(ctx, fresh(t, writer, p)))
			done := make(chan error, 1)
			go func() { done <- writer.Commit(ctx) }()

			select {
			case err := <-done:
				t.Fatalf("delete committed under a held %s: %v", tt.mode, err)
			case <-time.After(50 * time.Millisecond):
			}
			require.False(t, raw(t, eng, model.KindPost, p.ID).Deleted)

			if tt.holderEdit {
				require.NoError(t, holder.Update(ctx, post, map[string]string{"content": "kept"}))
			}
			require.NoError(t, holder.Commit(ctx))

			select {
			case err := <-done:
				if tt.wantErr != nil {
					require.ErrorIs(t, err, tt.wantErr)
					require.Equal(t, "kept", raw(t, eng, model.KindPost, p.ID).Attr("content"))
					require.False(t, raw(t, eng, model.KindPost, p.ID).Deleted)
					return
				}
				require.NoError(t, err)
				require.True(t, raw(t, eng, model.KindPost, p.ID).Deleted)
			case <-time.After(5 * time.Second):
				t.Fatal("writer never woke up")
			}
		})
	}
}
