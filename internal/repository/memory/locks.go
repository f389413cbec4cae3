package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/and161185/tombstone/internal/errs"
	"github.com/and161185/tombstone/internal/model"
	"github.com/and161185/tombstone/internal/repository"
)

// lockTable holds row locks owned by store transactions until commit or rollback.
type lockTable struct {
	mu   sync.Mutex
	rows map[model.Key]*rowLock
	held map[uint64]map[model.Key]struct{}
}

type rowLock struct {
	readers map[uint64]struct{}
	writer  uint64
	changed chan struct{} // closed and replaced whenever the lock is released
}

func newLockTable() *lockTable {
	return &lockTable{
		rows: make(map[model.Key]*rowLock),
		held: make(map[uint64]map[model.Key]struct{}),
	}
}

func (l *rowLock) grantable(owner uint64, mode repository.LockMode) bool {
	if l.writer != 0 && l.writer != owner {
		return false
	}
	if mode == repository.LockRead {
		return true
	}
	switch len(l.readers) {
	case 0:
		return true
	case 1:
		_, mine := l.readers[owner]
		return mine
	default:
		return false
	}
}

func (l *rowLock) grant(owner uint64, mode repository.LockMode) {
	if mode == repository.LockWrite {
		l.writer = owner
		return
	}
	l.readers[owner] = struct{}{}
}

func (t *lockTable) row(k model.Key) *rowLock {
	l, ok := t.rows[k]
	if !ok {
		l = &rowLock{readers: map[uint64]struct{}{}, changed: make(chan struct{})}
		t.rows[k] = l
	}
	return l
}

// acquire blocks until the lock is granted, the timeout expires or ctx ends.
// timeout <= 0 fails at once when the lock is held by someone else.
func (t *lockTable) acquire(ctx context.Context, owner uint64, k model.Key, mode repository.LockMode, timeout time.Duration) error {
	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		t.mu.Lock()
		l := t.row(k)
		if l.grantable(owner, mode) {
			l.grant(owner, mode)
			if t.held[owner] == nil {
				t.held[owner] = map[model.Key]struct{}{}
			}
			t.held[owner][k] = struct{}{}
			t.mu.Unlock()
			return nil
		}
		changed := l.changed
		t.mu.Unlock()

		if timeout <= 0 {
			return fmt.Errorf("%w: %s lock on %s not available", errs.ErrLockTimeout, mode, k)
		}
		select {
		case <-changed:
		case <-expired:
			return fmt.Errorf("%w: %s lock on %s after %s", errs.ErrLockTimeout, mode, k, timeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// releaseAll drops every lock held by owner and wakes waiters.
func (t *lockTable) releaseAll(owner uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for k := range t.held[owner] {
		l, ok := t.rows[k]
		if !ok {
			continue
		}
		delete(l.readers, owner)
		if l.writer == owner {
			l.writer = 0
		}
		close(l.changed)
		l.changed = make(chan struct{})
		if l.writer == 0 && len(l.readers) == 0 {
			delete(t.rows, k)
		}
	}
	delete(t.held, owner)
}

// holds reports the strongest mode owner holds on k (0 if none).
func (t *lockTable) holds(owner uint64, k model.Key) repository.LockMode {
	t.mu.Lock()
	defer t.mu.Unlock()
	l, ok := t.rows[k]
	if !ok {
		return 0
	}
	if l.writer == owner {
		return repository.LockWrite
	}
	if _, ok := l.readers[owner]; ok {
		return repository.LockRead
	}
	return 0
}
