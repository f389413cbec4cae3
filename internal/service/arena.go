package service

import (
	"slices"

	"github.com/and161185/tombstone/internal/model"
	"github.com/and161185/tombstone/internal/repository"
)

// entry is one row as seen by a transaction.
type entry struct {
	e       *model.Entity
	base    int64 // version read from the store; 0 for rows created here
	created bool
	dirty   bool
	guard   guard
	held    repository.LockMode
}

// arena is the per-transaction identity map. Rows refer to each other by Key:
// forward edges live in Entity.Owners, back edges in the dependent index.
type arena struct {
	byKey map[model.Key]*entry
	order []model.Key
	back  map[model.Key][]model.Key // owner -> dependents loaded or created in this transaction
}

func newArena() *arena {
	return &arena{
		byKey: make(map[model.Key]*entry),
		back:  make(map[model.Key][]model.Key),
	}
}

func (a *arena) get(k model.Key) (*entry, bool) {
	en, ok := a.byKey[k]
	return en, ok
}

// add registers en and links it into its owners' dependent lists.
func (a *arena) add(en *entry) {
	k := en.e.Key()
	a.byKey[k] = en
	a.order = append(a.order, k)
	for _, owner := range en.e.Owners {
		if !slices.Contains(a.back[owner], k) {
			a.back[owner] = append(a.back[owner], k)
		}
	}
}

// dependents returns entries whose relation points at owner.
func (a *arena) dependents(owner model.Key, kind, relation string) []*entry {
	var out []*entry
	for _, k := range a.back[owner] {
		en := a.byKey[k]
		if en.e.Kind != kind {
			continue
		}
		if to, ok := en.e.Owners[relation]; ok && to == owner {
			out = append(out, en)
		}
	}
	return out
}

// entries returns all entries in load order.
func (a *arena) entries() []*entry {
	out := make([]*entry, 0, len(a.order))
	for _, k := range a.order {
		out = append(out, a.byKey[k])
	}
	return out
}

// writes returns pending writes: deletions first so they release unique keys,
// then updates, then creations in creation order so owners precede dependents.
func (a *arena) writes() []*entry {
	var deleted, updated, created []*entry
	for _, en := range a.entries() {
		switch {
		case en.created:
			created = append(created, en)
		case !en.dirty:
		case en.e.Deleted:
			deleted = append(deleted, en)
		default:
			updated = append(updated, en)
		}
	}
	return slices.Concat(deleted, updated, created)
}
