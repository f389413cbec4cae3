// Package model defines the entity row, references and the kind schema used by stores and services.
package model

import (
	"fmt"
	"maps"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Key addresses a row: kind plus id.
type Key struct {
	Kind string    `json:"kind"`
	ID   uuid.UUID `json:"id"`
}

func (k Key) String() string { return fmt.Sprintf("%s/%s", k.Kind, k.ID) }

// IsZero reports whether the key is unset.
func (k Key) IsZero() bool { return k.Kind == "" && k.ID == uuid.Nil }

// Ref is a captured, not yet resolved, owning reference.
type Ref struct {
	From     Key
	Relation string
	To       Key
}

// Entity is a single stored row. It is never hard-deleted; Deleted only moves false->true.
type Entity struct {
	Kind      string
	ID        uuid.UUID
	Attrs     map[string]string
	Owners    map[string]Key // relation -> owner, immutable after creation
	Deleted   bool
	Version   int64 // incremented once per committed mutation, 1 after insert
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Key returns the row address.
func (e *Entity) Key() Key { return Key{Kind: e.Kind, ID: e.ID} }

// Attr returns an attribute value or "".
func (e *Entity) Attr(name string) string { return e.Attrs[name] }

// Ref captures the owning reference for relation without fetching the target.
func (e *Entity) Ref(relation string) (Ref, bool) {
	to, ok := e.Owners[relation]
	if !ok {
		return Ref{}, false
	}
	return Ref{From: e.Key(), Relation: relation, To: to}, true
}

// Clone returns a deep copy; maps are never shared between copies.
func (e Entity) Clone() Entity {
	c := e
	c.Attrs = maps.Clone(e.Attrs)
	if c.Attrs == nil {
		c.Attrs = map[string]string{}
	}
	c.Owners = maps.Clone(e.Owners)
	if c.Owners == nil {
		c.Owners = map[string]Key{}
	}
	return c
}
