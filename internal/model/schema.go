package model

import (
	"fmt"
	"slices"

	"github.com/and161185/tombstone/internal/errs"
)

// Relation is an owning reference from a kind to its owner kind.
type Relation struct {
	Name     string
	Target   string // owner kind
	Required bool
	Cascade  bool // deleting the owner soft-deletes the holder
}

// KindSpec declares one entity kind.
type KindSpec struct {
	Name      string
	Required  []string // attributes that must be non-empty
	Unique    []string // attributes unique among live rows
	Relations []Relation
}

// Relation returns the named relation of the kind.
func (k *KindSpec) Relation(name string) (Relation, bool) {
	for _, r := range k.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// IsUnique reports whether attr is a live-scoped unique attribute.
func (k *KindSpec) IsUnique(attr string) bool { return slices.Contains(k.Unique, attr) }

// Dependent is a reverse ownership edge: rows of Kind point at the owner via Relation.
type Dependent struct {
	Kind     string
	Relation Relation
}

// Schema holds all kinds and their derived reverse edges.
type Schema struct {
	kinds      map[string]*KindSpec
	order      []string
	dependents map[string][]Dependent
}

// NewSchema validates kinds and builds the reverse index used by cascade.
func NewSchema(kinds ...KindSpec) (*Schema, error) {
	s := &Schema{
		kinds:      make(map[string]*KindSpec, len(kinds)),
		dependents: make(map[string][]Dependent),
	}
	for i := range kinds {
		k := kinds[i]
		if k.Name == "" {
			return nil, fmt.Errorf("%w: kind[%d] empty name", errs.ErrValidation, i)
		}
		if _, dup := s.kinds[k.Name]; dup {
			return nil, fmt.Errorf("%w: duplicate kind %q", errs.ErrValidation, k.Name)
		}
		s.kinds[k.Name] = &k
		s.order = append(s.order, k.Name)
	}
	for _, name := range s.order {
		k := s.kinds[name]
		seen := map[string]bool{}
		for _, r := range k.Relations {
			if r.Name == "" || seen[r.Name] {
				return nil, fmt.Errorf("%w: kind %q: bad or duplicate relation %q", errs.ErrValidation, name, r.Name)
			}
			seen[r.Name] = true
			if _, ok := s.kinds[r.Target]; !ok {
				return nil, fmt.Errorf("%w: kind %q relation %q: unknown target %q", errs.ErrValidation, name, r.Name, r.Target)
			}
			s.dependents[r.Target] = append(s.dependents[r.Target], Dependent{Kind: name, Relation: r})
		}
	}
	return s, nil
}

// MustSchema is NewSchema that panics; for static schemas.
func MustSchema(kinds ...KindSpec) *Schema {
	s, err := NewSchema(kinds...)
	if err != nil {
		panic(err)
	}
	return s
}

// Kind returns the spec for a kind name.
func (s *Schema) Kind(name string) (*KindSpec, bool) {
	k, ok := s.kinds[name]
	return k, ok
}

// Kinds returns kind names in declaration order.
func (s *Schema) Kinds() []string { return slices.Clone(s.order) }

// DependentsOf returns every relation that points at owner kind.
func (s *Schema) DependentsOf(owner string) []Dependent { return s.dependents[owner] }

// CascadeDependentsOf returns only the relations that cascade deletes.
func (s *Schema) CascadeDependentsOf(owner string) []Dependent {
	var out []Dependent
	for _, d := range s.dependents[owner] {
		if d.Relation.Cascade {
			out = append(out, d)
		}
	}
	return out
}

// UniqueKeys returns field->value for the unique attributes present on e.
func (s *Schema) UniqueKeys(e *Entity) map[string]string {
	k, ok := s.kinds[e.Kind]
	if !ok || len(k.Unique) == 0 {
		return nil
	}
	out := make(map[string]string, len(k.Unique))
	for _, f := range k.Unique {
		if v, ok := e.Attrs[f]; ok {
			out[f] = v
		}
	}
	return out
}
