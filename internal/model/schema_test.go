package model

import (
	"testing"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"

	"github.com/and161185/tombstone/internal/errs"
)

func TestBlogSchema_Dependents(t *testing.T) {
	t.Parallel()
	s := BlogSchema()

	require.Equal(t, []string{KindUser, KindPost, KindComment}, s.Kinds())

	userDeps := s.CascadeDependentsOf(KindUser)
	require.Len(t, userDeps, 2)
	require.Equal(t, KindPost, userDeps[0].Kind)
	require.Equal(t, KindComment, userDeps[1].Kind)

	postDeps := s.DependentsOf(KindPost)
	require.Len(t, postDeps, 1)
	require.Equal(t, "post", postDeps[0].Relation.Name)

	require.Empty(t, s.DependentsOf(KindComment))
}

func TestNewSchema_Validation(t *testing.T) {
	t.Parallel()
	cases := map[string][]KindSpec{
		"empty name":     {{Name: ""}},
		"duplicate kind": {{Name: "a"}, {Name: "a"}},
		"unknown target": {{Name: "a", Relations: []Relation{{Name: "b", Target: "b"}}}},
		"dup relation": {
			{Name: "a"},
			{Name: "b", Relations: []Relation{{Name: "a", Target: "a"}, {Name: "a", Target: "a"}}},
		},
	}
	for name, kinds := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewSchema(kinds...)
			require.ErrorIs(t, err, errs.ErrValidation)
		})
	}
}

func TestSchema_UniqueKeys(t *testing.T) {
	t.Parallel()
	s := BlogSchema()
	e := &Entity{Kind: KindPost, Attrs: map[string]string{"title": "Notice", "content": "x"}}
	require.Equal(t, map[string]string{"title": "Notice"}, s.UniqueKeys(e))

	c := &Entity{Kind: KindComment, Attrs: map[string]string{"content": "hi"}}
	require.Nil(t, s.UniqueKeys(c))
}

func TestEntity_RefAndClone(t *testing.T) {
	t.Parallel()
	post := Key{Kind: KindPost, ID: uuid.Must(uuid.NewV4())}
	c := Entity{
		Kind:   KindComment,
		ID:     uuid.Must(uuid.NewV4()),
		Attrs:  map[string]string{"content": "hi"},
		Owners: map[string]Key{"post": post},
	}

	ref, ok := c.Ref("post")
	require.True(t, ok)
	require.Equal(t, post, ref.To)
	require.Equal(t, c.Key(), ref.From)

	_, ok = c.Ref("user")
	require.False(t, ok)

	cp := c.Clone()
	cp.Attrs["content"] = "changed"
	require.Equal(t, "hi", c.Attrs["content"])

	empty := Entity{}.Clone()
	require.NotNil(t, empty.Attrs)
	require.NotNil(t, empty.Owners)
}
