package model

// Kinds of the blog hierarchy: user -> post -> comment (comment may also point at a user).
const (
	KindUser    = "user"
	KindPost    = "post"
	KindComment = "comment"
)

// BlogSchema returns the three-level ownership hierarchy.
func BlogSchema() *Schema {
	return MustSchema(
		KindSpec{
			Name:     KindUser,
			Required: []string{"email", "name"},
			Unique:   []string{"email"},
		},
		KindSpec{
			Name:     KindPost,
			Required: []string{"title", "content"},
			Unique:   []string{"title"},
			Relations: []Relation{
				{Name: "user", Target: KindUser, Required: true, Cascade: true},
			},
		},
		KindSpec{
			Name:     KindComment,
			Required: []string{"content"},
			Relations: []Relation{
				{Name: "post", Target: KindPost, Required: true, Cascade: true},
				{Name: "user", Target: KindUser, Cascade: true},
			},
		},
	)
}
