package rules

import "go.mongodb.org/mongo-driver/bson"

// SavedQuery is a named raw filter compiled from a rule file. Filter uses view
// paths and still needs the entity rewrites before it can run against the store.
type SavedQuery struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Severity string   `json:"severity"`
	Tags     []string `json:"tags,omitempty"`
	Filter   bson.D   `json:"-"`
}

// Source yields saved queries.
type Source interface {
	Queries() []SavedQuery
}

// StaticSource serves a fixed list of saved queries.
type StaticSource []SavedQuery

// Queries returns the list.
func (s StaticSource) Queries() []SavedQuery {
	return s
}
