// Package store declares the storage capabilities the query engine depends on.
package store

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/bson"

	"assetql/pkg/models"
)

// ErrNotFound is returned by single-document lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Default collection names.
const (
	EntitiesCollection = "entities"
	RunsCollection     = "enforcement_runs"
	ChunksCollection   = "chunks"
)

// Cursor iterates over query results. *mongo.Cursor satisfies it.
type Cursor interface {
	Next(ctx context.Context) bool
	Decode(v interface{}) error
	Err() error
	Close(ctx context.Context) error
}

// RunFinder looks up enforcement runs.
type RunFinder interface {
	FindRunByPrettyID(ctx context.Context, prettyID int64) (*models.EnforcementRun, error)
}

// Datastore is a document store handle.
type Datastore interface {
	RunFinder
	Find(ctx context.Context, collection string, filter, projection bson.D) (Cursor, error)
	FindOne(ctx context.Context, collection string, filter, projection bson.D) (bson.M, error)
	Insert(ctx context.Context, collection string, doc interface{}) error
	Update(ctx context.Context, collection string, filter, update bson.D) (int64, error)
	Delete(ctx context.Context, collection string, filter bson.D) (int64, error)
}

// ChunkReader pages through a list stored in chunks. Items are projected to
// fields when fields is not empty. Iteration stops at the first error from fn.
type ChunkReader interface {
	ReadChunked(ctx context.Context, ref models.ChunkRef, fields []string, fn func(item bson.M) error) error
}

// LabelProvider returns the live mapping from connection label to the adapter
// connections carrying it.
type LabelProvider interface {
	ConnectionLabels(ctx context.Context) (map[string][]models.ConnectionRef, error)
}

// ProjectItem keeps only the listed top-level fields of item.
func ProjectItem(item bson.M, fields []string) bson.M {
	if len(fields) == 0 {
		return item
	}
	out := make(bson.M, len(fields))
	for _, f := range fields {
		if v, ok := item[f]; ok {
			out[f] = v
		}
	}
	return out
}

// StaticLabels is a fixed connection label mapping, usually taken from config.
type StaticLabels map[string][]models.ConnectionRef

// ConnectionLabels returns a copy of the mapping.
func (s StaticLabels) ConnectionLabels(_ context.Context) (map[string][]models.ConnectionRef, error) {
	out := make(map[string][]models.ConnectionRef, len(s))
	for k, v := range s {
		out[k] = append([]models.ConnectionRef(nil), v...)
	}
	return out, nil
}
