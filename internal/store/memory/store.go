// Package memory is an in-process implementation of the store capabilities. It
// evaluates MongoDB filters itself and is used by tests and the CLI's offline mode.
package memory

import (
	"context"
	"fmt"
	"sync"

	"go.mongodb.org/mongo-driver/bson"

	"assetql/internal/store"
	"assetql/pkg/models"
)

const chunkPageSize = 2

// Store keeps collections, chunked lists and connection labels in memory.
type Store struct {
	mu          sync.RWMutex
	collections map[string][]bson.M
	chunks      map[string][]bson.M
	labels      map[string][]models.ConnectionRef
}

var (
	_ store.Datastore     = (*Store)(nil)
	_ store.ChunkReader   = (*Store)(nil)
	_ store.LabelProvider = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		collections: make(map[string][]bson.M),
		chunks:      make(map[string][]bson.M),
		labels:      make(map[string][]models.ConnectionRef),
	}
}

// toDocument normalizes any marshalable value into a map document.
func toDocument(v interface{}) (bson.M, error) {
	if m, ok := v.(bson.M); ok {
		return clone(m).(bson.M), nil
	}
	raw, err := bson.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}
	var doc bson.M
	if err := bson.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal document: %w", err)
	}
	return doc, nil
}

// Insert adds a document to collection.
func (s *Store) Insert(_ context.Context, collection string, doc interface{}) error {
	d, err := toDocument(doc)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.collections[collection] = append(s.collections[collection], d)
	s.mu.Unlock()
	return nil
}

// Find returns the documents of collection matching filter.
func (s *Store) Find(_ context.Context, collection string, filter, projection bson.D) (store.Cursor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var docs []bson.M
	for _, d := range s.collections[collection] {
		ok, err := Match(d, filter)
		if err != nil {
			return nil, fmt.Errorf("match %s: %w", collection, err)
		}
		if ok {
			docs = append(docs, project(d, projection))
		}
	}
	return &sliceCursor{docs: docs, pos: -1}, nil
}

// FindOne returns the first matching document or store.ErrNotFound.
func (s *Store) FindOne(ctx context.Context, collection string, filter, projection bson.D) (bson.M, error) {
	cur, err := s.Find(ctx, collection, filter, projection)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	if !cur.Next(ctx) {
		return nil, store.ErrNotFound
	}
	var doc bson.M
	if err := cur.Decode(&doc); err != nil {
		return nil, err
	}
	return doc, nil
}

// Update applies $set and $unset to the documents matching filter.
func (s *Store) Update(_ context.Context, collection string, filter, update bson.D) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, d := range s.collections[collection] {
		ok, err := Match(d, filter)
		if err != nil {
			return n, fmt.Errorf("match %s: %w", collection, err)
		}
		if !ok {
			continue
		}
		for _, op := range update {
			fields, ok := asDoc(op.Value)
			if !ok {
				return n, fmt.Errorf("update operator %s requires a document", op.Key)
			}
			switch op.Key {
			case "$set":
				for _, f := range fields {
					d[f.Key] = clone(f.Value)
				}
			case "$unset":
				for _, f := range fields {
					delete(d, f.Key)
				}
			default:
				return n, fmt.Errorf("unsupported update operator %s", op.Key)
			}
		}
		n++
	}
	return n, nil
}

// Delete removes the documents matching filter.
func (s *Store) Delete(_ context.Context, collection string, filter bson.D) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.collections[collection][:0]
	var n int64
	for _, d := range s.collections[collection] {
		ok, err := Match(d, filter)
		if err != nil {
			return 0, fmt.Errorf("match %s: %w", collection, err)
		}
		if ok {
			n++
			continue
		}
		kept = append(kept, d)
	}
	s.collections[collection] = kept
	return n, nil
}

// FindRunByPrettyID returns the enforcement run with the given pretty id.
func (s *Store) FindRunByPrettyID(ctx context.Context, prettyID int64) (*models.EnforcementRun, error) {
	doc, err := s.FindOne(ctx, store.RunsCollection, bson.D{{Key: "pretty_id", Value: prettyID}}, nil)
	if err != nil {
		return nil, err
	}
	raw, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal run %d: %w", prettyID, err)
	}
	var run models.EnforcementRun
	if err := bson.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("decode run %d: %w", prettyID, err)
	}
	return &run, nil
}

// AppendChunk appends items to the chunked list chunkID.
func (s *Store) AppendChunk(chunkID string, items ...interface{}) error {
	docs := make([]bson.M, 0, len(items))
	for _, item := range items {
		d, err := toDocument(item)
		if err != nil {
			return err
		}
		docs = append(docs, d)
	}
	s.mu.Lock()
	s.chunks[chunkID] = append(s.chunks[chunkID], docs...)
	s.mu.Unlock()
	return nil
}

// ReadChunked pages through the list referenced by ref.
func (s *Store) ReadChunked(ctx context.Context, ref models.ChunkRef, fields []string, fn func(item bson.M) error) error {
	s.mu.RLock()
	items := s.chunks[ref.ChunkID]
	s.mu.RUnlock()

	for start := 0; start < len(items); start += chunkPageSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := start + chunkPageSize
		if end > len(items) {
			end = len(items)
		}
		for _, item := range items[start:end] {
			if err := fn(store.ProjectItem(clone(item).(bson.M), fields)); err != nil {
				return err
			}
		}
	}
	return nil
}

// SetConnectionLabel replaces the connections carrying label.
func (s *Store) SetConnectionLabel(label string, refs ...models.ConnectionRef) {
	s.mu.Lock()
	s.labels[label] = append([]models.ConnectionRef(nil), refs...)
	s.mu.Unlock()
}

// ConnectionLabels returns a copy of the label mapping.
func (s *Store) ConnectionLabels(_ context.Context) (map[string][]models.ConnectionRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]models.ConnectionRef, len(s.labels))
	for k, v := range s.labels {
		out[k] = append([]models.ConnectionRef(nil), v...)
	}
	return out, nil
}

type sliceCursor struct {
	docs []bson.M
	pos  int
}

func (c *sliceCursor) Next(ctx context.Context) bool {
	if ctx.Err() != nil || c.pos+1 >= len(c.docs) {
		return false
	}
	c.pos++
	return true
}

func (c *sliceCursor) Decode(v interface{}) error {
	if c.pos < 0 || c.pos >= len(c.docs) {
		return fmt.Errorf("cursor is not positioned on a document")
	}
	if m, ok := v.(*bson.M); ok {
		*m = clone(c.docs[c.pos]).(bson.M)
		return nil
	}
	raw, err := bson.Marshal(c.docs[c.pos])
	if err != nil {
		return err
	}
	return bson.Unmarshal(raw, v)
}

func (c *sliceCursor) Err() error { return nil }

func (c *sliceCursor) Close(context.Context) error { return nil }
