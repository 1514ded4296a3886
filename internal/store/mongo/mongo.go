// Package mongo implements the store capabilities over a MongoDB database.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"assetql/internal/logger"
	"assetql/internal/store"
	"assetql/pkg/models"
)

// Config configures MongoDB access.
type Config struct {
	URI              string
	Database         string
	RunsCollection   string
	ChunksCollection string
	ConnectTimeout   time.Duration
	BatchSize        int32
}

func (c Config) withDefaults() Config {
	if strings.TrimSpace(c.URI) == "" {
		c.URI = "mongodb://127.0.0.1:27017"
	}
	if strings.TrimSpace(c.Database) == "" {
		c.Database = "aggregator"
	}
	if c.RunsCollection == "" {
		c.RunsCollection = store.RunsCollection
	}
	if c.ChunksCollection == "" {
		c.ChunksCollection = store.ChunksCollection
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	return c
}

// Store is a MongoDB-backed datastore and chunk reader.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	cfg    Config
}

var (
	_ store.Datastore   = (*Store)(nil)
	_ store.ChunkReader = (*Store)(nil)
)

// Connect dials MongoDB and verifies the connection.
func Connect(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.withDefaults()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(dialCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	if err := client.Ping(dialCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	logger.Infof("Connected to MongoDB database %s", cfg.Database)

	return &Store{client: client, db: client.Database(cfg.Database), cfg: cfg}, nil
}

// Find runs filter against collection.
func (s *Store) Find(ctx context.Context, collection string, filter, projection bson.D) (store.Cursor, error) {
	opts := options.Find().SetBatchSize(s.cfg.BatchSize)
	if len(projection) > 0 {
		opts.SetProjection(projection)
	}
	cur, err := s.db.Collection(collection).Find(ctx, nonNil(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("find in %s: %w", collection, err)
	}
	return cur, nil
}

// FindOne returns the first document matching filter, or store.ErrNotFound.
func (s *Store) FindOne(ctx context.Context, collection string, filter, projection bson.D) (bson.M, error) {
	opts := options.FindOne()
	if len(projection) > 0 {
		opts.SetProjection(projection)
	}
	var doc bson.M
	err := s.db.Collection(collection).FindOne(ctx, nonNil(filter), opts).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find one in %s: %w", collection, err)
	}
	return doc, nil
}

// Insert adds one document.
func (s *Store) Insert(ctx context.Context, collection string, doc interface{}) error {
	if _, err := s.db.Collection(collection).InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert into %s: %w", collection, err)
	}
	return nil
}

// Update applies update to every matching document and returns the match count.
func (s *Store) Update(ctx context.Context, collection string, filter, update bson.D) (int64, error) {
	res, err := s.db.Collection(collection).UpdateMany(ctx, nonNil(filter), update)
	if err != nil {
		return 0, fmt.Errorf("update %s: %w", collection, err)
	}
	return res.MatchedCount, nil
}

// Delete removes every matching document.
func (s *Store) Delete(ctx context.Context, collection string, filter bson.D) (int64, error) {
	res, err := s.db.Collection(collection).DeleteMany(ctx, nonNil(filter))
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", collection, err)
	}
	return res.DeletedCount, nil
}

// FindRunByPrettyID loads an enforcement run by its user-facing id.
func (s *Store) FindRunByPrettyID(ctx context.Context, prettyID int64) (*models.EnforcementRun, error) {
	var run models.EnforcementRun
	err := s.db.Collection(s.cfg.RunsCollection).
		FindOne(ctx, bson.D{{Key: "pretty_id", Value: prettyID}}).
		Decode(&run)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find run %d: %w", prettyID, err)
	}
	return &run, nil
}

type chunkDoc struct {
	Seq   int64    `bson:"seq"`
	Items []bson.M `bson:"items"`
}

// ReadChunked pages through the chunk documents of ref in seq order.
func (s *Store) ReadChunked(ctx context.Context, ref models.ChunkRef, fields []string, fn func(item bson.M) error) error {
	coll := ref.Collection
	if coll == "" {
		coll = s.cfg.ChunksCollection
	}

	opts := options.Find().
		SetSort(bson.D{{Key: "seq", Value: 1}}).
		SetBatchSize(s.cfg.BatchSize)
	if p := chunkProjection(fields); p != nil {
		opts.SetProjection(p)
	}

	cur, err := s.db.Collection(coll).Find(ctx, bson.D{{Key: "chunk_id", Value: ref.ChunkID}}, opts)
	if err != nil {
		return fmt.Errorf("read chunk %s: %w", ref.ChunkID, err)
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var chunk chunkDoc
		if err := cur.Decode(&chunk); err != nil {
			return fmt.Errorf("decode chunk %s: %w", ref.ChunkID, err)
		}
		for _, item := range chunk.Items {
			if err := fn(item); err != nil {
				return err
			}
		}
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("iterate chunk %s: %w", ref.ChunkID, err)
	}
	return nil
}

// Close disconnects the client.
func (s *Store) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Disconnect(ctx)
}

func chunkProjection(fields []string) bson.D {
	if len(fields) == 0 {
		return nil
	}
	p := bson.D{{Key: "seq", Value: 1}}
	for _, f := range fields {
		p = append(p, bson.E{Key: "items." + f, Value: 1})
	}
	return p
}

func nonNil(filter bson.D) bson.D {
	if filter == nil {
		return bson.D{}
	}
	return filter
}
