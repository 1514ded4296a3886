package main

import (
	"context"
	"fmt"
	"strings"

	"assetql/config"
	"assetql/internal/compiler"
	"assetql/internal/logger"
	"assetql/internal/output/viewhttp"
	"assetql/internal/output/viewjson"
	"assetql/internal/pipeline"
	"assetql/internal/querylang"
	"assetql/internal/store"
	mongostore "assetql/internal/store/mongo"
	redisstore "assetql/internal/store/redis"
	"assetql/internal/xref"
)

// app holds the backends shared by subcommands. Connections are opened on first use.
type app struct {
	cfg   *config.Config
	mongo *mongostore.Store
	redis *redisstore.Store
}

func (a *app) datastore(ctx context.Context) (*mongostore.Store, error) {
	if a.mongo != nil {
		return a.mongo, nil
	}
	mc := a.cfg.AssetQL.Mongo
	s, err := mongostore.Connect(ctx, mongostore.Config{
		URI:              mc.URI,
		Database:         mc.Database,
		RunsCollection:   mc.RunsCollection,
		ChunksCollection: mc.ChunksCollection,
		ConnectTimeout:   mc.ConnectTimeout,
		BatchSize:        mc.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	a.mongo = s
	return s, nil
}

func (a *app) redisStore() (*redisstore.Store, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	rc := a.cfg.AssetQL.Redis
	s, err := redisstore.NewStore(redisstore.Config{
		Addr:      rc.Addr,
		Password:  rc.Password,
		DB:        rc.DB,
		KeyPrefix: rc.KeyPrefix,
		PageSize:  rc.PageSize,
	})
	if err != nil {
		return nil, err
	}
	a.redis = s
	return s, nil
}

func (a *app) chunkReader(ctx context.Context) (store.ChunkReader, error) {
	switch source := a.cfg.AssetQL.Chunks.Source; source {
	case "mongo":
		return a.datastore(ctx)
	case "redis":
		return a.redisStore()
	default:
		return nil, fmt.Errorf("unknown chunks source %q", source)
	}
}

func (a *app) labelProvider() (store.LabelProvider, error) {
	switch source := a.cfg.AssetQL.Labels.Source; source {
	case "static":
		return store.StaticLabels(a.cfg.AssetQL.Labels.Static), nil
	case "redis":
		return a.redisStore()
	default:
		return nil, fmt.Errorf("unknown labels source %q", source)
	}
}

// compiler builds a compiler wired to the backends the query text needs.
func (a *app) compiler(ctx context.Context, query string) (*compiler.Compiler, error) {
	var opts []compiler.Option

	if querylang.ContainsConnectionLabel(query) {
		labels, err := a.labelProvider()
		if err != nil {
			return nil, err
		}
		opts = append(opts, compiler.WithLabels(labels))
	}

	if strings.Contains(query, "exists_in") {
		runs, err := a.datastore(ctx)
		if err != nil {
			return nil, err
		}
		chunks, err := a.chunkReader(ctx)
		if err != nil {
			return nil, err
		}
		opts = append(opts, compiler.WithResolver(xref.NewResolver(runs, chunks)))
	}

	return compiler.New(a.cfg.AssetQL.Cache.Size, opts...)
}

func (a *app) viewWriter() (pipeline.ViewWriter, error) {
	oc := a.cfg.AssetQL.Output
	switch oc.Mode {
	case "file":
		return viewjson.NewWriter(oc.File.Path)
	case "http":
		return viewhttp.NewWriter(viewhttp.Config{
			URL:      oc.HTTP.URL,
			Timeout:  oc.HTTP.Timeout,
			Headers:  oc.HTTP.Headers,
			PageSize: oc.HTTP.PageSize,
		})
	default:
		return nil, fmt.Errorf("unknown output mode %q", oc.Mode)
	}
}

func (a *app) close() error {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			logger.Errorf("Failed to close redis: %v", err)
		}
	}
	if a.mongo != nil {
		return a.mongo.Close(context.Background())
	}
	return nil
}
