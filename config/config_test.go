package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"assetql/pkg/models"
)

const sampleConfig = `assetql:
  mongo:
    uri: mongodb://db:27017
    database: core
  chunks:
    source: redis
  labels:
    source: static
    static:
      prod:
        - client_id: c1
          plugin_unique_name: aws_adapter_0
  cache:
    size: 50
  pipeline:
    workers: 2
    flush_interval: 500ms
    ignore_errors: true
  output:
    mode: http
    http:
      url: http://sink/views
  metrics:
    addr: ":9102"
  logging:
    enabled: true
    level: debug
`

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assetql.yml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	ApplyDefaults(cfg)

	c := cfg.AssetQL
	assert.Equal(t, "mongodb://db:27017", c.Mongo.URI)
	assert.Equal(t, "core", c.Mongo.Database)
	assert.Equal(t, "entities", c.Mongo.EntitiesCollection)
	assert.Equal(t, "redis", c.Chunks.Source)
	assert.Equal(t, map[string][]models.ConnectionRef{
		"prod": {{ClientID: "c1", PluginUniqueName: "aws_adapter_0"}},
	}, c.Labels.Static)
	assert.Equal(t, 50, c.Cache.Size)
	assert.Equal(t, 2, c.Pipeline.Workers)
	assert.Equal(t, 500, c.Pipeline.BatchSize)
	assert.Equal(t, 500*time.Millisecond, c.Pipeline.FlushInterval)
	assert.True(t, c.Pipeline.IgnoreErrors)
	assert.Equal(t, "http", c.Output.Mode)
	assert.Equal(t, "http://sink/views", c.Output.HTTP.URL)
	assert.Equal(t, ":9102", c.Metrics.Addr)
	assert.Equal(t, "debug", c.Logging.Level)
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{}
	ApplyDefaults(cfg)

	c := cfg.AssetQL
	assert.Equal(t, "aggregator", c.Mongo.Database)
	assert.Equal(t, "127.0.0.1:6379", c.Redis.Addr)
	assert.Equal(t, "mongo", c.Chunks.Source)
	assert.Equal(t, "static", c.Labels.Source)
	assert.Equal(t, 100, c.Cache.Size)
	assert.Equal(t, "file", c.Output.Mode)
	assert.Equal(t, "output/views.jsonl", c.Output.File.Path)
	assert.Equal(t, "info", c.Logging.Level)
	assert.Empty(t, c.Metrics.Addr)
}

func TestLoadConfigErrors(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.yml")
	require.NoError(t, os.WriteFile(path, []byte("assetql: ["), 0o644))
	_, err = LoadConfig(path)
	assert.Error(t, err)
}
