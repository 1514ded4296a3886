package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"assetql/pkg/models"
)

// Config is the root configuration.
type Config struct {
	AssetQL AssetQLConfig `yaml:"assetql"`
}

// AssetQLConfig is the project configuration.
type AssetQLConfig struct {
	Mongo    MongoConfig    `yaml:"mongo"`
	Redis    RedisConfig    `yaml:"redis"`
	Chunks   ChunksConfig   `yaml:"chunks"`
	Labels   LabelsConfig   `yaml:"labels"`
	Cache    CacheConfig    `yaml:"cache"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Output   OutputConfig   `yaml:"output"`
	Rules    RulesConfig    `yaml:"rules"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// MongoConfig controls the entity datastore.
type MongoConfig struct {
	URI                string        `yaml:"uri"`
	Database           string        `yaml:"database"`
	EntitiesCollection string        `yaml:"entities_collection"`
	RunsCollection     string        `yaml:"runs_collection"`
	ChunksCollection   string        `yaml:"chunks_collection"`
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	BatchSize          int32         `yaml:"batch_size"`
}

// RedisConfig controls Redis access for chunked lists and connection labels.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
	PageSize  int64  `yaml:"page_size"`
}

// ChunksConfig selects where enforcement result lists are read from.
type ChunksConfig struct {
	Source string `yaml:"source"` // mongo|redis
}

// LabelsConfig selects the connection label provider.
type LabelsConfig struct {
	Source string                            `yaml:"source"` // static|redis
	Static map[string][]models.ConnectionRef `yaml:"static"`
}

// CacheConfig controls the compiled filter cache.
type CacheConfig struct {
	Size int `yaml:"size"`
}

// PipelineConfig controls view materialization.
type PipelineConfig struct {
	Workers       int           `yaml:"workers"`
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	IgnoreErrors  bool          `yaml:"ignore_errors"`
}

// OutputConfig controls where views are written.
type OutputConfig struct {
	Mode string           `yaml:"mode"` // file|http
	File FileOutputConfig `yaml:"file"`
	HTTP HTTPOutputConfig `yaml:"http"`
}

// FileOutputConfig config for local JSON output.
type FileOutputConfig struct {
	Path string `yaml:"path"`
}

// HTTPOutputConfig config for remote output.
type HTTPOutputConfig struct {
	URL      string            `yaml:"url"`
	Timeout  time.Duration     `yaml:"timeout"`
	Headers  map[string]string `yaml:"headers"`
	PageSize int               `yaml:"page_size"`
}

// RulesConfig controls Sigma saved queries.
type RulesConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MetricsConfig controls the Prometheus endpoint. An empty address disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// LoggingConfig controls logging output.
type LoggingConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	File    string `yaml:"file"`
	Console bool   `yaml:"console"`
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	return &cfg, nil
}

// ApplyDefaults fills unset fields.
func ApplyDefaults(cfg *Config) {
	c := &cfg.AssetQL

	if c.Mongo.URI == "" {
		c.Mongo.URI = "mongodb://127.0.0.1:27017"
	}
	if c.Mongo.Database == "" {
		c.Mongo.Database = "aggregator"
	}
	if c.Mongo.EntitiesCollection == "" {
		c.Mongo.EntitiesCollection = "entities"
	}
	if c.Mongo.RunsCollection == "" {
		c.Mongo.RunsCollection = "enforcement_runs"
	}
	if c.Mongo.ChunksCollection == "" {
		c.Mongo.ChunksCollection = "chunks"
	}
	if c.Mongo.ConnectTimeout <= 0 {
		c.Mongo.ConnectTimeout = 10 * time.Second
	}
	if c.Mongo.BatchSize <= 0 {
		c.Mongo.BatchSize = 500
	}

	if c.Redis.Addr == "" {
		c.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = "assetql"
	}
	if c.Redis.PageSize <= 0 {
		c.Redis.PageSize = 1000
	}

	if c.Chunks.Source == "" {
		c.Chunks.Source = "mongo"
	}
	if c.Labels.Source == "" {
		c.Labels.Source = "static"
	}

	if c.Cache.Size <= 0 {
		c.Cache.Size = 100
	}

	if c.Pipeline.Workers <= 0 {
		c.Pipeline.Workers = 4
	}
	if c.Pipeline.BatchSize <= 0 {
		c.Pipeline.BatchSize = 500
	}
	if c.Pipeline.FlushInterval <= 0 {
		c.Pipeline.FlushInterval = 2 * time.Second
	}

	if c.Output.Mode == "" {
		c.Output.Mode = "file"
	}
	if c.Output.File.Path == "" {
		c.Output.File.Path = "output/views.jsonl"
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
