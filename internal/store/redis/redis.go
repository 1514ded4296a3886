// Package redis implements chunked lists and connection labels over Redis.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/bson"

	"assetql/internal/logger"
	"assetql/internal/store"
	"assetql/pkg/models"
)

// Config configures Redis access.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	PageSize  int64
}

// Store serves chunked entity lists and connection labels from Redis.
type Store struct {
	client   *redis.Client
	prefix   string
	pageSize int64
}

var (
	_ store.ChunkReader   = (*Store)(nil)
	_ store.LabelProvider = (*Store)(nil)
)

// NewStore connects to Redis and verifies the connection.
func NewStore(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return newStore(client, cfg), nil
}

func newStore(client *redis.Client, cfg Config) *Store {
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "assetql"
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	return &Store{client: client, prefix: prefix, pageSize: pageSize}
}

// ReadChunked pages through the Redis list holding ref's items.
func (s *Store) ReadChunked(ctx context.Context, ref models.ChunkRef, fields []string, fn func(item bson.M) error) error {
	key := s.chunkKey(ref.ChunkID)
	for start := int64(0); ; start += s.pageSize {
		page, err := s.client.LRange(ctx, key, start, start+s.pageSize-1).Result()
		if err != nil {
			return fmt.Errorf("read chunk %s: %w", ref.ChunkID, err)
		}
		for _, raw := range page {
			item, err := decodeItem(raw)
			if err != nil {
				return fmt.Errorf("chunk %s: %w", ref.ChunkID, err)
			}
			if err := fn(store.ProjectItem(item, fields)); err != nil {
				return err
			}
		}
		if int64(len(page)) < s.pageSize {
			return nil
		}
	}
}

// AppendChunk appends items to the list of chunkID.
func (s *Store) AppendChunk(ctx context.Context, chunkID string, items ...bson.M) error {
	if len(items) == 0 {
		return nil
	}
	values := make([]interface{}, 0, len(items))
	for _, item := range items {
		raw, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("encode chunk item: %w", err)
		}
		values = append(values, string(raw))
	}
	if err := s.client.RPush(ctx, s.chunkKey(chunkID), values...).Err(); err != nil {
		return fmt.Errorf("append chunk %s: %w", chunkID, err)
	}
	return nil
}

// ConnectionLabels reads every indexed label and its connections.
func (s *Store) ConnectionLabels(ctx context.Context) (map[string][]models.ConnectionRef, error) {
	names, err := s.client.SMembers(ctx, s.labelIndexKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("read label index: %w", err)
	}
	if len(names) == 0 {
		return map[string][]models.ConnectionRef{}, nil
	}
	sort.Strings(names)

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(names))
	for i, name := range names {
		cmds[i] = pipe.SMembers(ctx, s.labelKey(name))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("read label members: %w", err)
	}

	out := make(map[string][]models.ConnectionRef, len(names))
	for i, name := range names {
		members, err := cmds[i].Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("read label %s: %w", name, err)
		}
		out[name] = decodeMembers(name, members)
	}
	return out, nil
}

// AddConnectionLabel attaches label to the given connections.
func (s *Store) AddConnectionLabel(ctx context.Context, label string, refs ...models.ConnectionRef) error {
	label = strings.TrimSpace(label)
	if label == "" {
		return fmt.Errorf("connection label is required")
	}
	members := make([]interface{}, 0, len(refs))
	for _, ref := range refs {
		members = append(members, encodeMember(ref.ClientID, ref.PluginUniqueName))
	}

	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.labelIndexKey(), label)
	if len(members) > 0 {
		pipe.SAdd(ctx, s.labelKey(label), members...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("add connection label %s: %w", label, err)
	}
	return nil
}

// Close closes Redis resources.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Store) chunkKey(chunkID string) string {
	return s.prefix + ":chunk:" + chunkID
}

func (s *Store) labelIndexKey() string {
	return s.prefix + ":labels"
}

func (s *Store) labelKey(label string) string {
	return s.prefix + ":label:" + label
}

func decodeItem(raw string) (bson.M, error) {
	var item map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &item); err != nil {
		return nil, fmt.Errorf("decode item: %w", err)
	}
	return bson.M(item), nil
}

func decodeMembers(label string, members []string) []models.ConnectionRef {
	sort.Strings(members)
	refs := make([]models.ConnectionRef, 0, len(members))
	for _, m := range members {
		client, plugin, ok := decodeMember(m)
		if !ok {
			logger.Warnf("label %s: skip malformed member %q", label, m)
			continue
		}
		refs = append(refs, models.ConnectionRef{ClientID: client, PluginUniqueName: plugin})
	}
	return refs
}

func encodeMember(client, plugin string) string {
	return client + "|" + plugin
}

// decodeMember splits on the last separator; plugin unique names never contain one.
func decodeMember(member string) (string, string, bool) {
	idx := strings.LastIndex(member, "|")
	if idx < 0 {
		return "", "", false
	}
	client, plugin := member[:idx], member[idx+1:]
	if strings.TrimSpace(client) == "" || strings.TrimSpace(plugin) == "" {
		return "", "", false
	}
	return client, plugin, true
}
