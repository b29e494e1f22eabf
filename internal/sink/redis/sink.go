// Package redis persists harvest output as Redis lists.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/JakeFAU/sitemap-harvester/internal/harvest"
)

// Config holds Redis connection settings and key names.
type Config struct {
	URL         string
	Password    string
	KeyPrefix   string
	RecordsKey  string
	FailuresKey string
}

func (c *Config) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "harvest"
	}
	if c.RecordsKey == "" {
		c.RecordsKey = "records"
	}
	if c.FailuresKey == "" {
		c.FailuresKey = "failures"
	}
}

// listClient is the subset of the go-redis client used by the sink.
type listClient interface {
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Rename(ctx context.Context, key, newkey string) *redis.StatusCmd
	Close() error
}

// Sink appends JSON entries with RPUSH, which is atomic per entry.
type Sink struct {
	rdb listClient
	cfg Config
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	rdb := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewWithClient(rdb, cfg), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(rdb listClient, cfg Config) *Sink {
	cfg.applyDefaults()
	return &Sink{rdb: rdb, cfg: cfg}
}

func (s *Sink) key(name string) string {
	return fmt.Sprintf("%s:%s", s.cfg.KeyPrefix, name)
}

// AppendRecord implements harvest.RecordSink.
func (s *Sink) AppendRecord(ctx context.Context, record harvest.Record) error {
	return s.push(ctx, s.key(s.cfg.RecordsKey), record)
}

// AppendFailure implements harvest.FailureSink.
func (s *Sink) AppendFailure(ctx context.Context, report harvest.FailureReport) error {
	return s.push(ctx, s.key(s.cfg.FailuresKey), report)
}

func (s *Sink) push(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}
	if err := s.rdb.RPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", key, err)
	}
	return nil
}

// Snapshot fills a staging list and renames it over the target key.
func (s *Sink) Snapshot(ctx context.Context, target string, items []harvest.ItemRef) error {
	key := s.key("snapshot:" + target)
	if len(items) == 0 {
		if err := s.rdb.Del(ctx, key).Err(); err != nil {
			return fmt.Errorf("clear snapshot %s: %w", key, err)
		}
		return nil
	}

	staging := key + ":staging"
	if err := s.rdb.Del(ctx, staging).Err(); err != nil {
		return fmt.Errorf("clear staging %s: %w", staging, err)
	}
	values := make([]any, 0, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal snapshot entry: %w", err)
		}
		values = append(values, data)
	}
	if err := s.rdb.RPush(ctx, staging, values...).Err(); err != nil {
		return fmt.Errorf("rpush %s: %w", staging, err)
	}
	if err := s.rdb.Rename(ctx, staging, key).Err(); err != nil {
		return fmt.Errorf("rename %s: %w", staging, err)
	}
	return nil
}

// Close closes the Redis connection.
func (s *Sink) Close() error {
	return s.rdb.Close()
}
