// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Output backends accepted by output.backend.
const (
	BackendJSONL    = "jsonl"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSQLite   = "sqlite"
)

// Config captures all harvester configuration knobs loaded via Viper.
type Config struct {
	Sitemap   SitemapConfig   `mapstructure:"sitemap"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Extract   ExtractConfig   `mapstructure:"extract"`
	Output    OutputConfig    `mapstructure:"output"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	SQLite    SQLiteConfig    `mapstructure:"sqlite"`
	GCS       GCSConfig       `mapstructure:"gcs"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Progress  ProgressConfig  `mapstructure:"progress"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// SitemapConfig controls discovery.
type SitemapConfig struct {
	URL              string `mapstructure:"url"`
	HostPattern      string `mapstructure:"host_pattern"`
	DeveloperMarker  string `mapstructure:"developer_marker"`
	MaxIndexDepth    int    `mapstructure:"max_index_depth"`
	AppsTarget       string `mapstructure:"apps_target"`
	DevelopersTarget string `mapstructure:"developers_target"`
}

// SchedulerConfig governs batching and 429 retry timing.
type SchedulerConfig struct {
	BatchSize        int           `mapstructure:"batch_size"`
	InitialBackoff   time.Duration `mapstructure:"initial_backoff"`
	BackoffIncrement time.Duration `mapstructure:"backoff_increment"`
	MaxRetries       int           `mapstructure:"max_retries"`
	InterBatchDelay  time.Duration `mapstructure:"inter_batch_delay"`
}

// HTTPConfig configures the item fetcher and optional client-side pacing.
type HTTPConfig struct {
	UserAgent      string            `mapstructure:"user_agent"`
	Timeout        time.Duration     `mapstructure:"timeout"`
	Headers        map[string]string `mapstructure:"headers"`
	RateLimitRPS   float64           `mapstructure:"rate_limit_rps"`
	RateLimitBurst int               `mapstructure:"rate_limit_burst"`
}

// ExtractConfig tunes the listing parser.
type ExtractConfig struct {
	Currency string `mapstructure:"currency"`
}

// OutputConfig selects the persistence backend.
type OutputConfig struct {
	Backend      string `mapstructure:"backend"`
	Dir          string `mapstructure:"dir"`
	RecordsFile  string `mapstructure:"records_file"`
	FailuresFile string `mapstructure:"failures_file"`
	Sync         bool   `mapstructure:"sync"`
}

// PostgresConfig controls the Postgres backend.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn"`
	RecordsTable    string        `mapstructure:"records_table"`
	FailuresTable   string        `mapstructure:"failures_table"`
	SnapshotsTable  string        `mapstructure:"snapshots_table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	Migrate         bool          `mapstructure:"migrate"`
}

// RedisConfig controls the Redis backend.
type RedisConfig struct {
	URL       string `mapstructure:"url"`
	Password  string `mapstructure:"password"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SQLiteConfig controls the SQLite backend.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// GCSConfig redirects snapshots to a bucket when Bucket is set.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PubSubConfig enables success notifications when TopicID is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// ProgressConfig tunes the progress hub.
type ProgressConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	SinkTimeout    time.Duration `mapstructure:"sink_timeout"`
}

// ServerConfig controls the status HTTP server.
type ServerConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("sitemap.url", "https://apps.shopify.com/sitemap.xml")
	v.SetDefault("sitemap.host_pattern", "apps.shopify.com/")
	v.SetDefault("sitemap.developer_marker", "/partners/")
	v.SetDefault("sitemap.max_index_depth", 2)
	v.SetDefault("sitemap.apps_target", "apps.jsonl")
	v.SetDefault("sitemap.developers_target", "developers.jsonl")
	v.SetDefault("scheduler.batch_size", 5)
	v.SetDefault("scheduler.initial_backoff", 10*time.Second)
	v.SetDefault("scheduler.backoff_increment", 5*time.Second)
	v.SetDefault("scheduler.max_retries", 5)
	v.SetDefault("scheduler.inter_batch_delay", 5*time.Second)
	v.SetDefault("http.user_agent", "sitemap-harvester/0.1")
	v.SetDefault("http.timeout", 30*time.Second)
	v.SetDefault("http.rate_limit_rps", 0)
	v.SetDefault("http.rate_limit_burst", 1)
	v.SetDefault("extract.currency", "USD")
	v.SetDefault("output.backend", BackendJSONL)
	v.SetDefault("output.dir", "./data")
	v.SetDefault("output.records_file", "apps_detailed.jsonl")
	v.SetDefault("output.failures_file", "429.jsonl")
	v.SetDefault("output.sync", false)
	v.SetDefault("postgres.max_conns", 4)
	v.SetDefault("postgres.migrate", true)
	v.SetDefault("redis.key_prefix", "harvest")
	v.SetDefault("sqlite.path", "./data/harvest.db")
	v.SetDefault("gcs.prefix", "snapshots")
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_wait", 500*time.Millisecond)
	v.SetDefault("server.enabled", false)
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.Sitemap.URL == "" {
		errs = append(errs, errors.New("sitemap.url must be set"))
	}
	if c.Sitemap.AppsTarget == "" || c.Sitemap.DevelopersTarget == "" {
		errs = append(errs, errors.New("sitemap.apps_target and sitemap.developers_target must be set"))
	}
	if c.Scheduler.BatchSize <= 0 {
		errs = append(errs, errors.New("scheduler.batch_size must be > 0"))
	}
	if c.Scheduler.MaxRetries <= 0 {
		errs = append(errs, errors.New("scheduler.max_retries must be > 0"))
	}
	if c.Scheduler.InitialBackoff < 0 || c.Scheduler.BackoffIncrement < 0 || c.Scheduler.InterBatchDelay < 0 {
		errs = append(errs, errors.New("scheduler delays must be >= 0"))
	}
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, errors.New("http.timeout must be > 0"))
	}
	if c.HTTP.RateLimitRPS < 0 {
		errs = append(errs, errors.New("http.rate_limit_rps must be >= 0"))
	}
	switch c.Output.Backend {
	case BackendJSONL:
		if c.Output.Dir == "" {
			errs = append(errs, errors.New("output.dir must be set for the jsonl backend"))
		}
	case BackendPostgres:
		if c.Postgres.DSN == "" {
			errs = append(errs, errors.New("postgres.dsn must be set for the postgres backend"))
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("redis.url must be set for the redis backend"))
		}
	case BackendSQLite:
		if c.SQLite.Path == "" {
			errs = append(errs, errors.New("sqlite.path must be set for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("output.backend %q is not one of jsonl, postgres, redis, sqlite", c.Output.Backend))
	}
	if c.PubSub.TopicID != "" && c.PubSub.ProjectID == "" {
		errs = append(errs, errors.New("pubsub.project_id must be set when pubsub.topic_id is set"))
	}
	if c.Server.Enabled && c.Server.Port <= 0 {
		errs = append(errs, errors.New("server.port must be > 0"))
	}
	return errors.Join(errs...)
}
