// Package postgres persists harvest output in Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitemap-harvester/internal/harvest"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool and table names.
type Config struct {
	DSN             string
	RecordsTable    string
	FailuresTable   string
	SnapshotsTable  string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	// Migrate creates the tables when they are missing.
	Migrate bool
}

func (c *Config) applyDefaults() error {
	if c.RecordsTable == "" {
		c.RecordsTable = "harvest_records"
	}
	if c.FailuresTable == "" {
		c.FailuresTable = "harvest_failures"
	}
	if c.SnapshotsTable == "" {
		c.SnapshotsTable = "harvest_snapshots"
	}
	for _, table := range []string{c.RecordsTable, c.FailuresTable, c.SnapshotsTable} {
		if !validTableName.MatchString(table) {
			return fmt.Errorf("invalid table name %q", table)
		}
	}
	return nil
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// Sink writes records, failure reports, and snapshots into Postgres. Each
// append is one INSERT so concurrent writers never share a row.
type Sink struct {
	pool pool
	cfg  Config
	now  func() time.Time
}

// New connects a pool and optionally creates the schema.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Sink{pool: p, cfg: cfg, now: time.Now}
	if cfg.Migrate {
		if err := s.EnsureSchema(ctx); err != nil {
			p.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewWithPool constructs a sink from an existing pool (primarily for testing).
func NewWithPool(p pool, cfg Config) (*Sink, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if err := cfg.applyDefaults(); err != nil {
		return nil, err
	}
	return &Sink{pool: p, cfg: cfg, now: time.Now}, nil
}

// EnsureSchema creates the three tables if they do not exist.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL,
	payload JSONB NOT NULL,
	harvested_at TIMESTAMPTZ NOT NULL
)`, s.cfg.RecordsTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL,
	failed_at TIMESTAMPTZ NOT NULL,
	attempts INTEGER NOT NULL
)`, s.cfg.FailuresTable),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	target TEXT NOT NULL,
	position INTEGER NOT NULL,
	url TEXT NOT NULL,
	PRIMARY KEY (target, position)
)`, s.cfg.SnapshotsTable),
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}

// AppendRecord implements harvest.RecordSink.
func (s *Sink) AppendRecord(ctx context.Context, record harvest.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	query := fmt.Sprintf(`INSERT INTO %s (url, payload, harvested_at) VALUES ($1, $2, $3)`, s.cfg.RecordsTable)
	if _, err := s.pool.Exec(ctx, query, record.URL, payload, s.now().UTC()); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// AppendFailure implements harvest.FailureSink.
func (s *Sink) AppendFailure(ctx context.Context, report harvest.FailureReport) error {
	query := fmt.Sprintf(`INSERT INTO %s (url, failed_at, attempts) VALUES ($1, $2, $3)`, s.cfg.FailuresTable)
	if _, err := s.pool.Exec(ctx, query, report.URL, report.FailedAt, report.Attempts); err != nil {
		return fmt.Errorf("insert failure report: %w", err)
	}
	return nil
}

// Snapshot replaces every row for target inside one transaction.
func (s *Sink) Snapshot(ctx context.Context, target string, items []harvest.ItemRef) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query := fmt.Sprintf(`DELETE FROM %s WHERE target = $1`, s.cfg.SnapshotsTable)
	if _, err = tx.Exec(ctx, query, target); err != nil {
		return fmt.Errorf("clear snapshot %s: %w", target, err)
	}
	rows := make([][]any, len(items))
	for i, item := range items {
		rows[i] = []any{target, i, item.URL}
	}
	if _, err = tx.CopyFrom(ctx,
		pgx.Identifier{s.cfg.SnapshotsTable},
		[]string{"target", "position", "url"},
		pgx.CopyFromRows(rows),
	); err != nil {
		return fmt.Errorf("copy snapshot %s: %w", target, err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit snapshot %s: %w", target, err)
	}
	return nil
}

// Close releases the pool.
func (s *Sink) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}
