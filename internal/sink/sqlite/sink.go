// Package sqlite persists harvest output in a local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/JakeFAU/sitemap-harvester/internal/harvest"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    url          TEXT NOT NULL,
    payload      TEXT NOT NULL,
    harvested_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS failures (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    url       TEXT NOT NULL,
    failed_at DATETIME NOT NULL,
    attempts  INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
    target   TEXT NOT NULL,
    position INTEGER NOT NULL,
    url      TEXT NOT NULL,
    PRIMARY KEY (target, position)
);
`

// Sink implements harvest.Sink on SQLite. Writes go through a single
// connection so concurrent appends are serialized by the driver.
type Sink struct {
	db *sql.DB
}

// New opens dbPath, creating parent directories and the schema as needed.
func New(dbPath string) (*Sink, error) {
	if dbPath == "" {
		return nil, fmt.Errorf("sqlite.path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init sqlite schema: %w", err)
	}
	return &Sink{db: db}, nil
}

// AppendRecord implements harvest.RecordSink.
func (s *Sink) AppendRecord(ctx context.Context, record harvest.Record) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO records (url, payload, harvested_at) VALUES (?, ?, ?)`,
		record.URL, string(payload), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

// AppendFailure implements harvest.FailureSink.
func (s *Sink) AppendFailure(ctx context.Context, report harvest.FailureReport) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failures (url, failed_at, attempts) VALUES (?, ?, ?)`,
		report.URL, report.FailedAt.UTC(), report.Attempts,
	)
	if err != nil {
		return fmt.Errorf("insert failure report: %w", err)
	}
	return nil
}

// Snapshot replaces every row for target inside one transaction.
func (s *Sink) Snapshot(ctx context.Context, target string, items []harvest.ItemRef) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshots WHERE target = ?`, target); err != nil {
		return fmt.Errorf("clear snapshot %s: %w", target, err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO snapshots (target, position, url) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare snapshot insert: %w", err)
	}
	defer stmt.Close() //nolint:errcheck
	for i, item := range items {
		if _, err := stmt.ExecContext(ctx, target, i, item.URL); err != nil {
			return fmt.Errorf("insert snapshot row: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot %s: %w", target, err)
	}
	return nil
}

// Close closes the database connection.
func (s *Sink) Close() error {
	return s.db.Close()
}
