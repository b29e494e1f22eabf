// Package jsonl implements the harvest sink as newline-delimited JSON files.
package jsonl

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/JakeFAU/sitemap-harvester/internal/harvest"
)

// Default file names inside Dir.
const (
	DefaultRecordsFile  = "apps_detailed.jsonl"
	DefaultFailuresFile = "429.jsonl"
)

// Config captures the output directory and stream names.
type Config struct {
	// Dir is the root directory for every stream and snapshot.
	Dir          string `mapstructure:"dir"`
	RecordsFile  string `mapstructure:"records_file"`
	FailuresFile string `mapstructure:"failures_file"`
	// Sync flushes each append to stable storage before returning.
	Sync bool `mapstructure:"sync"`
}

// Sink writes records and failure reports to append-only files. Each entry
// is encoded up front and written with a single call under the stream's lock,
// so concurrent appends never interleave.
type Sink struct {
	dir      string
	sync     bool
	records  *stream
	failures *stream
}

type stream struct {
	mu   sync.Mutex
	file *os.File
}

// New prepares Dir and opens both append streams.
func New(cfg Config) (*Sink, error) {
	if strings.TrimSpace(cfg.Dir) == "" {
		return nil, fmt.Errorf("output directory is required")
	}
	if err := ensureDir(cfg.Dir); err != nil {
		return nil, err
	}
	if cfg.RecordsFile == "" {
		cfg.RecordsFile = DefaultRecordsFile
	}
	if cfg.FailuresFile == "" {
		cfg.FailuresFile = DefaultFailuresFile
	}

	s := &Sink{dir: cfg.Dir, sync: cfg.Sync}
	var err error
	if s.records, err = s.openStream(cfg.RecordsFile); err != nil {
		return nil, err
	}
	if s.failures, err = s.openStream(cfg.FailuresFile); err != nil {
		_ = s.records.file.Close()
		return nil, err
	}
	return s, nil
}

func ensureDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			return fmt.Errorf("stat output directory: %w", err)
		}
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return fmt.Errorf("create output directory: %w", mkErr)
		}
		return nil
	}
	if !info.IsDir() {
		return fmt.Errorf("output path %q is not a directory", dir)
	}
	return nil
}

func (s *Sink) openStream(name string) (*stream, error) {
	path, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &stream{file: f}, nil
}

// resolve joins name onto the base directory and rejects traversal.
func (s *Sink) resolve(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("file name is required")
	}
	base := filepath.Clean(s.dir)
	full := filepath.Clean(filepath.Join(base, name))
	if !strings.HasPrefix(full, base+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected for %q", name)
	}
	return full, nil
}

// AppendRecord implements harvest.RecordSink.
func (s *Sink) AppendRecord(_ context.Context, record harvest.Record) error {
	return s.append(s.records, record)
}

// AppendFailure implements harvest.FailureSink.
func (s *Sink) AppendFailure(_ context.Context, report harvest.FailureReport) error {
	return s.append(s.failures, report)
}

func (s *Sink) append(st *stream, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	line = append(line, '\n')

	st.mu.Lock()
	defer st.mu.Unlock()
	if _, err := st.file.Write(line); err != nil {
		return fmt.Errorf("append to %s: %w", st.file.Name(), err)
	}
	if s.sync {
		if err := st.file.Sync(); err != nil {
			return fmt.Errorf("sync %s: %w", st.file.Name(), err)
		}
	}
	return nil
}

// Snapshot replaces target with one line per item. The file is written to a
// temporary name and renamed so readers never see a partial snapshot.
func (s *Sink) Snapshot(_ context.Context, target string, items []harvest.ItemRef) error {
	path, err := s.resolve(target)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	enc := json.NewEncoder(tmp)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("encode snapshot entry: %w", err)
		}
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace snapshot %s: %w", path, err)
	}
	return nil
}

// Close closes both streams.
func (s *Sink) Close() error {
	var firstErr error
	for _, st := range []*stream{s.records, s.failures} {
		st.mu.Lock()
		if err := st.file.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close %s: %w", st.file.Name(), err)
		}
		st.mu.Unlock()
	}
	return firstErr
}
