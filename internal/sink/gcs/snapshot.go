// Package gcs writes discovery snapshots to Google Cloud Storage.
package gcs

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/sitemap-harvester/internal/harvest"
)

// Config captures the bucket and object prefix for snapshots.
type Config struct {
	Bucket string
	Prefix string
}

// Snapshotter uploads each snapshot as one JSONL object, replacing any prior
// object with the same name.
type Snapshotter struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed Snapshotter.
func New(client *storage.Client, cfg Config) (*Snapshotter, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &Snapshotter{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// ObjectName maps a snapshot target to its object name.
func (s *Snapshotter) ObjectName(target string) string {
	if s.prefix == "" {
		return target
	}
	return path.Join(s.prefix, target)
}

// Snapshot implements harvest.Snapshotter.
func (s *Snapshotter) Snapshot(ctx context.Context, target string, items []harvest.ItemRef) error {
	if strings.TrimSpace(target) == "" {
		return fmt.Errorf("target is required")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, item := range items {
		if err := enc.Encode(item); err != nil {
			return fmt.Errorf("encode snapshot entry: %w", err)
		}
	}

	name := s.ObjectName(target)
	writer := s.client.Bucket(s.bucket).Object(name).NewWriter(ctx)
	writer.ContentType = "application/x-ndjson"
	if _, err := io.Copy(writer, &buf); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("copy object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("copy object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for gs://%s/%s: %w", s.bucket, name, err)
	}
	return nil
}
