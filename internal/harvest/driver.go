package harvest

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Targets names the snapshot destinations for each category.
type Targets struct {
	Apps       string
	Developers string
}

// Driver sequences discovery, snapshots, and the scheduler.
type Driver struct {
	sitemapURL string
	targets    Targets
	discoverer Discoverer
	snapshots  Snapshotter
	scheduler  *Scheduler
	logger     *zap.Logger
}

// NewDriver wires the top-level collaborators. scheduler may be nil when the
// driver is only used for discovery.
func NewDriver(
	sitemapURL string,
	targets Targets,
	discoverer Discoverer,
	snapshots Snapshotter,
	scheduler *Scheduler,
	logger *zap.Logger,
) *Driver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{
		sitemapURL: sitemapURL,
		targets:    targets,
		discoverer: discoverer,
		snapshots:  snapshots,
		scheduler:  scheduler,
		logger:     logger,
	}
}

// Discover fetches the sitemap and snapshots both reference lists. A discovery
// error is fatal; snapshot errors are logged.
func (d *Driver) Discover(ctx context.Context) (Discovery, error) {
	found, err := d.discoverer.Discover(ctx, d.sitemapURL)
	if err != nil {
		return Discovery{}, fmt.Errorf("discover %s: %w", d.sitemapURL, err)
	}
	d.logger.Info("discovery complete",
		zap.String("sitemap", d.sitemapURL),
		zap.Int("apps", len(found.Apps)),
		zap.Int("developers", len(found.Developers)),
	)
	d.snapshot(ctx, d.targets.Apps, found.Apps)
	d.snapshot(ctx, d.targets.Developers, found.Developers)
	return found, nil
}

// Run discovers items and harvests every app reference.
func (d *Driver) Run(ctx context.Context) (Summary, error) {
	if d.scheduler == nil {
		return Summary{}, errors.New("driver has no scheduler")
	}
	found, err := d.Discover(ctx)
	if err != nil {
		return Summary{}, err
	}
	summary, err := d.scheduler.Run(ctx, found.Apps)
	d.logger.Info("harvest complete",
		zap.Int("succeeded", summary.Succeeded),
		zap.Int("total", summary.Total),
		zap.Int("exhausted", summary.Exhausted),
		zap.Int("dropped", summary.Dropped),
		zap.Int("batches", summary.Batches),
	)
	if err != nil {
		return summary, fmt.Errorf("run scheduler: %w", err)
	}
	return summary, nil
}

func (d *Driver) snapshot(ctx context.Context, target string, items []ItemRef) {
	if target == "" {
		return
	}
	if err := d.snapshots.Snapshot(ctx, target, items); err != nil {
		d.logger.Error("snapshot failed",
			zap.String("target", target),
			zap.Int("items", len(items)),
			zap.Error(errors.Join(ErrPersistence, err)),
		)
	}
}
