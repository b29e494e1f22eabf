// Package app initializes and holds long-lived harvester services, acting as a
// dependency injection container for the command layer.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/sitemap-harvester/internal/api"
	"github.com/JakeFAU/sitemap-harvester/internal/config"
	"github.com/JakeFAU/sitemap-harvester/internal/discovery/sitemap"
	"github.com/JakeFAU/sitemap-harvester/internal/extract/appstore"
	collyfetcher "github.com/JakeFAU/sitemap-harvester/internal/fetcher/colly"
	"github.com/JakeFAU/sitemap-harvester/internal/harvest"
	"github.com/JakeFAU/sitemap-harvester/internal/id/uuid"
	"github.com/JakeFAU/sitemap-harvester/internal/metrics"
	"github.com/JakeFAU/sitemap-harvester/internal/policy/ratelimit"
	"github.com/JakeFAU/sitemap-harvester/internal/progress"
	progresssinks "github.com/JakeFAU/sitemap-harvester/internal/progress/sinks"
	gcppublisher "github.com/JakeFAU/sitemap-harvester/internal/publisher/pubsub"
	gcssink "github.com/JakeFAU/sitemap-harvester/internal/sink/gcs"
	"github.com/JakeFAU/sitemap-harvester/internal/sink/jsonl"
	pgsink "github.com/JakeFAU/sitemap-harvester/internal/sink/postgres"
	redissink "github.com/JakeFAU/sitemap-harvester/internal/sink/redis"
	sqlitesink "github.com/JakeFAU/sitemap-harvester/internal/sink/sqlite"
)

// App contains the harvester's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	registry  *prometheus.Registry
	metrics   *metrics.Metrics
	hub       *progress.Hub
	tally     *progresssinks.TallySink
	sink      harvest.Sink
	publisher harvest.Publisher
	driver    *harvest.Driver
	apiServer *api.Server

	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storageClient   *storage.Client

	// Set by options; they replace the configured collaborator when non-nil.
	sinkOverride      harvest.Sink
	publisherOverride harvest.Publisher
	pauserOverride    harvest.Pauser
}

// Option customizes Build.
type Option func(*App)

// WithSink replaces the configured output backend.
func WithSink(s harvest.Sink) Option {
	return func(a *App) {
		a.sinkOverride = s
	}
}

// WithPublisher replaces the configured success publisher.
func WithPublisher(p harvest.Publisher) Option {
	return func(a *App) {
		a.publisherOverride = p
	}
}

// WithPauser replaces the scheduler's real-time pauser.
func WithPauser(p harvest.Pauser) Option {
	return func(a *App) {
		a.pauserOverride = p
	}
}

// Build creates the application's dependencies. On error every resource
// opened so far is released.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			_ = a.closeInfrastructure(context.Background())
		}
	}()

	a.logger.Info("building harvester dependencies",
		zap.String("sitemap", cfg.Sitemap.URL),
		zap.String("backend", cfg.Output.Backend),
	)

	if err = a.setupObservability(ctx); err != nil {
		return nil, err
	}
	if err = a.setupSink(ctx); err != nil {
		return nil, err
	}
	snapshots, err := a.setupSnapshots(ctx)
	if err != nil {
		return nil, err
	}
	if err = a.setupPublisher(ctx); err != nil {
		return nil, err
	}

	discoverer := sitemap.New(sitemap.Config{
		UserAgent:       cfg.HTTP.UserAgent,
		Timeout:         cfg.HTTP.Timeout,
		HostPattern:     cfg.Sitemap.HostPattern,
		DeveloperMarker: cfg.Sitemap.DeveloperMarker,
		MaxIndexDepth:   cfg.Sitemap.MaxIndexDepth,
	}, logger.Named("discovery"))

	scheduler, err := a.setupScheduler()
	if err != nil {
		return nil, err
	}

	a.driver = harvest.NewDriver(
		cfg.Sitemap.URL,
		harvest.Targets{Apps: cfg.Sitemap.AppsTarget, Developers: cfg.Sitemap.DevelopersTarget},
		discoverer,
		snapshots,
		scheduler,
		logger.Named("driver"),
	)
	a.apiServer = api.NewServer(a.tally, a.metrics, logger.Named("api"))
	return a, nil
}

func (a *App) setupObservability(ctx context.Context) error {
	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	var err error
	a.metrics, err = metrics.New(a.registry)
	if err != nil {
		return fmt.Errorf("metrics init failed: %w", err)
	}
	promSink, err := progresssinks.NewPrometheusSink(a.registry)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	a.tally = progresssinks.NewTallySink()
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   a.cfg.Progress.MaxBatchWait,
		SinkTimeout:    a.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.hub = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(a.logger.Named("progress")),
		promSink,
		a.tally,
	)
	return nil
}

func (a *App) setupSink(ctx context.Context) error {
	if a.sinkOverride != nil {
		a.sink = a.sinkOverride
		return nil
	}
	var err error
	switch a.cfg.Output.Backend {
	case config.BackendPostgres:
		a.sink, err = pgsink.New(ctx, pgsink.Config{
			DSN:             a.cfg.Postgres.DSN,
			RecordsTable:    a.cfg.Postgres.RecordsTable,
			FailuresTable:   a.cfg.Postgres.FailuresTable,
			SnapshotsTable:  a.cfg.Postgres.SnapshotsTable,
			MaxConns:        a.cfg.Postgres.MaxConns,
			MinConns:        a.cfg.Postgres.MinConns,
			MaxConnLifetime: a.cfg.Postgres.MaxConnLifetime,
			Migrate:         a.cfg.Postgres.Migrate,
		})
	case config.BackendRedis:
		a.sink, err = redissink.New(ctx, redissink.Config{
			URL:       a.cfg.Redis.URL,
			Password:  a.cfg.Redis.Password,
			KeyPrefix: a.cfg.Redis.KeyPrefix,
		})
	case config.BackendSQLite:
		a.sink, err = sqlitesink.New(a.cfg.SQLite.Path)
	default:
		a.sink, err = jsonl.New(jsonl.Config{
			Dir:          a.cfg.Output.Dir,
			RecordsFile:  a.cfg.Output.RecordsFile,
			FailuresFile: a.cfg.Output.FailuresFile,
			Sync:         a.cfg.Output.Sync,
		})
	}
	if err != nil {
		// Drop the typed nil so Close skips it.
		a.sink = nil
		return fmt.Errorf("%s sink init failed: %w", a.cfg.Output.Backend, err)
	}
	a.logger.Info("output backend ready", zap.String("backend", a.cfg.Output.Backend))
	return nil
}

func (a *App) setupSnapshots(ctx context.Context) (harvest.Snapshotter, error) {
	if a.cfg.GCS.Bucket == "" {
		return a.sink, nil
	}
	var err error
	a.storageClient, err = storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client init failed: %w", err)
	}
	snap, err := gcssink.New(a.storageClient, gcssink.Config{
		Bucket: a.cfg.GCS.Bucket,
		Prefix: a.cfg.GCS.Prefix,
	})
	if err != nil {
		return nil, fmt.Errorf("gcs snapshotter init failed: %w", err)
	}
	a.logger.Info("snapshots redirected to GCS", zap.String("bucket", a.cfg.GCS.Bucket))
	return snap, nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.publisherOverride != nil {
		a.publisher = a.publisherOverride
		return nil
	}
	if a.cfg.PubSub.TopicID == "" {
		a.logger.Debug("no Pub/Sub topic configured, notifications disabled")
		return nil
	}
	var err error
	a.pubsubClient, err = pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubPublisher, err = gcppublisher.NewFromClient(ctx, a.pubsubClient, a.cfg.PubSub.TopicID)
	if err != nil {
		return fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = a.pubsubPublisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicID),
	)
	return nil
}

func (a *App) setupScheduler() (*harvest.Scheduler, error) {
	headers := make(http.Header, len(a.cfg.HTTP.Headers))
	for k, v := range a.cfg.HTTP.Headers {
		headers.Set(k, v)
	}
	var fetcher harvest.Fetcher = collyfetcher.New(collyfetcher.Config{
		UserAgent: a.cfg.HTTP.UserAgent,
		Timeout:   a.cfg.HTTP.Timeout,
		Headers:   headers,
	})
	fetcher = a.metrics.InstrumentFetcher(fetcher)

	procOpts := []harvest.ProcessorOption{harvest.WithProcessorLogger(a.logger.Named("processor"))}
	if a.cfg.HTTP.RateLimitRPS > 0 {
		procOpts = append(procOpts, harvest.WithLimiter(ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.HTTP.RateLimitRPS,
			DefaultBurst: a.cfg.HTTP.RateLimitBurst,
		}, ratelimit.WithObserver(a.metrics))))
		a.logger.Info("rate limiter enabled",
			zap.Float64("rps", a.cfg.HTTP.RateLimitRPS),
			zap.Int("burst", a.cfg.HTTP.RateLimitBurst),
		)
	}
	if a.publisher != nil {
		procOpts = append(procOpts, harvest.WithPublisher(a.publisher, a.cfg.PubSub.TopicID))
	}
	processor := harvest.NewProcessor(
		fetcher,
		appstore.New(appstore.Config{Currency: a.cfg.Extract.Currency}),
		a.sink,
		procOpts...,
	)

	schedOpts := []harvest.SchedulerOption{
		harvest.WithEmitter(a.hub),
		harvest.WithSchedulerLogger(a.logger.Named("scheduler")),
		harvest.WithRunID(uuid.NewGenerator().MustRunID()),
	}
	if a.pauserOverride != nil {
		schedOpts = append(schedOpts, harvest.WithPauser(a.pauserOverride))
	}
	scheduler, err := harvest.NewScheduler(harvest.Config{
		BatchSize:        a.cfg.Scheduler.BatchSize,
		InitialBackoff:   a.cfg.Scheduler.InitialBackoff,
		BackoffIncrement: a.cfg.Scheduler.BackoffIncrement,
		MaxRetries:       a.cfg.Scheduler.MaxRetries,
		InterBatchDelay:  a.cfg.Scheduler.InterBatchDelay,
	}, processor, a.sink, schedOpts...)
	if err != nil {
		return nil, fmt.Errorf("scheduler init failed: %w", err)
	}
	return scheduler, nil
}

// Run discovers and harvests. The status server, when enabled, runs for the
// lifetime of the call.
func (a *App) Run(ctx context.Context) (harvest.Summary, error) {
	stopServer := a.startStatusServer(ctx)
	defer stopServer()
	return a.driver.Run(ctx)
}

// Discover refreshes the reference snapshots without harvesting.
func (a *App) Discover(ctx context.Context) (harvest.Discovery, error) {
	return a.driver.Discover(ctx)
}

// Progress returns the live tally.
func (a *App) Progress() progresssinks.Tally {
	return a.tally.Snapshot()
}

// Handler exposes the status routes, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

func (a *App) startStatusServer(ctx context.Context) func() {
	if !a.cfg.Server.Enabled {
		return func() {}
	}
	srvCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		addr := fmt.Sprintf(":%d", a.cfg.Server.Port)
		if err := a.apiServer.Serve(srvCtx, addr); err != nil {
			a.logger.Error("status server error", zap.Error(err))
		}
	}()
	a.apiServer.SetReady(true)
	return func() {
		a.apiServer.SetReady(false)
		cancel()
		<-done
	}
}

// Close flushes progress and releases every backend.
func (a *App) Close(ctx context.Context) error {
	err := a.closeInfrastructure(ctx)
	if syncErr := a.logger.Sync(); syncErr != nil && !isIgnorableSyncError(syncErr) {
		a.logger.Warn("logger sync failed", zap.Error(syncErr))
	}
	return err
}

func (a *App) closeInfrastructure(ctx context.Context) error {
	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close pubsub client: %w", err))
		}
	}
	if a.storageClient != nil {
		if err := a.storageClient.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close gcs client: %w", err))
		}
	}
	if a.sink != nil {
		if err := a.sink.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sink: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Syncing stdout/stderr fails on some platforms with EINVAL or ENOTTY.
func isIgnorableSyncError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "invalid argument") || strings.Contains(msg, "inappropriate ioctl")
}
