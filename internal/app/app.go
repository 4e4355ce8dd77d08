// Package app builds the long-lived services of a run from configuration and
// owns their shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/jwiedeman/MapMonkey/internal/clock/system"
	"github.com/jwiedeman/MapMonkey/internal/config"
	"github.com/jwiedeman/MapMonkey/internal/dedup"
	"github.com/jwiedeman/MapMonkey/internal/fetcher/headless"
	"github.com/jwiedeman/MapMonkey/internal/hash/sha256"
	"github.com/jwiedeman/MapMonkey/internal/id/uuid"
	"github.com/jwiedeman/MapMonkey/internal/input"
	"github.com/jwiedeman/MapMonkey/internal/policy/pacing"
	"github.com/jwiedeman/MapMonkey/internal/policy/retry"
	"github.com/jwiedeman/MapMonkey/internal/progress"
	"github.com/jwiedeman/MapMonkey/internal/progress/sinks"
	"github.com/jwiedeman/MapMonkey/internal/publisher/pubsub"
	"github.com/jwiedeman/MapMonkey/internal/runstate"
	"github.com/jwiedeman/MapMonkey/internal/scheduler"
	"github.com/jwiedeman/MapMonkey/internal/scrape"
	"github.com/jwiedeman/MapMonkey/internal/sink/badger"
	"github.com/jwiedeman/MapMonkey/internal/sink/cassandra"
	"github.com/jwiedeman/MapMonkey/internal/sink/csvfile"
	"github.com/jwiedeman/MapMonkey/internal/sink/memory"
	"github.com/jwiedeman/MapMonkey/internal/sink/postgres"
	"github.com/jwiedeman/MapMonkey/internal/sink/sqlite"
	"github.com/jwiedeman/MapMonkey/internal/storage"
	"github.com/jwiedeman/MapMonkey/internal/storage/gcs"
	"github.com/jwiedeman/MapMonkey/internal/storage/local"
	"github.com/jwiedeman/MapMonkey/internal/worker"
	"github.com/jwiedeman/MapMonkey/internal/workqueue"
)

const closeTimeout = 30 * time.Second

// Registry is what the metrics sinks need from a Prometheus registry.
type Registry interface {
	prometheus.Registerer
	prometheus.Gatherer
}

// Option overrides a collaborator that New would otherwise build from config.
type Option func(*options)

type options struct {
	browser   scrape.Browser
	clock     scrape.Clock
	publisher scrape.Publisher
	blobs     scrape.BlobStore
	ids       scrape.IDGenerator
	registry  Registry
}

// WithBrowser replaces the chromedp browser.
func WithBrowser(b scrape.Browser) Option {
	return func(o *options) { o.browser = b }
}

// WithClock replaces the system clock.
func WithClock(c scrape.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithPublisher replaces the Pub/Sub publisher and enables unit notifications
// on the configured topic.
func WithPublisher(p scrape.Publisher) Option {
	return func(o *options) { o.publisher = p }
}

// WithBlobStore replaces the archive backend named by archive.backend.
func WithBlobStore(b scrape.BlobStore) Option {
	return func(o *options) { o.blobs = b }
}

// WithIDGenerator replaces the UUIDv7 run id generator.
func WithIDGenerator(g scrape.IDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithRegistry replaces the private Prometheus registry.
func WithRegistry(r Registry) Option {
	return func(o *options) { o.registry = r }
}

// App holds every service of one run.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     scrape.Clock
	runID     string
	store     *runstate.FileStore
	queue     *workqueue.Queue
	sink      scrape.StorageSink
	gate      *dedup.Gateway
	hub       *progress.Hub
	archiver  *storage.Archiver
	scheduler *scheduler.Scheduler
	closers   []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// New loads the input lists and run state, merges them, persists the merged
// state and builds every collaborator of the run. On error everything built so
// far is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	if o.ids == nil {
		o.ids = uuid.New()
	}
	if o.registry == nil {
		o.registry = prometheus.NewRegistry()
	}

	a := &App{cfg: cfg, logger: logger, clock: o.clock}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	state, err := a.prepareState(ctx, o.ids)
	if err != nil {
		return nil, err
	}
	a.queue = workqueue.New(a.store, state, a.clock, logger)

	if a.sink, err = openSink(ctx, cfg.Storage, logger); err != nil {
		return nil, fmt.Errorf("open %s sink: %w", cfg.Storage.Backend, err)
	}
	a.addCloser("sink", a.sink.Close)

	a.gate = dedup.New(a.sink, a.clock, logger)
	if cfg.Storage.PreloadKeys {
		if _, err := a.gate.Preload(ctx); err != nil {
			return nil, fmt.Errorf("preload identity keys: %w", err)
		}
	}

	if err := a.buildProgress(ctx, o); err != nil {
		return nil, err
	}
	if err := a.buildArchiver(ctx, o); err != nil {
		return nil, err
	}

	pacer, err := pacing.New(pacing.Config{
		MinDelay:          cfg.Scheduler.MinDelay(),
		MaxDelay:          cfg.Scheduler.MaxDelay(),
		RequestsPerMinute: cfg.Scheduler.RequestsPerMinute,
		Burst:             cfg.Scheduler.Burst,
	})
	if err != nil {
		return nil, fmt.Errorf("init pacing: %w", err)
	}

	retries, err := retry.New(retry.Config{
		MaxRetries: cfg.Grid.PointRetries,
		BaseDelay:  cfg.Grid.RetryBackoff(),
		MaxDelay:   cfg.Grid.RetryBackoffMax(),
	})
	if err != nil {
		return nil, fmt.Errorf("init retry policy: %w", err)
	}

	browser := o.browser
	if browser == nil {
		b := headless.NewBrowser(headlessConfig(cfg.Headless), logger)
		a.addCloser("browser", func() error {
			b.Close()
			return nil
		})
		browser = b
	}

	a.scheduler, err = scheduler.New(scheduler.Config{
		Concurrency: cfg.Scheduler.Concurrency,
		Worker: worker.Config{
			RunID:         progress.ParseRunID(a.runID),
			Steps:         cfg.Grid.Steps,
			Spacing:       cfg.Grid.SpacingDeg,
			PerPointLimit: cfg.Grid.PerPointLimit,
			PointTimeout:  cfg.Scheduler.PointTimeout(),
			Retry:         retries,
		},
	}, a.queue, browser, a.gate, pacer, a.hub, a.clock, logger)
	if err != nil {
		return nil, fmt.Errorf("init scheduler: %w", err)
	}
	return a, nil
}

// prepareState loads or creates the run state, merges the input lists into it
// and saves the result before any worker starts.
func (a *App) prepareState(ctx context.Context, ids scrape.IDGenerator) (scrape.RunState, error) {
	cfg := a.cfg
	store, err := runstate.NewFileStore(cfg.Run.StatePath, a.logger)
	if err != nil {
		return scrape.RunState{}, fmt.Errorf("open run state: %w", err)
	}
	a.store = store

	state, found, err := store.Load(ctx)
	if err != nil {
		return scrape.RunState{}, fmt.Errorf("load run state: %w", err)
	}

	cities, terms, err := loadInputs(cfg.Run)
	if err != nil {
		if !found || !errors.Is(err, input.ErrEmptyList) {
			return scrape.RunState{}, err
		}
		a.logger.Info("no input lists given; resuming persisted units only")
	}

	now := a.clock.Now()
	if !found {
		runID := strings.TrimSpace(cfg.Run.RunID)
		if runID == "" {
			if runID, err = ids.NewID(); err != nil {
				return scrape.RunState{}, fmt.Errorf("generate run id: %w", err)
			}
		}
		state = runstate.New(runID, cfg.Scheduler.Concurrency, now)
	}
	a.runID = state.RunID
	state.Concurrency = cfg.Scheduler.Concurrency

	state, added := runstate.Merge(state, cities, terms, now)
	shape := scrape.GridShape{Steps: cfg.Grid.Steps, Spacing: cfg.Grid.SpacingDeg}
	if n := runstate.Regrid(&state, shape, now); n > 0 {
		a.logger.Warn("grid changed since the last run; partially walked units restart at the first point",
			zap.Int("units", n),
			zap.Int("steps", shape.Steps),
			zap.Float64("spacing_deg", shape.Spacing),
		)
	}
	requeued := 0
	if cfg.Run.RetryFailed {
		requeued = runstate.RequeueFailed(&state, now)
	}
	state.UpdatedAt = now
	if err := store.Save(ctx, state); err != nil {
		return scrape.RunState{}, fmt.Errorf("save merged run state: %w", err)
	}

	tally := workqueue.Count(state.Units)
	a.logger.Info("run state ready",
		zap.String("run_id", state.RunID),
		zap.String("path", store.Path()),
		zap.Bool("resumed", found),
		zap.Int("added", added),
		zap.Int("requeued", requeued),
		zap.Int("pending", tally.Pending),
		zap.Int("done", tally.Done),
		zap.Int("failed", tally.Failed),
	)
	return state, nil
}

func loadInputs(run config.RunConfig) ([]scrape.City, []string, error) {
	cities, err := input.Cities(run.CitiesFile, run.Cities)
	if err != nil {
		return nil, nil, fmt.Errorf("load cities: %w", err)
	}
	terms, err := input.Terms(run.TermsFile, run.Terms)
	if err != nil {
		return nil, nil, fmt.Errorf("load terms: %w", err)
	}
	return cities, terms, nil
}

// openSink builds the storage backend named by cfg.Backend.
func openSink(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (scrape.StorageSink, error) {
	logger.Info("opening storage sink", zap.String("backend", cfg.Backend))
	switch strings.ToLower(cfg.Backend) {
	case config.BackendMemory:
		return memory.New(), nil
	case config.BackendPostgres:
		return postgres.New(ctx, postgres.Config{
			DSN:             cfg.Postgres.DSN,
			Table:           cfg.Postgres.Table,
			MaxConns:        cfg.Postgres.MaxConns,
			MinConns:        cfg.Postgres.MinConns,
			MaxConnLifetime: time.Duration(cfg.Postgres.MaxConnLifetimeSeconds) * time.Second,
			AutoMigrate:     cfg.Postgres.AutoMigrate,
		})
	case config.BackendCassandra:
		return cassandra.New(ctx, cassandra.Config{
			Hosts:       cfg.Cassandra.Hosts,
			Keyspace:    cfg.Cassandra.Keyspace,
			Table:       cfg.Cassandra.Table,
			Consistency: cfg.Cassandra.Consistency,
			Timeout:     time.Duration(cfg.Cassandra.TimeoutSeconds) * time.Second,
			AutoMigrate: cfg.Cassandra.AutoMigrate,
		})
	case config.BackendSQLite:
		return sqlite.Open(ctx, sqlite.Config{
			Path:        cfg.SQLite.Path,
			BusyTimeout: time.Duration(cfg.SQLite.BusyTimeoutMs) * time.Millisecond,
		})
	case config.BackendBadger:
		return badger.Open(badger.Config{Path: cfg.Badger.Path, InMemory: cfg.Badger.InMemory})
	case config.BackendCSV:
		return csvfile.Open(cfg.CSV.Path)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

// buildProgress starts the hub with the log and metrics sinks, plus the
// notification and Pushgateway sinks when configured.
func (a *App) buildProgress(ctx context.Context, o options) error {
	cfg := a.cfg
	promSink, err := sinks.NewPrometheusSink(o.registry)
	if err != nil {
		return fmt.Errorf("init metrics sink: %w", err)
	}
	hubSinks := []progress.Sink{sinks.NewLogSink(a.logger), promSink}

	publisher := o.publisher
	if publisher == nil && cfg.PubSub.TopicName != "" {
		p, err := pubsub.New(ctx, pubsub.Config{ProjectID: cfg.PubSub.ProjectID, TopicID: cfg.PubSub.TopicName})
		if err != nil {
			return fmt.Errorf("init pubsub publisher: %w", err)
		}
		a.addCloser("publisher", p.Close)
		publisher = p
	}
	if publisher != nil {
		hubSinks = append(hubSinks, sinks.NewNotifySink(publisher, cfg.PubSub.TopicName, a.logger))
	}
	if cfg.Progress.PushURL != "" {
		hubSinks = append(hubSinks, sinks.NewPushSink(cfg.Progress.PushURL, cfg.Progress.PushJob, a.runID, o.registry, a.logger))
	}

	a.hub = progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   cfg.Progress.MaxBatchWait(),
		Logger:         a.logger,
	}, hubSinks...)
	return nil
}

func (a *App) buildArchiver(ctx context.Context, o options) error {
	cfg := a.cfg.Archive
	blobs := o.blobs
	if blobs == nil {
		switch strings.ToLower(cfg.Backend) {
		case "", config.ArchiveNone:
			return nil
		case config.ArchiveLocal:
			store, err := local.New(local.Config{BaseDir: cfg.LocalDir})
			if err != nil {
				return fmt.Errorf("init local archive: %w", err)
			}
			blobs = store
		case config.ArchiveGCS:
			store, err := gcs.Dial(ctx, gcs.Config{Bucket: cfg.Bucket, Prefix: cfg.Prefix})
			if err != nil {
				return fmt.Errorf("init gcs archive: %w", err)
			}
			a.addCloser("gcs archive", store.Close)
			blobs = store
		default:
			return fmt.Errorf("unknown archive backend %q", cfg.Backend)
		}
	}
	a.archiver = storage.NewArchiver(blobs, sha256.New(), a.clock, a.logger)
	return nil
}

func headlessConfig(h config.HeadlessConfig) headless.Config {
	return headless.Config{
		BaseURL:           h.BaseURL,
		Headless:          h.Headless,
		ExecPath:          h.ExecPath,
		UserAgent:         h.UserAgent,
		WindowWidth:       h.WindowWidth,
		WindowHeight:      h.WindowHeight,
		Zoom:              h.Zoom,
		NavigationTimeout: h.NavTimeout(),
		Settle:            h.Settle(),
		MaxScrolls:        h.MaxScrolls,
		StallLimit:        h.StallLimit,
	}
}

// Result is the outcome of Run.
type Result struct {
	scheduler.Report
	RunID      string
	ArchiveURI string
}

// Run executes the scheduler and archives the final state. The archive is
// written even when ctx was canceled; an archive failure is logged only.
func (a *App) Run(ctx context.Context) (Result, error) {
	report, err := a.scheduler.Run(ctx)
	res := Result{Report: report, RunID: a.runID}
	if a.archiver != nil {
		uri, archiveErr := a.archiver.Archive(context.WithoutCancel(ctx), a.queue.Snapshot())
		if archiveErr != nil {
			a.logger.Error("archive run state failed", zap.Error(archiveErr))
		}
		res.ArchiveURI = uri
	}
	return res, err
}

// RunID returns the identifier of the loaded run.
func (a *App) RunID() string {
	return a.runID
}

// Close flushes progress and releases every backend in reverse build order.
func (a *App) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()

	var errs []error
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close progress hub: %w", err))
		}
	}
	if err := a.closeAll(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *App) addCloser(name string, fn func() error) {
	a.closers = append(a.closers, namedCloser{name: name, close: fn})
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("service", c.name), zap.Error(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
