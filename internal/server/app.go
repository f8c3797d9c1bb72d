// Package server builds the application's dependency graph and runs the HTTP
// control surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/source-validator/internal/api"
	"github.com/JakeFAU/source-validator/internal/clock/system"
	"github.com/JakeFAU/source-validator/internal/config"
	"github.com/JakeFAU/source-validator/internal/dispatcher"
	"github.com/JakeFAU/source-validator/internal/id/uuid"
	"github.com/JakeFAU/source-validator/internal/logging"
	"github.com/JakeFAU/source-validator/internal/metrics"
	"github.com/JakeFAU/source-validator/internal/probe"
	"github.com/JakeFAU/source-validator/internal/progress"
	progresssinks "github.com/JakeFAU/source-validator/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/source-validator/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/source-validator/internal/publisher/pubsub"
	"github.com/JakeFAU/source-validator/internal/scheduler"
	gcsstorage "github.com/JakeFAU/source-validator/internal/storage/gcs"
	localstorage "github.com/JakeFAU/source-validator/internal/storage/local"
	memorystorage "github.com/JakeFAU/source-validator/internal/storage/memory"
	"github.com/JakeFAU/source-validator/internal/store"
)

// App contains the application's dependencies.
type App struct {
	cfg          *config.Config
	logger       *zap.Logger
	apiServer    *api.Server
	dispatch     *dispatcher.Dispatcher
	progressHub  *progress.Hub
	tracker      *progresssinks.TrackerSink
	registry     *prometheus.Registry
	sources      store.SourceRepository
	runRepo      store.RunRepository
	pool         *pgxpool.Pool
	pubsubClient *pubsub.Client
	gcpPublisher *gcppublisher.Publisher
	storage      *storage.Client
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger creates the application's dependencies using logger.
func BuildWithLogger(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("server_port", cfg.Server.Port),
		zap.String("sources_backend", cfg.Sources.Backend),
		zap.String("report_backend", cfg.Report.Backend),
	)
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	app.registry = metrics.NewRegistry()
	collectors, err := metrics.New(app.registry)
	if err != nil {
		return nil, err
	}

	if err = setupSources(ctx, app); err != nil {
		return nil, err
	}
	blobStore, err := setupReports(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	emitter, err := setupProgress(ctx, app, blobStore, publisher)
	if err != nil {
		return nil, err
	}

	prober := setupProber(app, collectors)
	sched := scheduler.New(scheduler.Config{
		ProbeTimeout:      cfg.Validator.ProbeTimeout,
		InvalidSerialBase: cfg.Validator.InvalidSerialBase,
		CancelGrace:       cfg.Validator.CancelGrace,
		PersistTimeout:    cfg.Validator.PersistTimeout,
	}, prober, app.sources, emitter, system.New(), logger)
	app.dispatch = dispatcher.New(app.sources, sched, uuid.New(), logger)

	app.apiServer = api.NewServer(api.Options{
		Runs:               app.dispatch,
		Snapshots:          app.tracker,
		Sources:            app.sources,
		RunRepo:            app.runRepo,
		Metrics:            collectors,
		Gatherer:           app.registry,
		Ready:              app.ready,
		Auth:               cfg.Auth,
		DefaultConcurrency: cfg.Validator.Concurrency,
		RequestTimeout:     cfg.Server.RequestTimeout,
		Logger:             logger.Named("api"),
	})
	return app, nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Dispatcher returns the run lifecycle controller.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return a.dispatch
}

// Sources returns the configured source repository.
func (a *App) Sources() store.SourceRepository {
	return a.sources
}

// Handler returns the HTTP handler of the control surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Run serves the API and blocks until the context is canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)
	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close cancels any active run, drains progress, and releases clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.dispatch != nil {
		if err := a.dispatch.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("dispatcher shutdown: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.gcpPublisher != nil {
		a.gcpPublisher.Close()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func (a *App) ready(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := a.pool.Ping(pingCtx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	return nil
}

func setupSources(ctx context.Context, app *App) error {
	sources, pool, err := OpenSources(ctx, app.cfg, app.logger)
	if err != nil {
		return err
	}
	app.sources = sources
	app.pool = pool
	if pool != nil {
		app.runRepo, err = newRunStore(pool, app.cfg.Database.RunsTable)
		if err != nil {
			return fmt.Errorf("run store init failed: %w", err)
		}
		app.logger.Info("run progress persisted to postgres", zap.String("table", app.cfg.Database.RunsTable))
	} else {
		app.runRepo = memorystorage.NewRunStore()
	}
	if app.cfg.Sources.SeedFile != "" {
		n, err := ImportFile(ctx, app.sources, app.cfg.Sources.SeedFile)
		if err != nil {
			return fmt.Errorf("seed sources: %w", err)
		}
		app.logger.Info("seeded sources", zap.String("file", app.cfg.Sources.SeedFile), zap.Int("count", n))
	}
	return nil
}

func setupReports(ctx context.Context, app *App) (store.BlobStore, error) {
	cfg := app.cfg.Report
	switch cfg.Backend {
	case "gcs":
		app.logger.Info("using GCS report backend", zap.String("bucket", cfg.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		app.storage = client
		if _, err := client.Bucket(cfg.Bucket).Attrs(ctx); err != nil {
			return nil, fmt.Errorf("gcs bucket %q unavailable: %w", cfg.Bucket, err)
		}
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobs, nil
	case "local":
		app.logger.Info("using local report backend", zap.String("path", cfg.Local.BaseDir))
		blobs, err := localstorage.New(cfg.Local)
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobs, nil
	case "memory":
		app.logger.Info("using in-memory report backend")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Info("run reports disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (progresssinks.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.gcpPublisher = gcppublisher.New(app.pubsubClient.Topic(app.cfg.PubSub.TopicName))
	app.logger.Info(
		"Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return app.gcpPublisher, nil
}

func setupProgress(
	ctx context.Context,
	app *App,
	blobs store.BlobStore,
	publisher progresssinks.Publisher,
) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(app.registry)
	if err != nil {
		return nil, fmt.Errorf("prometheus sink init failed: %w", err)
	}
	app.tracker = progresssinks.NewTrackerSink(app.cfg.Progress.TrackerRuns)
	sinkList := []progress.Sink{
		app.tracker,
		promSink,
		progresssinks.NewStoreSink(app.runRepo, app.logger.Named("progress_store")),
		progresssinks.NewPublishSink(publisher, app.cfg.PubSub.TopicName, app.logger),
	}
	if blobs != nil {
		sinkList = append(sinkList, progresssinks.NewReportSink(blobs, app.cfg.Report.Prefix, app.logger))
		app.logger.Debug("Added run report sink")
	}
	if app.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(app.logger))
		app.logger.Debug("Added progress log sink")
	}

	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   app.cfg.Progress.HubMaxBatchWait(),
		SinkTimeout:    app.cfg.Progress.HubSinkTimeout(),
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg, sinkList...)
	app.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return app.progressHub, nil
}

func setupProber(app *App, collectors *metrics.Collectors) probe.Prober {
	httpCfg := app.cfg.HTTP
	base := probe.NewCollyProber(probe.CollyConfig{
		UserAgent:      httpCfg.UserAgent,
		MaxBodyBytes:   httpCfg.MaxBodyBytes,
		RequestTimeout: app.cfg.Validator.ProbeTimeout,
		Logger:         app.logger.Named("probe"),
	})
	app.logger.Info("using colly prober",
		zap.String("user_agent", httpCfg.UserAgent),
		zap.Float64("rate_limit_rps", httpCfg.RateLimitRPS),
		zap.Int("rate_limit_burst", httpCfg.RateLimitBurst),
	)
	return probe.NewRateLimited(base, probe.RateLimitConfig{
		RPS:   httpCfg.RateLimitRPS,
		Burst: httpCfg.RateLimitBurst,
	}).OnWait(collectors.ObserveRateLimitDelay)
}
