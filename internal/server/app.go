// Package server assembles the pipeline service from configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/news-pipeline/internal/api"
	"github.com/JakeFAU/news-pipeline/internal/clock/system"
	"github.com/JakeFAU/news-pipeline/internal/config"
	"github.com/JakeFAU/news-pipeline/internal/dispatcher"
	"github.com/JakeFAU/news-pipeline/internal/executor"
	"github.com/JakeFAU/news-pipeline/internal/hash/sha256"
	"github.com/JakeFAU/news-pipeline/internal/id/uuid"
	"github.com/JakeFAU/news-pipeline/internal/pipeline"
	"github.com/JakeFAU/news-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/news-pipeline/internal/progress"
	progresssinks "github.com/JakeFAU/news-pipeline/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/news-pipeline/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/news-pipeline/internal/publisher/pubsub"
	queuememory "github.com/JakeFAU/news-pipeline/internal/queue/memory"
	"github.com/JakeFAU/news-pipeline/internal/sequencer"
	"github.com/JakeFAU/news-pipeline/internal/stage"
	gcsstorage "github.com/JakeFAU/news-pipeline/internal/storage/gcs"
	localstorage "github.com/JakeFAU/news-pipeline/internal/storage/local"
	memorystorage "github.com/JakeFAU/news-pipeline/internal/storage/memory"
	pgstore "github.com/JakeFAU/news-pipeline/internal/storage/postgres"
	"github.com/JakeFAU/news-pipeline/internal/store"
	"github.com/JakeFAU/news-pipeline/internal/telemetry"
	"github.com/JakeFAU/news-pipeline/internal/worker"
)

// Version is reported as the service version on traces.
var Version = "dev"

// Options carries the process-level collaborators of Build.
type Options struct {
	Logger *zap.Logger
	// Registerer receives the progress collectors. Defaults to
	// prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer
}

// App contains the application's dependencies.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	apiServer  *api.Server
	dispatch   *dispatcher.Dispatcher
	queue      *queuememory.Queue
	runs       store.RunRepository
	blobs      pipeline.BlobStore
	registry   *stage.Registry
	hub        *progress.Hub
	tracer     *sdktrace.TracerProvider
	pgStore    *pgstore.RunStore
	gcsStore   *gcsstorage.BlobStore
	gcpPublish *gcppublisher.Publisher
}

// Build creates the application's dependencies. Notebook templates are parsed
// here, so a missing or malformed notebook fails startup.
func Build(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	app := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			app.closeInfrastructure(context.Background())
		}
	}()

	logger.Info("building application dependencies",
		zap.String("addr", cfg.Addr()),
		zap.String("notebook_dir", cfg.Pipeline.NotebookDir),
		zap.Int("concurrency", cfg.Pipeline.Concurrency),
	)

	if cfg.Tracing.Enabled {
		app.tracer, err = telemetry.InitTracerProvider(ctx, telemetry.TracingConfig{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: Version,
			SampleRatio:    cfg.Tracing.SampleRatio,
		})
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
	}

	if app.runs, err = app.setupRunStore(ctx); err != nil {
		return nil, err
	}
	if app.blobs, err = app.setupStorage(ctx); err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	if app.hub, err = app.setupProgress(ctx, publisher, opts.Registerer); err != nil {
		return nil, err
	}

	clock := system.New()
	exec := executor.NewKernelExecutor(executor.Config{
		Command:        cfg.Pipeline.Command,
		Kernel:         cfg.Pipeline.Kernel,
		WorkDir:        cfg.Pipeline.WorkDir,
		ScratchDir:     cfg.Pipeline.ScratchDir,
		Timeout:        cfg.NotebookTimeout(),
		ArtifactPrefix: cfg.Storage.Prefix,
	}, app.blobs, sha256.New(), clock, logger)

	formula, err := sequencer.ParseFormula(cfg.Pipeline.ProgressFormula)
	if err != nil {
		return nil, fmt.Errorf("progress formula: %w", err)
	}
	seq := sequencer.New(exec, sequencer.Options{
		Formula: formula,
		Emitter: app.hub,
		Clock:   clock,
		Logger:  logger,
	})

	layout, err := stage.DefaultLayout().Merge(cfg.Pipeline.Stages)
	if err != nil {
		return nil, fmt.Errorf("stage layout: %w", err)
	}
	app.registry, err = stage.NewRegistry(stage.Config{
		NotebookDir: cfg.Pipeline.NotebookDir,
		Layout:      layout,
		Parameters:  cfg.Parameters,
	}, seq, logger)
	if err != nil {
		return nil, fmt.Errorf("stage registry init failed: %w", err)
	}

	app.queue = queuememory.NewQueue(cfg.Pipeline.QueueDepth)
	workers := make([]*worker.Worker, 0, cfg.Pipeline.Concurrency)
	for i := 0; i < cfg.Pipeline.Concurrency; i++ {
		workers = append(workers, worker.New(i, app.queue, app.registry, app.runs, app.hub, clock, logger))
	}
	app.dispatch = dispatcher.New(app.queue, app.runs, uuid.New(), clock, workers, logger)

	app.apiServer = api.NewServer(app.dispatch, app.runs, api.Options{
		Token:          cfg.Auth.Token,
		RequestTimeout: cfg.RequestTimeout(),
		Admitter: ratelimit.New(ratelimit.Config{
			RPS:   cfg.Pipeline.SubmitRPS,
			Burst: cfg.Pipeline.SubmitBurst,
		}),
		Logger: logger,
	})
	return app, nil
}

// Handler exposes the HTTP surface of the service.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Stages lists the stages the service can run.
func (a *App) Stages() []pipeline.Stage {
	return a.registry.Stages()
}

// Run serves HTTP and drives the workers until ctx is canceled or SIGINT or
// SIGTERM arrives, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("dispatcher started")
		a.dispatch.Run(gctx)
		return nil
	})
	g.Go(func() error {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutdown initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
		a.queue.Close()
		return nil
	})

	runErr := g.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := a.Close(closeCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Close releases every external resource. Safe to call after Run.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// The hub flushes into the store and publisher, so it closes first.
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.hub = nil
	}
	if a.gcpPublish != nil {
		if err := a.gcpPublish.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.gcpPublish = nil
	}
	if a.gcsStore != nil {
		if err := a.gcsStore.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcsStore = nil
	}
	if a.pgStore != nil {
		a.pgStore.Close()
		a.pgStore = nil
	}
	if a.tracer != nil {
		if err := a.tracer.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracer = nil
	}
}

func (a *App) setupRunStore(ctx context.Context) (store.RunRepository, error) {
	db := a.cfg.Database
	if db.DSN == "" {
		a.logger.Warn("no database DSN configured, keeping run history in memory")
		return memorystorage.NewRunStore(), nil
	}
	pg, err := pgstore.NewRunStore(ctx, pgstore.Config{
		DSN:             db.DSN,
		MaxConns:        db.MaxConns,
		MinConns:        db.MinConns,
		MaxConnLifetime: time.Duration(db.MaxConnLifetimeMinutes) * time.Minute,
	})
	if err != nil {
		return nil, fmt.Errorf("run store init failed: %w", err)
	}
	a.pgStore = pg
	if db.Migrate {
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("run store migrate failed: %w", err)
		}
	}
	abandoned, err := pg.AbandonRuns(ctx, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("run store recovery failed: %w", err)
	}
	if abandoned > 0 {
		a.logger.Warn("marked unfinished runs from a previous process as failed", zap.Int64("runs", abandoned))
	}
	a.logger.Info("postgres run store initialized", zap.Bool("migrate", db.Migrate))
	return pg, nil
}

func (a *App) setupStorage(ctx context.Context) (pipeline.BlobStore, error) {
	st := a.cfg.Storage
	switch st.Backend {
	case "gcs":
		blobs, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: st.Bucket}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.gcsStore = blobs
		a.logger.Info("using GCS storage backend", zap.String("bucket", st.Bucket))
		return blobs, nil
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: st.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		a.logger.Info("using local storage backend", zap.String("path", st.Local.BaseDir))
		return blobs, nil
	case "memory":
		a.logger.Warn("using in-memory storage backend, executed notebooks are kept until exit")
		return memorystorage.NewBlobStore(), nil
	default:
		a.logger.Info("artifact archiving disabled")
		return nil, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (pipeline.Publisher, error) {
	ps := a.cfg.PubSub
	if ps.ProjectID == "" || ps.TopicName == "" {
		a.logger.Info("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(memorypublisher.DefaultCapacity), nil
	}
	pub, err := gcppublisher.Open(ctx, gcppublisher.Config{ProjectID: ps.ProjectID, TopicName: ps.TopicName})
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.gcpPublish = pub
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.TopicName),
	)
	return pub, nil
}

func (a *App) setupProgress(
	ctx context.Context,
	publisher pipeline.Publisher,
	reg prometheus.Registerer,
) (*progress.Hub, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewStoreSink(a.runs, a.logger),
		promSink,
		progresssinks.NewPublishSink(publisher, a.cfg.PubSub.TopicName),
	}
	if a.cfg.Progress.LogEnabled {
		sinkList = append(sinkList, progresssinks.NewLogSink(a.logger))
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.Batch.MaxEvents,
		MaxBatchWait:   time.Duration(a.cfg.Progress.Batch.MaxWaitMs) * time.Millisecond,
		SinkTimeout:    time.Duration(a.cfg.Progress.SinkTimeoutMs) * time.Millisecond,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger,
	}
	a.logger.Info("progress hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
	)
	return progress.NewHub(hubCfg, sinkList...), nil
}
