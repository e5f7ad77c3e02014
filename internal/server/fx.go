// Package server provides the supervisor's composition root: it builds every
// dependency from config, runs the HTTP server and cron jobs, and tears them
// down in order on shutdown.
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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-supervisor/internal/api"
	"github.com/JakeFAU/crawl-supervisor/internal/archive"
	"github.com/JakeFAU/crawl-supervisor/internal/broadcast"
	"github.com/JakeFAU/crawl-supervisor/internal/broadcast/sinks"
	"github.com/JakeFAU/crawl-supervisor/internal/clock/system"
	"github.com/JakeFAU/crawl-supervisor/internal/config"
	"github.com/JakeFAU/crawl-supervisor/internal/crawl"
	"github.com/JakeFAU/crawl-supervisor/internal/crawlerclient"
	"github.com/JakeFAU/crawl-supervisor/internal/id/uuid"
	"github.com/JakeFAU/crawl-supervisor/internal/logging"
	"github.com/JakeFAU/crawl-supervisor/internal/metrics"
	"github.com/JakeFAU/crawl-supervisor/internal/reconcile"
	"github.com/JakeFAU/crawl-supervisor/internal/scheduler"
	gcsstorage "github.com/JakeFAU/crawl-supervisor/internal/storage/gcs"
	localstorage "github.com/JakeFAU/crawl-supervisor/internal/storage/local"
	memorystorage "github.com/JakeFAU/crawl-supervisor/internal/storage/memory"
	pgstore "github.com/JakeFAU/crawl-supervisor/internal/storage/postgres"
	"github.com/JakeFAU/crawl-supervisor/internal/store"
	"github.com/JakeFAU/crawl-supervisor/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	repo       store.Repository
	pgStore    *pgstore.CrawlStore
	gcsClient  *storage.Client
	crawler    *crawlerclient.Client
	engine     *reconcile.Engine
	controller *reconcile.Controller
	hub        *broadcast.Hub
	stream     *sinks.WebSocketSink
	scheduler  *scheduler.Scheduler
	apiServer  *api.Server

	redisClient  *redis.Client
	pubsubClient *pubsub.Client

	tracerShutdown telemetry.ShutdownFunc
}

// Build creates the application's dependencies. Nothing runs until Run.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{cfg: cfg, logger: logger}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.String("crawler_api", cfg.CrawlerAPI.BaseURL),
		zap.String("webhook_url", cfg.WebhookURL()),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Bool("postgres", cfg.Database.DSN != ""),
	)

	app.tracerShutdown, err = telemetry.Setup(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		Enabled:     cfg.Telemetry.TracingEnabled,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	if err := app.build(ctx); err != nil {
		app.closeInfrastructure(context.Background())
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	if err := a.setupRepository(ctx); err != nil {
		return err
	}
	blobStore, err := a.setupBlobStore(ctx)
	if err != nil {
		return err
	}
	archiver, err := archive.New(blobStore, a.cfg.Storage.Prefix, a.logger.Named("archive"))
	if err != nil {
		return fmt.Errorf("archiver init failed: %w", err)
	}

	clock := system.New()
	a.crawler = crawlerclient.New(crawlerclient.Config{
		BaseURL:        a.cfg.CrawlerAPI.BaseURL,
		Timeout:        a.cfg.CrawlerAPI.Timeout,
		StatusInterval: a.cfg.CrawlerAPI.StatusInterval,
		Clock:          clock,
		Logger:         a.logger.Named("crawler_client"),
	})

	if err := a.setupBroadcast(ctx, clock); err != nil {
		return err
	}

	opts := reconcile.Options{
		Classifier: reconcile.NewClassifier(a.cfg.Reconcile.Denominators),
		Archiver:   archiver,
		Outputs:    a.crawler,
		Clock:      clock,
		Logger:     a.logger.Named("reconcile"),
		StaleAfter: a.cfg.Reconcile.StaleAfter,
	}
	if a.hub != nil {
		opts.Notifier = a.hub
	}
	a.engine = reconcile.NewEngine(a.repo, a.crawler, opts)
	a.controller = reconcile.NewController(
		a.engine,
		a.repo,
		a.crawler,
		uuid.NewUUIDGenerator(),
		a.logger.Named("controller"),
		reconcile.WithCrawlingType(crawl.CrawlingType(a.cfg.CrawlerAPI.CrawlingType)),
	)

	if a.cfg.Scheduler.Enabled {
		a.scheduler, err = scheduler.New(scheduler.Config{
			PollSchedule:  a.cfg.Scheduler.PollSchedule,
			SweepSchedule: a.cfg.Scheduler.SweepSchedule,
			JobTimeout:    a.cfg.Scheduler.JobTimeout,
		}, a.engine, a.logger.Named("scheduler"))
		if err != nil {
			return fmt.Errorf("scheduler init failed: %w", err)
		}
	}

	deps := api.Deps{
		Engine:     a.engine,
		Controller: a.controller,
		Sessions:   a.repo,
		Store:      a.repo,
		Crawler:    a.crawler,
	}
	if a.stream != nil {
		deps.Stream = a.stream
	}
	apiOpts := api.Options{
		WebhookURL:     a.cfg.WebhookURL(),
		WebhookToken:   a.cfg.Webhook.Token,
		RequestTimeout: a.cfg.Server.RequestTimeout,
		Logger:         a.logger.Named("api"),
	}
	if a.cfg.Auth.Enabled {
		apiOpts.APIKey = a.cfg.Auth.APIKey
	}
	a.apiServer = api.NewServer(deps, apiOpts)
	return nil
}

func (a *App) setupRepository(ctx context.Context) error {
	if a.cfg.Database.DSN == "" {
		a.logger.Warn("no DSN configured, using in-memory session repository")
		a.repo = memorystorage.NewCrawlStore()
		return nil
	}
	pg, err := openPostgres(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	a.pgStore = pg
	a.repo = pg
	if a.cfg.Database.AutoMigrate {
		if err := pg.Migrate(ctx); err != nil {
			return fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("postgres schema migrated")
	}
	a.logger.Info("postgres repository initialized")
	return nil
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig) (*pgstore.CrawlStore, error) {
	pg, err := pgstore.New(ctx, pgstore.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: cfg.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("postgres init failed: %w", err)
	}
	return pg, nil
}

func (a *App) setupBlobStore(ctx context.Context) (crawl.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS report storage", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.gcsClient = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		return blobStore, nil
	case "local":
		a.logger.Info("using local report storage", zap.String("path", a.cfg.Storage.Local.BaseDir))
		blobStore, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		a.logger.Info("using in-memory report storage")
		return memorystorage.NewBlobStore(), nil
	}
}

//nolint:gocognit // one branch per optional sink
func (a *App) setupBroadcast(ctx context.Context, clock crawl.Clock) error {
	bc := a.cfg.Broadcast
	var sinkList []broadcast.Sink
	if bc.LogEnabled {
		sinkList = append(sinkList, sinks.NewLogSink(a.logger.Named("broadcast_log")))
	}
	if bc.PrometheusEnabled {
		promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
		if err != nil {
			return fmt.Errorf("prometheus sink init failed: %w", err)
		}
		sinkList = append(sinkList, promSink)
	}
	if bc.WebSocketEnabled {
		a.stream = sinks.NewWebSocketSink(a.logger.Named("broadcast_ws"), nil)
		sinkList = append(sinkList, a.stream)
	}
	if bc.Redis.Enabled {
		client, err := sinks.NewRedisClient(sinks.RedisConfig{
			Addr:     bc.Redis.Addr,
			Password: bc.Redis.Password,
			DB:       bc.Redis.DB,
		})
		if err != nil {
			return fmt.Errorf("redis init failed: %w", err)
		}
		a.redisClient = client
		redisSink, err := sinks.NewRedisSink(client, bc.Redis.ChannelPrefix)
		if err != nil {
			return fmt.Errorf("redis sink init failed: %w", err)
		}
		sinkList = append(sinkList, redisSink)
		a.logger.Info("redis broadcast sink enabled", zap.String("addr", bc.Redis.Addr))
	}
	if bc.PubSub.Enabled() {
		client, err := pubsub.NewClient(ctx, bc.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		a.pubsubClient = client
		pubsubSink, err := sinks.NewPubSubSink(client.Topic(bc.PubSub.Topic))
		if err != nil {
			return fmt.Errorf("pubsub sink init failed: %w", err)
		}
		sinkList = append(sinkList, pubsubSink)
		a.logger.Info("pubsub broadcast sink enabled",
			zap.String("project", bc.PubSub.ProjectID),
			zap.String("topic", bc.PubSub.Topic),
		)
	}
	if len(sinkList) == 0 {
		a.logger.Warn("no broadcast sinks configured, updates are not pushed")
		return nil
	}

	hubCfg := broadcast.Config{
		BufferSize:     bc.BufferSize,
		MaxBatchEvents: bc.MaxBatchEvents,
		MaxBatchWait:   bc.MaxBatchWait,
		SinkTimeout:    bc.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Clock:          clock,
		Logger:         a.logger.Named("broadcast_hub"),
	}
	a.hub = broadcast.NewHub(hubCfg, sinkList...)
	a.logger.Info("broadcast hub initialized",
		zap.Int("sinks", len(sinkList)),
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Sweep runs one stale-session sweep.
func (a *App) Sweep(ctx context.Context) (int, error) {
	return a.engine.SweepStale(ctx)
}

// Run starts the scheduler and HTTP server and blocks until the context is
// canceled or SIGINT/SIGTERM arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if a.scheduler != nil {
		a.scheduler.Start(ctx)
		a.logger.Info("scheduler started",
			zap.String("poll", a.cfg.Scheduler.PollSchedule),
			zap.String("sweep", a.cfg.Scheduler.SweepSchedule),
		)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	timeout := a.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return errors.Join(fmt.Errorf("http server: %w", err), closeErr)
	default:
		return closeErr
	}
}

// Close stops background work, then the hub (which closes its sinks), then
// external clients.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if a.scheduler != nil {
		if err := a.scheduler.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("scheduler stop: %w", err))
		}
	}
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("broadcast hub close: %w", err))
		}
	}
	a.closeInfrastructure(ctx)
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	a.logger.Info("shutdown complete")
	_ = a.logger.Sync()
	return errors.Join(errs...)
}

func (a *App) closeInfrastructure(_ context.Context) {
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgStore != nil {
		a.pgStore.Close()
	}
}

// Migrate applies the Postgres schema without starting the service.
func Migrate(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Database.DSN == "" {
		return errors.New("database.dsn is required to migrate")
	}
	pg, err := openPostgres(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer pg.Close()
	if err := pg.Migrate(ctx); err != nil {
		return fmt.Errorf("postgres migrate failed: %w", err)
	}
	logger.Info("postgres schema migrated")
	return nil
}
