// Package server builds the collector's dependencies and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/webtoon-chart-collector/internal/acquire"
	"github.com/JakeFAU/webtoon-chart-collector/internal/api"
	"github.com/JakeFAU/webtoon-chart-collector/internal/chart"
	"github.com/JakeFAU/webtoon-chart-collector/internal/clock/system"
	"github.com/JakeFAU/webtoon-chart-collector/internal/config"
	"github.com/JakeFAU/webtoon-chart-collector/internal/coordination"
	collyfetcher "github.com/JakeFAU/webtoon-chart-collector/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/webtoon-chart-collector/internal/fetcher/headless"
	"github.com/JakeFAU/webtoon-chart-collector/internal/hash/sha256"
	"github.com/JakeFAU/webtoon-chart-collector/internal/id/uuid"
	"github.com/JakeFAU/webtoon-chart-collector/internal/loader"
	"github.com/JakeFAU/webtoon-chart-collector/internal/metrics"
	"github.com/JakeFAU/webtoon-chart-collector/internal/normalize"
	"github.com/JakeFAU/webtoon-chart-collector/internal/pipeline"
	"github.com/JakeFAU/webtoon-chart-collector/internal/policy/ratelimit"
	memorypublisher "github.com/JakeFAU/webtoon-chart-collector/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/webtoon-chart-collector/internal/publisher/pubsub"
	gcsstorage "github.com/JakeFAU/webtoon-chart-collector/internal/storage/gcs"
	localstorage "github.com/JakeFAU/webtoon-chart-collector/internal/storage/local"
	memorystorage "github.com/JakeFAU/webtoon-chart-collector/internal/storage/memory"
	pgstore "github.com/JakeFAU/webtoon-chart-collector/internal/storage/postgres"
	"github.com/JakeFAU/webtoon-chart-collector/internal/telemetry"
)

const shutdownTimeout = 10 * time.Second

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	clock     *system.Clock
	pipeline  *pipeline.Pipeline
	apiServer *api.Server
	locker    *coordination.Locker

	pool           *pgxpool.Pool
	pgWarehouse    *pgstore.Warehouse
	pgRuns         *pgstore.RunStore
	gcs            *gcsstorage.BlobStore
	pubsub         *gcppublisher.Publisher
	redis          *redis.Client
	tracerProvider *sdktrace.TracerProvider
}

// Build creates the application's dependencies. The caller must Close the
// returned App.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{cfg: cfg, logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	var err error
	app.tracerProvider, err = telemetry.InitTracerProvider(ctx, telemetry.ServiceName)
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	metrics.Init()

	clock, err := system.NewIn(cfg.Upstream.Timezone)
	if err != nil {
		return nil, fmt.Errorf("clock init failed: %w", err)
	}
	app.clock = clock
	ids := uuid.New()

	warehouse, runs, ready, err := setupWarehouse(ctx, app)
	if err != nil {
		return nil, err
	}
	blobs, err := setupStorage(ctx, app)
	if err != nil {
		return nil, err
	}
	publisher, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	chain, err := setupAcquirer(app)
	if err != nil {
		return nil, err
	}
	if err := setupLock(ctx, app); err != nil {
		return nil, err
	}

	load, err := loader.New(warehouse, loader.Config{
		BatchSize:      cfg.Warehouse.BatchSize,
		CleanupTimeout: time.Duration(cfg.Warehouse.CleanupTimeout) * time.Second,
	}, ids, logger)
	if err != nil {
		return nil, fmt.Errorf("loader init failed: %w", err)
	}

	deps := pipeline.Deps{
		Acquirer:   chain,
		Normalizer: normalize.New(clock, logger),
		Loader:     load,
		Blobs:      blobs,
		Publisher:  publisher,
		Runs:       runs,
		Hasher:     sha256.New(),
		IDs:        ids,
		Clock:      clock,
		Logger:     logger,
	}
	app.pipeline, err = pipeline.New(pipeline.Config{
		ArchivePrefix: cfg.Storage.Prefix,
		Topic:         cfg.PubSub.TopicName,
	}, deps)
	if err != nil {
		return nil, fmt.Errorf("pipeline init failed: %w", err)
	}

	app.apiServer = api.NewServer(runs, ready, logger)
	ok = true
	return app, nil
}

// Handler exposes the ops HTTP routes.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Collect runs one collection. When metrics.addr is set the ops server is
// served for the duration of the run.
func (a *App) Collect(ctx context.Context, req pipeline.Request) pipeline.Report {
	if a.cfg.Metrics.Addr != "" {
		stop := a.startHTTP(ctx)
		defer stop()
	}
	return a.collect(ctx, req)
}

// collect runs the pipeline while holding the run lock, if one is configured.
func (a *App) collect(ctx context.Context, req pipeline.Request) pipeline.Report {
	if req.Filter == "" {
		req.Filter = a.cfg.Filter()
	}
	if a.locker != nil {
		lease, err := a.locker.Acquire(ctx, a.cfg.Lock.Key)
		if err != nil {
			a.logger.Warn("run lock unavailable", zap.String("key", a.cfg.Lock.Key), zap.Error(err))
			now := a.clock.Now()
			return pipeline.Report{
				Status:     pipeline.StatusFailure,
				Error:      fmt.Sprintf("run lock: %v", err),
				StartedAt:  now,
				FinishedAt: now,
			}
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				a.logger.Warn("run lock release failed", zap.String("key", lease.Key()), zap.Error(err))
			}
		}()
	}
	return a.pipeline.Run(ctx, req)
}

// scheduledRun performs one collection from the schedule settings.
func (a *App) scheduledRun(ctx context.Context) pipeline.Report {
	report := a.collect(ctx, pipeline.Request{
		SortKeys:           a.cfg.Schedule.SortKeys,
		CollectAllWeekdays: a.cfg.Schedule.AllWeekdays,
	})
	a.logger.Info("scheduled run finished",
		zap.String("run_id", report.RunID),
		zap.String("status", string(report.Status)),
		zap.String("error", report.Error),
	)
	return report
}

// startSchedule registers the configured cron spec. The returned function
// stops the scheduler and waits for a running collection to finish.
func (a *App) startSchedule(ctx context.Context) (func(), error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(a.clock.Location()),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)
	if _, err := c.AddFunc(a.cfg.Schedule.Cron, func() { a.scheduledRun(ctx) }); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", a.cfg.Schedule.Cron, err)
	}
	c.Start()
	a.logger.Info("collection scheduled",
		zap.String("cron", a.cfg.Schedule.Cron),
		zap.String("timezone", a.clock.Location().String()),
	)
	return func() { <-c.Stop().Done() }, nil
}

// Serve runs the ops server until ctx is canceled, collecting on the
// configured schedule in the meantime.
func (a *App) Serve(ctx context.Context) error {
	if a.cfg.Metrics.Addr == "" {
		return errors.New("metrics.addr is required to serve")
	}
	if a.cfg.Schedule.Cron != "" {
		stop, err := a.startSchedule(ctx)
		if err != nil {
			return err
		}
		defer stop()
	}
	srv := a.newHTTPServer()
	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.cfg.Metrics.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func (a *App) newHTTPServer() *http.Server {
	return &http.Server{
		Addr:              a.cfg.Metrics.Addr,
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *App) startHTTP(ctx context.Context) func() {
	srv := a.newHTTPServer()
	go func() {
		a.logger.Info("http server started", zap.String("addr", a.cfg.Metrics.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
		}
	}()
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Warn("server shutdown error", zap.Error(err))
		}
	}
}

// EnsureSchema creates the warehouse and run tables. It is a no-op for the
// memory backend.
func (a *App) EnsureSchema(ctx context.Context) error {
	if a.pgWarehouse == nil {
		return nil
	}
	if err := a.pgWarehouse.EnsureSchema(ctx); err != nil {
		return err
	}
	return a.pgRuns.EnsureSchema(ctx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
		a.pubsub = nil
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.gcs = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
		a.redis = nil
	}
	if a.pool != nil {
		a.pool.Close()
		a.pool = nil
	}
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerProvider = nil
	}
}

func setupWarehouse(ctx context.Context, app *App) (loader.Warehouse, chart.RunStore, api.Pinger, error) {
	cfg := app.cfg.Warehouse
	if cfg.Backend == "memory" {
		app.logger.Warn("using in-memory warehouse; loaded rows are discarded on exit")
		return memorystorage.NewWarehouse(), memorystorage.NewRunStore(), nil, nil
	}

	pool, err := pgstore.Connect(ctx, pgstore.Config{
		DSN:             cfg.DSN,
		MaxConns:        cfg.MaxConns,
		MinConns:        cfg.MinConns,
		MaxConnLifetime: time.Duration(cfg.MaxConnLifetime) * time.Second,
	})
	if err != nil {
		return nil, nil, nil, fmt.Errorf("warehouse init failed: %w", err)
	}
	app.pool = pool
	app.pgWarehouse, err = pgstore.NewWithPool(pool, cfg.ProfileTable, cfg.EntryTable)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("warehouse init failed: %w", err)
	}
	app.pgRuns, err = pgstore.NewRunStore(pool, cfg.RunTable)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("run store init failed: %w", err)
	}
	if cfg.EnsureSchema {
		if err := app.EnsureSchema(ctx); err != nil {
			return nil, nil, nil, fmt.Errorf("ensure schema failed: %w", err)
		}
	}
	app.logger.Info("postgres warehouse initialized",
		zap.String("profile_table", cfg.ProfileTable),
		zap.String("entry_table", cfg.EntryTable),
	)
	return app.pgWarehouse, app.pgRuns, app.pgWarehouse, nil
}

func setupLock(ctx context.Context, app *App) error {
	cfg := app.cfg.Lock
	if cfg.RedisAddr == "" {
		return nil
	}
	client, err := coordination.Open(ctx, cfg.RedisAddr, cfg.Password, cfg.DB)
	if err != nil {
		return fmt.Errorf("run lock init failed: %w", err)
	}
	app.redis = client
	app.locker = coordination.NewLocker(client, coordination.Config{
		TTL:  app.cfg.LockTTL(),
		Wait: app.cfg.LockWait(),
	})
	app.logger.Info("run lock enabled", zap.String("addr", cfg.RedisAddr), zap.String("key", cfg.Key))
	return nil
}

func setupStorage(ctx context.Context, app *App) (chart.BlobStore, error) {
	cfg := app.cfg.Storage
	switch cfg.Backend {
	case "gcs":
		app.logger.Info("using GCS storage backend", zap.String("bucket", cfg.GCSBucket))
		store, err := gcsstorage.Open(ctx, gcsstorage.Config{Bucket: cfg.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.gcs = store
		return store, nil
	case "local":
		app.logger.Info("using local storage backend", zap.String("path", cfg.LocalDir))
		store, err := localstorage.New(localstorage.Config{Dir: cfg.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return store, nil
	case "memory":
		app.logger.Info("using in-memory storage backend")
		return memorystorage.NewBlobStore(), nil
	default:
		app.logger.Info("raw snapshot archiving disabled")
		return nil, nil
	}
}

func setupPublisher(ctx context.Context, app *App) (chart.Publisher, error) {
	cfg := app.cfg.PubSub
	if cfg.ProjectID == "" || cfg.TopicName == "" {
		app.logger.Warn("No Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	pub, err := gcppublisher.Open(ctx, cfg.ProjectID, cfg.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	app.pubsub = pub
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", cfg.ProjectID),
		zap.String("topic", cfg.TopicName),
	)
	return pub, nil
}

func setupAcquirer(app *App) (*acquire.Chain, error) {
	cfg := app.cfg
	initial, maxDelay := cfg.Backoff()
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:       cfg.Upstream.UserAgent,
		MobileUserAgent: cfg.Upstream.MobileUserAgent,
		Referer:         cfg.Upstream.DesktopURL,
		Timeout:         cfg.HTTPTimeout(),
		Retry:           chart.NewExponentialRetryPolicy(cfg.HTTP.MaxRetries, initial, maxDelay),
		Limiter: ratelimit.New(ratelimit.Config{
			DefaultRPS:   cfg.HTTP.RequestsPerSecond,
			DefaultBurst: cfg.HTTP.Burst,
		}),
	}, app.logger)

	strategies := make([]chart.Strategy, 0, len(cfg.Acquire.Strategies))
	for _, name := range cfg.Acquire.Strategies {
		switch name {
		case config.StrategyAPI:
			strategies = append(strategies, acquire.NewAPIStrategy(fetcher, cfg.Upstream.APIBase, cfg.Upstream.DesktopURL))
		case config.StrategySSR:
			strategies = append(strategies, acquire.NewSSRStrategy(fetcher, []acquire.Page{
				{URL: cfg.Upstream.MobileURL, Mobile: true},
				{URL: cfg.Upstream.DesktopURL},
			}, app.logger))
		case config.StrategyBrowser:
			launcher, err := setupLauncher(app)
			if err != nil {
				return nil, err
			}
			strategies = append(strategies, acquire.NewBrowserStrategy(launcher, acquire.BrowserConfig{
				PageURL:    cfg.Upstream.DesktopURL,
				SettleWait: time.Duration(cfg.Headless.SettleMs) * time.Millisecond,
				ClickWait:  time.Duration(cfg.Headless.ClickWaitMs) * time.Millisecond,
			}, app.logger))
		default:
			return nil, fmt.Errorf("unknown strategy %q", name)
		}
	}
	app.logger.Info("acquisition chain configured", zap.Strings("strategies", cfg.Acquire.Strategies))
	return acquire.NewChain(strategies, acquire.ChainConfig{WeekdayDelay: cfg.WeekdayDelay()}, app.clock, app.logger), nil
}

func setupLauncher(app *App) (chart.BrowserLauncher, error) {
	cfg := app.cfg.Headless
	if !cfg.Enabled {
		app.logger.Info("headless browser disabled; browser strategy will always fail")
		return headlessfetcher.NewNoop(), nil
	}
	launcher, err := headlessfetcher.NewChromedp(headlessfetcher.Config{
		MaxParallel:       cfg.MaxParallel,
		UserAgent:         app.cfg.Upstream.UserAgent,
		ExecPath:          cfg.ExecPath,
		NoSandbox:         cfg.NoSandbox,
		NavigationTimeout: time.Duration(cfg.NavTimeoutSec) * time.Second,
		EvalTimeout:       time.Duration(cfg.EvalTimeoutSec) * time.Second,
	}, app.logger)
	if err != nil {
		return nil, fmt.Errorf("headless launcher init failed: %w", err)
	}
	app.logger.Info("using headless launcher", zap.Int("max_parallel", cfg.MaxParallel))
	return launcher, nil
}
