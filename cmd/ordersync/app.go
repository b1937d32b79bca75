package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/agamariel/ordersync/internal/auth"
	"github.com/agamariel/ordersync/internal/config"
	"github.com/agamariel/ordersync/internal/events"
	"github.com/agamariel/ordersync/internal/gateway"
	"github.com/agamariel/ordersync/internal/handlers"
	"github.com/agamariel/ordersync/internal/locks"
	"github.com/agamariel/ordersync/internal/migrations"
	"github.com/agamariel/ordersync/internal/services"
	"github.com/agamariel/ordersync/internal/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
)

// App структура для управления приложением и его зависимостями.
type App struct {
	cfg    *config.Config
	logger *slog.Logger
	dbPool *pgxpool.Pool
	redis  *redis.Client
	echo   *echo.Echo

	orchestrator *services.Orchestrator
	worker       *services.SyncWorker
	syncHandler  *handlers.SyncHandler
	// gatewayReady - учётные данные шлюза заданы, периодические запуски имеют смысл.
	gatewayReady bool
}

// NewApp создаёт и инициализирует новое приложение.
func NewApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	app := &App{
		cfg:    cfg,
		logger: logger,
	}

	if err := app.initDatabase(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	if err := app.initRedis(ctx); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize redis: %w", err)
	}

	if err := app.initDependencies(); err != nil {
		app.Close()
		return nil, fmt.Errorf("failed to initialize dependencies: %w", err)
	}

	app.initServer()

	return app, nil
}

// initDatabase инициализирует подключение к базе данных и выполняет миграции.
func (app *App) initDatabase(ctx context.Context) error {
	if app.cfg.DatabaseURI == "" {
		return fmt.Errorf("DATABASE_URI is required")
	}

	// Применение миграций
	sqlDB, err := sql.Open("pgx", app.cfg.DatabaseURI)
	if err != nil {
		return fmt.Errorf("unable to open database connection: %w", err)
	}
	defer sqlDB.Close()

	if _, err := migrations.Run(sqlDB, app.logger); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// Подключение к базе данных через pgxpool
	dbPool, err := pgxpool.New(ctx, app.cfg.DatabaseURI)
	if err != nil {
		return fmt.Errorf("unable to connect to database: %w", err)
	}

	if err := dbPool.Ping(ctx); err != nil {
		dbPool.Close()
		return fmt.Errorf("unable to ping database: %w", err)
	}

	app.dbPool = dbPool
	app.logger.Info("connected to database")

	return nil
}

// initRedis подключает Redis. Без адреса блокировки и сигналы работают внутри процесса.
func (app *App) initRedis(ctx context.Context) error {
	if app.cfg.RedisAddr == "" {
		app.logger.Warn("REDIS_ADDR is not configured, using in-process locks and log-only signals")
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     app.cfg.RedisAddr,
		Password: app.cfg.RedisPassword,
		DB:       app.cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return fmt.Errorf("unable to ping redis: %w", err)
	}

	app.redis = client
	app.logger.Info("connected to redis", "addr", app.cfg.RedisAddr)
	return nil
}

// initDependencies инициализирует все зависимости приложения (storage, services, handlers).
func (app *App) initDependencies() error {
	// Storage layer
	orderStorage := storage.NewPostgresOrderStorage(app.dbPool)
	checkpointStorage := storage.NewPostgresCheckpointStorage(app.dbPool)
	syncLogStorage := storage.NewPostgresSyncLogStorage(app.dbPool)

	// Шлюз удалённой системы. Без учётных данных запуски завершаются ErrGatewayNotConfigured.
	var gw services.OrderGateway
	creds := gateway.AppCredentials{
		AuthURL:   app.cfg.Gateway.AuthURL,
		AppID:     app.cfg.Gateway.AppID,
		AppSecret: app.cfg.Gateway.AppSecret,
		Token:     app.cfg.Gateway.Token,
	}
	if creds.Configured() {
		provider, err := gateway.NewAppCredentialProvider(creds, app.cfg.Gateway.Timeout)
		if err != nil {
			return fmt.Errorf("failed to create credential provider: %w", err)
		}
		gw = gateway.NewClient(provider, app.cfg.Gateway.Timeout, app.cfg.Gateway.RatePerMinute, app.logger)
		app.gatewayReady = true
	} else {
		app.logger.Warn("gateway credentials are not configured, sync runs will fail")
	}

	var (
		locker    locks.Locker
		publisher events.Publisher
	)
	if app.redis != nil {
		locker = locks.NewRedisLocker(app.redis, "")
		publisher = events.NewRedisPublisher(app.redis)
	}

	// Service layer
	app.orchestrator = services.NewOrchestrator(gw, orderStorage, checkpointStorage, syncLogStorage, locker, publisher,
		services.OrchestratorConfig{
			BatchSize:         app.cfg.Sync.BatchSize,
			PageSize:          app.cfg.Sync.PageSize,
			DateField:         gateway.DateField(app.cfg.Sync.DateField),
			LockTTL:           app.cfg.Sync.LockTTL,
			CacheLookback:     time.Duration(app.cfg.Sync.CacheLookbackDays) * 24 * time.Hour,
			Lookback:          app.cfg.Sync.DefaultLookback,
			FanOutConcurrency: app.cfg.Run.Concurrency,
		}, app.logger)
	app.worker = services.NewSyncWorker(app.orchestrator, app.cfg.Sync.Interval, app.cfg.Sync.OpenInterval, app.logger)

	// Handler layer
	app.syncHandler = handlers.NewSyncHandler(app.worker, syncLogStorage, checkpointStorage, app.logger)

	return nil
}

// initServer инициализирует HTTP-сервер и настраивает маршруты.
func (app *App) initServer() {
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.Gzip())

	api := e.Group("/api/sync")
	api.Use(auth.JWTMiddleware(app.cfg.JWTSecret))
	api.GET("/logs", app.syncHandler.ListLogs, auth.RequireScope(auth.ScopeRead))
	api.GET("/logs/:id", app.syncHandler.GetLog, auth.RequireScope(auth.ScopeRead))
	api.GET("/checkpoints/:stream", app.syncHandler.GetCheckpoint, auth.RequireScope(auth.ScopeRead))
	api.POST("/run", app.syncHandler.TriggerRun, auth.RequireScope(auth.ScopeRun))

	app.echo = e
}

// Start запускает периодическую синхронизацию и HTTP-сервер.
func (app *App) Start(ctx context.Context) error {
	if app.gatewayReady {
		app.worker.Start(ctx)
		app.logger.Info("sync worker started", "interval", app.cfg.Sync.Interval, "open_interval", app.cfg.Sync.OpenInterval)
	} else {
		app.logger.Warn("sync worker is not started: gateway is not configured")
	}

	app.logger.Info("starting server", "addr", app.cfg.RunAddress)
	if err := app.echo.Start(app.cfg.RunAddress); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}

	return nil
}

// RunOnce выполняет один запуск в режиме mode и ждёт его завершения.
func (app *App) RunOnce(ctx context.Context, mode string) error {
	run := app.cfg.Run

	var (
		res *services.RunResult
		err error
	)
	switch mode {
	case config.ModeSync:
		res, err = app.orchestrator.Run(ctx, services.RunOptions{
			DryRun:      run.DryRun,
			Force:       run.Force,
			OnlyMissing: run.OnlyMissing,
		})
	case config.ModeHistorical:
		from, to, werr := run.Window()
		if werr != nil {
			return werr
		}
		res, err = app.orchestrator.Run(ctx, services.RunOptions{
			Historical:  true,
			From:        from,
			To:          to,
			Days:        run.Days,
			DryRun:      run.DryRun,
			Force:       run.Force,
			OnlyMissing: run.OnlyMissing,
			StartPage:   run.StartPage,
		})
	case config.ModeOpen:
		res, err = app.orchestrator.SyncOpenOrders(ctx, services.OpenSyncOptions{
			Concurrency: run.Concurrency,
			DryRun:      run.DryRun,
			Force:       run.Force,
		})
	default:
		return fmt.Errorf("unknown mode %q", mode)
	}
	if err != nil {
		return err
	}

	app.logger.Info("sync finished",
		"mode", mode,
		"sync_log_id", res.SyncLogID,
		"from", res.From,
		"to", res.To,
		"dry_run", res.DryRun,
		"fetched", res.Counters.Fetched,
		"created", res.Counters.Created,
		"updated", res.Counters.Updated,
		"skipped", res.Counters.Skipped,
		"failed", res.Counters.Failed,
		"batches", res.Batches,
		"signal_sent", res.SignalSent,
		"signal_skip_reason", res.SkipReason,
	)
	return nil
}

// Shutdown корректно завершает работу приложения.
func (app *App) Shutdown(ctx context.Context) error {
	app.logger.Info("shutting down server")

	if err := app.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}

	// текущие запуски доводятся до конца страницы и фиксируют журнал
	done := make(chan struct{})
	go func() {
		app.worker.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("sync worker did not stop: %w", ctx.Err())
	}

	app.logger.Info("server gracefully stopped")
	return nil
}

// Close освобождает соединения.
func (app *App) Close() {
	if app.dbPool != nil {
		app.dbPool.Close()
	}
	if app.redis != nil {
		_ = app.redis.Close()
	}
}
