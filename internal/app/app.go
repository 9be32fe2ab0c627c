package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/uniedit/batchgen/internal/infra/config"
	"github.com/uniedit/batchgen/internal/infra/events"
	"github.com/uniedit/batchgen/internal/module/auth"
	"github.com/uniedit/batchgen/internal/module/batch"
	"github.com/uniedit/batchgen/internal/module/credits"
	"github.com/uniedit/batchgen/internal/module/provider"
	"github.com/uniedit/batchgen/internal/utils/metrics"
	"github.com/uniedit/batchgen/internal/utils/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Dependencies holds the assembled object graph.
type Dependencies struct {
	Config     *config.Config
	Logger     *zap.Logger
	DB         *gorm.DB
	Redis      goredis.UniversalClient
	Metrics    *metrics.Metrics
	EventBus   *events.Bus
	Credits    *credits.Service
	Registry   *provider.ModelRegistry
	Dispatcher *provider.Dispatcher
	Batch      *batch.Service
	JWT        *auth.JWTManager
}

// App is the running server.
type App struct {
	deps    *Dependencies
	router  *gin.Engine
	cleanup func()
}

// New hand-wires the application. It mirrors the provider sets in
// internal/infra/wire.
func New(cfg *config.Config) (*App, error) {
	var cleanups []func()
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}
	fail := func(err error) (*App, error) {
		cleanup()
		return nil, err
	}

	log, err := ProvideLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	cleanups = append(cleanups, func() { _ = log.Sync() })

	m := ProvideMetrics()

	db, closeDB, err := ProvideDatabase(cfg, log)
	if err != nil {
		return fail(fmt.Errorf("init database: %w", err))
	}
	cleanups = append(cleanups, closeDB)

	redis, closeRedis := ProvideRedisClient(cfg, log)
	cleanups = append(cleanups, closeRedis)

	httpClient := ProvideHTTPClient(cfg)

	bus, closeBus := ProvideEventBus(log)
	cleanups = append(cleanups, closeBus)
	publisher := ProvidePublisher(bus)

	creditsSvc := ProvideCreditsService(ProvideCreditsRepository(db), publisher, m, log)
	routing := ProvideEventRouting(bus, creditsSvc, log)

	registry, err := ProvideModelRegistry(cfg)
	if err != nil {
		return fail(err)
	}
	dispatcher := ProvideDispatcher(cfg, registry, httpClient, ProvideLimiter(cfg, redis), m, log)

	archiver, err := ProvideArchiver(cfg, httpClient, log)
	if err != nil {
		return fail(err)
	}

	batchRepo := ProvideBatchRepository(db)
	executor := ProvideExecutor(batchRepo, creditsSvc, dispatcher, archiver, m, log)
	hub := ProvideProgressHub(redis, log)
	batchSvc, stopBatch := ProvideBatchService(cfg, batchRepo, executor, registry, creditsSvc, hub, publisher, routing, m, log)
	cleanups = append(cleanups, stopBatch)

	jwt, err := ProvideJWTManager(cfg)
	if err != nil {
		return fail(fmt.Errorf("init auth: %w", err))
	}

	return NewFromDependencies(&Dependencies{
		Config:     cfg,
		Logger:     log,
		DB:         db,
		Redis:      redis,
		Metrics:    m,
		EventBus:   bus,
		Credits:    creditsSvc,
		Registry:   registry,
		Dispatcher: dispatcher,
		Batch:      batchSvc,
		JWT:        jwt,
	}, cleanup), nil
}

// NewFromDependencies builds the router over an assembled graph. cleanup
// runs on Stop.
func NewFromDependencies(deps *Dependencies, cleanup func()) *App {
	if cleanup == nil {
		cleanup = func() {}
	}
	a := &App{deps: deps, cleanup: cleanup}
	a.router = a.setupRouter()
	return a
}

// Start resumes interrupted jobs.
func (a *App) Start(ctx context.Context) error {
	if err := a.deps.Batch.Start(ctx); err != nil {
		return fmt.Errorf("start batch service: %w", err)
	}
	return nil
}

// Router returns the HTTP handler.
func (a *App) Router() *gin.Engine {
	return a.router
}

// Logger returns the root logger.
func (a *App) Logger() *zap.Logger {
	return a.deps.Logger
}

// Stop stops workers and releases connections.
func (a *App) Stop() {
	a.deps.Logger.Info("stopping application")
	a.cleanup()
}

func (a *App) setupRouter() *gin.Engine {
	if a.deps.Config.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(middleware.Recovery(a.deps.Logger))
	r.Use(middleware.RequestID())
	r.Use(middleware.Logging(a.deps.Logger))
	r.Use(middleware.Metrics(a.deps.Metrics))
	r.Use(middleware.CORS(middleware.DefaultCORSConfig()))

	r.GET("/health", a.health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	idempotency := middleware.DefaultIdempotencyConfig()
	if ttl := a.deps.Config.RateLimit.IdempotencyTTL; ttl > 0 {
		idempotency.TTL = ttl
	}

	api := r.Group("/api/v1")
	api.Use(middleware.RequireAuth(a.deps.JWT))
	api.Use(middleware.Idempotency(a.deps.Redis, idempotency))

	batch.NewHandler(a.deps.Batch).RegisterRoutes(api)
	credits.NewHandler(a.deps.Credits).RegisterRoutes(api)
	provider.NewHandler(a.deps.Registry).RegisterRoutes(api)

	return r
}

func (a *App) health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	if a.deps.DB != nil {
		checks["database"] = "ok"
		if sqlDB, err := a.deps.DB.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
			checks["database"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	if a.deps.Redis != nil {
		checks["redis"] = "ok"
		if err := a.deps.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unavailable"
		}
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	c.JSON(status, gin.H{"status": overall, "checks": checks})
}
