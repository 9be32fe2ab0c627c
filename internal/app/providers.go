package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/uniedit/batchgen/internal/infra/config"
	"github.com/uniedit/batchgen/internal/infra/events"
	"github.com/uniedit/batchgen/internal/infra/httpclient"
	"github.com/uniedit/batchgen/internal/module/assets"
	"github.com/uniedit/batchgen/internal/module/auth"
	"github.com/uniedit/batchgen/internal/module/batch"
	"github.com/uniedit/batchgen/internal/module/credits"
	"github.com/uniedit/batchgen/internal/module/provider"
	"github.com/uniedit/batchgen/internal/shared/cache"
	"github.com/uniedit/batchgen/internal/shared/database"
	"github.com/uniedit/batchgen/internal/shared/logger"
	"github.com/uniedit/batchgen/internal/utils/metrics"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ===== Infrastructure Providers =====

// ProvideLogger creates the root logger.
func ProvideLogger(cfg *config.Config) (*zap.Logger, error) {
	return logger.New(&logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
}

// ProvideMetrics creates metrics on the default registry.
func ProvideMetrics() *metrics.Metrics {
	return metrics.New("batchgen")
}

// ProvideDatabase opens PostgreSQL and migrates the schema. It returns a nil
// handle when the memory driver is selected.
func ProvideDatabase(cfg *config.Config, log *zap.Logger) (*gorm.DB, func(), error) {
	if cfg.Database.IsMemory() {
		log.Warn("using in-memory store, data is lost on restart")
		return nil, func() {}, nil
	}

	db, err := database.New(&cfg.Database)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := database.Close(db); err != nil {
			log.Warn("close database", zap.Error(err))
		}
	}

	if cfg.Database.AutoMigrate {
		models := append(credits.Models(), batch.Models()...)
		if err := database.Migrate(db, models...); err != nil {
			cleanup()
			return nil, nil, err
		}
	}
	return db, cleanup, nil
}

// ProvideRedisClient connects to Redis. Redis is optional: a failed
// connection is logged and the features that need it are disabled.
func ProvideRedisClient(cfg *config.Config, log *zap.Logger) (goredis.UniversalClient, func()) {
	if cfg.Redis.Address == "" {
		return nil, func() {}
	}
	client, err := cache.NewRedisClient(&cfg.Redis)
	if err != nil {
		log.Warn("redis connection failed, continuing without redis", zap.Error(err))
		return nil, func() {}
	}
	return client, func() { _ = cache.Close(client) }
}

// ProvideHTTPClient creates the pooled client shared by provider adapters
// and the asset archiver.
func ProvideHTTPClient(cfg *config.Config) *http.Client {
	return httpclient.New(cfg.HTTPClient)
}

// ProvideEventBus creates the in-process event bus.
func ProvideEventBus(log *zap.Logger) (*events.Bus, func()) {
	bus := events.NewBus(log, 0)
	return bus, bus.Close
}

// ProvidePublisher exposes the bus to modules.
func ProvidePublisher(bus *events.Bus) events.Publisher {
	return bus
}

// ===== Credits Providers =====

// ProvideCreditsRepository selects the ledger store.
func ProvideCreditsRepository(db *gorm.DB) credits.Repository {
	if db == nil {
		return credits.NewMemoryRepository()
	}
	return credits.NewRepository(db)
}

// ProvideCreditsService creates the ledger service.
func ProvideCreditsService(repo credits.Repository, publisher events.Publisher, m *metrics.Metrics, log *zap.Logger) *credits.Service {
	return credits.NewService(repo, publisher, m, log)
}

// EventRouting marks the bus as having its handlers registered.
type EventRouting struct{}

// ProvideEventRouting registers event handlers on the bus.
func ProvideEventRouting(bus *events.Bus, svc *credits.Service, log *zap.Logger) EventRouting {
	types := append(batch.EventTypes(), credits.EventCreditsPurchase, credits.EventPaymentSucceeded)
	bus.Register(events.NewLogHandler(log, types...))
	bus.Register(credits.NewEventHandler(svc, log))
	return EventRouting{}
}

// ===== Provider Providers =====

// ProvideModelRegistry builds the adapter and model catalog.
func ProvideModelRegistry(cfg *config.Config) (*provider.ModelRegistry, error) {
	registry, err := provider.NewRegistryFromConfig(cfg.Providers, cfg.Models)
	if err != nil {
		return nil, fmt.Errorf("build model registry: %w", err)
	}
	return registry, nil
}

// ProvideLimiter creates the shared dispatch rate limiter.
func ProvideLimiter(cfg *config.Config, redis goredis.UniversalClient) provider.Limiter {
	return provider.NewRedisLimiter(redis, cfg.Dispatch.RateLimit, time.Minute)
}

// ProvideDispatcher creates the provider dispatcher.
func ProvideDispatcher(
	cfg *config.Config,
	registry *provider.ModelRegistry,
	client *http.Client,
	limiter provider.Limiter,
	m *metrics.Metrics,
	log *zap.Logger,
) *provider.Dispatcher {
	return provider.NewDispatcher(registry, client, cfg.Dispatch, limiter, m, log)
}

// ===== Batch Providers =====

// ProvideArchiver selects S3 archival when storage is configured.
func ProvideArchiver(cfg *config.Config, client *http.Client, log *zap.Logger) (batch.Archiver, error) {
	if !cfg.Storage.Enabled() {
		return assets.Noop{}, nil
	}
	s3Client, err := assets.NewS3Client(context.Background(), cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	return assets.NewS3Archiver(s3Client, client, cfg.Storage, log), nil
}

// ProvideBatchRepository selects the job store.
func ProvideBatchRepository(db *gorm.DB) batch.Repository {
	if db == nil {
		return batch.NewMemoryRepository()
	}
	return batch.NewRepository(db)
}

// ProvideExecutor creates the item executor.
func ProvideExecutor(
	repo batch.Repository,
	ledger *credits.Service,
	dispatcher *provider.Dispatcher,
	archiver batch.Archiver,
	m *metrics.Metrics,
	log *zap.Logger,
) *batch.Executor {
	return batch.NewExecutor(repo, ledger, dispatcher, archiver, batch.ExecutorConfig{}, m, log)
}

// ProvideProgressHub creates the progress hub, mirrored to Redis when
// available.
func ProvideProgressHub(redis goredis.UniversalClient, log *zap.Logger) *batch.ProgressHub {
	return batch.NewProgressHub(redis, log)
}

// ProvideBatchService creates the orchestrator.
func ProvideBatchService(
	cfg *config.Config,
	repo batch.Repository,
	executor *batch.Executor,
	registry *provider.ModelRegistry,
	ledger *credits.Service,
	hub *batch.ProgressHub,
	publisher events.Publisher,
	_ EventRouting,
	m *metrics.Metrics,
	log *zap.Logger,
) (*batch.Service, func()) {
	svc := batch.NewService(repo, executor, registry, ledger, hub, publisher, cfg.Batch, m, log)
	return svc, svc.Stop
}

// ===== Auth Providers =====

// ProvideJWTManager creates the token validator.
func ProvideJWTManager(cfg *config.Config) (*auth.JWTManager, error) {
	return auth.NewJWTManager(cfg.Auth)
}
