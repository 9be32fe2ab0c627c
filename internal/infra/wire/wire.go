//go:build wireinject
// +build wireinject

package wire

import (
	"github.com/google/wire"

	"github.com/uniedit/batchgen/internal/app"
	"github.com/uniedit/batchgen/internal/infra/config"
)

// InfraSet provides infrastructure dependencies.
var InfraSet = wire.NewSet(
	app.ProvideLogger,
	app.ProvideMetrics,
	app.ProvideDatabase,
	app.ProvideRedisClient,
	app.ProvideHTTPClient,
	app.ProvideEventBus,
	app.ProvidePublisher,
)

// CreditsSet provides the ledger.
var CreditsSet = wire.NewSet(
	app.ProvideCreditsRepository,
	app.ProvideCreditsService,
	app.ProvideEventRouting,
)

// ProviderSet provides the model catalog and dispatcher.
var ProviderSet = wire.NewSet(
	app.ProvideModelRegistry,
	app.ProvideLimiter,
	app.ProvideDispatcher,
)

// BatchSet provides the orchestrator.
var BatchSet = wire.NewSet(
	app.ProvideArchiver,
	app.ProvideBatchRepository,
	app.ProvideExecutor,
	app.ProvideProgressHub,
	app.ProvideBatchService,
)

// AuthSet provides token validation.
var AuthSet = wire.NewSet(
	app.ProvideJWTManager,
)

// AppSet combines all provider sets.
var AppSet = wire.NewSet(
	InfraSet,
	CreditsSet,
	ProviderSet,
	BatchSet,
	AuthSet,
)

// InitializeDependencies creates all dependencies using Wire.
func InitializeDependencies(cfg *config.Config) (*app.Dependencies, func(), error) {
	wire.Build(
		AppSet,
		wire.Struct(new(app.Dependencies), "*"),
	)
	return nil, nil, nil
}
