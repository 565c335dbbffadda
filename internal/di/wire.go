//go:build wireinject
// +build wireinject

package di

import (
	"github.com/google/wire"

	"MarketCache/pkg/config"
	"MarketCache/pkg/server"
)

// InitializeApp wires up all dependencies and returns the application.
// Wire will generate the implementation of this function.
func InitializeApp(cfg *config.Config) (*server.App, error) {
	wire.Build(
		// Observability
		ProvideLogger,
		ProvideClock,
		ProvideRegistry,
		ProvideMetrics,

		// Cache core
		ProvideCatalog,
		ProvideKeyGenerator,
		ProvideTTLStrategy,
		ProvideAccessTracker,
		ProvideBackend,
		ProvideOperations,

		// Data sources
		ProvideClickHouseClient,
		ProvideCandleStore,
		ProvideDashboardSource,
		ProvideLimiter,
		ProvideMarketStream,

		// Use cases
		ProvideMarketData,
		ProvideWarming,
		ProvideKafkaProducer,
		ProvideInvalidationBus,
		ProvideKafkaConsumer,
		ProvidePriceWatcher,

		// HTTP and application server
		ProvideCacheHandler,
		ProvideHTTPServer,
		ProvideApp,
	)
	return &server.App{}, nil
}
