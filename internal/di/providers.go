package di

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"MarketCache/internal/domain/repository"
	"MarketCache/internal/handler/api"
	internalrepo "MarketCache/internal/repository"
	"MarketCache/internal/service/dashboard"
	"MarketCache/internal/service/finnhub"
	"MarketCache/internal/service/ratelimit"
	"MarketCache/internal/usecase"
	"MarketCache/pkg/cache"
	"MarketCache/pkg/cache/batch"
	"MarketCache/pkg/cache/catalog"
	"MarketCache/pkg/cache/keys"
	"MarketCache/pkg/cache/ttl"
	"MarketCache/pkg/cache/warming"
	pkgch "MarketCache/pkg/clickhouse"
	"MarketCache/pkg/config"
	xhttp "MarketCache/pkg/http"
	pkgkafka "MarketCache/pkg/kafka"
	"MarketCache/pkg/logger"
	"MarketCache/pkg/metrics"
	"MarketCache/pkg/server"
)

// ProvideLogger creates the root logger.
func ProvideLogger(cfg *config.Config) (*logger.Logger, error) {
	l, err := logger.New(&logger.Config{
		Level:  cfg.Logger.Level,
		Format: cfg.Logger.Format,
		Output: cfg.Logger.Output,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}
	return l.With(logger.String("env", cfg.Environment)), nil
}

func ProvideClock() clockwork.Clock {
	return clockwork.NewRealClock()
}

// ProvideRegistry creates the Prometheus registry shared by every collector.
func ProvideRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// ProvideMetrics creates the Prometheus cache metrics recorder.
func ProvideMetrics(reg *prometheus.Registry) *metrics.Recorder {
	return metrics.New(reg)
}

// ProvideCatalog builds the key catalog with configured tier overrides.
func ProvideCatalog(cfg *config.Config) (*catalog.Catalog, error) {
	cat, err := cfg.Catalog()
	if err != nil {
		return nil, fmt.Errorf("cache catalog: %w", err)
	}
	return cat, nil
}

func ProvideKeyGenerator(cfg *config.Config, cat *catalog.Catalog, clock clockwork.Clock) *keys.Generator {
	return keys.New(cat, keys.WithClock(clock), keys.WithVersion(cfg.Cache.Version))
}

func ProvideTTLStrategy(cfg *config.Config, cat *catalog.Catalog, clock clockwork.Clock) *ttl.Strategy {
	return ttl.NewStrategy(cat,
		ttl.WithClock(clock),
		ttl.WithMaxPatterns(cfg.TTL.MaxPatterns),
		ttl.WithRetention(cfg.TTL.Retention),
	)
}

func ProvideAccessTracker(s *ttl.Strategy) *usecase.AccessTracker {
	return usecase.NewAccessTracker(s)
}

// ProvideBackend selects the physical cache tier: memory, redis or layered (memory over redis).
func ProvideBackend(cfg *config.Config, rec *metrics.Recorder, clock clockwork.Clock, l *logger.Logger) (cache.Backend, error) {
	memory := func() *cache.MemoryBackend {
		return cache.NewMemoryBackend(
			cache.WithMemoryMaxSize(cfg.Cache.Capacity),
			cache.WithMemoryDefaultTTL(cfg.Cache.DefaultTTL),
			cache.WithMemoryCleanup(cfg.Cache.CleanupInterval),
			cache.WithMemoryClock(clock),
			cache.WithMemoryMetrics(rec),
		)
	}
	redis := func() (*cache.RedisBackend, error) {
		rb, err := cache.NewRedisBackend(
			cache.WithRedisAddr(cfg.Redis.Addr),
			cache.WithRedisPassword(cfg.Redis.Password),
			cache.WithRedisDB(cfg.Redis.DB),
			cache.WithRedisPool(cfg.Redis.PoolSize, cfg.Redis.MinIdleConns, cfg.Redis.PoolTimeout),
			cache.WithRedisPrefix(cfg.Redis.Prefix),
			cache.WithRedisDialTimeout(cfg.Redis.DialTimeout),
		)
		if err != nil {
			return nil, fmt.Errorf("redis backend: %w", err)
		}
		return rb, nil
	}

	l.Info("cache backend selected", logger.String("backend", cfg.Cache.Backend))
	switch cfg.Cache.Backend {
	case "redis":
		rb, err := redis()
		if err != nil {
			return nil, err
		}
		return rb, nil
	case "layered":
		rb, err := redis()
		if err != nil {
			return nil, err
		}
		return cache.NewLayeredBackend(memory(), rb, cache.WithLayeredPromoteTTL(cfg.Cache.PromoteTTL)), nil
	default:
		return memory(), nil
	}
}

// ProvideOperations creates the batch operations every reader and writer goes through.
func ProvideOperations(
	cfg *config.Config,
	backend cache.Backend,
	gen *keys.Generator,
	rec *metrics.Recorder,
	tracker *usecase.AccessTracker,
	clock clockwork.Clock,
	l *logger.Logger,
) *batch.Operations {
	return batch.New(backend, gen,
		batch.WithLogger(l.With(logger.String("component", "batch"))),
		batch.WithMetrics(rec),
		batch.WithClock(clock),
		batch.WithReadTimeout(cfg.Cache.ReadTimeout),
		batch.WithWriteTimeout(cfg.Cache.WriteTimeout),
		batch.WithComputeTimeout(cfg.Cache.ComputeTimeout),
		batch.WithMaxConcurrency(cfg.Cache.MaxConcurrency),
		batch.WithCoalescing(!cfg.Cache.DisableCoalescing),
		batch.WithDegradedLatency(cfg.Cache.DegradedLatency),
		batch.WithObservers(tracker.Observe),
	)
}

// ProvideClickHouseClient connects to ClickHouse when enabled; nil otherwise.
func ProvideClickHouseClient(cfg *config.Config, l *logger.Logger) (*pkgch.Client, error) {
	if !cfg.ClickHouse.Enabled {
		return nil, nil
	}
	client, err := pkgch.NewClient(
		pkgch.WithHost(cfg.ClickHouse.Host),
		pkgch.WithPort(cfg.ClickHouse.Port),
		pkgch.WithDatabase(cfg.ClickHouse.Database),
		pkgch.WithCredentials(cfg.ClickHouse.User, cfg.ClickHouse.Password),
		pkgch.WithMaxConnections(10, 5),
		pkgch.WithHTTP(cfg.ClickHouse.UseHTTP),
		pkgch.WithTimeouts(cfg.ClickHouse.DialTimeout, cfg.ClickHouse.ReadTimeout),
		pkgch.WithMaxExecutionTime(cfg.ClickHouse.MaxExecutionTime),
		pkgch.WithLogger(l.With(logger.String("component", "clickhouse"))),
	)
	if err != nil {
		return nil, fmt.Errorf("clickhouse client: %w", err)
	}
	return client, nil
}

// ProvideCandleStore creates the OHLCV store and its schema; nil without ClickHouse.
func ProvideCandleStore(cfg *config.Config, ch *pkgch.Client, l *logger.Logger) (repository.CandleStore, error) {
	if ch == nil {
		return nil, nil
	}
	store, err := internalrepo.NewCHCandleStore(ch, cfg.ClickHouse.Database, cfg.ClickHouse.CandlesTable, l)
	if err != nil {
		return nil, fmt.Errorf("candle store: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := store.Init(ctx); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("clickhouse schema: %w", err)
	}
	return store, nil
}

// ProvideDashboardSource creates the upstream dashboard client when a URL is configured.
func ProvideDashboardSource(cfg *config.Config, l *logger.Logger) repository.DashboardSource {
	if cfg.Dashboard.URL == "" {
		return nil
	}
	return dashboard.New(cfg.Dashboard.URL, cfg.Dashboard.Timeout, l)
}

func ProvideLimiter(cfg *config.Config, clock clockwork.Clock) *ratelimit.Limiter {
	return ratelimit.New(cfg.Dashboard.RateLimit.RPS, float64(cfg.Dashboard.RateLimit.Burst), ratelimit.WithClock(clock))
}

func ProvideMarketData(
	cfg *config.Config,
	ops *batch.Operations,
	gen *keys.Generator,
	s *ttl.Strategy,
	store repository.CandleStore,
	upstream repository.DashboardSource,
	limiter *ratelimit.Limiter,
	clock clockwork.Clock,
	l *logger.Logger,
) *usecase.MarketData {
	symbols := append(append([]string{}, cfg.Dashboard.Symbols...), cfg.Warming.CriticalSymbols...)
	opts := []usecase.MarketDataOption{
		usecase.WithSymbols(symbols),
		usecase.WithLimiter(limiter),
		usecase.WithMarketClock(clock),
		usecase.WithMarketLogger(l.With(logger.String("component", "market"))),
	}
	if store != nil {
		opts = append(opts, usecase.WithCandleStore(store))
	}
	if upstream != nil {
		opts = append(opts, usecase.WithDashboardSource(upstream))
	}
	return usecase.NewMarketData(ops, gen, s, opts...)
}

// ProvideWarming creates the warming service, registers the market fetchers and starts
// feeding it accesses.
func ProvideWarming(
	cfg *config.Config,
	ops *batch.Operations,
	gen *keys.Generator,
	s *ttl.Strategy,
	md *usecase.MarketData,
	tracker *usecase.AccessTracker,
	rec *metrics.Recorder,
	clock clockwork.Clock,
	l *logger.Logger,
) *warming.Service {
	w := warming.New(ops, s,
		warming.WithInterval(cfg.Warming.Interval),
		warming.WithWindow(cfg.Warming.Window),
		warming.WithWindowBounds(cfg.Warming.MinWindow, cfg.Warming.MaxWindow),
		warming.WithHotWindow(cfg.Warming.HotWindow),
		warming.WithMinImportance(cfg.Warming.MinImportance),
		warming.WithMaxConcurrent(cfg.Warming.MaxConcurrent),
		warming.WithTuneInterval(cfg.Warming.TuneInterval),
		warming.WithPruneInterval(cfg.Warming.PruneInterval),
		warming.WithRetention(cfg.Warming.Retention),
		warming.WithPeakLead(cfg.Warming.PeakLead),
		warming.WithFetchTimeout(cfg.Warming.FetchTimeout),
		warming.WithMaxPatterns(cfg.Warming.MaxPatterns),
		warming.WithHistorySize(cfg.Warming.HistorySize),
		warming.WithCriticalPaths(md.CriticalKeys),
		warming.WithDependents(gen.DependentKeys),
		warming.WithPruneHook(func() {
			if n := tracker.Sweep(); n > 0 {
				l.Debug("ttl access patterns swept", logger.Int("removed", n))
			}
		}),
		warming.WithLogger(l.With(logger.String("component", "warming"))),
		warming.WithMetrics(rec),
		warming.WithClock(clock),
	)
	md.RegisterFetchers(w)
	tracker.Attach(w)
	return w
}

// ProvideKafkaProducer creates the producer when Kafka is enabled and routes collected
// error logs through it.
func ProvideKafkaProducer(cfg *config.Config, reg *prometheus.Registry, l *logger.Logger) (*pkgkafka.Producer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	producer, err := pkgkafka.NewProducer(
		pkgkafka.WithBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithCompression(cfg.Kafka.Producer.Compression),
		pkgkafka.WithRequiredAcks(cfg.Kafka.Producer.RequiredAcks),
		pkgkafka.WithMaxAttempts(cfg.Kafka.Producer.MaxAttempts),
		pkgkafka.WithBatching(1, cfg.Kafka.Producer.BatchTimeout),
		pkgkafka.WithWriteTimeout(cfg.Kafka.Producer.WriteTimeout),
		pkgkafka.WithProducerMetrics(reg),
		pkgkafka.WithProducerLogger(l.With(logger.String("component", "kafka"))),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka producer: %w", err)
	}

	if cfg.Logger.CollectErrors {
		l.AddCollector(&logger.CollectionConfig{
			TimeInterval:   cfg.Logger.CollectInterval,
			CountThreshold: cfg.Logger.CollectThreshold,
			Topic:          cfg.Kafka.LogTopic,
			Publisher:      producer,
		})
	}
	return producer, nil
}

// ProvideInvalidationBus creates the bus; it only acts locally without a producer.
func ProvideInvalidationBus(
	cfg *config.Config,
	ops *batch.Operations,
	producer *pkgkafka.Producer,
	clock clockwork.Clock,
	l *logger.Logger,
) *usecase.InvalidationBus {
	var pub repository.EventPublisher
	if producer != nil {
		pub = producer
	}
	bus := usecase.NewInvalidationBus(ops, pub, cfg.Kafka.InvalidationTopic, cfg.Server.InstanceID,
		l.With(logger.String("component", "invalidation")), clock)
	l.Info("invalidation bus ready",
		logger.String("origin", bus.Origin()),
		logger.Bool("broadcast", pub != nil),
	)
	return bus
}

// ProvideKafkaConsumer subscribes the bus to invalidations of other instances.
func ProvideKafkaConsumer(
	cfg *config.Config,
	bus *usecase.InvalidationBus,
	reg *prometheus.Registry,
	l *logger.Logger,
) (*pkgkafka.Consumer, error) {
	if !cfg.Kafka.Enabled {
		return nil, nil
	}
	// every instance must see every event, so the group is per instance
	consumer, err := pkgkafka.NewConsumer([]pkgkafka.MessageHandler{bus},
		pkgkafka.WithConsumerBrokers(cfg.Kafka.Brokers),
		pkgkafka.WithConsumerGroupID(cfg.Kafka.Consumer.GroupID+"-"+bus.Origin()),
		pkgkafka.WithConsumerWorkers(cfg.Kafka.Consumer.Workers),
		pkgkafka.WithConsumerBufferSize(cfg.Kafka.Consumer.BufferSize),
		pkgkafka.WithConsumerRetry(cfg.Kafka.Consumer.RetryMax, cfg.Kafka.Consumer.BackoffMin, cfg.Kafka.Consumer.BackoffMax),
		pkgkafka.WithConsumerDLQ(cfg.Kafka.Consumer.DLQTopic),
		pkgkafka.WithConsumerMetrics(reg),
		pkgkafka.WithConsumerLogger(l.With(logger.String("component", "kafka"))),
	)
	if err != nil {
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}
	return consumer, nil
}

// ProvideMarketStream creates the Finnhub trade stream when enabled.
func ProvideMarketStream(cfg *config.Config, clock clockwork.Clock, l *logger.Logger) repository.MarketStream {
	if !cfg.Finnhub.Enabled {
		return nil
	}
	return finnhub.New(finnhub.Config{
		APIKey:         cfg.Finnhub.APIKey,
		WebSocketURL:   cfg.Finnhub.WebSocketURL,
		Symbols:        cfg.Finnhub.Symbols,
		ReconnectDelay: cfg.Finnhub.ReconnectDelay,
		PingInterval:   cfg.Finnhub.PingInterval,
	}, l.With(logger.String("component", "finnhub")), clock)
}

func ProvidePriceWatcher(
	cfg *config.Config,
	stream repository.MarketStream,
	bus *usecase.InvalidationBus,
	clock clockwork.Clock,
	l *logger.Logger,
) *usecase.PriceWatcher {
	if stream == nil {
		return nil
	}
	return usecase.NewPriceWatcher(stream, bus, cfg.Finnhub.PriceThreshold,
		l.With(logger.String("component", "price_watcher")), clock)
}

func ProvideCacheHandler(
	ops *batch.Operations,
	s *ttl.Strategy,
	w *warming.Service,
	bus *usecase.InvalidationBus,
	md *usecase.MarketData,
	watcher *usecase.PriceWatcher,
	l *logger.Logger,
) *api.CacheHandler {
	h := api.NewCacheHandler(ops, s, w, bus, md, l.With(logger.String("component", "api")))
	if watcher != nil {
		h.SetPriceWatcher(watcher)
	}
	return h
}

// ProvideHTTPServer creates the echo server with the API routes and /metrics.
func ProvideHTTPServer(
	cfg *config.Config,
	h *api.CacheHandler,
	reg *prometheus.Registry,
	rec *metrics.Recorder,
	l *logger.Logger,
) *xhttp.Server {
	opts := []xhttp.ServerOption{
		xhttp.WithHost(cfg.Server.Host),
		xhttp.WithPort(cfg.Server.Port),
		xhttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout, cfg.Server.ShutdownTimeout),
		xhttp.WithCORS(cfg.Server.CORS),
		xhttp.WithLogger(l.With(logger.String("component", "http"))),
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, xhttp.WithMetrics(reg, cfg.Metrics.Path, rec.Handler()))
	}
	return xhttp.NewServer([]xhttp.Handler{h}, opts...)
}

// ProvideApp creates the application server.
func ProvideApp(
	cfg *config.Config,
	l *logger.Logger,
	srv *xhttp.Server,
	ops *batch.Operations,
	w *warming.Service,
	consumer *pkgkafka.Consumer,
	watcher *usecase.PriceWatcher,
	producer *pkgkafka.Producer,
	ch *pkgch.Client,
) *server.App {
	return server.New(cfg, l, srv, ops, w,
		server.WithConsumer(consumer),
		server.WithPriceWatcher(watcher),
		server.WithProducer(producer),
		server.WithClickHouse(ch),
	)
}
