package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"MarketCache/internal/usecase"
	"MarketCache/pkg/cache/batch"
	"MarketCache/pkg/cache/warming"
	pkgch "MarketCache/pkg/clickhouse"
	"MarketCache/pkg/config"
	pkgkafka "MarketCache/pkg/kafka"
	applogger "MarketCache/pkg/logger"
)

// HTTPServer is the part of pkg/http.Server the application drives.
type HTTPServer interface {
	Start() error
	Stop(ctx context.Context) error
	Err() <-chan error
}

// App encapsulates the entire application lifecycle.
type App struct {
	cfg      *config.Config
	l        *applogger.Logger
	http     HTTPServer
	ops      *batch.Operations
	warm     *warming.Service
	consumer *pkgkafka.Consumer
	watcher  *usecase.PriceWatcher
	producer *pkgkafka.Producer
	chClient *pkgch.Client

	watching bool
}

type Option func(*App)

// WithConsumer starts c with the application; nil leaves invalidations local.
func WithConsumer(c *pkgkafka.Consumer) Option {
	return func(a *App) { a.consumer = c }
}

func WithPriceWatcher(w *usecase.PriceWatcher) Option {
	return func(a *App) { a.watcher = w }
}

// WithProducer closes p on shutdown.
func WithProducer(p *pkgkafka.Producer) Option {
	return func(a *App) { a.producer = p }
}

// WithClickHouse closes c on shutdown.
func WithClickHouse(c *pkgch.Client) Option {
	return func(a *App) { a.chClient = c }
}

// New creates a new App instance with all dependencies.
func New(
	cfg *config.Config,
	l *applogger.Logger,
	http HTTPServer,
	ops *batch.Operations,
	warm *warming.Service,
	opts ...Option,
) *App {
	if l == nil {
		l = applogger.Nop()
	}
	a := &App{cfg: cfg, l: l, http: http, ops: ops, warm: warm}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts the application and blocks until interrupted or the HTTP server fails.
func (a *App) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		_ = a.Shutdown(context.Background())
		return err
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.l.Info("shutdown signal received")
	case runErr = <-a.http.Err():
		a.l.Error("http server failed", applogger.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return errors.Join(runErr, a.Shutdown(shutdownCtx))
}

// Start brings up warming, the invalidation consumer, the price watcher and HTTP, in that order.
func (a *App) Start(ctx context.Context) error {
	if a.warm != nil && a.cfg.Warming.Enabled {
		if a.cfg.Warming.WarmOnStart {
			a.warm.WarmCriticalPaths(ctx)
		}
		a.warm.Start(ctx)
	}

	if a.consumer != nil {
		if err := a.consumer.Start(ctx); err != nil {
			return fmt.Errorf("start kafka consumer: %w", err)
		}
	}

	if a.watcher != nil {
		if err := a.watcher.Start(ctx); err != nil {
			// cache keeps serving on TTLs alone
			a.l.Error("price watcher not started", applogger.Error(err))
		} else {
			a.watching = true
			a.l.Info("price watcher started", applogger.Strings("symbols", a.cfg.Finnhub.Symbols))
		}
	}

	if err := a.http.Start(); err != nil {
		return fmt.Errorf("start http server: %w", err)
	}
	a.l.Info("application started",
		applogger.String("backend", a.cfg.Cache.Backend),
		applogger.Bool("warming", a.cfg.Warming.Enabled),
		applogger.Bool("broadcast", a.producer != nil),
	)
	return nil
}

// Shutdown stops everything Start brought up in reverse order and closes the clients.
func (a *App) Shutdown(ctx context.Context) error {
	a.l.Info("shutting down...")
	var errs []error

	if err := a.http.Stop(ctx); err != nil {
		errs = append(errs, err)
		a.l.Error("http shutdown error", applogger.Error(err))
	}

	if a.watching {
		if err := a.watcher.Stop(ctx); err != nil {
			errs = append(errs, err)
			a.l.Warn("price watcher stop error", applogger.Error(err))
		}
		a.watching = false
	}

	if a.consumer != nil {
		if err := a.consumer.Stop(ctx); err != nil {
			errs = append(errs, err)
			a.l.Warn("kafka consumer stop error", applogger.Error(err))
		}
	}

	if a.warm != nil {
		a.warm.Stop()
	}

	// flush collected logs while the producer is still open
	a.l.RemoveCollector()
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			errs = append(errs, err)
			a.l.Warn("kafka producer close error", applogger.Error(err))
		}
	}

	if a.chClient != nil {
		if err := a.chClient.Close(); err != nil {
			errs = append(errs, err)
			a.l.Warn("clickhouse close error", applogger.Error(err))
		}
	}

	if c, ok := a.ops.Backend().(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
			a.l.Warn("cache backend close error", applogger.Error(err))
		}
	}

	a.l.Info("shutdown complete")
	return errors.Join(errs...)
}
