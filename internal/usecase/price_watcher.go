package usecase

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"MarketCache/internal/domain/models"
	domrepo "MarketCache/internal/domain/repository"
	"MarketCache/pkg/cache/keys"
	"MarketCache/pkg/logger"
)

// Invalidator removes cached keys.
type Invalidator interface {
	Invalidate(ctx context.Context, target, mode, reason string) (int, error)
}

// PriceWatcher invalidates a symbol's market keys when its traded price moves more
// than a relative threshold away from the price at the previous invalidation.
type PriceWatcher struct {
	stream    domrepo.MarketStream
	inv       Invalidator
	threshold float64
	clock     clockwork.Clock
	l         *logger.Logger

	mu   sync.Mutex
	last map[string]float64

	trades        atomic.Int64
	invalidations atomic.Int64

	cancel context.CancelFunc
	done   chan struct{}
}

func NewPriceWatcher(stream domrepo.MarketStream, inv Invalidator, threshold float64, l *logger.Logger, clock clockwork.Clock) *PriceWatcher {
	if l == nil {
		l = logger.Nop()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &PriceWatcher{
		stream:    stream,
		inv:       inv,
		threshold: threshold,
		clock:     clock,
		l:         l,
		last:      make(map[string]float64),
	}
}

// Start connects the stream and watches it in the background until Stop.
func (w *PriceWatcher) Start(ctx context.Context) error {
	if err := w.stream.Connect(ctx); err != nil {
		return err
	}
	if err := w.stream.Subscribe(ctx); err != nil {
		_ = w.stream.Close()
		return err
	}
	ctx, w.cancel = context.WithCancel(context.WithoutCancel(ctx))
	w.done = make(chan struct{})
	go w.run(ctx)
	return nil
}

// Stop ends the watch loop and closes the stream.
func (w *PriceWatcher) Stop(ctx context.Context) error {
	if w.cancel == nil {
		return nil
	}
	w.cancel()
	select {
	case <-w.done:
	case <-ctx.Done():
		return fmt.Errorf("price watcher stop: %w", ctx.Err())
	}
	return w.stream.Close()
}

func (w *PriceWatcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		err := w.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		w.l.Warn("market stream interrupted", logger.Error(err))
		for {
			if rerr := w.stream.Reconnect(ctx); rerr == nil {
				break
			} else if ctx.Err() != nil {
				return
			} else {
				w.l.Warn("market stream reconnect failed", logger.Error(rerr))
			}
		}
	}
}

// consume drains one Read session and returns why it ended.
func (w *PriceWatcher) consume(ctx context.Context) error {
	trades, errs := w.stream.Read(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-errs:
			if ok && err != nil {
				return err
			}
			errs = nil
		case t, ok := <-trades:
			if !ok {
				return fmt.Errorf("market stream closed")
			}
			w.Observe(ctx, t)
		}
	}
}

// Observe processes one trade and reports whether it triggered an invalidation.
// The first trade of a symbol only sets its reference price.
func (w *PriceWatcher) Observe(ctx context.Context, t models.Trade) bool {
	if t.Price <= 0 {
		return false
	}
	w.trades.Add(1)
	sym := keys.NormalizeSymbol(t.Symbol)

	w.mu.Lock()
	ref, seen := w.last[sym]
	moved := seen && math.Abs(t.Price-ref)/ref >= w.threshold
	if !seen || moved {
		w.last[sym] = t.Price
	}
	w.mu.Unlock()

	if !moved {
		return false
	}

	target := PrefixTicker + ":" + sym
	start := w.clock.Now()
	n, err := w.inv.Invalidate(ctx, target, models.InvalidatePrefix, "price_move")
	if err != nil {
		w.l.Warn("price invalidation incomplete",
			logger.String("symbol", sym),
			logger.Int("deleted", n),
			logger.Error(err),
		)
	}
	w.invalidations.Add(1)
	w.l.Debug("price moved, market keys invalidated",
		logger.String("symbol", sym),
		logger.Float64("from", ref),
		logger.Float64("to", t.Price),
		logger.Int("deleted", n),
		logger.Duration("duration_ms", w.clock.Since(start)),
	)
	return true
}

// PriceWatcherStats is a snapshot of watcher counters.
type PriceWatcherStats struct {
	Connected     bool  `json:"connected"`
	Trades        int64 `json:"trades"`
	Invalidations int64 `json:"invalidations"`
	Symbols       int   `json:"symbols"`
}

func (w *PriceWatcher) Stats() PriceWatcherStats {
	w.mu.Lock()
	n := len(w.last)
	w.mu.Unlock()
	return PriceWatcherStats{
		Connected:     w.stream != nil && w.stream.IsConnected(),
		Trades:        w.trades.Load(),
		Invalidations: w.invalidations.Load(),
		Symbols:       n,
	}
}

