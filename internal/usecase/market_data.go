package usecase

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"MarketCache/internal/domain/models"
	domrepo "MarketCache/internal/domain/repository"
	"MarketCache/internal/service/ratelimit"
	"MarketCache/pkg/cache"
	"MarketCache/pkg/cache/batch"
	"MarketCache/pkg/cache/keys"
	"MarketCache/pkg/cache/ttl"
	"MarketCache/pkg/cache/warming"
	"MarketCache/pkg/logger"
)

var (
	ErrUnavailable = errors.New("market data unavailable")
	ErrNoSource    = errors.New("no data source configured")
	ErrRateLimited = errors.New("upstream rate limited")
)

const (
	defaultTopLimit = 10
	tickerLookback  = 24 // hourly candles
	fanOutLimit     = 8
)

// Key prefixes served by MarketData.
const (
	PrefixOHLCV     = "market:ohlcv"
	PrefixTicker    = "market:ticker"
	PrefixOverview  = "market:overview"
	PrefixTop       = "symbols:top"
	PrefixDashboard = "dashboard:data"
)

// MarketData serves market resources read-through the cache. Every accessor
// reports ErrUnavailable when the value is neither cached nor computable.
type MarketData struct {
	ops      *batch.Operations
	keys     *keys.Generator
	ttls     *ttl.Strategy
	candles  domrepo.CandleStore
	upstream domrepo.DashboardSource
	limiter  *ratelimit.Limiter
	symbols  []string
	clock    clockwork.Clock
	l        *logger.Logger
}

type MarketDataOption func(*MarketData)

func WithCandleStore(s domrepo.CandleStore) MarketDataOption {
	return func(m *MarketData) { m.candles = s }
}

// WithDashboardSource serves dashboard and overview from an upstream instead of assembling them.
func WithDashboardSource(s domrepo.DashboardSource) MarketDataOption {
	return func(m *MarketData) { m.upstream = s }
}

func WithLimiter(l *ratelimit.Limiter) MarketDataOption {
	return func(m *MarketData) { m.limiter = l }
}

// WithSymbols sets the symbols making up the market overview.
func WithSymbols(symbols []string) MarketDataOption {
	return func(m *MarketData) {
		m.symbols = m.symbols[:0]
		seen := map[string]struct{}{}
		for _, s := range symbols {
			n := keys.NormalizeSymbol(s)
			if _, dup := seen[n]; dup || n == "_" {
				continue
			}
			seen[n] = struct{}{}
			m.symbols = append(m.symbols, n)
		}
	}
}

func WithMarketLogger(l *logger.Logger) MarketDataOption {
	return func(m *MarketData) {
		if l != nil {
			m.l = l
		}
	}
}

func WithMarketClock(c clockwork.Clock) MarketDataOption {
	return func(m *MarketData) {
		if c != nil {
			m.clock = c
		}
	}
}

func NewMarketData(ops *batch.Operations, gen *keys.Generator, ttls *ttl.Strategy, opts ...MarketDataOption) *MarketData {
	m := &MarketData{
		ops:   ops,
		keys:  gen,
		ttls:  ttls,
		clock: clockwork.NewRealClock(),
		l:     logger.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Symbols returns the normalised overview symbols.
func (m *MarketData) Symbols() []string {
	return append([]string(nil), m.symbols...)
}

func (m *MarketData) Candles(ctx context.Context, symbol string, tf domrepo.Timeframe, limit int) ([]models.Candle, error) {
	return read[[]models.Candle](ctx, m, m.keys.OHLCV(symbol, string(tf), limit), func(ctx context.Context) (any, error) {
		return m.loadCandles(ctx, symbol, tf, limit)
	})
}

func (m *MarketData) Ticker(ctx context.Context, symbol string) (*models.Ticker, error) {
	t, err := read[models.Ticker](ctx, m, m.keys.MarketTicker(symbol), func(ctx context.Context) (any, error) {
		return m.loadTicker(ctx, symbol)
	})
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (m *MarketData) MarketOverview(ctx context.Context) (*models.MarketOverview, error) {
	o, err := read[models.MarketOverview](ctx, m, m.keys.MarketOverview(), m.loadOverview)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// TopSymbols returns the limit most traded tickers of the overview.
func (m *MarketData) TopSymbols(ctx context.Context, limit int) ([]models.Ticker, error) {
	return read[[]models.Ticker](ctx, m, m.keys.TopSymbols(limit), func(ctx context.Context) (any, error) {
		return m.loadTop(ctx, limit)
	})
}

func (m *MarketData) Dashboard(ctx context.Context) (*models.DashboardData, error) {
	d, err := read[models.DashboardData](ctx, m, m.keys.DashboardData(), m.loadDashboard)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// CriticalKeys lists the keys warmed at startup and on demand.
func (m *MarketData) CriticalKeys() []string {
	out := []string{
		m.keys.DashboardData(),
		m.keys.MarketOverview(),
		m.keys.TopSymbols(defaultTopLimit),
	}
	for _, s := range m.symbols {
		out = append(out, m.keys.MarketTicker(s))
	}
	return out
}

// SourceHealth reports the configured origins. Candle store errors are reported, not returned.
func (m *MarketData) SourceHealth(ctx context.Context) map[string]string {
	out := map[string]string{}
	if m.candles != nil {
		out["candles"] = "ok"
		if err := m.candles.Health(ctx); err != nil {
			out["candles"] = err.Error()
		}
	}
	if m.upstream != nil {
		out["dashboard"] = "configured"
	}
	return out
}

// RegisterFetchers lets the warming service recompute every resource served here.
// Parameters are recovered from the key itself.
func (m *MarketData) RegisterFetchers(w *warming.Service) {
	w.RegisterFetcher(PrefixOHLCV, func(ctx context.Context, key string) (any, error) {
		p, err := parseKey(key, 3)
		if err != nil {
			return nil, err
		}
		limit, err := strconv.Atoi(p.Discriminators[2])
		if err != nil {
			return nil, fmt.Errorf("ohlcv limit in %q: %w", key, err)
		}
		return m.loadCandles(ctx, p.Discriminators[0], domrepo.Timeframe(p.Discriminators[1]), limit)
	})
	w.RegisterFetcher(PrefixTicker, func(ctx context.Context, key string) (any, error) {
		p, err := parseKey(key, 1)
		if err != nil {
			return nil, err
		}
		return m.loadTicker(ctx, p.Discriminators[0])
	})
	w.RegisterFetcher(PrefixOverview, func(ctx context.Context, _ string) (any, error) {
		return m.loadOverview(ctx)
	})
	w.RegisterFetcher(PrefixTop, func(ctx context.Context, key string) (any, error) {
		p, err := parseKey(key, 1)
		if err != nil {
			return nil, err
		}
		limit, err := strconv.Atoi(p.Discriminators[0])
		if err != nil {
			return nil, fmt.Errorf("top limit in %q: %w", key, err)
		}
		return m.loadTop(ctx, limit)
	})
	w.RegisterFetcher(PrefixDashboard, func(ctx context.Context, _ string) (any, error) {
		return m.loadDashboard(ctx)
	})
}

func read[T any](ctx context.Context, m *MarketData, key string, compute batch.ComputeFunc) (T, error) {
	var zero T
	d := ttlOf(m.ttls, key)
	v, ok := m.ops.GetOrCompute(ctx, key, compute, d)
	if !ok {
		return zero, fmt.Errorf("%s: %w", key, ErrUnavailable)
	}
	out, err := cache.Decode[T](v)
	if err != nil {
		m.l.Warn("cached value has unexpected shape", logger.String("key", key), logger.Error(err))
		return zero, fmt.Errorf("%s: %w", key, ErrUnavailable)
	}
	return out, nil
}

func ttlOf(s *ttl.Strategy, key string) (d time.Duration) {
	if s == nil {
		return 0
	}
	return s.TTL(key, ttl.Hint{})
}

func (m *MarketData) allow(resource string) error {
	if m.limiter != nil && !m.limiter.Allow(resource) {
		return fmt.Errorf("%s: %w", resource, ErrRateLimited)
	}
	return nil
}

func (m *MarketData) loadCandles(ctx context.Context, symbol string, tf domrepo.Timeframe, limit int) ([]models.Candle, error) {
	if m.candles == nil {
		return nil, ErrNoSource
	}
	if err := m.allow(PrefixOHLCV); err != nil {
		return nil, err
	}
	return m.candles.LatestCandles(ctx, keys.NormalizeSymbol(symbol), tf, limit)
}

func (m *MarketData) loadTicker(ctx context.Context, symbol string) (models.Ticker, error) {
	sym := keys.NormalizeSymbol(symbol)
	if m.candles == nil {
		return models.Ticker{}, ErrNoSource
	}
	if err := m.allow(PrefixTicker); err != nil {
		return models.Ticker{}, err
	}
	cs, err := m.candles.LatestCandles(ctx, sym, domrepo.TF1h, tickerLookback)
	if err != nil {
		return models.Ticker{}, err
	}
	if len(cs) == 0 {
		return models.Ticker{}, fmt.Errorf("no candles for %s", sym)
	}
	return tickerFromCandles(sym, cs), nil
}

func (m *MarketData) loadOverview(ctx context.Context) (any, error) {
	if m.upstream != nil {
		if err := m.allow(PrefixOverview); err != nil {
			return nil, err
		}
		return m.upstream.MarketOverview(ctx)
	}
	if len(m.symbols) == 0 {
		return nil, ErrNoSource
	}

	tickers := make([]*models.Ticker, len(m.symbols))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fanOutLimit)
	for i, s := range m.symbols {
		g.Go(func() error {
			t, err := m.Ticker(gctx, s)
			if err != nil {
				m.l.Debug("overview ticker unavailable", logger.String("symbol", s), logger.Error(err))
				return nil
			}
			tickers[i] = t
			return nil
		})
	}
	_ = g.Wait()

	o := models.MarketOverview{GeneratedAt: m.clock.Now().UTC()}
	for _, t := range tickers {
		if t == nil {
			continue
		}
		o.Tickers = append(o.Tickers, *t)
		o.TotalVolume += t.Volume
		switch {
		case t.Change > 0:
			o.Advancers++
		case t.Change < 0:
			o.Decliners++
		}
	}
	if len(o.Tickers) == 0 {
		return nil, fmt.Errorf("overview: %w", ErrUnavailable)
	}
	return &o, nil
}

func (m *MarketData) loadTop(ctx context.Context, limit int) ([]models.Ticker, error) {
	o, err := m.MarketOverview(ctx)
	if err != nil {
		return nil, err
	}
	top := append([]models.Ticker(nil), o.Tickers...)
	sort.SliceStable(top, func(i, j int) bool { return top[i].Volume > top[j].Volume })
	if limit > 0 && len(top) > limit {
		top = top[:limit]
	}
	return top, nil
}

func (m *MarketData) loadDashboard(ctx context.Context) (any, error) {
	if m.upstream != nil {
		if err := m.allow(PrefixDashboard); err != nil {
			return nil, err
		}
		d, err := m.upstream.Dashboard(ctx)
		if err != nil {
			return nil, err
		}
		// the embedded overview is as fresh as the dashboard
		if len(d.Overview.Tickers) > 0 {
			m.ops.WarmCache(ctx, map[string]any{m.keys.MarketOverview(): &d.Overview})
		}
		return d, nil
	}

	var (
		mu  sync.Mutex
		out = models.DashboardData{GeneratedAt: m.clock.Now().UTC()}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		o, err := m.MarketOverview(gctx)
		if err != nil {
			return err
		}
		mu.Lock()
		out.Overview = *o
		mu.Unlock()
		return nil
	})
	g.Go(func() error {
		top, err := m.TopSymbols(gctx, defaultTopLimit)
		if err != nil {
			return err
		}
		mu.Lock()
		out.TopSymbols = top
		mu.Unlock()
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return &out, nil
}

// tickerFromCandles summarises ascending candles: last close, change since the first open, summed volume.
func tickerFromCandles(symbol string, cs []models.Candle) models.Ticker {
	first, last := cs[0], cs[len(cs)-1]
	t := models.Ticker{Symbol: symbol, Price: last.Close, UpdatedAt: last.Bucket}
	if first.Open > 0 {
		t.Change = (last.Close - first.Open) / first.Open
	}
	for _, c := range cs {
		t.Volume += c.Volume
	}
	return t
}

func parseKey(key string, discriminators int) (keys.Parts, error) {
	p, ok := keys.Parse(key)
	if !ok || len(p.Discriminators) < discriminators {
		return keys.Parts{}, fmt.Errorf("malformed key %q", key)
	}
	return p, nil
}
