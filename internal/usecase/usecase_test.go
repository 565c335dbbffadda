package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketCache/internal/domain/models"
	domrepo "MarketCache/internal/domain/repository"
	"MarketCache/internal/service/ratelimit"
	"MarketCache/pkg/cache"
	"MarketCache/pkg/cache/batch"
	"MarketCache/pkg/cache/catalog"
	"MarketCache/pkg/cache/keys"
	"MarketCache/pkg/cache/ttl"
	"MarketCache/pkg/cache/warming"
	"MarketCache/pkg/kafka"
)

var epoch = time.Date(2025, 3, 4, 3, 0, 0, 0, time.UTC)

type fakeCandles struct {
	mu    sync.Mutex
	data  map[string][]models.Candle
	calls map[string]int
	err   error
}

func newFakeCandles() *fakeCandles {
	bar := func(sym string, h int, open, close, vol float64) models.Candle {
		return models.Candle{Symbol: sym, Bucket: epoch.Add(time.Duration(h) * time.Hour), Open: open, Close: close, Volume: vol}
	}
	return &fakeCandles{
		calls: map[string]int{},
		data: map[string][]models.Candle{
			"BTCUSDT": {
				bar("BTCUSDT", -3, 60000, 61000, 10),
				bar("BTCUSDT", -2, 61000, 62000, 20),
				bar("BTCUSDT", -1, 62000, 63000, 30),
			},
			"ETHUSDT": {
				bar("ETHUSDT", -2, 3000, 2950, 100),
				bar("ETHUSDT", -1, 2950, 2900, 200),
			},
		},
	}
}

func (f *fakeCandles) LatestCandles(_ context.Context, symbol string, _ domrepo.Timeframe, n int) ([]models.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[symbol]++
	if f.err != nil {
		return nil, f.err
	}
	cs := f.data[symbol]
	if len(cs) > n {
		cs = cs[len(cs)-n:]
	}
	return append([]models.Candle(nil), cs...), nil
}

func (f *fakeCandles) Health(context.Context) error { return nil }

func (f *fakeCandles) count(symbol string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[symbol]
}

type fakeUpstream struct{}

func (fakeUpstream) Dashboard(context.Context) (*models.DashboardData, error) {
	return &models.DashboardData{TopSymbols: []models.Ticker{{Symbol: "SOLUSDT", Price: 150}}}, nil
}

func (fakeUpstream) MarketOverview(context.Context) (*models.MarketOverview, error) {
	return &models.MarketOverview{Advancers: 7}, nil
}

// dashboardUpstream embeds an overview in the dashboard and counts overview calls.
type dashboardUpstream struct {
	mu        sync.Mutex
	overviews int
}

func (u *dashboardUpstream) Dashboard(context.Context) (*models.DashboardData, error) {
	return &models.DashboardData{
		Overview: models.MarketOverview{
			Tickers:   []models.Ticker{{Symbol: "BTCUSDT", Price: 61000, Change: 0.01}},
			Advancers: 1,
		},
	}, nil
}

func (u *dashboardUpstream) MarketOverview(context.Context) (*models.MarketOverview, error) {
	u.mu.Lock()
	u.overviews++
	u.mu.Unlock()
	return &models.MarketOverview{Advancers: 9}, nil
}

type env struct {
	clock    *clockwork.FakeClock
	gen      *keys.Generator
	strategy *ttl.Strategy
	tracker  *AccessTracker
	backend  *cache.MemoryBackend
	ops      *batch.Operations
	store    *fakeCandles
}

func newEnv(t *testing.T) *env {
	t.Helper()
	clock := clockwork.NewFakeClockAt(epoch)
	cat := catalog.Default()
	e := &env{
		clock:    clock,
		gen:      keys.New(cat, keys.WithClock(clock)),
		strategy: ttl.NewStrategy(cat, ttl.WithClock(clock)),
		backend:  cache.NewMemoryBackend(cache.WithMemoryClock(clock), cache.WithMemoryCleanup(0)),
		store:    newFakeCandles(),
	}
	t.Cleanup(func() { _ = e.backend.Close() })
	e.tracker = NewAccessTracker(e.strategy)
	e.ops = batch.New(e.backend, e.gen, batch.WithClock(clock), batch.WithObservers(e.tracker.Observe))
	return e
}

func (e *env) marketData(opts ...MarketDataOption) *MarketData {
	base := []MarketDataOption{
		WithCandleStore(e.store),
		WithSymbols([]string{"btcusdt", "ETHUSDT", "BTCUSDT"}),
		WithMarketClock(e.clock),
	}
	return NewMarketData(e.ops, e.gen, e.strategy, append(base, opts...)...)
}

func TestCandlesReadThrough(t *testing.T) {
	e := newEnv(t)
	md := e.marketData()
	ctx := context.Background()

	cs, err := md.Candles(ctx, "btcusdt", domrepo.TF1h, 2)
	require.NoError(t, err)
	require.Len(t, cs, 2)
	assert.Equal(t, 63000.0, cs[1].Close)

	cs, err = md.Candles(ctx, "BTCUSDT", domrepo.TF1h, 2)
	require.NoError(t, err)
	assert.Len(t, cs, 2)
	assert.Equal(t, 1, e.store.count("BTCUSDT"))
}

func TestOverviewTopAndDashboard(t *testing.T) {
	e := newEnv(t)
	md := e.marketData()
	ctx := context.Background()
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, md.Symbols())

	btc, err := md.Ticker(ctx, "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 63000.0, btc.Price)
	assert.InDelta(t, 0.05, btc.Change, 1e-9)
	assert.Equal(t, 60.0, btc.Volume)

	o, err := md.MarketOverview(ctx)
	require.NoError(t, err)
	require.Len(t, o.Tickers, 2)
	assert.Equal(t, 1, o.Advancers)
	assert.Equal(t, 1, o.Decliners)
	assert.Equal(t, 360.0, o.TotalVolume)

	top, err := md.TopSymbols(ctx, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "ETHUSDT", top[0].Symbol)

	d, err := md.Dashboard(ctx)
	require.NoError(t, err)
	assert.Len(t, d.Overview.Tickers, 2)
	require.Len(t, d.TopSymbols, 2)
	assert.Equal(t, "ETHUSDT", d.TopSymbols[0].Symbol)

	assert.Equal(t, 1, e.store.count("BTCUSDT"))
	assert.Equal(t, 1, e.store.count("ETHUSDT"))
}

func TestUpstreamPreferred(t *testing.T) {
	e := newEnv(t)
	md := e.marketData(WithDashboardSource(fakeUpstream{}))
	ctx := context.Background()

	d, err := md.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, "SOLUSDT", d.TopSymbols[0].Symbol)

	o, err := md.MarketOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, o.Advancers)
	assert.Zero(t, e.store.count("BTCUSDT"))
}

func TestUpstreamDashboardWarmsOverview(t *testing.T) {
	e := newEnv(t)
	up := &dashboardUpstream{}
	md := e.marketData(WithDashboardSource(up))
	ctx := context.Background()

	_, err := md.Dashboard(ctx)
	require.NoError(t, err)

	o, err := md.MarketOverview(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, o.Advancers)
	require.Len(t, o.Tickers, 1)
	assert.Zero(t, up.overviews)
}

func TestUnavailable(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	bare := NewMarketData(e.ops, e.gen, e.strategy)
	_, err := bare.Candles(ctx, "BTCUSDT", domrepo.TF1m, 10)
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = bare.Dashboard(ctx)
	assert.ErrorIs(t, err, ErrUnavailable)

	e.store.err = errors.New("clickhouse down")
	md := e.marketData()
	_, err = md.Ticker(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, ErrUnavailable)
	_, err = md.Ticker(ctx, "BTCUSDT")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 2, e.store.count("BTCUSDT"), "failures are not cached")
}

func TestRateLimited(t *testing.T) {
	e := newEnv(t)
	md := e.marketData(WithLimiter(ratelimit.New(0, 1, ratelimit.WithClock(e.clock))))
	ctx := context.Background()

	_, err := md.Candles(ctx, "BTCUSDT", domrepo.TF1h, 2)
	require.NoError(t, err)
	_, err = md.Candles(ctx, "BTCUSDT", domrepo.TF1h, 3)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Equal(t, 1, e.store.count("BTCUSDT"))
}

func TestRegisterFetchers(t *testing.T) {
	e := newEnv(t)
	md := e.marketData()
	svc := warming.New(e.ops, e.strategy, warming.WithClock(e.clock), warming.WithCriticalPaths(md.CriticalKeys))
	md.RegisterFetchers(svc)
	ctx := context.Background()

	ohlcv := e.gen.OHLCV("BTCUSDT", "1h", 2)
	assert.Equal(t, map[string]bool{ohlcv: true}, svc.ManualWarm(ctx, []string{ohlcv}))
	cs, err := md.Candles(ctx, "BTCUSDT", domrepo.TF1h, 2)
	require.NoError(t, err)
	assert.Len(t, cs, 2)
	assert.Equal(t, 1, e.store.count("BTCUSDT"))

	ticker := e.gen.MarketTicker("ETHUSDT")
	res := svc.ManualWarm(ctx, []string{ticker, "market:ohlcv:BTCUSDT"})
	assert.True(t, res[ticker])
	assert.False(t, res["market:ohlcv:BTCUSDT"])

	dash := e.gen.DashboardData()
	assert.True(t, svc.ManualWarm(ctx, []string{dash})[dash])
	calls := e.store.count("BTCUSDT") + e.store.count("ETHUSDT")
	d, err := md.Dashboard(ctx)
	require.NoError(t, err)
	assert.Len(t, d.Overview.Tickers, 2)
	assert.Equal(t, calls, e.store.count("BTCUSDT")+e.store.count("ETHUSDT"))

	critical := svc.WarmCriticalPaths(ctx)
	assert.Len(t, critical, 5)
	for k, ok := range critical {
		assert.True(t, ok, k)
	}
}

func TestAccessTracker(t *testing.T) {
	e := newEnv(t)
	md := e.marketData()
	svc := warming.New(e.ops, e.strategy, warming.WithClock(e.clock))
	e.tracker.Attach(svc)

	_, err := md.Candles(context.Background(), "BTCUSDT", domrepo.TF1h, 2)
	require.NoError(t, err)

	key := e.gen.OHLCV("BTCUSDT", "1h", 2)
	p, ok := e.strategy.Pattern(key)
	require.True(t, ok)
	assert.Equal(t, 1, p.Samples)
	_, ok = svc.HitRate(key)
	assert.True(t, ok)

	assert.Zero(t, e.tracker.Sweep())
	e.clock.Advance(25 * time.Hour)
	assert.Equal(t, 1, e.tracker.Sweep())
	_, ok = e.strategy.Pattern(key)
	assert.False(t, ok)
}

type fakePublisher struct {
	mu     sync.Mutex
	topics []string
	events []models.InvalidationEvent
	err    error
}

func (p *fakePublisher) PublishMessage(_ context.Context, topic string, payload interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.events = append(p.events, payload.(models.InvalidationEvent))
	return nil
}

func delivery(t *testing.T, ev models.InvalidationEvent) kafka.Delivery {
	t.Helper()
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	return kafka.Delivery{Topic: "cache.invalidations", Value: b}
}

func TestInvalidationBus(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	pub := &fakePublisher{}
	bus := NewInvalidationBus(e.ops, pub, "cache.invalidations", "node-a", nil, e.clock)
	assert.Equal(t, "cache.invalidations", bus.Topic())

	ticker, overview, dash, top := e.gen.MarketTicker("BTCUSDT"), e.gen.MarketOverview(), e.gen.DashboardData(), e.gen.TopSymbols(10)
	e.ops.MultiSet(ctx, map[string]any{ticker: 1, overview: 2, dash: 3, top: 4}, time.Minute)

	n, err := bus.Invalidate(ctx, "market:ticker:BTCUSDT", models.InvalidatePrefix, "test")
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, map[string]any{top: 4}, e.ops.MultiGet(ctx, []string{ticker, overview, dash, top}))

	require.Len(t, pub.events, 1)
	ev := pub.events[0]
	assert.Equal(t, "cache.invalidations", pub.topics[0])
	assert.Equal(t, "node-a", ev.Origin)
	assert.Equal(t, models.InvalidatePrefix, ev.Mode)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, epoch, ev.At)

	// own events are ignored
	require.NoError(t, bus.Handle(ctx, delivery(t, models.InvalidationEvent{Origin: "node-a", Target: top})))
	assert.Len(t, e.ops.MultiGet(ctx, []string{top}), 1)

	require.NoError(t, bus.Handle(ctx, delivery(t, models.InvalidationEvent{
		ID: "e1", Origin: "node-b", Target: top, Mode: models.InvalidatePattern,
	})))
	assert.Empty(t, e.ops.MultiGet(ctx, []string{top}))

	assert.Error(t, bus.Handle(ctx, kafka.Delivery{Value: []byte("{")}))
	assert.Error(t, bus.Handle(ctx, delivery(t, models.InvalidationEvent{Origin: "node-b", Target: top, Mode: "all"})))
	assert.Error(t, bus.Handle(ctx, delivery(t, models.InvalidationEvent{Origin: "node-b"})))
}

func TestInvalidationBusPublishFailure(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	bus := NewInvalidationBus(e.ops, &fakePublisher{err: errors.New("broker down")}, "t", "", nil, e.clock)
	assert.NotEmpty(t, bus.Origin())

	key := e.gen.TopSymbols(5)
	e.ops.MultiSet(ctx, map[string]any{key: 1}, time.Minute)
	n, err := bus.Invalidate(ctx, key, models.InvalidatePattern, "")
	assert.Equal(t, 1, n)
	assert.ErrorIs(t, err, ErrBroadcast)
	assert.ErrorContains(t, err, "broker down")

	local := NewInvalidationBus(e.ops, nil, "t", "n", nil, e.clock)
	n, err = local.Invalidate(ctx, key, models.InvalidatePattern, "")
	assert.NoError(t, err)
	assert.Zero(t, n)
}

type fakeInvalidator struct {
	mu      sync.Mutex
	targets []string
}

func (f *fakeInvalidator) Invalidate(_ context.Context, target, mode, _ string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.targets = append(f.targets, target+"|"+mode)
	return 1, nil
}

func (f *fakeInvalidator) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.targets...)
}

func TestPriceWatcherObserve(t *testing.T) {
	inv := &fakeInvalidator{}
	w := NewPriceWatcher(&fakeStream{}, inv, 0.002, nil, nil)
	ctx := context.Background()

	trade := func(sym string, p float64) models.Trade { return models.Trade{Symbol: sym, Price: p} }
	assert.False(t, w.Observe(ctx, trade("BTCUSDT", 100)))
	assert.False(t, w.Observe(ctx, trade("BTCUSDT", 100.1)))
	assert.True(t, w.Observe(ctx, trade("BTCUSDT", 100.25)))
	assert.False(t, w.Observe(ctx, trade("BTCUSDT", 100.3)))
	assert.True(t, w.Observe(ctx, trade("btcusdt", 99.9)))
	assert.False(t, w.Observe(ctx, trade("ETHUSDT", 3000)))
	assert.False(t, w.Observe(ctx, trade("ETHUSDT", 0)))

	assert.Equal(t, []string{"market:ticker:BTCUSDT|prefix", "market:ticker:BTCUSDT|prefix"}, inv.seen())
	st := w.Stats()
	assert.EqualValues(t, 6, st.Trades)
	assert.EqualValues(t, 2, st.Invalidations)
	assert.Equal(t, 2, st.Symbols)
}

type fakeStream struct {
	mu         sync.Mutex
	sessions   [][]models.Trade
	reconnects int
	connected  bool
	closed     bool
}

func (s *fakeStream) Connect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *fakeStream) Subscribe(context.Context) error { return nil }

func (s *fakeStream) Read(context.Context) (<-chan models.Trade, <-chan error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) == 0 {
		return make(chan models.Trade), make(chan error)
	}
	trades := make(chan models.Trade, len(s.sessions[0]))
	for _, t := range s.sessions[0] {
		trades <- t
	}
	close(trades)
	s.sessions = s.sessions[1:]
	errs := make(chan error)
	close(errs)
	return trades, errs
}

func (s *fakeStream) Reconnect(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reconnects++
	return nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.connected = false
	return nil
}

func (s *fakeStream) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func TestPriceWatcherReconnects(t *testing.T) {
	stream := &fakeStream{sessions: [][]models.Trade{
		{{Symbol: "BTCUSDT", Price: 100}, {Symbol: "BTCUSDT", Price: 101}},
		{{Symbol: "BTCUSDT", Price: 102.5}},
	}}
	inv := &fakeInvalidator{}
	w := NewPriceWatcher(stream, inv, 0.002, nil, nil)

	require.NoError(t, w.Start(context.Background()))
	require.Eventually(t, func() bool { return w.Stats().Invalidations == 2 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		stream.mu.Lock()
		defer stream.mu.Unlock()
		return stream.reconnects >= 2
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, w.Stop(context.Background()))

	assert.False(t, stream.IsConnected())
	assert.Equal(t, []string{"market:ticker:BTCUSDT|prefix", "market:ticker:BTCUSDT|prefix"}, inv.seen())
}
