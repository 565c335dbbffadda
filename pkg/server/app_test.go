package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"MarketCache/pkg/cache"
	"MarketCache/pkg/cache/batch"
	"MarketCache/pkg/cache/catalog"
	"MarketCache/pkg/cache/keys"
	"MarketCache/pkg/cache/ttl"
	"MarketCache/pkg/cache/warming"
	"MarketCache/pkg/config"
)

type fakeHTTP struct {
	started  bool
	stopped  bool
	startErr error
	errCh    chan error
}

func (f *fakeHTTP) Start() error {
	f.started = true
	return f.startErr
}

func (f *fakeHTTP) Stop(context.Context) error {
	f.stopped = true
	return nil
}

func (f *fakeHTTP) Err() <-chan error { return f.errCh }

type fixture struct {
	cfg     *config.Config
	http    *fakeHTTP
	backend *cache.MemoryBackend
	ops     *batch.Operations
	warm    *warming.Service
	key     string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2025, 3, 4, 3, 0, 0, 0, time.UTC))
	cat := catalog.Default()
	gen := keys.New(cat, keys.WithClock(clock))
	backend := cache.NewMemoryBackend(cache.WithMemoryClock(clock), cache.WithMemoryCleanup(0))
	ops := batch.New(backend, gen, batch.WithClock(clock))

	key := gen.MarketTicker("BTCUSDT")
	warm := warming.New(ops, ttl.NewStrategy(cat, ttl.WithClock(clock)),
		warming.WithClock(clock),
		warming.WithCriticalPaths(func() []string { return []string{key} }),
	)
	warm.RegisterFetcher("market:ticker", func(context.Context, string) (any, error) {
		return map[string]float64{"price": 61000}, nil
	})

	cfg := &config.Config{}
	cfg.Cache.Backend = "memory"
	cfg.Warming.Enabled = true
	cfg.Warming.WarmOnStart = true
	cfg.Server.ShutdownTimeout = time.Second

	return &fixture{
		cfg:     cfg,
		http:    &fakeHTTP{errCh: make(chan error, 1)},
		backend: backend,
		ops:     ops,
		warm:    warm,
		key:     key,
	}
}

func TestApp_StartAndShutdown(t *testing.T) {
	f := newFixture(t)
	app := New(f.cfg, nil, f.http, f.ops, f.warm)
	ctx := context.Background()

	require.NoError(t, app.Start(ctx))
	assert.True(t, f.http.started)
	assert.True(t, f.warm.Running())

	got := f.ops.MultiGet(ctx, []string{f.key})
	assert.Contains(t, got, f.key, "critical paths warmed on start")

	require.NoError(t, app.Shutdown(ctx))
	assert.True(t, f.http.stopped)
	assert.False(t, f.warm.Running())
}

func TestApp_WarmingDisabled(t *testing.T) {
	f := newFixture(t)
	f.cfg.Warming.Enabled = false
	app := New(f.cfg, nil, f.http, f.ops, f.warm)
	ctx := context.Background()

	require.NoError(t, app.Start(ctx))
	assert.False(t, f.warm.Running())

	got := f.ops.MultiGet(ctx, []string{f.key})
	assert.Empty(t, got)

	require.NoError(t, app.Shutdown(ctx))
}

func TestApp_HTTPStartFailure(t *testing.T) {
	f := newFixture(t)
	f.http.startErr = errors.New("address in use")
	app := New(f.cfg, nil, f.http, f.ops, f.warm)

	err := app.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "address in use")

	require.NoError(t, app.Shutdown(context.Background()))
	assert.False(t, f.warm.Running())
}
