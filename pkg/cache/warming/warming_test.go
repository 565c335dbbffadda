package warming

import (
	"context"
	"errors"
	"fmt"
	"sync"
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
)

var epoch = time.Date(2025, 3, 4, 3, 0, 0, 0, time.UTC)

type stubWriter struct {
	mu      sync.Mutex
	entries map[string]any
	ttls    map[string]time.Duration
	fail    bool
}

func newStubWriter() *stubWriter {
	return &stubWriter{entries: map[string]any{}, ttls: map[string]time.Duration{}}
}

func (w *stubWriter) MultiSet(_ context.Context, entries map[string]any, d time.Duration) map[string]bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make(map[string]bool, len(entries))
	for k, v := range entries {
		if w.fail {
			out[k] = false
			continue
		}
		w.entries[k] = v
		w.ttls[k] = d
		out[k] = true
	}
	return out
}

func (w *stubWriter) get(key string) (any, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	v, ok := w.entries[key]
	return v, ok
}

type fixedTTL time.Duration

func (f fixedTTL) TTL(string, ttl.Hint) time.Duration { return time.Duration(f) }

func constFetcher(v any) Fetcher {
	return func(context.Context, string) (any, error) { return v, nil }
}

// recordEvery records n accesses of key spaced by step, starting at the clock's now.
func recordEvery(svc *Service, clock *clockwork.FakeClock, key string, n int, step time.Duration) {
	for i := 0; i < n; i++ {
		if i > 0 {
			clock.Advance(step)
		}
		svc.RecordAccess(key, false, time.Time{})
	}
}

func TestHitRateEstimate(t *testing.T) {
	svc := New(newStubWriter(), fixedTTL(time.Minute))

	svc.RecordAccess("a", true, epoch)
	rate, ok := svc.HitRate("a")
	require.True(t, ok)
	assert.InDelta(t, 0.6, rate, 1e-9)

	for i := 0; i < 10; i++ {
		svc.RecordAccess("a", true, epoch.Add(time.Duration(i+1)*time.Second))
	}
	rate, _ = svc.HitRate("a")
	assert.Equal(t, 1.0, rate)

	for i := 0; i < 3; i++ {
		svc.RecordAccess("b", false, epoch)
	}
	rate, _ = svc.HitRate("b")
	assert.InDelta(t, 0.35, rate, 1e-9)

	_, ok = svc.HitRate("missing")
	assert.False(t, ok)
}

func TestImportanceWeights(t *testing.T) {
	svc := New(newStubWriter(), fixedTTL(time.Minute))

	// 10s spacing is 6/min, three misses leave hit rate at 0.35, all in hour 3
	svc.RecordAccess("k", false, epoch)
	svc.RecordAccess("k", false, epoch.Add(10*time.Second))
	svc.RecordAccess("k", false, epoch.Add(20*time.Second))

	imp, ok := svc.Importance("k")
	require.True(t, ok)
	assert.InDelta(t, 0.4*0.6+0.3*0.35+0.2+0.1, imp, 1e-9)
}

type tickerRig struct {
	clock    *clockwork.FakeClock
	gen      *keys.Generator
	ops      *batch.Operations
	svc      *Service
	fetches  int
	computes int
}

func newTickerRig(t *testing.T, opts ...Option) *tickerRig {
	t.Helper()
	r := &tickerRig{clock: clockwork.NewFakeClockAt(epoch)}

	cat := catalog.Default()
	r.gen = keys.New(cat, keys.WithClock(r.clock))
	backend := cache.NewMemoryBackend(cache.WithMemoryClock(r.clock), cache.WithMemoryCleanup(0))
	t.Cleanup(func() { _ = backend.Close() })

	r.ops = batch.New(backend, r.gen,
		batch.WithClock(r.clock),
		batch.WithObservers(func(key string, hit bool) { r.svc.RecordAccess(key, hit, time.Time{}) }),
	)
	r.svc = New(r.ops, ttl.NewStrategy(cat, ttl.WithClock(r.clock)), append([]Option{WithClock(r.clock)}, opts...)...)
	r.svc.RegisterFetcher("market:ticker", func(context.Context, string) (any, error) {
		r.fetches++
		return map[string]any{"symbol": "BTCUSDT", "price": 64000.5}, nil
	})
	return r
}

func (r *tickerRig) get(ctx context.Context) (any, bool) {
	return r.ops.GetOrCompute(ctx, r.gen.MarketTicker("btcusdt"), func(context.Context) (any, error) {
		r.computes++
		return map[string]any{"symbol": "BTCUSDT", "price": 63999.0}, nil
	}, 0)
}

func TestPredictiveWarmingEndToEnd(t *testing.T) {
	ctx := context.Background()
	r := newTickerRig(t)

	for i := 0; i < 3; i++ {
		if i > 0 {
			r.clock.Advance(10 * time.Second)
		}
		_, ok := r.get(ctx)
		require.True(t, ok)
	}
	computed := r.computes
	require.Positive(t, computed)

	assert.Equal(t, 1, r.svc.Stats().Patterns)

	// t=30 and t=60: the last access is still inside the hot window
	r.clock.Advance(10 * time.Second)
	assert.Zero(t, r.svc.RunCycle(ctx).Candidates)
	r.clock.Advance(30 * time.Second)
	assert.Zero(t, r.svc.RunCycle(ctx).Candidates)

	r.clock.Advance(30 * time.Second) // t=90
	cands := r.svc.identifyCandidates(r.clock.Now())
	require.Len(t, cands, 1)
	assert.Equal(t, r.gen.MarketTicker("btcusdt"), cands[0].key)

	res := r.svc.RunCycle(ctx)
	assert.Equal(t, CycleResult{Candidates: 1, Warmed: 1}, res)
	assert.Equal(t, 1, r.fetches)

	// warmed keys are not predicted again until requested
	assert.Zero(t, r.svc.RunCycle(ctx).Candidates)

	r.clock.Advance(5 * time.Second) // t=95, same bucket
	v, ok := r.get(ctx)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"symbol": "BTCUSDT", "price": 64000.5}, v)
	assert.Equal(t, computed, r.computes)

	st := r.svc.Stats()
	assert.EqualValues(t, 1, st.Predictions)
	assert.EqualValues(t, 1, st.Consumed)
	assert.EqualValues(t, 1, st.Warmed)
	assert.Equal(t, 0, st.Pending)
	assert.Equal(t, 1.0, st.Efficiency)
}

func TestWarmingTargetsPredictedBucket(t *testing.T) {
	ctx := context.Background()
	r := newTickerRig(t, WithHotWindow(2*time.Second), WithPeakLead(0))

	for i := 0; i < 3; i++ {
		if i > 0 {
			r.clock.Advance(10 * time.Second)
		}
		r.get(ctx)
	}
	computed := r.computes

	// t=25: the next access is predicted at t=30, the first second of the next bucket
	r.clock.Advance(5 * time.Second)
	current := r.gen.MarketTicker("btcusdt")
	cands := r.svc.identifyCandidates(r.clock.Now())
	require.Len(t, cands, 1)
	assert.Equal(t, epoch.Add(30*time.Second), cands[0].predicted)
	assert.NotEqual(t, current, cands[0].key)

	require.Equal(t, 1, r.svc.RunCycle(ctx).Warmed)

	r.clock.Advance(5 * time.Second) // t=30
	next := r.gen.MarketTicker("btcusdt")
	assert.Equal(t, cands[0].key, next)
	v, ok := r.get(ctx)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"symbol": "BTCUSDT", "price": 64000.5}, v)
	assert.Equal(t, computed, r.computes)
	assert.EqualValues(t, 1, r.svc.Stats().Consumed)
}

func TestAccessInLaterBucketWastesPrediction(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	gen := keys.New(catalog.Default(), keys.WithClock(clock))
	w := newStubWriter()
	svc := New(w, fixedTTL(time.Minute), WithClock(clock), WithHotWindow(0), WithPeakLead(0))
	svc.RegisterFetcher("market:ticker", constFetcher(1))

	svc.RecordAccess(gen.MarketTicker("eth"), false, time.Time{})
	clock.Advance(5 * time.Second)
	svc.RecordAccess(gen.MarketTicker("eth"), false, time.Time{})
	clock.Advance(time.Second)

	require.Equal(t, 1, svc.RunCycle(context.Background()).Warmed)
	warmed := gen.MarketTicker("eth")
	_, ok := w.get(warmed)
	require.True(t, ok)
	// stored long enough to reach the predicted access 4s away
	assert.Equal(t, time.Minute+4*time.Second, w.ttls[warmed])

	// the request comes a bucket later than predicted
	clock.Advance(30 * time.Second)
	svc.RecordAccess(gen.MarketTicker("eth"), false, time.Time{})

	st := svc.Stats()
	assert.Equal(t, 0, st.Pending)
	assert.EqualValues(t, 0, st.Consumed)
	assert.EqualValues(t, 1, st.Wasted)
}

func TestCascadingTierWarmsDependents(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	cat := catalog.Default()
	gen := keys.New(cat, keys.WithClock(clock))
	w := newStubWriter()

	svc := New(w, ttl.NewStrategy(cat, ttl.WithClock(clock)),
		WithClock(clock),
		WithHotWindow(0),
		WithPeakLead(0),
		WithDependents(gen.DependentKeys),
	)
	svc.RegisterFetcher("market:ticker", constFetcher("ticker"))
	svc.RegisterFetcher("market:overview", constFetcher("overview"))

	svc.RecordAccess(gen.MarketTicker("btc"), false, time.Time{})
	clock.Advance(10 * time.Second)
	svc.RecordAccess(gen.MarketTicker("btc"), false, time.Time{})
	clock.Advance(5 * time.Second) // t=15, next access predicted at t=20

	res := svc.RunCycle(ctx)
	assert.Equal(t, CycleResult{Candidates: 1, Dependents: 1, Warmed: 2}, res)

	overview := gen.MarketOverview()
	v, ok := w.get(overview)
	require.True(t, ok)
	assert.Equal(t, "overview", v)

	// market data: 30s base plus 5s for one dependency level, plus the 5s lead
	assert.Equal(t, 40*time.Second, w.ttls[overview])
	assert.Equal(t, 35*time.Second, w.ttls[gen.MarketTicker("btc")])

	// the dependent is tracked as a prediction like its parent
	assert.Equal(t, 2, svc.Stats().Pending)
	svc.RecordAccess(overview, false, time.Time{})
	assert.EqualValues(t, 1, svc.Stats().Consumed)
}

func TestDependentsNeedCascadingSource(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	gen := keys.New(catalog.Default(), keys.WithClock(clock))
	w := newStubWriter()

	// fixedTTL cannot tell whether a tier cascades
	svc := New(w, fixedTTL(time.Minute),
		WithClock(clock),
		WithHotWindow(0),
		WithDependents(gen.DependentKeys),
	)
	svc.RegisterFetcher("market", constFetcher(1))
	svc.RecordAccess(gen.MarketTicker("btc"), false, time.Time{})
	clock.Advance(10 * time.Second)
	svc.RecordAccess(gen.MarketTicker("btc"), false, time.Time{})
	clock.Advance(5 * time.Second)

	res := svc.RunCycle(context.Background())
	assert.Equal(t, CycleResult{Candidates: 1, Warmed: 1}, res)
	_, ok := w.get(gen.MarketOverview())
	assert.False(t, ok)
}

func TestCandidateFilters(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	svc := New(newStubWriter(), fixedTTL(time.Minute),
		WithClock(clock),
		WithHotWindow(0),
		WithWindow(time.Minute),
	)
	svc.RegisterFetcher("market", constFetcher(1))

	// single access has no interval
	svc.RecordAccess("market:single", false, epoch)
	// no fetcher
	svc.RecordAccess("other:k", false, epoch)
	svc.RecordAccess("other:k", false, epoch.Add(10*time.Second))
	// next access predicted far outside the window
	svc.RecordAccess("market:slow", false, epoch.Add(-2*time.Hour))
	svc.RecordAccess("market:slow", false, epoch)
	// prefix matches only at segment boundaries
	svc.RecordAccess("marketing:k", false, epoch)
	svc.RecordAccess("marketing:k", false, epoch.Add(10*time.Second))

	clock.Advance(15 * time.Second)
	assert.Empty(t, svc.identifyCandidates(clock.Now()))
}

func TestCandidatesRankedAndCapped(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	svc := New(newStubWriter(), fixedTTL(time.Minute),
		WithClock(clock),
		WithHotWindow(0),
		WithMaxConcurrent(2),
	)
	svc.RegisterFetcher("k", constFetcher(1))

	for _, key := range []string{"k:a", "k:b", "k:c"} {
		svc.RecordAccess(key, false, epoch)
		svc.RecordAccess(key, false, epoch.Add(10*time.Second))
	}
	// more hits raise k:c above the rest
	for i := 0; i < 3; i++ {
		svc.RecordAccess("k:c", true, epoch.Add(20*time.Second))
	}

	clock.Advance(25 * time.Second)
	cands := svc.identifyCandidates(clock.Now())
	require.Len(t, cands, 2)
	assert.Equal(t, "k:c", cands[0].key)
	assert.Equal(t, "k:a", cands[1].key)
}

func TestMinImportanceThreshold(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	svc := New(newStubWriter(), fixedTTL(time.Minute),
		WithClock(clock),
		WithHotWindow(0),
		WithMinImportance(0.99),
	)
	svc.RegisterFetcher("k", constFetcher(1))
	svc.RecordAccess("k:a", false, epoch)
	svc.RecordAccess("k:a", false, epoch.Add(10*time.Second))

	clock.Advance(15 * time.Second)
	assert.Empty(t, svc.identifyCandidates(clock.Now()))
}

func TestManualWarmIsolatesFailures(t *testing.T) {
	w := newStubWriter()
	svc := New(w, fixedTTL(42*time.Second))

	svc.RegisterFetcher("ok", constFetcher("value"))
	svc.RegisterFetcher("err", func(context.Context, string) (any, error) { return nil, errors.New("upstream down") })
	svc.RegisterFetcher("nil", constFetcher(nil))
	svc.RegisterFetcher("boom", func(context.Context, string) (any, error) { panic("fetcher bug") })

	res := svc.ManualWarm(context.Background(), []string{"ok:1", "err:1", "nil:1", "boom:1", "none:1", "ok:1"})
	assert.Equal(t, map[string]bool{
		"ok:1":   true,
		"err:1":  false,
		"nil:1":  false,
		"boom:1": false,
		"none:1": false,
	}, res)

	v, ok := w.get("ok:1")
	require.True(t, ok)
	assert.Equal(t, "value", v)
	assert.Equal(t, 42*time.Second, w.ttls["ok:1"])

	// manual warms are not predictions
	assert.Zero(t, svc.Stats().Predictions)
}

func TestManualWarmStoreFailure(t *testing.T) {
	w := newStubWriter()
	w.fail = true
	svc := New(w, fixedTTL(time.Minute))
	svc.RegisterFetcher("k", constFetcher(1))

	assert.Equal(t, map[string]bool{"k:1": false}, svc.ManualWarm(context.Background(), []string{"k:1"}))
}

func TestFetcherRegistrationLongestPrefix(t *testing.T) {
	w := newStubWriter()
	svc := New(w, fixedTTL(time.Minute))
	svc.RegisterFetcher("market", constFetcher("generic"))
	svc.RegisterFetcher("market:ticker", constFetcher("ticker"))
	svc.RegisterFetcher("market", constFetcher("replaced"))

	svc.ManualWarm(context.Background(), []string{"market:ticker:BTC", "market:overview"})
	v, _ := w.get("market:ticker:BTC")
	assert.Equal(t, "ticker", v)
	v, _ = w.get("market:overview")
	assert.Equal(t, "replaced", v)
	assert.Equal(t, 2, svc.Stats().Fetchers)
}

func TestWarmCriticalPaths(t *testing.T) {
	w := newStubWriter()
	svc := New(w, fixedTTL(time.Minute),
		WithCriticalPaths(func() []string { return []string{"dashboard:data", "market:overview"} }),
	)
	svc.RegisterFetcher("dashboard", constFetcher("d"))

	res := svc.WarmCriticalPaths(context.Background())
	assert.Equal(t, map[string]bool{"dashboard:data": true, "market:overview": false}, res)

	bare := New(w, fixedTTL(time.Minute))
	assert.Empty(t, bare.WarmCriticalPaths(context.Background()))
}

func TestTuneWindow(t *testing.T) {
	svc := New(newStubWriter(), fixedTTL(time.Minute), WithWindow(5*time.Minute))

	// nothing predicted: unchanged
	assert.Equal(t, 5*time.Minute, svc.Tune())

	svc.period = counters{predictions: 10, consumed: 9}
	assert.Equal(t, 4*time.Minute, svc.Tune())

	svc.period = counters{predictions: 10, consumed: 6}
	assert.Equal(t, 4*time.Minute, svc.Tune())

	svc.period = counters{predictions: 10, consumed: 2}
	assert.Equal(t, 5*time.Minute, svc.Tune())

	// the period is reset after every tune
	assert.Equal(t, 5*time.Minute, svc.Tune())
}

func TestTuneWindowBounds(t *testing.T) {
	svc := New(newStubWriter(), fixedTTL(time.Minute),
		WithWindow(time.Minute),
		WithWindowBounds(time.Minute, 2*time.Minute),
	)

	svc.period = counters{predictions: 4, consumed: 4}
	assert.Equal(t, time.Minute, svc.Tune())

	for i := 0; i < 5; i++ {
		svc.period = counters{predictions: 4}
		svc.Tune()
	}
	assert.Equal(t, 2*time.Minute, svc.Window())
}

func TestPruneExpiresPredictions(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(epoch)
	svc := New(newStubWriter(), fixedTTL(time.Minute),
		WithClock(clock),
		WithHotWindow(0),
		WithWindow(time.Minute),
	)
	svc.RegisterFetcher("k", constFetcher(1))
	recordEvery(svc, clock, "k:a", 2, 10*time.Second)
	clock.Advance(5 * time.Second)

	require.Equal(t, 1, svc.RunCycle(ctx).Warmed)

	clock.Advance(2 * time.Minute)
	svc.Prune()
	assert.Equal(t, 1, svc.Stats().Pending)

	clock.Advance(time.Second)
	svc.Prune()
	st := svc.Stats()
	assert.Equal(t, 0, st.Pending)
	assert.EqualValues(t, 1, st.Wasted)
	assert.Equal(t, 0.0, st.Efficiency)
}

func TestPruneRetention(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	svc := New(newStubWriter(), fixedTTL(time.Minute), WithClock(clock), WithRetention(time.Hour))

	svc.RecordAccess("old", false, time.Time{})
	clock.Advance(30 * time.Minute)
	svc.RecordAccess("fresh", false, time.Time{})

	clock.Advance(31 * time.Minute)
	svc.Prune()
	assert.Equal(t, 1, svc.Stats().Patterns)
	_, ok := svc.HitRate("old")
	assert.False(t, ok)
}

func TestMaxPatterns(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	svc := New(newStubWriter(), fixedTTL(time.Minute), WithClock(clock), WithMaxPatterns(2))

	for i := 0; i < 3; i++ {
		svc.RecordAccess("hot", true, time.Time{})
	}
	svc.RecordAccess("cold", false, time.Time{})
	svc.RecordAccess("new", true, time.Time{})

	assert.Equal(t, 2, svc.Stats().Patterns)
	_, ok := svc.HitRate("hot")
	assert.True(t, ok)
	_, ok = svc.HitRate("cold")
	assert.False(t, ok)
}

func TestPatternOverflowEvictsInBulk(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	svc := New(newStubWriter(), fixedTTL(time.Minute), WithClock(clock), WithMaxPatterns(20))

	for i := 0; i < 20; i++ {
		svc.RecordAccess(fmt.Sprintf("k:%02d", i), i >= 2, time.Time{})
	}
	require.Equal(t, 20, svc.Stats().Patterns)

	// overflow trims to 90% in one pass, dropping the two misses
	svc.RecordAccess("new:1", true, time.Time{})
	assert.Equal(t, 19, svc.Stats().Patterns)
	for _, key := range []string{"k:00", "k:01"} {
		_, ok := svc.HitRate(key)
		assert.False(t, ok, key)
	}

	// the freed room absorbs the next key without another pass
	svc.RecordAccess("new:2", true, time.Time{})
	assert.Equal(t, 20, svc.Stats().Patterns)
	_, ok := svc.HitRate("k:02")
	assert.True(t, ok)
}

func TestHistoryBounded(t *testing.T) {
	svc := New(newStubWriter(), fixedTTL(time.Minute), WithHistorySize(3))
	for i := 0; i < 10; i++ {
		svc.RecordAccess("k", false, epoch.Add(time.Duration(i)*time.Second))
	}
	// out-of-order report lands in place
	svc.RecordAccess("k", false, epoch.Add(8500*time.Millisecond))

	p := svc.patterns["k"]
	require.Len(t, p.accesses, 3)
	assert.Equal(t, epoch.Add(8*time.Second), p.accesses[0])
	assert.Equal(t, epoch.Add(8500*time.Millisecond), p.accesses[1])
	assert.Equal(t, epoch.Add(9*time.Second), p.lastAccess)
}

func TestStartStop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClockAt(epoch)
	svc := New(newStubWriter(), fixedTTL(time.Minute), WithClock(clock), WithInterval(10*time.Second))

	assert.False(t, svc.Running())
	svc.Stop()

	svc.Start(ctx)
	svc.Start(ctx)
	assert.True(t, svc.Running())

	require.NoError(t, clock.BlockUntilContext(ctx, 3))
	clock.Advance(10 * time.Second)
	assert.Eventually(t, func() bool { return svc.Stats().Cycles >= 1 }, time.Second, 5*time.Millisecond)

	svc.Stop()
	svc.Stop()
	assert.False(t, svc.Running())

	// restartable
	svc.Start(ctx)
	assert.True(t, svc.Running())
	svc.Stop()
}

func TestPruneHookRunsOnPruneTick(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clock := clockwork.NewFakeClockAt(epoch)
	var mu sync.Mutex
	calls := 0
	svc := New(newStubWriter(), fixedTTL(time.Minute),
		WithClock(clock),
		WithInterval(time.Hour),
		WithTuneInterval(time.Hour),
		WithPruneInterval(time.Minute),
		WithPruneHook(func() {
			mu.Lock()
			calls++
			mu.Unlock()
		}),
	)

	svc.Start(ctx)
	defer svc.Stop()
	require.NoError(t, clock.BlockUntilContext(ctx, 3))

	clock.Advance(time.Minute)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls == 1
	}, time.Second, 5*time.Millisecond)
}
