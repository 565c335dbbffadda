package batch

import (
	"context"
	"fmt"
	"time"

	"MarketCache/pkg/cache"
	"MarketCache/pkg/logger"
)

// ComputeFunc produces a fresh value for a missing key.
type ComputeFunc func(ctx context.Context) (any, error)

// GetOrCompute returns the cached value of key, or computes, stores and returns it.
// Nil results and compute errors are never cached and report false.
//
// With coalescing, one compute serves every concurrent caller of key. It runs detached
// from the cancellation of the caller that started it, bounded by the compute timeout,
// and each caller stops waiting when its own ctx is done.
func (o *Operations) GetOrCompute(ctx context.Context, key string, compute ComputeFunc, ttl time.Duration) (any, bool) {
	if v, ok := o.readOne(ctx, key); ok {
		o.observe(key, true)
		return v, true
	}
	o.observe(key, false)

	if !o.coalesce {
		return o.computeAndStore(ctx, key, compute, ttl)
	}

	type outcome struct {
		value any
		ok    bool
	}
	ch := o.flight.DoChan(key, func() (any, error) {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.computeTimeout)
		defer cancel()
		val, ok := o.computeAndStore(cctx, key, compute, ttl)
		return outcome{value: val, ok: ok}, nil
	})

	select {
	case <-ctx.Done():
		o.stats.abandoned.Add(1)
		return nil, false
	case r := <-ch:
		if r.Shared {
			o.stats.coalesced.Add(1)
		}
		res := r.Val.(outcome)
		return res.value, res.ok
	}
}

func (o *Operations) readOne(ctx context.Context, key string) (any, bool) {
	ctx, cancel := context.WithTimeout(ctx, o.readTimeout)
	defer cancel()
	start := o.clock.Now()

	v, ok, err := o.backend.Get(ctx, key)
	o.metrics.ObserveOperation("get", err == nil, o.clock.Since(start))
	if err != nil {
		o.failed("get", key, err, start)
		return nil, false
	}
	return v, ok
}

func (o *Operations) computeAndStore(ctx context.Context, key string, compute ComputeFunc, ttl time.Duration) (any, bool) {
	o.stats.computes.Add(1)
	start := o.clock.Now()

	v, err := o.safeCompute(ctx, compute)
	if err != nil {
		o.stats.failures.Add(1)
		o.metrics.ObserveOperation("compute", false, o.clock.Since(start))
		o.log.Warn("cache compute failed",
			logger.String("key", key),
			logger.Duration("latency_ms", o.clock.Since(start)),
			logger.Error(err),
		)
		return nil, false
	}
	o.metrics.ObserveOperation("compute", true, o.clock.Since(start))
	if v == nil {
		return nil, false
	}

	wctx, cancel := context.WithTimeout(ctx, o.writeTimeout)
	defer cancel()
	setStart := o.clock.Now()
	err = o.backend.Set(wctx, key, v, o.ttlFor(key, ttl))
	o.metrics.ObserveOperation("set", err == nil, o.clock.Since(setStart))
	if err != nil {
		o.failed("set", key, err, setStart)
	}
	return v, true
}

func (o *Operations) safeCompute(ctx context.Context, compute ComputeFunc) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			o.stats.panics.Add(1)
			v, err = nil, fmt.Errorf("compute panicked: %v", r)
		}
	}()
	if compute == nil {
		return nil, fmt.Errorf("nil compute func")
	}
	return compute(ctx)
}

// InvalidatePattern deletes pattern as a literal key together with the literal keys
// of its dependencies and returns how many keys were actually removed.
func (o *Operations) InvalidatePattern(ctx context.Context, pattern string) int {
	keys := append([]string{pattern}, o.dependencies(pattern)...)
	deleted := o.MultiDelete(ctx, dedupe(keys))

	n := 0
	for _, ok := range deleted {
		if ok {
			n++
		}
	}
	o.log.Debug("cache invalidated", logger.String("pattern", pattern), logger.Int("deleted", n))
	return n
}

// InvalidatePrefix removes every key under prefix and, transitively, under the prefixes
// depending on it. Backends without prefix deletion fall back to InvalidatePattern.
func (o *Operations) InvalidatePrefix(ctx context.Context, prefix string) int {
	pd, ok := o.backend.(cache.PrefixDeleter)
	if !ok {
		return o.InvalidatePattern(ctx, prefix)
	}

	prefixes := o.closure(prefix)
	ctx, cancel := context.WithTimeout(ctx, o.writeTimeout)
	defer cancel()
	start := o.clock.Now()

	counts := make([]int, len(prefixes))
	errs, completed := o.fanOut(ctx, len(prefixes), func(ctx context.Context, i int) error {
		n, err := pd.DeletePrefix(ctx, prefixes[i])
		counts[i] = n
		return err
	})
	if !completed {
		_ = o.timedOut("invalidate_prefix", len(prefixes), start)
		return 0
	}

	total := 0
	for i, p := range prefixes {
		if errs[i] != nil {
			o.failed("delete_prefix", p, errs[i], start)
			continue
		}
		total += counts[i]
	}
	o.metrics.ObserveOperation("invalidate_prefix", true, o.clock.Since(start))
	o.log.Debug("cache prefix invalidated",
		logger.String("prefix", prefix),
		logger.Strings("cascade", prefixes[1:]),
		logger.Int("deleted", total),
	)
	return total
}

// closure returns prefix followed by every prefix reachable through dependencies.
func (o *Operations) closure(prefix string) []string {
	seen := map[string]struct{}{prefix: {}}
	out := []string{prefix}
	for i := 0; i < len(out); i++ {
		for _, dep := range o.dependencies(out[i]) {
			if _, ok := seen[dep]; ok {
				continue
			}
			seen[dep] = struct{}{}
			out = append(out, dep)
		}
	}
	return out
}

func dedupe(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}
