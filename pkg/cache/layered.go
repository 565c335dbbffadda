package cache

import (
	"context"
	"errors"
	"time"
)

// LayeredBackend implements a two-level cache (L1: memory, L2: any Backend, usually Redis).
type LayeredBackend struct {
	l1         *MemoryBackend
	l2         Backend
	promoteTTL time.Duration
}

// NewLayeredBackend creates a layered backend.
func NewLayeredBackend(l1 *MemoryBackend, l2 Backend, opts ...LayeredOption) *LayeredBackend {
	cfg := &LayeredConfig{
		PromoteTTL: 30 * time.Second,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return &LayeredBackend{l1: l1, l2: l2, promoteTTL: cfg.PromoteTTL}
}

func (lc *LayeredBackend) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	// Write-through: L2 first, then memory
	if err := lc.l2.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	return lc.l1.Set(ctx, key, value, lc.l1TTL(ttl))
}

func (lc *LayeredBackend) Get(ctx context.Context, key string) (any, bool, error) {
	if v, ok, _ := lc.l1.Get(ctx, key); ok {
		return v, true, nil
	}

	v, ok, err := lc.l2.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}

	_ = lc.l1.Set(ctx, key, v, lc.promoteTTL)
	return v, true, nil
}

func (lc *LayeredBackend) Delete(ctx context.Context, key string) (bool, error) {
	inL1, _ := lc.l1.Delete(ctx, key)
	inL2, err := lc.l2.Delete(ctx, key)
	return inL1 || inL2, err
}

func (lc *LayeredBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	n, _ := lc.l1.DeletePrefix(ctx, prefix)
	pd, ok := lc.l2.(PrefixDeleter)
	if !ok {
		return n, nil
	}
	m, err := pd.DeletePrefix(ctx, prefix)
	// Keys usually live in both tiers; report the larger count.
	return max(n, m), err
}

func (lc *LayeredBackend) GetMultiple(ctx context.Context, keys []string) (map[string]any, error) {
	out, _ := lc.l1.GetMultiple(ctx, keys)

	missing := make([]string, 0, len(keys)-len(out))
	for _, k := range keys {
		if _, ok := out[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	var errs []error
	if mg, ok := lc.l2.(MultiGetter); ok {
		found, err := mg.GetMultiple(ctx, missing)
		if err != nil {
			return out, err
		}
		for k, v := range found {
			out[k] = v
			_ = lc.l1.Set(ctx, k, v, lc.promoteTTL)
		}
		return out, nil
	}

	for _, k := range missing {
		v, ok, err := lc.Get(ctx, k)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			out[k] = v
		}
	}
	return out, errors.Join(errs...)
}

func (lc *LayeredBackend) Stats(ctx context.Context) map[string]any {
	stats := map[string]any{
		"backend": "layered",
		"l1":      lc.l1.Stats(ctx),
	}
	if sp, ok := lc.l2.(StatsProvider); ok {
		stats["l2"] = sp.Stats(ctx)
	}
	return stats
}

// Close closes both cache layers.
func (lc *LayeredBackend) Close() error {
	_ = lc.l1.Close()
	if c, ok := lc.l2.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func (lc *LayeredBackend) l1TTL(ttl time.Duration) time.Duration {
	if ttl <= 0 || ttl > lc.promoteTTL {
		return lc.promoteTTL
	}
	return ttl
}
