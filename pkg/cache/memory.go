package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryBackend implements Backend on top of an LRUStore with a periodic expiry sweep.
type MemoryBackend struct {
	store   *LRUStore
	metrics Metrics
	clock   clockwork.Clock

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewMemoryBackend creates an in-memory backend.
func NewMemoryBackend(opts ...MemoryOption) *MemoryBackend {
	cfg := &MemoryConfig{
		MaxSize:         defaultLRUCapacity,
		DefaultTTL:      defaultLRUTTL,
		CleanupInterval: time.Minute,
		Clock:           clockwork.NewRealClock(),
		Metrics:         NoopMetrics{},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	mb := &MemoryBackend{
		store:   NewLRUStore(cfg.MaxSize, WithDefaultTTL(cfg.DefaultTTL), WithClock(cfg.Clock)),
		metrics: cfg.Metrics,
		clock:   cfg.Clock,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	if cfg.CleanupInterval > 0 {
		go mb.cleanupLoop(cfg.CleanupInterval)
	} else {
		close(mb.done)
	}
	return mb
}

// Store exposes the underlying LRU store.
func (mb *MemoryBackend) Store() *LRUStore {
	return mb.store
}

func (mb *MemoryBackend) Get(_ context.Context, key string) (any, bool, error) {
	v, ok := mb.store.Get(key)
	return v, ok, nil
}

func (mb *MemoryBackend) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	if value == nil {
		return ErrNilValue
	}
	mb.store.Set(key, value, ttl)
	return nil
}

func (mb *MemoryBackend) Delete(_ context.Context, key string) (bool, error) {
	return mb.store.Delete(key), nil
}

func (mb *MemoryBackend) DeletePrefix(_ context.Context, prefix string) (int, error) {
	return mb.store.DeletePrefix(prefix), nil
}

func (mb *MemoryBackend) GetMultiple(_ context.Context, keys []string) (map[string]any, error) {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := mb.store.Get(k); ok {
			out[k] = v
		}
	}
	return out, nil
}

func (mb *MemoryBackend) Stats(_ context.Context) map[string]any {
	st := mb.store.Stats()
	return map[string]any{
		"backend":         "memory",
		"size":            st.Size,
		"capacity":        st.Capacity,
		"hits":            st.Hits,
		"misses":          st.Misses,
		"hit_rate":        st.HitRate,
		"evictions":       st.Evictions,
		"expired":         st.Expired,
		"utilization_pct": st.Utilization,
	}
}

// Close stops the cleanup loop. Safe to call more than once.
func (mb *MemoryBackend) Close() error {
	mb.closeOnce.Do(func() {
		close(mb.stop)
	})
	<-mb.done
	return nil
}

func (mb *MemoryBackend) cleanupLoop(interval time.Duration) {
	defer close(mb.done)

	ticker := mb.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-mb.stop:
			return
		case <-ticker.Chan():
			mb.store.CleanupExpired()
			st := mb.store.Stats()
			mb.metrics.ObserveStore(st.Size, st.HitRate)
		}
	}
}
