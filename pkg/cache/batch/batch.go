// Package batch fans cache operations out concurrently over a Backend and
// aggregates their results. No method returns an error or panics: failures
// degrade to a miss or false and are logged and counted.
package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"

	"MarketCache/pkg/cache"
	"MarketCache/pkg/logger"
)

var (
	ErrTimeout       = errors.New("batch: timed out")
	ErrUnsupportedOp = errors.New("batch: unsupported operation")
)

const (
	defaultReadTimeout     = 2 * time.Second
	defaultWriteTimeout    = 2 * time.Second
	defaultComputeTimeout  = 10 * time.Second
	defaultMaxConcurrency  = 64
	defaultDegradedLatency = 500 * time.Millisecond
)

// KeyPolicy resolves static TTLs and invalidation dependencies of keys.
type KeyPolicy interface {
	TTLForKey(key string) time.Duration
	Dependencies(key string) []string
}

// AccessObserver is told about every read-through lookup.
type AccessObserver func(key string, hit bool)

// Operations runs batched cache operations against a backend.
type Operations struct {
	backend cache.Backend
	policy  KeyPolicy
	log     *logger.Logger
	metrics cache.Metrics
	clock   clockwork.Clock

	readTimeout     time.Duration
	writeTimeout    time.Duration
	computeTimeout  time.Duration
	maxConcurrency  int
	coalesce        bool
	degradedLatency time.Duration
	observers       []AccessObserver

	flight singleflight.Group
	stats  counters
}

type counters struct {
	batches   atomic.Int64
	failures  atomic.Int64
	timeouts  atomic.Int64
	computes  atomic.Int64
	coalesced atomic.Int64
	abandoned atomic.Int64
	panics    atomic.Int64
}

// Option configures Operations.
type Option func(*Operations)

func WithLogger(l *logger.Logger) Option {
	return func(o *Operations) {
		if l != nil {
			o.log = l
		}
	}
}

func WithMetrics(m cache.Metrics) Option {
	return func(o *Operations) {
		if m != nil {
			o.metrics = m
		}
	}
}

func WithClock(c clockwork.Clock) Option {
	return func(o *Operations) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithReadTimeout bounds every multi-key read.
func WithReadTimeout(d time.Duration) Option {
	return func(o *Operations) {
		if d > 0 {
			o.readTimeout = d
		}
	}
}

// WithWriteTimeout bounds every multi-key write or delete.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *Operations) {
		if d > 0 {
			o.writeTimeout = d
		}
	}
}

// WithComputeTimeout bounds a coalesced compute, which outlives the caller that started it.
func WithComputeTimeout(d time.Duration) Option {
	return func(o *Operations) {
		if d > 0 {
			o.computeTimeout = d
		}
	}
}

// WithMaxConcurrency caps in-flight backend calls per batch.
func WithMaxConcurrency(n int) Option {
	return func(o *Operations) {
		if n > 0 {
			o.maxConcurrency = n
		}
	}
}

// WithCoalescing toggles sharing one compute among concurrent GetOrCompute callers of a key.
func WithCoalescing(enabled bool) Option {
	return func(o *Operations) {
		o.coalesce = enabled
	}
}

// WithDegradedLatency sets the health-check round trip above which the cache reports degraded.
func WithDegradedLatency(d time.Duration) Option {
	return func(o *Operations) {
		if d > 0 {
			o.degradedLatency = d
		}
	}
}

// WithObservers registers callbacks notified of read-through hits and misses.
func WithObservers(obs ...AccessObserver) Option {
	return func(o *Operations) {
		for _, ob := range obs {
			if ob != nil {
				o.observers = append(o.observers, ob)
			}
		}
	}
}

// New creates batch operations over backend.
func New(backend cache.Backend, policy KeyPolicy, opts ...Option) *Operations {
	o := &Operations{
		backend:         backend,
		policy:          policy,
		log:             logger.Nop(),
		metrics:         cache.NoopMetrics{},
		clock:           clockwork.NewRealClock(),
		readTimeout:     defaultReadTimeout,
		writeTimeout:    defaultWriteTimeout,
		computeTimeout:  defaultComputeTimeout,
		maxConcurrency:  defaultMaxConcurrency,
		coalesce:        true,
		degradedLatency: defaultDegradedLatency,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Backend returns the underlying backend.
func (o *Operations) Backend() cache.Backend { return o.backend }

// Stats reports batch counters merged with backend statistics when available.
func (o *Operations) Stats(ctx context.Context) map[string]any {
	stats := map[string]any{
		"batches":          o.stats.batches.Load(),
		"failures":         o.stats.failures.Load(),
		"timeouts":         o.stats.timeouts.Load(),
		"computes":         o.stats.computes.Load(),
		"coalesced":        o.stats.coalesced.Load(),
		"abandoned":        o.stats.abandoned.Load(),
		"callback_panics":  o.stats.panics.Load(),
		"read_timeout_ms":  o.readTimeout.Milliseconds(),
		"write_timeout_ms": o.writeTimeout.Milliseconds(),
	}
	if sp, ok := o.backend.(cache.StatsProvider); ok {
		stats["backend"] = sp.Stats(ctx)
	}
	return stats
}

func (o *Operations) ttlFor(key string, ttl time.Duration) time.Duration {
	if ttl > 0 {
		return ttl
	}
	if o.policy == nil {
		return 0
	}
	return o.policy.TTLForKey(key)
}

func (o *Operations) dependencies(key string) []string {
	if o.policy == nil {
		return nil
	}
	return o.policy.Dependencies(key)
}

func (o *Operations) observe(key string, hit bool) {
	for _, ob := range o.observers {
		ob(key, hit)
	}
}
