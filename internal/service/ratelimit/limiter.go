// Package ratelimit provides keyed token buckets guarding upstream fetches.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var ErrLimited = errors.New("ratelimit: limited")

type bucket struct {
	tokens float64
	last   time.Time
}

// Limiter keeps one token bucket per key. All buckets share rate and burst.
type Limiter struct {
	mu    sync.Mutex
	m     map[string]*bucket
	rate  float64 // tokens per second
	burst float64
	clock clockwork.Clock
}

type Option func(*Limiter)

func WithClock(c clockwork.Clock) Option {
	return func(l *Limiter) {
		if c != nil {
			l.clock = c
		}
	}
}

// New creates a limiter refilling rps tokens per second up to burst. burst below 1 is raised to 1.
func New(rps, burst float64, opts ...Option) *Limiter {
	l := &Limiter{
		m:     make(map[string]*bucket),
		rate:  rps,
		burst: math.Max(1, burst),
		clock: clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Allow consumes one token of key if available.
func (l *Limiter) Allow(key string) bool {
	return l.reserve(key) == 0
}

// Wait blocks until a token of key is available or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	for {
		d := l.reserve(key)
		if d == 0 {
			return nil
		}
		if l.rate <= 0 {
			return ErrLimited
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.clock.After(d):
		}
	}
}

// Tokens returns the currently available tokens of key.
func (l *Limiter) Tokens(key string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refillLocked(key, l.clock.Now()).tokens
}

// reserve takes a token and returns 0, or returns how long until one is available.
func (l *Limiter) reserve(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.refillLocked(key, l.clock.Now())
	if b.tokens >= 1 {
		b.tokens--
		return 0
	}
	if l.rate <= 0 {
		return time.Duration(math.MaxInt64)
	}
	missing := 1 - b.tokens
	d := time.Duration(missing / l.rate * float64(time.Second))
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

func (l *Limiter) refillLocked(key string, now time.Time) *bucket {
	b, ok := l.m[key]
	if !ok {
		b = &bucket{tokens: l.burst, last: now}
		l.m[key] = b
		return b
	}
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 {
		b.tokens = math.Min(l.burst, b.tokens+elapsed*l.rate)
		b.last = now
	}
	return b
}
