package usecase

import (
	"sync/atomic"
	"time"

	"MarketCache/pkg/cache/ttl"
	"MarketCache/pkg/cache/warming"
)

// AccessTracker forwards read-through lookups to the TTL strategy and, once
// attached, to the warming service.
type AccessTracker struct {
	ttls *ttl.Strategy
	warm atomic.Pointer[warming.Service]
}

func NewAccessTracker(ttls *ttl.Strategy) *AccessTracker {
	return &AccessTracker{ttls: ttls}
}

// Attach starts feeding w. The warming service is built on top of the cache
// operations that report to the tracker, so it is attached after construction.
func (t *AccessTracker) Attach(w *warming.Service) {
	t.warm.Store(w)
}

// Observe is a batch.AccessObserver.
func (t *AccessTracker) Observe(key string, hit bool) {
	if t.ttls != nil {
		t.ttls.RecordAccess(key, hit)
	}
	if w := t.warm.Load(); w != nil {
		w.RecordAccess(key, hit, time.Time{})
	}
}

// Sweep drops TTL access patterns past their retention and returns how many were removed.
func (t *AccessTracker) Sweep() int {
	if t.ttls == nil {
		return 0
	}
	return t.ttls.Sweep()
}
