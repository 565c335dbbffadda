package cache

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"MarketCache/pkg/cache/catalog"
)

const (
	defaultLRUCapacity = 1500
	defaultLRUTTL      = 5 * time.Minute
)

// entry is an intrusive doubly-linked list node.
type entry struct {
	key         string
	value       any
	createdAt   time.Time
	ttl         time.Duration
	accessCount int64

	prev *entry // towards MRU
	next *entry // towards LRU
}

func (e *entry) expired(now time.Time) bool {
	return now.Sub(e.createdAt) > e.ttl
}

// LRUStats is a snapshot of LRUStore counters.
type LRUStats struct {
	Hits        int64   `json:"hits"`
	Misses      int64   `json:"misses"`
	HitRate     float64 `json:"hit_rate"`
	Evictions   int64   `json:"evictions"`
	Expired     int64   `json:"expired"`
	Size        int     `json:"size"`
	Capacity    int     `json:"capacity"`
	Utilization float64 `json:"utilization_pct"`
}

// LRUStore is a bounded key/value store with per-entry TTL.
// Get, Set and Delete are O(1); a single mutex serialises all access because Get reorders the list.
type LRUStore struct {
	mu         sync.Mutex
	capacity   int
	defaultTTL time.Duration
	items      map[string]*entry
	head       *entry // most recently used
	tail       *entry // least recently used
	clock      clockwork.Clock

	hits      int64
	misses    int64
	evictions int64
	expired   int64
}

// LRUOption configures LRUStore.
type LRUOption func(*LRUStore)

// WithDefaultTTL sets the TTL used when Set receives a non-positive ttl.
func WithDefaultTTL(ttl time.Duration) LRUOption {
	return func(s *LRUStore) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

// WithClock sets the time source.
func WithClock(clock clockwork.Clock) LRUOption {
	return func(s *LRUStore) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewLRUStore creates a store holding at most capacity entries.
func NewLRUStore(capacity int, opts ...LRUOption) *LRUStore {
	if capacity <= 0 {
		capacity = defaultLRUCapacity
	}
	s := &LRUStore{
		capacity:   capacity,
		defaultTTL: defaultLRUTTL,
		items:      make(map[string]*entry, capacity),
		clock:      clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value for key. Expired entries are purged and reported as a miss.
func (s *LRUStore) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		s.misses++
		return nil, false
	}
	if e.expired(s.clock.Now()) {
		s.removeEntry(e)
		s.expired++
		s.misses++
		return nil, false
	}

	s.moveToFront(e)
	e.accessCount++
	s.hits++
	return e.value, true
}

// Peek returns the value for key without touching recency or the hit and miss
// counters. Expired entries are reported absent and left for CleanupExpired.
func (s *LRUStore) Peek(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok || e.expired(s.clock.Now()) {
		return nil, false
	}
	return e.value, true
}

// Set stores value under key. A new key on a full store evicts exactly one LRU entry first.
func (s *LRUStore) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.defaultTTL
	}
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.items[key]; ok {
		e.value = value
		e.createdAt = now
		e.ttl = ttl
		s.moveToFront(e)
		return
	}

	if len(s.items) >= s.capacity && s.tail != nil {
		s.removeEntry(s.tail)
		s.evictions++
	}

	e := &entry{key: key, value: value, createdAt: now, ttl: ttl}
	s.items[key] = e
	s.addFront(e)
}

// Delete removes key and reports whether it was present.
func (s *LRUStore) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.items[key]
	if !ok {
		return false
	}
	s.removeEntry(e)
	return true
}

// DeletePrefix removes every key equal to prefix or continuing it with ':'.
// It scans the whole store and is meant for explicit invalidation only.
func (s *LRUStore) DeletePrefix(prefix string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, e := range s.items {
		if catalog.HasSegmentPrefix(k, prefix) {
			s.removeEntry(e)
			n++
		}
	}
	return n
}

// CleanupExpired removes all entries whose TTL elapsed and returns how many were removed.
func (s *LRUStore) CleanupExpired() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for e := s.tail; e != nil; {
		prev := e.prev
		if e.expired(now) {
			s.removeEntry(e)
			n++
		}
		e = prev
	}
	s.expired += int64(n)
	return n
}

// Keys returns a snapshot of keys from most to least recently used.
func (s *LRUStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.items))
	for e := s.head; e != nil; e = e.next {
		keys = append(keys, e.key)
	}
	return keys
}

// Len returns the number of stored entries, expired ones included.
func (s *LRUStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Capacity returns the configured capacity.
func (s *LRUStore) Capacity() int { return s.capacity }

// Clear drops all entries. Counters are kept.
func (s *LRUStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*entry, s.capacity)
	s.head = nil
	s.tail = nil
}

// Stats returns a snapshot of the store counters.
func (s *LRUStore) Stats() LRUStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := LRUStats{
		Hits:      s.hits,
		Misses:    s.misses,
		Evictions: s.evictions,
		Expired:   s.expired,
		Size:      len(s.items),
		Capacity:  s.capacity,
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
	}
	st.Utilization = float64(len(s.items)) / float64(s.capacity) * 100
	return st
}

func (s *LRUStore) removeEntry(e *entry) {
	s.unlink(e)
	delete(s.items, e.key)
}

func (s *LRUStore) addFront(e *entry) {
	e.prev = nil
	e.next = s.head
	if s.head != nil {
		s.head.prev = e
	}
	s.head = e
	if s.tail == nil {
		s.tail = e
	}
}

func (s *LRUStore) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		s.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		s.tail = e.prev
	}
	e.prev = nil
	e.next = nil
}

func (s *LRUStore) moveToFront(e *entry) {
	if s.head == e {
		return
	}
	s.unlink(e)
	s.addFront(e)
}
