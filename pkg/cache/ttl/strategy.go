// Package ttl computes tier-aware cache TTLs and tracks per-key access patterns.
package ttl

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"MarketCache/pkg/cache"
	"MarketCache/pkg/cache/catalog"
	"MarketCache/pkg/cache/keys"
)

// FailSafeTTL is returned when a TTL cannot be computed.
const FailSafeTTL = 30 * time.Second

const (
	minSamples       = 3
	emaAlpha         = 0.2
	fastInterval     = 60 * time.Second
	hotHitRate       = 0.8
	coldHitRate      = 0.3
	hotFactor        = 0.8
	coldFactor       = 1.5
	defaultRetention = 24 * time.Hour
	defaultMaxKeys   = 10000
)

// Frequency is the expected update frequency of the cached data.
type Frequency int

const (
	FrequencyUnknown Frequency = iota
	FrequencyRealTime
	FrequencyHigh
	FrequencyMedium
	FrequencyLow
	FrequencyStatic
)

var frequencyFactors = map[Frequency]float64{
	FrequencyRealTime: 0.5,
	FrequencyHigh:     0.75,
	FrequencyMedium:   1.0,
	FrequencyLow:      1.5,
	FrequencyStatic:   3.0,
}

var frequencyNames = map[Frequency]string{
	FrequencyRealTime: "real_time",
	FrequencyHigh:     "high",
	FrequencyMedium:   "medium",
	FrequencyLow:      "low",
	FrequencyStatic:   "static",
}

func (f Frequency) String() string {
	if name, ok := frequencyNames[f]; ok {
		return name
	}
	return "unknown"
}

// ParseFrequency converts a name such as "real_time" or "high". Empty input is FrequencyUnknown.
func ParseFrequency(s string) (Frequency, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return FrequencyUnknown, nil
	}
	for f, name := range frequencyNames {
		if name == s {
			return f, nil
		}
	}
	return FrequencyUnknown, fmt.Errorf("unknown frequency %q", s)
}

// Hint carries optional context for TTL computation.
type Hint struct {
	DependencyLevel int
	Frequency       Frequency
}

// AccessPattern is the observed access history of one key.
type AccessPattern struct {
	Samples    int
	HitRate    float64
	Interval   time.Duration
	LastAccess time.Time
}

// Strategy resolves TTLs. Its only mutable state is the access-pattern table.
type Strategy struct {
	catalog *catalog.Catalog
	clock   clockwork.Clock

	mu       sync.Mutex
	patterns *cache.LRUStore

	retention time.Duration
	maxKeys   int
}

// Option configures a Strategy.
type Option func(*Strategy)

// WithClock sets the time source.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Strategy) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMaxPatterns bounds the number of tracked keys.
func WithMaxPatterns(n int) Option {
	return func(s *Strategy) {
		if n > 0 {
			s.maxKeys = n
		}
	}
}

// WithRetention sets how long an idle access pattern is kept.
func WithRetention(d time.Duration) Option {
	return func(s *Strategy) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewStrategy creates a Strategy over c.
func NewStrategy(c *catalog.Catalog, opts ...Option) *Strategy {
	s := &Strategy{
		catalog:   c,
		clock:     clockwork.NewRealClock(),
		retention: defaultRetention,
		maxKeys:   defaultMaxKeys,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.patterns = cache.NewLRUStore(s.maxKeys, cache.WithDefaultTTL(s.retention), cache.WithClock(s.clock))
	return s
}

// Classify returns the tier of key. Unmatched keys are DerivedMetrics.
func (s *Strategy) Classify(key string) catalog.Tier {
	if p, ok := s.catalog.Match(key); ok {
		return p.Tier
	}
	return catalog.DerivedMetrics
}

// TTL computes the TTL of key. The result is within the tier bounds unless the
// tier is not configured, in which case FailSafeTTL is returned.
func (s *Strategy) TTL(key string, h Hint) (ttl time.Duration) {
	defer func() {
		if r := recover(); r != nil {
			ttl = FailSafeTTL
		}
	}()

	cfg, ok := s.catalog.Tier(s.Classify(key))
	if !ok {
		return FailSafeTTL
	}

	secs := cfg.BaseTTL.Seconds()
	if h.DependencyLevel > 0 {
		secs += float64(h.DependencyLevel) * cfg.DependencyBonus.Seconds()
	}
	if f, ok := frequencyFactors[h.Frequency]; ok {
		secs *= f * cfg.FrequencyMultiplier
	}
	secs *= s.accessFactor(key)

	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return FailSafeTTL
	}
	return clamp(secs, cfg)
}

// ShouldCascade reports whether invalidating key should cascade to dependent tiers.
func (s *Strategy) ShouldCascade(key string) bool {
	cfg, ok := s.catalog.Tier(s.Classify(key))
	return ok && cfg.CascadesInvalidation
}

// DependentPrefixes returns the key prefixes of tiers directly depending on the tier of key.
// It is empty when that tier does not cascade.
func (s *Strategy) DependentPrefixes(key string) []string {
	if !s.ShouldCascade(key) {
		return []string{}
	}

	seen := make(map[string]struct{})
	out := []string{}
	for _, t := range s.catalog.DependentTiers(s.Classify(key)) {
		for _, p := range s.catalog.PrefixesForTier(t) {
			if _, dup := seen[p]; dup {
				continue
			}
			seen[p] = struct{}{}
			out = append(out, p)
		}
	}
	sort.Strings(out)
	return out
}

// RecordAccess updates the access pattern of key with one observation.
func (s *Strategy) RecordAccess(key string, hit bool) {
	rk := recordKey(key)
	now := s.clock.Now()
	obs := 0.0
	if hit {
		obs = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var p AccessPattern
	if v, ok := s.patterns.Peek(rk); ok {
		p = v.(AccessPattern)
	}

	if p.Samples == 0 {
		p.HitRate = obs
	} else {
		p.HitRate = emaAlpha*obs + (1-emaAlpha)*p.HitRate
		gap := now.Sub(p.LastAccess)
		if gap < 0 {
			gap = 0
		}
		if p.Interval == 0 {
			p.Interval = gap
		} else {
			p.Interval = time.Duration(emaAlpha*float64(gap) + (1-emaAlpha)*float64(p.Interval))
		}
	}
	p.Samples++
	p.LastAccess = now

	s.patterns.Set(rk, p, s.retention)
}

// Pattern returns the recorded access pattern of key. Reading a pattern does not
// count as an access and does not extend its retention.
func (s *Strategy) Pattern(key string) (AccessPattern, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.patterns.Peek(recordKey(key))
	if !ok {
		return AccessPattern{}, false
	}
	return v.(AccessPattern), true
}

// TrackedPatterns returns how many keys currently have an access pattern.
func (s *Strategy) TrackedPatterns() int {
	return s.patterns.Len()
}

// Optimize adjusts current by the observed hit rate and reclamps it to the tier bounds.
func (s *Strategy) Optimize(key string, current time.Duration, hitRate float64) time.Duration {
	cfg, ok := s.catalog.Tier(s.Classify(key))
	if !ok {
		return current
	}

	factor := 1.0
	switch {
	case hitRate > 0.9:
		factor = 0.8
	case hitRate > 0.7:
		factor = 0.9
	case hitRate < 0.3:
		factor = 1.5
	case hitRate < 0.5:
		factor = 1.2
	}
	secs := current.Seconds() * factor
	if math.IsNaN(secs) || math.IsInf(secs, 0) {
		return current
	}
	return clamp(secs, cfg)
}

// Sweep drops access patterns idle for longer than the retention window.
func (s *Strategy) Sweep() int {
	return s.patterns.CleanupExpired()
}

func (s *Strategy) accessFactor(key string) float64 {
	p, ok := s.Pattern(key)
	if !ok || p.Samples < minSamples {
		return 1
	}
	switch {
	case p.HitRate > hotHitRate && p.Interval > 0 && p.Interval < fastInterval:
		return hotFactor
	case p.HitRate < coldHitRate:
		return coldFactor
	}
	return 1
}

func clamp(secs float64, cfg catalog.TierConfig) time.Duration {
	if secs <= cfg.MinTTL.Seconds() {
		return cfg.MinTTL
	}
	if secs >= cfg.MaxTTL.Seconds() {
		return cfg.MaxTTL
	}
	return time.Duration(secs * float64(time.Second))
}

// recordKey strips version and time bucket so a pattern survives bucket rotation.
func recordKey(key string) string {
	parts, ok := keys.Parse(key)
	if !ok {
		return key
	}
	return strings.Join(append([]string{parts.Prefix, parts.Subtype}, parts.Discriminators...), ":")
}
