package catalog

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultTTL is returned when a key matches no pattern.
const DefaultTTL = 30 * time.Second

// Tier classifies cache keys by the kind of data they hold.
type Tier int

const (
	MarketData Tier = iota
	DerivedMetrics
	ConfluenceScores
	UIComponents
	Alerts
	Performance
	Configuration
)

var tierNames = map[Tier]string{
	MarketData:       "market_data",
	DerivedMetrics:   "derived_metrics",
	ConfluenceScores: "confluence_scores",
	UIComponents:     "ui_components",
	Alerts:           "alerts",
	Performance:      "performance",
	Configuration:    "configuration",
}

func (t Tier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return "unknown"
}

// ParseTier converts a snake_case tier name into a Tier.
func ParseTier(s string) (Tier, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for t, name := range tierNames {
		if name == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown tier %q", s)
}

// Tiers returns all tiers in declaration order.
func Tiers() []Tier {
	return []Tier{MarketData, DerivedMetrics, ConfluenceScores, UIComponents, Alerts, Performance, Configuration}
}

// TierConfig holds the TTL bounds and invalidation policy of a tier.
type TierConfig struct {
	BaseTTL              time.Duration
	MinTTL               time.Duration
	MaxTTL               time.Duration
	DependencyBonus      time.Duration
	FrequencyMultiplier  float64
	CascadesInvalidation bool
}

// Pattern maps a key prefix to its tier, static TTL and dependent key prefixes.
type Pattern struct {
	Prefix     string
	Tier       Tier
	TTL        time.Duration
	Dependents []string
}

// Catalog is the single source of truth for tiers, key patterns and dependencies.
// It is immutable after construction.
type Catalog struct {
	tiers      map[Tier]TierConfig
	patterns   []Pattern // longest prefix first
	known      map[string]struct{}
	graph      map[Tier][]Tier
	defaultTTL time.Duration
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithKnownPrefixes registers top-level prefixes that have no pattern of their own.
func WithKnownPrefixes(prefixes ...string) Option {
	return func(c *Catalog) {
		for _, p := range prefixes {
			c.known[p] = struct{}{}
		}
	}
}

// WithDefaultTTL sets the TTL for keys matching no pattern.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *Catalog) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// New builds a catalog. Every pattern must reference a configured tier.
func New(tiers map[Tier]TierConfig, patterns []Pattern, opts ...Option) (*Catalog, error) {
	c := &Catalog{
		tiers:      make(map[Tier]TierConfig, len(tiers)),
		known:      make(map[string]struct{}),
		defaultTTL: DefaultTTL,
	}
	for t, cfg := range tiers {
		if cfg.MinTTL > cfg.MaxTTL {
			return nil, fmt.Errorf("tier %s: min ttl %s above max ttl %s", t, cfg.MinTTL, cfg.MaxTTL)
		}
		c.tiers[t] = cfg
	}

	seen := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		if p.Prefix == "" {
			return nil, fmt.Errorf("pattern with empty prefix")
		}
		if _, dup := seen[p.Prefix]; dup {
			return nil, fmt.Errorf("duplicate pattern %q", p.Prefix)
		}
		if _, ok := c.tiers[p.Tier]; !ok {
			return nil, fmt.Errorf("pattern %q: tier %s not configured", p.Prefix, p.Tier)
		}
		seen[p.Prefix] = struct{}{}
		cp := p
		cp.Dependents = append([]string(nil), p.Dependents...)
		c.patterns = append(c.patterns, cp)
		c.known[firstSegment(p.Prefix)] = struct{}{}
	}

	// Longest prefix first; equal lengths keep declaration order.
	sort.SliceStable(c.patterns, func(i, j int) bool {
		return len(c.patterns[i].Prefix) > len(c.patterns[j].Prefix)
	})

	for _, opt := range opts {
		opt(c)
	}
	c.graph = c.buildGraph()
	return c, nil
}

// MustNew is New that panics on error.
func MustNew(tiers map[Tier]TierConfig, patterns []Pattern, opts ...Option) *Catalog {
	c, err := New(tiers, patterns, opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Match returns the longest pattern whose prefix matches key at a segment boundary.
func (c *Catalog) Match(key string) (Pattern, bool) {
	for _, p := range c.patterns {
		if HasSegmentPrefix(key, p.Prefix) {
			return p, true
		}
	}
	return Pattern{}, false
}

// Tier returns the configuration of t.
func (c *Catalog) Tier(t Tier) (TierConfig, bool) {
	cfg, ok := c.tiers[t]
	return cfg, ok
}

// KnownPrefix reports whether p is a recognised top-level key prefix.
func (c *Catalog) KnownPrefix(p string) bool {
	_, ok := c.known[p]
	return ok
}

// DefaultTTL is the TTL for keys that match no pattern.
func (c *Catalog) DefaultTTL() time.Duration { return c.defaultTTL }

// Patterns returns a copy of all patterns, longest prefix first.
func (c *Catalog) Patterns() []Pattern {
	out := make([]Pattern, len(c.patterns))
	copy(out, c.patterns)
	return out
}

// DependentTiers returns the tiers directly depending on t.
func (c *Catalog) DependentTiers(t Tier) []Tier {
	deps := c.graph[t]
	out := make([]Tier, len(deps))
	copy(out, deps)
	return out
}

// PrefixesForTier returns every pattern prefix classified in t, sorted.
func (c *Catalog) PrefixesForTier(t Tier) []string {
	var out []string
	for _, p := range c.patterns {
		if p.Tier == t {
			out = append(out, p.Prefix)
		}
	}
	sort.Strings(out)
	return out
}

// WithTier returns a copy of the catalog with one tier replaced.
func (c *Catalog) WithTier(t Tier, cfg TierConfig) (*Catalog, error) {
	tiers := make(map[Tier]TierConfig, len(c.tiers))
	for k, v := range c.tiers {
		tiers[k] = v
	}
	tiers[t] = cfg

	known := make([]string, 0, len(c.known))
	for p := range c.known {
		known = append(known, p)
	}
	return New(tiers, c.Patterns(), WithKnownPrefixes(known...), WithDefaultTTL(c.defaultTTL))
}

// buildGraph derives tier dependencies from pattern dependents.
func (c *Catalog) buildGraph() map[Tier][]Tier {
	edges := make(map[Tier]map[Tier]struct{})
	for _, p := range c.patterns {
		for _, dep := range p.Dependents {
			dp, ok := c.Match(dep)
			if !ok || dp.Tier == p.Tier {
				continue
			}
			if edges[p.Tier] == nil {
				edges[p.Tier] = make(map[Tier]struct{})
			}
			edges[p.Tier][dp.Tier] = struct{}{}
		}
	}

	graph := make(map[Tier][]Tier, len(edges))
	for from, tos := range edges {
		list := make([]Tier, 0, len(tos))
		for to := range tos {
			list = append(list, to)
		}
		sort.Slice(list, func(i, j int) bool { return list[i] < list[j] })
		graph[from] = list
	}
	return graph
}

// HasSegmentPrefix reports whether key equals prefix or continues it with ':'.
func HasSegmentPrefix(key, prefix string) bool {
	if !strings.HasPrefix(key, prefix) {
		return false
	}
	return len(key) == len(prefix) || key[len(prefix)] == ':'
}

func firstSegment(s string) string {
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}
