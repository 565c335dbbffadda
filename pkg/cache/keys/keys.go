// Package keys builds versioned, time-bucketed cache keys of the form
// {prefix}:{subtype}:{discriminator...}:{version}:{bucket}.
package keys

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/jonboulle/clockwork"

	"MarketCache/pkg/cache/catalog"
)

const (
	DefaultVersion = "v1"

	sep         = ":"
	minSegments = 3
)

// Bucket widths per resource.
const (
	bucketRealtime = 30 * time.Second
	bucketScores   = 45 * time.Second
	bucketMinute   = 60 * time.Second
	bucketMatrix   = 120 * time.Second
	bucketSlow     = 300 * time.Second
	bucketStatic   = 600 * time.Second
)

var bucketWidths = map[string]time.Duration{
	"dashboard:data":      bucketRealtime,
	"dashboard:overview":  bucketRealtime,
	"mobile:overview":     bucketRealtime,
	"market:overview":     bucketRealtime,
	"market:ticker":       bucketRealtime,
	"market:orderbook":    bucketRealtime,
	"alerts:active":       bucketRealtime,
	"confluence:scores":   bucketScores,
	"confluence:batch":    bucketScores,
	"market:ohlcv":        bucketMinute,
	"signals:latest":      bucketMinute,
	"correlation:matrix":  bucketMatrix,
	"performance:metrics": bucketMatrix,
	"symbols:top":         bucketSlow,
	"beta:chart":          bucketStatic,
	"config:value":        bucketStatic,
}

// bareResources take no discriminators.
var bareResources = map[string]struct{}{
	"dashboard:data":     {},
	"dashboard:overview": {},
	"mobile:overview":    {},
	"market:overview":    {},
	"alerts:active":      {},
}

// Generator produces cache keys. It holds no mutable state.
type Generator struct {
	catalog *catalog.Catalog
	clock   clockwork.Clock
	version string
}

// Option configures a Generator.
type Option func(*Generator)

// WithClock sets the time source used for bucketing.
func WithClock(clock clockwork.Clock) Option {
	return func(g *Generator) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// WithVersion sets the version marker embedded in every key.
func WithVersion(v string) Option {
	return func(g *Generator) {
		if v = strings.TrimSpace(v); v != "" {
			g.version = v
		}
	}
}

// New creates a Generator backed by c.
func New(c *catalog.Catalog, opts ...Option) *Generator {
	g := &Generator{
		catalog: c,
		clock:   clockwork.NewRealClock(),
		version: DefaultVersion,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Catalog returns the catalog the generator resolves TTLs and dependencies from.
func (g *Generator) Catalog() *catalog.Catalog { return g.catalog }

func (g *Generator) DashboardData() string {
	return g.build("dashboard", "data")
}

func (g *Generator) DashboardOverview() string {
	return g.build("dashboard", "overview")
}

func (g *Generator) MobileOverview() string {
	return g.build("mobile", "overview")
}

func (g *Generator) MarketOverview() string {
	return g.build("market", "overview")
}

func (g *Generator) MarketTicker(symbol string) string {
	return g.build("market", "ticker", NormalizeSymbol(symbol))
}

func (g *Generator) OHLCV(symbol, timeframe string, limit int) string {
	return g.build("market", "ohlcv", NormalizeSymbol(symbol), normalizeTimeframe(timeframe), strconv.Itoa(limit))
}

func (g *Generator) OrderBook(symbol string, depth int) string {
	return g.build("market", "orderbook", NormalizeSymbol(symbol), strconv.Itoa(depth))
}

func (g *Generator) ConfluenceScores(symbol, timeframe string) string {
	return g.build("confluence", "scores", NormalizeSymbol(symbol), normalizeTimeframe(timeframe))
}

func (g *Generator) ConfluenceBatch(symbols []string, timeframe string) string {
	return g.build("confluence", "batch", HashSymbols(symbols), normalizeTimeframe(timeframe))
}

func (g *Generator) CorrelationMatrix(symbols []string, timeframe string) string {
	return g.build("correlation", "matrix", HashSymbols(symbols), normalizeTimeframe(timeframe))
}

func (g *Generator) BetaChart(symbols []string, timeframe string) string {
	return g.build("beta", "chart", HashSymbols(symbols), normalizeTimeframe(timeframe))
}

func (g *Generator) TopSymbols(limit int) string {
	return g.build("symbols", "top", strconv.Itoa(limit))
}

func (g *Generator) SignalsLatest(limit int) string {
	return g.build("signals", "latest", strconv.Itoa(limit))
}

func (g *Generator) AlertsActive() string {
	return g.build("alerts", "active")
}

func (g *Generator) PerformanceMetrics(window string) string {
	return g.build("performance", "metrics", normalizeTimeframe(window))
}

func (g *Generator) ConfigValue(name string) string {
	return g.build("config", "value", sanitize(strings.ToLower(name)))
}

// TTLForKey returns the static TTL of the longest matching pattern, or the catalog default.
func (g *Generator) TTLForKey(key string) time.Duration {
	if p, ok := g.catalog.Match(key); ok && p.TTL > 0 {
		return p.TTL
	}
	return g.catalog.DefaultTTL()
}

// Dependencies returns the key prefixes to invalidate alongside key. Unknown keys have none.
func (g *Generator) Dependencies(key string) []string {
	p, ok := g.catalog.Match(key)
	if !ok {
		return []string{}
	}
	return append([]string{}, p.Dependents...)
}

// DependentKeys returns the unbucketed keys of the dependents of a generated key
// that are fully determined by their resource, such as dashboard:data. Dependents
// needing discriminators the key does not carry are left out.
func (g *Generator) DependentKeys(key string) []string {
	parts, ok := Parse(key)
	if !ok {
		return []string{}
	}
	p, ok := g.catalog.Match(key)
	if !ok {
		return []string{}
	}
	out := []string{}
	for _, dep := range p.Dependents {
		if _, bare := bareResources[dep]; !bare {
			continue
		}
		out = append(out, dep+sep+parts.Version)
	}
	return out
}

// Validate reports whether key has at least three non-empty segments and a known prefix.
func (g *Generator) Validate(key string) bool {
	segs := strings.Split(key, sep)
	if len(segs) < minSegments {
		return false
	}
	for _, s := range segs {
		if s == "" {
			return false
		}
	}
	return g.catalog.KnownPrefix(segs[0])
}

// Parts is a generated key split back into its components.
type Parts struct {
	Prefix         string
	Subtype        string
	Discriminators []string
	Version        string
	Bucket         int64
}

// Resource returns "{prefix}:{subtype}".
func (p Parts) Resource() string { return p.Prefix + sep + p.Subtype }

// Parse splits a generated key. It returns false for keys not produced by a Generator.
func Parse(key string) (Parts, bool) {
	segs := strings.Split(key, sep)
	if len(segs) < 4 {
		return Parts{}, false
	}
	n := len(segs)
	bucket, err := strconv.ParseInt(segs[n-1], 10, 64)
	if err != nil || bucket < 0 {
		return Parts{}, false
	}
	version := segs[n-2]
	if len(version) < 2 || version[0] != 'v' {
		return Parts{}, false
	}
	for _, s := range segs[:n-2] {
		if s == "" {
			return Parts{}, false
		}
	}
	return Parts{
		Prefix:         segs[0],
		Subtype:        segs[1],
		Discriminators: append([]string{}, segs[2:n-2]...),
		Version:        version,
		Bucket:         bucket,
	}, true
}

// BucketWidth returns the time bucket width of a "{prefix}:{subtype}" resource.
func BucketWidth(resource string) (time.Duration, bool) {
	w, ok := bucketWidths[resource]
	return w, ok
}

// Unbucket strips the trailing time bucket of a generated key so that every
// bucket of one resource maps to the same string. Keys of unknown resources
// are returned unchanged with false.
func Unbucket(key string) (string, bool) {
	parts, ok := Parse(key)
	if !ok {
		return key, false
	}
	if _, ok := bucketWidths[parts.Resource()]; !ok {
		return key, false
	}
	return key[:strings.LastIndex(key, sep)], true
}

// BucketAt appends to an Unbucket result the bucket containing at.
func BucketAt(unbucketed string, at time.Time) (string, bool) {
	segs := strings.SplitN(unbucketed, sep, 3)
	if len(segs) < 3 {
		return unbucketed, false
	}
	w, ok := bucketWidths[segs[0]+sep+segs[1]]
	if !ok {
		return unbucketed, false
	}
	return unbucketed + sep + strconv.FormatInt(bucketOf(w, at), 10), true
}

// NormalizeSymbol trims and uppercases a trading symbol.
func NormalizeSymbol(s string) string {
	return sanitize(strings.ToUpper(s))
}

// HashSymbols returns an 8 hex char digest of the normalised, deduplicated, sorted symbol set.
func HashSymbols(symbols []string) string {
	set := make(map[string]struct{}, len(symbols))
	norm := make([]string, 0, len(symbols))
	for _, s := range symbols {
		n := NormalizeSymbol(s)
		if n == "_" {
			continue
		}
		if _, dup := set[n]; dup {
			continue
		}
		set[n] = struct{}{}
		norm = append(norm, n)
	}
	sort.Strings(norm)
	return fmt.Sprintf("%08x", xxhash.Sum64String(strings.Join(norm, ","))>>32)
}

func (g *Generator) build(prefix, subtype string, parts ...string) string {
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString(sep)
	b.WriteString(subtype)
	for _, p := range parts {
		b.WriteString(sep)
		b.WriteString(p)
	}
	b.WriteString(sep)
	b.WriteString(g.version)
	b.WriteString(sep)
	b.WriteString(strconv.FormatInt(bucketOf(bucketWidths[prefix+sep+subtype], g.clock.Now()), 10))
	return b.String()
}

func bucketOf(width time.Duration, at time.Time) int64 {
	return at.Unix() / int64(width/time.Second)
}

func normalizeTimeframe(tf string) string {
	return sanitize(strings.ToLower(tf))
}

// sanitize keeps discriminators single-segment and non-empty.
func sanitize(s string) string {
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, sep, "_")
	if s == "" {
		return "_"
	}
	return s
}
