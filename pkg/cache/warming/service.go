// Package warming pre-populates cache entries that are predicted to be requested soon.
//
// Every recorded access feeds a per-key pattern (recent access times, hit rate,
// hour-of-day histogram). A background loop predicts the next access of each key
// as last access + mean interval and fetches the keys whose prediction falls inside
// the warming window. The window self-tunes from the share of warmed keys that were
// actually requested afterwards. Importance scores are a ranking heuristic only.
package warming

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"MarketCache/pkg/cache"
	"MarketCache/pkg/cache/catalog"
	"MarketCache/pkg/cache/ttl"
	"MarketCache/pkg/logger"
)

// Writer stores fetched values.
type Writer interface {
	MultiSet(ctx context.Context, entries map[string]any, ttl time.Duration) map[string]bool
}

// TTLSource resolves the TTL of warmed keys.
type TTLSource interface {
	TTL(key string, h ttl.Hint) time.Duration
}

// Cascader is implemented by TTL sources that know whether warming a key should
// also warm its dependents.
type Cascader interface {
	ShouldCascade(key string) bool
}

// Fetcher loads the value of key from its origin.
type Fetcher func(ctx context.Context, key string) (any, error)

type config struct {
	interval      time.Duration
	window        time.Duration
	minWindow     time.Duration
	maxWindow     time.Duration
	hotWindow     time.Duration
	minImportance float64
	maxConcurrent int
	tuneInterval  time.Duration
	pruneInterval time.Duration
	retention     time.Duration
	peakLead      time.Duration
	fetchTimeout  time.Duration
	maxPatterns   int
	historySize   int
	criticalPaths func() []string
	dependents    func(key string) []string
	pruneHook     func()
	log           *logger.Logger
	metrics       cache.Metrics
	clock         clockwork.Clock
}

// Option configures the Service.
type Option func(*config)

// WithInterval sets how often the prediction cycle runs.
func WithInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithWindow sets the initial warming window.
func WithWindow(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithWindowBounds limits self-tuning of the window.
func WithWindowBounds(lo, hi time.Duration) Option {
	return func(c *config) {
		if lo > 0 && hi >= lo {
			c.minWindow, c.maxWindow = lo, hi
		}
	}
}

// WithHotWindow sets how recent an access must be for a key to count as already hot.
func WithHotWindow(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.hotWindow = d
		}
	}
}

func WithMinImportance(v float64) Option {
	return func(c *config) {
		if v >= 0 {
			c.minImportance = v
		}
	}
}

// WithMaxConcurrent caps keys warmed per cycle and fetches in flight.
func WithMaxConcurrent(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxConcurrent = n
		}
	}
}

func WithTuneInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.tuneInterval = d
		}
	}
}

func WithPruneInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.pruneInterval = d
		}
	}
}

// WithRetention sets how long access timestamps are kept.
func WithRetention(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.retention = d
		}
	}
}

// WithPeakLead sets how much earlier a prediction landing in a peak hour is moved.
func WithPeakLead(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.peakLead = d
		}
	}
}

func WithFetchTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.fetchTimeout = d
		}
	}
}

func WithMaxPatterns(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxPatterns = n
		}
	}
}

// WithHistorySize bounds the access times kept per key.
func WithHistorySize(n int) Option {
	return func(c *config) {
		if n >= 2 {
			c.historySize = n
		}
	}
}

// WithCriticalPaths sets the source of keys warmed by WarmCriticalPaths.
func WithCriticalPaths(fn func() []string) Option {
	return func(c *config) {
		c.criticalPaths = fn
	}
}

// WithDependents sets the source of the keys warmed after a predicted key whose tier
// cascades. fn may return keys without their time bucket.
func WithDependents(fn func(key string) []string) Option {
	return func(c *config) {
		c.dependents = fn
	}
}

// WithPruneHook runs fn on every background prune tick, after the service's own patterns are pruned.
func WithPruneHook(fn func()) Option {
	return func(c *config) {
		c.pruneHook = fn
	}
}

func WithLogger(l *logger.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}

func WithMetrics(m cache.Metrics) Option {
	return func(c *config) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(c *config) {
		if clock != nil {
			c.clock = clock
		}
	}
}

type registeredFetcher struct {
	prefix string
	fn     Fetcher
}

// Service is the predictive cache warmer. It is STOPPED until Start.
type Service struct {
	cfg    config
	writer Writer
	ttls   TTLSource

	mu       sync.Mutex
	patterns map[string]*pattern
	pending  map[string]prediction // by tracked key
	fetchers []registeredFetcher   // longest prefix first
	window   time.Duration
	counters counters
	period   counters

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

type counters struct {
	predictions int64
	consumed    int64
	wasted      int64
	warmed      int64
	failed      int64
	cycles      int64
	lastCycle   time.Time
}

// New creates a stopped Service.
func New(writer Writer, ttls TTLSource, opts ...Option) *Service {
	cfg := config{
		interval:      30 * time.Second,
		window:        5 * time.Minute,
		minWindow:     time.Minute,
		maxWindow:     15 * time.Minute,
		hotWindow:     time.Minute,
		minImportance: 0.3,
		maxConcurrent: 5,
		tuneInterval:  time.Hour,
		pruneInterval: 10 * time.Minute,
		retention:     24 * time.Hour,
		peakLead:      5 * time.Second,
		fetchTimeout:  10 * time.Second,
		maxPatterns:   10000,
		historySize:   50,
		log:           logger.Nop(),
		metrics:       cache.NoopMetrics{},
		clock:         clockwork.NewRealClock(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.window = clampDuration(cfg.window, cfg.minWindow, cfg.maxWindow)

	return &Service{
		cfg:      cfg,
		writer:   writer,
		ttls:     ttls,
		patterns: make(map[string]*pattern),
		pending:  make(map[string]prediction),
		window:   cfg.window,
	}
}

// RegisterFetcher binds fn to every key under prefix. A later registration for the
// same prefix replaces the earlier one.
func (s *Service) RegisterFetcher(prefix string, fn Fetcher) {
	if prefix == "" || fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, f := range s.fetchers {
		if f.prefix == prefix {
			s.fetchers[i].fn = fn
			return
		}
	}
	s.fetchers = append(s.fetchers, registeredFetcher{prefix: prefix, fn: fn})
	sort.SliceStable(s.fetchers, func(i, j int) bool {
		return len(s.fetchers[i].prefix) > len(s.fetchers[j].prefix)
	})
}

func (s *Service) fetcherLocked(key string) (Fetcher, bool) {
	for _, f := range s.fetchers {
		if catalog.HasSegmentPrefix(key, f.prefix) {
			return f.fn, true
		}
	}
	return nil, false
}

// Start launches the background loops. Calling Start on a running service is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)
	s.cfg.log.Info("cache warming started",
		logger.Duration("interval_ms", s.cfg.interval),
		logger.Duration("window_ms", s.Window()),
	)
}

// Stop cancels the background loops and waits for them to exit.
func (s *Service) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if !s.running {
		return
	}
	s.cancel()
	<-s.done
	s.running = false
	s.cfg.log.Info("cache warming stopped")
}

// Running reports whether the background loops are active.
func (s *Service) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// Window returns the current warming window.
func (s *Service) Window() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.window
}

func (s *Service) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	cycle := s.cfg.clock.NewTicker(s.cfg.interval)
	defer cycle.Stop()
	tune := s.cfg.clock.NewTicker(s.cfg.tuneInterval)
	defer tune.Stop()
	prune := s.cfg.clock.NewTicker(s.cfg.pruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-cycle.Chan():
			s.RunCycle(ctx)
		case <-tune.Chan():
			s.Tune()
		case <-prune.Chan():
			s.Prune()
			if s.cfg.pruneHook != nil {
				s.cfg.pruneHook()
			}
		}
	}
}

// Stats is a snapshot of the warming state.
type Stats struct {
	Running     bool          `json:"running"`
	Patterns    int           `json:"patterns"`
	Fetchers    int           `json:"fetchers"`
	Pending     int           `json:"pending_predictions"`
	Window      time.Duration `json:"window"`
	Efficiency  float64       `json:"efficiency"`
	Predictions int64         `json:"predictions"`
	Consumed    int64         `json:"consumed"`
	Wasted      int64         `json:"wasted"`
	Warmed      int64         `json:"warmed"`
	Failed      int64         `json:"failed"`
	Cycles      int64         `json:"cycles"`
	LastCycle   time.Time     `json:"last_cycle"`
}

func (s *Service) Stats() Stats {
	running := s.Running()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Running:     running,
		Patterns:    len(s.patterns),
		Fetchers:    len(s.fetchers),
		Pending:     len(s.pending),
		Window:      s.window,
		Efficiency:  s.counters.efficiency(),
		Predictions: s.counters.predictions,
		Consumed:    s.counters.consumed,
		Wasted:      s.counters.wasted,
		Warmed:      s.counters.warmed,
		Failed:      s.counters.failed,
		Cycles:      s.counters.cycles,
		LastCycle:   s.counters.lastCycle,
	}
}

func (c counters) efficiency() float64 {
	if c.predictions == 0 {
		return 0
	}
	return float64(c.consumed) / float64(c.predictions)
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
