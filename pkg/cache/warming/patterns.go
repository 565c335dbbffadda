package warming

import (
	"math"
	"sort"
	"time"

	"MarketCache/pkg/cache/keys"
	"MarketCache/pkg/cache/ttl"
	"MarketCache/pkg/logger"
)

const (
	initialHitRate = 0.5
	hitStep        = 0.1
	missStep       = 0.05

	weightFrequency = 0.4
	weightHitRate   = 0.3
	weightPeak      = 0.2
	weightRecency   = 0.1

	frequencyCapPerMinute = 10.0
	recencyHorizon        = time.Hour
	peakMinAccesses       = 3
	peakMinShare          = 0.2
)

// evictTo is the share of maxPatterns kept when the pattern table overflows.
const evictTo = 0.9

// pattern is the access history of one key. Generated keys are tracked without
// their time bucket so that one pattern spans every bucket of a resource.
type pattern struct {
	bucketed   bool
	accesses   []time.Time // oldest first, bounded by historySize
	hitRate    float64
	frequency  float64 // accesses per second
	hours      [24]int
	total      int
	lastAccess time.Time
	importance float64
}

func (p *pattern) meanInterval() (time.Duration, bool) {
	n := len(p.accesses)
	if n < 2 {
		return 0, false
	}
	span := p.accesses[n-1].Sub(p.accesses[0])
	if span <= 0 {
		return 0, false
	}
	return span / time.Duration(n-1), true
}

func (p *pattern) isPeakHour(hour int) bool {
	c := p.hours[hour]
	return c >= peakMinAccesses && float64(c) >= peakMinShare*float64(p.total)
}

func (p *pattern) score(now time.Time) float64 {
	freq := math.Min(p.frequency*60/frequencyCapPerMinute, 1)

	peak := 0.0
	if p.isPeakHour(now.Hour()) {
		peak = 1
	}

	recency := 0.0
	if !p.lastAccess.IsZero() {
		since := now.Sub(p.lastAccess)
		if since < 0 {
			since = 0
		}
		recency = math.Max(0, 1-float64(since)/float64(recencyHorizon))
	}

	return weightFrequency*freq + weightHitRate*p.hitRate + weightPeak*peak + weightRecency*recency
}

// RecordAccess feeds one cache lookup of key into its pattern. A zero at means now.
// An access to the exact key warmed and not yet requested counts as a successful
// prediction. An access landing in a later bucket than the warmed one counts as wasted.
func (s *Service) RecordAccess(key string, hit bool, at time.Time) {
	if key == "" {
		return
	}
	if at.IsZero() {
		at = s.cfg.clock.Now()
	}
	track, bucketed := keys.Unbucket(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if pr, ok := s.pending[track]; ok {
		switch {
		case pr.key == key:
			delete(s.pending, track)
			s.counters.consumed++
			s.period.consumed++
		case laterBucket(key, pr.key):
			delete(s.pending, track)
			s.counters.wasted++
			s.period.wasted++
		}
	}

	p, ok := s.patterns[track]
	if !ok {
		if len(s.patterns) >= s.cfg.maxPatterns {
			keep := int(float64(s.cfg.maxPatterns) * evictTo)
			if keep >= s.cfg.maxPatterns {
				keep = s.cfg.maxPatterns - 1
			}
			s.evictLocked(at, keep)
		}
		p = &pattern{hitRate: initialHitRate, bucketed: bucketed}
		s.patterns[track] = p
	}

	// keep accesses sorted; late reports are rare
	idx := sort.Search(len(p.accesses), func(i int) bool { return p.accesses[i].After(at) })
	p.accesses = append(p.accesses, time.Time{})
	copy(p.accesses[idx+1:], p.accesses[idx:])
	p.accesses[idx] = at
	if over := len(p.accesses) - s.cfg.historySize; over > 0 {
		p.accesses = append(p.accesses[:0], p.accesses[over:]...)
	}
	if at.After(p.lastAccess) {
		p.lastAccess = at
	}

	if hit {
		p.hitRate = math.Min(1, p.hitRate+hitStep)
	} else {
		p.hitRate = math.Max(0, p.hitRate-missStep)
	}

	if mean, ok := p.meanInterval(); ok {
		p.frequency = 1 / mean.Seconds()
	}

	p.hours[at.Hour()]++
	p.total++
	p.importance = p.score(at)
}

// Importance returns the stored importance score of key. Any bucket of a generated key
// resolves to the same pattern.
func (s *Service) Importance(key string) (float64, bool) {
	track, _ := keys.Unbucket(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[track]
	if !ok {
		return 0, false
	}
	return p.importance, true
}

// HitRate returns the hit-rate estimate of key.
func (s *Service) HitRate(key string) (float64, bool) {
	track, _ := keys.Unbucket(key)
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.patterns[track]
	if !ok {
		return 0, false
	}
	return p.hitRate, true
}

// prediction is a warmed key not yet requested.
type prediction struct {
	key string
	at  time.Time
}

type candidate struct {
	key        string // concrete key fetched and stored
	track      string // pattern the key belongs to
	importance float64
	predicted  time.Time
	lead       time.Duration // from now until the predicted access
	hint       ttl.Hint
	fetch      Fetcher
}

// identifyCandidates returns the keys to warm at now, most important first,
// capped to maxConcurrent. Bucketed keys are generated for the bucket holding
// the predicted access, or the current one when the prediction is already past.
func (s *Service) identifyCandidates(now time.Time) []candidate {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []candidate
	for track, p := range s.patterns {
		if _, warmed := s.pending[track]; warmed {
			continue
		}
		if now.Sub(p.lastAccess) < s.cfg.hotWindow {
			continue
		}
		importance := p.score(now)
		if importance < s.cfg.minImportance {
			continue
		}
		fetch, ok := s.fetcherLocked(track)
		if !ok {
			continue
		}
		mean, ok := p.meanInterval()
		if !ok {
			continue
		}

		predicted := p.lastAccess.Add(mean)
		if p.isPeakHour(predicted.Hour()) {
			predicted = predicted.Add(-s.cfg.peakLead)
		}
		if delta := predicted.Sub(now); delta < -s.window || delta > s.window {
			continue
		}

		target, lead := predicted, predicted.Sub(now)
		if lead < 0 {
			target, lead = now, 0
		}
		key := track
		if p.bucketed {
			key, _ = keys.BucketAt(track, target)
		}

		out = append(out, candidate{
			key:        key,
			track:      track,
			importance: importance,
			predicted:  predicted,
			lead:       lead,
			fetch:      fetch,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].importance != out[j].importance {
			return out[i].importance > out[j].importance
		}
		return out[i].key < out[j].key
	})
	if len(out) > s.cfg.maxConcurrent {
		out = out[:s.cfg.maxConcurrent]
	}
	return out
}

// Prune drops access times older than the retention window, forgets keys left
// without accesses, expires unconsumed predictions older than twice the window
// and caps the number of tracked keys.
func (s *Service) Prune() {
	now := s.cfg.clock.Now()
	cutoff := now.Add(-s.cfg.retention)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, p := range s.patterns {
		i := sort.Search(len(p.accesses), func(i int) bool { return !p.accesses[i].Before(cutoff) })
		if i > 0 {
			p.accesses = append(p.accesses[:0], p.accesses[i:]...)
		}
		if len(p.accesses) == 0 {
			delete(s.patterns, key)
			removed++
		}
	}

	stale := 2 * s.window
	expired := 0
	for key, pr := range s.pending {
		if now.Sub(pr.at) > stale {
			delete(s.pending, key)
			s.counters.wasted++
			s.period.wasted++
			expired++
		}
	}

	s.evictLocked(now, s.cfg.maxPatterns)

	if removed > 0 || expired > 0 {
		s.cfg.log.Debug("cache warming pruned",
			logger.Int("patterns_removed", removed),
			logger.Int("predictions_expired", expired),
			logger.Int("patterns", len(s.patterns)),
		)
	}
}

// evictLocked drops the least important patterns until at most keep remain.
func (s *Service) evictLocked(now time.Time, keep int) {
	over := len(s.patterns) - keep
	if over <= 0 {
		return
	}

	type scored struct {
		key   string
		score float64
	}
	all := make([]scored, 0, len(s.patterns))
	for key, p := range s.patterns {
		all = append(all, scored{key: key, score: p.score(now)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score < all[j].score
		}
		return all[i].key < all[j].key
	})
	for _, v := range all[:over] {
		delete(s.patterns, v.key)
	}
}

// laterBucket reports whether key a is a later time bucket of the same resource as b.
func laterBucket(a, b string) bool {
	pa, ok := keys.Parse(a)
	if !ok {
		return false
	}
	pb, ok := keys.Parse(b)
	return ok && pa.Bucket > pb.Bucket
}
