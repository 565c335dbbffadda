package warming

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"MarketCache/pkg/cache/keys"
	"MarketCache/pkg/cache/ttl"
	"MarketCache/pkg/logger"
)

const (
	shrinkAbove  = 0.8
	growBelow    = 0.5
	shrinkFactor = 0.8
	growFactor   = 1.25
)

// CycleResult summarises one prediction cycle. Dependents counts the dependents
// of warmed candidates that were warmed as well; they are included in Warmed and Failed.
type CycleResult struct {
	Candidates int
	Dependents int
	Warmed     int
	Failed     int
}

// RunCycle predicts, fetches and stores the current warming candidates, then
// warms the dependents of those in cascading tiers.
// It is called by the background loop and may be called directly.
func (s *Service) RunCycle(ctx context.Context) CycleResult {
	now := s.cfg.clock.Now()
	cands := s.identifyCandidates(now)
	ok := s.warmAll(ctx, cands)

	deps := s.dependentCandidates(cands, ok)
	if len(deps) > 0 {
		cands = append(cands, deps...)
		ok = append(ok, s.warmAll(ctx, deps)...)
	}

	res := CycleResult{Candidates: len(cands) - len(deps), Dependents: len(deps)}
	s.mu.Lock()
	for i, c := range cands {
		if ok[i] {
			res.Warmed++
			s.pending[c.track] = prediction{key: c.key, at: now}
			s.counters.predictions++
			s.period.predictions++
		} else {
			res.Failed++
		}
	}
	s.counters.warmed += int64(res.Warmed)
	s.counters.failed += int64(res.Failed)
	s.counters.cycles++
	s.counters.lastCycle = now
	eff := s.counters.efficiency()
	s.mu.Unlock()

	s.cfg.metrics.SetWarmingEfficiency(eff)
	if res.Candidates > 0 {
		s.cfg.log.Debug("cache warming cycle",
			logger.Int("candidates", res.Candidates),
			logger.Int("warmed", res.Warmed),
			logger.Int("failed", res.Failed),
			logger.Float64("efficiency", eff),
		)
	}
	return res
}

// dependentCandidates returns the dependents of the warmed candidates whose tier
// cascades. A dependent is warmed for the same bucket as its parent with a TTL hint
// of one dependency level, once per cycle, and only when a fetcher is registered.
func (s *Service) dependentCandidates(warmed []candidate, ok []bool) []candidate {
	cascader, can := s.ttls.(Cascader)
	if !can || s.cfg.dependents == nil {
		return nil
	}

	seen := make(map[string]struct{}, len(warmed))
	for _, c := range warmed {
		seen[c.track] = struct{}{}
	}

	var out []candidate
	for i, c := range warmed {
		if !ok[i] || !cascader.ShouldCascade(c.key) {
			continue
		}
		at := s.cfg.clock.Now().Add(c.lead)
		for _, dep := range s.cfg.dependents(c.key) {
			track, _ := keys.Unbucket(dep)
			key, _ := keys.BucketAt(track, at)
			if _, dup := seen[track]; dup {
				continue
			}
			seen[track] = struct{}{}

			s.mu.Lock()
			_, warmedBefore := s.pending[track]
			fetch, found := s.fetcherLocked(track)
			s.mu.Unlock()
			if warmedBefore || !found {
				continue
			}
			out = append(out, candidate{
				key:       key,
				track:     track,
				predicted: c.predicted,
				lead:      c.lead,
				hint:      ttl.Hint{DependencyLevel: 1},
				fetch:     fetch,
			})
		}
	}
	return out
}

// ManualWarm fetches and stores keys immediately, bypassing prediction.
// Keys without a registered fetcher report false.
func (s *Service) ManualWarm(ctx context.Context, keys []string) map[string]bool {
	out := make(map[string]bool, len(keys))
	cands := make([]candidate, 0, len(keys))

	s.mu.Lock()
	for _, k := range keys {
		if _, dup := out[k]; dup {
			continue
		}
		out[k] = false
		if fn, ok := s.fetcherLocked(k); ok {
			cands = append(cands, candidate{key: k, track: k, fetch: fn})
		} else {
			s.cfg.log.Warn("no fetcher for warm key", logger.String("key", k))
		}
	}
	s.mu.Unlock()

	ok := s.warmAll(ctx, cands)
	for i, c := range cands {
		out[c.key] = ok[i]
	}
	return out
}

// WarmCriticalPaths warms the configured hand-picked keys.
func (s *Service) WarmCriticalPaths(ctx context.Context) map[string]bool {
	if s.cfg.criticalPaths == nil {
		return map[string]bool{}
	}
	res := s.ManualWarm(ctx, s.cfg.criticalPaths())

	warmed := 0
	for _, ok := range res {
		if ok {
			warmed++
		}
	}
	s.cfg.log.Info("critical cache paths warmed", logger.Int("keys", len(res)), logger.Int("warmed", warmed))
	return res
}

// Tune adjusts the warming window from the efficiency observed since the last call.
// Shrinks when most predictions are consumed, grows when few are.
func (s *Service) Tune() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	period := s.period
	s.period = counters{}
	if period.predictions == 0 {
		return s.window
	}

	eff := period.efficiency()
	prev := s.window
	switch {
	case eff > shrinkAbove:
		s.window = time.Duration(float64(s.window) * shrinkFactor)
	case eff < growBelow:
		s.window = time.Duration(float64(s.window) * growFactor)
	}
	s.window = clampDuration(s.window, s.cfg.minWindow, s.cfg.maxWindow)

	if s.window != prev {
		s.cfg.log.Info("cache warming window tuned",
			logger.Float64("efficiency", eff),
			logger.Duration("from_ms", prev),
			logger.Duration("to_ms", s.window),
		)
	}
	return s.window
}

// warmAll warms cands with bounded concurrency; ok[i] reports cands[i].
func (s *Service) warmAll(ctx context.Context, cands []candidate) []bool {
	ok := make([]bool, len(cands))
	if len(cands) == 0 {
		return ok
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(s.cfg.maxConcurrent)
	for i, c := range cands {
		g.Go(func() error {
			res := s.warmOne(ctx, c)
			mu.Lock()
			ok[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return ok
}

func (s *Service) warmOne(ctx context.Context, c candidate) bool {
	start := s.cfg.clock.Now()
	value, err := s.fetch(ctx, c)
	if err == nil && value == nil {
		err = fmt.Errorf("fetcher returned nil")
	}
	if err != nil {
		s.cfg.metrics.ObserveWarming("failed")
		s.cfg.log.Warn("cache warm fetch failed",
			logger.String("key", c.key),
			logger.Duration("latency_ms", s.cfg.clock.Since(start)),
			logger.Error(err),
		)
		return false
	}

	// the entry has to outlive the wait for its predicted access
	d := s.ttls.TTL(c.key, c.hint) + c.lead
	stored := s.writer.MultiSet(ctx, map[string]any{c.key: value}, d)
	if !stored[c.key] {
		s.cfg.metrics.ObserveWarming("failed")
		s.cfg.log.Warn("cache warm store failed", logger.String("key", c.key))
		return false
	}
	s.cfg.metrics.ObserveWarming("ok")
	return true
}

func (s *Service) fetch(ctx context.Context, c candidate) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, fmt.Errorf("fetcher panicked: %v", r)
		}
	}()
	ctx, cancel := context.WithTimeout(ctx, s.cfg.fetchTimeout)
	defer cancel()
	return c.fetch(ctx, c.key)
}
