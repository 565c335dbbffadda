package cache

import "time"

// Metrics receives cache events. Implementations must be safe for concurrent use.
type Metrics interface {
	// ObserveOperation records one backend or batch operation.
	ObserveOperation(op string, success bool, d time.Duration)

	// ObserveWarming records the outcome of one warming attempt ("ok" or "failed").
	ObserveWarming(result string)

	// SetWarmingEfficiency publishes consumed predictions / total predictions.
	SetWarmingEfficiency(v float64)

	// ObserveStore publishes the in-process store size and hit ratio.
	ObserveStore(size int, hitRate float64)
}

// NoopMetrics ignores every event.
type NoopMetrics struct{}

func (NoopMetrics) ObserveOperation(string, bool, time.Duration) {}
func (NoopMetrics) ObserveWarming(string)                        {}
func (NoopMetrics) SetWarmingEfficiency(float64)                 {}
func (NoopMetrics) ObserveStore(int, float64)                    {}
