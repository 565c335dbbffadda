package batch

import (
	"context"
	"reflect"
	"time"

	"github.com/google/uuid"

	"MarketCache/pkg/logger"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"

	healthKeyPrefix = "health_check:"
)

// Health is the result of a synthetic round trip through the backend.
type Health struct {
	Status    string        `json:"status"`
	Latency   time.Duration `json:"latency"`
	Error     string        `json:"error,omitempty"`
	CheckedAt time.Time     `json:"checked_at"`
}

// HealthCheck writes, reads back and deletes a throwaway key.
func (o *Operations) HealthCheck(ctx context.Context) (h Health) {
	start := o.clock.Now()
	key := healthKeyPrefix + uuid.NewString()
	probe := map[string]any{"probe": key}

	h = Health{Status: StatusHealthy, CheckedAt: start}
	defer func() {
		h.Latency = o.clock.Since(start)
		o.metrics.ObserveOperation("health_check", h.Status == StatusHealthy, h.Latency)
	}()

	wctx, cancel := context.WithTimeout(ctx, o.writeTimeout)
	err := o.backend.Set(wctx, key, probe, 10*time.Second)
	cancel()
	if err != nil {
		h.Status, h.Error = StatusUnhealthy, err.Error()
		o.log.Error("cache health check failed", logger.String("step", "set"), logger.Error(err))
		return h
	}

	rctx, cancel := context.WithTimeout(ctx, o.readTimeout)
	got, ok, err := o.backend.Get(rctx, key)
	cancel()
	switch {
	case err != nil:
		h.Status, h.Error = StatusDegraded, err.Error()
	case !ok:
		h.Status, h.Error = StatusDegraded, "probe key missing after write"
	case !reflect.DeepEqual(got, probe):
		h.Status, h.Error = StatusDegraded, "probe value mismatch"
	}

	dctx, cancel := context.WithTimeout(ctx, o.writeTimeout)
	if _, err := o.backend.Delete(dctx, key); err != nil && h.Status == StatusHealthy {
		h.Status, h.Error = StatusDegraded, err.Error()
	}
	cancel()

	if h.Status == StatusHealthy && o.clock.Since(start) > o.degradedLatency {
		h.Status, h.Error = StatusDegraded, "slow round trip"
	}
	if h.Status != StatusHealthy {
		o.log.Warn("cache health degraded", logger.String("reason", h.Error))
	}
	return h
}
