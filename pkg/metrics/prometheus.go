package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "marketcache"

// Recorder implements cache.Metrics using Prometheus.
type Recorder struct {
	gatherer prometheus.Gatherer

	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	warming    *prometheus.CounterVec
	efficiency prometheus.Gauge
	entries    prometheus.Gauge
	hitRatio   prometheus.Gauge
}

// New registers the cache collectors on reg. A nil reg uses a fresh registry,
// which keeps repeated construction in tests free of duplicate registration.
func New(reg *prometheus.Registry) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Recorder{
		gatherer: reg,
		operations: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_operations_total",
				Help:      "Cache operations by type and result",
			},
			[]string{"op", "result"},
		),
		latency: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "cache_operation_seconds",
				Help:      "Duration of cache operations in seconds",
				Buckets:   []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"op"},
		),
		warming: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_warming_total",
				Help:      "Warming attempts by result",
			},
			[]string{"result"},
		),
		efficiency: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_warming_efficiency",
			Help:      "Share of warmed keys requested before expiring",
		}),
		entries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lru_entries",
			Help:      "Entries held by the in-process LRU store",
		}),
		hitRatio: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "lru_hit_ratio",
			Help:      "Hit ratio of the in-process LRU store",
		}),
	}
}

func (r *Recorder) ObserveOperation(op string, success bool, d time.Duration) {
	result := "ok"
	if !success {
		result = "error"
	}
	r.operations.WithLabelValues(op, result).Inc()
	r.latency.WithLabelValues(op).Observe(d.Seconds())
}

func (r *Recorder) ObserveWarming(result string) {
	r.warming.WithLabelValues(result).Inc()
}

func (r *Recorder) SetWarmingEfficiency(v float64) {
	r.efficiency.Set(v)
}

func (r *Recorder) ObserveStore(size int, hitRate float64) {
	r.entries.Set(float64(size))
	r.hitRatio.Set(hitRate)
}

// Handler serves the registry in the Prometheus text format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.gatherer, promhttp.HandlerOpts{})
}
