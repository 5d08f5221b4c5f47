package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the query engine
type Metrics struct {
	// Query metrics
	QueriesTotal     *prometheus.CounterVec
	QueryDuration    *prometheus.HistogramVec
	QueryErrors      *prometheus.CounterVec
	RowsReturned     prometheus.Histogram
	TransientRetries prometheus.Counter

	// Cache metrics
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheEvictionsTotal prometheus.Gauge
	CacheEntries        prometheus.Gauge
	CacheInvalidations  prometheus.Counter

	// Pool metrics
	PoolAcquiresTotal prometheus.Counter
	PoolTimeoutsTotal prometheus.Gauge
	PoolActiveConns   prometheus.Gauge
	PoolIdleConns     prometheus.Gauge
	PoolConnErrors    prometheus.Gauge

	// Advisor metrics
	RecommendationsTotal prometheus.Counter
	IndexesCreatedTotal  prometheus.Counter
	IndexesDroppedTotal  prometheus.Counter
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics() *Metrics {
	return &Metrics{
		QueriesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "querybridge",
			Subsystem: "engine",
			Name:      "queries_total",
			Help:      "Total number of executed statements by kind",
		}, []string{"kind"}),
		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "querybridge",
			Subsystem: "engine",
			Name:      "query_duration_seconds",
			Help:      "Histogram of statement durations by kind",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		QueryErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: "querybridge",
			Subsystem: "engine",
			Name:      "query_errors_total",
			Help:      "Total number of failed statements by error code class",
		}, []string{"class"}),
		RowsReturned: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: "querybridge",
			Subsystem: "engine",
			Name:      "rows_returned",
			Help:      "Histogram of row counts returned by read statements",
			Buckets:   []float64{0, 1, 10, 100, 1000, 10000, 100000},
		}),
		TransientRetries: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "querybridge",
			Subsystem: "engine",
			Name:      "transient_retries_total",
			Help:      "Total number of single retries after transient connection errors",
		}),

		CacheHitsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "querybridge",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of query cache hits",
		}),
		CacheMissesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "querybridge",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of query cache misses",
		}),
		CacheEvictionsTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "querybridge",
			Subsystem: "cache",
			Name:      "evictions_total",
			Help:      "Total number of query cache evictions",
		}),
		CacheEntries: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "querybridge",
			Subsystem: "cache",
			Name:      "entries",
			Help:      "Current number of query cache entries",
		}),
		CacheInvalidations: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "querybridge",
			Subsystem: "cache",
			Name:      "invalidations_total",
			Help:      "Total number of cache entries removed by invalidation",
		}),

		PoolAcquiresTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "querybridge",
			Subsystem: "pool",
			Name:      "acquires_total",
			Help:      "Total number of connection acquisitions",
		}),
		PoolTimeoutsTotal: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "querybridge",
			Subsystem: "pool",
			Name:      "timeouts_total",
			Help:      "Total number of acquisitions that timed out",
		}),
		PoolActiveConns: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "querybridge",
			Subsystem: "pool",
			Name:      "active_connections",
			Help:      "Current number of leased connections",
		}),
		PoolIdleConns: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "querybridge",
			Subsystem: "pool",
			Name:      "idle_connections",
			Help:      "Current number of idle connections",
		}),
		PoolConnErrors: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: "querybridge",
			Subsystem: "pool",
			Name:      "connection_errors_total",
			Help:      "Total number of connection errors observed",
		}),

		RecommendationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "querybridge",
			Subsystem: "advisor",
			Name:      "recommendations_total",
			Help:      "Total number of index recommendations produced",
		}),
		IndexesCreatedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "querybridge",
			Subsystem: "advisor",
			Name:      "indexes_created_total",
			Help:      "Total number of indexes created through the advisor",
		}),
		IndexesDroppedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: "querybridge",
			Subsystem: "advisor",
			Name:      "indexes_dropped_total",
			Help:      "Total number of indexes dropped through the advisor",
		}),
	}
}

// UpdatePoolStats refreshes the pool gauges
func (m *Metrics) UpdatePoolStats(active, idle int, errors, timeouts uint64) {
	if m == nil {
		return
	}
	m.PoolActiveConns.Set(float64(active))
	m.PoolIdleConns.Set(float64(idle))
	m.PoolConnErrors.Set(float64(errors))
	m.PoolTimeoutsTotal.Set(float64(timeouts))
}

// UpdateCacheStats refreshes the cache gauges
func (m *Metrics) UpdateCacheStats(entries int, evictions uint64) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(entries))
	m.CacheEvictionsTotal.Set(float64(evictions))
}

// ObserveRecommendations counts advisor recommendations produced
func (m *Metrics) ObserveRecommendations(n int) {
	if m == nil {
		return
	}
	m.RecommendationsTotal.Add(float64(n))
}

// ObserveIndexCreated counts one index created through the advisor
func (m *Metrics) ObserveIndexCreated() {
	if m == nil {
		return
	}
	m.IndexesCreatedTotal.Inc()
}

// ObserveIndexDropped counts one index dropped through the advisor
func (m *Metrics) ObserveIndexDropped() {
	if m == nil {
		return
	}
	m.IndexesDroppedTotal.Inc()
}

// ObserveQuery records one statement execution
func (m *Metrics) ObserveQuery(kind string, duration time.Duration, errClass string) {
	if m == nil {
		return
	}
	m.QueriesTotal.WithLabelValues(kind).Inc()
	m.QueryDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if errClass != "" {
		m.QueryErrors.WithLabelValues(errClass).Inc()
	}
}
