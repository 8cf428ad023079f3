// Package metrics provides Prometheus metrics collection for the cache,
// invalidation, request-optimization, and query-monitoring components.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mlgclan/perfcore/infrastructure/runtime"
)

// Metrics holds all Prometheus metrics exposed by the core.
type Metrics struct {
	// HTTP metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Error metrics
	ErrorsTotal *prometheus.CounterVec

	// Cache (C1/C2/C3) metrics
	CacheOpsTotal        *prometheus.CounterVec
	CacheHitRatio        *prometheus.GaugeVec
	CacheTierHitsTotal    *prometheus.CounterVec
	CompressionSavedBytes prometheus.Counter
	CacheEntries          *prometheus.GaugeVec

	// Invalidation (C4) metrics
	InvalidationEventsTotal *prometheus.CounterVec
	InvalidationActionsTotal *prometheus.CounterVec
	InvalidationBatchSize    prometheus.Histogram
	InvalidationDeadLetter   prometheus.Counter

	// Request optimizer (C5) metrics
	DedupHitsTotal   prometheus.Counter
	BatchedRequests  prometheus.Counter

	// Query monitor (C6) metrics
	QueryDuration   *prometheus.HistogramVec
	SlowQueryTotal  *prometheus.CounterVec
	RegressionTotal *prometheus.CounterVec

	// Service health
	ServiceUptime prometheus.Gauge
	ServiceInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered
func New(serviceName string) *Metrics {
	return NewWithRegistry(serviceName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry
func NewWithRegistry(serviceName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"service", "method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service", "method", "path"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "errors_total",
				Help: "Total number of errors",
			},
			[]string{"service", "type", "operation"},
		),

		CacheOpsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_operations_total",
				Help: "Total cache operations by namespace, op and result",
			},
			[]string{"namespace", "op", "result"},
		),
		CacheHitRatio: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cache_hit_ratio",
				Help: "Rolling cache hit ratio by namespace",
			},
			[]string{"namespace"},
		),
		CacheTierHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cache_tier_hits_total",
				Help: "Cache hits split by tier (l1, remote)",
			},
			[]string{"tier"},
		),
		CompressionSavedBytes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "cache_compression_saved_bytes_total",
				Help: "Total bytes saved by transparent compression",
			},
		),
		CacheEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cache_entries",
				Help: "Current number of entries held per tier",
			},
			[]string{"tier"},
		),

		InvalidationEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invalidation_events_total",
				Help: "Total invalidation events processed by event type",
			},
			[]string{"event_type"},
		),
		InvalidationActionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "invalidation_actions_total",
				Help: "Total invalidation actions executed, by result",
			},
			[]string{"result"},
		),
		InvalidationBatchSize: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "invalidation_batch_size",
				Help:    "Number of events merged per batch flush",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100},
			},
		),
		InvalidationDeadLetter: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "invalidation_dead_letter_total",
				Help: "Total invalidation actions moved to the dead-letter log",
			},
		),

		DedupHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optimizer_dedup_hits_total",
				Help: "Total requests served from an in-flight deduplication record",
			},
		),
		BatchedRequests: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "optimizer_batched_requests_total",
				Help: "Total requests dispatched as part of a read batch",
			},
		),

		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "query_duration_seconds",
				Help:    "Observed query duration by class",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"class"},
		),
		SlowQueryTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "slow_query_total",
				Help: "Total queries breaching their per-class SLA",
			},
			[]string{"class"},
		),
		RegressionTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "query_regression_total",
				Help: "Total detected query performance regressions",
			},
			[]string{"class"},
		),

		ServiceUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "service_uptime_seconds",
				Help: "Service uptime in seconds",
			},
		),
		ServiceInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "service_info",
				Help: "Service information",
			},
			[]string{"service", "version", "environment"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.RequestsTotal,
			m.RequestDuration,
			m.RequestsInFlight,
			m.ErrorsTotal,
			m.CacheOpsTotal,
			m.CacheHitRatio,
			m.CacheTierHitsTotal,
			m.CompressionSavedBytes,
			m.CacheEntries,
			m.InvalidationEventsTotal,
			m.InvalidationActionsTotal,
			m.InvalidationBatchSize,
			m.InvalidationDeadLetter,
			m.DedupHitsTotal,
			m.BatchedRequests,
			m.QueryDuration,
			m.SlowQueryTotal,
			m.RegressionTotal,
			m.ServiceUptime,
			m.ServiceInfo,
		)
	}

	m.ServiceInfo.WithLabelValues(serviceName, "1.0.0", getEnvironment()).Set(1)

	return m
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.RequestsTotal.WithLabelValues(service, method, path, status).Inc()
	m.RequestDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

// RecordError records an error
func (m *Metrics) RecordError(service, errorType, operation string) {
	m.ErrorsTotal.WithLabelValues(service, errorType, operation).Inc()
}

// RecordCacheOp records a cache operation outcome for a namespace.
func (m *Metrics) RecordCacheOp(namespace, op, result string) {
	m.CacheOpsTotal.WithLabelValues(namespace, op, result).Inc()
}

// SetCacheHitRatio records the rolling hit ratio for a namespace.
func (m *Metrics) SetCacheHitRatio(namespace string, ratio float64) {
	m.CacheHitRatio.WithLabelValues(namespace).Set(ratio)
}

// RecordCacheTierHit records which tier (l1 or remote) served a hit.
func (m *Metrics) RecordCacheTierHit(tier string) {
	m.CacheTierHitsTotal.WithLabelValues(tier).Inc()
}

// RecordCompressionSaved accumulates bytes saved by transparent compression.
func (m *Metrics) RecordCompressionSaved(bytesSaved int) {
	if bytesSaved > 0 {
		m.CompressionSavedBytes.Add(float64(bytesSaved))
	}
}

// SetCacheEntries records the current entry count for a tier.
func (m *Metrics) SetCacheEntries(tier string, count int) {
	m.CacheEntries.WithLabelValues(tier).Set(float64(count))
}

// RecordInvalidationEvent records one processed invalidation event.
func (m *Metrics) RecordInvalidationEvent(eventType string) {
	m.InvalidationEventsTotal.WithLabelValues(eventType).Inc()
}

// RecordInvalidationAction records the outcome of one invalidation action.
func (m *Metrics) RecordInvalidationAction(result string) {
	m.InvalidationActionsTotal.WithLabelValues(result).Inc()
}

// RecordInvalidationBatch records the number of events merged into a flush.
func (m *Metrics) RecordInvalidationBatch(size int) {
	m.InvalidationBatchSize.Observe(float64(size))
}

// RecordDeadLetter records an action moved to the dead-letter log.
func (m *Metrics) RecordDeadLetter() {
	m.InvalidationDeadLetter.Inc()
}

// RecordDedupHit records a request served from an in-flight dedup record.
func (m *Metrics) RecordDedupHit() {
	m.DedupHitsTotal.Inc()
}

// RecordBatchedRequest records a request dispatched as part of a read batch.
func (m *Metrics) RecordBatchedRequest() {
	m.BatchedRequests.Inc()
}

// RecordQuery records one query observation for a given class.
func (m *Metrics) RecordQuery(class string, duration time.Duration) {
	m.QueryDuration.WithLabelValues(class).Observe(duration.Seconds())
}

// RecordSlowQuery records a per-class SLA breach.
func (m *Metrics) RecordSlowQuery(class string) {
	m.SlowQueryTotal.WithLabelValues(class).Inc()
}

// RecordRegression records a detected performance regression for a class.
func (m *Metrics) RecordRegression(class string) {
	m.RegressionTotal.WithLabelValues(class).Inc()
}

// UpdateUptime updates the service uptime
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.ServiceUptime.Set(time.Since(startTime).Seconds())
}

// IncrementInFlight increments the in-flight requests counter
func (m *Metrics) IncrementInFlight() {
	m.RequestsInFlight.Inc()
}

// DecrementInFlight decrements the in-flight requests counter
func (m *Metrics) DecrementInFlight() {
	m.RequestsInFlight.Dec()
}

func getEnvironment() string {
	return string(runtime.Env())
}

// Enabled returns whether Prometheus metrics should be exposed.
//
// Defaults:
// - production: disabled unless explicitly enabled via METRICS_ENABLED
// - non-production: enabled unless explicitly disabled via METRICS_ENABLED
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	if raw == "" {
		return !runtime.IsProduction()
	}
	switch raw {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Global metrics instance
var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance
func Init(serviceName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(serviceName)
	}
	return globalMetrics
}

// Global returns the global metrics instance
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("unknown")
	}
	return globalMetrics
}
