// Package metrics exposes coordination, cache, render and HTTP metrics to Prometheus.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
	"go.uber.org/zap"
)

// PrometheusMetrics implements the recorder interfaces of the dedupe, pipeline,
// resultcache and chrome packages
type PrometheusMetrics struct {
	// Coordination metrics
	decisions     *prometheus.CounterVec
	lockReleases  *prometheus.CounterVec
	inFlight      prometheus.Gauge
	admissionCeil prometheus.Gauge

	// Render metrics
	rendersTotal   *prometheus.CounterVec
	renderDuration prometheus.Histogram

	// Chrome pool metrics
	chromePoolSize  prometheus.Gauge
	chromeAvailable prometheus.Gauge
	chromeRestarts  prometheus.Counter

	// Cache metrics
	cacheResults *prometheus.CounterVec

	// HTTP metrics
	httpRequests *prometheus.CounterVec

	logger      *zap.Logger
	httpHandler func(*fasthttp.RequestCtx)
}

// NewPrometheusMetrics registers on the default registry
func NewPrometheusMetrics(namespace string, logger *zap.Logger) *PrometheusMetrics {
	return NewPrometheusMetricsWithRegistry(namespace, prometheus.DefaultRegisterer, logger)
}

// NewPrometheusMetricsWithRegistry registers on registerer. The HTTP handler gathers from
// registerer when it is also a Gatherer, and from the default gatherer otherwise.
func NewPrometheusMetricsWithRegistry(namespace string, registerer prometheus.Registerer, logger *zap.Logger) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		logger: logger,
	}

	pm.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dedupe",
		Name:      "decisions_total",
		Help:      "Coordination decisions by outcome",
	}, []string{"decision"}) // decision: lock_acquired, short_circuit, rejected_busy, rejected_duplicate, fail_open

	pm.lockReleases = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "dedupe",
		Name:      "lock_releases_total",
		Help:      "Render lock releases by outcome",
	}, []string{"outcome"}) // outcome: released, expired, error

	pm.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dedupe",
		Name:      "renders_in_flight",
		Help:      "Renders currently admitted",
	})

	pm.admissionCeil = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "dedupe",
		Name:      "max_concurrent_renders",
		Help:      "Configured admission ceiling",
	})

	pm.rendersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "render",
		Name:      "renders_total",
		Help:      "Total number of renders",
	}, []string{"status"}) // status: success, error, timeout

	pm.renderDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "render",
		Name:      "duration_seconds",
		Help:      "Time spent rendering pages",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10), // 0.1s to ~100s
	})

	pm.chromePoolSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "render",
		Name:      "chrome_pool_size",
		Help:      "Total number of Chrome instances in the pool",
	})

	pm.chromeAvailable = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "render",
		Name:      "chrome_available",
		Help:      "Number of idle Chrome instances",
	})

	pm.chromeRestarts = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "render",
		Name:      "chrome_restarts_total",
		Help:      "Chrome instances restarted by the pool",
	})

	pm.cacheResults = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "cache",
		Name:      "operations_total",
		Help:      "Result cache lookups and stores by result",
	}, []string{"result"}) // result: hit, memory_hit, miss, error, stored, store_error

	pm.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "Total HTTP requests by endpoint and status",
	}, []string{"endpoint", "status"})

	registerer.MustRegister(
		pm.decisions,
		pm.lockReleases,
		pm.inFlight,
		pm.admissionCeil,
		pm.rendersTotal,
		pm.renderDuration,
		pm.chromePoolSize,
		pm.chromeAvailable,
		pm.chromeRestarts,
		pm.cacheResults,
		pm.httpRequests,
	)

	gatherer, ok := registerer.(prometheus.Gatherer)
	if !ok {
		gatherer = prometheus.DefaultGatherer
	}
	pm.httpHandler = fasthttpadaptor.NewFastHTTPHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	logger.Info("Prometheus metrics initialized", zap.String("namespace", namespace))
	return pm
}

func (pm *PrometheusMetrics) RecordDecision(decision string) {
	pm.decisions.WithLabelValues(decision).Inc()
}

func (pm *PrometheusMetrics) RecordLockRelease(outcome string) {
	pm.lockReleases.WithLabelValues(outcome).Inc()
}

func (pm *PrometheusMetrics) SetInFlight(n int) {
	pm.inFlight.Set(float64(n))
}

func (pm *PrometheusMetrics) SetAdmissionCeiling(n int) {
	pm.admissionCeil.Set(float64(n))
}

// ObserveRender records a render outcome and its duration
func (pm *PrometheusMetrics) ObserveRender(status string, duration time.Duration) {
	pm.rendersTotal.WithLabelValues(status).Inc()
	pm.renderDuration.Observe(duration.Seconds())
}

func (pm *PrometheusMetrics) UpdateChromePoolSize(size int) {
	pm.chromePoolSize.Set(float64(size))
}

func (pm *PrometheusMetrics) UpdateChromeAvailable(available int) {
	pm.chromeAvailable.Set(float64(available))
}

func (pm *PrometheusMetrics) RecordChromeRestart() {
	pm.chromeRestarts.Inc()
}

func (pm *PrometheusMetrics) RecordCache(result string) {
	pm.cacheResults.WithLabelValues(result).Inc()
}

// RecordHTTPRequest records a served request by endpoint and status code
func (pm *PrometheusMetrics) RecordHTTPRequest(endpoint string, status int) {
	pm.httpRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

// ServeHTTP serves Prometheus metrics via HTTP
func (pm *PrometheusMetrics) ServeHTTP(ctx *fasthttp.RequestCtx) {
	pm.httpHandler(ctx)
}
