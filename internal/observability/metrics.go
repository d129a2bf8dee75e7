package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics stores Prometheus collectors used by API, queue, and worker flows.
type Metrics struct {
	registry *prometheus.Registry

	httpRequestsTotal     *prometheus.CounterVec
	httpRequestDuration   *prometheus.HistogramVec
	deliveriesSentTotal   *prometheus.CounterVec
	deliveriesFailedTotal *prometheus.CounterVec
	deliverySendDuration  *prometheus.HistogramVec
	workerInflight        *prometheus.GaugeVec
	retriesScheduledTotal prometheus.Counter
	jobsEnqueuedTotal     prometheus.Counter
	jobsRemovedTotal      prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courier",
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests processed by method, path, and status.",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "courier",
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds by method and path.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		deliveriesSentTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courier",
				Name:      "deliveries_sent_total",
				Help:      "Total number of device deliveries accepted by the push gateway.",
			},
			[]string{"platform"},
		),
		deliveriesFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "courier",
				Name:      "deliveries_failed_total",
				Help:      "Total number of device deliveries that ended in failed state.",
			},
			[]string{"platform", "reason"},
		),
		deliverySendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "courier",
				Name:      "delivery_send_duration_seconds",
				Help:      "Gateway send duration in seconds grouped by platform.",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
			},
			[]string{"platform"},
		),
		workerInflight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: "courier",
				Name:      "worker_inflight",
				Help:      "Current number of in-flight delivery jobs grouped by platform.",
			},
			[]string{"platform"},
		),
		retriesScheduledTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "courier",
				Name:      "retries_scheduled_total",
				Help:      "Total number of delivery jobs re-queued with backoff.",
			},
		),
		jobsEnqueuedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "courier",
				Name:      "jobs_enqueued_total",
				Help:      "Total number of delivery jobs accepted into the delayed queue.",
			},
		),
		jobsRemovedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "courier",
				Name:      "jobs_removed_total",
				Help:      "Total number of delivery jobs removed before execution.",
			},
		),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpRequestsTotal,
		m.httpRequestDuration,
		m.deliveriesSentTotal,
		m.deliveriesFailedTotal,
		m.deliverySendDuration,
		m.workerInflight,
		m.retriesScheduledTotal,
		m.jobsEnqueuedTotal,
		m.jobsRemovedTotal,
	)

	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) HTTPMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()

		path := routePath(c)
		// Avoid self-scrape noise for request counters.
		if path == "/metrics" {
			return err
		}

		m.recordHTTPRequest(c.Method(), path, statusFromResult(c, err), time.Since(start))
		return err
	}
}

func (m *Metrics) IncDeliverySent(platform string) {
	if m == nil {
		return
	}
	m.deliveriesSentTotal.WithLabelValues(normalizePlatform(platform)).Inc()
}

func (m *Metrics) IncDeliveryFailed(platform string, reason string) {
	if m == nil {
		return
	}
	reasonLabel := strings.TrimSpace(strings.ToLower(reason))
	if reasonLabel == "" {
		reasonLabel = "unknown"
	}
	m.deliveriesFailedTotal.WithLabelValues(normalizePlatform(platform), reasonLabel).Inc()
}

func (m *Metrics) ObserveDeliverySendDuration(platform string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		seconds = 0
	}
	m.deliverySendDuration.WithLabelValues(normalizePlatform(platform)).Observe(seconds)
}

func (m *Metrics) IncWorkerInFlight(platform string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizePlatform(platform)).Inc()
}

func (m *Metrics) DecWorkerInFlight(platform string) {
	if m == nil {
		return
	}
	m.workerInflight.WithLabelValues(normalizePlatform(platform)).Dec()
}

func (m *Metrics) IncRetryScheduled() {
	if m == nil {
		return
	}
	m.retriesScheduledTotal.Inc()
}

func (m *Metrics) IncJobEnqueued() {
	if m == nil {
		return
	}
	m.jobsEnqueuedTotal.Inc()
}

func (m *Metrics) IncJobRemoved() {
	if m == nil {
		return
	}
	m.jobsRemovedTotal.Inc()
}

func (m *Metrics) recordHTTPRequest(method string, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}

	methodLabel := strings.ToUpper(strings.TrimSpace(method))
	if methodLabel == "" {
		methodLabel = "UNKNOWN"
	}
	pathLabel := strings.TrimSpace(path)
	if pathLabel == "" {
		pathLabel = "unmatched"
	}

	m.httpRequestsTotal.WithLabelValues(methodLabel, pathLabel, strconv.Itoa(status)).Inc()
	m.httpRequestDuration.WithLabelValues(methodLabel, pathLabel).Observe(duration.Seconds())
}

func routePath(c *fiber.Ctx) string {
	if c == nil {
		return "unmatched"
	}

	if route := c.Route(); route != nil {
		if path := strings.TrimSpace(route.Path); path != "" {
			return path
		}
	}
	return "unmatched"
}

func statusFromResult(c *fiber.Ctx, err error) int {
	if err != nil {
		if fiberErr, ok := err.(*fiber.Error); ok {
			return fiberErr.Code
		}
		return fiber.StatusInternalServerError
	}

	if c == nil {
		return fiber.StatusOK
	}

	status := c.Response().StatusCode()
	if status == 0 {
		return fiber.StatusOK
	}
	return status
}

func normalizePlatform(platform string) string {
	normalized := strings.ToLower(strings.TrimSpace(platform))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
