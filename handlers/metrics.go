package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/andesco/sieve/pkg/rewrite"
)

// Metrics collects proxy outcomes. A nil *Metrics records nothing.
type Metrics struct {
	requestsTotal *prometheus.CounterVec
	fetchDuration prometheus.Histogram
	removed       prometheus.Counter
	rewritten     prometheus.Counter
}

func NewMetrics(r prometheus.Registerer, namespace string) *Metrics {
	if r == nil {
		r = prometheus.NewRegistry() // This registry will be discarded.
	}
	f := promauto.With(r)

	return &Metrics{
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_requests_total",
			Help:      "Total number of proxy requests by response status code.",
		}, []string{"code"}),
		fetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_fetch_duration_seconds",
			Help:      "Upstream fetch latencies in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),
		removed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewrite_removed_elements_total",
			Help:      "Total number of elements stripped from proxied pages.",
		}),
		rewritten: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rewrite_proxied_attributes_total",
			Help:      "Total number of attributes rewritten to point at the proxy.",
		}),
	}
}

func (m *Metrics) observeStatus(code int) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(strconv.Itoa(code)).Inc()
}

func (m *Metrics) observeFetch(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchDuration.Observe(d.Seconds())
}

func (m *Metrics) observeRewrite(s rewrite.Stats) {
	if m == nil {
		return
	}
	m.removed.Add(float64(s.Removed))
	m.rewritten.Add(float64(s.Rewritten))
}

// MetricsHandler serves g in the Prometheus text format.
func MetricsHandler(g prometheus.Gatherer) fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
}
