// Package metrics holds the Prometheus collectors of the service. All
// Record* methods are safe on a nil *Metrics, which disables recording.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ezproxy"

type Metrics struct {
	registry *prometheus.Registry

	RefreshTotal  *prometheus.CounterVec
	FetchAttempts *prometheus.CounterVec
	FetchDuration prometheus.Histogram
	DomainSetSize prometheus.Gauge
	LastRefresh   prometheus.Gauge
	ChecksTotal   *prometheus.CounterVec
	OffersSent    prometheus.Counter
	RequestsTotal *prometheus.CounterVec
	GRPCCalls     *prometheus.CounterVec
	WSConnections prometheus.Gauge
	PendingChecks prometheus.Gauge
}

// New creates the collectors on a private registry so several instances can
// coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		RefreshTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_total",
			Help:      "Domain list refreshes by outcome.",
		}, []string{"outcome"}),
		FetchAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Remote domain list fetch attempts by result.",
		}, []string{"result"}),
		FetchDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "fetch_duration_seconds",
			Help:      "Duration of a single remote fetch attempt.",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		DomainSetSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "domains",
			Help:      "Number of proxy-eligible domains currently served.",
		}),
		LastRefresh: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "domains_updated_timestamp_seconds",
			Help:      "Unix time the served domain list was obtained.",
		}),
		ChecksTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Navigation checks by result.",
		}, []string{"result"}),
		OffersSent: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "offers_published_total",
			Help:      "Redirect offers published to subscribers.",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		GRPCCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_calls_total",
			Help:      "gRPC calls by method and code.",
		}, []string{"method", "code"}),
		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open event stream connections.",
		}),
		PendingChecks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_checks",
			Help:      "Debounced navigation checks waiting to fire.",
		}),
	}
}

// Handler exposes the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordRefresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) RecordFetch(ok bool, d time.Duration) {
	if m == nil {
		return
	}
	result := "error"
	if ok {
		result = "ok"
	}
	m.FetchAttempts.WithLabelValues(result).Inc()
	m.FetchDuration.Observe(d.Seconds())
}

func (m *Metrics) SetDomains(n int, updatedAt time.Time) {
	if m == nil {
		return
	}
	m.DomainSetSize.Set(float64(n))
	if !updatedAt.IsZero() {
		m.LastRefresh.Set(float64(updatedAt.Unix()))
	}
}

func (m *Metrics) RecordCheck(result string) {
	if m == nil {
		return
	}
	m.ChecksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordOffer() {
	if m == nil {
		return
	}
	m.OffersSent.Inc()
}

func (m *Metrics) RecordHTTPRequest(method, route, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
}

func (m *Metrics) RecordGRPCCall(method, code string) {
	if m == nil {
		return
	}
	m.GRPCCalls.WithLabelValues(method, code).Inc()
}

func (m *Metrics) AddWSConnections(delta float64) {
	if m == nil {
		return
	}
	m.WSConnections.Add(delta)
}

func (m *Metrics) AddPendingChecks(delta float64) {
	if m == nil {
		return
	}
	m.PendingChecks.Add(delta)
}
