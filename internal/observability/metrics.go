package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// NewRegistry returns a registry carrying the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	AuthEventsTotal *prometheus.CounterVec
	CSRFRejections  prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_http_requests_total",
				Help: "HTTP requests by method, route and status code.",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "portal_http_request_duration_seconds",
				Help:    "HTTP request latency by method and route.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		AuthEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portal_auth_events_total",
				Help: "Authentication flow outcomes by action.",
			},
			[]string{"action", "outcome"},
		),
		CSRFRejections: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "portal_csrf_rejections_total",
				Help: "State-changing requests rejected for a missing or invalid CSRF token.",
			},
		),
	}

	reg.MustRegister(m.RequestsTotal)
	reg.MustRegister(m.RequestDuration)
	reg.MustRegister(m.AuthEventsTotal)
	reg.MustRegister(m.CSRFRejections)
	return m
}

// ObserveRequest is safe to call on a nil receiver.
func (m *Metrics) ObserveRequest(method, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(elapsed.Seconds())
}

func (m *Metrics) AuthEvent(action, outcome string) {
	if m == nil {
		return
	}
	m.AuthEventsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) CSRFRejected() {
	if m == nil {
		return
	}
	m.CSRFRejections.Inc()
}
