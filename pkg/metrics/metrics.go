// Package metrics instruments the daemon with Prometheus collectors. The
// instruments live on a private registry so embedders and tests never
// collide with the default global one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "neuron"

// Metrics is the instrument set for one daemon process.
type Metrics struct {
	registry *prometheus.Registry

	handshakes   *prometheus.CounterVec
	heartbeats   *prometheus.CounterVec
	apiRequests  *prometheus.CounterVec
	auditEntries *prometheus.CounterVec

	activeSessions prometheus.Gauge
	queueDepth     prometheus.Gauge
	backoff        prometheus.Gauge
}

// New builds the instrument set on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		handshakes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Finished broker handshakes by result.",
		}, []string{"result"}),
		heartbeats: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_total",
			Help:      "Registry beats by result.",
		}, []string{"result"}),
		apiRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "REST responses by route pattern and status code.",
		}, []string{"route", "code"}),
		auditEntries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "audit_entries_total",
			Help:      "Journal appends by category.",
		}, []string{"category"}),
		activeSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_active_sessions",
			Help:      "Websocket sessions currently holding a slot.",
		}),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "broker_queue_depth",
			Help:      "Connections waiting for a session slot.",
		}),
		backoff: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "heartbeat_backoff_seconds",
			Help:      "Pending registry retry delay; zero while healthy.",
		}),
	}
}

// Gatherer exposes the private registry for scraping and tests.
func (m *Metrics) Gatherer() prometheus.Gatherer { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordHandshake counts one finished handshake. result is "accepted" or the
// error code carried in the close frame.
func (m *Metrics) RecordHandshake(result string) {
	m.handshakes.WithLabelValues(result).Inc()
}

// RecordHeartbeat counts one registry beat outcome.
func (m *Metrics) RecordHeartbeat(ok bool) {
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.heartbeats.WithLabelValues(result).Inc()
}

// RecordAPIRequest counts one REST response. route is the registered pattern,
// not the raw URL, to keep cardinality bounded.
func (m *Metrics) RecordAPIRequest(route string, code int) {
	m.apiRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// RecordAuditEntry counts one journal append.
func (m *Metrics) RecordAuditEntry(category string) {
	m.auditEntries.WithLabelValues(category).Inc()
}

// SessionOpened and SessionClosed track the broker's active-session gauge.
func (m *Metrics) SessionOpened() { m.activeSessions.Inc() }
func (m *Metrics) SessionClosed() { m.activeSessions.Dec() }

// SetQueueDepth records the admission queue length.
func (m *Metrics) SetQueueDepth(n int) { m.queueDepth.Set(float64(n)) }

// SetBackoff records the pending registry retry delay.
func (m *Metrics) SetBackoff(d time.Duration) { m.backoff.Set(d.Seconds()) }

// ObserveRelationships registers a scrape-time gauge reporting relationship
// counts by lifecycle status. fn runs on every scrape; an error drops the
// samples from that scrape rather than failing it.
func (m *Metrics) ObserveRelationships(fn func() (map[string]int, error)) {
	m.registry.MustRegister(&statusCollector{
		desc: prometheus.NewDesc(
			prometheus.BuildFQName(namespace, "", "relationships_total"),
			"Care relationships by lifecycle status.",
			[]string{"status"}, nil,
		),
		fn: fn,
	})
}

// statusCollector polls a snapshot func at scrape time instead of keeping a
// gauge in step with every row change.
type statusCollector struct {
	desc *prometheus.Desc
	fn   func() (map[string]int, error)
}

func (c *statusCollector) Describe(ch chan<- *prometheus.Desc) { ch <- c.desc }

func (c *statusCollector) Collect(ch chan<- prometheus.Metric) {
	counts, err := c.fn()
	if err != nil {
		return
	}
	for status, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue, float64(n), status)
	}
}
