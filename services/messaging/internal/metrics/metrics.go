// Package metrics exposes the messaging service's Prometheus collectors.
// Every method is safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "motochat"

type Metrics struct {
	registry *prometheus.Registry

	connections     prometheus.Gauge
	onlineUsers     prometheus.Gauge
	messagesSent    *prometheus.CounterVec
	policyDenials   *prometheus.CounterVec
	retentionPurged prometheus.Counter
	previewRetries  prometheus.Counter
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
}

// New builds a registry with the service collectors plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Open websocket connections on this instance.",
		}),
		onlineUsers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "online_users",
			Help:      "Users with at least one open connection on this instance.",
		}),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages persisted, by message type.",
		}, []string{"type"}),
		policyDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "policy_denials_total",
			Help:      "Access policy denials, by action.",
		}, []string{"action"}),
		retentionPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retention_purged_total",
			Help:      "Soft-deleted messages permanently removed by the retention sweep.",
		}),
		previewRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "preview_retries_total",
			Help:      "Conversation previews handed to the retry queue.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.connections,
		m.onlineUsers,
		m.messagesSent,
		m.policyDenials,
		m.retentionPurged,
		m.previewRetries,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ConnectionOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnectionClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SetOnlineUsers(n int) {
	if m != nil {
		m.onlineUsers.Set(float64(n))
	}
}

func (m *Metrics) MessageSent(messageType string) {
	if m != nil {
		m.messagesSent.WithLabelValues(messageType).Inc()
	}
}

func (m *Metrics) PolicyDenied(action string) {
	if m != nil {
		m.policyDenials.WithLabelValues(action).Inc()
	}
}

func (m *Metrics) RetentionPurged(n int) {
	if m != nil && n > 0 {
		m.retentionPurged.Add(float64(n))
	}
}

func (m *Metrics) PreviewRetried() {
	if m != nil {
		m.previewRetries.Inc()
	}
}

// ObserveRequest matches util.RequestObserver. Paths are not used as labels
// since they carry ids.
func (m *Metrics) ObserveRequest(method, _ string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}
