package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics implements MetricsCollector on a Prometheus registry.
type PrometheusMetrics struct {
	registry *prometheus.Registry

	enqueued      prometheus.Counter
	published     prometheus.Counter
	publishFailed prometheus.Counter
	retried       prometheus.Counter
	exhausted     prometheus.Counter
	acknowledged  prometheus.Counter
	received      prometheus.Counter
	reconnects    prometheus.Counter
	errors        *prometheus.CounterVec
	queueDepth    *prometheus.GaugeVec
}

// NewPrometheusMetrics registers the outbox metrics on reg. A nil reg gets
// a fresh registry, which keeps independent instances from colliding.
func NewPrometheusMetrics(reg *prometheus.Registry) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	return &PrometheusMetrics{
		registry: reg,
		enqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_messages_enqueued_total",
			Help: "Total number of outbound messages enqueued",
		}),
		published: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_messages_published_total",
			Help: "Total number of successful publishes to the transport",
		}),
		publishFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_publish_failures_total",
			Help: "Total number of failed publish attempts",
		}),
		retried: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_retries_scheduled_total",
			Help: "Total number of retries scheduled after a failed publish",
		}),
		exhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_messages_exhausted_total",
			Help: "Total number of messages that reached the retry cap",
		}),
		acknowledged: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_messages_acknowledged_total",
			Help: "Total number of messages closed out by an inbound acknowledgment",
		}),
		received: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_frames_received_total",
			Help: "Total number of inbound frames delivered to subscriptions",
		}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_reconnect_attempts_total",
			Help: "Total number of reconnect attempts after a lost connection",
		}),
		errors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "outbox_errors_total",
				Help: "Total number of classified errors reported",
			},
			[]string{"code"},
		),
		queueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "outbox_queue_depth",
				Help: "Current number of queued messages per status",
			},
			[]string{"status"},
		),
	}
}

// Registry returns the registry the metrics are registered on.
func (m *PrometheusMetrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *PrometheusMetrics) IncEnqueued()      { m.enqueued.Inc() }
func (m *PrometheusMetrics) IncPublished()     { m.published.Inc() }
func (m *PrometheusMetrics) IncPublishFailed() { m.publishFailed.Inc() }
func (m *PrometheusMetrics) IncRetried()       { m.retried.Inc() }
func (m *PrometheusMetrics) IncExhausted()     { m.exhausted.Inc() }
func (m *PrometheusMetrics) IncAcknowledged()  { m.acknowledged.Inc() }
func (m *PrometheusMetrics) IncReceived()      { m.received.Inc() }
func (m *PrometheusMetrics) IncReconnects()    { m.reconnects.Inc() }

func (m *PrometheusMetrics) IncError(code string) {
	m.errors.WithLabelValues(code).Inc()
}

func (m *PrometheusMetrics) SetQueueDepth(status string, n int) {
	m.queueDepth.WithLabelValues(status).Set(float64(n))
}
