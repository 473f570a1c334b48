// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Prometheus metrics for the wire engine, drivers and orchestrator.
// A nil *Metrics is valid and records nothing.

package control

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "topicscope"

// Metrics groups every collector the module records to.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec // by classification
	BytesReceived    prometheus.Counter
	MessagesDropped  prometheus.Counter // pushes the sink could not accept
	Published        *prometheus.CounterVec
	Subscriptions    prometheus.Gauge
	QueueDepth       prometheus.Gauge
	HandshakeRetries *prometheus.CounterVec // by negotiation step
	Connects         *prometheus.CounterVec // by result
}

// NewMetrics creates the collectors and registers them with reg. A nil
// registerer leaves them unregistered, which suits tests.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "messages_received_total",
			Help:      "Inbound samples by payload classification",
		}, []string{"classification"}),

		BytesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "bytes_received_total",
			Help:      "Inbound payload bytes",
		}),

		MessagesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "pushes_dropped_total",
			Help:      "Messages not pushed because the sink was full",
		}),

		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "published_total",
			Help:      "Outbound publishes by encoding and result",
		}, []string{"encoding", "result"}),

		Subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "subscriptions",
			Help:      "Active subscriptions",
		}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "wire",
			Name:      "outbound_queue_depth",
			Help:      "Outbound frames waiting to be written",
		}),

		HandshakeRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "wire",
			Name:      "handshake_retries_total",
			Help:      "Handshake retries by negotiation step",
		}, []string{"step"}),

		Connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "session",
			Name:      "connects_total",
			Help:      "Connect attempts by result",
		}, []string{"result"}),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{
		m.MessagesReceived, m.BytesReceived, m.MessagesDropped, m.Published,
		m.Subscriptions, m.QueueDepth, m.HandshakeRetries, m.Connects,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObserveMessage records one inbound sample.
func (m *Metrics) ObserveMessage(classification string, size int) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(classification).Inc()
	m.BytesReceived.Add(float64(size))
}

// ObserveDrop records a push the sink refused.
func (m *Metrics) ObserveDrop() {
	if m == nil {
		return
	}
	m.MessagesDropped.Inc()
}

// ObservePublish records one publish outcome.
func (m *Metrics) ObservePublish(encoding string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Published.WithLabelValues(encoding, result).Inc()
}

// ObserveConnect records one connect outcome.
func (m *Metrics) ObserveConnect(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Connects.WithLabelValues(result).Inc()
}

// SetSubscriptions sets the active subscription gauge.
func (m *Metrics) SetSubscriptions(n int) {
	if m == nil {
		return
	}
	m.Subscriptions.Set(float64(n))
}

// SetQueueDepth sets the outbound queue gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

// ObserveHandshakeRetry records a retry entering step.
func (m *Metrics) ObserveHandshakeRetry(step string) {
	if m == nil {
		return
	}
	m.HandshakeRetries.WithLabelValues(step).Inc()
}
