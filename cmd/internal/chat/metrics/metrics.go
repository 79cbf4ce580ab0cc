// Package metrics holds the prometheus collectors of the messaging client.
//
// A nil *Metrics is valid and records nothing, so components can be built without a registry.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "telechat"

// Metrics groups every collector. Construct it with New.
type Metrics struct {
	connectionState   *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	framesPublished   *prometheus.CounterVec
	framesDropped     *prometheus.CounterVec
	eventsReceived    *prometheus.CounterVec

	messagesSent   *prometheus.CounterVec
	restRequests   *prometheus.CounterVec
	restDuration   *prometheus.HistogramVec
	unreadMessages prometheus.Gauge
}

// New registers the collectors on reg. A nil reg uses a private registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)

	return &Metrics{
		connectionState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "transport_connection_state",
				Help:      "1 for the current live connection state, 0 for the others",
			},
			[]string{"state"},
		),
		reconnectAttempts: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_reconnect_attempts_total",
				Help:      "Automatic reconnect attempts",
			},
		),
		framesPublished: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_frames_published_total",
				Help:      "Outbound frames accepted for sending, by publish kind",
			},
			[]string{"kind"},
		),
		framesDropped: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_frames_dropped_total",
				Help:      "Outbound frames not dispatched, by publish kind and reason",
			},
			[]string{"kind", "reason"},
		),
		eventsReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transport_events_received_total",
				Help:      "Inbound events decoded from the broker, by kind",
			},
			[]string{"kind"},
		),
		messagesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_messages_sent_total",
				Help:      "Outgoing messages by final durable-write result",
			},
			[]string{"result"},
		),
		restRequests: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rest_requests_total",
				Help:      "REST requests by operation and status code (0 for transport errors)",
			},
			[]string{"op", "code"},
		),
		restDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "rest_request_duration_seconds",
				Help:      "REST request latency by operation",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		unreadMessages: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "store_unread_messages",
				Help:      "Sum of per-conversation unread counters",
			},
		),
	}
}

// ConnectionState marks state as the current one among all.
func (m *Metrics) ConnectionState(state string, all []string) {
	if m == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		m.connectionState.WithLabelValues(s).Set(v)
	}
}

func (m *Metrics) ReconnectAttempt() {
	if m == nil {
		return
	}
	m.reconnectAttempts.Inc()
}

func (m *Metrics) FramePublished(kind string) {
	if m == nil {
		return
	}
	m.framesPublished.WithLabelValues(kind).Inc()
}

func (m *Metrics) FrameDropped(kind, reason string) {
	if m == nil {
		return
	}
	m.framesDropped.WithLabelValues(kind, reason).Inc()
}

func (m *Metrics) EventReceived(kind string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(kind).Inc()
}

// MessageSent records the outcome of a durable write ("sent" or "failed").
func (m *Metrics) MessageSent(result string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(result).Inc()
}

// RestRequest records one REST round trip. code is 0 when no response was received.
func (m *Metrics) RestRequest(op string, code int, took time.Duration) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(op, strconv.Itoa(code)).Inc()
	m.restDuration.WithLabelValues(op).Observe(took.Seconds())
}

func (m *Metrics) Unread(total int) {
	if m == nil {
		return
	}
	m.unreadMessages.Set(float64(total))
}
