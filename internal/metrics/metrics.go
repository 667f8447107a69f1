// Package metrics holds the prometheus collectors shared by the room
// aggregator, the websocket transport and the client store.
//
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "presence"

type Metrics struct {
	connections        prometheus.Gauge
	rooms              prometheus.Gauge
	broadcasts         *prometheus.CounterVec
	broadcastBytes     prometheus.Counter
	suppressedEchoes   prometheus.Counter
	encodeFallbacks    prometheus.Counter
	sendErrors         prometheus.Counter
	protocolViolations *prometheus.CounterVec
	rateLimited        prometheus.Counter
	implicitAdds       prometheus.Counter
	updatesSent        prometheus.Counter
}

// New registers all collectors on reg. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Currently connected participants",
		}),
		rooms: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms",
			Help:      "Rooms with at least one participant",
		}),
		broadcasts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcasts_total",
			Help:      "Delta broadcasts sent, by wire format",
		}, []string{"format"}),
		broadcastBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "broadcast_bytes_total",
			Help:      "Encoded size of delta broadcasts",
		}),
		suppressedEchoes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suppressed_echoes_total",
			Help:      "Flushes dropped because the only recipient was the sole author",
		}),
		encodeFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encode_fallbacks_total",
			Help:      "Messages sent as JSON because the compact encoding failed",
		}),
		sendErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Failed sends to a connection",
		}),
		protocolViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_violations_total",
			Help:      "Malformed inbound messages, by applied policy",
		}, []string{"policy"}),
		rateLimited: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Inbound messages dropped by the per-connection limiter",
		}),
		implicitAdds: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "implicit_adds_total",
			Help:      "Presence deltas received for an id that was never added",
		}),
		updatesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "updates_sent_total",
			Help:      "Presence updates sent by the client",
		}),
	}
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

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) Broadcast(format string, size int) {
	if m != nil {
		m.broadcasts.WithLabelValues(format).Inc()
		m.broadcastBytes.Add(float64(size))
	}
}

func (m *Metrics) SuppressedEcho() {
	if m != nil {
		m.suppressedEchoes.Inc()
	}
}

func (m *Metrics) EncodeFallback() {
	if m != nil {
		m.encodeFallbacks.Inc()
	}
}

func (m *Metrics) SendError() {
	if m != nil {
		m.sendErrors.Inc()
	}
}

func (m *Metrics) ProtocolViolation(policy string) {
	if m != nil {
		m.protocolViolations.WithLabelValues(policy).Inc()
	}
}

func (m *Metrics) RateLimited() {
	if m != nil {
		m.rateLimited.Inc()
	}
}

func (m *Metrics) ImplicitAdd() {
	if m != nil {
		m.implicitAdds.Inc()
	}
}

func (m *Metrics) UpdateSent() {
	if m != nil {
		m.updatesSent.Inc()
	}
}
