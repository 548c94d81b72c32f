package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "arena_gateway"

// Metrics holds every collector the gateway exports.
type Metrics struct {
	ConnectionsOpen   prometheus.Gauge
	ConnectionsTotal  *prometheus.CounterVec // result: accepted, rejected
	Disconnects       *prometheus.CounterVec // reason
	FramesReceived    *prometheus.CounterVec // kind
	FrameErrors       prometheus.Counter
	MessagesSubmitted prometheus.Counter
	Backpressure      prometheus.Counter
	HandlerErrors     *prometheus.CounterVec // type
	HandlerPanics     prometheus.Counter
	QueueDepth        *prometheus.GaugeVec // partition
	MessagesSent      prometheus.Counter
	SendErrors        prometheus.Counter
	PingsSent         prometheus.Counter
	PingsEvicted      prometheus.Counter
	PingRTT           *prometheus.HistogramVec // source: server, client
	JournalEvents     *prometheus.CounterVec // result: written, dropped, failed
	PresenceErrors    prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates the collectors and registers them with reg. A nil reg uses a
// private registry.
func New(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	m := &Metrics{
		ConnectionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections_open",
			Help: "Currently registered client connections.",
		}),
		ConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Handshake attempts by result.",
		}, []string{"result"}),
		Disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "disconnects_total",
			Help: "Closed connections by reason.",
		}, []string{"reason"}),
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "frames_received_total",
			Help: "Inbound frames by frame kind.",
		}, []string{"kind"}),
		FrameErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "frame_errors_total",
			Help: "Inbound frames that failed to decode.",
		}),
		MessagesSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "router_submitted_total",
			Help: "Messages accepted by the router.",
		}),
		Backpressure: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "router_backpressure_total",
			Help: "Messages rejected because a partition queue was full.",
		}),
		HandlerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_errors_total",
			Help: "Handler failures by message type.",
		}, []string{"type"}),
		HandlerPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "handler_panics_total",
			Help: "Handler panics recovered by router workers.",
		}),
		QueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "partition_queue_depth",
			Help: "Messages waiting per router partition.",
		}, []string{"partition"}),
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "messages_sent_total",
			Help: "Frames written to client connections.",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "send_errors_total",
			Help: "Frame writes that failed.",
		}),
		PingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pings_sent_total",
			Help: "Server heartbeat pings sent.",
		}),
		PingsEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "pings_evicted_total",
			Help: "Pending pings dropped by capacity or staleness.",
		}),
		PingRTT: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "ping_rtt_milliseconds",
			Help:    "Heartbeat round-trip time, measured by the server or reported by the client.",
			Buckets: []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		}, []string{"source"}),
		JournalEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "journal_events_total",
			Help: "Connection journal events by result.",
		}, []string{"result"}),
		PresenceErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "presence_errors_total",
			Help: "Failed presence updates.",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		m.ConnectionsOpen, m.ConnectionsTotal, m.Disconnects,
		m.FramesReceived, m.FrameErrors,
		m.MessagesSubmitted, m.Backpressure, m.HandlerErrors, m.HandlerPanics, m.QueueDepth,
		m.MessagesSent, m.SendErrors,
		m.PingsSent, m.PingsEvicted, m.PingRTT,
		m.JournalEvents, m.PresenceErrors,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// OrNop returns m, or a throwaway set when m is nil.
func OrNop(m *Metrics) *Metrics {
	if m == nil {
		return New(nil)
	}
	return m
}
