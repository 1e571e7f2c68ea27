package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Reconciliation paths recorded by the chat core.
const (
	PathCorrelated = "correlated"
	PathHeuristic  = "heuristic"
	PathDuplicate  = "duplicate"
	PathInserted   = "inserted"
)

// Metrics groups the collectors used by the client library and the relay.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	MessagesSent     prometheus.Counter
	SendFailures     *prometheus.CounterVec
	Reconciled       *prometheus.CounterVec
	Reconnects       prometheus.Counter
	RelayConnections prometheus.Gauge
	RelayEvents      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when reg is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socialchat",
			Name:      "messages_sent_total",
			Help:      "Messages acknowledged by the relay.",
		}),
		SendFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socialchat",
			Name:      "send_failures_total",
			Help:      "Messages moved to the failed state, by reason.",
		}, []string{"reason"}),
		Reconciled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socialchat",
			Name:      "inbound_messages_total",
			Help:      "Inbound messages by reconciliation path.",
		}, []string{"path"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "socialchat",
			Name:      "transport_reconnects_total",
			Help:      "Successful transport reconnections.",
		}),
		RelayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "socialchat",
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open WebSocket connections on the relay.",
		}),
		RelayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "socialchat",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Events handled by the relay, by event name.",
		}, []string{"event"}),
	}
	if reg != nil {
		reg.MustRegister(m.MessagesSent, m.SendFailures, m.Reconciled, m.Reconnects, m.RelayConnections, m.RelayEvents)
	}
	return m
}

func (m *Metrics) IncSent() {
	if m != nil {
		m.MessagesSent.Inc()
	}
}

func (m *Metrics) IncSendFailure(reason string) {
	if m != nil {
		m.SendFailures.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) IncReconciled(path string) {
	if m != nil {
		m.Reconciled.WithLabelValues(path).Inc()
	}
}

func (m *Metrics) IncReconnect() {
	if m != nil {
		m.Reconnects.Inc()
	}
}

func (m *Metrics) AddRelayConnections(delta float64) {
	if m != nil {
		m.RelayConnections.Add(delta)
	}
}

func (m *Metrics) IncRelayEvent(event string) {
	if m != nil {
		m.RelayEvents.WithLabelValues(event).Inc()
	}
}
