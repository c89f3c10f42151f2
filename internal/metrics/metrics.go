// Package metrics exposes gateway counters to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/state"
)

const namespace = "wagateway"

// Metrics holds the gateway collectors. It implements the bridge observer.
type Metrics struct {
	messagesReceived prometheus.Counter
	messagesSent     prometheus.Counter
	sendFailures     prometheus.Counter
	reconnects       *prometheus.CounterVec
	reconnectDelay   prometheus.Histogram
	transitions      *prometheus.CounterVec
	state            *prometheus.GaugeVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		messagesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound text messages stored",
		}),
		messagesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Outbound text messages accepted by the network",
		}),
		sendFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_failures_total",
			Help:      "Outbound messages the network refused",
		}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnect timers armed, by close reason",
		}, []string{"reason"}),
		reconnectDelay: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Delay of armed reconnect timers",
			Buckets:   []float64{0.5, 1, 3, 5, 10, 15, 30, 60},
		}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Lifecycle state transitions",
		}, []string{"from", "to"}),
		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "Current lifecycle state (1 for the active state, 0 otherwise)",
		}, []string{"state"}),
	}
}

// Attach follows transitions of sm.
func (m *Metrics) Attach(sm *state.Machine) {
	m.setState(sm.MustState())
	sm.OnTransition(func(_ context.Context, from, to state.State, _ state.Trigger) {
		m.transitions.WithLabelValues(string(from), string(to)).Inc()
		m.setState(to)
	})
}

func (m *Metrics) setState(current state.State) {
	for _, s := range state.All {
		value := 0.0
		if s == current {
			value = 1.0
		}
		m.state.WithLabelValues(string(s)).Set(value)
	}
}

func (m *Metrics) RecordMessageReceived() { m.messagesReceived.Inc() }
func (m *Metrics) RecordMessageSent()     { m.messagesSent.Inc() }
func (m *Metrics) RecordSendFailure()     { m.sendFailures.Inc() }

func (m *Metrics) RecordReconnect(reason string, _ int, delay time.Duration) {
	m.reconnects.WithLabelValues(reason).Inc()
	m.reconnectDelay.Observe(delay.Seconds())
}
