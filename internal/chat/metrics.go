package chat

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Connections     prometheus.Gauge
	Channels        prometheus.Gauge
	FanoutAttempted prometheus.Counter
	FanoutSent      prometheus.Counter
	Evictions       prometheus.Counter
	Events          *prometheus.CounterVec
	RelayOutcomes   *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
}

// NewMetrics registers the hub's collectors with reg. Tests pass a fresh
// prometheus.NewRegistry(); the server passes prometheus.DefaultRegisterer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Name: "carechat_connections",
			Help: "Live websocket connections registered with the hub",
		}),
		Channels: f.NewGauge(prometheus.GaugeOpts{
			Name: "carechat_channels",
			Help: "Channels with at least one member",
		}),
		FanoutAttempted: f.NewCounter(prometheus.CounterOpts{
			Name: "carechat_fanout_attempted_total",
			Help: "Frames the hub tried to hand to a connection",
		}),
		FanoutSent: f.NewCounter(prometheus.CounterOpts{
			Name: "carechat_fanout_sent_total",
			Help: "Frames accepted by a connection's send buffer",
		}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Name: "carechat_liveness_evictions_total",
			Help: "Connections closed for missing a liveness ping",
		}),
		Events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carechat_inbound_events_total",
			Help: "Inbound frames by type",
		}, []string{"type"}),
		RelayOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carechat_relay_outcomes_total",
			Help: "Call signaling results by event and outcome",
		}, []string{"event", "outcome"}),
		StoreErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "carechat_store_errors_total",
			Help: "Persistence failures by operation",
		}, []string{"op"}),
	}
}

func (m *Metrics) connectionOpened() {
	if m == nil {
		return
	}
	m.Connections.Inc()
}

func (m *Metrics) connectionClosed() {
	if m == nil {
		return
	}
	m.Connections.Dec()
}

func (m *Metrics) setChannels(n int) {
	if m == nil {
		return
	}
	m.Channels.Set(float64(n))
}

func (m *Metrics) fanout(r Report) {
	if m == nil {
		return
	}
	m.FanoutAttempted.Add(float64(r.Attempted))
	m.FanoutSent.Add(float64(r.Sent))
}

func (m *Metrics) evicted() {
	if m == nil {
		return
	}
	m.Evictions.Inc()
}

func (m *Metrics) event(kind string) {
	if m == nil {
		return
	}
	m.Events.WithLabelValues(kind).Inc()
}

func (m *Metrics) relay(event string, o Outcome) {
	if m == nil {
		return
	}
	m.RelayOutcomes.WithLabelValues(event, string(o)).Inc()
}

func (m *Metrics) storeError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}
