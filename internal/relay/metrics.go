package relay

import (
	"github.com/prometheus/client_golang/prometheus"
)

type relayMetrics struct {
	connections prometheus.Gauge
	users       prometheus.Gauge
	rooms       prometheus.Gauge
	frames      *prometheus.CounterVec
	callErrors  *prometheus.CounterVec
	callsEnded  *prometheus.CounterVec
	dropped     prometheus.Counter
}

func newRelayMetrics(reg prometheus.Registerer) *relayMetrics {
	if reg == nil {
		return nil
	}

	m := &relayMetrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_connections_active",
			Help: "Open websocket connections.",
		}),
		users: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_users_registered",
			Help: "Users currently registered with the relay.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_rooms_active",
			Help: "Ringing or active call rooms.",
		}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_frames_total",
			Help: "Inbound frames grouped by event type.",
		}, []string{"event"}),
		callErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_call_errors_total",
			Help: "call_error responses grouped by code.",
		}, []string{"code"}),
		callsEnded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_calls_ended_total",
			Help: "Closed call rooms grouped by reason.",
		}, []string{"reason"}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_slow_clients_dropped_total",
			Help: "Connections closed because their send buffer was full.",
		}),
	}

	reg.MustRegister(
		m.connections,
		m.users,
		m.rooms,
		m.frames,
		m.callErrors,
		m.callsEnded,
		m.dropped,
	)
	return m
}

func (m *relayMetrics) connOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *relayMetrics) connClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *relayMetrics) setCounts(users, rooms int) {
	if m == nil {
		return
	}
	m.users.Set(float64(users))
	m.rooms.Set(float64(rooms))
}

func (m *relayMetrics) recordFrame(event string) {
	if m == nil {
		return
	}
	if event == "" {
		event = "unknown"
	}
	m.frames.WithLabelValues(event).Inc()
}

func (m *relayMetrics) recordError(code string) {
	if m == nil {
		return
	}
	m.callErrors.WithLabelValues(code).Inc()
}

func (m *relayMetrics) recordCallEnded(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.callsEnded.WithLabelValues(reason).Inc()
}

func (m *relayMetrics) recordDrop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
