package jblav

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors for the receiver engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	FramesReceived  *prometheus.CounterVec // labels: opcode
	FramesMalformed prometheus.Counter
	DeviceErrors    *prometheus.CounterVec // labels: opcode
	BytesDiscarded  *prometheus.CounterVec // labels: reason
	CommandsSent    *prometheus.CounterVec // labels: opcode
	CommandsFailed  prometheus.Counter
	Heartbeats      prometheus.Counter
	Sessions        *prometheus.CounterVec // labels: result=ok|error
	Connected       prometheus.Gauge
	MQTTCommands    *prometheus.CounterVec // labels: status=accepted|failed code
}

// NewMetrics registers and returns the engine collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		FramesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jblav_frames_received_total",
			Help: "Decoded frames received from the receiver, by opcode.",
		}, []string{"opcode"}),
		FramesMalformed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jblav_frames_malformed_total",
			Help: "Frames dropped because they failed structural checks.",
		}),
		DeviceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jblav_device_errors_total",
			Help: "Frames carrying a non-success result code, by opcode.",
		}, []string{"opcode"}),
		BytesDiscarded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jblav_bytes_discarded_total",
			Help: "Bytes dropped while resynchronising the stream.",
		}, []string{"reason"}),
		CommandsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jblav_commands_sent_total",
			Help: "Commands written to the receiver, by opcode.",
		}, []string{"opcode"}),
		CommandsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jblav_commands_failed_total",
			Help: "Commands that could not be written.",
		}),
		Heartbeats: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "jblav_heartbeats_total",
			Help: "Heartbeats sent after an idle read window.",
		}),
		Sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jblav_sessions_total",
			Help: "Connection attempts, by result.",
		}, []string{"result"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "jblav_connected",
			Help: "1 while a session with the receiver is live.",
		}),
		MQTTCommands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "jblav_bridge_commands_total",
			Help: "Commands dispatched through the bridge, by outcome.",
		}, []string{"status", "code"}),
	}
	reg.MustRegister(
		m.FramesReceived,
		m.FramesMalformed,
		m.DeviceErrors,
		m.BytesDiscarded,
		m.CommandsSent,
		m.CommandsFailed,
		m.Heartbeats,
		m.Sessions,
		m.Connected,
		m.MQTTCommands,
	)
	return m
}

func (m *Metrics) frameReceived(op Opcode) {
	if m != nil {
		m.FramesReceived.WithLabelValues(op.String()).Inc()
	}
}

func (m *Metrics) frameMalformed() {
	if m != nil {
		m.FramesMalformed.Inc()
	}
}

func (m *Metrics) deviceError(op Opcode) {
	if m != nil {
		m.DeviceErrors.WithLabelValues(op.String()).Inc()
	}
}

func (m *Metrics) discarded(n int, reason string) {
	if m != nil {
		m.BytesDiscarded.WithLabelValues(reason).Add(float64(n))
	}
}

func (m *Metrics) commandSent(op Opcode) {
	if m != nil {
		m.CommandsSent.WithLabelValues(op.String()).Inc()
	}
}

func (m *Metrics) commandFailed() {
	if m != nil {
		m.CommandsFailed.Inc()
	}
}

func (m *Metrics) heartbeat() {
	if m != nil {
		m.Heartbeats.Inc()
	}
}

func (m *Metrics) session(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.Sessions.WithLabelValues("ok").Inc()
		return
	}
	m.Sessions.WithLabelValues("error").Inc()
}

func (m *Metrics) connected(up bool) {
	if m == nil {
		return
	}
	if up {
		m.Connected.Set(1)
		return
	}
	m.Connected.Set(0)
}

func (m *Metrics) dispatched(ack AckMessage) {
	if m == nil {
		return
	}
	code := ""
	if ack.Error != nil {
		code = ack.Error.Code
	}
	m.MQTTCommands.WithLabelValues(string(ack.Status), code).Inc()
}
