package orch

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the relay counters exported on /metrics. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Frames    *prometheus.CounterVec
	Relayed   *prometheus.CounterVec
	Dropped   *prometheus.CounterVec
	Connected prometheus.Gauge
	Rooms     prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videopeers",
			Name:      "signal_frames_total",
			Help:      "Inbound signaling frames by event.",
		}, []string{"event"}),
		Relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videopeers",
			Name:      "relayed_total",
			Help:      "Call events delivered to their target, by delivered event.",
		}, []string{"event"}),
		Dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "videopeers",
			Name:      "dropped_total",
			Help:      "Frames that were not delivered, by reason.",
		}, []string{"reason"}),
		Connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "videopeers",
			Name:      "connected_participants",
			Help:      "Open signaling connections.",
		}),
		Rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "videopeers",
			Name:      "rooms",
			Help:      "Rooms with at least one member.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Frames, m.Relayed, m.Dropped, m.Connected, m.Rooms)
	}
	return m
}

func (m *Metrics) frame(event string) {
	if m == nil {
		return
	}
	m.Frames.WithLabelValues(event).Inc()
}

func (m *Metrics) relayed(event string) {
	if m == nil {
		return
	}
	m.Relayed.WithLabelValues(event).Inc()
}

func (m *Metrics) Drop(reason string) {
	if m == nil {
		return
	}
	m.Dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) connected(n int) {
	if m == nil {
		return
	}
	m.Connected.Set(float64(n))
}

func (m *Metrics) rooms(n int) {
	if m == nil {
		return
	}
	m.Rooms.Set(float64(n))
}
