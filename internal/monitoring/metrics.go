// Package monitoring collects serving metrics on a private registry, so
// tests and embedders never fight over the global prometheus state.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	reg *prometheus.Registry

	connections prometheus.Gauge
	ops         *prometheus.CounterVec
	roomsGauge  prometheus.GaugeFunc
}

// New builds a registry with runtime collectors and the store gateway
// metrics. roomCount may be nil when no room registry is attached.
func New(roomCount func() int) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		reg: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "vicara",
			Name:      "store_connections",
			Help:      "Currently connected store clients.",
		}),
		ops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "vicara",
			Name:      "store_ops_total",
			Help:      "Store operations served, by op.",
		}, []string{"op"}),
	}
	reg.MustRegister(m.connections, m.ops)

	if roomCount != nil {
		m.roomsGauge = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "vicara",
			Name:      "rooms",
			Help:      "Rooms currently present in the store.",
		}, func() float64 { return float64(roomCount()) })
		reg.MustRegister(m.roomsGauge)
	}
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Nil-safe hooks: a component without metrics attached just skips them.

func (m *Metrics) ClientConnected() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ClientGone() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) OpServed(op string) {
	if m != nil {
		m.ops.WithLabelValues(op).Inc()
	}
}
