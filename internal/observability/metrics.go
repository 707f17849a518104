package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	registry             *prometheus.Registry
	ActiveSessions       *prometheus.GaugeVec
	EntriesTotal         *prometheus.CounterVec
	TransportErrorsTotal *prometheus.CounterVec
	Subscribers          prometheus.Gauge
	DroppedSubscribers   prometheus.Counter
}

func NewMetrics() *Metrics {
	r := prometheus.NewRegistry()
	m := &Metrics{
		registry: r,
		ActiveSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "apirecorder",
			Name:      "active_sessions",
			Help:      "Capture sessions currently recording or paused",
		}, []string{"backend"}),
		EntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apirecorder",
			Name:      "entries_total",
			Help:      "Archive entries recorded",
		}, []string{"backend"}),
		TransportErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "apirecorder",
			Name:      "transport_errors_total",
			Help:      "Exchanges that failed before a response existed",
		}, []string{"backend"}),
		Subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "apirecorder",
			Name:      "subscribers",
			Help:      "Connected realtime observers",
		}),
		DroppedSubscribers: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "apirecorder",
			Name:      "dropped_subscribers_total",
			Help:      "Observers removed after a failed write",
		}),
	}
	r.MustRegister(m.ActiveSessions, m.EntriesTotal, m.TransportErrorsTotal, m.Subscribers, m.DroppedSubscribers)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }
