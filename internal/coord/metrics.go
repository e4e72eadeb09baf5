package coord

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the coordinator's Prometheus instruments.
type Metrics struct {
	Delivered  prometheus.Counter
	Elections  prometheus.Counter
	Rounds     prometheus.Counter
	Admissions *prometheus.CounterVec
	Entries    prometheus.Gauge
	GroupSize  prometheus.Gauge
	Clients    prometheus.Gauge
}

// NewMetrics builds and registers the instrument set.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := newMetrics()
	reg.MustRegister(
		m.Delivered, m.Elections, m.Rounds, m.Admissions,
		m.Entries, m.GroupSize, m.Clients,
	)
	return m
}

// NopMetrics builds an unregistered instrument set, used when no metrics
// endpoint is configured and in tests.
func NopMetrics() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		Delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_rom_delivered_total",
			Help: "Totally-ordered multicast payloads delivered.",
		}),
		Elections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_elections_started_total",
			Help: "Ring elections initiated by this node.",
		}),
		Rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "admission_byzantine_rounds_total",
			Help: "Byzantine agreement rounds initiated as leader.",
		}),
		Admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "admission_decisions_total",
			Help: "Admission decisions by outcome.",
		}, []string{"decision"}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_entries",
			Help: "Current replicated venue occupancy.",
		}),
		GroupSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_group_size",
			Help: "Servers in the current group view.",
		}),
		Clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "admission_clients",
			Help: "Clients registered with this server.",
		}),
	}
}
