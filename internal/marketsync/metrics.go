package marketsync

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the syncer's Prometheus collectors.
type Metrics struct {
	refreshes *prometheus.CounterVec
	tracked   prometheus.Gauge
	archived  prometheus.Counter
}

// NewMetrics registers the syncer collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rafflebot",
			Subsystem: "sync",
			Name:      "refreshes_total",
			Help:      "Ledger reads of tracked markets by outcome.",
		}, []string{"outcome"}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rafflebot",
			Subsystem: "sync",
			Name:      "tracked_markets",
			Help:      "Markets currently tracked by the syncer.",
		}),
		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "rafflebot",
			Subsystem: "sync",
			Name:      "final_snapshots_archived_total",
			Help:      "Terminal snapshots written to the archive.",
		}),
	}
	reg.MustRegister(m.refreshes, m.tracked, m.archived)
	return m
}

func (m *Metrics) refresh(outcome string) {
	if m != nil {
		m.refreshes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) setTracked(n int) {
	if m != nil {
		m.tracked.Set(float64(n))
	}
}

func (m *Metrics) archivedFinal() {
	if m != nil {
		m.archived.Inc()
	}
}
