package keeper

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the keeper's Prometheus collectors.
type Metrics struct {
	triggers *prometheus.CounterVec
}

// NewMetrics registers the keeper collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rafflebot",
			Subsystem: "keeper",
			Name:      "triggers_total",
			Help:      "Keeper-driven actions by outcome.",
		}, []string{"action", "outcome"}),
	}
	reg.MustRegister(m.triggers)
	return m
}

func (m *Metrics) trigger(action, outcome string) {
	if m != nil {
		m.triggers.WithLabelValues(action, outcome).Inc()
	}
}
