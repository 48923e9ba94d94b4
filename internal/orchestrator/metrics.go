package orchestrator

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/alanyoungcy/rafflebot/internal/domain"
)

// Metrics are the orchestrator's Prometheus collectors.
type Metrics struct {
	attempts     *prometheus.CounterVec
	confirmation *prometheus.HistogramVec
	inflight     *prometheus.GaugeVec
}

// NewMetrics registers the orchestrator collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rafflebot",
			Name:      "attempts_total",
			Help:      "Ledger write attempts by action and outcome.",
		}, []string{"action", "outcome"}),
		confirmation: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rafflebot",
			Name:      "confirmation_seconds",
			Help:      "Time from submission to a final receipt.",
			Buckets:   []float64{1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"action"}),
		inflight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "rafflebot",
			Name:      "inflight",
			Help:      "Attempts currently signing or confirming.",
		}, []string{"action"}),
	}
	reg.MustRegister(m.attempts, m.confirmation, m.inflight)
	return m
}

func (m *Metrics) outcome(action domain.ActionKind, outcome string) {
	if m != nil {
		m.attempts.WithLabelValues(string(action), outcome).Inc()
	}
}

func (m *Metrics) confirmed(action domain.ActionKind, d time.Duration) {
	if m != nil {
		m.confirmation.WithLabelValues(string(action)).Observe(d.Seconds())
	}
}

func (m *Metrics) track(action domain.ActionKind, delta float64) {
	if m != nil {
		m.inflight.WithLabelValues(string(action)).Add(delta)
	}
}
