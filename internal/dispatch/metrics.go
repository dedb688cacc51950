package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Run outcomes recorded in the completed_total counter.
const (
	OutcomeOK        = "ok"
	OutcomeFailed    = "failed"
	OutcomeShortfall = "shortfall"
)

type metrics struct {
	submitted   *prometheus.CounterVec
	completed   *prometheus.CounterVec
	inflight    prometheus.Gauge
	fidelityGap *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		submitted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsekern",
			Subsystem: "dispatch",
			Name:      "submitted_total",
			Help:      "Runs submitted per backend",
		}, []string{"backend"}),
		completed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsekern",
			Subsystem: "dispatch",
			Name:      "completed_total",
			Help:      "Runs completed per backend by outcome",
		}, []string{"backend", "outcome"}),
		inflight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "pulsekern",
			Subsystem: "dispatch",
			Name:      "inflight",
			Help:      "Runs submitted but not yet recorded",
		}),
		fidelityGap: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pulsekern",
			Subsystem: "dispatch",
			Name:      "fidelity_gap",
			Help:      "Projected minus measured fidelity per run",
			Buckets:   []float64{-0.01, 0, 0.001, 0.005, 0.01, 0.05, 0.1},
		}, []string{"backend"}),
	}
}
