package calibration

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recalibration outcomes recorded in the recalibrations_total counter.
const (
	OutcomeSuccess    = "success"
	OutcomeRetry      = "retry"
	OutcomeFault      = "fault"
	OutcomeSuperseded = "superseded"
)

type metrics struct {
	cycles         *prometheus.CounterVec
	recalibrations *prometheus.CounterVec
	deviation      *prometheus.HistogramVec
	state          *prometheus.GaugeVec
}

// newMetrics registers the loop's collectors on reg. A nil reg creates
// unregistered collectors.
func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsekern",
			Subsystem: "calibration",
			Name:      "cycles_total",
			Help:      "Measurement cycles started per scope",
		}, []string{"scope"}),
		recalibrations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pulsekern",
			Subsystem: "calibration",
			Name:      "recalibrations_total",
			Help:      "Recalibration attempts per scope by outcome",
		}, []string{"scope", "outcome"}),
		deviation: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pulsekern",
			Subsystem: "calibration",
			Name:      "drift_deviation",
			Help:      "Largest relative parameter deviation found per drift check",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"scope"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "pulsekern",
			Subsystem: "calibration",
			Name:      "scope_state",
			Help:      "Current state machine position per scope (0 idle .. 5 fault)",
		}, []string{"scope"}),
	}
}
