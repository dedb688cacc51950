package plan

import (
	"errors"
	"fmt"
	"math"

	"github.com/roach88/pulsekern/internal/ir"
)

// Shape kinds.
const (
	ShapeSquare   = "square"
	ShapeGaussian = "gaussian"
)

// Shape is an analytic envelope applied to every qubit of a pulse.
type Shape struct {
	Kind       string        `yaml:"kind"`
	DurationNs float64       `yaml:"duration_ns"`
	Amplitude  float64       `yaml:"amplitude"` // rad/ns
	SigmaNs    float64       `yaml:"sigma_ns,omitempty"`
	Quadrature ir.Quadrature `yaml:"quadrature,omitempty"`

	// Infidelity is the gate infidelity charged to the error budget.
	Infidelity float64 `yaml:"infidelity,omitempty"`
}

func (s *Shape) validate() error {
	switch {
	case s.Kind != ShapeSquare && s.Kind != ShapeGaussian:
		return fmt.Errorf("unknown kind %q", s.Kind)
	case s.DurationNs <= 0:
		return errors.New("duration_ns must be positive")
	case s.SigmaNs < 0:
		return errors.New("sigma_ns must not be negative")
	case s.Infidelity < 0 || s.Infidelity >= 1:
		return fmt.Errorf("infidelity must be in [0, 1), got %g", s.Infidelity)
	}
	switch s.Quadrature {
	case "", ir.QuadratureI, ir.QuadratureQ:
		return nil
	}
	return fmt.Errorf("quadrature must be I or Q, got %q", s.Quadrature)
}

// Envelope samples the shape on the clock grid. The sample period is
// stretched so the envelope lasts exactly DurationNs even when the duration
// is off-grid; the sequence builder reports that case.
func (s *Shape) Envelope(qubits []int, clockTickNs float64) ir.Envelope {
	n := max(1, int(math.Round(s.DurationNs/clockTickNs)))
	dt := s.DurationNs / float64(n)

	wave := make([]float64, n)
	sigma := s.SigmaNs
	if sigma == 0 {
		sigma = s.DurationNs / 4
	}
	mid := s.DurationNs / 2
	for i := range wave {
		switch s.Kind {
		case ShapeGaussian:
			t := (float64(i) + 0.5) * dt
			wave[i] = s.Amplitude * math.Exp(-(t-mid)*(t-mid)/(2*sigma*sigma))
		default:
			wave[i] = s.Amplitude
		}
	}

	active := s.Quadrature
	if active == "" {
		active = ir.QuadratureI
	}
	env := ir.Envelope{SamplePeriodNs: dt}
	for _, q := range qubits {
		for _, quad := range []ir.Quadrature{ir.QuadratureI, ir.QuadratureQ} {
			samples := make([]float64, n)
			if quad == active {
				copy(samples, wave)
			}
			env.Channels = append(env.Channels, ir.Channel{
				Name:       fmt.Sprintf("q%d.%s", q, quad),
				Qubit:      q,
				Quadrature: quad,
				Samples:    samples,
			})
		}
	}
	return env
}
