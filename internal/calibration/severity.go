package calibration

import (
	"fmt"
	"math"

	"github.com/roach88/pulsekern/internal/ir"
)

// Thresholds are the relative deviations at which each severity begins.
type Thresholds struct {
	Minor    float64 `yaml:"minor" validate:"gt=0"`
	Moderate float64 `yaml:"moderate" validate:"gtefield=Minor"`
	Major    float64 `yaml:"major" validate:"gtefield=Moderate"`
	Critical float64 `yaml:"critical" validate:"gtefield=Major"`
}

// DefaultThresholds returns 1 %, 5 %, 10 % and 25 %.
func DefaultThresholds() Thresholds {
	return Thresholds{Minor: 0.01, Moderate: 0.05, Major: 0.10, Critical: 0.25}
}

func (t Thresholds) validate() error {
	if !(t.Minor > 0 && t.Minor <= t.Moderate && t.Moderate <= t.Major && t.Major <= t.Critical) {
		return fmt.Errorf("severity thresholds must satisfy 0 < minor <= moderate <= major <= critical, got %+v", t)
	}
	return nil
}

// Grade maps a relative deviation to a severity.
func (t Thresholds) Grade(deviation float64) ir.Severity {
	switch {
	case deviation >= t.Critical:
		return ir.SeverityCritical
	case deviation >= t.Major:
		return ir.SeverityMajor
	case deviation >= t.Moderate:
		return ir.SeverityModerate
	case deviation >= t.Minor:
		return ir.SeverityMinor
	}
	return ir.SeverityNone
}

// Deviation returns the largest relative change of any calibrated parameter
// between stored and measured values, and the qubit it occurred on.
//
// Each parameter contributes |a-b| / max(|a|, |b|), which lies in [0, 1]
// and stays finite when a parameter starts at zero. Every stored qubit must
// be present in measured.
func Deviation(stored, measured []ir.QubitParams) (float64, int, error) {
	byQubit := make(map[int]ir.QubitParams, len(measured))
	for _, m := range measured {
		byQubit[m.Qubit] = m
	}

	worst, worstQubit := 0.0, -1
	for _, s := range stored {
		m, ok := byQubit[s.Qubit]
		if !ok {
			return 0, -1, fmt.Errorf("measurement is missing qubit %d", s.Qubit)
		}
		for _, pair := range [][2]float64{
			{s.FrequencyGHz, m.FrequencyGHz},
			{s.T1Ns, m.T1Ns},
			{s.T2Ns, m.T2Ns},
			{s.AmpScale, m.AmpScale},
			{s.DetuningRad, m.DetuningRad},
		} {
			d := relativeChange(pair[0], pair[1])
			if math.IsNaN(d) {
				return 0, -1, fmt.Errorf("measurement of qubit %d contains NaN", s.Qubit)
			}
			if d > worst {
				worst, worstQubit = d, s.Qubit
			}
		}
	}
	return worst, worstQubit, nil
}

func relativeChange(a, b float64) float64 {
	scale := math.Max(math.Abs(a), math.Abs(b))
	if scale == 0 {
		return 0
	}
	return math.Abs(a-b) / scale
}
