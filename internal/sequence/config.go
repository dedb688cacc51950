package sequence

import "fmt"

// AlignmentPolicy decides what happens to a pulse whose requested start is
// off the AWG grid by more than the tolerance.
type AlignmentPolicy string

const (
	// PolicyReject fails the append with an AlignmentError.
	PolicyReject AlignmentPolicy = "reject"
	// PolicyAutoRound rounds to the grid and attaches a warning.
	PolicyAutoRound AlignmentPolicy = "auto_round"
)

// Config holds the builder's timing and decoherence policy.
type Config struct {
	// ClockTickNs is the AWG sample clock; every precision and duration
	// must be an integer multiple of it.
	ClockTickNs          float64         `yaml:"clock_tick_ns" validate:"gt=0"`
	AlignmentToleranceNs float64         `yaml:"alignment_tolerance_ns" validate:"gte=0"`
	AlignmentPolicy      AlignmentPolicy `yaml:"alignment_policy" validate:"oneof=reject auto_round"`

	// Decoherence ceilings as fractions of min T2 over a pulse's qubits.
	DecoherenceSoftFraction float64 `yaml:"decoherence_soft_fraction" validate:"gt=0"`
	DecoherenceHardFraction float64 `yaml:"decoherence_hard_fraction" validate:"gtefield=DecoherenceSoftFraction"`
}

// DefaultConfig returns a 1 ns clock, strict alignment, and soft/hard
// decoherence ceilings of 0.2 and 0.3 × T2.
func DefaultConfig() Config {
	return Config{
		ClockTickNs:             1,
		AlignmentToleranceNs:    0,
		AlignmentPolicy:         PolicyReject,
		DecoherenceSoftFraction: 0.2,
		DecoherenceHardFraction: 0.3,
	}
}

func (c Config) validate() error {
	switch {
	case c.ClockTickNs <= 0:
		return fmt.Errorf("clock_tick_ns must be positive, got %g", c.ClockTickNs)
	case c.AlignmentToleranceNs < 0:
		return fmt.Errorf("alignment_tolerance_ns must be non-negative, got %g", c.AlignmentToleranceNs)
	case c.AlignmentPolicy != PolicyReject && c.AlignmentPolicy != PolicyAutoRound:
		return fmt.Errorf("unknown alignment policy %q", c.AlignmentPolicy)
	case c.DecoherenceSoftFraction <= 0 || c.DecoherenceHardFraction < c.DecoherenceSoftFraction:
		return fmt.Errorf("decoherence fractions must satisfy 0 < soft (%g) <= hard (%g)",
			c.DecoherenceSoftFraction, c.DecoherenceHardFraction)
	}
	return nil
}
