package sequence

import (
	"fmt"
	"math"

	"github.com/roach88/pulsekern/internal/ir"
)

// timingEps absorbs float noise when comparing durations against tolerances.
const timingEps = 1e-9

// checkConstraints validates added against the committed constraints.
// durations must contain every pulse that may be referenced, including the
// pulse being appended.
func checkConstraints(existing, added []ir.TemporalConstraint, durations map[string]float64) error {
	all := append([]ir.TemporalConstraint(nil), existing...)
	for _, c := range added {
		if err := checkWellFormed(c, durations); err != nil {
			return err
		}
		for _, o := range all {
			if !samePair(c, o) {
				continue
			}
			if reason := contradiction(o, c, durations); reason != "" {
				return &ConstraintConflictError{Constraints: []ir.TemporalConstraint{o, c}, Reason: reason}
			}
		}
		all = append(all, c)
	}
	return nil
}

func checkWellFormed(c ir.TemporalConstraint, durations map[string]float64) error {
	conflict := func(format string, args ...any) error {
		return &ConstraintConflictError{
			Constraints: []ir.TemporalConstraint{c},
			Reason:      fmt.Sprintf(format, args...),
		}
	}
	if !ir.ValidConstraintKinds[c.Kind] {
		return conflict("unknown constraint kind %q", c.Kind)
	}
	if c.ToleranceNs < 0 || math.IsNaN(c.ToleranceNs) || math.IsInf(c.ToleranceNs, 0) {
		return conflict("tolerance must be a finite non-negative number")
	}
	if c.PulseA == c.PulseB {
		return conflict("constraint relates pulse %q to itself", c.PulseA)
	}
	for _, id := range []string{c.PulseA, c.PulseB} {
		if _, ok := durations[id]; !ok {
			return conflict("unknown pulse %q", id)
		}
	}
	return nil
}

func samePair(a, b ir.TemporalConstraint) bool {
	return (a.PulseA == b.PulseA && a.PulseB == b.PulseB) ||
		(a.PulseA == b.PulseB && a.PulseB == b.PulseA)
}

func isOrdering(c ir.TemporalConstraint) bool {
	return c.Kind == ir.Sequential || c.Kind == ir.MaxDelay
}

// contradiction returns why earlier and later cannot both hold on the same
// pulse pair, or "" if they are compatible.
func contradiction(earlier, later ir.TemporalConstraint, dur map[string]float64) string {
	switch {
	case isOrdering(earlier) && isOrdering(later):
		if earlier.PulseA != later.PulseA {
			return "pulses ordered in both directions"
		}
		return ""

	case isOrdering(earlier) || isOrdering(later):
		ord, other := earlier, later
		if isOrdering(later) {
			ord, other = later, earlier
		}
		switch other.Kind {
		case ir.Simultaneous:
			// start_b >= start_a + dur_a contradicts |start_a - start_b| <= tol
			if dur[ord.PulseA] > other.ToleranceNs+timingEps {
				return fmt.Sprintf("%s pulses cannot also be ordered", other.Kind)
			}
		case ir.Aligned:
			// end_b >= end_a + dur_b contradicts |end_a - end_b| <= tol
			if dur[ord.PulseB] > other.ToleranceNs+timingEps {
				return fmt.Sprintf("%s pulses cannot also be ordered", other.Kind)
			}
		}
		return ""

	case earlier.Kind != later.Kind:
		// Simultaneous and Aligned: equal starts and equal ends need equal durations.
		if diff := math.Abs(dur[later.PulseA] - dur[later.PulseB]); diff > later.ToleranceNs+timingEps {
			return fmt.Sprintf("simultaneous and aligned pulses differ in duration by %gns", diff)
		}
	}
	return ""
}
