package scheduler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/pulsekern/internal/ir"
)

// UnsatisfiableError reports a frozen sequence that admits no schedule.
// Constraints lists the offending constraints in declaration order.
type UnsatisfiableError struct {
	Constraints []ir.TemporalConstraint
	Pulses      []string
	Reason      string
}

// Error implements the error interface.
func (e *UnsatisfiableError) Error() string {
	if len(e.Constraints) == 0 {
		return fmt.Sprintf("unsatisfiable schedule: %s", e.Reason)
	}
	parts := make([]string, len(e.Constraints))
	for i, c := range e.Constraints {
		parts[i] = c.String()
	}
	return fmt.Sprintf("unsatisfiable schedule: %s [%s]", e.Reason, strings.Join(parts, ", "))
}

// IsUnsatisfiableError returns true if the error is an unsatisfiable schedule.
// Uses errors.As to handle wrapped errors.
func IsUnsatisfiableError(err error) bool {
	var ue *UnsatisfiableError
	return errors.As(err, &ue)
}
