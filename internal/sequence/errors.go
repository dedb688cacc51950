package sequence

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/pulsekern/internal/ir"
)

// ErrFrozen is returned by Append once the sequence has been frozen.
var ErrFrozen = errors.New("sequence is frozen")

// ErrInvalidPulse wraps structural problems with an appended pulse.
var ErrInvalidPulse = errors.New("invalid pulse")

// AlignmentError reports an AWG clock-quantization violation.
type AlignmentError struct {
	PulseID     string
	NominalNs   float64
	PrecisionNs float64
	RoundedNs   float64
	ErrorNs     float64
	ToleranceNs float64
	// Reason describes violations other than a rounding error, such as a
	// precision that is not a multiple of the clock tick.
	Reason string
}

// Error implements the error interface.
func (e *AlignmentError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("pulse %s: alignment: %s", e.PulseID, e.Reason)
	}
	return fmt.Sprintf("pulse %s: nominal %gns rounds to %gns on a %gns grid (error %.3gns > tolerance %gns)",
		e.PulseID, e.NominalNs, e.RoundedNs, e.PrecisionNs, e.ErrorNs, e.ToleranceNs)
}

// IsAlignmentError returns true if the error is an alignment error.
// Uses errors.As to handle wrapped errors.
func IsAlignmentError(err error) bool {
	var ae *AlignmentError
	return errors.As(err, &ae)
}

// ConstraintConflictError reports contradictory or malformed constraints.
// Constraints lists every constraint involved in the conflict.
type ConstraintConflictError struct {
	Constraints []ir.TemporalConstraint
	Reason      string
}

// Error implements the error interface.
func (e *ConstraintConflictError) Error() string {
	parts := make([]string, len(e.Constraints))
	for i, c := range e.Constraints {
		parts[i] = c.String()
	}
	return fmt.Sprintf("constraint conflict: %s [%s]", e.Reason, strings.Join(parts, ", "))
}

// IsConstraintConflictError returns true if the error is a constraint conflict.
// Uses errors.As to handle wrapped errors.
func IsConstraintConflictError(err error) bool {
	var ce *ConstraintConflictError
	return errors.As(err, &ce)
}
