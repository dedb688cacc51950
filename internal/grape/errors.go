package grape

import (
	"errors"
	"fmt"
)

// ErrInvalidRequest wraps every request validation failure other than a
// non-unitary target.
var ErrInvalidRequest = errors.New("invalid optimization request")

// NonUnitaryTargetError is returned before any iteration when the target
// operator is not unitary.
type NonUnitaryTargetError struct {
	// Deviation is max |U†U - I| over all elements.
	Deviation float64
	Dim       int
}

// Error implements the error interface.
func (e *NonUnitaryTargetError) Error() string {
	return fmt.Sprintf("target %dx%d is not unitary (max |U†U-I| = %.3g)", e.Dim, e.Dim, e.Deviation)
}

// IsNonUnitaryTargetError returns true if the error is a non-unitary target error.
// Uses errors.As to handle wrapped errors.
func IsNonUnitaryTargetError(err error) bool {
	var nu *NonUnitaryTargetError
	return errors.As(err, &nu)
}

// StopReason records why an optimization run ended.
type StopReason string

const (
	StopConverged     StopReason = "converged"
	StopMaxIterations StopReason = "max_iterations"
	StopFlatGradient  StopReason = "flat_gradient"
	StopStepUnderflow StopReason = "step_underflow"
	StopDivergent     StopReason = "divergent"
)

// ConvergenceFailure describes a run that did not reach its target fidelity.
// It is recoverable: the best iterate is still returned in the Result, and
// callers may retry with another seed or a relaxed target.
type ConvergenceFailure struct {
	Fidelity       float64
	TargetFidelity float64
	Iterations     int
	Reason         StopReason
	Divergent      bool
}

// Error implements the error interface.
func (e *ConvergenceFailure) Error() string {
	return fmt.Sprintf("optimizer stopped (%s) after %d iterations at fidelity %.6f, target %.6f",
		e.Reason, e.Iterations, e.Fidelity, e.TargetFidelity)
}

// IsConvergenceFailure returns true if the error is a convergence failure.
// Uses errors.As to handle wrapped errors.
func IsConvergenceFailure(err error) bool {
	var cf *ConvergenceFailure
	return errors.As(err, &cf)
}
