package dispatch

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("dispatcher closed")

// UnknownBackendError reports a lookup of an unregistered backend.
type UnknownBackendError struct {
	Name string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("unknown backend %q", e.Name)
}

// IsUnknownBackendError reports whether err is an UnknownBackendError.
func IsUnknownBackendError(err error) bool {
	var target *UnknownBackendError
	return errors.As(err, &target)
}

// CapabilityError reports a job the backend cannot execute.
type CapabilityError struct {
	Backend string
	Reason  string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("backend %s cannot execute: %s", e.Backend, e.Reason)
}

// IsCapabilityError reports whether err is a CapabilityError.
func IsCapabilityError(err error) bool {
	var target *CapabilityError
	return errors.As(err, &target)
}

// FidelityShortfallError reports a measurement that fell further below the
// projected fidelity than the configured tolerance allows.
type FidelityShortfallError struct {
	RunID     string
	Projected float64
	Measured  float64
	Tolerance float64
}

func (e *FidelityShortfallError) Error() string {
	return fmt.Sprintf("run %s: measured fidelity %.6f below projected %.6f (tolerance %.6f)",
		e.RunID, e.Measured, e.Projected, e.Tolerance)
}

// IsFidelityShortfallError reports whether err is a FidelityShortfallError.
func IsFidelityShortfallError(err error) bool {
	var target *FidelityShortfallError
	return errors.As(err, &target)
}
