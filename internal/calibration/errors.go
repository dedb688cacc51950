package calibration

import (
	"errors"
	"fmt"
)

var (
	// ErrPaused is returned by Admit while a scope touching the requested
	// qubits is recalibrating.
	ErrPaused = errors.New("qubits paused for recalibration")

	// ErrSuperseded is returned by a cycle that a newer drift event on the
	// same scope cancelled. Its fingerprint update was discarded.
	ErrSuperseded = errors.New("recalibration superseded by a newer drift event")

	// ErrUnknownScope is returned for scope names that were never registered.
	ErrUnknownScope = errors.New("unknown calibration scope")
)

// DriftDetectionFault reports a scope whose recalibration failed more often
// than the configured retry limit. It is fatal for that scope only; Reset
// clears it.
type DriftDetectionFault struct {
	Scope    string
	Qubits   []int
	Attempts int
	// Last is the error of the final attempt.
	Last error
}

// Error implements the error interface.
func (e *DriftDetectionFault) Error() string {
	return fmt.Sprintf("drift detection fault on scope %s (qubits %v) after %d attempts: %v",
		e.Scope, e.Qubits, e.Attempts, e.Last)
}

// Unwrap returns the error of the final attempt.
func (e *DriftDetectionFault) Unwrap() error { return e.Last }

// IsDriftDetectionFault returns true if the error is a drift detection fault.
// Uses errors.As to handle wrapped errors.
func IsDriftDetectionFault(err error) bool {
	var f *DriftDetectionFault
	return errors.As(err, &f)
}
