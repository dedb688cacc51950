package budget

import (
	"errors"
	"fmt"
)

// Kind names the ceiling a BudgetExceededError breached.
type Kind string

const (
	KindDecoherence Kind = "decoherence"
	KindErrorBudget Kind = "error_budget"
)

// BudgetExceededError is returned when an append would breach a ceiling.
type BudgetExceededError struct {
	Kind Kind
	// Requested is the value after the rejected append (consumed infidelity,
	// or fraction of T2).
	Requested float64
	Limit     float64
	// Qubit is the offending qubit for decoherence violations, -1 otherwise.
	Qubit   int
	PulseID string
}

// Error implements the error interface.
func (e *BudgetExceededError) Error() string {
	switch {
	case e.Kind == KindDecoherence && e.PulseID != "":
		return fmt.Sprintf("%s budget exceeded by pulse %s on qubit %d: %.4g > %.4g",
			e.Kind, e.PulseID, e.Qubit, e.Requested, e.Limit)
	case e.PulseID != "":
		return fmt.Sprintf("%s budget exceeded by pulse %s: %.4g > %.4g", e.Kind, e.PulseID, e.Requested, e.Limit)
	}
	return fmt.Sprintf("%s budget exceeded: %.4g > %.4g", e.Kind, e.Requested, e.Limit)
}

// IsBudgetExceededError returns true if the error is a budget violation.
// Uses errors.As to handle wrapped errors.
func IsBudgetExceededError(err error) bool {
	var be *BudgetExceededError
	return errors.As(err, &be)
}
