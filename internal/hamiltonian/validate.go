package hamiltonian

import (
	"errors"
	"fmt"
	"strings"
)

// Validation error codes (E200-E209)
const (
	ErrInvalidQubitCount = "E200" // num_qubits must be in [1, MaxQubits]
	ErrNoTerms           = "E201" // at least one term required
	ErrPauliLength       = "E202" // pauli string length != num_qubits
	ErrPauliCharacter    = "E203" // pauli string uses characters outside IXYZ
	ErrNotHermitian      = "E204" // evaluated matrix is not Hermitian
)

// MaxQubits bounds the dense representation.
const MaxQubits = 8

// ValidationError describes one problem with a Hamiltonian spec.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors collects every problem found in one spec.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// IsValidationError reports whether err carries Hamiltonian validation errors.
// Uses errors.As to handle wrapped errors.
func IsValidationError(err error) bool {
	var ve ValidationErrors
	return errors.As(err, &ve)
}

// Validate checks a spec without evaluating it.
// Returns all errors found (does not fail-fast).
func Validate(spec Spec) ValidationErrors {
	var errs ValidationErrors

	if spec.NumQubits < 1 || spec.NumQubits > MaxQubits {
		errs = append(errs, ValidationError{
			Field:   "num_qubits",
			Message: fmt.Sprintf("must be between 1 and %d, got %d", MaxQubits, spec.NumQubits),
			Code:    ErrInvalidQubitCount,
		})
		return errs
	}

	if len(spec.Terms) == 0 {
		errs = append(errs, ValidationError{
			Field:   "terms",
			Message: "at least one term is required",
			Code:    ErrNoTerms,
		})
	}

	for i, term := range spec.Terms {
		field := fmt.Sprintf("terms[%d].pauli", i)
		if len(term.Pauli) != spec.NumQubits {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("%q has length %d, want %d", term.Pauli, len(term.Pauli), spec.NumQubits),
				Code:    ErrPauliLength,
			})
		}
		if pos := strings.IndexFunc(term.Pauli, func(r rune) bool {
			return !strings.ContainsRune("IXYZ", r)
		}); pos >= 0 {
			errs = append(errs, ValidationError{
				Field:   field,
				Message: fmt.Sprintf("%q contains %q at position %d; only IXYZ are allowed", term.Pauli, term.Pauli[pos], pos),
				Code:    ErrPauliCharacter,
			})
		}
	}
	return errs
}
