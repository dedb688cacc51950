package compiler

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/pulsekern/internal/hamiltonian"
)

// Validation error codes (E100-E199)
const (
	// Qubit errors (E100-E104)
	ErrDuplicateQubit = "E100" // qubit index declared twice
	ErrCoherenceBound = "E101" // T2 exceeds 2*T1
	ErrClockTick      = "E102" // clock tick must be positive

	// Coupling errors (E110-E119)
	ErrUnknownCouplingQubit = "E110" // coupling references an undeclared qubit
	ErrSelfCoupling         = "E111" // coupling joins a qubit to itself
	ErrDuplicateCoupling    = "E112" // same pair coupled twice

	// Scope errors (E120-E129)
	ErrUnknownScopeQubit = "E120" // scope references an undeclared qubit
	ErrSharedScopeQubit  = "E121" // qubit appears in more than one scope
	ErrDuplicateScope    = "E122" // scope name used twice

	// Hamiltonian errors (E130-E139)
	ErrInvalidHamiltonian = "E130" // named Hamiltonian fails its own validation
)

// ValidationError represents a device validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors collects every problem found in one device.
type ValidationErrors []ValidationError

// Error implements the error interface.
func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return "invalid device: " + strings.Join(msgs, "; ")
}

// IsValidationError reports whether err carries device validation errors.
func IsValidationError(err error) bool {
	var ve ValidationErrors
	return errors.As(err, &ve)
}

// Validate checks cross-field rules the CUE schema cannot express.
// Returns all errors found (does not fail-fast).
func Validate(d *Device) ValidationErrors {
	var errs ValidationErrors
	add := func(field, code, format string, args ...any) {
		ve := ValidationError{Field: field, Code: code, Message: fmt.Sprintf(format, args...)}
		if p, ok := d.pos[field]; ok && p.IsValid() {
			ve.Line = p.Line()
		}
		errs = append(errs, ve)
	}

	if d.ClockTickNs <= 0 {
		add("clock_tick_ns", ErrClockTick, "must be positive, got %g", d.ClockTickNs)
	}

	declared := make(map[int]bool, len(d.Qubits))
	for i, q := range d.Qubits {
		field := fmt.Sprintf("qubits[%d]", i)
		if declared[q.Qubit] {
			add(field, ErrDuplicateQubit, "qubit %d declared twice", q.Qubit)
		}
		declared[q.Qubit] = true

		if q.T2Ns > 2*q.T1Ns {
			add(field, ErrCoherenceBound, "t2_ns %g exceeds 2*t1_ns (%g)", q.T2Ns, 2*q.T1Ns)
		}
	}

	type pair struct{ a, b int }
	coupled := make(map[pair]bool, len(d.Couplings))
	for i, c := range d.Couplings {
		field := fmt.Sprintf("couplings[%d]", i)
		if c.A == c.B {
			add(field, ErrSelfCoupling, "qubit %d coupled to itself", c.A)
			continue
		}
		for _, q := range []int{c.A, c.B} {
			if !declared[q] {
				add(field, ErrUnknownCouplingQubit, "qubit %d is not declared", q)
			}
		}
		key := pair{min(c.A, c.B), max(c.A, c.B)}
		if coupled[key] {
			add(field, ErrDuplicateCoupling, "pair (%d,%d) coupled twice", key.a, key.b)
		}
		coupled[key] = true
	}

	names := make(map[string]bool, len(d.Scopes))
	owner := make(map[int]string)
	for i, s := range d.Scopes {
		field := fmt.Sprintf("scopes[%d]", i)
		if names[s.Name] {
			add(field, ErrDuplicateScope, "scope name %q used twice", s.Name)
		}
		names[s.Name] = true

		for _, q := range s.Qubits {
			if !declared[q] {
				add(field, ErrUnknownScopeQubit, "qubit %d is not declared", q)
				continue
			}
			if prev, ok := owner[q]; ok && prev != s.Name {
				add(field, ErrSharedScopeQubit, "qubit %d already belongs to scope %q", q, prev)
				continue
			}
			owner[q] = s.Name
		}
	}

	for _, name := range sortedKeys(d.Hamiltonians) {
		for _, he := range hamiltonian.Validate(d.Hamiltonians[name]) {
			add("hamiltonians."+name, ErrInvalidHamiltonian, "%s", he.Error())
		}
	}

	return errs
}
