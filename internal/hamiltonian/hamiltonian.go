// Package hamiltonian builds drift and control Hamiltonians from weighted
// Pauli-string terms.
//
// Qubit 0 is the most significant factor of every Kronecker product, so
// character i of a Pauli string acts on qubit i. All functions are pure.
package hamiltonian

import (
	"errors"
	"fmt"

	"github.com/roach88/pulsekern/internal/linalg"
)

// HermitianTolerance bounds ‖H - H†‖ for a matrix to count as Hermitian.
const HermitianTolerance = 1e-10

// ErrEmptySubsystems is returned by TensorProduct when given no operators.
var ErrEmptySubsystems = errors.New("tensor product of an empty subsystem list")

// Term is one weighted Pauli string. Imag is the imaginary part of the
// coefficient; any nonzero value makes the sum non-Hermitian.
type Term struct {
	Coefficient float64 `json:"coefficient" yaml:"coefficient"`
	Imag        float64 `json:"imag,omitempty" yaml:"imag,omitempty"`
	Pauli       string  `json:"pauli" yaml:"pauli"`
}

// Spec is a symbolic Hamiltonian: a sum of Pauli terms over NumQubits qubits.
type Spec struct {
	NumQubits int    `json:"num_qubits" yaml:"num_qubits"`
	Terms     []Term `json:"terms" yaml:"terms"`
}

var (
	identity2 = linalg.Identity(2)
	pauliX    = linalg.FromRows([][]complex128{{0, 1}, {1, 0}})
	pauliY    = linalg.FromRows([][]complex128{{0, -1i}, {1i, 0}})
	pauliZ    = linalg.FromRows([][]complex128{{1, 0}, {0, -1}})
)

// Pauli returns the single-qubit operator for I, X, Y or Z.
func Pauli(r rune) (*linalg.Matrix, error) {
	switch r {
	case 'I':
		return identity2.Clone(), nil
	case 'X':
		return pauliX.Clone(), nil
	case 'Y':
		return pauliY.Clone(), nil
	case 'Z':
		return pauliZ.Clone(), nil
	default:
		return nil, fmt.Errorf("unknown Pauli operator %q", r)
	}
}

// TensorProduct combines per-subsystem operators into the joint space.
// The first operator is the most significant factor.
func TensorProduct(ops ...*linalg.Matrix) (*linalg.Matrix, error) {
	if len(ops) == 0 {
		return nil, ErrEmptySubsystems
	}
	out := ops[0].Clone()
	for _, op := range ops[1:] {
		out = linalg.Kron(out, op)
	}
	return out, nil
}

// EmbedSingle lifts a single-qubit operator onto qubit q of an n-qubit space.
func EmbedSingle(op *linalg.Matrix, q, n int) (*linalg.Matrix, error) {
	if q < 0 || q >= n {
		return nil, fmt.Errorf("qubit %d out of range for %d qubits", q, n)
	}
	ops := make([]*linalg.Matrix, n)
	for i := range ops {
		ops[i] = identity2
	}
	ops[q] = op
	return TensorProduct(ops...)
}

// PauliString returns the operator for a Pauli string such as "XZI".
func PauliString(s string) (*linalg.Matrix, error) {
	ops := make([]*linalg.Matrix, 0, len(s))
	for _, r := range s {
		p, err := Pauli(r)
		if err != nil {
			return nil, err
		}
		ops = append(ops, p)
	}
	return TensorProduct(ops...)
}

// Build evaluates a Spec into its 2^n × 2^n matrix.
// The result must be Hermitian; otherwise Build returns ValidationErrors.
func Build(spec Spec) (*linalg.Matrix, error) {
	if errs := Validate(spec); len(errs) > 0 {
		return nil, errs
	}

	dim := 1 << spec.NumQubits
	h := linalg.New(dim, dim)
	for _, term := range spec.Terms {
		op, err := PauliString(term.Pauli)
		if err != nil {
			return nil, err
		}
		h.AddScaledInPlace(complex(term.Coefficient, term.Imag), op)
	}

	if !linalg.IsHermitian(h, HermitianTolerance) {
		return nil, ValidationErrors{{
			Field:   "terms",
			Message: fmt.Sprintf("matrix is not Hermitian (max |H-H†| = %.3g)", linalg.MaxAbsDiff(h, linalg.Dagger(h))),
			Code:    ErrNotHermitian,
		}}
	}
	return h, nil
}
