package hamiltonian

import (
	"fmt"

	"github.com/roach88/pulsekern/internal/ir"
	"github.com/roach88/pulsekern/internal/linalg"
)

// Control is one drive term. The full Hamiltonian during a segment is
// Drift + Σ u_k·Operator_k with u_k in rad/ns.
type Control struct {
	Name       string
	Qubit      int
	Quadrature ir.Quadrature
	Operator   *linalg.Matrix
}

// Model is a drift Hamiltonian plus its control terms, all in the rotating frame.
type Model struct {
	// Qubits maps local index (Kronecker position) to physical qubit ID.
	Qubits   []int
	Drift    *linalg.Matrix
	Controls []Control
}

// Coupling is an exchange interaction between two physical qubits.
type Coupling struct {
	A           int     `json:"a" yaml:"a"`
	B           int     `json:"b" yaml:"b"`
	StrengthRad float64 `json:"strength_rad_per_ns" yaml:"strength_rad_per_ns"`
}

// Dim returns the Hilbert space dimension.
func (m *Model) Dim() int { return m.Drift.Rows }

// NewModel checks a hand-built model: every operator must be Hermitian and
// share the drift's dimension.
func NewModel(qubits []int, drift *linalg.Matrix, controls []Control) (*Model, error) {
	if drift == nil || !linalg.IsHermitian(drift, HermitianTolerance) {
		return nil, ValidationErrors{{Field: "drift", Message: "drift must be a Hermitian matrix", Code: ErrNotHermitian}}
	}
	if drift.Rows != 1<<len(qubits) {
		return nil, fmt.Errorf("drift dimension %d does not match %d qubits", drift.Rows, len(qubits))
	}
	for _, c := range controls {
		if c.Operator == nil || c.Operator.Rows != drift.Rows || !linalg.IsHermitian(c.Operator, HermitianTolerance) {
			return nil, ValidationErrors{{
				Field:   "controls." + c.Name,
				Message: "control operator must be Hermitian with the drift's dimension",
				Code:    ErrNotHermitian,
			}}
		}
	}
	return &Model{Qubits: qubits, Drift: drift, Controls: controls}, nil
}

// NewDriveModel builds the standard transmon drive model over physical
// qubits: drift Σ Δ_q/2·Z_q + Σ J/4·(X_aX_b + Y_aY_b), and for each qubit an
// I control ampScale·X/2 and a Q control ampScale·Y/2.
//
// detunings and ampScales are indexed like qubits; a nil ampScales means 1.
func NewDriveModel(qubits []int, detunings, ampScales []float64, couplings []Coupling) (*Model, error) {
	n := len(qubits)
	if n == 0 {
		return nil, ErrEmptySubsystems
	}
	if n > MaxQubits {
		return nil, fmt.Errorf("%d qubits exceeds maximum of %d", n, MaxQubits)
	}
	if len(detunings) != n {
		return nil, fmt.Errorf("got %d detunings for %d qubits", len(detunings), n)
	}
	if ampScales != nil && len(ampScales) != n {
		return nil, fmt.Errorf("got %d amplitude scales for %d qubits", len(ampScales), n)
	}

	local := make(map[int]int, n)
	for i, q := range qubits {
		if _, dup := local[q]; dup {
			return nil, fmt.Errorf("qubit %d listed twice", q)
		}
		local[q] = i
	}

	dim := 1 << n
	drift := linalg.New(dim, dim)
	var controls []Control
	for i, q := range qubits {
		z, err := EmbedSingle(pauliZ, i, n)
		if err != nil {
			return nil, err
		}
		drift.AddScaledInPlace(complex(detunings[i]/2, 0), z)

		scale := 1.0
		if ampScales != nil {
			scale = ampScales[i]
		}
		x, err := EmbedSingle(pauliX, i, n)
		if err != nil {
			return nil, err
		}
		y, err := EmbedSingle(pauliY, i, n)
		if err != nil {
			return nil, err
		}
		controls = append(controls,
			Control{Name: fmt.Sprintf("q%d.I", q), Qubit: q, Quadrature: ir.QuadratureI, Operator: linalg.Scale(complex(scale/2, 0), x)},
			Control{Name: fmt.Sprintf("q%d.Q", q), Qubit: q, Quadrature: ir.QuadratureQ, Operator: linalg.Scale(complex(scale/2, 0), y)},
		)
	}

	for _, c := range couplings {
		a, okA := local[c.A]
		b, okB := local[c.B]
		if !okA || !okB {
			// Couplings to qubits outside the model are ignored.
			continue
		}
		if a == b {
			return nil, fmt.Errorf("coupling of qubit %d to itself", c.A)
		}
		for _, p := range []*linalg.Matrix{pauliX, pauliY} {
			ops := make([]*linalg.Matrix, n)
			for i := range ops {
				ops[i] = identity2
			}
			ops[a], ops[b] = p, p
			pp, err := TensorProduct(ops...)
			if err != nil {
				return nil, err
			}
			drift.AddScaledInPlace(complex(c.StrengthRad/4, 0), pp)
		}
	}

	return NewModel(qubits, drift, controls)
}

// FromCalibration builds a drive model from calibrated qubit parameters.
func FromCalibration(params []ir.QubitParams, couplings []Coupling) (*Model, error) {
	qubits := make([]int, len(params))
	detunings := make([]float64, len(params))
	scales := make([]float64, len(params))
	for i, p := range params {
		qubits[i] = p.Qubit
		detunings[i] = p.DetuningRad
		scales[i] = p.AmpScale
		if scales[i] == 0 {
			scales[i] = 1
		}
	}
	return NewDriveModel(qubits, detunings, scales, couplings)
}
