package grape

import (
	"fmt"
	"math/cmplx"

	"github.com/roach88/pulsekern/internal/hamiltonian"
	"github.com/roach88/pulsekern/internal/linalg"
)

// problem holds the per-request constants of the propagation.
type problem struct {
	model   *hamiltonian.Model
	targetD *linalg.Matrix // U_target†
	dt      float64
	dim     int
	// genC[k] = -i·dt·C_k, the exponent direction of control k.
	genC []*linalg.Matrix
	// genD = -i·dt·Drift
	genD *linalg.Matrix
}

func newProblem(m *hamiltonian.Model, target *linalg.Matrix, dt float64) *problem {
	p := &problem{
		model:   m,
		targetD: linalg.Dagger(target),
		dt:      dt,
		dim:     m.Dim(),
		genD:    linalg.Scale(complex(0, -dt), m.Drift),
		genC:    make([]*linalg.Matrix, len(m.Controls)),
	}
	for k, c := range m.Controls {
		p.genC[k] = linalg.Scale(complex(0, -dt), c.Operator)
	}
	return p
}

// propagation is the state of one forward pass.
type propagation struct {
	exponents []*linalg.Matrix // A_j = -i·dt·H_j
	segments  []*linalg.Matrix // U_j = exp(A_j)
	forward   []*linalg.Matrix // forward[j] = U_j ··· U_1, forward[0] = I (1-based j)
	overlap   complex128       // Tr(U_target† U_total)
	fidelity  float64
}

// Fidelity returns |Tr(target† u)|² / N², the phase-insensitive overlap.
func Fidelity(target, u *linalg.Matrix) float64 {
	n := float64(target.Rows)
	g := linalg.Trace(linalg.Mul(linalg.Dagger(target), u))
	return real(g*cmplx.Conj(g)) / (n * n)
}

func (p *problem) propagate(u [][]float64) (*propagation, error) {
	samples := len(u[0])
	prop := &propagation{
		exponents: make([]*linalg.Matrix, samples),
		segments:  make([]*linalg.Matrix, samples),
		forward:   make([]*linalg.Matrix, samples+1),
	}
	prop.forward[0] = linalg.Identity(p.dim)
	for j := 0; j < samples; j++ {
		a := p.genD.Clone()
		for k := range p.genC {
			a.AddScaledInPlace(complex(u[k][j], 0), p.genC[k])
		}
		seg, err := linalg.Expm(a)
		if err != nil {
			return nil, fmt.Errorf("segment %d propagator: %w", j, err)
		}
		prop.exponents[j] = a
		prop.segments[j] = seg
		prop.forward[j+1] = linalg.Mul(seg, prop.forward[j])
	}

	total := prop.forward[samples]
	prop.overlap = linalg.Trace(linalg.Mul(p.targetD, total))
	n := float64(p.dim)
	prop.fidelity = real(prop.overlap*cmplx.Conj(prop.overlap)) / (n * n)
	return prop, nil
}

// gradient returns dF/du_kj for every control k and sample j.
//
// With g = Tr(U_t† U_M ··· U_1) and B_j = U_t† U_M ··· U_{j+1}:
//
//	dg/du_kj = Tr(B_j · L(A_j, -i·dt·C_k) · X_{j-1})
//	dF/du_kj = 2·Re(conj(g)·dg/du_kj) / N²
func (p *problem) gradient(u [][]float64, prop *propagation) ([][]float64, error) {
	samples := len(prop.segments)
	grad := make([][]float64, len(u))
	for k := range grad {
		grad[k] = make([]float64, samples)
	}

	n2 := float64(p.dim * p.dim)
	conjG := cmplx.Conj(prop.overlap)
	back := p.targetD.Clone() // B_M
	for j := samples - 1; j >= 0; j-- {
		// M = X_{j-1}·B_j so that Tr(B_j L X_{j-1}) = Tr(L M)
		m := linalg.Mul(prop.forward[j], back)
		for k := range p.genC {
			_, l, err := linalg.ExpmFrechet(prop.exponents[j], p.genC[k])
			if err != nil {
				return nil, fmt.Errorf("segment %d derivative: %w", j, err)
			}
			dg := traceProduct(l, m)
			grad[k][j] = 2 * real(conjG*dg) / n2
		}
		back = linalg.Mul(back, prop.segments[j])
	}
	return grad, nil
}

// traceProduct returns Tr(a·b) without forming the product.
func traceProduct(a, b *linalg.Matrix) complex128 {
	var t complex128
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			t += a.At(i, j) * b.At(j, i)
		}
	}
	return t
}
