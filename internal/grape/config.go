package grape

import (
	"strconv"

	"github.com/roach88/pulsekern/internal/ir"
	"github.com/roach88/pulsekern/internal/linalg"
)

// matrixCanonical renders a matrix as rows × cols plus interleaved re/im parts.
func matrixCanonical(m *linalg.Matrix) ir.IRObject {
	parts := make([]float64, 0, 2*len(m.Data))
	for _, v := range m.Data {
		parts = append(parts, real(v), imag(v))
	}
	return ir.IRObject{
		"rows": ir.IRInt(m.Rows),
		"cols": ir.IRInt(m.Cols),
		"data": ir.Reals(parts),
	}
}

// Canonical returns the hashable form of the request: model, target and
// every numeric setting. Defaults are hashed as given (zero), so two requests
// that differ only in spelling out a default hash differently.
func (req Request) Canonical() ir.IRObject {
	controls := make(ir.IRArray, len(req.Model.Controls))
	for i, c := range req.Model.Controls {
		controls[i] = ir.IRObject{
			"name":       ir.IRString(c.Name),
			"qubit":      ir.IRInt(c.Qubit),
			"quadrature": ir.IRString(c.Quadrature),
			"operator":   matrixCanonical(c.Operator),
		}
	}
	return ir.IRObject{
		"qubits":            ir.Ints(req.Model.Qubits),
		"drift":             matrixCanonical(req.Model.Drift),
		"controls":          controls,
		"target":            matrixCanonical(req.Target),
		"num_samples":       ir.IRInt(req.NumSamples),
		"duration_ns":       ir.Real(req.DurationNs),
		"tolerance":         ir.Real(req.Tolerance),
		"target_fidelity":   ir.Real(req.TargetFidelity),
		"max_iterations":    ir.IRInt(req.MaxIterations),
		"seed":              ir.IRString(strconv.FormatUint(req.Seed, 10)),
		"initial_amplitude": ir.Real(req.InitialAmplitude),
		"initial_step":      ir.Real(req.InitialStep),
		"max_amplitude":     ir.Real(req.MaxAmplitude),
		"ir_version":        ir.IRString(ir.IRVersion),
	}
}

// ConfigHash returns the content hash of the optimizer configuration.
func (req Request) ConfigHash() string {
	return ir.MustContentHash(ir.DomainOptimizer, req.Canonical())
}
