// Package grape implements gradient ascent pulse engineering.
//
// The drive is discretized into NumSamples piecewise-constant segments. Each
// segment propagator is exp(-i·dt·H_j) with H_j = Drift + Σ_k u_kj·C_k, and
// the gradient with respect to every u_kj is exact: it is taken through the
// matrix exponential with the Fréchet derivative rather than the first-order
// dt·C_k approximation.
//
// Optimize is a pure function of its Request. Identical requests, including
// Seed, reproduce identical envelopes bit for bit.
package grape

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"

	"github.com/roach88/pulsekern/internal/hamiltonian"
	"github.com/roach88/pulsekern/internal/ir"
	"github.com/roach88/pulsekern/internal/linalg"
)

// UnitaryTolerance bounds max |U†U - I| for a target to count as unitary.
const UnitaryTolerance = 1e-8

const (
	stepGrow     = 1.5
	stepShrink   = 0.5
	// minStepRatio stops the run once the step has shrunk this far below
	// its starting value.
	minStepRatio = 1e-12
)

// Request is one optimization problem.
type Request struct {
	Model  *hamiltonian.Model
	Target *linalg.Matrix

	NumSamples int
	DurationNs float64

	// Tolerance stops the run when the gradient norm falls below it.
	Tolerance      float64
	TargetFidelity float64
	MaxIterations  int
	Seed           uint64

	// InitialAmplitude bounds the uniform random initial guess, in rad/ns.
	// Zero selects π/DurationNs.
	InitialAmplitude float64
	// InitialStep is the starting ascent step. Zero selects 1/(DurationNs·dt).
	InitialStep float64
	// MaxAmplitude clips every sample to [-MaxAmplitude, MaxAmplitude].
	// Zero disables clipping.
	MaxAmplitude float64
}

// Result is the outcome of one optimization. It is never discarded when the
// target was missed; check Converged or Failure.
type Result struct {
	Envelope   ir.Envelope
	Fidelity   float64
	Iterations int
	Converged  bool
	Divergent  bool
	StopReason StopReason

	// History holds the fidelity of every accepted iterate, starting with
	// the initial guess. It is non-decreasing unless Divergent is set.
	History []float64

	// ConfigHash identifies the optimizer configuration that produced this result.
	ConfigHash string

	TargetFidelity float64
}

// Failure returns the convergence failure for a non-converged result, or nil.
func (r *Result) Failure() *ConvergenceFailure {
	if r.Converged {
		return nil
	}
	return &ConvergenceFailure{
		Fidelity:       r.Fidelity,
		TargetFidelity: r.TargetFidelity,
		Iterations:     r.Iterations,
		Reason:         r.StopReason,
		Divergent:      r.Divergent,
	}
}

// Pulse binds the optimized envelope to qubits as a pulse-in-progress.
// GateInfidelity is 1 - Fidelity.
func (r *Result) Pulse(id string, qubits []int, earliest ir.TimePoint) ir.Pulse {
	return ir.Pulse{
		ID:             id,
		Qubits:         qubits,
		DurationNs:     r.Envelope.DurationNs(),
		Earliest:       earliest,
		Envelope:       r.Envelope,
		GateInfidelity: math.Max(0, 1-r.Fidelity),
		OptimizerHash:  r.ConfigHash,
	}
}

func (req *Request) validate() error {
	if req.Model == nil || req.Model.Drift == nil {
		return fmt.Errorf("%w: model is required", ErrInvalidRequest)
	}
	if len(req.Model.Controls) == 0 {
		return fmt.Errorf("%w: model has no controls", ErrInvalidRequest)
	}
	if req.Target == nil {
		return fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}
	if !req.Target.IsSquare() || req.Target.Rows != req.Model.Dim() {
		return fmt.Errorf("%w: target is %dx%d, model dimension is %d",
			ErrInvalidRequest, req.Target.Rows, req.Target.Cols, req.Model.Dim())
	}
	if !linalg.IsUnitary(req.Target, UnitaryTolerance) {
		dev := linalg.MaxAbsDiff(linalg.Mul(linalg.Dagger(req.Target), req.Target), linalg.Identity(req.Target.Rows))
		return &NonUnitaryTargetError{Deviation: dev, Dim: req.Target.Rows}
	}
	if req.NumSamples <= 0 {
		return fmt.Errorf("%w: num_samples must be positive, got %d", ErrInvalidRequest, req.NumSamples)
	}
	if req.DurationNs <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %g", ErrInvalidRequest, req.DurationNs)
	}
	if req.TargetFidelity <= 0 || req.TargetFidelity > 1 {
		return fmt.Errorf("%w: target_fidelity must be in (0, 1], got %g", ErrInvalidRequest, req.TargetFidelity)
	}
	if req.MaxIterations <= 0 {
		return fmt.Errorf("%w: max_iterations must be positive, got %d", ErrInvalidRequest, req.MaxIterations)
	}
	if req.Tolerance < 0 || req.MaxAmplitude < 0 || req.InitialAmplitude < 0 || req.InitialStep < 0 {
		return fmt.Errorf("%w: tolerance and amplitudes must be non-negative", ErrInvalidRequest)
	}
	return nil
}

// Optimize runs GRAPE for one request.
//
// A missed target is not an error: the best iterate is returned with
// Converged=false. Errors are reserved for invalid requests, a non-unitary
// target, numerical failure in the exponential, and context cancellation.
func Optimize(ctx context.Context, req Request) (*Result, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	dt := req.DurationNs / float64(req.NumSamples)
	amp := req.InitialAmplitude
	if amp == 0 {
		amp = math.Pi / req.DurationNs
	}
	step := req.InitialStep
	if step == 0 {
		step = 1 / (req.DurationNs * dt)
	}
	minStep := step * minStepRatio

	p := newProblem(req.Model, req.Target, dt)
	rng := rand.New(rand.NewPCG(req.Seed, req.Seed^0x9e3779b97f4a7c15))
	u := make([][]float64, len(req.Model.Controls))
	for k := range u {
		u[k] = make([]float64, req.NumSamples)
		for j := range u[k] {
			u[k][j] = amp * (2*rng.Float64() - 1)
		}
		clip(u[k], req.MaxAmplitude)
	}

	prop, err := p.propagate(u)
	if err != nil {
		return nil, err
	}

	res := &Result{
		TargetFidelity: req.TargetFidelity,
		ConfigHash:     req.ConfigHash(),
		History:        []float64{prop.fidelity},
	}

	var grad [][]float64
	for res.Iterations < req.MaxIterations {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("optimization cancelled after %d iterations: %w", res.Iterations, err)
		}
		if prop.fidelity >= req.TargetFidelity {
			res.StopReason = StopConverged
			break
		}

		if grad == nil {
			grad, err = p.gradient(u, prop)
			if err != nil {
				return nil, err
			}
			if hasNaN(grad) {
				res.Divergent = true
				res.StopReason = StopDivergent
				break
			}
			if norm(grad) < req.Tolerance {
				res.StopReason = StopFlatGradient
				break
			}
		}

		res.Iterations++
		candidate := make([][]float64, len(u))
		for k := range u {
			candidate[k] = make([]float64, len(u[k]))
			for j := range u[k] {
				candidate[k][j] = u[k][j] + step*grad[k][j]
			}
			clip(candidate[k], req.MaxAmplitude)
		}

		next, err := p.propagate(candidate)
		if err != nil {
			return nil, err
		}
		if math.IsNaN(next.fidelity) {
			res.Divergent = true
			res.StopReason = StopDivergent
			break
		}

		if next.fidelity >= prop.fidelity {
			u, prop, grad = candidate, next, nil
			res.History = append(res.History, prop.fidelity)
			step *= stepGrow
			continue
		}

		step *= stepShrink
		if step < minStep {
			res.StopReason = StopStepUnderflow
			break
		}
	}
	if res.StopReason == "" {
		if prop.fidelity >= req.TargetFidelity {
			res.StopReason = StopConverged
		} else {
			res.StopReason = StopMaxIterations
		}
	}

	if !nonDecreasing(res.History) {
		res.Divergent = true
	}
	res.Fidelity = prop.fidelity
	res.Converged = res.StopReason == StopConverged && !res.Divergent
	res.Envelope = envelope(req.Model, u, dt)

	slog.Debug("grape finished",
		"fidelity", res.Fidelity,
		"iterations", res.Iterations,
		"converged", res.Converged,
		"stop", res.StopReason,
	)
	return res, nil
}

func envelope(m *hamiltonian.Model, u [][]float64, dt float64) ir.Envelope {
	env := ir.Envelope{SamplePeriodNs: dt, Channels: make([]ir.Channel, len(m.Controls))}
	for k, c := range m.Controls {
		env.Channels[k] = ir.Channel{
			Name:       c.Name,
			Qubit:      c.Qubit,
			Quadrature: c.Quadrature,
			Samples:    u[k],
		}
	}
	return env
}

func clip(xs []float64, limit float64) {
	if limit <= 0 {
		return
	}
	for i, x := range xs {
		xs[i] = math.Max(-limit, math.Min(limit, x))
	}
}

func norm(g [][]float64) float64 {
	var s float64
	for _, row := range g {
		for _, v := range row {
			s += v * v
		}
	}
	return math.Sqrt(s)
}

func hasNaN(g [][]float64) bool {
	for _, row := range g {
		for _, v := range row {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return true
			}
		}
	}
	return false
}

func nonDecreasing(xs []float64) bool {
	for i := 1; i < len(xs); i++ {
		if xs[i] < xs[i-1] {
			return false
		}
	}
	return true
}
