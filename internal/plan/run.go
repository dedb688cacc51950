package plan

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/roach88/pulsekern/internal/budget"
	"github.com/roach88/pulsekern/internal/calibration"
	"github.com/roach88/pulsekern/internal/compiler"
	"github.com/roach88/pulsekern/internal/config"
	"github.com/roach88/pulsekern/internal/grape"
	"github.com/roach88/pulsekern/internal/hamiltonian"
	"github.com/roach88/pulsekern/internal/ir"
	"github.com/roach88/pulsekern/internal/linalg"
	"github.com/roach88/pulsekern/internal/provenance"
	"github.com/roach88/pulsekern/internal/scheduler"
	"github.com/roach88/pulsekern/internal/sequence"
)

// Step statuses.
const (
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// Options configures a plan run.
type Options struct {
	Config config.Config

	// Device replaces the plan's device file when set.
	Device *compiler.Device

	// Coherence supplies live T1/T2. Defaults to the device's declared values.
	Coherence sequence.CoherenceSource

	// Calibration supplies the qubit parameters gate pulses are optimized
	// against. Defaults to the device's declared values.
	Calibration CalibrationSource

	// Refreshed returns a re-optimized result for a gate pulse, keyed by
	// DependentName. A hit replaces optimization for that pulse.
	// (*calibration.Loop).Result satisfies it.
	Refreshed func(dependent string) (*grape.Result, bool)

	Logger *slog.Logger
}

// CalibrationSource reads live qubit parameters in the order requested.
type CalibrationSource interface {
	Snapshot(ctx context.Context, qubits []int) ([]ir.QubitParams, error)
}

// deviceCalibration serves a device's declared parameters.
type deviceCalibration struct{ dev *compiler.Device }

func (d deviceCalibration) Snapshot(_ context.Context, qubits []int) ([]ir.QubitParams, error) {
	return d.dev.Params(qubits)
}

// DependentName names the calibration dependent of a plan's gate pulse.
func DependentName(plan, pulse string) string {
	return plan + "/" + pulse
}

// StepResult records what the builder did with one pulse.
type StepResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`

	// ErrorKind classifies a rejection: alignment, constraint, invalid,
	// budget:decoherence or budget:error_budget.
	ErrorKind string   `json:"error_kind,omitempty"`
	Error     string   `json:"error,omitempty"`
	Warnings  []string `json:"warnings,omitempty"`

	// OptimizerFidelity is set for gate pulses.
	OptimizerFidelity float64 `json:"optimizer_fidelity,omitempty"`
	Converged         bool    `json:"converged,omitempty"`

	// Refreshed is set when the envelope came from a recalibration instead
	// of a fresh optimization.
	Refreshed bool `json:"refreshed,omitempty"`
}

// Result is the outcome of one plan run.
type Result struct {
	// Pass is true when every expectation and assertion held.
	Pass bool `json:"pass"`

	Plan   string       `json:"plan"`
	Device string       `json:"device"`
	Steps  []StepResult `json:"steps"`

	Frozen     *sequence.Frozen    `json:"-"`
	Schedule   *scheduler.Schedule `json:"-"`
	Provenance *provenance.Record  `json:"-"`

	// Errors holds failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Refreshed returns the IDs of pulses built from recalibrated envelopes.
func (r *Result) Refreshed() []string {
	var ids []string
	for _, s := range r.Steps {
		if s.Refreshed {
			ids = append(ids, s.ID)
		}
	}
	return ids
}

// Accepted returns the number of accepted steps.
func (r *Result) Accepted() int {
	n := 0
	for _, s := range r.Steps {
		if s.Status == StatusAccepted {
			n++
		}
	}
	return n
}

// runner holds the state of one plan execution.
type runner struct {
	plan        *Plan
	opts        Options
	device      *compiler.Device
	calibration CalibrationSource
	builder     *sequence.Builder
	logger      *slog.Logger
}

func newRunner(p *Plan, opts Options) (*runner, error) {
	r := &runner{plan: p, opts: opts, logger: opts.Logger, device: opts.Device, calibration: opts.Calibration}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.device == nil {
		dev, err := compiler.Load(p.Device)
		if err != nil {
			return nil, fmt.Errorf("load device: %w", err)
		}
		r.device = dev
	}
	if r.calibration == nil {
		r.calibration = deviceCalibration{r.device}
	}
	return r, nil
}

// Run executes a plan and returns its result.
//
// Execution flow:
//  1. Compile the device
//  2. Optimize every gate pulse in parallel
//  3. Append pulses in order, each with the constraints it completes
//  4. Freeze and schedule the accepted pulses
//  5. Evaluate assertions
//
// Rejections the plan expects are not errors. An error is returned only when
// the plan cannot be run at all.
func Run(ctx context.Context, p *Plan, opts Options) (*Result, error) {
	r, err := newRunner(p, opts)
	if err != nil {
		return nil, err
	}

	coherence := opts.Coherence
	if coherence == nil {
		coherence = r.device
	}
	b, err := budget.New(opts.Config.Budget)
	if err != nil {
		return nil, fmt.Errorf("budget config: %w", err)
	}
	seqCfg := opts.Config.Sequence
	seqCfg.ClockTickNs = r.device.ClockTickNs
	r.builder, err = sequence.NewBuilder(seqCfg, coherence, b)
	if err != nil {
		return nil, err
	}

	pulses, optimized, err := r.preparePulses(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{Pass: true, Plan: p.Name, Device: r.device.Name}
	attached := r.attachConstraints()
	for i, step := range p.Pulses {
		sr := r.append(pulses[i], attached[i])
		if res := optimized[i]; res != nil {
			sr.OptimizerFidelity = res.Fidelity
			sr.Converged = res.Converged
			sr.Refreshed = r.refreshed(step.ID) != nil
		}
		want := step.Expect
		if want == "" {
			want = ExpectAccepted
		}
		if sr.Status != want {
			msg := fmt.Sprintf("pulse %s: expected %s, got %s", step.ID, want, sr.Status)
			if sr.Error != "" {
				msg += ": " + sr.Error
			}
			result.AddError(msg)
		}
		result.Steps = append(result.Steps, sr)
	}

	result.Frozen = r.builder.Freeze()
	result.Provenance, err = provenance.ForExecution(result.Frozen, r.device.Qubits)
	if err != nil {
		return nil, err
	}
	result.Schedule, err = scheduler.Run(result.Frozen, scheduler.Options{Couplings: r.device.Couplings})
	if err != nil {
		result.AddError(fmt.Sprintf("schedule: %v", err))
		return result, nil
	}

	for _, msg := range EvaluateAssertions(result, p.Assertions) {
		result.AddError(msg)
	}

	r.logger.Info("plan finished",
		"plan", p.Name,
		"accepted", result.Accepted(),
		"steps", len(result.Steps),
		"makespan_ns", result.Schedule.MakespanNs,
		"projected_fidelity", result.Frozen.ProjectedFidelity(),
		"pass", result.Pass,
	)
	return result, nil
}

// preparePulses builds every pulse, optimizing gate pulses as one batch.
func (r *runner) preparePulses(ctx context.Context) ([]ir.Pulse, []*grape.Result, error) {
	pulses := make([]ir.Pulse, len(r.plan.Pulses))
	optimized := make([]*grape.Result, len(r.plan.Pulses))

	var reqs []grape.Request
	var gateSteps []int
	for i, step := range r.plan.Pulses {
		earliest := ir.TimePoint{NominalNs: step.EarliestNs}
		if step.Shape != nil {
			env := step.Shape.Envelope(step.Qubits, r.device.ClockTickNs)
			pulses[i] = ir.Pulse{
				ID:             step.ID,
				Qubits:         step.Qubits,
				DurationNs:     step.Shape.DurationNs,
				Earliest:       earliest,
				Envelope:       env,
				GateInfidelity: step.Shape.Infidelity,
			}
			continue
		}

		if res := r.refreshed(step.ID); res != nil {
			optimized[i] = res
			pulses[i] = res.Pulse(step.ID, step.Qubits, earliest)
			r.logger.Debug("gate pulse refreshed from recalibration", "pulse", step.ID, "fidelity", res.Fidelity)
			continue
		}

		req, err := r.gateRequest(ctx, step)
		if err != nil {
			return nil, nil, fmt.Errorf("pulse %s: %w", step.ID, err)
		}
		reqs = append(reqs, req)
		gateSteps = append(gateSteps, i)
	}

	if len(reqs) == 0 {
		return pulses, optimized, nil
	}
	results, err := grape.OptimizeAll(ctx, reqs)
	if err != nil {
		return nil, nil, fmt.Errorf("optimize: %w", err)
	}
	for k, i := range gateSteps {
		step := r.plan.Pulses[i]
		res := results[k]
		optimized[i] = res
		pulses[i] = res.Pulse(step.ID, step.Qubits, ir.TimePoint{NominalNs: step.EarliestNs})
		if !res.Converged {
			r.logger.Warn("gate optimization missed target",
				"pulse", step.ID,
				"gate", step.Gate,
				"fidelity", res.Fidelity,
				"reason", res.StopReason,
			)
		}
	}
	return pulses, optimized, nil
}

// refreshed returns the recalibrated result for a gate pulse, if any.
func (r *runner) refreshed(id string) *grape.Result {
	if r.opts.Refreshed == nil {
		return nil
	}
	res, ok := r.opts.Refreshed(DependentName(r.plan.Name, id))
	if !ok {
		return nil
	}
	return res
}

// gateTarget resolves a gate pulse's target and the couplings among its
// qubits.
func (r *runner) gateTarget(step PulseStep) (*linalg.Matrix, []hamiltonian.Coupling, error) {
	target, err := grape.Gate(step.Gate)
	if err != nil {
		return nil, nil, err
	}
	if dim := 1 << len(step.Qubits); target.Rows != dim {
		return nil, nil, fmt.Errorf("gate %s acts on dimension %d, %d qubits give %d",
			step.Gate, target.Rows, len(step.Qubits), dim)
	}
	return target, r.device.CouplingsAmong(step.Qubits), nil
}

func (r *runner) gateRequest(ctx context.Context, step PulseStep) (grape.Request, error) {
	target, couplings, err := r.gateTarget(step)
	if err != nil {
		return grape.Request{}, err
	}
	if _, err := r.device.Params(step.Qubits); err != nil {
		return grape.Request{}, err
	}
	params, err := r.calibration.Snapshot(ctx, step.Qubits)
	if err != nil {
		return grape.Request{}, fmt.Errorf("calibration: %w", err)
	}
	model, err := hamiltonian.FromCalibration(params, couplings)
	if err != nil {
		return grape.Request{}, err
	}
	req := r.opts.Config.Optimizer.Request(model, target)
	if step.DurationNs > 0 {
		req.DurationNs = step.DurationNs
	}
	return req, nil
}

// Dependents returns a calibration dependent for every gate pulse of p, so
// a calibration loop re-optimizes them when their qubits drift. Pass the
// same Options to Run with Refreshed set to pick the results up.
func Dependents(p *Plan, opts Options) ([]calibration.Dependent, error) {
	r, err := newRunner(p, opts)
	if err != nil {
		return nil, err
	}
	var deps []calibration.Dependent
	for _, step := range p.Pulses {
		if step.Shape != nil {
			continue
		}
		target, couplings, err := r.gateTarget(step)
		if err != nil {
			return nil, fmt.Errorf("pulse %s: %w", step.ID, err)
		}
		req := opts.Config.Optimizer.Request(nil, target)
		if step.DurationNs > 0 {
			req.DurationNs = step.DurationNs
		}
		deps = append(deps, calibration.Dependent{
			Name:      DependentName(p.Name, step.ID),
			Qubits:    step.Qubits,
			Target:    target,
			Couplings: couplings,
			Request:   req,
		})
	}
	return deps, nil
}

// attachConstraints assigns each constraint to the later of its two pulses.
func (r *runner) attachConstraints() map[int][]ir.TemporalConstraint {
	pos := make(map[string]int, len(r.plan.Pulses))
	for i, step := range r.plan.Pulses {
		pos[step.ID] = i
	}
	out := make(map[int][]ir.TemporalConstraint)
	for _, c := range r.plan.Constraints {
		i := max(pos[c.PulseA], pos[c.PulseB])
		out[i] = append(out[i], c)
	}
	return out
}

func (r *runner) append(p ir.Pulse, constraints []ir.TemporalConstraint) StepResult {
	sr := StepResult{ID: p.ID}
	res, err := r.builder.Append(p, constraints...)
	if err != nil {
		sr.Status = StatusRejected
		sr.ErrorKind = errorKind(err)
		sr.Error = err.Error()
		r.logger.Debug("plan pulse rejected", "pulse", p.ID, "kind", sr.ErrorKind)
		return sr
	}
	sr.Status = StatusAccepted
	for _, w := range res.Warnings {
		sr.Warnings = append(sr.Warnings, w.Code)
	}
	return sr
}

// errorKind classifies a builder rejection.
func errorKind(err error) string {
	var be *budget.BudgetExceededError
	switch {
	case errors.As(err, &be):
		return "budget:" + string(be.Kind)
	case sequence.IsAlignmentError(err):
		return "alignment"
	case sequence.IsConstraintConflictError(err):
		return "constraint"
	case errors.Is(err, sequence.ErrInvalidPulse):
		return "invalid"
	default:
		return "error"
	}
}
