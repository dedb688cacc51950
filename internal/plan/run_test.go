package plan

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pulsekern/internal/compiler"
	"github.com/roach88/pulsekern/internal/config"
	"github.com/roach88/pulsekern/internal/grape"
	"github.com/roach88/pulsekern/internal/ir"
	"github.com/roach88/pulsekern/internal/testutil"
)

func loadDevice(t *testing.T) *compiler.Device {
	t.Helper()
	dev, err := compiler.Load(filepath.Join("testdata", "lab.cue"))
	require.NoError(t, err)
	return dev
}

func TestRunBasicGolden(t *testing.T) {
	p, err := Load(filepath.Join("testdata", "basic.yaml"))
	require.NoError(t, err)

	res, err := RunWithGolden(t, p, Options{Config: config.Default()})
	require.NoError(t, err)

	assert.True(t, res.Pass, "errors: %v", res.Errors)
	assert.Equal(t, 5, res.Accepted())
	assert.Equal(t, 5, res.Frozen.Len())
	assert.Equal(t, res.Frozen.Hash(), res.Schedule.SequenceHash)
	require.NotNil(t, res.Provenance)
	assert.True(t, res.Provenance.Verify())

	bad := res.Steps[3]
	assert.Equal(t, "bad", bad.ID)
	assert.Equal(t, StatusRejected, bad.Status)
	assert.Equal(t, "alignment", bad.ErrorKind)
	assert.NotEmpty(t, bad.Error)
}

func TestRunGatePulse(t *testing.T) {
	cfg := config.Default()
	cfg.Optimizer.DurationNs = 80
	cfg.Optimizer.Tolerance = 1e-10
	cfg.Optimizer.Seed = 42

	p, err := Parse([]byte(`
name: gate
device: unused.cue
pulses:
  - {id: x0, qubits: [0], gate: X}
  - {id: idle, qubits: [0], shape: {kind: square, duration_ns: 8, amplitude: 0}}
constraints:
  - {kind: sequential, pulse_a: x0, pulse_b: idle}
assertions:
  - {type: start_at, pulse: idle, value: 80}
  - {type: makespan_max, value: 88}
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), p, Options{Config: cfg, Device: loadDevice(t)})
	require.NoError(t, err)
	assert.True(t, res.Pass, "errors: %v", res.Errors)

	x0 := res.Steps[0]
	assert.Equal(t, StatusAccepted, x0.Status)
	assert.True(t, x0.Converged)
	assert.GreaterOrEqual(t, x0.OptimizerFidelity, 0.999)

	pulses := res.Frozen.Pulses()
	assert.NotEmpty(t, pulses[0].OptimizerHash)
	assert.InDelta(t, 1-x0.OptimizerFidelity, pulses[0].GateInfidelity, 1e-12)
	assert.Zero(t, res.Steps[1].OptimizerFidelity)
}

func TestRunGateDimensionMismatch(t *testing.T) {
	p, err := Parse([]byte(`
name: mismatch
device: unused.cue
pulses:
  - {id: cx, qubits: [0], gate: CNOT}
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), p, Options{Config: config.Default(), Device: loadDevice(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pulse cx")
	assert.Contains(t, err.Error(), "dimension")
}

func TestRunUnknownGate(t *testing.T) {
	p, err := Parse([]byte(`
name: unknown
device: unused.cue
pulses:
  - {id: t0, qubits: [0], gate: TOFFOLI}
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), p, Options{Config: config.Default(), Device: loadDevice(t)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown gate")
}

func TestRunMissingDevice(t *testing.T) {
	p, err := Parse([]byte(`
name: nodev
device: /nonexistent/lab.cue
pulses:
  - {id: a, qubits: [0], shape: {kind: square, duration_ns: 4, amplitude: 0.1}}
`))
	require.NoError(t, err)

	_, err = Run(context.Background(), p, Options{Config: config.Default()})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load device")
}

func TestRunUnexpectedOutcomeFails(t *testing.T) {
	p, err := Parse([]byte(`
name: surprise
device: unused.cue
pulses:
  - {id: a, qubits: [0], shape: {kind: square, duration_ns: 4, amplitude: 0.1}, expect: rejected}
  - {id: b, qubits: [0], shape: {kind: square, duration_ns: 4.5, amplitude: 0.1}}
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), p, Options{Config: config.Default(), Device: loadDevice(t)})
	require.NoError(t, err)

	assert.False(t, res.Pass)
	require.Len(t, res.Errors, 2)
	assert.Contains(t, res.Errors[0], "pulse a: expected rejected, got accepted")
	assert.Contains(t, res.Errors[1], "pulse b: expected accepted, got rejected")
}

func TestRunBudgetRejection(t *testing.T) {
	cfg := config.Default()
	cfg.Budget.MaxInfidelity = 0.01

	p, err := Parse([]byte(`
name: budget
device: unused.cue
pulses:
  - {id: ok, qubits: [0], shape: {kind: square, duration_ns: 4, amplitude: 0.1, infidelity: 0.002}}
  - {id: heavy, qubits: [1], shape: {kind: square, duration_ns: 4, amplitude: 0.1, infidelity: 0.2}, expect: rejected}
  - {id: after, qubits: [0], shape: {kind: square, duration_ns: 4, amplitude: 0.1}}
constraints:
  - {kind: sequential, pulse_a: heavy, pulse_b: after}
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), p, Options{Config: cfg, Device: loadDevice(t)})
	require.NoError(t, err)

	assert.Equal(t, "budget:error_budget", res.Steps[1].ErrorKind)
	// the constraint names a rejected pulse, so it cannot be attached
	assert.Equal(t, StatusRejected, res.Steps[2].Status)
	assert.Equal(t, "constraint", res.Steps[2].ErrorKind)
	assert.False(t, res.Pass)
}

func TestRunAssertionFailures(t *testing.T) {
	p, err := Parse([]byte(`
name: asserts
device: unused.cue
pulses:
  - {id: a, qubits: [0], shape: {kind: square, duration_ns: 10, amplitude: 0.1}}
  - {id: b, qubits: [0], shape: {kind: square, duration_ns: 10, amplitude: 0.1}}
assertions:
  - {type: makespan_max, value: 15}
  - {type: start_at, pulse: b, value: 0}
  - {type: order, pulses: [b, a]}
  - {type: accepted_count, count: 3}
  - {type: fidelity_min, value: 1.1}
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), p, Options{Config: config.Default(), Device: loadDevice(t)})
	require.NoError(t, err)

	assert.False(t, res.Pass)
	require.Len(t, res.Errors, 5)
	assert.Contains(t, res.Errors[0], "makespan_max")
	assert.Contains(t, res.Errors[1], "b at 0ns")
	assert.Contains(t, res.Errors[2], "b=10, a=0")
	assert.Contains(t, res.Errors[3], "3 accepted")
	assert.Contains(t, res.Errors[4], "fidelity_min")
}

func TestRunUsesCoherenceOverride(t *testing.T) {
	// Live T2 of 100ns makes a 40ns pulse breach the 0.3 hard ceiling.
	live := testutil.NewMemoryCalibration(ir.QubitParams{Qubit: 0, T1Ns: 100, T2Ns: 100, AmpScale: 1})
	p, err := Parse([]byte(`
name: live
device: unused.cue
pulses:
  - {id: long, qubits: [0], shape: {kind: square, duration_ns: 40, amplitude: 0.1}, expect: rejected}
`))
	require.NoError(t, err)

	res, err := Run(context.Background(), p, Options{Config: config.Default(), Device: loadDevice(t), Coherence: live})
	require.NoError(t, err)
	assert.True(t, res.Pass, "errors: %v", res.Errors)
	assert.Equal(t, "budget:decoherence", res.Steps[0].ErrorKind)
}

const gatePlan = `
name: gate
device: unused.cue
pulses:
  - {id: x0, qubits: [0], gate: X}
  - {id: cz, qubits: [0, 1], gate: CZ, duration_ns: 120}
  - {id: idle, qubits: [0], shape: {kind: square, duration_ns: 8, amplitude: 0}}
`

func gateConfig() config.Config {
	cfg := config.Default()
	cfg.Optimizer.DurationNs = 80
	cfg.Optimizer.Tolerance = 1e-10
	cfg.Optimizer.Seed = 42
	return cfg
}

func TestRunOptimizesAgainstLiveCalibration(t *testing.T) {
	p, err := Parse([]byte(`
name: live-gate
device: unused.cue
pulses:
  - {id: x0, qubits: [0], gate: X}
`))
	require.NoError(t, err)
	dev := loadDevice(t)

	declared, err := Run(context.Background(), p, Options{Config: gateConfig(), Device: dev})
	require.NoError(t, err)

	drifted := dev.Qubits[0]
	drifted.DetuningRad = 0.005
	drifted.AmpScale = 0.9
	live := testutil.NewMemoryCalibration(drifted)
	res, err := Run(context.Background(), p, Options{Config: gateConfig(), Device: dev, Calibration: live})
	require.NoError(t, err)

	before, after := declared.Frozen.Pulses()[0], res.Frozen.Pulses()[0]
	assert.NotEqual(t, before.OptimizerHash, after.OptimizerHash)
	assert.NotEqual(t, before.Envelope, after.Envelope)
}

func TestRunCalibrationMissingQubit(t *testing.T) {
	p, err := Parse([]byte(`
name: missing
device: unused.cue
pulses:
  - {id: x1, qubits: [1], gate: X}
`))
	require.NoError(t, err)

	live := testutil.NewMemoryCalibration(ir.QubitParams{Qubit: 0, T1Ns: 1000, T2Ns: 1000, AmpScale: 1})
	_, err = Run(context.Background(), p, Options{Config: config.Default(), Device: loadDevice(t), Calibration: live})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pulse x1")
}

func TestRunUsesRefreshedEnvelope(t *testing.T) {
	p, err := Parse([]byte(`
name: gate
device: unused.cue
pulses:
  - {id: x0, qubits: [0], gate: X}
  - {id: x1, qubits: [1], gate: X}
`))
	require.NoError(t, err)

	refreshed := map[string]*grape.Result{
		DependentName("gate", "x0"): {
			Envelope: ir.Envelope{SamplePeriodNs: 4, Channels: []ir.Channel{
				{Name: "q0.I", Qubit: 0, Quadrature: ir.QuadratureI, Samples: make([]float64, 20)},
			}},
			Fidelity:   0.9995,
			Converged:  true,
			ConfigHash: "recalibrated",
		},
	}
	lookup := func(name string) (*grape.Result, bool) {
		r, ok := refreshed[name]
		return r, ok
	}

	res, err := Run(context.Background(), p, Options{Config: gateConfig(), Device: loadDevice(t), Refreshed: lookup})
	require.NoError(t, err)

	assert.Equal(t, []string{"x0"}, res.Refreshed())
	assert.True(t, res.Steps[0].Refreshed)
	assert.False(t, res.Steps[1].Refreshed)
	assert.NotEqual(t, "recalibrated", res.Frozen.Pulses()[1].OptimizerHash)

	x0 := res.Frozen.Pulses()[0]
	assert.Equal(t, "recalibrated", x0.OptimizerHash)
	assert.InDelta(t, 80, x0.DurationNs, 1e-9)
	assert.InDelta(t, 0.0005, x0.GateInfidelity, 1e-12)
}

func TestDependents(t *testing.T) {
	p, err := Parse([]byte(gatePlan))
	require.NoError(t, err)

	deps, err := Dependents(p, Options{Config: gateConfig(), Device: loadDevice(t)})
	require.NoError(t, err)
	require.Len(t, deps, 2, "shaped pulses are not re-optimized")

	assert.Equal(t, "gate/x0", deps[0].Name)
	assert.Equal(t, []int{0}, deps[0].Qubits)
	assert.Equal(t, 2, deps[0].Target.Rows)
	assert.Empty(t, deps[0].Couplings)
	assert.Equal(t, 80.0, deps[0].Request.DurationNs)

	assert.Equal(t, "gate/cz", deps[1].Name)
	assert.Equal(t, 4, deps[1].Target.Rows)
	assert.Len(t, deps[1].Couplings, 1)
	assert.Equal(t, 120.0, deps[1].Request.DurationNs)
}

func TestDependentsUnknownGate(t *testing.T) {
	p, err := Parse([]byte(`
name: bad
device: unused.cue
pulses:
  - {id: t0, qubits: [0], gate: TOFFOLI}
`))
	require.NoError(t, err)

	_, err = Dependents(p, Options{Config: config.Default(), Device: loadDevice(t)})
	assert.Error(t, err)
}
