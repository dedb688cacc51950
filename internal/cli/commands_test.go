package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pulsekern/internal/ir"
)

func TestValidateDevice(t *testing.T) {
	out, err := execute(t, "validate", testDevice)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ Device lab-4q valid (4 qubits)")
	assert.Contains(t, out, "group q0,q1")
	assert.Contains(t, out, "group q3")
}

func TestValidateDeviceJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", testDevice)
	require.NoError(t, err)

	resp := decode(t, out)
	assert.Equal(t, "ok", resp.Status)
	data := resp.Data.(map[string]any)
	assert.Equal(t, true, data["valid"])
	assert.Equal(t, "lab-4q", data["device"])
	assert.Len(t, data["coupling_groups"], 3)
}

func TestValidateInvalidDevice(t *testing.T) {
	out, err := execute(t, "validate", filepath.Join("testdata", "invalid.cue"))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ Validation failed")
	assert.Contains(t, out, "E100")
	assert.Contains(t, out, "E101")
	assert.Contains(t, out, "E111")
}

func TestValidateInvalidDeviceJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "validate", filepath.Join("testdata", "invalid.cue"))
	require.Error(t, err)

	resp := decode(t, out)
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E101", resp.Error.Code)
}

func TestValidateNotFound(t *testing.T) {
	out, err := execute(t, "validate", "/nonexistent/device.cue")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeNotFound)
	assert.Contains(t, out, "not found")
}

func TestValidateSchemaError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.cue")
	require.NoError(t, os.WriteFile(path, []byte(`device: {name: "x", qubits: [{qubit: -1, frequency_ghz: 5, t1_ns: 1, t2_ns: 1}]}`), 0644))

	_, err := execute(t, "validate", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeCompile)
}

// writeConfig writes a kernel config tuned for fast, reliable convergence.
func writeConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.yaml")
	cfg := `
optimizer:
  duration_ns: 80
  tolerance: 1.0e-10
  seed: 42
`
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))
	return path
}

func TestOptimizeXGate(t *testing.T) {
	envPath := filepath.Join(t.TempDir(), "x.json")
	out, err := execute(t, "--config", writeConfig(t), "--format", "json",
		"optimize", testDevice, "--gate", "x", "--qubits", "0", "-o", envPath)
	require.NoError(t, err, out)

	resp := decode(t, out)
	data := resp.Data.(map[string]any)
	assert.Equal(t, "X", data["gate"])
	assert.Equal(t, true, data["converged"])
	assert.GreaterOrEqual(t, data["fidelity"].(float64), 0.999)
	assert.InDelta(t, 80, data["duration_ns"].(float64), 1e-9)

	raw, err := os.ReadFile(envPath)
	require.NoError(t, err)
	var env ir.Envelope
	require.NoError(t, json.Unmarshal(raw, &env))
	assert.InDelta(t, 80, env.DurationNs(), 1e-9)
	assert.NotEmpty(t, env.Channels)
}

func TestOptimizeUnknownGate(t *testing.T) {
	_, err := execute(t, "optimize", testDevice, "--gate", "FOO", "--qubits", "0")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeOptimize)
}

func TestOptimizeUndeclaredQubit(t *testing.T) {
	_, err := execute(t, "optimize", testDevice, "--gate", "X", "--qubits", "7")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeOptimize)
}

func TestScheduleText(t *testing.T) {
	out, err := execute(t, "schedule", testPlan)
	require.NoError(t, err)

	golden, err := os.ReadFile(filepath.Join(testPlans, "golden", "basic.golden"))
	require.NoError(t, err)
	assert.Equal(t, string(golden), out)
}

func TestScheduleJSON(t *testing.T) {
	out, err := execute(t, "--format", "json", "schedule", testPlan)
	require.NoError(t, err)

	resp := decode(t, out)
	data := resp.Data.(map[string]any)
	assert.Equal(t, true, data["pass"])
	assert.Greater(t, data["projected_fidelity"].(float64), 0.99)
	assert.NotEmpty(t, data["provenance_root"])
	sched := data["schedule"].(map[string]any)
	assert.InDelta(t, 80, sched["makespan_ns"].(float64), 1e-9)
	assert.Len(t, sched["pulses"], 5)
}

// writePlan writes a plan next to an absolute device reference.
func writePlan(t *testing.T, dir, name, body string) string {
	t.Helper()
	device, err := filepath.Abs(testDevice)
	require.NoError(t, err)
	path := filepath.Join(dir, name+".yaml")
	src := "name: " + name + "\ndevice: " + device + "\n" + body
	require.NoError(t, os.WriteFile(path, []byte(src), 0644))
	return path
}

const shortPlan = `pulses:
  - {id: a, qubits: [0], shape: {kind: square, duration_ns: 20, amplitude: 0.05}}
  - {id: b, qubits: [0], shape: {kind: square, duration_ns: 20, amplitude: 0.05}}
`

func TestScheduleFailedAssertion(t *testing.T) {
	path := writePlan(t, t.TempDir(), "tight", shortPlan+"assertions:\n  - {type: makespan_max, value: 10}\n")

	out, err := execute(t, "schedule", path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "makespan_max")
}

func TestScheduleMissingPlan(t *testing.T) {
	_, err := execute(t, "schedule", "/nonexistent/plan.yaml")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeLoadFailed)
}

func TestTestCommandPasses(t *testing.T) {
	out, err := execute(t, "test", testPlans)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ basic-timeline")
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandUpdateAndMismatch(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, "short", shortPlan)

	out, err := execute(t, "test", dir, "--update")
	require.NoError(t, err, out)

	goldenPath := filepath.Join(dir, "golden", "short.golden")
	golden, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	assert.Contains(t, string(golden), "plan=short device=lab-4q")
	assert.Contains(t, string(golden), "20\t40\tq0\tb")

	_, err = execute(t, "test", dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(goldenPath, []byte("stale\n"), 0644))
	out, err = execute(t, "--format", "json", "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	resp := decode(t, out)
	assert.Equal(t, "error", resp.Status)
	assert.Equal(t, ErrCodePlanFailed, resp.Error.Code)
}

func TestTestCommandFilter(t *testing.T) {
	dir := t.TempDir()
	writePlan(t, dir, "keep", shortPlan)
	writePlan(t, dir, "skip", shortPlan+"assertions:\n  - {type: makespan_max, value: 1}\n")

	out, err := execute(t, "test", dir, "--filter", "keep*")
	require.NoError(t, err, out)
	assert.Contains(t, out, "1 passed, 0 failed, 1 total")
}

func TestTestCommandMissingDir(t *testing.T) {
	_, err := execute(t, "test", "/nonexistent/plans")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}

func cycles(t *testing.T, out string) []any {
	t.Helper()
	resp := decode(t, out)
	return resp.Data.(map[string]any)["cycles"].([]any)
}

func TestCalibrateAndHistory(t *testing.T) {
	db := filepath.Join(t.TempDir(), "lab.db")

	// First run seeds the store from the device; nothing has drifted.
	out, err := execute(t, "--format", "json", "calibrate", testDevice, "--db", db)
	require.NoError(t, err, out)
	cs := cycles(t, out)
	require.Len(t, cs, 3)
	for _, c := range cs {
		cycle := c.(map[string]any)
		assert.Equal(t, "none", cycle["severity"])
		assert.Equal(t, false, cycle["recalibrated"])
	}

	// T1 of qubit 0 drops 20%: major drift on the coupled pair.
	out, err = execute(t, "--format", "json", "calibrate", testDevice, "--db", db,
		"--scope", "q0-q1", "--drift", "0:t1_ns=40000", "--reason", "t1 check")
	require.NoError(t, err, out)
	cs = cycles(t, out)
	require.Len(t, cs, 1)
	cycle := cs[0].(map[string]any)
	assert.Equal(t, "q0-q1", cycle["scope"])
	assert.Equal(t, "major", cycle["severity"])
	assert.Equal(t, true, cycle["recalibrated"])
	assert.EqualValues(t, 1, cycle["seq"])

	// The store now holds the drifted value, so the same truth is no drift.
	out, err = execute(t, "--format", "json", "calibrate", testDevice, "--db", db, "--scope", "q0-q1")
	require.NoError(t, err, out)
	assert.Equal(t, false, cycles(t, out)[0].(map[string]any)["recalibrated"])

	// The logical clock resumes after the recorded history.
	out, err = execute(t, "--format", "json", "calibrate", testDevice, "--db", db,
		"--scope", "q2", "--drift", "2:frequency_ghz=3.0")
	require.NoError(t, err, out)
	assert.EqualValues(t, 2, cycles(t, out)[0].(map[string]any)["seq"])

	out, err = execute(t, "history", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "1\tq0-q1\tmajor\tq0,q1")
	assert.Contains(t, out, "t1 check")
	assert.Contains(t, out, "2\tq2\tcritical\tq2")

	out, err = execute(t, "--format", "json", "history", "--db", db, "--scope", "q2")
	require.NoError(t, err)
	records := decode(t, out).Data.(map[string]any)["records"].([]any)
	require.Len(t, records, 1)
	assert.Equal(t, "manual", records[0].(map[string]any)["trigger_reason"])
}

func TestCalibrateRebuildsDependentPlans(t *testing.T) {
	db := filepath.Join(t.TempDir(), "lab.db")
	cfg := writeConfig(t)
	gatePlan := filepath.Join("testdata", "refresh", "gate.yaml")

	// No drift: nothing is re-optimized, nothing is rebuilt.
	out, err := execute(t, "--config", cfg, "--format", "json", "calibrate", testDevice,
		"--db", db, "--plan", gatePlan)
	require.NoError(t, err, out)
	assert.NotContains(t, decode(t, out).Data.(map[string]any), "refreshed")

	out, err = execute(t, "--config", cfg, "--format", "json", "schedule", gatePlan)
	require.NoError(t, err, out)
	declared := decode(t, out).Data.(map[string]any)["schedule"].(map[string]any)["sequence_hash"].(string)

	// Detuning appears on qubit 0: the pair recalibrates and x0 is re-optimized.
	out, err = execute(t, "--config", cfg, "--format", "json", "calibrate", testDevice,
		"--db", db, "--scope", "q0-q1", "--drift", "0:detuning_rad_per_ns=0.005", "--plan", gatePlan)
	require.NoError(t, err, out)
	data := decode(t, out).Data.(map[string]any)
	assert.Equal(t, true, data["cycles"].([]any)[0].(map[string]any)["recalibrated"])

	refreshed := data["refreshed"].([]any)
	require.Len(t, refreshed, 1)
	rebuilt := refreshed[0].(map[string]any)
	assert.Equal(t, "refresh-gate", rebuilt["plan"])
	assert.Equal(t, []any{"x0"}, rebuilt["pulses"])
	assert.Equal(t, true, rebuilt["pass"])
	assert.NotEmpty(t, rebuilt["sequence_hash"])
	assert.NotEqual(t, declared, rebuilt["sequence_hash"], "drift changes the optimized envelope")
}

func TestRunOptimizesAgainstStoredCalibration(t *testing.T) {
	db := filepath.Join(t.TempDir(), "lab.db")
	cfg := writeConfig(t)
	gatePlan := filepath.Join("testdata", "refresh", "gate.yaml")

	out, err := execute(t, "--config", cfg, "--format", "json", "run", gatePlan, "--db", db)
	require.NoError(t, err, out)
	before := decode(t, out).Data.(map[string]any)["sequence_hash"]

	_, err = execute(t, "--config", cfg, "calibrate", testDevice, "--db", db,
		"--scope", "q0-q1", "--drift", "0:amp_scale=0.9")
	require.NoError(t, err)

	out, err = execute(t, "--config", cfg, "--format", "json", "run", gatePlan, "--db", db)
	require.NoError(t, err, out)
	assert.NotEqual(t, before, decode(t, out).Data.(map[string]any)["sequence_hash"])
}

func TestCalibrateUnknownScope(t *testing.T) {
	db := filepath.Join(t.TempDir(), "lab.db")
	out, err := execute(t, "calibrate", testDevice, "--db", db, "--scope", "nope")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ nope")
}

func TestCalibrateBadDrift(t *testing.T) {
	db := filepath.Join(t.TempDir(), "lab.db")
	for _, drift := range []string{"0t1_ns=1", "0:t1_ns", "x:t1_ns=1", "0:t1_ns=abc"} {
		_, err := execute(t, "calibrate", testDevice, "--db", db, "--drift", drift)
		require.Error(t, err, drift)
		assert.Equal(t, ExitCommandError, GetExitCode(err), drift)
	}

	_, err := execute(t, "calibrate", testDevice, "--db", db, "--drift", "0:color=1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown field")
}

func TestHistoryEmpty(t *testing.T) {
	out, err := execute(t, "history", "--db", filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	assert.Contains(t, out, "No drift records.")
}

func TestRunAndResults(t *testing.T) {
	db := filepath.Join(t.TempDir(), "lab.db")

	out, err := execute(t, "--format", "json", "run", "--db", db, testPlan)
	require.NoError(t, err, out)

	data := decode(t, out).Data.(map[string]any)
	runID := data["run_id"].(string)
	require.NotEmpty(t, runID)
	assert.Equal(t, "simulator", data["backend"])
	assert.Equal(t, false, data["shortfall"])
	assert.InDelta(t, data["projected_fidelity"].(float64), data["measured_fidelity"].(float64), 0.02)
	seq := data["sequence_hash"].(string)

	out, err = execute(t, "--format", "json", "results", "--db", db, "--run", runID)
	require.NoError(t, err, out)
	ms := decode(t, out).Data.(map[string]any)["measurements"].([]any)
	require.Len(t, ms, 1)
	m := ms[0].(map[string]any)
	assert.Equal(t, seq, m["sequence_hash"])
	assert.Equal(t, data["provenance_root"], m["provenance_hash"])

	out, err = execute(t, "results", "--db", db, "--sequence", seq)
	require.NoError(t, err)
	assert.Contains(t, out, runID)
}

func TestRunUnknownBackend(t *testing.T) {
	db := filepath.Join(t.TempDir(), "lab.db")
	_, err := execute(t, "run", "--db", db, "--backend", "qpu-7", testPlan)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodeInvalid)
}

func TestRunFailingPlan(t *testing.T) {
	db := filepath.Join(t.TempDir(), "lab.db")
	path := writePlan(t, t.TempDir(), "tight", shortPlan+"assertions:\n  - {type: makespan_max, value: 10}\n")

	_, err := execute(t, "run", "--db", db, path)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, err.Error(), ErrCodePlanFailed)
}

func TestResultsUnknownRun(t *testing.T) {
	_, err := execute(t, "results", "--db", filepath.Join(t.TempDir(), "lab.db"), "--run", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrCodeNotFound)
}

func TestResultsRequiresSelector(t *testing.T) {
	_, err := execute(t, "results", "--db", filepath.Join(t.TempDir(), "lab.db"))
	require.Error(t, err)
}
