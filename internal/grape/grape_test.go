package grape

import (
	"context"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pulsekern/internal/hamiltonian"
	"github.com/roach88/pulsekern/internal/ir"
	"github.com/roach88/pulsekern/internal/linalg"
)

func singleQubitModel(t *testing.T) *hamiltonian.Model {
	t.Helper()
	m, err := hamiltonian.NewDriveModel([]int{0}, []float64{0}, nil, nil)
	require.NoError(t, err)
	return m
}

func xGateRequest(t *testing.T) Request {
	t.Helper()
	x, err := Gate("X")
	require.NoError(t, err)
	return Request{
		Model:          singleQubitModel(t),
		Target:         x,
		NumSamples:     40,
		DurationNs:     80,
		Tolerance:      1e-10,
		TargetFidelity: 0.999,
		MaxIterations:  500,
		Seed:           42,
	}
}

func TestOptimizeXGateConverges(t *testing.T) {
	res, err := Optimize(context.Background(), xGateRequest(t))
	require.NoError(t, err)

	assert.True(t, res.Converged, "stop reason %s at fidelity %v", res.StopReason, res.Fidelity)
	assert.GreaterOrEqual(t, res.Fidelity, 0.999)
	assert.LessOrEqual(t, res.Fidelity, 1.0+1e-12)
	assert.LessOrEqual(t, res.Iterations, 500)
	assert.Nil(t, res.Failure())
	assert.False(t, res.Divergent)

	require.Len(t, res.Envelope.Channels, 2)
	assert.Len(t, res.Envelope.Channels[0].Samples, 40)
	assert.InDelta(t, 80.0, res.Envelope.DurationNs(), 1e-12)
}

func TestOptimizeDeterministic(t *testing.T) {
	a, err := Optimize(context.Background(), xGateRequest(t))
	require.NoError(t, err)
	b, err := Optimize(context.Background(), xGateRequest(t))
	require.NoError(t, err)

	require.Equal(t, a.Iterations, b.Iterations)
	for k := range a.Envelope.Channels {
		for j, v := range a.Envelope.Channels[k].Samples {
			assert.InDelta(t, v, b.Envelope.Channels[k].Samples[j], 1e-9)
		}
	}
	assert.Equal(t, a.ConfigHash, b.ConfigHash)

	other := xGateRequest(t)
	other.Seed = 43
	assert.NotEqual(t, a.ConfigHash, other.ConfigHash())
}

func TestOptimizeHistoryNonDecreasing(t *testing.T) {
	res, err := Optimize(context.Background(), xGateRequest(t))
	require.NoError(t, err)

	require.NotEmpty(t, res.History)
	for i := 1; i < len(res.History); i++ {
		assert.GreaterOrEqual(t, res.History[i], res.History[i-1], "history[%d]", i)
	}
	assert.Equal(t, res.Fidelity, res.History[len(res.History)-1])
}

func TestOptimizeReturnsBestOnMaxIterations(t *testing.T) {
	req := xGateRequest(t)
	req.MaxIterations = 2
	req.TargetFidelity = 1

	res, err := Optimize(context.Background(), req)
	require.NoError(t, err, "a missed target is not an error")
	assert.False(t, res.Converged)
	assert.Equal(t, StopMaxIterations, res.StopReason)

	failure := res.Failure()
	require.NotNil(t, failure)
	assert.True(t, IsConvergenceFailure(failure))
	assert.Equal(t, 2, failure.Iterations)
	assert.Equal(t, res.Fidelity, failure.Fidelity)
}

func TestOptimizeRejectsNonUnitaryTarget(t *testing.T) {
	req := xGateRequest(t)
	req.Target = linalg.FromRows([][]complex128{{1, 1}, {0, 1}})

	res, err := Optimize(context.Background(), req)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.True(t, IsNonUnitaryTargetError(err))
}

func TestOptimizeValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Request)
	}{
		{"no model", func(r *Request) { r.Model = nil }},
		{"dimension mismatch", func(r *Request) { r.Target, _ = Gate("CNOT") }},
		{"zero samples", func(r *Request) { r.NumSamples = 0 }},
		{"zero duration", func(r *Request) { r.DurationNs = 0 }},
		{"fidelity above one", func(r *Request) { r.TargetFidelity = 1.5 }},
		{"zero iterations", func(r *Request) { r.MaxIterations = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := xGateRequest(t)
			tt.mutate(&req)
			_, err := Optimize(context.Background(), req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
}

func TestOptimizeCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	req := xGateRequest(t)
	_, err := Optimize(ctx, req)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestGradientMatchesFiniteDifference(t *testing.T) {
	m, err := hamiltonian.NewDriveModel([]int{0}, []float64{0.05}, nil, nil)
	require.NoError(t, err)
	h, err := Gate("H")
	require.NoError(t, err)

	p := newProblem(m, h, 2.5)
	u := [][]float64{{0.1, -0.2, 0.3}, {0.05, 0.0, -0.15}}

	prop, err := p.propagate(u)
	require.NoError(t, err)
	grad, err := p.gradient(u, prop)
	require.NoError(t, err)

	const eps = 1e-6
	for k := range u {
		for j := range u[k] {
			orig := u[k][j]
			u[k][j] = orig + eps
			plus, err := p.propagate(u)
			require.NoError(t, err)
			u[k][j] = orig - eps
			minus, err := p.propagate(u)
			require.NoError(t, err)
			u[k][j] = orig

			fd := (plus.fidelity - minus.fidelity) / (2 * eps)
			assert.InDelta(t, fd, grad[k][j], 1e-7, "control %d sample %d", k, j)
		}
	}
}

func TestFidelityIsPhaseInsensitive(t *testing.T) {
	x, err := Gate("X")
	require.NoError(t, err)
	phased := linalg.Scale(complex(math.Cos(0.7), math.Sin(0.7)), x)

	assert.InDelta(t, 1.0, Fidelity(x, phased), 1e-14)

	z, err := Gate("Z")
	require.NoError(t, err)
	assert.InDelta(t, 0.0, Fidelity(x, z), 1e-14)
}

func TestOptimizeAllMatchesSequential(t *testing.T) {
	reqs := make([]Request, 3)
	for i := range reqs {
		reqs[i] = xGateRequest(t)
		reqs[i].Seed = uint64(100 + i)
		reqs[i].MaxIterations = 50
	}

	batch, err := OptimizeAll(context.Background(), reqs)
	require.NoError(t, err)
	require.Len(t, batch, 3)

	for i, req := range reqs {
		single, err := Optimize(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, single.Fidelity, batch[i].Fidelity, "request %d", i)
		assert.Equal(t, single.Envelope, batch[i].Envelope, "request %d", i)
	}
}

func TestOptimizeAllPropagatesErrors(t *testing.T) {
	good := xGateRequest(t)
	bad := xGateRequest(t)
	bad.Target = linalg.FromRows([][]complex128{{2, 0}, {0, 1}})

	_, err := OptimizeAll(context.Background(), []Request{good, bad})
	require.Error(t, err)
	assert.True(t, IsNonUnitaryTargetError(err))
}

func TestResultPulse(t *testing.T) {
	res, err := Optimize(context.Background(), xGateRequest(t))
	require.NoError(t, err)

	p := res.Pulse("x0", []int{0}, ir.TimePoint{PrecisionNs: 4})
	assert.Equal(t, "x0", p.ID)
	assert.InDelta(t, 80.0, p.DurationNs, 1e-12)
	assert.InDelta(t, 1-res.Fidelity, p.GateInfidelity, 1e-15)
	assert.Equal(t, res.ConfigHash, p.OptimizerHash)
}

func TestGateLibrary(t *testing.T) {
	for _, name := range GateNames() {
		g, err := Gate(name)
		require.NoError(t, err)
		assert.True(t, linalg.IsUnitary(g, 1e-12), name)
	}
	_, err := Gate("TOFFOLI")
	assert.Error(t, err)
}
