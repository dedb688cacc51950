package sequence

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pulsekern/internal/budget"
	"github.com/roach88/pulsekern/internal/ir"
)

type staticCoherence map[int][2]float64

func (s staticCoherence) T1(q int) (float64, error) {
	v, ok := s[q]
	if !ok {
		return 0, fmt.Errorf("qubit %d not calibrated", q)
	}
	return v[0], nil
}

func (s staticCoherence) T2(q int) (float64, error) {
	v, ok := s[q]
	if !ok {
		return 0, fmt.Errorf("qubit %d not calibrated", q)
	}
	return v[1], nil
}

var defaultCoherence = staticCoherence{
	0: {50_000, 40_000},
	1: {60_000, 30_000},
	2: {1_000, 1_000},
}

func newBuilder(t *testing.T, cfg Config, bcfg budget.Config) *Builder {
	t.Helper()
	bud, err := budget.New(bcfg)
	require.NoError(t, err)
	b, err := NewBuilder(cfg, defaultCoherence, bud)
	require.NoError(t, err)
	return b
}

func looseBudget() budget.Config {
	return budget.Config{MaxInfidelity: 1, WarnFraction: 0.99, RejectFraction: 1}
}

func pulse(id string, dur float64, qubits ...int) ir.Pulse {
	return ir.Pulse{
		ID:             id,
		Qubits:         qubits,
		DurationNs:     dur,
		Earliest:       ir.TimePoint{PrecisionNs: 4},
		GateInfidelity: 1e-4,
	}
}

func TestAppendCommitsPulse(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), looseBudget())

	res, err := b.Append(pulse("a", 20, 0))
	require.NoError(t, err)
	assert.Equal(t, "a", res.Pulse.ID)
	assert.Empty(t, res.Warnings)
	assert.Greater(t, res.Cost.Decoherence, 0.0)
	assert.InDelta(t, 1e-4, res.Cost.Infidelity, 0)
	require.Len(t, res.Decoherence.Qubits, 1)
	assert.Equal(t, 20.0, res.Decoherence.Qubits[0].ActiveNs)
	assert.Equal(t, 1, b.Len())
}

func TestAppendRejectsInvalidPulse(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), looseBudget())
	_, err := b.Append(pulse("a", 20, 0))
	require.NoError(t, err)

	tests := []struct {
		name  string
		pulse ir.Pulse
	}{
		{"empty id", pulse("", 20, 0)},
		{"duplicate id", pulse("a", 20, 0)},
		{"no qubits", pulse("b", 20)},
		{"zero duration", pulse("b", 0, 0)},
		{"repeated qubit", pulse("b", 20, 1, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Append(tt.pulse)
			assert.ErrorIs(t, err, ErrInvalidPulse)
		})
	}
	assert.Equal(t, 1, b.Len())
}

func TestAlignmentRejectByDefault(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), looseBudget())

	p := pulse("a", 20, 0)
	p.Earliest = ir.TimePoint{NominalNs: 3, PrecisionNs: 4}
	_, err := b.Append(p)
	require.Error(t, err)

	var ae *AlignmentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 4.0, ae.RoundedNs)
	assert.Equal(t, 1.0, ae.ErrorNs)
	assert.Equal(t, 0, b.Len())
}

func TestAlignmentAutoRound(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlignmentPolicy = PolicyAutoRound
	b := newBuilder(t, cfg, looseBudget())

	p := pulse("a", 20, 0)
	p.Earliest = ir.TimePoint{NominalNs: 9, PrecisionNs: 4}
	res, err := b.Append(p)
	require.NoError(t, err)
	assert.Equal(t, 8.0, res.Pulse.Earliest.NominalNs)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarnAutoRounded, res.Warnings[0].Code)
}

func TestAlignmentWithinTolerance(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AlignmentToleranceNs = 1
	b := newBuilder(t, cfg, looseBudget())

	p := pulse("a", 20, 0)
	p.Earliest = ir.TimePoint{NominalNs: 13, PrecisionNs: 4}
	res, err := b.Append(p)
	require.NoError(t, err)
	assert.Equal(t, 12.0, res.Pulse.Earliest.NominalNs)
	assert.Empty(t, res.Warnings)
}

func TestAlignmentClockTick(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ClockTickNs = 2
	b := newBuilder(t, cfg, looseBudget())

	p := pulse("a", 20, 0)
	p.Earliest.PrecisionNs = 3
	_, err := b.Append(p)
	assert.True(t, IsAlignmentError(err), "precision off the clock tick")

	p = pulse("b", 21, 0)
	_, err = b.Append(p)
	assert.True(t, IsAlignmentError(err), "duration off the clock tick")

	p = pulse("c", 20, 0)
	p.Earliest.PrecisionNs = 0
	res, err := b.Append(p)
	require.NoError(t, err)
	assert.Equal(t, 2.0, res.Pulse.Earliest.PrecisionNs, "precision defaults to the clock tick")
}

func TestSequentialAndSimultaneousConflict(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), looseBudget())
	_, err := b.Append(pulse("A", 20, 0))
	require.NoError(t, err)

	_, err = b.Append(pulse("B", 20, 1),
		ir.TemporalConstraint{Kind: ir.Sequential, PulseA: "A", PulseB: "B"},
		ir.TemporalConstraint{Kind: ir.Simultaneous, PulseA: "A", PulseB: "B"},
	)
	require.Error(t, err)
	assert.True(t, IsConstraintConflictError(err))

	var ce *ConstraintConflictError
	require.ErrorAs(t, err, &ce)
	require.Len(t, ce.Constraints, 2)
	assert.Equal(t, ir.Sequential, ce.Constraints[0].Kind)
	assert.Equal(t, ir.Simultaneous, ce.Constraints[1].Kind)

	assert.Equal(t, 1, b.Len(), "rejected append commits nothing")
}

func TestConstraintConflictAgainstCommitted(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), looseBudget())
	_, err := b.Append(pulse("A", 20, 0))
	require.NoError(t, err)
	_, err = b.Append(pulse("B", 20, 1), ir.TemporalConstraint{Kind: ir.Sequential, PulseA: "A", PulseB: "B"})
	require.NoError(t, err)

	// B before A contradicts the committed A before B
	_, err = b.Append(pulse("C", 20, 0), ir.TemporalConstraint{Kind: ir.MaxDelay, PulseA: "B", PulseB: "A", ToleranceNs: 8})
	assert.True(t, IsConstraintConflictError(err))

	// compatible: MaxDelay in the same direction
	_, err = b.Append(pulse("C", 20, 0), ir.TemporalConstraint{Kind: ir.MaxDelay, PulseA: "A", PulseB: "B", ToleranceNs: 8})
	assert.NoError(t, err)
}

func TestConstraintChecks(t *testing.T) {
	tests := []struct {
		name string
		c    ir.TemporalConstraint
		dur  float64
		ok   bool
	}{
		{"unknown pulse", ir.TemporalConstraint{Kind: ir.Sequential, PulseA: "A", PulseB: "Z"}, 20, false},
		{"self reference", ir.TemporalConstraint{Kind: ir.Sequential, PulseA: "B", PulseB: "B"}, 20, false},
		{"unknown kind", ir.TemporalConstraint{Kind: "after", PulseA: "A", PulseB: "B"}, 20, false},
		{"negative tolerance", ir.TemporalConstraint{Kind: ir.MaxDelay, PulseA: "A", PulseB: "B", ToleranceNs: -1}, 20, false},
		{"aligned ok", ir.TemporalConstraint{Kind: ir.Aligned, PulseA: "A", PulseB: "B"}, 12, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newBuilder(t, DefaultConfig(), looseBudget())
			_, err := b.Append(pulse("A", 20, 0))
			require.NoError(t, err)
			_, err = b.Append(pulse("B", tt.dur, 1), tt.c)
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.True(t, IsConstraintConflictError(err), "got %v", err)
			}
		})
	}
}

func TestSimultaneousAlignedDurations(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), looseBudget())
	_, err := b.Append(pulse("A", 20, 0))
	require.NoError(t, err)

	_, err = b.Append(pulse("B", 12, 1),
		ir.TemporalConstraint{Kind: ir.Simultaneous, PulseA: "A", PulseB: "B"},
		ir.TemporalConstraint{Kind: ir.Aligned, PulseA: "A", PulseB: "B"},
	)
	assert.True(t, IsConstraintConflictError(err))

	_, err = b.Append(pulse("B", 20, 1),
		ir.TemporalConstraint{Kind: ir.Simultaneous, PulseA: "A", PulseB: "B"},
		ir.TemporalConstraint{Kind: ir.Aligned, PulseA: "A", PulseB: "B"},
	)
	assert.NoError(t, err)
}

func TestDecoherenceCeilings(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), looseBudget())

	// qubit 2 has T2 = 1000ns: soft 200ns, hard 300ns
	res, err := b.Append(pulse("a", 160, 2))
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)

	res, err = b.Append(pulse("b", 80, 2))
	require.NoError(t, err)
	require.Len(t, res.Warnings, 1)
	assert.Equal(t, WarnDecoherenceSoft, res.Warnings[0].Code)

	_, err = b.Append(pulse("c", 80, 2))
	require.Error(t, err)
	var be *budget.BudgetExceededError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, budget.KindDecoherence, be.Kind)
	assert.Equal(t, 2, be.Qubit)
	assert.InDelta(t, 0.32, be.Requested, 1e-12)

	for _, q := range b.Decoherence().Qubits {
		assert.LessOrEqual(t, q.ActiveNs, 0.3*q.T2Ns)
	}
}

func TestDecoherenceUsesMinT2(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), looseBudget())

	// two-qubit pulse on qubits 0 (T2 40us) and 2 (T2 1us): min T2 is 1us
	_, err := b.Append(pulse("cz", 320, 0, 2))
	require.Error(t, err)
	assert.True(t, budget.IsBudgetExceededError(err))
}

func TestCoherenceFollowsRecalibration(t *testing.T) {
	live := staticCoherence{2: {1_000, 1_000}}
	bud, err := budget.New(looseBudget())
	require.NoError(t, err)
	b, err := NewBuilder(DefaultConfig(), live, bud)
	require.NoError(t, err)

	_, err = b.Append(pulse("a", 160, 2))
	require.NoError(t, err)

	// T2 halves: 200ns active against 500ns breaches the 0.3 ceiling.
	live[2] = [2]float64{1_000, 500}
	assert.True(t, budget.IsBudgetExceededError(b.CanAppend(pulse("b", 40, 2))))
	_, err = b.Append(pulse("b", 40, 2))
	assert.True(t, budget.IsBudgetExceededError(err))

	// Rejected checks leave the committed view alone.
	snap := b.Decoherence()
	require.Len(t, snap.Qubits, 1)
	assert.Equal(t, 1_000.0, snap.Qubits[0].T2Ns)
	assert.InDelta(t, 0.16, snap.FractionConsumed, 1e-12)

	// Recovered T2 is read on the next append and recorded on commit.
	live[2] = [2]float64{2_000, 2_000}
	_, err = b.Append(pulse("c", 40, 2))
	require.NoError(t, err)
	snap = b.Decoherence()
	assert.Equal(t, 2_000.0, snap.Qubits[0].T2Ns)
	assert.InDelta(t, 0.1, snap.FractionConsumed, 1e-12)
}

func TestUnknownQubitCoherence(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), looseBudget())
	_, err := b.Append(pulse("a", 20, 7))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not calibrated")
}

func TestErrorBudgetCanAppendAgrees(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), budget.Config{MaxInfidelity: 0.05, WarnFraction: 0.5, RejectFraction: 0.9})

	accepted := 0
	for i := 0; i < 30; i++ {
		p := pulse(fmt.Sprintf("p%d", i), 20, i%2)
		p.GateInfidelity = 0.002
		predicted := b.CanAppend(p)
		res, err := b.Append(p)
		assert.Equal(t, predicted == nil, err == nil, "pulse %d", i)
		if err == nil {
			accepted++
			assert.GreaterOrEqual(t, b.ErrorBudget().RemainingBudget, 0.0)
			continue
		}
		assert.Nil(t, res)
		var be *budget.BudgetExceededError
		require.ErrorAs(t, err, &be)
		assert.Equal(t, budget.KindErrorBudget, be.Kind)
	}
	assert.Equal(t, accepted, b.Len())
	assert.Less(t, accepted, 30)
}

func TestCheckOrderAlignmentFirst(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), looseBudget())

	p := pulse("a", 20, 0)
	p.Earliest.NominalNs = 1
	_, err := b.Append(p, ir.TemporalConstraint{Kind: ir.Sequential, PulseA: "a", PulseB: "missing"})
	assert.True(t, IsAlignmentError(err))
	assert.False(t, IsConstraintConflictError(err))
}

func TestFreeze(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), looseBudget())
	_, err := b.Append(pulse("a", 20, 0))
	require.NoError(t, err)
	_, err = b.Append(pulse("b", 40, 1), ir.TemporalConstraint{Kind: ir.Sequential, PulseA: "a", PulseB: "b"})
	require.NoError(t, err)

	f := b.Freeze()
	assert.Same(t, f, b.Freeze())

	_, err = b.Append(pulse("c", 20, 0))
	assert.True(t, errors.Is(err, ErrFrozen))
	assert.ErrorIs(t, b.CanAppend(pulse("c", 20, 0)), ErrFrozen)

	assert.Equal(t, 2, f.Len())
	assert.Equal(t, 1, f.Index("b"))
	assert.Equal(t, -1, f.Index("zz"))
	assert.Len(t, f.Constraints(), 1)
	assert.Equal(t, b.budget.ProjectedFidelity(), f.ProjectedFidelity())
	assert.Equal(t, budget.ProjectedFidelity(f.Costs()), f.ProjectedFidelity())
}

func TestFrozenHashDeterministic(t *testing.T) {
	build := func(dur float64) *Frozen {
		b := newBuilder(t, DefaultConfig(), looseBudget())
		_, err := b.Append(pulse("a", 20, 0))
		require.NoError(t, err)
		_, err = b.Append(pulse("b", dur, 1))
		require.NoError(t, err)
		return b.Freeze()
	}
	assert.Equal(t, build(40).Hash(), build(40).Hash())
	assert.NotEqual(t, build(40).Hash(), build(44).Hash())
}

func TestFrozenAccessorsCopy(t *testing.T) {
	b := newBuilder(t, DefaultConfig(), looseBudget())
	_, err := b.Append(pulse("a", 20, 0))
	require.NoError(t, err)
	f := b.Freeze()

	ps := f.Pulses()
	ps[0].ID = "mutated"
	assert.Equal(t, "a", f.Pulses()[0].ID)
}

func TestNewBuilderValidation(t *testing.T) {
	bud, err := budget.New(looseBudget())
	require.NoError(t, err)

	_, err = NewBuilder(Config{}, defaultCoherence, bud)
	assert.Error(t, err)
	_, err = NewBuilder(DefaultConfig(), nil, bud)
	assert.Error(t, err)
	_, err = NewBuilder(DefaultConfig(), defaultCoherence, nil)
	assert.Error(t, err)
}
