package scheduler

import (
	"testing"

	"github.com/sebdah/goldie/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pulsekern/internal/budget"
	"github.com/roach88/pulsekern/internal/hamiltonian"
	"github.com/roach88/pulsekern/internal/ir"
	"github.com/roach88/pulsekern/internal/sequence"
)

type flatCoherence struct{}

func (flatCoherence) T1(int) (float64, error) { return 100_000, nil }
func (flatCoherence) T2(int) (float64, error) { return 100_000, nil }

type pulseSpec struct {
	id          string
	qubits      []int
	durNs       float64
	earliestNs  float64
	constraints []ir.TemporalConstraint
}

func p(id string, dur float64, qubits ...int) pulseSpec {
	return pulseSpec{id: id, qubits: qubits, durNs: dur}
}

func (s pulseSpec) after(cs ...ir.TemporalConstraint) pulseSpec {
	s.constraints = cs
	return s
}

func (s pulseSpec) at(ns float64) pulseSpec {
	s.earliestNs = ns
	return s
}

func seq(a, b string) ir.TemporalConstraint {
	return ir.TemporalConstraint{Kind: ir.Sequential, PulseA: a, PulseB: b}
}

func sim(a, b string) ir.TemporalConstraint {
	return ir.TemporalConstraint{Kind: ir.Simultaneous, PulseA: a, PulseB: b}
}

func aligned(a, b string) ir.TemporalConstraint {
	return ir.TemporalConstraint{Kind: ir.Aligned, PulseA: a, PulseB: b}
}

func maxDelay(a, b string, tol float64) ir.TemporalConstraint {
	return ir.TemporalConstraint{Kind: ir.MaxDelay, PulseA: a, PulseB: b, ToleranceNs: tol}
}

func freeze(t *testing.T, tickNs float64, specs ...pulseSpec) *sequence.Frozen {
	t.Helper()
	bud, err := budget.New(budget.Config{MaxInfidelity: 1, WarnFraction: 0.99, RejectFraction: 1})
	require.NoError(t, err)
	cfg := sequence.DefaultConfig()
	cfg.ClockTickNs = tickNs
	b, err := sequence.NewBuilder(cfg, flatCoherence{}, bud)
	require.NoError(t, err)

	for _, s := range specs {
		_, err := b.Append(ir.Pulse{
			ID:             s.id,
			Qubits:         s.qubits,
			DurationNs:     s.durNs,
			Earliest:       ir.TimePoint{NominalNs: s.earliestNs, PrecisionNs: 4},
			GateInfidelity: 1e-4,
		}, s.constraints...)
		require.NoError(t, err, "append %s", s.id)
	}
	return b.Freeze()
}

func startOf(t *testing.T, s *Schedule, id string) float64 {
	t.Helper()
	sp, ok := s.Lookup(id)
	require.True(t, ok, "pulse %s not scheduled", id)
	return sp.Start.NominalNs
}

var coupled12 = Options{Couplings: []hamiltonian.Coupling{{A: 1, B: 2}}}

func TestTimelineGolden(t *testing.T) {
	tests := []struct {
		name   string
		tickNs float64
		opts   Options
		pulses []pulseSpec
	}{
		{
			name:   "crosstalk_serialization",
			tickNs: 1,
			opts:   coupled12,
			pulses: []pulseSpec{
				p("x0", 20, 0),
				p("x1", 20, 1),
				p("x2", 20, 2),
				p("cz01", 40, 0, 1).after(seq("x0", "cz01"), seq("x1", "cz01")),
			},
		},
		{
			name:   "offset_locked_groups",
			tickNs: 2,
			pulses: []pulseSpec{
				p("a", 40, 0),
				p("b", 20, 1).after(aligned("a", "b")),
				p("c", 40, 2).after(sim("a", "c")),
				p("d", 16, 0).after(maxDelay("a", "d", 8)),
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Run(freeze(t, tt.tickNs, tt.pulses...), tt.opts)
			require.NoError(t, err)

			g := goldie.New(t,
				goldie.WithFixtureDir("testdata/golden"),
				goldie.WithNameSuffix(".golden"),
			)
			g.Assert(t, tt.name, []byte(s.Timeline()))
		})
	}
}

func TestIndependentQubitsRunInParallel(t *testing.T) {
	s, err := Run(freeze(t, 1, p("x0", 20, 0), p("x1", 20, 1), p("x2", 20, 2)), Options{})
	require.NoError(t, err)

	for _, id := range []string{"x0", "x1", "x2"} {
		assert.Equal(t, 0.0, startOf(t, s, id))
	}
	assert.Equal(t, 20.0, s.MakespanNs)
}

func TestSharedQubitSerializedInDeclarationOrder(t *testing.T) {
	s, err := Run(freeze(t, 1, p("first", 20, 0), p("second", 12, 0)), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0.0, startOf(t, s, "first"))
	assert.Equal(t, 20.0, startOf(t, s, "second"))
}

func TestCoupledQubitsNeverOverlap(t *testing.T) {
	s, err := Run(freeze(t, 1, p("x1", 20, 1), p("x2", 20, 2)), coupled12)
	require.NoError(t, err)
	assert.Equal(t, 0.0, startOf(t, s, "x1"))
	assert.Equal(t, 20.0, startOf(t, s, "x2"), "later-declared pulse is pushed back")
}

func TestRequestedStartHonored(t *testing.T) {
	s, err := Run(freeze(t, 1, p("late", 20, 0).at(8), p("other", 20, 1)), Options{})
	require.NoError(t, err)
	assert.Equal(t, 8.0, startOf(t, s, "late"))
	assert.Equal(t, 0.0, startOf(t, s, "other"))
	assert.Equal(t, 28.0, s.MakespanNs)
}

func TestConstraintsHold(t *testing.T) {
	f := freeze(t, 2,
		p("a", 40, 0),
		p("b", 20, 1).after(aligned("a", "b")),
		p("c", 40, 2).after(sim("a", "c")),
		p("d", 16, 0).after(maxDelay("a", "d", 8)),
		p("e", 24, 1).after(seq("b", "e")),
	)
	s, err := Run(f, Options{})
	require.NoError(t, err)

	byID := make(map[string]ir.ScheduledPulse)
	for _, sp := range s.Pulses {
		byID[sp.Pulse.ID] = sp
		assert.True(t, sp.Start.IsAligned(), "%s off its precision grid", sp.Pulse.ID)
	}
	for _, c := range f.Constraints() {
		a, b := byID[c.PulseA], byID[c.PulseB]
		switch c.Kind {
		case ir.Simultaneous:
			assert.LessOrEqual(t, abs(a.Start.NominalNs-b.Start.NominalNs), c.ToleranceNs)
		case ir.Aligned:
			assert.LessOrEqual(t, abs(a.EndNs()-b.EndNs()), c.ToleranceNs)
		case ir.Sequential:
			assert.GreaterOrEqual(t, b.Start.NominalNs, a.EndNs())
		case ir.MaxDelay:
			assert.GreaterOrEqual(t, b.Start.NominalNs, a.EndNs())
			assert.LessOrEqual(t, b.Start.NominalNs-a.EndNs(), c.ToleranceNs)
		}
	}
	assert.Equal(t, 40.0, startOf(t, s, "e"))
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func TestPrecedenceCycle(t *testing.T) {
	f := freeze(t, 1,
		p("a", 20, 0),
		p("b", 20, 1).after(seq("a", "b")),
		p("c", 20, 2).after(seq("b", "c"), seq("c", "a")),
	)
	_, err := Run(f, Options{})
	require.Error(t, err)
	assert.True(t, IsUnsatisfiableError(err))

	var ue *UnsatisfiableError
	require.ErrorAs(t, err, &ue)
	assert.Len(t, ue.Constraints, 3)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, ue.Pulses)
	assert.Contains(t, ue.Reason, "precedence cycle")
}

func TestCycleThroughGroup(t *testing.T) {
	f := freeze(t, 1,
		p("a", 20, 0),
		p("b", 20, 1).after(sim("a", "b")),
		p("c", 20, 2).after(seq("b", "c"), seq("c", "a")),
	)
	_, err := Run(f, Options{})

	var ue *UnsatisfiableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []ir.TemporalConstraint{seq("b", "c"), seq("c", "a")}, ue.Constraints)
}

func TestInconsistentGroupOffsets(t *testing.T) {
	f := freeze(t, 1,
		p("a", 40, 0),
		p("b", 20, 1).after(sim("a", "b")),
		p("c", 40, 2).after(aligned("b", "c"), sim("a", "c")),
	)
	_, err := Run(f, Options{})

	var ue *UnsatisfiableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []ir.TemporalConstraint{sim("a", "b"), aligned("b", "c"), sim("a", "c")}, ue.Constraints)
}

func TestGroupedPulsesOnSameQubit(t *testing.T) {
	f := freeze(t, 1,
		p("a", 20, 0),
		p("b", 20, 0).after(sim("a", "b")),
	)
	_, err := Run(f, Options{})

	var ue *UnsatisfiableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []ir.TemporalConstraint{sim("a", "b")}, ue.Constraints)
	assert.Equal(t, []string{"a", "b"}, ue.Pulses)
}

func TestGroupedPulsesOnCoupledQubits(t *testing.T) {
	f := freeze(t, 1,
		p("a", 20, 1),
		p("b", 20, 2).after(sim("a", "b")),
	)
	_, err := Run(f, Options{})
	require.NoError(t, err, "uncoupled qubits may share a window")

	_, err = Run(f, coupled12)
	assert.True(t, IsUnsatisfiableError(err))
}

func TestMaxDelayBlockedByCrosstalk(t *testing.T) {
	f := freeze(t, 1,
		p("a", 20, 0),
		p("x", 40, 1),
		p("d", 20, 2).after(maxDelay("a", "d", 4)),
	)

	s, err := Run(f, Options{})
	require.NoError(t, err)
	assert.Equal(t, 20.0, startOf(t, s, "d"))

	_, err = Run(f, coupled12)
	var ue *UnsatisfiableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []ir.TemporalConstraint{maxDelay("a", "d", 4)}, ue.Constraints)
	assert.Contains(t, ue.Pulses, "x")
	assert.Contains(t, ue.Reason, "without overlapping x")
}

func TestLaterDeclaredBlockerYieldsToMaxDelay(t *testing.T) {
	tests := []struct {
		name string
		c    pulseSpec
	}{
		{"coupled qubit", p("c", 16, 2)},
		{"shared qubit", p("c", 16, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := freeze(t, 1,
				p("a", 8, 0),
				p("b", 8, 1).after(maxDelay("a", "b", 0)),
				tt.c,
			)
			s, err := Run(f, coupled12)
			require.NoError(t, err)
			assert.Equal(t, 0.0, startOf(t, s, "a"))
			assert.Equal(t, 8.0, startOf(t, s, "b"))
			assert.Equal(t, 16.0, startOf(t, s, "c"), "later-declared pulse is serialized")
			assert.Equal(t, 32.0, s.MakespanNs)
		})
	}
}

func TestDeferredBlockerStillHonorsItsOwnConstraints(t *testing.T) {
	f := freeze(t, 1,
		p("a", 8, 0),
		p("b", 8, 1).after(maxDelay("a", "b", 0)),
		p("c", 16, 2),
		p("d", 4, 2).after(seq("c", "d")),
	)
	s, err := Run(f, coupled12)
	require.NoError(t, err)
	assert.Equal(t, 8.0, startOf(t, s, "b"))
	assert.Equal(t, 16.0, startOf(t, s, "c"))
	assert.Equal(t, 32.0, startOf(t, s, "d"))

	again, err := Run(f, coupled12)
	require.NoError(t, err)
	assert.Equal(t, s, again)
}

func TestPrecisionGridUnsatisfiable(t *testing.T) {
	// b ends with a, so it starts 2ns later; both need a 4ns grid.
	f := freeze(t, 1,
		p("a", 20, 0),
		p("b", 18, 1).after(aligned("a", "b")),
	)
	_, err := Run(f, Options{})

	var ue *UnsatisfiableError
	require.ErrorAs(t, err, &ue)
	assert.Equal(t, []ir.TemporalConstraint{aligned("a", "b")}, ue.Constraints)
	assert.Contains(t, ue.Reason, "precision grid")
}

func TestScheduleDeterministic(t *testing.T) {
	f := freeze(t, 1,
		p("x0", 20, 0),
		p("x1", 20, 1),
		p("x2", 20, 2),
		p("cz01", 40, 0, 1).after(seq("x0", "cz01"), seq("x1", "cz01")),
		p("cz12", 40, 1, 2).after(seq("cz01", "cz12")),
	)
	first, err := Run(f, coupled12)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Run(f, coupled12)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, f.Hash(), first.SequenceHash)
	assert.Equal(t, f.Len(), len(first.Pulses))
}

func TestScheduleDoesNotMutateSequence(t *testing.T) {
	f := freeze(t, 1, p("a", 20, 0).at(4), p("b", 20, 0))
	before := f.Hash()
	_, err := Run(f, Options{})
	require.NoError(t, err)
	assert.Equal(t, before, f.Hash())
}

func TestRunRequiresSequence(t *testing.T) {
	_, err := Run(nil, Options{})
	assert.Error(t, err)
}

func TestUnsatisfiableErrorMessage(t *testing.T) {
	err := &UnsatisfiableError{Constraints: []ir.TemporalConstraint{seq("a", "b")}, Reason: "precedence cycle a -> b -> a"}
	assert.Contains(t, err.Error(), "precedence cycle")
	assert.Contains(t, err.Error(), seq("a", "b").String())
}
