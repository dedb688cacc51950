package sequence

import (
	"slices"

	"github.com/roach88/pulsekern/internal/budget"
	"github.com/roach88/pulsekern/internal/ir"
)

// Frozen is an immutable pulse sequence. It is safe for concurrent readers;
// accessors return copies.
type Frozen struct {
	clockTickNs float64
	pulses      []ir.Pulse
	constraints []ir.TemporalConstraint
	decoherence ir.DecoherenceBudget
	costs       []budget.Cost
	budgetCfg   budget.Config
}

// ClockTickNs returns the AWG clock tick the sequence was built against.
func (f *Frozen) ClockTickNs() float64 { return f.clockTickNs }

// Len returns the number of pulses.
func (f *Frozen) Len() int { return len(f.pulses) }

// Pulses returns the pulses in declaration order.
func (f *Frozen) Pulses() []ir.Pulse { return slices.Clone(f.pulses) }

// Constraints returns the constraints in declaration order.
func (f *Frozen) Constraints() []ir.TemporalConstraint { return slices.Clone(f.constraints) }

// Index returns the declaration index of a pulse ID, or -1.
func (f *Frozen) Index(id string) int {
	return slices.IndexFunc(f.pulses, func(p ir.Pulse) bool { return p.ID == id })
}

// Decoherence returns the decoherence snapshot taken at freeze time.
func (f *Frozen) Decoherence() ir.DecoherenceBudget {
	d := f.decoherence
	d.Qubits = slices.Clone(d.Qubits)
	return d
}

// Costs returns the recorded per-pulse costs in declaration order.
func (f *Frozen) Costs() []budget.Cost { return slices.Clone(f.costs) }

// ProjectedFidelity recomputes the projected fidelity from recorded costs.
func (f *Frozen) ProjectedFidelity() float64 { return budget.ProjectedFidelity(f.costs) }

// ErrorBudget recomputes the error budget snapshot from recorded costs.
func (f *Frozen) ErrorBudget() ir.ErrorBudget { return budget.Summarize(f.budgetCfg, f.costs) }

// Canonical returns the hashable form of the sequence.
func (f *Frozen) Canonical() ir.IRObject {
	pulses := make(ir.IRArray, len(f.pulses))
	for i, p := range f.pulses {
		pulses[i] = p.Canonical()
	}
	constraints := make(ir.IRArray, len(f.constraints))
	for i, c := range f.constraints {
		constraints[i] = c.Canonical()
	}
	costs := make(ir.IRArray, len(f.costs))
	for i, c := range f.costs {
		costs[i] = c.Canonical()
	}
	return ir.IRObject{
		"clock_tick_ns": ir.Real(f.clockTickNs),
		"pulses":        pulses,
		"constraints":   constraints,
		"costs":         costs,
	}
}

// Hash returns the content hash of the sequence.
func (f *Frozen) Hash() string {
	return ir.MustContentHash(ir.DomainSequence, f.Canonical())
}
