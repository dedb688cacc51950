// Package budget tracks the cumulative error cost of a pulse sequence.
//
// Every cost is an error probability in [0, 1). A pulse survives with
// probability Π(1 - c) over its cost categories (gate infidelity, decoherence,
// leakage, crosstalk), and a sequence survives with the product over its
// pulses. That product is the projected fidelity; consumed budget is
// 1 - projected fidelity. Per-category sums are kept for reporting only and
// never enter the accept/reject decision.
package budget

import (
	"fmt"
	"math"
	"sync"

	"github.com/roach88/pulsekern/internal/ir"
)

// Config sets the budget ceiling and threshold policy.
type Config struct {
	// MaxInfidelity is the total budget: the largest acceptable 1 - F.
	MaxInfidelity float64 `yaml:"max_infidelity" validate:"gt=0,lte=1"`
	// WarnFraction of MaxInfidelity consumed raises LevelWarn.
	WarnFraction float64 `yaml:"warn_fraction" validate:"gte=0,lte=1"`
	// RejectFraction of MaxInfidelity is the most an append may consume.
	RejectFraction float64 `yaml:"reject_fraction" validate:"gt=0,lte=1,gtefield=WarnFraction"`
	// LeakagePerPulse is charged to every pulse.
	LeakagePerPulse float64 `yaml:"leakage_per_pulse" validate:"gte=0,lt=1"`
	// CrosstalkPerCoupling is charged once per additional qubit a pulse drives.
	CrosstalkPerCoupling float64 `yaml:"crosstalk_per_coupling" validate:"gte=0,lt=1"`
}

// DefaultConfig returns the default policy: warn at 50 %, reject beyond 90 %.
func DefaultConfig() Config {
	return Config{
		MaxInfidelity:  0.5,
		WarnFraction:   0.5,
		RejectFraction: 0.9,
	}
}

func (c Config) validate() error {
	switch {
	case c.MaxInfidelity <= 0 || c.MaxInfidelity > 1:
		return fmt.Errorf("max_infidelity must be in (0, 1], got %g", c.MaxInfidelity)
	case c.RejectFraction <= 0 || c.RejectFraction > 1:
		return fmt.Errorf("reject_fraction must be in (0, 1], got %g", c.RejectFraction)
	case c.WarnFraction < 0 || c.WarnFraction > c.RejectFraction:
		return fmt.Errorf("warn_fraction must be in [0, reject_fraction], got %g", c.WarnFraction)
	case c.LeakagePerPulse < 0 || c.LeakagePerPulse >= 1:
		return fmt.Errorf("leakage_per_pulse must be in [0, 1), got %g", c.LeakagePerPulse)
	case c.CrosstalkPerCoupling < 0 || c.CrosstalkPerCoupling >= 1:
		return fmt.Errorf("crosstalk_per_coupling must be in [0, 1), got %g", c.CrosstalkPerCoupling)
	}
	return nil
}

// Level grades the budget after an append.
type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelReject
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarn:
		return "warn"
	case LevelReject:
		return "reject"
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Cost is the error charged for one pulse, by category.
type Cost struct {
	Infidelity  float64 `json:"infidelity"`
	Decoherence float64 `json:"decoherence"`
	Leakage     float64 `json:"leakage"`
	Crosstalk   float64 `json:"crosstalk"`
}

// Survival returns Π(1 - c) over the categories.
func (c Cost) Survival() float64 {
	return (1 - c.Infidelity) * (1 - c.Decoherence) * (1 - c.Leakage) * (1 - c.Crosstalk)
}

func (c Cost) validate() error {
	fields := []struct {
		name string
		v    float64
	}{
		{"infidelity", c.Infidelity},
		{"decoherence", c.Decoherence},
		{"leakage", c.Leakage},
		{"crosstalk", c.Crosstalk},
	}
	for _, f := range fields {
		if math.IsNaN(f.v) || f.v < 0 || f.v >= 1 {
			return fmt.Errorf("%s cost must be in [0, 1), got %g", f.name, f.v)
		}
	}
	return nil
}

// Canonical returns the hashable form of a cost.
func (c Cost) Canonical() ir.IRObject {
	return ir.IRObject{
		"infidelity":  ir.Real(c.Infidelity),
		"decoherence": ir.Real(c.Decoherence),
		"leakage":     ir.Real(c.Leakage),
		"crosstalk":   ir.Real(c.Crosstalk),
	}
}

// ProjectedFidelity folds every category of every cost, in order.
// It is a pure function of costs, so recomputing from recorded costs always
// reproduces the running value.
func ProjectedFidelity(costs []Cost) float64 {
	f := 1.0
	for _, c := range costs {
		f *= c.Survival()
	}
	return f
}

// Budget is the running error budget of one sequence. Safe for concurrent use.
type Budget struct {
	cfg Config

	mu    sync.Mutex
	costs []Cost
}

// New creates an empty budget.
func New(cfg Config) (*Budget, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("budget config: %w", err)
	}
	return &Budget{cfg: cfg}, nil
}

// Config returns the policy the budget was created with.
func (b *Budget) Config() Config { return b.cfg }

// Estimate computes the cost of a pulse with the given gate infidelity and
// duration acting on qubits with the given coherence times.
func (b *Budget) Estimate(gateInfidelity, durationNs float64, qubits ...Coherence) Cost {
	crosstalk := 0.0
	if n := len(qubits); n > 1 && b.cfg.CrosstalkPerCoupling > 0 {
		crosstalk = 1 - math.Pow(1-b.cfg.CrosstalkPerCoupling, float64(n-1))
	}
	return Cost{
		Infidelity:  gateInfidelity,
		Decoherence: PulseDecoherenceCost(durationNs, qubits...),
		Leakage:     b.cfg.LeakagePerPulse,
		Crosstalk:   crosstalk,
	}
}

// consumedWith returns 1 - F after folding extra onto the current costs.
func (b *Budget) consumedWith(extra *Cost) float64 {
	f := ProjectedFidelity(b.costs)
	if extra != nil {
		f *= extra.Survival()
	}
	return 1 - f
}

func (b *Budget) rejectLimit() float64 { return b.cfg.RejectFraction * b.cfg.MaxInfidelity }

// CanAppend reports whether appending cost keeps consumption within the
// reject threshold. Append accepts exactly when CanAppend is true.
func (b *Budget) CanAppend(cost Cost) bool {
	if cost.validate() != nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.consumedWith(&cost) <= b.rejectLimit()
}

// CanAppendPulse is CanAppend for a single-qubit pulse described by its gate
// infidelity, duration and the qubit's T1/T2.
func (b *Budget) CanAppendPulse(gateInfidelity, durationNs, t1Ns, t2Ns float64) bool {
	return b.CanAppend(b.Estimate(gateInfidelity, durationNs, Coherence{T1Ns: t1Ns, T2Ns: t2Ns}))
}

// Append commits cost. It returns *BudgetExceededError, and commits nothing,
// when CanAppend would return false.
func (b *Budget) Append(cost Cost) (Level, error) {
	if err := cost.validate(); err != nil {
		return LevelReject, fmt.Errorf("invalid cost: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	consumed := b.consumedWith(&cost)
	if consumed > b.rejectLimit() {
		return LevelReject, &BudgetExceededError{
			Kind:      KindErrorBudget,
			Requested: consumed,
			Limit:     b.rejectLimit(),
			Qubit:     -1,
		}
	}
	b.costs = append(b.costs, cost)

	if consumed >= b.cfg.WarnFraction*b.cfg.MaxInfidelity {
		return LevelWarn, nil
	}
	return LevelOK, nil
}

// ProjectedFidelity returns the product of (1 - c) over every category of
// every appended cost.
func (b *Budget) ProjectedFidelity() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return ProjectedFidelity(b.costs)
}

// Costs returns a copy of the recorded per-pulse costs in append order.
func (b *Budget) Costs() []Cost {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Cost, len(b.costs))
	copy(out, b.costs)
	return out
}

// Snapshot returns category totals and the remaining budget.
func (b *Budget) Snapshot() ir.ErrorBudget {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Summarize(b.cfg, b.costs)
}

// Summarize computes an ErrorBudget from recorded costs.
func Summarize(cfg Config, costs []Cost) ir.ErrorBudget {
	var s ir.ErrorBudget
	for _, c := range costs {
		s.TotalInfidelity += c.Infidelity
		s.DecoherenceCost += c.Decoherence
		s.LeakageEstimate += c.Leakage
		s.CrosstalkPenalty += c.Crosstalk
	}
	s.RemainingBudget = cfg.MaxInfidelity - (1 - ProjectedFidelity(costs))
	return s
}
