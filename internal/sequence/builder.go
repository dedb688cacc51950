// Package sequence assembles optimized pulses into a validated sequence.
//
// A Builder accepts pulses through an append-validate-commit protocol: every
// check runs against a tentative state and nothing is committed unless all
// of them pass. The checks run in a fixed order:
//
//  1. AWG alignment of the requested start time
//  2. constraint consistency
//  3. decoherence budget
//  4. error budget
//
// Freeze hands the sequence to the scheduler. After Freeze the builder
// rejects every append with ErrFrozen.
package sequence

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sort"
	"sync"

	"github.com/roach88/pulsekern/internal/budget"
	"github.com/roach88/pulsekern/internal/ir"
)

// CoherenceSource supplies live T1/T2 values, normally the calibration store.
type CoherenceSource interface {
	T1(qubit int) (float64, error)
	T2(qubit int) (float64, error)
}

// Warning codes attached to accepted appends.
const (
	WarnAutoRounded       = "W001" // start rounded onto the AWG grid
	WarnDecoherenceSoft   = "W002" // decoherence above the soft ceiling
	WarnErrorBudgetMargin = "W003" // error budget past the warn threshold
)

// Warning is a non-fatal finding on an accepted append.
type Warning struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// AppendResult describes a committed append.
type AppendResult struct {
	// Pulse is the pulse as committed, with its start rounded onto the grid.
	Pulse       ir.Pulse
	Cost        budget.Cost
	Level       budget.Level
	Warnings    []Warning
	Decoherence ir.DecoherenceBudget
}

// Builder is the single writer of one pulse sequence.
type Builder struct {
	cfg       Config
	coherence CoherenceSource
	budget    *budget.Budget

	mu          sync.Mutex
	pulses      []ir.Pulse
	durations   map[string]float64
	constraints []ir.TemporalConstraint
	active      map[int]float64
	coh         map[int]budget.Coherence // as of each qubit's last commit
	frozen      *Frozen
}

// NewBuilder creates an empty builder. The budget must be fresh and is owned
// by the builder from now on.
func NewBuilder(cfg Config, coherence CoherenceSource, b *budget.Budget) (*Builder, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("sequence config: %w", err)
	}
	if coherence == nil {
		return nil, fmt.Errorf("sequence: coherence source is required")
	}
	if b == nil {
		return nil, fmt.Errorf("sequence: error budget is required")
	}
	return &Builder{
		cfg:       cfg,
		coherence: coherence,
		budget:    b,
		durations: make(map[string]float64),
		active:    make(map[int]float64),
		coh:       make(map[int]budget.Coherence),
	}, nil
}

// pending is a validated append that has not been committed yet.
type pending struct {
	pulse    ir.Pulse
	warnings []Warning
	active   map[int]float64
	coh      map[int]budget.Coherence
	cost     budget.Cost
}

// Append validates p with its constraints and commits both if every check passes.
func (b *Builder) Append(p ir.Pulse, constraints ...ir.TemporalConstraint) (*AppendResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	pend, err := b.prepare(p, constraints)
	if err != nil {
		slog.Debug("pulse rejected", "pulse", p.ID, "error", err)
		return nil, err
	}

	level, err := b.budget.Append(pend.cost)
	if err != nil {
		// prepare already asked CanAppend; only another writer on the
		// budget can change the answer.
		return nil, fmt.Errorf("pulse %s: %w", p.ID, err)
	}
	if level == budget.LevelWarn {
		pend.warnings = append(pend.warnings, Warning{
			Code:    WarnErrorBudgetMargin,
			Message: fmt.Sprintf("projected fidelity %.6f past the warn threshold", b.budget.ProjectedFidelity()),
		})
	}

	// commit
	p = pend.pulse
	b.pulses = append(b.pulses, p)
	b.durations[p.ID] = p.DurationNs
	b.constraints = append(b.constraints, constraints...)
	for q, a := range pend.active {
		b.active[q] = a
	}
	for q, c := range pend.coh {
		b.coh[q] = c
	}

	for _, w := range pend.warnings {
		slog.Warn("pulse appended with warning", "pulse", p.ID, "code", w.Code, "message", w.Message)
	}
	slog.Debug("pulse appended",
		"pulse", p.ID,
		"qubits", p.Qubits,
		"start_ns", p.Earliest.NominalNs,
		"projected_fidelity", b.budget.ProjectedFidelity(),
	)
	return &AppendResult{
		Pulse:       p,
		Cost:        pend.cost,
		Level:       level,
		Warnings:    pend.warnings,
		Decoherence: b.decoherenceSnapshot(),
	}, nil
}

// CanAppend reports whether Append would accept p right now, returning the
// error Append would return. Nothing is committed.
func (b *Builder) CanAppend(p ir.Pulse, constraints ...ir.TemporalConstraint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, err := b.prepare(p, constraints)
	return err
}

// prepare runs every check in order against a tentative state.
func (b *Builder) prepare(p ir.Pulse, constraints []ir.TemporalConstraint) (*pending, error) {
	if b.frozen != nil {
		return nil, ErrFrozen
	}
	if err := b.checkPulse(p); err != nil {
		return nil, err
	}
	p.Qubits = slices.Clone(p.Qubits)
	pend := &pending{}

	// 1. AWG alignment
	p, warn, err := b.align(p)
	if err != nil {
		return nil, err
	}
	if warn != nil {
		pend.warnings = append(pend.warnings, *warn)
	}
	pend.pulse = p

	// 2. constraint consistency
	durations := make(map[string]float64, len(b.durations)+1)
	for id, d := range b.durations {
		durations[id] = d
	}
	durations[p.ID] = p.DurationNs
	if err := checkConstraints(b.constraints, constraints, durations); err != nil {
		return nil, err
	}

	// 3. decoherence budget
	coh, err := b.lookupCoherence(p.Qubits)
	if err != nil {
		return nil, err
	}
	pend.coh = coh
	pend.active = make(map[int]float64, len(p.Qubits))
	for _, q := range p.Qubits {
		pend.active[q] = b.active[q] + p.DurationNs
	}
	fraction, worst := decoherenceFraction(p.Qubits, pend.active, coh)
	if fraction > b.cfg.DecoherenceHardFraction {
		return nil, &budget.BudgetExceededError{
			Kind:      budget.KindDecoherence,
			Requested: fraction,
			Limit:     b.cfg.DecoherenceHardFraction,
			Qubit:     worst,
			PulseID:   p.ID,
		}
	}
	if fraction > b.cfg.DecoherenceSoftFraction {
		pend.warnings = append(pend.warnings, Warning{
			Code: WarnDecoherenceSoft,
			Message: fmt.Sprintf("qubit %d at %.3f of min T2 exceeds soft ceiling %.3f",
				worst, fraction, b.cfg.DecoherenceSoftFraction),
		})
	}

	// 4. error budget
	qc := make([]budget.Coherence, len(p.Qubits))
	for i, q := range p.Qubits {
		qc[i] = coh[q]
	}
	pend.cost = b.budget.Estimate(p.GateInfidelity, p.DurationNs, qc...)
	if !b.budget.CanAppend(pend.cost) {
		return nil, b.errorBudgetExceeded(p.ID, pend.cost)
	}
	return pend, nil
}

func (b *Builder) errorBudgetExceeded(id string, cost budget.Cost) error {
	cfg := b.budget.Config()
	return &budget.BudgetExceededError{
		Kind:      budget.KindErrorBudget,
		Requested: 1 - b.budget.ProjectedFidelity()*cost.Survival(),
		Limit:     cfg.RejectFraction * cfg.MaxInfidelity,
		Qubit:     -1,
		PulseID:   id,
	}
}

func (b *Builder) checkPulse(p ir.Pulse) error {
	switch {
	case p.ID == "":
		return fmt.Errorf("%w: pulse ID is required", ErrInvalidPulse)
	case len(p.Qubits) == 0:
		return fmt.Errorf("%w: pulse %s has no qubits", ErrInvalidPulse, p.ID)
	case p.DurationNs <= 0 || math.IsNaN(p.DurationNs) || math.IsInf(p.DurationNs, 0):
		return fmt.Errorf("%w: pulse %s duration must be positive, got %g", ErrInvalidPulse, p.ID, p.DurationNs)
	case p.GateInfidelity < 0 || p.GateInfidelity >= 1:
		return fmt.Errorf("%w: pulse %s gate infidelity must be in [0, 1), got %g", ErrInvalidPulse, p.ID, p.GateInfidelity)
	}
	if _, dup := b.durations[p.ID]; dup {
		return fmt.Errorf("%w: duplicate pulse ID %s", ErrInvalidPulse, p.ID)
	}
	seen := make(map[int]bool, len(p.Qubits))
	for _, q := range p.Qubits {
		if seen[q] {
			return fmt.Errorf("%w: pulse %s lists qubit %d twice", ErrInvalidPulse, p.ID, q)
		}
		seen[q] = true
	}
	if len(p.Envelope.Channels) > 0 {
		if d := p.Envelope.DurationNs(); math.Abs(d-p.DurationNs) > timingEps {
			return fmt.Errorf("%w: pulse %s envelope lasts %gns, duration is %gns", ErrInvalidPulse, p.ID, d, p.DurationNs)
		}
	}
	return nil
}

// onTick reports whether x is an integer multiple of the clock tick.
func (b *Builder) onTick(x float64) bool {
	n := math.Round(x / b.cfg.ClockTickNs)
	return math.Abs(n*b.cfg.ClockTickNs-x) <= timingEps
}

// align rounds the requested start onto its precision grid.
func (b *Builder) align(p ir.Pulse) (ir.Pulse, *Warning, error) {
	tp := p.Earliest
	if tp.PrecisionNs == 0 {
		tp.PrecisionNs = b.cfg.ClockTickNs
	}
	if tp.PrecisionNs < 0 || !b.onTick(tp.PrecisionNs) {
		return p, nil, &AlignmentError{
			PulseID: p.ID, NominalNs: tp.NominalNs, PrecisionNs: tp.PrecisionNs,
			Reason: fmt.Sprintf("precision %gns is not a positive multiple of the %gns clock tick", tp.PrecisionNs, b.cfg.ClockTickNs),
		}
	}
	if tp.NominalNs < 0 {
		return p, nil, &AlignmentError{
			PulseID: p.ID, NominalNs: tp.NominalNs, PrecisionNs: tp.PrecisionNs,
			Reason: "requested start is negative",
		}
	}
	if !b.onTick(p.DurationNs) {
		return p, nil, &AlignmentError{
			PulseID: p.ID, NominalNs: tp.NominalNs, PrecisionNs: tp.PrecisionNs,
			Reason: fmt.Sprintf("duration %gns is not a multiple of the %gns clock tick", p.DurationNs, b.cfg.ClockTickNs),
		}
	}

	rounded, roundErr := tp.Rounded()
	p.Earliest = rounded
	if roundErr <= b.cfg.AlignmentToleranceNs+timingEps {
		return p, nil, nil
	}
	if b.cfg.AlignmentPolicy == PolicyAutoRound {
		return p, &Warning{
			Code: WarnAutoRounded,
			Message: fmt.Sprintf("start %gns rounded to %gns (error %.3gns)",
				tp.NominalNs, rounded.NominalNs, roundErr),
		}, nil
	}
	return p, nil, &AlignmentError{
		PulseID:     p.ID,
		NominalNs:   tp.NominalNs,
		PrecisionNs: tp.PrecisionNs,
		RoundedNs:   rounded.NominalNs,
		ErrorNs:     roundErr,
		ToleranceNs: b.cfg.AlignmentToleranceNs,
	}
}

// lookupCoherence reads live T1/T2 for qubits. Values are read on every
// check so a long-lived builder follows recalibration.
func (b *Builder) lookupCoherence(qubits []int) (map[int]budget.Coherence, error) {
	out := make(map[int]budget.Coherence, len(qubits))
	for _, q := range qubits {
		t1, err := b.coherence.T1(q)
		if err != nil {
			return nil, fmt.Errorf("T1 of qubit %d: %w", q, err)
		}
		t2, err := b.coherence.T2(q)
		if err != nil {
			return nil, fmt.Errorf("T2 of qubit %d: %w", q, err)
		}
		if t2 <= 0 {
			return nil, fmt.Errorf("T2 of qubit %d must be positive, got %g", q, t2)
		}
		out[q] = budget.Coherence{T1Ns: t1, T2Ns: t2}
	}
	return out, nil
}

// decoherenceFraction returns max active(q) / min T2(q) over qubits, and the
// qubit with the most active time.
func decoherenceFraction(qubits []int, active map[int]float64, coh map[int]budget.Coherence) (float64, int) {
	maxActive, minT2 := 0.0, math.Inf(1)
	worst := qubits[0]
	for _, q := range qubits {
		if active[q] > maxActive {
			maxActive, worst = active[q], q
		}
		minT2 = math.Min(minT2, coh[q].T2Ns)
	}
	return maxActive / minT2, worst
}

func (b *Builder) decoherenceSnapshot() ir.DecoherenceBudget {
	qubits := make([]int, 0, len(b.active))
	for q := range b.active {
		qubits = append(qubits, q)
	}
	sort.Ints(qubits)

	var snap ir.DecoherenceBudget
	for _, q := range qubits {
		c := b.coh[q]
		qc := ir.QubitCoherence{Qubit: q, T1Ns: c.T1Ns, T2Ns: c.T2Ns, ActiveNs: b.active[q]}
		snap.Qubits = append(snap.Qubits, qc)
		snap.FractionConsumed = math.Max(snap.FractionConsumed, qc.Fraction())
	}
	return snap
}

// Decoherence returns the live decoherence snapshot.
func (b *Builder) Decoherence() ir.DecoherenceBudget {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.decoherenceSnapshot()
}

// ErrorBudget returns the live error budget snapshot.
func (b *Builder) ErrorBudget() ir.ErrorBudget { return b.budget.Snapshot() }

// Len returns the number of committed pulses.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pulses)
}

// Freeze makes the sequence immutable and returns its read-only view.
// Calling Freeze again returns the same view.
func (b *Builder) Freeze() *Frozen {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen == nil {
		b.frozen = &Frozen{
			clockTickNs: b.cfg.ClockTickNs,
			pulses:      slices.Clone(b.pulses),
			constraints: slices.Clone(b.constraints),
			decoherence: b.decoherenceSnapshot(),
			costs:       b.budget.Costs(),
			budgetCfg:   b.budget.Config(),
		}
		slog.Info("sequence frozen",
			"pulses", len(b.pulses),
			"constraints", len(b.constraints),
			"projected_fidelity", b.frozen.ProjectedFidelity(),
		)
	}
	return b.frozen
}
