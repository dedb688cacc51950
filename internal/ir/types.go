package ir

import (
	"fmt"
	"math"
	"time"
)

// TimePoint is a position on an AWG clock grid.
//
// A TimePoint is aligned when NominalNs is an integer multiple of PrecisionNs.
// JitterBoundNs is the worst-case deviation the hardware may introduce; it is
// carried for downstream tooling and never changes scheduling decisions.
type TimePoint struct {
	NominalNs     float64 `json:"nominal_ns" yaml:"nominal_ns"`
	PrecisionNs   float64 `json:"precision_ns" yaml:"precision_ns"`
	JitterBoundNs float64 `json:"jitter_bound_ns" yaml:"jitter_bound_ns"`
}

// alignEpsilonNs absorbs float noise when testing grid membership.
const alignEpsilonNs = 1e-9

// Rounded returns the nearest grid point and the absolute rounding error.
func (tp TimePoint) Rounded() (TimePoint, float64) {
	if tp.PrecisionNs <= 0 {
		return tp, 0
	}
	steps := math.Round(tp.NominalNs / tp.PrecisionNs)
	aligned := tp
	aligned.NominalNs = steps * tp.PrecisionNs
	return aligned, math.Abs(aligned.NominalNs - tp.NominalNs)
}

// IsAligned reports whether NominalNs sits on the precision grid.
func (tp TimePoint) IsAligned() bool {
	_, err := tp.Rounded()
	return err <= alignEpsilonNs
}

// ConstraintKind names a temporal relationship between two pulses.
type ConstraintKind string

const (
	// Simultaneous: |start_a - start_b| <= tolerance.
	Simultaneous ConstraintKind = "simultaneous"
	// Sequential: b starts no earlier than a ends.
	Sequential ConstraintKind = "sequential"
	// Aligned: a and b end together, |end_a - end_b| <= tolerance.
	Aligned ConstraintKind = "aligned"
	// MaxDelay: b starts after a ends, at most tolerance later.
	MaxDelay ConstraintKind = "max_delay"
)

// ValidConstraintKinds defines allowed constraint kinds.
var ValidConstraintKinds = map[ConstraintKind]bool{
	Simultaneous: true,
	Sequential:   true,
	Aligned:      true,
	MaxDelay:     true,
}

// TemporalConstraint relates the timing of two pulses by ID.
type TemporalConstraint struct {
	Kind        ConstraintKind `json:"kind" yaml:"kind"`
	PulseA      string         `json:"pulse_a" yaml:"pulse_a"`
	PulseB      string         `json:"pulse_b" yaml:"pulse_b"`
	ToleranceNs float64        `json:"tolerance_ns" yaml:"tolerance_ns"`
}

// String renders the constraint for error messages and logs.
func (c TemporalConstraint) String() string {
	if c.ToleranceNs != 0 {
		return fmt.Sprintf("%s(%s,%s,tol=%gns)", c.Kind, c.PulseA, c.PulseB, c.ToleranceNs)
	}
	return fmt.Sprintf("%s(%s,%s)", c.Kind, c.PulseA, c.PulseB)
}

// Symmetric reports whether swapping PulseA and PulseB leaves the meaning unchanged.
func (c TemporalConstraint) Symmetric() bool {
	return c.Kind == Simultaneous || c.Kind == Aligned
}

// Quadrature identifies the in-phase or quadrature drive component.
type Quadrature string

const (
	QuadratureI Quadrature = "I"
	QuadratureQ Quadrature = "Q"
)

// Channel is one piecewise-constant drive waveform.
type Channel struct {
	Name       string     `json:"name"`
	Qubit      int        `json:"qubit"`
	Quadrature Quadrature `json:"quadrature"`
	Samples    []float64  `json:"samples"` // rad/ns per sample
}

// Envelope is a set of I/Q drive channels sharing one sample period.
type Envelope struct {
	SamplePeriodNs float64   `json:"sample_period_ns"`
	Channels       []Channel `json:"channels"`
}

// DurationNs returns the envelope length.
func (e Envelope) DurationNs() float64 {
	if len(e.Channels) == 0 {
		return 0
	}
	return e.SamplePeriodNs * float64(len(e.Channels[0].Samples))
}

// Pulse is a pulse-in-progress: an envelope bound to qubits with a requested
// earliest start. The scheduler assigns the actual start.
type Pulse struct {
	ID             string    `json:"id"`
	Qubits         []int     `json:"qubits"`
	DurationNs     float64   `json:"duration_ns"`
	Earliest       TimePoint `json:"earliest"`
	Envelope       Envelope  `json:"envelope"`
	GateInfidelity float64   `json:"gate_infidelity"`
	OptimizerHash  string    `json:"optimizer_hash,omitempty"`
}

// ScheduledPulse binds a pulse to an assigned start time.
// Produced only by the scheduler.
type ScheduledPulse struct {
	Pulse Pulse     `json:"pulse"`
	Start TimePoint `json:"start"`
}

// EndNs returns the assigned end time.
func (sp ScheduledPulse) EndNs() float64 {
	return sp.Start.NominalNs + sp.Pulse.DurationNs
}

// QubitCoherence is the live coherence state of one qubit in a sequence.
type QubitCoherence struct {
	Qubit    int     `json:"qubit"`
	T1Ns     float64 `json:"t1_ns"`
	T2Ns     float64 `json:"t2_ns"`
	ActiveNs float64 `json:"active_ns"`
}

// Fraction returns active time as a fraction of T2.
func (q QubitCoherence) Fraction() float64 {
	if q.T2Ns <= 0 {
		return 0
	}
	return q.ActiveNs / q.T2Ns
}

// DecoherenceBudget is a snapshot of per-qubit coherence consumption.
type DecoherenceBudget struct {
	Qubits           []QubitCoherence `json:"qubits"`
	FractionConsumed float64          `json:"fraction_consumed"`
}

// ErrorBudget is a snapshot of cumulative error cost.
type ErrorBudget struct {
	TotalInfidelity  float64 `json:"total_infidelity"`
	DecoherenceCost  float64 `json:"decoherence_cost"`
	LeakageEstimate  float64 `json:"leakage_estimate"`
	CrosstalkPenalty float64 `json:"crosstalk_penalty"`
	RemainingBudget  float64 `json:"remaining_budget"`
}

// Severity grades how far calibration has drifted.
type Severity int

const (
	SeverityNone Severity = iota
	SeverityMinor
	SeverityModerate
	SeverityMajor
	SeverityCritical
)

var severityNames = [...]string{"none", "minor", "moderate", "major", "critical"}

func (s Severity) String() string {
	if s < 0 || int(s) >= len(severityNames) {
		return fmt.Sprintf("severity(%d)", int(s))
	}
	return severityNames[s]
}

// ParseSeverity maps a severity name back to its level.
func ParseSeverity(name string) (Severity, error) {
	for i, n := range severityNames {
		if n == name {
			return Severity(i), nil
		}
	}
	return SeverityNone, fmt.Errorf("unknown severity %q", name)
}

// MarshalText encodes the severity by name for JSON and YAML.
func (s Severity) MarshalText() ([]byte, error) {
	if s < 0 || int(s) >= len(severityNames) {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(text []byte) error {
	v, err := ParseSeverity(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// QubitParams are the calibrated parameters of one qubit.
type QubitParams struct {
	Qubit        int     `json:"qubit" yaml:"qubit"`
	FrequencyGHz float64 `json:"frequency_ghz" yaml:"frequency_ghz"`
	T1Ns         float64 `json:"t1_ns" yaml:"t1_ns"`
	T2Ns         float64 `json:"t2_ns" yaml:"t2_ns"`
	AmpScale     float64 `json:"amp_scale" yaml:"amp_scale"`
	DetuningRad  float64 `json:"detuning_rad_per_ns" yaml:"detuning_rad_per_ns"`
}

// DriftRecord is an append-only calibration history entry.
// Never mutated after creation.
type DriftRecord struct {
	ID                string    `json:"id"` // Content-addressed hash
	Scope             string    `json:"scope"`
	Qubits            []int     `json:"qubits"`
	FingerprintBefore string    `json:"fingerprint_before"`
	FingerprintAfter  string    `json:"fingerprint_after"`
	Severity          Severity  `json:"severity"`
	TriggerReason     string    `json:"trigger_reason"`
	Seq               int64     `json:"seq"`       // Logical clock
	Timestamp         time.Time `json:"timestamp"` // Informational only, never used for ordering
}

// QubitOutcome is the measured outcome for one qubit.
type QubitOutcome struct {
	Qubit    int     `json:"qubit"`
	P1       float64 `json:"p1"`
	Fidelity float64 `json:"fidelity"`
}

// MeasurementResult is returned asynchronously by a backend.
// Optional fields stay optional on the wire for older producers and consumers.
type MeasurementResult struct {
	RunID             string         `json:"run_id"`
	Backend           string         `json:"backend"`
	SequenceHash      string         `json:"sequence_hash"`
	Outcomes          []QubitOutcome `json:"outcomes"`
	ProjectedFidelity *float64       `json:"projected_fidelity,omitempty"`
	ProvenanceHash    *string        `json:"provenance_hash,omitempty"`
}
