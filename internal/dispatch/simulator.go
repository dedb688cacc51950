package dispatch

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/roach88/pulsekern/internal/budget"
	"github.com/roach88/pulsekern/internal/ir"
)

// SimulatorName is the registry name of the built-in simulator.
const SimulatorName = "simulator"

// Simulator is a deterministic noise-model backend. Each qubit's fidelity is
// the product of its share of every gate error and the decoherence it
// accumulates while driven, optionally extended with idle decay up to the
// makespan. With idle decay off and Degrade zero the product over qubits
// equals the sequence's projected fidelity.
//
// Simulator also stands in for hardware characterization: it holds the
// device's true qubit parameters and satisfies calibration.Measurer.
type Simulator struct {
	// IdleDecoherence charges qubits for time spent waiting before the
	// makespan.
	IdleDecoherence bool
	// Degrade is an extra per-qubit infidelity applied to every outcome.
	Degrade float64
	// Seed drives shot sampling.
	Seed uint64

	mu     sync.Mutex
	device map[int]ir.QubitParams
}

// NewSimulator returns a simulator whose device has the given parameters.
func NewSimulator(device ...ir.QubitParams) *Simulator {
	s := &Simulator{device: make(map[int]ir.QubitParams, len(device))}
	s.SetDevice(device...)
	return s
}

// SetDevice overwrites the device's true parameters. Use it to inject drift.
func (s *Simulator) SetDevice(params ...ir.QubitParams) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range params {
		s.device[p.Qubit] = p
	}
}

func (s *Simulator) Name() string { return SimulatorName }

func (s *Simulator) Capabilities() Capabilities {
	s.mu.Lock()
	defer s.mu.Unlock()
	maxQ := 0
	for q := range s.device {
		maxQ = max(maxQ, q+1)
	}
	return Capabilities{MaxQubits: maxQ, Simulated: true}
}

// Measure returns the device's true parameters for qubits.
func (s *Simulator) Measure(ctx context.Context, qubits []int) ([]ir.QubitParams, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ir.QubitParams, len(qubits))
	for i, q := range qubits {
		p, ok := s.device[q]
		if !ok {
			return nil, fmt.Errorf("simulator: qubit %d not on device", q)
		}
		out[i] = p
	}
	return out, nil
}

// Execute runs the job through the noise model.
func (s *Simulator) Execute(ctx context.Context, job Job) (*ir.MeasurementResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if job.Schedule == nil {
		return nil, fmt.Errorf("simulator: job %s has no schedule", job.RunID)
	}

	coh, err := s.coherence(job)
	if err != nil {
		return nil, err
	}

	fid := make(map[int]float64)
	busy := make(map[int]float64)
	for _, sp := range job.Schedule.Pulses {
		p := sp.Pulse
		share := math.Pow(1-p.GateInfidelity, 1/float64(len(p.Qubits)))
		for _, q := range p.Qubits {
			if _, ok := fid[q]; !ok {
				fid[q] = 1
			}
			c := coh[q]
			fid[q] *= share * (1 - budget.DecoherenceCost(p.DurationNs, c.T1Ns, c.T2Ns))
			busy[q] += p.DurationNs
		}
	}

	rng := rand.New(rand.NewPCG(s.Seed, s.Seed^0x5851f42d4c957f2d))
	qubits := job.Qubits()
	outcomes := make([]ir.QubitOutcome, len(qubits))
	for i, q := range qubits {
		f := fid[q]
		if s.IdleDecoherence {
			idle := job.Schedule.MakespanNs - busy[q]
			f *= 1 - budget.DecoherenceCost(idle, coh[q].T1Ns, coh[q].T2Ns)
		}
		f *= 1 - s.Degrade
		outcomes[i] = ir.QubitOutcome{Qubit: q, Fidelity: f, P1: sampleP1((1-f)/2, job.Shots, rng)}
	}

	res := &ir.MeasurementResult{
		RunID:        job.RunID,
		Backend:      SimulatorName,
		SequenceHash: job.Schedule.SequenceHash,
		Outcomes:     outcomes,
	}
	return res, nil
}

// coherence resolves T1/T2 from the job's calibration, falling back to the
// device for qubits the job does not describe.
func (s *Simulator) coherence(job Job) (map[int]budget.Coherence, error) {
	out := make(map[int]budget.Coherence)
	for _, p := range job.Calibration {
		out[p.Qubit] = budget.Coherence{T1Ns: p.T1Ns, T2Ns: p.T2Ns}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, q := range job.Qubits() {
		if _, ok := out[q]; ok {
			continue
		}
		p, ok := s.device[q]
		if !ok {
			return nil, fmt.Errorf("simulator: qubit %d not on device", q)
		}
		out[q] = budget.Coherence{T1Ns: p.T1Ns, T2Ns: p.T2Ns}
	}
	return out, nil
}

// sampleP1 estimates an excited-state population from shots. Zero shots
// returns the exact value.
func sampleP1(p float64, shots int, rng *rand.Rand) float64 {
	if shots <= 0 {
		return p
	}
	hits := 0
	for range shots {
		if rng.Float64() < p {
			hits++
		}
	}
	return float64(hits) / float64(shots)
}

// MeasuredFidelity combines per-qubit outcome fidelities into one number.
func MeasuredFidelity(res *ir.MeasurementResult) float64 {
	f := 1.0
	for _, o := range res.Outcomes {
		f *= o.Fidelity
	}
	return f
}
