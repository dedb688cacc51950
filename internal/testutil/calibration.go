package testutil

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/pulsekern/internal/ir"
)

// MemoryCalibration is an in-memory calibration store.
// It satisfies calibration.Store and sequence.CoherenceSource.
type MemoryCalibration struct {
	mu     sync.Mutex
	params map[int]ir.QubitParams
	drift  []ir.DriftRecord

	// Fail, when set, is returned by Apply and RecordDrift.
	Fail error
}

// NewMemoryCalibration seeds the store with params.
func NewMemoryCalibration(params ...ir.QubitParams) *MemoryCalibration {
	m := &MemoryCalibration{params: make(map[int]ir.QubitParams, len(params))}
	for _, p := range params {
		m.params[p.Qubit] = p
	}
	return m
}

func (m *MemoryCalibration) get(q int) (ir.QubitParams, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.params[q]
	if !ok {
		return ir.QubitParams{}, fmt.Errorf("qubit %d not calibrated", q)
	}
	return p, nil
}

// T1 returns the stored T1 of a qubit.
func (m *MemoryCalibration) T1(q int) (float64, error) {
	p, err := m.get(q)
	return p.T1Ns, err
}

// T2 returns the stored T2 of a qubit.
func (m *MemoryCalibration) T2(q int) (float64, error) {
	p, err := m.get(q)
	return p.T2Ns, err
}

// Snapshot returns stored parameters in the order requested.
func (m *MemoryCalibration) Snapshot(_ context.Context, qubits []int) ([]ir.QubitParams, error) {
	out := make([]ir.QubitParams, len(qubits))
	for i, q := range qubits {
		p, err := m.get(q)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// CurrentFingerprint fingerprints the stored parameters of qubits.
func (m *MemoryCalibration) CurrentFingerprint(ctx context.Context, qubits []int) (string, error) {
	params, err := m.Snapshot(ctx, qubits)
	if err != nil {
		return "", err
	}
	return ir.Fingerprint(params), nil
}

// Apply overwrites the stored parameters of the given qubits.
func (m *MemoryCalibration) Apply(_ context.Context, params []ir.QubitParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	for _, p := range params {
		m.params[p.Qubit] = p
	}
	return nil
}

// RecordDrift appends a drift record. Sequence numbers must increase.
func (m *MemoryCalibration) RecordDrift(_ context.Context, rec ir.DriftRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Fail != nil {
		return m.Fail
	}
	if n := len(m.drift); n > 0 && rec.Seq <= m.drift[n-1].Seq {
		return fmt.Errorf("drift record seq %d does not follow %d", rec.Seq, m.drift[n-1].Seq)
	}
	rec.Qubits = slices.Clone(rec.Qubits)
	m.drift = append(m.drift, rec)
	return nil
}

// DriftHistory returns every recorded drift in append order.
func (m *MemoryCalibration) DriftHistory() []ir.DriftRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.drift)
}
