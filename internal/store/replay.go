package store

import (
	"context"
	"fmt"
	"slices"

	"github.com/roach88/pulsekern/internal/ir"
)

// ScopeState summarizes a calibration scope for recovery after a restart.
type ScopeState struct {
	Scope   string
	Qubits  []int
	Records []ir.DriftRecord
	LastSeq int64
	// Fingerprint is the fingerprint of the currently stored parameters.
	Fingerprint string
	// Consistent is false when the stored parameters no longer match the
	// latest record's FingerprintAfter: the process stopped between
	// applying a calibration and recording it, or parameters were edited
	// out of band. A scope with no history is consistent.
	Consistent bool
}

// GetScopeState replays the drift history of a scope and checks it against
// the stored parameters.
func (s *Store) GetScopeState(ctx context.Context, scope string, qubits []int) (ScopeState, error) {
	state := ScopeState{Scope: scope, Qubits: slices.Clone(qubits), Consistent: true}

	records, err := s.DriftHistory(ctx, scope)
	if err != nil {
		return state, fmt.Errorf("get scope state: %w", err)
	}
	state.Records = records

	fp, err := s.CurrentFingerprint(ctx, qubits)
	if err != nil {
		return state, fmt.Errorf("get scope state: %w", err)
	}
	state.Fingerprint = fp

	if n := len(records); n > 0 {
		last := records[n-1]
		state.LastSeq = last.Seq
		state.Consistent = last.FingerprintAfter == fp
	}
	return state, nil
}
