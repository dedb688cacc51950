package store

import (
	"context"
	"fmt"

	"github.com/roach88/pulsekern/internal/ir"
)

// Apply upserts qubit parameters in one transaction. Each overwrite bumps
// the qubit's revision.
func (s *Store) Apply(ctx context.Context, params []ir.QubitParams) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("apply calibration: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, p := range params {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO qubit_params
			(qubit, frequency_ghz, t1_ns, t2_ns, amp_scale, detuning_rad_per_ns)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(qubit) DO UPDATE SET
				frequency_ghz = excluded.frequency_ghz,
				t1_ns = excluded.t1_ns,
				t2_ns = excluded.t2_ns,
				amp_scale = excluded.amp_scale,
				detuning_rad_per_ns = excluded.detuning_rad_per_ns,
				revision = qubit_params.revision + 1
		`,
			p.Qubit,
			p.FrequencyGHz,
			p.T1Ns,
			p.T2Ns,
			p.AmpScale,
			p.DetuningRad,
		)
		if err != nil {
			return fmt.Errorf("apply calibration qubit %d: %w", p.Qubit, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("apply calibration: commit: %w", err)
	}
	return nil
}

// RecordDrift appends a drift record.
// Uses ON CONFLICT(id) DO NOTHING for idempotency: rewriting the same record
// is silently ignored. A different record reusing a seq is an error.
func (s *Store) RecordDrift(ctx context.Context, rec ir.DriftRecord) error {
	if rec.ID == "" {
		rec.ID = ir.DriftRecordID(rec)
	}
	qubits, err := marshalQubits(rec.Qubits)
	if err != nil {
		return fmt.Errorf("record drift: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO drift_records
		(id, scope, qubits, fingerprint_before, fingerprint_after, severity, trigger_reason, seq, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		rec.ID,
		rec.Scope,
		qubits,
		rec.FingerprintBefore,
		rec.FingerprintAfter,
		rec.Severity.String(),
		rec.TriggerReason,
		rec.Seq,
		marshalTime(rec.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("record drift: %w", err)
	}
	return nil
}

// RecordMeasurement stores a backend result. Rewriting a run is a no-op.
func (s *Store) RecordMeasurement(ctx context.Context, res ir.MeasurementResult) error {
	outcomes, err := marshalOutcomes(res.Outcomes)
	if err != nil {
		return fmt.Errorf("record measurement: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO measurements
		(run_id, backend, sequence_hash, outcomes, projected_fidelity, provenance_hash, recorded)
		VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(recorded), 0) + 1 FROM measurements))
		ON CONFLICT(run_id) DO NOTHING
	`,
		res.RunID,
		res.Backend,
		res.SequenceHash,
		outcomes,
		res.ProjectedFidelity,
		res.ProvenanceHash,
	)
	if err != nil {
		return fmt.Errorf("record measurement: %w", err)
	}
	return nil
}
