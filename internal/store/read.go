package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/pulsekern/internal/ir"
)

// ErrNotCalibrated is returned for qubits with no stored parameters.
var ErrNotCalibrated = errors.New("qubit not calibrated")

// ErrNotFound is returned for unknown measurement run IDs.
var ErrNotFound = errors.New("not found")

type rowScanner interface {
	Scan(dest ...any) error
}

func scanParams(row rowScanner) (ir.QubitParams, error) {
	var p ir.QubitParams
	err := row.Scan(&p.Qubit, &p.FrequencyGHz, &p.T1Ns, &p.T2Ns, &p.AmpScale, &p.DetuningRad)
	return p, err
}

// Param returns the stored parameters of one qubit.
func (s *Store) Param(ctx context.Context, qubit int) (ir.QubitParams, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT qubit, frequency_ghz, t1_ns, t2_ns, amp_scale, detuning_rad_per_ns
		FROM qubit_params
		WHERE qubit = ?
	`, qubit)
	p, err := scanParams(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ir.QubitParams{}, fmt.Errorf("qubit %d: %w", qubit, ErrNotCalibrated)
	}
	if err != nil {
		return ir.QubitParams{}, fmt.Errorf("read qubit %d: %w", qubit, err)
	}
	return p, nil
}

// T1 returns the stored T1 of a qubit.
func (s *Store) T1(qubit int) (float64, error) {
	p, err := s.Param(context.Background(), qubit)
	return p.T1Ns, err
}

// T2 returns the stored T2 of a qubit.
func (s *Store) T2(qubit int) (float64, error) {
	p, err := s.Param(context.Background(), qubit)
	return p.T2Ns, err
}

// Snapshot returns the stored parameters of qubits in the order requested.
func (s *Store) Snapshot(ctx context.Context, qubits []int) ([]ir.QubitParams, error) {
	out := make([]ir.QubitParams, len(qubits))
	for i, q := range qubits {
		p, err := s.Param(ctx, q)
		if err != nil {
			return nil, err
		}
		out[i] = p
	}
	return out, nil
}

// Params returns every stored qubit, ordered by qubit index.
// Returns an empty slice (not nil) if nothing is calibrated.
func (s *Store) Params(ctx context.Context) ([]ir.QubitParams, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT qubit, frequency_ghz, t1_ns, t2_ns, amp_scale, detuning_rad_per_ns
		FROM qubit_params
		ORDER BY qubit ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query qubit params: %w", err)
	}
	defer rows.Close()

	params := []ir.QubitParams{}
	for rows.Next() {
		p, err := scanParams(rows)
		if err != nil {
			return nil, fmt.Errorf("scan qubit params: %w", err)
		}
		params = append(params, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate qubit params: %w", err)
	}
	return params, nil
}

// CurrentFingerprint fingerprints the stored parameters of qubits.
func (s *Store) CurrentFingerprint(ctx context.Context, qubits []int) (string, error) {
	params, err := s.Snapshot(ctx, qubits)
	if err != nil {
		return "", err
	}
	return ir.Fingerprint(params), nil
}

// DriftHistory returns drift records for a scope, or for every scope when
// scope is empty, ordered by seq ASC, id ASC COLLATE BINARY.
// Returns an empty slice (not nil) if no records exist.
func (s *Store) DriftHistory(ctx context.Context, scope string) ([]ir.DriftRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, scope, qubits, fingerprint_before, fingerprint_after, severity, trigger_reason, seq, timestamp
		FROM drift_records
		WHERE ? = '' OR scope = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, scope, scope)
	if err != nil {
		return nil, fmt.Errorf("query drift records: %w", err)
	}
	defer rows.Close()

	records := []ir.DriftRecord{}
	for rows.Next() {
		rec, err := scanDriftRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drift records: %w", err)
	}
	return records, nil
}

func scanDriftRecord(row rowScanner) (ir.DriftRecord, error) {
	var (
		rec               ir.DriftRecord
		qubits, sev, when string
	)
	err := row.Scan(
		&rec.ID,
		&rec.Scope,
		&qubits,
		&rec.FingerprintBefore,
		&rec.FingerprintAfter,
		&sev,
		&rec.TriggerReason,
		&rec.Seq,
		&when,
	)
	if err != nil {
		return rec, fmt.Errorf("scan drift record: %w", err)
	}
	if rec.Qubits, err = unmarshalQubits(qubits); err != nil {
		return rec, err
	}
	if rec.Severity, err = ir.ParseSeverity(sev); err != nil {
		return rec, fmt.Errorf("drift record %s: %w", rec.ID, err)
	}
	if rec.Timestamp, err = unmarshalTime(when); err != nil {
		return rec, err
	}
	return rec, nil
}

// LastDriftSeq returns the highest recorded seq, or 0 for an empty history.
// Seed the calibration clock with it so new records keep increasing.
func (s *Store) LastDriftSeq(ctx context.Context) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM drift_records`).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("read last drift seq: %w", err)
	}
	return seq, nil
}

const measurementColumns = `run_id, backend, sequence_hash, outcomes, projected_fidelity, provenance_hash`

func scanMeasurement(row rowScanner) (ir.MeasurementResult, error) {
	var (
		res       ir.MeasurementResult
		outcomes  string
		projected sql.NullFloat64
		prov      sql.NullString
	)
	if err := row.Scan(&res.RunID, &res.Backend, &res.SequenceHash, &outcomes, &projected, &prov); err != nil {
		return res, err
	}
	var err error
	if res.Outcomes, err = unmarshalOutcomes(outcomes); err != nil {
		return res, err
	}
	if projected.Valid {
		res.ProjectedFidelity = &projected.Float64
	}
	if prov.Valid {
		res.ProvenanceHash = &prov.String
	}
	return res, nil
}

// ReadMeasurement returns the measurement of one run.
func (s *Store) ReadMeasurement(ctx context.Context, runID string) (ir.MeasurementResult, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+measurementColumns+` FROM measurements WHERE run_id = ?`, runID)
	res, err := scanMeasurement(row)
	if errors.Is(err, sql.ErrNoRows) {
		return res, fmt.Errorf("measurement %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return res, fmt.Errorf("read measurement %s: %w", runID, err)
	}
	return res, nil
}

// Measurements returns every run of a sequence in the order recorded.
// Returns an empty slice (not nil) if none exist.
func (s *Store) Measurements(ctx context.Context, sequenceHash string) ([]ir.MeasurementResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+measurementColumns+`
		FROM measurements
		WHERE sequence_hash = ?
		ORDER BY recorded ASC, run_id COLLATE BINARY ASC
	`, sequenceHash)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rows.Close()

	out := []ir.MeasurementResult{}
	for rows.Next() {
		res, err := scanMeasurement(rows)
		if err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		out = append(out, res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate measurements: %w", err)
	}
	return out, nil
}
