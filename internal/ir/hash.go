package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
)

// Domain prefixes for content-addressed identity.
// Version suffix enables future algorithm migration.
const (
	DomainCalibration = "pulsekern/calibration/v1"
	DomainSequence    = "pulsekern/sequence/v1"
	DomainPulse       = "pulsekern/pulse/v1"
	DomainOptimizer   = "pulsekern/optimizer/v1"
	DomainVersion     = "pulsekern/version/v1"
	DomainDrift       = "pulsekern/drift/v1"
	DomainNode        = "pulsekern/node/v1"
)

// hashWithDomain computes SHA-256 hash with domain separation.
// Format: SHA256(domain + 0x00 + data)
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// ContentHash hashes the canonical JSON form of v under a domain.
// Identical logical content always yields an identical hash.
func ContentHash(domain string, v any) (string, error) {
	canonical, err := MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("content hash %s: %w", domain, err)
	}
	return hashWithDomain(domain, canonical), nil
}

// MustContentHash is like ContentHash but panics on error.
// Use only with values built from Canonical methods, which cannot fail.
func MustContentHash(domain string, v any) string {
	h, err := ContentHash(domain, v)
	if err != nil {
		panic(err)
	}
	return h
}

// Canonical returns the hashable form of a TimePoint.
func (tp TimePoint) Canonical() IRObject {
	return IRObject{
		"nominal_ns":      Real(tp.NominalNs),
		"precision_ns":    Real(tp.PrecisionNs),
		"jitter_bound_ns": Real(tp.JitterBoundNs),
	}
}

// Canonical returns the hashable form of a constraint.
func (c TemporalConstraint) Canonical() IRObject {
	return IRObject{
		"kind":         IRString(c.Kind),
		"pulse_a":      IRString(c.PulseA),
		"pulse_b":      IRString(c.PulseB),
		"tolerance_ns": Real(c.ToleranceNs),
	}
}

// Canonical returns the hashable form of an envelope.
func (e Envelope) Canonical() IRObject {
	channels := make(IRArray, len(e.Channels))
	for i, ch := range e.Channels {
		channels[i] = IRObject{
			"name":       IRString(ch.Name),
			"qubit":      IRInt(ch.Qubit),
			"quadrature": IRString(ch.Quadrature),
			"samples":    Reals(ch.Samples),
		}
	}
	return IRObject{
		"sample_period_ns": Real(e.SamplePeriodNs),
		"channels":         channels,
	}
}

// Canonical returns the hashable form of a pulse.
func (p Pulse) Canonical() IRObject {
	obj := IRObject{
		"id":              IRString(p.ID),
		"qubits":          Ints(p.Qubits),
		"duration_ns":     Real(p.DurationNs),
		"earliest":        p.Earliest.Canonical(),
		"envelope":        p.Envelope.Canonical(),
		"gate_infidelity": Real(p.GateInfidelity),
	}
	if p.OptimizerHash != "" {
		obj["optimizer_hash"] = IRString(p.OptimizerHash)
	}
	return obj
}

// Hash returns the content hash of a pulse.
func (p Pulse) Hash() string {
	return MustContentHash(DomainPulse, p.Canonical())
}

// CalibrationCanonical returns the hashable form of a set of qubit parameters.
// Qubits are sorted so that map or slice ordering never changes the hash.
func CalibrationCanonical(params []QubitParams) IRArray {
	sorted := slices.Clone(params)
	slices.SortFunc(sorted, func(a, b QubitParams) int { return a.Qubit - b.Qubit })

	arr := make(IRArray, len(sorted))
	for i, p := range sorted {
		arr[i] = IRObject{
			"qubit":               IRInt(p.Qubit),
			"frequency_ghz":       Real(p.FrequencyGHz),
			"t1_ns":               Real(p.T1Ns),
			"t2_ns":               Real(p.T2Ns),
			"amp_scale":           Real(p.AmpScale),
			"detuning_rad_per_ns": Real(p.DetuningRad),
		}
	}
	return arr
}

// Fingerprint computes the calibration fingerprint over qubit parameters.
func Fingerprint(params []QubitParams) string {
	return MustContentHash(DomainCalibration, CalibrationCanonical(params))
}

// DriftRecordID computes the content-addressed ID of a drift record.
// Timestamp is excluded: identity is what drifted, not when it was noticed.
func DriftRecordID(r DriftRecord) string {
	return MustContentHash(DomainDrift, IRObject{
		"scope":              IRString(r.Scope),
		"qubits":             Ints(r.Qubits),
		"fingerprint_before": IRString(r.FingerprintBefore),
		"fingerprint_after":  IRString(r.FingerprintAfter),
		"severity":           IRString(r.Severity.String()),
		"trigger_reason":     IRString(r.TriggerReason),
		"seq":                IRInt(r.Seq),
	})
}

// NodeHash combines child hashes with node content. A node's hash is a pure
// function of its children and its own content; nodes are never mutated.
func NodeHash(content string, children ...string) string {
	return MustContentHash(DomainNode, IRObject{
		"content":  IRString(content),
		"children": Strings(children),
	})
}
