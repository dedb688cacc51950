package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/pulsekern/internal/ir"
)

// marshalQubits converts a qubit list to canonical JSON TEXT for storage.
func marshalQubits(qubits []int) (string, error) {
	data, err := ir.MarshalCanonical(ir.Ints(qubits))
	if err != nil {
		return "", fmt.Errorf("marshal qubits: %w", err)
	}
	return string(data), nil
}

// unmarshalQubits parses a stored qubit list.
func unmarshalQubits(data string) ([]int, error) {
	var qubits []int
	if err := json.Unmarshal([]byte(data), &qubits); err != nil {
		return nil, fmt.Errorf("unmarshal qubits: %w", err)
	}
	return qubits, nil
}

// marshalOutcomes converts measured outcomes to JSON TEXT.
// HTML escaping is disabled so stored text matches what a consumer would hash.
func marshalOutcomes(outcomes []ir.QubitOutcome) (string, error) {
	if outcomes == nil {
		outcomes = []ir.QubitOutcome{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(outcomes); err != nil {
		return "", fmt.Errorf("marshal outcomes: %w", err)
	}
	// Encoder adds a trailing newline
	return strings.TrimSpace(buf.String()), nil
}

func unmarshalOutcomes(data string) ([]ir.QubitOutcome, error) {
	var outcomes []ir.QubitOutcome
	if err := json.Unmarshal([]byte(data), &outcomes); err != nil {
		return nil, fmt.Errorf("unmarshal outcomes: %w", err)
	}
	return outcomes, nil
}

// Timestamps are informational; stored as RFC 3339 text in UTC.
func marshalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func unmarshalTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unmarshal timestamp: %w", err)
	}
	return t, nil
}
