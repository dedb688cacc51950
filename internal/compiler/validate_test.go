package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/pulsekern/internal/calibration"
	"github.com/roach88/pulsekern/internal/hamiltonian"
	"github.com/roach88/pulsekern/internal/ir"
)

func qubit(q int) ir.QubitParams {
	return ir.QubitParams{Qubit: q, FrequencyGHz: 5, T1Ns: 50000, T2Ns: 40000, AmpScale: 1}
}

func codes(errs ValidationErrors) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidateValidDevice(t *testing.T) {
	dev := &Device{
		Name:        "ok",
		ClockTickNs: 1,
		Qubits:      []ir.QubitParams{qubit(0), qubit(1), qubit(2)},
		Couplings:   []hamiltonian.Coupling{{A: 0, B: 1, StrengthRad: 0.01}},
		Scopes: []calibration.Scope{
			{Name: "pair", Qubits: []int{0, 1}},
			{Name: "solo", Qubits: []int{2}},
		},
	}
	assert.Empty(t, Validate(dev))
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Device)
		codes  []string
	}{
		{
			name:   "duplicate qubit",
			mutate: func(d *Device) { d.Qubits = append(d.Qubits, qubit(0)) },
			codes:  []string{ErrDuplicateQubit},
		},
		{
			name:   "T2 above 2*T1",
			mutate: func(d *Device) { d.Qubits[0].T2Ns = 2*d.Qubits[0].T1Ns + 1 },
			codes:  []string{ErrCoherenceBound},
		},
		{
			name:   "zero clock tick",
			mutate: func(d *Device) { d.ClockTickNs = 0 },
			codes:  []string{ErrClockTick},
		},
		{
			name:   "self coupling",
			mutate: func(d *Device) { d.Couplings = append(d.Couplings, hamiltonian.Coupling{A: 1, B: 1}) },
			codes:  []string{ErrSelfCoupling},
		},
		{
			name:   "coupling to unknown qubit",
			mutate: func(d *Device) { d.Couplings = append(d.Couplings, hamiltonian.Coupling{A: 1, B: 7}) },
			codes:  []string{ErrUnknownCouplingQubit},
		},
		{
			name:   "pair coupled twice in either order",
			mutate: func(d *Device) { d.Couplings = append(d.Couplings, hamiltonian.Coupling{A: 1, B: 0}) },
			codes:  []string{ErrDuplicateCoupling},
		},
		{
			name: "scope with unknown qubit",
			mutate: func(d *Device) {
				d.Scopes = append(d.Scopes, calibration.Scope{Name: "ghost", Qubits: []int{9}})
			},
			codes: []string{ErrUnknownScopeQubit},
		},
		{
			name: "qubit in two scopes",
			mutate: func(d *Device) {
				d.Scopes = append(d.Scopes, calibration.Scope{Name: "overlap", Qubits: []int{1}})
			},
			codes: []string{ErrSharedScopeQubit},
		},
		{
			name: "duplicate scope name",
			mutate: func(d *Device) {
				d.Scopes = append(d.Scopes, calibration.Scope{Name: "pair", Qubits: []int{2}})
			},
			codes: []string{ErrDuplicateScope},
		},
		{
			name: "invalid hamiltonian",
			mutate: func(d *Device) {
				d.Hamiltonians = map[string]hamiltonian.Spec{
					"bad": {NumQubits: 2, Terms: []hamiltonian.Term{{Pauli: "Z", Coefficient: 1}}},
				}
			},
			codes: []string{ErrInvalidHamiltonian},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &Device{
				Name:        "d",
				ClockTickNs: 1,
				Qubits:      []ir.QubitParams{qubit(0), qubit(1), qubit(2)},
				Couplings:   []hamiltonian.Coupling{{A: 0, B: 1, StrengthRad: 0.01}},
				Scopes:      []calibration.Scope{{Name: "pair", Qubits: []int{0, 1}}},
			}
			tt.mutate(dev)
			assert.Equal(t, tt.codes, codes(Validate(dev)))
		})
	}
}

func TestValidateReportsLines(t *testing.T) {
	dev, err := compileString(t, `
device: {
	name: "d"
	qubits: [
		{qubit: 0, frequency_ghz: 5, t1_ns: 100, t2_ns: 100},
		{qubit: 0, frequency_ghz: 5, t1_ns: 100, t2_ns: 100},
	]
}
`)
	require.NoError(t, err)

	errs := Validate(dev)
	require.Len(t, errs, 1)
	assert.Equal(t, "qubits[1]", errs[0].Field)
	assert.Equal(t, 6, errs[0].Line)
	assert.Contains(t, errs[0].Error(), "line 6")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	dev := &Device{
		Name:        "d",
		ClockTickNs: -1,
		Qubits:      []ir.QubitParams{qubit(0), qubit(0)},
		Couplings:   []hamiltonian.Coupling{{A: 0, B: 0}},
	}
	errs := Validate(dev)
	assert.Equal(t, []string{ErrClockTick, ErrDuplicateQubit, ErrSelfCoupling}, codes(errs))
	assert.Contains(t, errs.Error(), "invalid device: ")
}
