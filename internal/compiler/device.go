// Package compiler turns CUE device descriptions into typed devices.
//
// A device file declares the calibrated qubits, their couplings, the
// calibration scopes, and optional named Hamiltonians:
//
//	device: {
//		name: "lab-2q"
//		qubits: [
//			{qubit: 0, frequency_ghz: 5.0, t1_ns: 50000, t2_ns: 40000},
//			{qubit: 1, frequency_ghz: 5.2, t1_ns: 60000, t2_ns: 30000},
//		]
//		couplings: [{a: 0, b: 1, strength_rad_per_ns: 0.01}]
//		scopes: [{name: "pair", qubits: [0, 1], period: "5m"}]
//	}
//
// Every value is checked against an embedded #Device schema before it is
// read, so type errors carry CUE source positions.
package compiler

import (
	_ "embed"
	"fmt"
	"slices"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/pulsekern/internal/calibration"
	"github.com/roach88/pulsekern/internal/hamiltonian"
	"github.com/roach88/pulsekern/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

// Device is a compiled device description.
type Device struct {
	Name         string
	ClockTickNs  float64
	Qubits       []ir.QubitParams
	Couplings    []hamiltonian.Coupling
	Scopes       []calibration.Scope
	Hamiltonians map[string]hamiltonian.Spec

	// pos records source positions for validation messages.
	pos map[string]token.Pos
}

// Param returns the parameters of one qubit.
func (d *Device) Param(qubit int) (ir.QubitParams, bool) {
	i := slices.IndexFunc(d.Qubits, func(p ir.QubitParams) bool { return p.Qubit == qubit })
	if i < 0 {
		return ir.QubitParams{}, false
	}
	return d.Qubits[i], true
}

// T1 returns the declared T1 of a qubit, so a device can stand in for live
// calibration when planning offline.
func (d *Device) T1(qubit int) (float64, error) {
	p, ok := d.Param(qubit)
	if !ok {
		return 0, fmt.Errorf("device %s has no qubit %d", d.Name, qubit)
	}
	return p.T1Ns, nil
}

// T2 returns the declared T2 of a qubit.
func (d *Device) T2(qubit int) (float64, error) {
	p, ok := d.Param(qubit)
	if !ok {
		return 0, fmt.Errorf("device %s has no qubit %d", d.Name, qubit)
	}
	return p.T2Ns, nil
}

// Params returns the parameters of qubits in the order given.
func (d *Device) Params(qubits []int) ([]ir.QubitParams, error) {
	out := make([]ir.QubitParams, len(qubits))
	for i, q := range qubits {
		p, ok := d.Param(q)
		if !ok {
			return nil, fmt.Errorf("device %s has no qubit %d", d.Name, q)
		}
		out[i] = p
	}
	return out, nil
}

// CouplingsAmong returns the couplings with both ends in qubits.
func (d *Device) CouplingsAmong(qubits []int) []hamiltonian.Coupling {
	var out []hamiltonian.Coupling
	for _, c := range d.Couplings {
		if slices.Contains(qubits, c.A) && slices.Contains(qubits, c.B) {
			out = append(out, c)
		}
	}
	return out
}

// Model builds the drive model over qubits from the device's calibration.
func (d *Device) Model(qubits []int) (*hamiltonian.Model, error) {
	params, err := d.Params(qubits)
	if err != nil {
		return nil, err
	}
	return hamiltonian.FromCalibration(params, d.CouplingsAmong(qubits))
}

// CompileDevice parses a CUE value into a Device.
// Uses CUE SDK's Go API directly (not CLI subprocess).
//
// The value should be the device struct itself:
//
//	v := ctx.CompileString(src)
//	dev, err := CompileDevice(v.LookupPath(cue.ParsePath("device")))
//
// The schema is compiled into v's own context before unification.
func CompileDevice(v cue.Value) (*Device, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	if !v.Exists() {
		return nil, &CompileError{Field: "device", Message: "device is required"}
	}

	def := v.Context().CompileString(schemaCUE, cue.Filename("schema.cue")).LookupPath(cue.ParsePath("#Device"))
	unified := def.Unify(v)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, formatCUEError(err)
	}

	dev := &Device{
		Hamiltonians: make(map[string]hamiltonian.Spec),
		pos:          make(map[string]token.Pos),
	}

	var err error
	if dev.Name, err = unified.LookupPath(cue.ParsePath("name")).String(); err != nil {
		return nil, formatCUEError(err)
	}
	if dev.ClockTickNs, err = unified.LookupPath(cue.ParsePath("clock_tick_ns")).Float64(); err != nil {
		return nil, formatCUEError(err)
	}

	if dev.Qubits, err = parseList[ir.QubitParams](unified, "qubits"); err != nil {
		return nil, err
	}
	if dev.Couplings, err = parseList[hamiltonian.Coupling](unified, "couplings"); err != nil {
		return nil, err
	}
	if dev.Scopes, err = parseScopes(unified); err != nil {
		return nil, err
	}
	if err := parseHamiltonians(unified, dev); err != nil {
		return nil, err
	}

	// Positions come from the source value; unified values may point
	// into the schema instead.
	for _, field := range []string{"qubits", "couplings", "scopes"} {
		recordPositions(v, field, dev.pos)
	}
	return dev, nil
}

// parseList decodes every element of a list field.
func parseList[T any](v cue.Value, field string) ([]T, error) {
	iter, err := v.LookupPath(cue.ParsePath(field)).List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []T
	for iter.Next() {
		var item T
		if err := iter.Value().Decode(&item); err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, item)
	}
	return out, nil
}

// parseScopes reads calibration scopes. Periods are Go duration strings.
func parseScopes(v cue.Value) ([]calibration.Scope, error) {
	iter, err := v.LookupPath(cue.ParsePath("scopes")).List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var scopes []calibration.Scope
	for i := 0; iter.Next(); i++ {
		sv := iter.Value()
		field := fmt.Sprintf("scopes[%d]", i)

		var s calibration.Scope
		if s.Name, err = sv.LookupPath(cue.ParsePath("name")).String(); err != nil {
			return nil, formatCUEError(err)
		}
		if err := sv.LookupPath(cue.ParsePath("qubits")).Decode(&s.Qubits); err != nil {
			return nil, formatCUEError(err)
		}

		// Period is optional; zero means the calibration default
		pv := sv.LookupPath(cue.ParsePath("period"))
		if pv.Exists() && pv.IsConcrete() {
			text, err := pv.String()
			if err != nil {
				return nil, formatCUEError(err)
			}
			if s.Period, err = time.ParseDuration(text); err != nil {
				return nil, &CompileError{
					Field:   field + ".period",
					Message: fmt.Sprintf("invalid duration %q", text),
					Pos:     pv.Pos(),
				}
			}
		}
		scopes = append(scopes, s)
	}
	return scopes, nil
}

// parseHamiltonians reads the optional named Hamiltonian specs.
func parseHamiltonians(v cue.Value, dev *Device) error {
	hv := v.LookupPath(cue.ParsePath("hamiltonians"))
	if !hv.Exists() {
		return nil
	}
	iter, err := hv.Fields()
	if err != nil {
		return formatCUEError(err)
	}
	for iter.Next() {
		var spec hamiltonian.Spec
		if err := iter.Value().Decode(&spec); err != nil {
			return formatCUEError(err)
		}
		dev.Hamiltonians[iter.Label()] = spec
	}
	return nil
}

// recordPositions stores the source position of each element of a list
// field under "field[i]".
func recordPositions(v cue.Value, field string, pos map[string]token.Pos) {
	iter, err := v.LookupPath(cue.ParsePath(field)).List()
	if err != nil {
		return
	}
	for i := 0; iter.Next(); i++ {
		pos[fmt.Sprintf("%s[%d]", field, i)] = iter.Value().Pos()
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	// CUE errors may contain multiple errors
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	// Return first error with position info
	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
