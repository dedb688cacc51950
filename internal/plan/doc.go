// Package plan runs pulse-sequence plans written in YAML.
//
// A plan names a device, lists pulses in append order, and relates them with
// temporal constraints. Running a plan compiles the device, optimizes every
// gate pulse with GRAPE, appends each pulse to a fresh sequence builder,
// freezes the accepted pulses, and schedules them:
//
//	name: bell-prep
//	device: lab.cue
//	pulses:
//	  - id: h0
//	    qubits: [0]
//	    gate: H
//	  - id: cx01
//	    qubits: [0, 1]
//	    gate: CNOT
//	constraints:
//	  - {kind: sequential, pulse_a: h0, pulse_b: cx01}
//	assertions:
//	  - {type: fidelity_min, value: 0.99}
//
// Each pulse may declare whether the builder should accept or reject it, and
// assertions check the finished schedule. Results render as a stable text
// snapshot suitable for golden-file comparison.
package plan
