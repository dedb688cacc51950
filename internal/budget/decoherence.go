package budget

import "math"

// Coherence holds the relaxation and dephasing times of one qubit.
// A non-positive time is treated as infinite.
type Coherence struct {
	T1Ns float64
	T2Ns float64
}

// DecoherenceCost is the average gate error of idling one qubit for
// durationNs under amplitude damping (T1) and dephasing (T2):
//
//	1/2 - e^{-t/T1}/6 - e^{-t/T2}/3
//
// evaluated as (1-e^{-t/T1})/6 + (1-e^{-t/T2})/3 so that short pulses keep
// full precision. It is zero at t = 0 and tends to 1/2 for t ≫ T1, T2.
func DecoherenceCost(durationNs, t1Ns, t2Ns float64) float64 {
	if durationNs <= 0 {
		return 0
	}
	return loss(durationNs, t1Ns)/6 + loss(durationNs, t2Ns)/3
}

// loss returns 1 - e^{-t/tau}, or 0 for an infinite tau.
func loss(t, tau float64) float64 {
	if tau <= 0 || math.IsInf(tau, 1) {
		return 0
	}
	return -math.Expm1(-t / tau)
}

// PulseDecoherenceCost combines per-qubit costs as 1 - Π(1 - c_q).
func PulseDecoherenceCost(durationNs float64, qubits ...Coherence) float64 {
	survive := 1.0
	for _, q := range qubits {
		survive *= 1 - DecoherenceCost(durationNs, q.T1Ns, q.T2Ns)
	}
	return 1 - survive
}
