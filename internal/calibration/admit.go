package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Admit reports whether an execution on qubits may proceed. It returns
// ErrPaused while a scope touching them is recalibrating and the scope's
// *DriftDetectionFault while it is faulted. Qubits outside every scope are
// always admitted.
func (l *Loop) Admit(qubits []int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.admitLocked(qubits)
}

func (l *Loop) admitLocked(qubits []int) error {
	for _, q := range qubits {
		name, ok := l.owner[q]
		if !ok {
			continue
		}
		st := l.scopes[name]
		switch st.state {
		case StateFault:
			return st.fault
		case StateRecalibrating:
			return fmt.Errorf("%w: qubit %d in scope %s", ErrPaused, q, name)
		}
	}
	return nil
}

// WaitAdmit blocks until Admit would succeed. It returns early with the
// fault if a touched scope faults, or with ctx.Err().
func (l *Loop) WaitAdmit(ctx context.Context, qubits []int) error {
	for {
		l.mu.Lock()
		err := l.admitLocked(qubits)
		released := l.released
		l.mu.Unlock()

		if err == nil || !errors.Is(err, ErrPaused) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-released:
		}
	}
}

// Reset clears a faulted scope after operator intervention.
func (l *Loop) Reset(scope string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.scopes[scope]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}
	if st.state != StateFault {
		return fmt.Errorf("scope %s is %s, not faulted", scope, st.state)
	}
	st.fault = nil
	l.transitionLocked(st, StateIdle, "operator reset")
	l.releaseLocked()
	slog.Info("calibration scope reset", "scope", scope)
	return nil
}
