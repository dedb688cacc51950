// Package dispatch hands finalized schedules to execution backends.
//
// Backends implement a fixed capability contract and are looked up by name in
// a Registry. The Dispatcher is asynchronous: Submit returns a run ID at once,
// backends execute concurrently, and a single writer loop records each
// measurement and checks it against the schedule's projected fidelity.
package dispatch

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/roach88/pulsekern/internal/ir"
	"github.com/roach88/pulsekern/internal/scheduler"
)

// Capabilities describes what a backend can execute.
type Capabilities struct {
	// MaxQubits is the highest qubit index plus one the backend addresses.
	MaxQubits int
	// MinClockTickNs is the finest AWG grid the backend honours.
	MinClockTickNs float64
	// Simulated is true for backends that never touch hardware.
	Simulated bool
}

// Job is one execution request as seen by a backend.
type Job struct {
	RunID             string
	Schedule          *scheduler.Schedule
	Calibration       []ir.QubitParams
	Shots             int
	ProjectedFidelity float64
	ProvenanceHash    string
}

// Qubits returns the sorted set of qubits the job touches.
func (j Job) Qubits() []int {
	var qs []int
	for _, sp := range j.Schedule.Pulses {
		qs = append(qs, sp.Pulse.Qubits...)
	}
	slices.Sort(qs)
	return slices.Compact(qs)
}

// Backend executes schedules. Execute may block for as long as the hardware
// takes; the dispatcher always calls it off the submitting goroutine.
type Backend interface {
	Name() string
	Capabilities() Capabilities
	Execute(ctx context.Context, job Job) (*ir.MeasurementResult, error)
}

// checkCapabilities rejects jobs the backend cannot run.
func checkCapabilities(b Backend, job Job) error {
	caps := b.Capabilities()
	for _, q := range job.Qubits() {
		if caps.MaxQubits > 0 && q >= caps.MaxQubits {
			return &CapabilityError{Backend: b.Name(), Reason: fmt.Sprintf("qubit %d beyond max %d", q, caps.MaxQubits)}
		}
	}
	if caps.MinClockTickNs > 0 && job.Schedule.ClockTickNs < caps.MinClockTickNs {
		return &CapabilityError{
			Backend: b.Name(),
			Reason:  fmt.Sprintf("clock tick %gns finer than %gns", job.Schedule.ClockTickNs, caps.MinClockTickNs),
		}
	}
	return nil
}

// Registry holds named backends.
type Registry struct {
	mu       sync.RWMutex
	backends map[string]Backend
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{backends: make(map[string]Backend)}
}

// Register adds a backend. Names must be unique.
func (r *Registry) Register(b Backend) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := b.Name()
	if name == "" {
		return fmt.Errorf("backend name is empty")
	}
	if _, ok := r.backends[name]; ok {
		return fmt.Errorf("backend %q already registered", name)
	}
	r.backends[name] = b
	return nil
}

// Get looks up a backend by name.
func (r *Registry) Get(name string) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[name]
	if !ok {
		return nil, &UnknownBackendError{Name: name}
	}
	return b, nil
}

// Names lists registered backends in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.backends))
	for n := range r.backends {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// NewDefaultRegistry returns a registry holding the built-in simulator over
// the given device.
func NewDefaultRegistry(device ...ir.QubitParams) (*Registry, *Simulator) {
	r := NewRegistry()
	sim := NewSimulator(device...)
	if err := r.Register(sim); err != nil {
		panic(err)
	}
	return r, sim
}
