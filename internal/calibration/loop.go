// Package calibration supervises drift detection and recalibration.
//
// Each scope (a qubit or a coupled-qubit group) runs its own state machine:
//
//	Idle -> Measuring -> DriftCheck -> Recalibrating -> Resuming -> Idle
//	                                \-> Idle            \-> Fault
//
// The loop is driven by explicit Tick and Trigger calls, never by wall-clock
// timers, so tests can simulate drift deterministically. At most one cycle is
// in flight per scope: a newer event cancels the older cycle and waits for it
// to unwind before measuring again. A cancelled cycle never writes its
// fingerprint update.
package calibration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/pulsekern/internal/grape"
	"github.com/roach88/pulsekern/internal/hamiltonian"
	"github.com/roach88/pulsekern/internal/ir"
	"github.com/roach88/pulsekern/internal/linalg"
)

// Store is the calibration store: live T1/T2 for sequence building and the
// append-only drift history. The loop owns no persistence itself.
type Store interface {
	T1(qubit int) (float64, error)
	T2(qubit int) (float64, error)
	CurrentFingerprint(ctx context.Context, qubits []int) (string, error)
	RecordDrift(ctx context.Context, rec ir.DriftRecord) error
	Snapshot(ctx context.Context, qubits []int) ([]ir.QubitParams, error)
	Apply(ctx context.Context, params []ir.QubitParams) error
}

// Measurer reads live qubit parameters from hardware or a simulator.
type Measurer interface {
	Measure(ctx context.Context, qubits []int) ([]ir.QubitParams, error)
}

// OptimizeFunc runs one pulse optimization. grape.Optimize satisfies it.
type OptimizeFunc func(ctx context.Context, req grape.Request) (*grape.Result, error)

// Dependent is a pulse whose optimization depends on the calibration of its
// qubits. It is re-optimized whenever one of those qubits recalibrates.
type Dependent struct {
	Name      string
	Qubits    []int
	Target    *linalg.Matrix
	Couplings []hamiltonian.Coupling
	// Request carries the optimizer settings. Model and Target are filled in
	// from the fresh calibration on every run.
	Request grape.Request
}

// CycleResult summarizes one completed measurement cycle.
type CycleResult struct {
	Scope        string
	Severity     ir.Severity
	Deviation    float64
	Recalibrated bool
	Attempts     int
	Record       *ir.DriftRecord
}

// ScopeStatus is a point-in-time view of one scope.
type ScopeStatus struct {
	Scope   Scope
	State   State
	LastRun time.Time
	Fault   *DriftDetectionFault
}

// Option configures a Loop.
type Option func(*Loop)

// WithRegisterer registers the loop's Prometheus collectors on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(l *Loop) { l.reg = reg }
}

// WithOptimizer replaces grape.Optimize.
func WithOptimizer(fn OptimizeFunc) Option {
	return func(l *Loop) { l.optimize = fn }
}

// Sequencer issues strictly increasing sequence numbers. *Clock is the
// production implementation.
type Sequencer interface {
	Next() int64
}

// WithClock sets the logical clock for drift record sequence numbers.
func WithClock(c Sequencer) Option {
	return func(l *Loop) { l.clock = c }
}

// WithNow sets the time source for informational timestamps.
func WithNow(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// Loop is the calibration supervisor for a set of disjoint scopes.
type Loop struct {
	cfg      Config
	store    Store
	measurer Measurer
	optimize OptimizeFunc
	clock    Sequencer
	now      func() time.Time
	reg      prometheus.Registerer
	metrics  *metrics

	mu         sync.Mutex
	scopes     map[string]*scopeState
	names      []string
	owner      map[int]string
	dependents []Dependent
	results    map[string]*grape.Result
	released   chan struct{}
}

type scopeState struct {
	scope       Scope
	state       State
	lastRun     time.Time
	gen         uint64
	cancel      context.CancelFunc
	done        chan struct{}
	fault       *DriftDetectionFault
	transitions []Transition
}

// NewLoop creates a loop with no scopes.
func NewLoop(cfg Config, store Store, measurer Measurer, opts ...Option) (*Loop, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("calibration config: %w", err)
	}
	if store == nil || measurer == nil {
		return nil, fmt.Errorf("calibration: store and measurer are required")
	}
	l := &Loop{
		cfg:      cfg,
		store:    store,
		measurer: measurer,
		optimize: grape.Optimize,
		clock:    NewClock(),
		now:      time.Now,
		scopes:   make(map[string]*scopeState),
		owner:    make(map[int]string),
		results:  make(map[string]*grape.Result),
		released: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.metrics = newMetrics(l.reg)
	return l, nil
}

// AddScope registers a scope. Scopes may not share qubits.
func (l *Loop) AddScope(s Scope) error {
	if s.Name == "" || len(s.Qubits) == 0 {
		return fmt.Errorf("calibration scope needs a name and at least one qubit")
	}
	if s.Period < 0 {
		return fmt.Errorf("scope %s: period must be non-negative", s.Name)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.scopes[s.Name]; dup {
		return fmt.Errorf("scope %s already registered", s.Name)
	}
	for _, q := range s.Qubits {
		if other, taken := l.owner[q]; taken {
			return fmt.Errorf("scope %s: qubit %d already belongs to scope %s", s.Name, q, other)
		}
	}

	s.Qubits = slices.Clone(s.Qubits)
	for _, q := range s.Qubits {
		l.owner[q] = s.Name
	}
	l.scopes[s.Name] = &scopeState{scope: s}
	l.names = append(l.names, s.Name)
	sort.Strings(l.names)
	l.metrics.state.WithLabelValues(s.Name).Set(float64(StateIdle))
	return nil
}

// AddDependent registers a pulse to re-optimize on drift.
func (l *Loop) AddDependent(d Dependent) error {
	if d.Name == "" || len(d.Qubits) == 0 || d.Target == nil {
		return fmt.Errorf("calibration dependent needs a name, qubits and a target")
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, existing := range l.dependents {
		if existing.Name == d.Name {
			return fmt.Errorf("dependent %s already registered", d.Name)
		}
	}
	d.Qubits = slices.Clone(d.Qubits)
	l.dependents = append(l.dependents, d)
	return nil
}

// Result returns the latest optimization of a dependent, if any.
func (l *Loop) Result(dependent string) (*grape.Result, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.results[dependent]
	return r, ok
}

// Status returns every scope in name order.
func (l *Loop) Status() []ScopeStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ScopeStatus, 0, len(l.names))
	for _, name := range l.names {
		st := l.scopes[name]
		out = append(out, ScopeStatus{Scope: st.scope, State: st.state, LastRun: st.lastRun, Fault: st.fault})
	}
	return out
}

// State returns the current state of a scope.
func (l *Loop) State(scope string) (State, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.scopes[scope]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}
	return st.state, nil
}

// Transitions returns the transition log of a scope.
func (l *Loop) Transitions(scope string) ([]Transition, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.scopes[scope]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownScope, scope)
	}
	return slices.Clone(st.transitions), nil
}

// Tick runs a cycle on every idle scope whose period has elapsed at now.
// Scopes run concurrently; a failure in one never stops the others. The
// returned error joins the per-scope errors.
func (l *Loop) Tick(ctx context.Context, now time.Time) ([]CycleResult, error) {
	l.mu.Lock()
	var due []string
	for _, name := range l.names {
		st := l.scopes[name]
		period := st.scope.Period
		if period == 0 {
			period = l.cfg.Period
		}
		if st.state != StateIdle || (!st.lastRun.IsZero() && now.Sub(st.lastRun) < period) {
			continue
		}
		due = append(due, name)
	}
	l.mu.Unlock()

	results := make([]*CycleResult, len(due))
	errs := make([]error, len(due))
	var g errgroup.Group
	for i, name := range due {
		g.Go(func() error {
			results[i], errs[i] = l.run(ctx, name, "periodic", now)
			return nil
		})
	}
	_ = g.Wait()

	var out []CycleResult
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, errors.Join(errs...)
}

// Trigger runs a cycle on one scope now, superseding any cycle in flight.
func (l *Loop) Trigger(ctx context.Context, scope, reason string) (*CycleResult, error) {
	return l.run(ctx, scope, reason, l.now())
}

func (l *Loop) run(ctx context.Context, name, reason string, now time.Time) (*CycleResult, error) {
	l.mu.Lock()
	st, ok := l.scopes[name]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownScope, name)
	}
	if st.state == StateFault {
		f := st.fault
		l.mu.Unlock()
		return nil, f
	}
	prev := st.done
	if st.cancel != nil {
		st.cancel()
		slog.Info("superseding calibration cycle", "scope", name, "reason", reason)
	}
	st.gen++
	gen := st.gen
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	st.cancel, st.done = cancel, done
	st.lastRun = now
	l.mu.Unlock()

	defer func() {
		cancel()
		l.mu.Lock()
		if st.gen == gen {
			st.cancel, st.done = nil, nil
		}
		l.mu.Unlock()
		close(done)
	}()

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := l.interrupted(ctx, runCtx); err != nil {
		return nil, err
	}
	l.mu.Lock()
	if st.state == StateFault {
		f := st.fault
		l.mu.Unlock()
		return nil, f
	}
	l.mu.Unlock()

	return l.cycle(ctx, runCtx, st, gen, reason, now)
}

// interrupted distinguishes supersession from caller cancellation.
func (l *Loop) interrupted(ctx, runCtx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if runCtx.Err() != nil {
		return ErrSuperseded
	}
	return nil
}

func (l *Loop) cycle(ctx, runCtx context.Context, st *scopeState, gen uint64, reason string, now time.Time) (*CycleResult, error) {
	name, qubits := st.scope.Name, st.scope.Qubits

	l.transition(st, StateMeasuring, reason)
	l.metrics.cycles.WithLabelValues(name).Inc()
	measured, err := l.measurer.Measure(runCtx, qubits)
	if err != nil {
		l.transition(st, StateIdle, "measurement failed")
		if ierr := l.interrupted(ctx, runCtx); ierr != nil {
			return nil, ierr
		}
		return nil, fmt.Errorf("measure scope %s: %w", name, err)
	}

	l.transition(st, StateDriftCheck, "measurement complete")
	stored, err := l.store.Snapshot(runCtx, qubits)
	if err != nil {
		l.transition(st, StateIdle, "calibration snapshot failed")
		return nil, fmt.Errorf("snapshot scope %s: %w", name, err)
	}
	deviation, worst, err := Deviation(stored, measured)
	if err != nil {
		l.transition(st, StateIdle, "invalid measurement")
		return nil, fmt.Errorf("scope %s: %w", name, err)
	}
	severity := l.cfg.Thresholds.Grade(deviation)
	l.metrics.deviation.WithLabelValues(name).Observe(deviation)
	slog.Info("drift check",
		"scope", name,
		"severity", severity.String(),
		"deviation", deviation,
		"qubit", worst,
	)

	res := &CycleResult{Scope: name, Severity: severity, Deviation: deviation}
	if severity < l.cfg.RecalibrateAt {
		l.transition(st, StateIdle, fmt.Sprintf("%s drift below threshold", severity))
		return res, nil
	}

	l.transition(st, StateRecalibrating, fmt.Sprintf("%s drift on qubit %d", severity, worst))
	var last error
	for res.Attempts <= l.cfg.MaxRetries {
		res.Attempts++
		results, err := l.recalibrate(runCtx, qubits, measured, res.Attempts)
		if err == nil {
			rec, err := l.commit(runCtx, st, gen, stored, measured, severity, reason, now)
			if err != nil {
				return nil, err
			}
			l.mu.Lock()
			for dep, r := range results {
				l.results[dep] = r
			}
			l.mu.Unlock()

			res.Recalibrated, res.Record = true, rec
			l.transition(st, StateResuming, "drift recorded")
			l.release()
			l.transition(st, StateIdle, "executions released")
			return res, nil
		}
		if ierr := l.interrupted(ctx, runCtx); ierr != nil {
			return nil, l.abandon(st, ierr)
		}

		last = err
		if res.Attempts <= l.cfg.MaxRetries {
			l.metrics.recalibrations.WithLabelValues(name, OutcomeRetry).Inc()
			slog.Warn("recalibration attempt failed", "scope", name, "attempt", res.Attempts, "error", err)
		}
	}

	fault := &DriftDetectionFault{Scope: name, Qubits: slices.Clone(qubits), Attempts: res.Attempts, Last: last}
	l.mu.Lock()
	st.fault = fault
	l.transitionLocked(st, StateFault, fmt.Sprintf("%d recalibration attempts failed", res.Attempts))
	l.releaseLocked()
	l.mu.Unlock()
	l.metrics.recalibrations.WithLabelValues(name, OutcomeFault).Inc()
	slog.Error("calibration scope faulted", "scope", name, "qubits", qubits, "attempts", res.Attempts, "error", last)
	return res, fault
}

// abandon unwinds a cycle that was superseded or cancelled mid-recalibration.
func (l *Loop) abandon(st *scopeState, err error) error {
	l.metrics.recalibrations.WithLabelValues(st.scope.Name, OutcomeSuperseded).Inc()
	l.mu.Lock()
	l.transitionLocked(st, StateIdle, "recalibration abandoned")
	l.releaseLocked()
	l.mu.Unlock()
	slog.Info("recalibration abandoned", "scope", st.scope.Name, "reason", err)
	return err
}

// commit writes the new calibration and its drift record. Once a cycle
// reaches commit a newer event can no longer cancel it; it waits instead.
func (l *Loop) commit(
	ctx context.Context,
	st *scopeState,
	gen uint64,
	stored, measured []ir.QubitParams,
	severity ir.Severity,
	reason string,
	now time.Time,
) (*ir.DriftRecord, error) {
	l.mu.Lock()
	if st.gen != gen || ctx.Err() != nil {
		l.mu.Unlock()
		return nil, l.abandon(st, ErrSuperseded)
	}
	st.cancel = nil
	l.mu.Unlock()

	fail := func(err error) (*ir.DriftRecord, error) {
		l.transition(st, StateIdle, "commit failed")
		l.release()
		return nil, fmt.Errorf("commit scope %s: %w", st.scope.Name, err)
	}

	if err := l.store.Apply(ctx, measured); err != nil {
		return fail(err)
	}
	rec := ir.DriftRecord{
		Scope:             st.scope.Name,
		Qubits:            slices.Clone(st.scope.Qubits),
		FingerprintBefore: ir.Fingerprint(stored),
		FingerprintAfter:  ir.Fingerprint(measured),
		Severity:          severity,
		TriggerReason:     reason,
		Seq:               l.clock.Next(),
		Timestamp:         now,
	}
	rec.ID = ir.DriftRecordID(rec)
	if err := l.store.RecordDrift(ctx, rec); err != nil {
		return fail(err)
	}
	l.metrics.recalibrations.WithLabelValues(st.scope.Name, OutcomeSuccess).Inc()
	slog.Info("drift recorded",
		"scope", rec.Scope,
		"severity", rec.Severity.String(),
		"seq", rec.Seq,
		"fingerprint", rec.FingerprintAfter,
	)
	return &rec, nil
}

// recalibrate re-optimizes every dependent touching qubits in parallel.
// Any non-converged result fails the attempt.
func (l *Loop) recalibrate(ctx context.Context, qubits []int, measured []ir.QubitParams, attempt int) (map[string]*grape.Result, error) {
	l.mu.Lock()
	var deps []Dependent
	for _, d := range l.dependents {
		if slices.ContainsFunc(d.Qubits, func(q int) bool { return slices.Contains(qubits, q) }) {
			deps = append(deps, d)
		}
	}
	l.mu.Unlock()

	results := make([]*grape.Result, len(deps))
	g, gCtx := errgroup.WithContext(ctx)
	for i, d := range deps {
		g.Go(func() error {
			params, err := l.paramsFor(gCtx, d.Qubits, measured)
			if err != nil {
				return fmt.Errorf("dependent %s: %w", d.Name, err)
			}
			model, err := hamiltonian.FromCalibration(params, d.Couplings)
			if err != nil {
				return fmt.Errorf("dependent %s: %w", d.Name, err)
			}
			req := d.Request
			req.Model, req.Target = model, d.Target
			req.Seed += uint64(attempt - 1)

			r, err := l.optimize(gCtx, req)
			if err != nil {
				return fmt.Errorf("dependent %s: %w", d.Name, err)
			}
			if f := r.Failure(); f != nil {
				return fmt.Errorf("dependent %s: %w", d.Name, f)
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]*grape.Result, len(deps))
	for i, d := range deps {
		out[d.Name] = results[i]
	}
	return out, nil
}

// paramsFor returns calibration for qubits in order, preferring fresh
// measurements over stored values.
func (l *Loop) paramsFor(ctx context.Context, qubits []int, measured []ir.QubitParams) ([]ir.QubitParams, error) {
	fresh := make(map[int]ir.QubitParams, len(measured))
	for _, m := range measured {
		fresh[m.Qubit] = m
	}
	var missing []int
	for _, q := range qubits {
		if _, ok := fresh[q]; !ok {
			missing = append(missing, q)
		}
	}
	if len(missing) > 0 {
		stored, err := l.store.Snapshot(ctx, missing)
		if err != nil {
			return nil, err
		}
		for _, s := range stored {
			fresh[s.Qubit] = s
		}
	}

	out := make([]ir.QubitParams, len(qubits))
	for i, q := range qubits {
		p, ok := fresh[q]
		if !ok {
			return nil, fmt.Errorf("no calibration for qubit %d", q)
		}
		out[i] = p
	}
	return out, nil
}

func (l *Loop) transition(st *scopeState, to State, reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.transitionLocked(st, to, reason)
}

func (l *Loop) transitionLocked(st *scopeState, to State, reason string) {
	from := st.state
	if !canTransition(from, to) {
		panic(fmt.Sprintf("calibration: illegal transition %s -> %s on scope %s", from, to, st.scope.Name))
	}
	st.state = to
	st.transitions = append(st.transitions, Transition{From: from, To: to, Reason: reason, At: l.now()})
	l.metrics.state.WithLabelValues(st.scope.Name).Set(float64(to))
	slog.Debug("calibration transition",
		"scope", st.scope.Name,
		"from", from.String(),
		"to", to.String(),
		"reason", reason,
	)
}

func (l *Loop) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.releaseLocked()
}

// releaseLocked wakes every WaitAdmit caller to re-check admission.
func (l *Loop) releaseLocked() {
	close(l.released)
	l.released = make(chan struct{})
}
