package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/semaphore"

	"github.com/roach88/pulsekern/internal/ir"
	"github.com/roach88/pulsekern/internal/provenance"
	"github.com/roach88/pulsekern/internal/scheduler"
)

// Admitter gates execution on calibration state. calibration.Loop
// satisfies it.
type Admitter interface {
	WaitAdmit(ctx context.Context, qubits []int) error
}

// ResultSink persists measurements. store.Store satisfies it.
type ResultSink interface {
	RecordMeasurement(ctx context.Context, res ir.MeasurementResult) error
}

// Config tunes the dispatcher.
type Config struct {
	// FidelityTolerance is how far measured fidelity may fall below the
	// projection before the run is flagged.
	FidelityTolerance float64 `yaml:"fidelity_tolerance" validate:"gte=0,lte=1"`
	// MaxInFlight bounds concurrent backend executions.
	MaxInFlight int `yaml:"max_in_flight" validate:"gte=1"`
	// Shots is the default shot count when a request leaves it zero.
	Shots int `yaml:"shots" validate:"gte=0"`
}

// DefaultConfig returns the default dispatcher settings.
func DefaultConfig() Config {
	return Config{FidelityTolerance: 0.02, MaxInFlight: 4, Shots: 0}
}

func (c Config) validate() error {
	if c.FidelityTolerance < 0 || c.FidelityTolerance > 1 {
		return fmt.Errorf("fidelity tolerance %g not in [0,1]", c.FidelityTolerance)
	}
	if c.MaxInFlight < 1 {
		return fmt.Errorf("max in flight %d < 1", c.MaxInFlight)
	}
	if c.Shots < 0 {
		return fmt.Errorf("shots %d < 0", c.Shots)
	}
	return nil
}

// Request asks for a schedule to be executed.
type Request struct {
	Backend           string
	Schedule          *scheduler.Schedule
	Calibration       []ir.QubitParams
	ProjectedFidelity float64
	Provenance        *provenance.Record
	Shots             int
}

// Outcome is the recorded result of one run. Err is set when admission,
// execution or recording failed, or when the run fell short of its
// projected fidelity; in the last case Measurement is still populated.
type Outcome struct {
	RunID            string
	Backend          string
	Measurement      *ir.MeasurementResult
	MeasuredFidelity float64
	Err              error
}

type run struct {
	done    chan struct{}
	outcome *Outcome
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRunIDs sets the run ID generator. Defaults to UUIDv7Generator.
func WithRunIDs(g RunIDGenerator) Option {
	return func(d *Dispatcher) { d.ids = g }
}

// WithAdmitter gates every execution on calibration admission.
func WithAdmitter(a Admitter) Option {
	return func(d *Dispatcher) { d.admit = a }
}

// WithSink records every successful measurement.
func WithSink(s ResultSink) Option {
	return func(d *Dispatcher) { d.sink = s }
}

// WithRegisterer registers dispatch metrics on reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(d *Dispatcher) { d.reg = reg }
}

// Dispatcher runs schedules on backends asynchronously.
//
// Submit never blocks on execution. Run drives the writer loop: it launches
// submitted jobs (bounded by MaxInFlight) and records completions one at a
// time, so the sink sees a single writer.
type Dispatcher struct {
	registry *Registry
	cfg      Config
	ids      RunIDGenerator
	admit    Admitter
	sink     ResultSink
	reg      prometheus.Registerer
	metrics  *metrics

	queue    *eventQueue
	sem      *semaphore.Weighted
	launched sync.WaitGroup

	mu      sync.Mutex
	runs    map[string]*run
	pending int
	closed  bool
}

// New creates a dispatcher over the backends in registry.
func New(registry *Registry, cfg Config, opts ...Option) (*Dispatcher, error) {
	if registry == nil {
		return nil, fmt.Errorf("dispatch: nil registry")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("dispatch config: %w", err)
	}
	d := &Dispatcher{
		registry: registry,
		cfg:      cfg,
		ids:      UUIDv7Generator{},
		queue:    newEventQueue(),
		sem:      semaphore.NewWeighted(int64(cfg.MaxInFlight)),
		runs:     make(map[string]*run),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.metrics = newMetrics(d.reg)
	return d, nil
}

// Submit validates req and queues it, returning the run ID immediately.
func (d *Dispatcher) Submit(req Request) (string, error) {
	if req.Schedule == nil {
		return "", fmt.Errorf("dispatch: request has no schedule")
	}
	b, err := d.registry.Get(req.Backend)
	if err != nil {
		return "", err
	}

	shots := req.Shots
	if shots == 0 {
		shots = d.cfg.Shots
	}
	job := Job{
		Schedule:          req.Schedule,
		Calibration:       req.Calibration,
		Shots:             shots,
		ProjectedFidelity: req.ProjectedFidelity,
	}
	if req.Provenance != nil {
		job.ProvenanceHash = req.Provenance.Root
	}
	if err := checkCapabilities(b, job); err != nil {
		return "", err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return "", ErrClosed
	}
	job.RunID = d.ids.Generate()
	if _, dup := d.runs[job.RunID]; dup {
		return "", fmt.Errorf("dispatch: duplicate run id %s", job.RunID)
	}
	d.runs[job.RunID] = &run{done: make(chan struct{})}
	d.pending++
	d.queue.Enqueue(event{kind: eventSubmitted, job: job, backend: b})

	d.metrics.submitted.WithLabelValues(b.Name()).Inc()
	d.metrics.inflight.Inc()
	slog.Info("run submitted", "run_id", job.RunID, "backend", b.Name(), "pulses", len(job.Schedule.Pulses))
	return job.RunID, nil
}

// Run processes events until the dispatcher is closed and drained, or ctx
// is cancelled. On cancellation the dispatcher is closed, launched jobs are
// waited for and every outstanding run is settled before Run
// returns ctx.Err().
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		if ev, ok := d.queue.TryDequeue(); ok {
			switch ev.kind {
			case eventSubmitted:
				d.launch(ctx, ev)
			case eventCompleted:
				d.complete(ctx, ev)
			}
			continue
		}
		if d.queue.Drained() {
			return nil
		}
		select {
		case <-ctx.Done():
			d.drain(ctx)
			return ctx.Err()
		case <-d.queue.Wait():
		}
	}
}

// drain settles every run left behind by a cancelled Run. Queued submissions
// fail without launching; launched jobs see the cancelled ctx and their
// completions are recorded against an uncancelled one.
func (d *Dispatcher) drain(ctx context.Context) {
	d.Close()
	d.launched.Wait()
	cause := ctx.Err()
	record := context.WithoutCancel(ctx)
	n := 0
	for {
		ev, ok := d.queue.TryDequeue()
		if !ok {
			break
		}
		if ev.kind == eventSubmitted {
			ev.err = fmt.Errorf("dispatch stopped before launch: %w", cause)
		}
		d.complete(record, ev)
		n++
	}
	slog.Warn("dispatcher stopped", "settled", n, "error", cause)
}

// launch executes a job off the writer goroutine.
func (d *Dispatcher) launch(ctx context.Context, ev event) {
	d.launched.Add(1)
	go func() {
		defer d.launched.Done()
		res, err := d.execute(ctx, ev.backend, ev.job)
		d.queue.Enqueue(event{kind: eventCompleted, job: ev.job, backend: ev.backend, result: res, err: err})
	}()
}

func (d *Dispatcher) execute(ctx context.Context, b Backend, job Job) (*ir.MeasurementResult, error) {
	if d.admit != nil {
		if err := d.admit.WaitAdmit(ctx, job.Qubits()); err != nil {
			return nil, fmt.Errorf("admission: %w", err)
		}
	}
	if err := d.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer d.sem.Release(1)

	slog.Debug("run executing", "run_id", job.RunID, "backend", b.Name())
	res, err := b.Execute(ctx, job)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", b.Name(), err)
	}
	if res == nil {
		return nil, fmt.Errorf("backend %s returned no result", b.Name())
	}
	return res, nil
}

// complete records one finished execution. It runs only on the writer loop.
func (d *Dispatcher) complete(ctx context.Context, ev event) {
	job := ev.job
	out := &Outcome{RunID: job.RunID, Backend: ev.backend.Name(), Err: ev.err}

	if ev.err == nil {
		res := *ev.result
		res.RunID = job.RunID
		if res.Backend == "" {
			res.Backend = ev.backend.Name()
		}
		res.ProjectedFidelity = &job.ProjectedFidelity
		if job.ProvenanceHash != "" {
			h := job.ProvenanceHash
			res.ProvenanceHash = &h
		}
		out.Measurement = &res
		out.MeasuredFidelity = MeasuredFidelity(&res)

		if d.sink != nil {
			if err := d.sink.RecordMeasurement(ctx, res); err != nil {
				out.Err = fmt.Errorf("record measurement: %w", err)
			}
		}
		if out.Err == nil {
			out.Err = d.validate(job, out.Backend, out.MeasuredFidelity)
		}
	}

	outcome := OutcomeOK
	var shortfall *FidelityShortfallError
	switch {
	case errors.As(out.Err, &shortfall):
		outcome = OutcomeShortfall
		slog.Warn("run below projected fidelity",
			"run_id", job.RunID, "projected", shortfall.Projected, "measured", shortfall.Measured)
	case out.Err != nil:
		outcome = OutcomeFailed
		slog.Error("run failed", "run_id", job.RunID, "backend", out.Backend, "error", out.Err)
	default:
		slog.Info("run recorded", "run_id", job.RunID, "backend", out.Backend, "fidelity", out.MeasuredFidelity)
	}
	d.metrics.completed.WithLabelValues(out.Backend, outcome).Inc()
	d.metrics.inflight.Dec()

	d.mu.Lock()
	r := d.runs[job.RunID]
	r.outcome = out
	close(r.done)
	d.pending--
	if d.closed && d.pending == 0 {
		d.queue.Close()
	}
	d.mu.Unlock()
}

// validate compares measured against projected fidelity.
func (d *Dispatcher) validate(job Job, backend string, measured float64) error {
	gap := job.ProjectedFidelity - measured
	d.metrics.fidelityGap.WithLabelValues(backend).Observe(gap)
	if gap > d.cfg.FidelityTolerance {
		return &FidelityShortfallError{
			RunID:     job.RunID,
			Projected: job.ProjectedFidelity,
			Measured:  measured,
			Tolerance: d.cfg.FidelityTolerance,
		}
	}
	return nil
}

// Await blocks until the run is recorded and returns its outcome together
// with the outcome's error.
func (d *Dispatcher) Await(ctx context.Context, runID string) (*Outcome, error) {
	d.mu.Lock()
	r, ok := d.runs[runID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("dispatch: unknown run %s", runID)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-r.done:
		return r.outcome, r.outcome.Err
	}
}

// Pending returns the number of runs not yet recorded.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}

// Close stops accepting submissions. Run returns once every pending run has
// been recorded. Cancelling Run's ctx closes the dispatcher as well.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	if d.pending == 0 {
		d.queue.Close()
	}
}
