package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pulsekern/internal/calibration"
	"github.com/roach88/pulsekern/internal/compiler"
	"github.com/roach88/pulsekern/internal/dispatch"
	"github.com/roach88/pulsekern/internal/ir"
	"github.com/roach88/pulsekern/internal/plan"
	"github.com/roach88/pulsekern/internal/store"
)

// CalibrateOptions holds flags for the calibrate command.
type CalibrateOptions struct {
	*RootOptions
	DB     string
	Scopes []string
	Drift  []string // "q:field=value"
	Reason string
	Plans  []string // plans whose gate pulses follow the calibration
}

// CycleSummary is the printable form of one calibration cycle.
type CycleSummary struct {
	Scope        string  `json:"scope"`
	Severity     string  `json:"severity"`
	Deviation    float64 `json:"deviation"`
	Recalibrated bool    `json:"recalibrated"`
	Attempts     int     `json:"attempts"`
	RecordID     string  `json:"record_id,omitempty"`
	Seq          int64   `json:"seq,omitempty"`
	Error        string  `json:"error,omitempty"`
}

// RefreshSummary reports a plan rebuilt from recalibrated gate pulses.
type RefreshSummary struct {
	Plan              string   `json:"plan"`
	Pulses            []string `json:"pulses"`
	SequenceHash      string   `json:"sequence_hash,omitempty"`
	ProjectedFidelity float64  `json:"projected_fidelity"`
	Pass              bool     `json:"pass"`
	Errors            []string `json:"errors,omitempty"`
}

// CalibrateResult holds the cycles run by one calibrate invocation.
type CalibrateResult struct {
	Device    string           `json:"device"`
	Cycles    []CycleSummary   `json:"cycles"`
	Refreshed []RefreshSummary `json:"refreshed,omitempty"`
}

func (r CalibrateResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "device %s: %d cycle(s)", r.Device, len(r.Cycles))
	for _, c := range r.Cycles {
		if c.Error != "" {
			fmt.Fprintf(&b, "\n✗ %s: %s", c.Scope, c.Error)
			continue
		}
		action := "kept"
		if c.Recalibrated {
			action = fmt.Sprintf("recalibrated (seq %d)", c.Seq)
		}
		fmt.Fprintf(&b, "\n✓ %s: severity=%s deviation=%.4f %s", c.Scope, c.Severity, c.Deviation, action)
	}
	for _, r := range r.Refreshed {
		mark := "✓"
		if !r.Pass {
			mark = "✗"
		}
		fmt.Fprintf(&b, "\n%s plan %s rebuilt: pulses=%s projected=%.6f sequence %s",
			mark, r.Plan, strings.Join(r.Pulses, ","), r.ProjectedFidelity, short(r.SequenceHash))
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "\n  %s", e)
		}
	}
	return b.String()
}

// NewCalibrateCommand creates the calibrate command.
func NewCalibrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CalibrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "calibrate <device>",
		Short: "Run a calibration cycle against the simulator",
		Long: `Measure each calibration scope of a device, grade the drift against the
stored calibration and recalibrate scopes that drifted past the
configured severity.

The store is seeded from the device description on first use. The
simulated hardware starts from the stored calibration; --drift perturbs
it before measuring.

Gate pulses of every --plan are re-optimized when their qubits
recalibrate, and each affected plan is rebuilt from the new envelopes.

Drift fields: frequency_ghz t1_ns t2_ns amp_scale detuning_rad_per_ns

Examples:
  pulsekern calibrate device.cue --db lab.db
  pulsekern calibrate device.cue --db lab.db --scope pair --drift 0:t1_ns=30000
  pulsekern calibrate device.cue --db lab.db --drift 0:detuning_rad_per_ns=0.005 --plan plans/bell.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCalibrate(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "calibration database (defaults to store.path from config)")
	cmd.Flags().StringSliceVar(&opts.Scopes, "scope", nil, "scopes to measure (default all)")
	cmd.Flags().StringArrayVar(&opts.Drift, "drift", nil, "inject drift as qubit:field=value")
	cmd.Flags().StringVar(&opts.Reason, "reason", "manual", "trigger reason recorded in drift history")
	cmd.Flags().StringArrayVar(&opts.Plans, "plan", nil, "plan whose gate pulses are re-optimized on drift (repeatable)")

	return cmd
}

func runCalibrate(ctx context.Context, opts *CalibrateOptions, devicePath string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)
	cfg := opts.kernelConfig()

	dev, err := LoadDevice(devicePath)
	if err != nil {
		return failLoad(formatter, err)
	}
	drift, err := parseDrift(opts.Drift)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	st, err := openStore(dbPath(opts.DB, cfg.Store.Path))
	if err != nil {
		return failLoad(formatter, err)
	}
	defer st.Close()

	if err := seedStore(ctx, st, dev); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDatabase, err.Error(), nil)
	}

	current, err := st.Params(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDatabase, err.Error(), nil)
	}
	truth, err := applyDrift(current, drift)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	sim := dispatch.NewSimulator(truth...)

	loop, err := newLoop(ctx, cfg.Calibration, st, sim, dev)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeCalibration, err.Error(), nil)
	}

	planOpts := plan.Options{
		Config:      cfg,
		Device:      dev,
		Coherence:   st,
		Calibration: st,
		Refreshed:   loop.Result,
		Logger:      slog.Default(),
	}
	plans := make([]*plan.Plan, 0, len(opts.Plans))
	for _, path := range opts.Plans {
		p, err := plan.Load(path)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeLoadFailed, err.Error(), nil)
		}
		deps, err := plan.Dependents(p, planOpts)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeInvalid, fmt.Sprintf("plan %s: %v", p.Name, err), nil)
		}
		for _, d := range deps {
			if err := loop.AddDependent(d); err != nil {
				return formatter.Fail(ExitCommandError, ErrCodeInvalid, err.Error(), nil)
			}
		}
		formatter.VerboseLog("Plan %s: %d gate pulse(s) follow calibration", p.Name, len(deps))
		plans = append(plans, p)
	}

	scopes := opts.Scopes
	if len(scopes) == 0 {
		for _, s := range dev.EffectiveScopes() {
			scopes = append(scopes, s.Name)
		}
	}

	result := CalibrateResult{Device: dev.Name, Cycles: []CycleSummary{}}
	failed, rebuildFailed := 0, 0
	for _, scope := range scopes {
		formatter.VerboseLog("Measuring scope %s", scope)
		cr, err := loop.Trigger(ctx, scope, opts.Reason)
		if err != nil {
			failed++
			result.Cycles = append(result.Cycles, CycleSummary{Scope: scope, Error: err.Error()})
			continue
		}
		result.Cycles = append(result.Cycles, summarizeCycle(cr))
	}

	for _, p := range plans {
		summary, err := refreshPlan(ctx, p, planOpts, loop)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("rebuild plan %s: %v", p.Name, err), nil)
		}
		if summary == nil {
			continue
		}
		if !summary.Pass {
			rebuildFailed++
		}
		result.Refreshed = append(result.Refreshed, *summary)
	}

	if err := formatter.Success(result); err != nil {
		return err
	}
	if failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %d calibration cycle(s) failed", ErrCodeCalibration, failed))
	}
	if rebuildFailed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%s: %d rebuilt plan(s) failed", ErrCodePlanFailed, rebuildFailed))
	}
	return nil
}

// refreshPlan rebuilds p when any of its gate pulses was re-optimized by
// loop. It returns nil when nothing in the plan changed.
func refreshPlan(ctx context.Context, p *plan.Plan, opts plan.Options, loop *calibration.Loop) (*RefreshSummary, error) {
	stale := false
	for _, step := range p.Pulses {
		if _, ok := loop.Result(plan.DependentName(p.Name, step.ID)); ok {
			stale = true
			break
		}
	}
	if !stale {
		return nil, nil
	}

	res, err := plan.Run(ctx, p, opts)
	if err != nil {
		return nil, err
	}
	summary := &RefreshSummary{
		Plan:              p.Name,
		Pulses:            res.Refreshed(),
		ProjectedFidelity: res.Frozen.ProjectedFidelity(),
		Pass:              res.Pass,
		Errors:            res.Errors,
	}
	if res.Schedule != nil {
		summary.SequenceHash = res.Schedule.SequenceHash
	}
	slog.Info("plan rebuilt from recalibration",
		"plan", p.Name,
		"pulses", summary.Pulses,
		"sequence", summary.SequenceHash,
		"pass", summary.Pass,
	)
	return summary, nil
}

// newLoop builds a calibration loop over the device's scopes, resuming the
// logical clock after the last recorded drift.
func newLoop(ctx context.Context, cfg calibration.Config, st *store.Store, m calibration.Measurer, dev *compiler.Device) (*calibration.Loop, error) {
	last, err := st.LastDriftSeq(ctx)
	if err != nil {
		return nil, err
	}
	loop, err := calibration.NewLoop(cfg, st, m, calibration.WithClock(calibration.NewClockAt(last)))
	if err != nil {
		return nil, err
	}
	for _, scope := range dev.EffectiveScopes() {
		state, err := st.GetScopeState(ctx, scope.Name, scope.Qubits)
		if err != nil {
			return nil, err
		}
		if !state.Consistent {
			slog.Warn("stored calibration does not match drift history",
				"scope", scope.Name,
				"fingerprint", state.Fingerprint,
				"last_seq", state.LastSeq,
			)
		}
		if err := loop.AddScope(scope); err != nil {
			return nil, err
		}
	}
	return loop, nil
}

// seedStore writes the device's declared parameters for every qubit the
// store has not calibrated yet.
func seedStore(ctx context.Context, st *store.Store, dev *compiler.Device) error {
	var missing []ir.QubitParams
	for _, p := range dev.Qubits {
		_, err := st.Param(ctx, p.Qubit)
		switch {
		case errors.Is(err, store.ErrNotCalibrated):
			missing = append(missing, p)
		case err != nil:
			return err
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slog.Info("seeding calibration store from device", "device", dev.Name, "qubits", len(missing))
	return st.Apply(ctx, missing)
}

func summarizeCycle(cr *calibration.CycleResult) CycleSummary {
	s := CycleSummary{
		Scope:        cr.Scope,
		Severity:     cr.Severity.String(),
		Deviation:    cr.Deviation,
		Recalibrated: cr.Recalibrated,
		Attempts:     cr.Attempts,
	}
	if cr.Record != nil {
		s.RecordID = cr.Record.ID
		s.Seq = cr.Record.Seq
	}
	return s
}

// driftSpec is one parsed --drift flag.
type driftSpec struct {
	Qubit int
	Field string
	Value float64
}

// parseDrift parses "qubit:field=value" flags.
func parseDrift(flags []string) ([]driftSpec, error) {
	specs := make([]driftSpec, 0, len(flags))
	for _, f := range flags {
		q, rest, ok := strings.Cut(f, ":")
		if !ok {
			return nil, fmt.Errorf("invalid drift %q: want qubit:field=value", f)
		}
		field, val, ok := strings.Cut(rest, "=")
		if !ok {
			return nil, fmt.Errorf("invalid drift %q: want qubit:field=value", f)
		}
		qubit, err := strconv.Atoi(q)
		if err != nil {
			return nil, fmt.Errorf("invalid drift %q: qubit: %w", f, err)
		}
		value, err := strconv.ParseFloat(val, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid drift %q: value: %w", f, err)
		}
		specs = append(specs, driftSpec{Qubit: qubit, Field: field, Value: value})
	}
	return specs, nil
}

// applyDrift returns a copy of params with drift applied.
func applyDrift(params []ir.QubitParams, drift []driftSpec) ([]ir.QubitParams, error) {
	out := make([]ir.QubitParams, len(params))
	copy(out, params)
	for _, d := range drift {
		i := -1
		for j, p := range out {
			if p.Qubit == d.Qubit {
				i = j
				break
			}
		}
		if i < 0 {
			return nil, fmt.Errorf("drift: qubit %d not calibrated", d.Qubit)
		}
		p := &out[i]
		switch d.Field {
		case "frequency_ghz":
			p.FrequencyGHz = d.Value
		case "t1_ns":
			p.T1Ns = d.Value
		case "t2_ns":
			p.T2Ns = d.Value
		case "amp_scale":
			p.AmpScale = d.Value
		case "detuning_rad_per_ns":
			p.DetuningRad = d.Value
		default:
			return nil, fmt.Errorf("drift: unknown field %q", d.Field)
		}
	}
	return out, nil
}

// dbPath picks the --db flag over the configured store path.
func dbPath(flag, configured string) string {
	if flag != "" {
		return flag
	}
	return configured
}
