package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/pulsekern/internal/dispatch"
	"github.com/roach88/pulsekern/internal/plan"
	"github.com/roach88/pulsekern/internal/provenance"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	DB      string
	Backend string
	Shots   int

	// RunIDs overrides the run ID generator (for testing).
	// If nil, defaults to UUIDv7Generator.
	RunIDs dispatch.RunIDGenerator
}

// RunResult reports one dispatched execution.
type RunResult struct {
	RunID             string  `json:"run_id"`
	Backend           string  `json:"backend"`
	Plan              string  `json:"plan"`
	SequenceHash      string  `json:"sequence_hash"`
	MakespanNs        float64 `json:"makespan_ns"`
	ProjectedFidelity float64 `json:"projected_fidelity"`
	MeasuredFidelity  float64 `json:"measured_fidelity"`
	ProvenanceRoot    string  `json:"provenance_root"`
	Shortfall         bool    `json:"shortfall"`
}

func (r RunResult) String() string {
	mark := "✓"
	if r.Shortfall {
		mark = "✗"
	}
	return fmt.Sprintf("%s run %s on %s: plan=%s makespan_ns=%g projected=%.6f measured=%.6f\n  sequence %s\n  provenance %s",
		mark, r.RunID, r.Backend, r.Plan, r.MakespanNs, r.ProjectedFidelity, r.MeasuredFidelity, r.SequenceHash, r.ProvenanceRoot)
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <plan>",
		Short: "Build a plan and execute it on a backend",
		Long: `Build and schedule a plan against the live calibration in the store, then
dispatch it to a backend and wait for the measurement.

Execution waits for calibration admission on the plan's qubits. The
measurement is recorded in the store and compared with the sequence's
projected fidelity.

Exit codes:
  0 - Measurement within tolerance of the projection
  1 - Plan failed or measured fidelity fell short
  2 - Command error (plan, device or database unusable)

Example:
  pulsekern run --db ./lab.db plans/bell.yaml
  pulsekern run --db ./lab.db --shots 1000 plans/bell.yaml`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "calibration database (defaults to store.path from config)")
	cmd.Flags().StringVar(&opts.Backend, "backend", dispatch.SimulatorName, "execution backend")
	cmd.Flags().IntVar(&opts.Shots, "shots", 0, "shot count (0 keeps the config value)")

	return cmd
}

func runPlan(opts *RunOptions, planPath string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)
	cfg := opts.kernelConfig()

	// Use command's context if available (for testing), otherwise create one
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := plan.Load(planPath)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeLoadFailed, err.Error(), nil)
	}
	dev, err := LoadDevice(p.Device)
	if err != nil {
		return failLoad(formatter, err)
	}

	st, err := openStore(dbPath(opts.DB, cfg.Store.Path))
	if err != nil {
		return failLoad(formatter, err)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	if err := seedStore(ctx, st, dev); err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDatabase, err.Error(), nil)
	}

	res, err := plan.Run(ctx, p, plan.Options{
		Config:      cfg,
		Device:      dev,
		Coherence:   st,
		Calibration: st,
		Logger:      slog.Default(),
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}
	if !res.Pass {
		return formatter.Fail(ExitFailure, ErrCodePlanFailed, fmt.Sprintf("plan %s failed", p.Name), res.Errors)
	}

	calib, err := st.Params(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDatabase, err.Error(), nil)
	}
	prov, err := provenance.ForExecution(res.Frozen, calib)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	registry, sim := dispatch.NewDefaultRegistry(calib...)
	loop, err := newLoop(ctx, cfg.Calibration, st, sim, dev)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeCalibration, err.Error(), nil)
	}

	dispatchOpts := []dispatch.Option{dispatch.WithSink(st), dispatch.WithAdmitter(loop)}
	if opts.RunIDs != nil {
		dispatchOpts = append(dispatchOpts, dispatch.WithRunIDs(opts.RunIDs))
	}
	d, err := dispatch.New(registry, cfg.Dispatch, dispatchOpts...)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	projected := res.Frozen.ProjectedFidelity()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.Run(gctx) })

	runID, err := d.Submit(dispatch.Request{
		Backend:           opts.Backend,
		Schedule:          res.Schedule,
		Calibration:       calib,
		ProjectedFidelity: projected,
		Provenance:        prov,
		Shots:             opts.Shots,
	})
	if err != nil {
		d.Close()
		_ = g.Wait()
		code := ErrCodeGeneric
		if dispatch.IsUnknownBackendError(err) || dispatch.IsCapabilityError(err) {
			code = ErrCodeInvalid
		}
		return formatter.Fail(ExitCommandError, code, err.Error(), nil)
	}

	out, runErr := d.Await(gctx, runID)
	d.Close()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("dispatcher stopped with error", "error", err)
	}

	if out == nil || (runErr != nil && !dispatch.IsFidelityShortfallError(runErr)) {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, fmt.Sprintf("run failed: %v", runErr), nil)
	}

	result := RunResult{
		RunID:             out.RunID,
		Backend:           out.Backend,
		Plan:              p.Name,
		SequenceHash:      res.Schedule.SequenceHash,
		MakespanNs:        res.Schedule.MakespanNs,
		ProjectedFidelity: projected,
		MeasuredFidelity:  out.MeasuredFidelity,
		ProvenanceRoot:    prov.Root,
		Shortfall:         runErr != nil,
	}
	if err := formatter.Success(result); err != nil {
		return err
	}
	if result.Shortfall {
		return WrapExitError(ExitFailure, ErrCodeShortfall, runErr)
	}
	return nil
}
