package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/roach88/pulsekern/internal/plan"
	"github.com/roach88/pulsekern/internal/scheduler"
)

// ScheduleResult is the JSON form of a scheduled plan.
type ScheduleResult struct {
	*plan.Result
	ProjectedFidelity float64             `json:"projected_fidelity"`
	ProvenanceRoot    string              `json:"provenance_root,omitempty"`
	Schedule          *scheduler.Schedule `json:"schedule,omitempty"`
}

// NewScheduleCommand creates the schedule command.
func NewScheduleCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule <plan>",
		Short: "Build and schedule a pulse plan",
		Long: `Build the pulse sequence described by a YAML plan, schedule it on the
device's AWG clock and print the timeline.

Each pulse is checked against the coherence and error budgets as it is
appended. Pulses the plan expects to be rejected do not fail the command.

Exit codes:
  0 - Plan passed
  1 - An expectation or assertion failed
  2 - Command error (plan or device not loadable, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchedule(cmd.Context(), rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runSchedule(ctx context.Context, opts *RootOptions, planPath string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)

	p, err := plan.Load(planPath)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeLoadFailed, err.Error(), nil)
	}
	dev, err := LoadDevice(p.Device)
	if err != nil {
		return failLoad(formatter, err)
	}

	res, err := plan.Run(ctx, p, plan.Options{
		Config: opts.kernelConfig(),
		Device: dev,
		Logger: slog.Default(),
	})
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
	}

	if formatter.Format == "json" {
		out := ScheduleResult{Result: res, Schedule: res.Schedule}
		if res.Frozen != nil {
			out.ProjectedFidelity = res.Frozen.ProjectedFidelity()
		}
		if res.Provenance != nil {
			out.ProvenanceRoot = res.Provenance.Root
		}
		if err := formatter.Success(out); err != nil {
			return err
		}
	} else {
		fmt.Fprint(formatter.Writer, res.Snapshot())
		for _, e := range res.Errors {
			fmt.Fprintf(formatter.Writer, "✗ %s\n", e)
		}
	}

	if !res.Pass {
		return NewExitError(ExitFailure, fmt.Sprintf("plan %s failed with %d error(s)", p.Name, len(res.Errors)))
	}
	return nil
}
