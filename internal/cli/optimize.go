package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pulsekern/internal/grape"
	"github.com/roach88/pulsekern/internal/ir"
)

// OptimizeOptions holds flags for the optimize command.
type OptimizeOptions struct {
	*RootOptions
	Gate       string
	Qubits     []int
	DurationNs float64
	Samples    int
	Seed       uint64
	Output     string // envelope file, empty to skip
}

// OptimizeResult summarizes one optimization run.
type OptimizeResult struct {
	Gate       string           `json:"gate"`
	Qubits     []int            `json:"qubits"`
	Fidelity   float64          `json:"fidelity"`
	Target     float64          `json:"target_fidelity"`
	Iterations int              `json:"iterations"`
	Converged  bool             `json:"converged"`
	StopReason grape.StopReason `json:"stop_reason"`
	DurationNs float64          `json:"duration_ns"`
	ConfigHash string           `json:"config_hash"`
	Output     string           `json:"output,omitempty"`
}

func (r OptimizeResult) String() string {
	mark := "✓"
	if !r.Converged {
		mark = "✗"
	}
	return fmt.Sprintf("%s %s on %s: fidelity=%.6f target=%g iterations=%d stop=%s duration_ns=%g",
		mark, r.Gate, formatGroup(r.Qubits), r.Fidelity, r.Target, r.Iterations, r.StopReason, r.DurationNs)
}

// NewOptimizeCommand creates the optimize command.
func NewOptimizeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &OptimizeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "optimize <device>",
		Short: "Optimize a gate pulse with GRAPE",
		Long: `Optimize a drive envelope that implements a named gate on the given
qubits of a device. Optimizer settings come from the kernel config; flags
override duration, sample count and seed.

Gates: I X Y Z H S SX CNOT CZ

Examples:
  pulsekern optimize device.cue --gate X --qubits 0
  pulsekern optimize device.cue --gate CZ --qubits 0,1 --duration 120 -o cz.json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOptimize(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Gate, "gate", "", "target gate name")
	cmd.Flags().IntSliceVar(&opts.Qubits, "qubits", nil, "qubits the gate acts on")
	cmd.Flags().Float64Var(&opts.DurationNs, "duration", 0, "pulse duration in ns (0 keeps the config value)")
	cmd.Flags().IntVar(&opts.Samples, "samples", 0, "number of samples (0 keeps the config value)")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 0, "random seed (0 keeps the config value)")
	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the optimized envelope as JSON")
	_ = cmd.MarkFlagRequired("gate")
	_ = cmd.MarkFlagRequired("qubits")

	return cmd
}

func runOptimize(ctx context.Context, opts *OptimizeOptions, devicePath string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)

	dev, err := LoadDevice(devicePath)
	if err != nil {
		return failLoad(formatter, err)
	}

	gateName := strings.ToUpper(opts.Gate)
	target, err := grape.Gate(gateName)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeOptimize, err.Error(), nil)
	}
	model, err := dev.Model(opts.Qubits)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeOptimize, fmt.Sprintf("build model: %v", err), nil)
	}
	if target.Rows != model.Dim() {
		return formatter.Fail(ExitCommandError, ErrCodeOptimize,
			fmt.Sprintf("gate %s acts on dimension %d, %d qubit(s) give %d", gateName, target.Rows, len(opts.Qubits), model.Dim()), nil)
	}

	settings := opts.kernelConfig().Optimizer
	if opts.DurationNs > 0 {
		settings.DurationNs = opts.DurationNs
	}
	if opts.Samples > 0 {
		settings.NumSamples = opts.Samples
	}
	if opts.Seed != 0 {
		settings.Seed = opts.Seed
	}

	formatter.VerboseLog("Optimizing %s on %v: %d samples over %gns", gateName, opts.Qubits, settings.NumSamples, settings.DurationNs)

	res, err := grape.Optimize(ctx, settings.Request(model, target))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeOptimize, err.Error(), nil)
	}

	result := OptimizeResult{
		Gate:       gateName,
		Qubits:     opts.Qubits,
		Fidelity:   res.Fidelity,
		Target:     res.TargetFidelity,
		Iterations: res.Iterations,
		Converged:  res.Converged,
		StopReason: res.StopReason,
		DurationNs: res.Envelope.DurationNs(),
		ConfigHash: res.ConfigHash,
	}

	if opts.Output != "" {
		if err := writeEnvelope(opts.Output, res.Envelope); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, err.Error(), nil)
		}
		result.Output = opts.Output
	}

	if err := formatter.Success(result); err != nil {
		return err
	}
	if failure := res.Failure(); failure != nil {
		return WrapExitError(ExitFailure, "optimization did not converge", failure)
	}
	return nil
}

// writeEnvelope writes an envelope as indented JSON.
func writeEnvelope(path string, env ir.Envelope) error {
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0644); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}
