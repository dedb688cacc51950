package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pulsekern/internal/dispatch"
	"github.com/roach88/pulsekern/internal/ir"
	"github.com/roach88/pulsekern/internal/store"
)

// ResultsOptions holds flags for the results command.
type ResultsOptions struct {
	*RootOptions
	DB       string
	Sequence string
	RunID    string
}

// ResultsOutput lists recorded measurements.
type ResultsOutput struct {
	Measurements []ir.MeasurementResult `json:"measurements"`
}

func (r ResultsOutput) String() string {
	if len(r.Measurements) == 0 {
		return "No measurements."
	}
	var b strings.Builder
	for i, m := range r.Measurements {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%s\t%s\t%s\tmeasured=%.6f", m.RunID, m.Backend, short(m.SequenceHash), dispatch.MeasuredFidelity(&m))
		if m.ProjectedFidelity != nil {
			fmt.Fprintf(&b, "\tprojected=%.6f", *m.ProjectedFidelity)
		}
	}
	return b.String()
}

// NewResultsCommand creates the results command.
func NewResultsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ResultsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "results",
		Short: "Show recorded measurement results",
		Long: `Print measurements recorded by the dispatcher, either one run by ID or
every run of a sequence hash.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResults(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "calibration database (defaults to store.path from config)")
	cmd.Flags().StringVar(&opts.Sequence, "sequence", "", "sequence hash")
	cmd.Flags().StringVar(&opts.RunID, "run", "", "run ID")
	cmd.MarkFlagsOneRequired("sequence", "run")
	cmd.MarkFlagsMutuallyExclusive("sequence", "run")

	return cmd
}

func runResults(ctx context.Context, opts *ResultsOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)

	st, err := openStore(dbPath(opts.DB, opts.kernelConfig().Store.Path))
	if err != nil {
		return failLoad(formatter, err)
	}
	defer st.Close()

	out := ResultsOutput{Measurements: []ir.MeasurementResult{}}
	if opts.RunID != "" {
		m, err := st.ReadMeasurement(ctx, opts.RunID)
		if errors.Is(err, store.ErrNotFound) {
			return formatter.Fail(ExitCommandError, ErrCodeNotFound, err.Error(), nil)
		}
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeDatabase, err.Error(), nil)
		}
		out.Measurements = append(out.Measurements, m)
		return formatter.Success(out)
	}

	out.Measurements, err = st.Measurements(ctx, opts.Sequence)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDatabase, err.Error(), nil)
	}
	return formatter.Success(out)
}
