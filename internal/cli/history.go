package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pulsekern/internal/ir"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	DB    string
	Scope string
}

// HistoryResult is the drift history of one or every scope.
type HistoryResult struct {
	Scope   string           `json:"scope,omitempty"`
	Records []ir.DriftRecord `json:"records"`
}

func (r HistoryResult) String() string {
	if len(r.Records) == 0 {
		return "No drift records."
	}
	var b strings.Builder
	for i, rec := range r.Records {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d\t%s\t%s\t%s\t%s -> %s\t%s",
			rec.Seq, rec.Scope, rec.Severity, formatGroup(rec.Qubits),
			short(rec.FingerprintBefore), short(rec.FingerprintAfter), rec.TriggerReason)
	}
	return b.String()
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show drift history",
		Long: `Print the append-only drift history in logical-clock order.

Each line shows: seq, scope, severity, qubits, fingerprint change and
trigger reason.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "calibration database (defaults to store.path from config)")
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "only show one scope")

	return cmd
}

func runHistory(ctx context.Context, opts *HistoryOptions, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)

	st, err := openStore(dbPath(opts.DB, opts.kernelConfig().Store.Path))
	if err != nil {
		return failLoad(formatter, err)
	}
	defer st.Close()

	records, err := st.DriftHistory(ctx, opts.Scope)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeDatabase, err.Error(), nil)
	}
	return formatter.Success(HistoryResult{Scope: opts.Scope, Records: records})
}

// short abbreviates a hash for text output.
func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
