package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pulsekern/internal/compiler"
)

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid    bool                       `json:"valid"`
	Device   string                     `json:"device,omitempty"`
	Qubits   int                        `json:"qubits,omitempty"`
	Groups   [][]int                    `json:"coupling_groups,omitempty"`
	Warnings []compiler.ScopeWarning    `json:"warnings,omitempty"`
	Errors   []compiler.ValidationError `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <device>",
		Short: "Validate a device description",
		Long: `Validate a CUE device description without running anything.

Checks the schema, qubit and coupling consistency, calibration scopes and
Hamiltonian specs, then reports the coupling groups and any calibration
scope that splits a coupled group.

Exit codes:
  0 - Device is valid (warnings do not fail)
  1 - Device failed compilation or validation
  2 - Command error (path not found, etc.)`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true, // Don't print usage on errors
		SilenceErrors: true, // Don't print errors - we handle our own error output
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}

	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := opts.formatter(cmd)

	dev, err := LoadDevice(path)
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) && loadErr.Code == ErrCodeInvalid {
			errs, _ := loadErr.Details.([]compiler.ValidationError)
			return outputValidationErrors(formatter, errs)
		}
		return failLoad(formatter, err)
	}

	formatter.VerboseLog("Compiled device %s: %d qubit(s), %d coupling(s)", dev.Name, len(dev.Qubits), len(dev.Couplings))

	result := ValidationResult{
		Valid:    true,
		Device:   dev.Name,
		Qubits:   len(dev.Qubits),
		Groups:   compiler.CouplingGroups(dev),
		Warnings: compiler.AnalyzeScopes(dev),
	}
	return outputValidateSuccess(formatter, result)
}

// outputValidateSuccess outputs successful validation results.
func outputValidateSuccess(formatter *OutputFormatter, result ValidationResult) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Device %s valid (%d qubits)\n", result.Device, result.Qubits)
	for _, g := range result.Groups {
		fmt.Fprintf(w, "  group %s\n", formatGroup(g))
	}
	for _, warn := range result.Warnings {
		fmt.Fprintf(w, "  %s: %s\n", warn.Level, warn.Message)
	}
	return nil
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(formatter *OutputFormatter, errs []compiler.ValidationError) error {
	summary := fmt.Sprintf("validation failed with %d error(s)", len(errs))
	if formatter.Format == "json" {
		code, message := ErrCodeInvalid, summary
		if len(errs) > 0 {
			code, message = errs[0].Code, errs[0].Message
		}
		return formatter.Partial(ValidationResult{Valid: false, Errors: errs}, code, message)
	}

	fmt.Fprintln(formatter.Writer, "✗ Validation failed")
	fmt.Fprintln(formatter.Writer)

	for _, err := range errs {
		if err.Line > 0 {
			fmt.Fprintf(formatter.Writer, "line %d\n", err.Line)
		}
		fmt.Fprintf(formatter.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
	}

	return NewExitError(ExitFailure, summary)
}

// formatGroup renders a qubit group as "q0,q1".
func formatGroup(qubits []int) string {
	parts := make([]string, len(qubits))
	for i, q := range qubits {
		parts[i] = fmt.Sprintf("q%d", q)
	}
	return strings.Join(parts, ",")
}
