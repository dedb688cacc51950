package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/pulsekern/internal/plan"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool   // regenerate golden files
	Filter string // plan filter (glob pattern)
}

// PlanResult holds the result of a single plan run.
type PlanResult struct {
	Name   string   `json:"name"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult holds the overall test result.
type TestResult struct {
	Plans  []PlanResult `json:"plans"`
	Passed int          `json:"passed"`
	Failed int          `json:"failed"`
	Total  int          `json:"total"`
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <plans-dir>",
		Short: "Run pulse plans against golden timelines",
		Long: `Run every YAML plan in a directory.

A plan passes when all of its expectations and assertions hold and, if
golden/<plan>.golden exists next to it, its snapshot matches the golden
file byte for byte.

Exit codes:
  0 - All plans passed
  1 - One or more plans failed
  2 - Command error (invalid paths, etc.)

Examples:
  pulsekern test ./plans
  pulsekern test ./plans --filter "cz-*"
  pulsekern test ./plans --update
  pulsekern test ./plans --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "regenerate golden files")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "filter plans by glob pattern")

	return cmd
}

func runTests(ctx context.Context, opts *TestOptions, plansDir string, cmd *cobra.Command) error {
	if ctx == nil {
		ctx = context.Background()
	}
	formatter := opts.formatter(cmd)

	if _, err := os.Stat(plansDir); os.IsNotExist(err) {
		return formatter.Fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("plans directory not found: %s", plansDir), nil)
	}

	planFiles, err := findPlanFiles(plansDir, opts.Filter)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("failed to find plans: %v", err), nil)
	}

	result := TestResult{
		Plans: make([]PlanResult, 0, len(planFiles)),
		Total: len(planFiles),
	}
	if len(planFiles) == 0 {
		if opts.Format == "json" {
			return formatter.Success(result)
		}
		fmt.Fprintln(formatter.Writer, "No plans found.")
		return nil
	}

	for _, planFile := range planFiles {
		pr := runPlanFile(ctx, planFile, opts)
		if opts.Format != "json" {
			reportPlan(formatter.Writer, pr)
		}
		result.Plans = append(result.Plans, pr)
		if pr.Pass {
			result.Passed++
		} else {
			result.Failed++
		}
	}

	if opts.Format == "json" {
		return outputTestJSON(formatter, result)
	}
	return outputTestText(formatter, result)
}

// findPlanFiles finds all YAML plan files under dir.
func findPlanFiles(dir string, filter string) ([]string, error) {
	var files []string

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		if info.IsDir() {
			if info.Name() == "golden" {
				return filepath.SkipDir
			}
			return nil
		}

		// Only process .yaml and .yml files
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		// Apply filter if specified
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			matched, err := filepath.Match(filter, name)
			if err != nil {
				return fmt.Errorf("invalid filter pattern: %w", err)
			}
			if !matched {
				return nil
			}
		}

		files = append(files, path)
		return nil
	})

	return files, err
}

// runPlanFile executes a single plan and returns the result.
func runPlanFile(ctx context.Context, planFile string, opts *TestOptions) PlanResult {
	name := strings.TrimSuffix(filepath.Base(planFile), filepath.Ext(planFile))

	p, err := plan.Load(planFile)
	if err != nil {
		return PlanResult{Name: name, Errors: []string{fmt.Sprintf("failed to load plan: %v", err)}}
	}
	name = p.Name

	logger := slog.Default()
	if !opts.Verbose {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	res, err := plan.Run(ctx, p, plan.Options{Config: opts.kernelConfig(), Logger: logger})
	if err != nil {
		return PlanResult{Name: name, Errors: []string{fmt.Sprintf("execution failed: %v", err)}}
	}

	goldenPath := goldenFilePath(planFile)
	snapshot := []byte(res.Snapshot())

	if opts.Update {
		if err := writeGolden(goldenPath, snapshot); err != nil {
			return PlanResult{Name: name, Errors: []string{err.Error()}}
		}
		return PlanResult{Name: name, Pass: res.Pass, Errors: res.Errors}
	}

	errs := res.Errors
	golden, err := os.ReadFile(goldenPath)
	switch {
	case os.IsNotExist(err):
		// No golden file - assertion-based validation only
	case err != nil:
		errs = append(errs, fmt.Sprintf("failed to read golden file: %v", err))
	case string(golden) != string(snapshot):
		errs = append(errs, "timeline does not match golden file (run with --update to regenerate)")
	}
	return PlanResult{Name: name, Pass: len(errs) == 0, Errors: errs}
}

// goldenFilePath returns the path to the golden file for a plan.
func goldenFilePath(planFile string) string {
	dir := filepath.Dir(planFile)
	base := filepath.Base(planFile)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return filepath.Join(dir, "golden", name+".golden")
}

// writeGolden writes a snapshot as the golden file.
func writeGolden(path string, snapshot []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create golden directory: %w", err)
	}
	if err := os.WriteFile(path, snapshot, 0644); err != nil {
		return fmt.Errorf("failed to write golden file: %w", err)
	}
	return nil
}

func reportPlan(w io.Writer, pr PlanResult) {
	if pr.Pass {
		fmt.Fprintf(w, "✓ %s\n", pr.Name)
		return
	}
	fmt.Fprintf(w, "✗ %s\n", pr.Name)
	for _, e := range pr.Errors {
		fmt.Fprintf(w, "  %s\n", e)
	}
}

// outputTestJSON outputs the test result as JSON.
func outputTestJSON(formatter *OutputFormatter, result TestResult) error {
	if result.Failed > 0 {
		return formatter.Partial(result, ErrCodePlanFailed, fmt.Sprintf("%d plan(s) failed", result.Failed))
	}
	return formatter.JSON(CLIResponse{Status: "ok", Data: result})
}

// outputTestText outputs the test result as text.
func outputTestText(formatter *OutputFormatter, result TestResult) error {
	w := formatter.Writer

	fmt.Fprintln(w)
	fmt.Fprintf(w, "Test Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)

	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d plan(s) failed", result.Failed))
	}

	fmt.Fprintln(w, "✓ All plans passed")
	return nil
}
