package plan

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"
)

// Snapshot renders a result as stable text: a header, one line per step,
// then the schedule timeline.
//
//	plan=bell device=lab-2q
//	step	h0	accepted
//	step	bad	rejected	alignment
//	makespan_ns=80 clock_tick_ns=1 pulses=2
//	0	40	q0	h0
//	...
//
// Optimizer fidelities and projected fidelity are left out; they vary with
// floating-point details the snapshot should not pin.
func (r *Result) Snapshot() string {
	var b strings.Builder
	fmt.Fprintf(&b, "plan=%s device=%s\n", r.Plan, r.Device)
	for _, s := range r.Steps {
		line := []string{"step", s.ID, s.Status}
		if s.ErrorKind != "" {
			line = append(line, s.ErrorKind)
		}
		if len(s.Warnings) > 0 {
			line = append(line, "warnings="+strings.Join(s.Warnings, ","))
		}
		b.WriteString(strings.Join(line, "\t"))
		b.WriteByte('\n')
	}
	if r.Schedule != nil {
		b.WriteString(r.Schedule.Timeline())
	}
	return b.String()
}

// RunWithGolden executes a plan and compares its snapshot against a golden
// file stored in testdata/golden/{plan.Name}.golden
//
// To regenerate golden files, run:
//
//	go test ./internal/plan -update
func RunWithGolden(t *testing.T, p *Plan, opts Options) (*Result, error) {
	t.Helper()

	res, err := Run(context.Background(), p, opts)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, p.Name, res)
	return res, nil
}

// AssertGolden compares an existing result against its golden file.
func AssertGolden(t *testing.T, name string, res *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(res.Snapshot()))
}
