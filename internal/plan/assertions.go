package plan

import (
	"fmt"
	"math"
	"strings"
)

// timeEps absorbs float noise when comparing nanosecond values.
const timeEps = 1e-9

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string // Assertion type for categorization
	Expected string // Human-readable expected outcome
	Actual   string // Human-readable actual outcome
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("Assertion failed: %s: expected %s, actual %s", e.Type, e.Expected, e.Actual)
}

// EvaluateAssertions checks every assertion against a scheduled result and
// returns one message per failure.
func EvaluateAssertions(res *Result, assertions []Assertion) []string {
	var msgs []string
	for i, a := range assertions {
		if err := evaluate(res, a); err != nil {
			msgs = append(msgs, fmt.Sprintf("assertion %d: %v", i, err))
		}
	}
	return msgs
}

func evaluate(res *Result, a Assertion) error {
	switch a.Type {
	case AssertFidelityMin:
		got := res.Frozen.ProjectedFidelity()
		if got < a.Value {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf(">= %g", a.Value), Actual: fmt.Sprintf("%.6f", got)}
		}
	case AssertMakespanMax:
		got := res.Schedule.MakespanNs
		if got > a.Value+timeEps {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("<= %gns", a.Value), Actual: fmt.Sprintf("%gns", got)}
		}
	case AssertStartAt:
		sp, ok := res.Schedule.Lookup(a.Pulse)
		if !ok {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%s scheduled", a.Pulse), Actual: "not scheduled"}
		}
		if math.Abs(sp.Start.NominalNs-a.Value) > timeEps {
			return &AssertionError{
				Type:     a.Type,
				Expected: fmt.Sprintf("%s at %gns", a.Pulse, a.Value),
				Actual:   fmt.Sprintf("%gns", sp.Start.NominalNs),
			}
		}
	case AssertOrder:
		return assertOrder(res, a)
	case AssertAcceptedCount:
		if got := res.Accepted(); got != a.Count {
			return &AssertionError{Type: a.Type, Expected: fmt.Sprintf("%d accepted", a.Count), Actual: fmt.Sprintf("%d", got)}
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}

// assertOrder checks that each listed pulse starts strictly after the
// previous one.
func assertOrder(res *Result, a Assertion) error {
	starts := make([]string, 0, len(a.Pulses))
	prev := math.Inf(-1)
	ok := true
	for _, id := range a.Pulses {
		sp, found := res.Schedule.Lookup(id)
		if !found {
			starts = append(starts, id+"=unscheduled")
			ok = false
			continue
		}
		starts = append(starts, fmt.Sprintf("%s=%g", id, sp.Start.NominalNs))
		if sp.Start.NominalNs <= prev+timeEps {
			ok = false
		}
		prev = sp.Start.NominalNs
	}
	if ok {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: strings.Join(a.Pulses, " < "),
		Actual:   strings.Join(starts, ", "),
	}
}
