package plan

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pulsekern/internal/ir"
)

// Plan is a pulse sequence to build, schedule and check.
type Plan struct {
	// Name uniquely identifies this plan; it also names its golden file.
	Name string `yaml:"name"`

	// Description explains what this plan exercises.
	Description string `yaml:"description,omitempty"`

	// Device is the path of the CUE device description.
	// Relative paths are resolved against the plan file's directory.
	Device string `yaml:"device"`

	// Pulses are appended in order.
	Pulses []PulseStep `yaml:"pulses"`

	// Constraints relate pulses by ID. Each constraint is appended together
	// with the later of its two pulses.
	Constraints []ir.TemporalConstraint `yaml:"constraints,omitempty"`

	// Assertions validate the finished schedule.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// PulseStep describes one pulse. Exactly one of Gate or Shape is set.
type PulseStep struct {
	ID     string `yaml:"id"`
	Qubits []int  `yaml:"qubits"`

	// Gate names a target unitary to optimize with GRAPE.
	Gate string `yaml:"gate,omitempty"`

	// Shape is a fixed analytic envelope.
	Shape *Shape `yaml:"shape,omitempty"`

	// EarliestNs is the requested earliest start.
	EarliestNs float64 `yaml:"earliest_ns,omitempty"`

	// DurationNs overrides the optimizer duration for gate pulses.
	DurationNs float64 `yaml:"duration_ns,omitempty"`

	// Expect is "accepted" (the default) or "rejected".
	Expect string `yaml:"expect,omitempty"`
}

// Expect values.
const (
	ExpectAccepted = "accepted"
	ExpectRejected = "rejected"
)

// Assertion validates the finished schedule.
type Assertion struct {
	// Type selects the check:
	// - "fidelity_min": projected fidelity >= Value
	// - "makespan_max": makespan in ns <= Value
	// - "start_at": Pulse starts at Value ns
	// - "order": Pulses start in the listed order
	// - "accepted_count": exactly Count pulses accepted
	Type string `yaml:"type"`

	Value  float64  `yaml:"value,omitempty"`
	Pulse  string   `yaml:"pulse,omitempty"`
	Pulses []string `yaml:"pulses,omitempty"`
	Count  int      `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertFidelityMin   = "fidelity_min"
	AssertMakespanMax   = "makespan_max"
	AssertStartAt       = "start_at"
	AssertOrder         = "order"
	AssertAcceptedCount = "accepted_count"
)

// Load reads and parses a plan YAML file and resolves its device path
// against the file's directory.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan file: %w", err)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, err
	}
	if p.Device != "" && !filepath.IsAbs(p.Device) {
		p.Device = filepath.Join(filepath.Dir(path), p.Device)
	}
	return p, nil
}

// Parse decodes and validates a plan document.
func Parse(data []byte) (*Plan, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:"
	var p Plan
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&p); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validatePlan(&p); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return &p, nil
}

// validatePlan checks required fields and cross references.
func validatePlan(p *Plan) error {
	var errs []error
	if p.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if p.Device == "" {
		errs = append(errs, errors.New("device is required"))
	}
	if len(p.Pulses) == 0 {
		errs = append(errs, errors.New("at least one pulse is required"))
	}

	ids := make(map[string]bool, len(p.Pulses))
	for i, step := range p.Pulses {
		if step.ID == "" {
			errs = append(errs, fmt.Errorf("pulses[%d]: id is required", i))
		} else if ids[step.ID] {
			errs = append(errs, fmt.Errorf("pulses[%d]: duplicate id %q", i, step.ID))
		}
		ids[step.ID] = true

		if (step.Gate == "") == (step.Shape == nil) {
			errs = append(errs, fmt.Errorf("pulses[%d]: exactly one of gate or shape is required", i))
		}
		if step.Shape != nil {
			if err := step.Shape.validate(); err != nil {
				errs = append(errs, fmt.Errorf("pulses[%d].shape: %w", i, err))
			}
		}
		switch step.Expect {
		case "", ExpectAccepted, ExpectRejected:
		default:
			errs = append(errs, fmt.Errorf("pulses[%d]: expect must be %q or %q, got %q",
				i, ExpectAccepted, ExpectRejected, step.Expect))
		}
	}

	for i, c := range p.Constraints {
		if !ir.ValidConstraintKinds[c.Kind] {
			errs = append(errs, fmt.Errorf("constraints[%d]: unknown kind %q", i, c.Kind))
		}
		for _, id := range []string{c.PulseA, c.PulseB} {
			if !ids[id] {
				errs = append(errs, fmt.Errorf("constraints[%d]: unknown pulse %q", i, id))
			}
		}
	}

	for i, a := range p.Assertions {
		switch a.Type {
		case AssertFidelityMin, AssertMakespanMax, AssertAcceptedCount:
		case AssertStartAt:
			if !ids[a.Pulse] {
				errs = append(errs, fmt.Errorf("assertions[%d]: unknown pulse %q", i, a.Pulse))
			}
		case AssertOrder:
			if len(a.Pulses) < 2 {
				errs = append(errs, fmt.Errorf("assertions[%d]: order needs at least two pulses", i))
			}
		default:
			errs = append(errs, fmt.Errorf("assertions[%d]: unknown type %q", i, a.Type))
		}
	}

	return errors.Join(errs...)
}
