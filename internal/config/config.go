// Package config loads the kernel configuration file.
//
// One YAML document configures every component. Fields left out keep their
// defaults, unknown fields are rejected, and the result is checked with
// struct-tag validation before any component sees it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/roach88/pulsekern/internal/budget"
	"github.com/roach88/pulsekern/internal/calibration"
	"github.com/roach88/pulsekern/internal/dispatch"
	"github.com/roach88/pulsekern/internal/grape"
	"github.com/roach88/pulsekern/internal/hamiltonian"
	"github.com/roach88/pulsekern/internal/linalg"
	"github.com/roach88/pulsekern/internal/sequence"
)

// Config is the whole kernel configuration.
type Config struct {
	Budget      budget.Config      `yaml:"budget"`
	Sequence    sequence.Config    `yaml:"sequence"`
	Calibration calibration.Config `yaml:"calibration"`
	Dispatch    dispatch.Config    `yaml:"dispatch"`
	Optimizer   Optimizer          `yaml:"optimizer"`
	Store       Store              `yaml:"store"`
}

// Optimizer holds the default GRAPE settings applied to every request.
type Optimizer struct {
	NumSamples     int     `yaml:"num_samples" validate:"gte=1"`
	DurationNs     float64 `yaml:"duration_ns" validate:"gt=0"`
	Tolerance      float64 `yaml:"tolerance" validate:"gte=0"`
	TargetFidelity float64 `yaml:"target_fidelity" validate:"gt=0,lte=1"`
	MaxIterations  int     `yaml:"max_iterations" validate:"gte=1"`
	Seed           uint64  `yaml:"seed"`
	MaxAmplitude   float64 `yaml:"max_amplitude" validate:"gte=0"`
}

// Request builds an optimizer request for model and target.
func (o Optimizer) Request(model *hamiltonian.Model, target *linalg.Matrix) grape.Request {
	return grape.Request{
		Model:          model,
		Target:         target,
		NumSamples:     o.NumSamples,
		DurationNs:     o.DurationNs,
		Tolerance:      o.Tolerance,
		TargetFidelity: o.TargetFidelity,
		MaxIterations:  o.MaxIterations,
		Seed:           o.Seed,
		MaxAmplitude:   o.MaxAmplitude,
	}
}

// Store locates the calibration database.
type Store struct {
	Path string `yaml:"path" validate:"required"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Budget:      budget.DefaultConfig(),
		Sequence:    sequence.DefaultConfig(),
		Calibration: calibration.DefaultConfig(),
		Dispatch:    dispatch.DefaultConfig(),
		Optimizer: Optimizer{
			NumSamples:     40,
			DurationNs:     40,
			Tolerance:      1e-8,
			TargetFidelity: 0.999,
			MaxIterations:  500,
			Seed:           1,
		},
		Store: Store{Path: "pulsekern.db"},
	}
}

// Load reads a configuration file. A missing path yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		cfg := Default()
		return &cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true) // Reject unknown fields
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML: %w", err)
		}
	}
	if errs := Validate(&cfg); len(errs) > 0 {
		return nil, errs
	}
	return &cfg, nil
}

// Validation error codes (E300-E399).
const (
	ErrInvalidValue = "E300" // value outside its allowed range
	ErrMissingValue = "E301" // required value absent
	ErrFieldOrder   = "E302" // value must not be below a sibling
	ErrUnknownValue = "E303" // value not in the allowed set
)

// ValidationError is one invalid configuration field.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// ValidationErrors collects every invalid field.
type ValidationErrors []ValidationError

func (es ValidationErrors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return "invalid config: " + strings.Join(msgs, "; ")
}

// IsValidationError reports whether err carries configuration validation errors.
func IsValidationError(err error) bool {
	var es ValidationErrors
	return errors.As(err, &es)
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their YAML keys.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name, _, _ := strings.Cut(fld.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks every field. Returns all errors found (does not fail-fast).
func Validate(cfg *Config) ValidationErrors {
	err := validate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return ValidationErrors{{Field: "config", Message: err.Error(), Code: ErrInvalidValue}}
	}

	out := make(ValidationErrors, 0, len(verrs))
	for _, fe := range verrs {
		out = append(out, convert(fe))
	}
	return out
}

// convert maps a validator failure onto a coded error.
func convert(fe validator.FieldError) ValidationError {
	ns := fe.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		ns = rest
	}
	ve := ValidationError{Field: ns}
	switch fe.Tag() {
	case "required":
		ve.Code = ErrMissingValue
		ve.Message = "is required"
	case "gtefield":
		ve.Code = ErrFieldOrder
		ve.Message = fmt.Sprintf("must be >= %s, got %v", snake(fe.Param()), fe.Value())
	case "oneof":
		ve.Code = ErrUnknownValue
		ve.Message = fmt.Sprintf("must be one of [%s], got %v", fe.Param(), fe.Value())
	default:
		ve.Code = ErrInvalidValue
		ve.Message = fmt.Sprintf("must satisfy %s=%s, got %v", fe.Tag(), fe.Param(), fe.Value())
	}
	return ve
}

// snake converts a Go field name to its YAML key.
func snake(name string) string {
	var b strings.Builder
	runes := []rune(name)
	for i, r := range runes {
		upper := r >= 'A' && r <= 'Z'
		if upper && i > 0 {
			prevLower := runes[i-1] >= 'a' && runes[i-1] <= 'z'
			nextLower := i+1 < len(runes) && runes[i+1] >= 'a' && runes[i+1] <= 'z'
			prevUpper := runes[i-1] >= 'A' && runes[i-1] <= 'Z'
			if prevLower || (prevUpper && nextLower) {
				b.WriteByte('_')
			}
		}
		if upper {
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
