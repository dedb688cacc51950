package calibration

import (
	"fmt"
	"time"

	"github.com/roach88/pulsekern/internal/ir"
)

// Config is the calibration policy shared by every scope.
type Config struct {
	Thresholds Thresholds `yaml:"thresholds"`
	// RecalibrateAt is the lowest severity that triggers recalibration.
	RecalibrateAt ir.Severity `yaml:"recalibrate_at" validate:"gte=1,lte=4"`
	// MaxRetries is how many failed recalibration attempts are retried
	// before the scope faults.
	MaxRetries int `yaml:"max_retries" validate:"gte=0"`
	// Period is the default measurement period for scopes without one.
	Period time.Duration `yaml:"period" validate:"gt=0"`
}

// DefaultConfig recalibrates at Moderate drift, retries twice, and measures
// every ten minutes.
func DefaultConfig() Config {
	return Config{
		Thresholds:    DefaultThresholds(),
		RecalibrateAt: ir.SeverityModerate,
		MaxRetries:    2,
		Period:        10 * time.Minute,
	}
}

func (c Config) validate() error {
	if err := c.Thresholds.validate(); err != nil {
		return err
	}
	switch {
	case c.RecalibrateAt <= ir.SeverityNone || c.RecalibrateAt > ir.SeverityCritical:
		return fmt.Errorf("recalibrate_at must be between minor and critical, got %s", c.RecalibrateAt)
	case c.MaxRetries < 0:
		return fmt.Errorf("max_retries must be non-negative, got %d", c.MaxRetries)
	case c.Period <= 0:
		return fmt.Errorf("period must be positive, got %s", c.Period)
	}
	return nil
}

// Scope is a qubit or coupled-qubit group that drifts and recalibrates as a
// unit. Scopes must not share qubits.
type Scope struct {
	Name   string        `yaml:"name"`
	Qubits []int         `yaml:"qubits"`
	Period time.Duration `yaml:"period,omitempty"`
}
