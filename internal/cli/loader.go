package cli

import (
	"errors"
	"fmt"
	"os"

	"cuelang.org/go/cue/token"

	"github.com/roach88/pulsekern/internal/compiler"
	"github.com/roach88/pulsekern/internal/store"
)

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeCompile     = "E002" // CUE device compilation failed
	ErrCodeInvalid     = "E003" // Device or plan failed validation
	ErrCodeLoadFailed  = "E004" // Plan or config load failed
	ErrCodeNotFound    = "E005" // Path not found
	ErrCodeDatabase    = "E006" // Database open or query failed
	ErrCodeWriteFailed = "E007" // File write error
	ErrCodeOptimize    = "E008" // Optimization failed
	ErrCodePlanFailed  = "E009" // Plan expectations or assertions failed
	ErrCodeShortfall   = "E010" // Measured fidelity below projection
	ErrCodeCalibration = "E011" // Calibration cycle failed
)

// LoadError represents an error that occurred while loading an input file.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
	Details any
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadDevice compiles and validates a device from a .cue file or directory.
func LoadDevice(path string) (*compiler.Device, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("device not found: %s", path)}
	}

	dev, err := compiler.Load(path)
	if err == nil {
		return dev, nil
	}
	return nil, convertCompileError(err, path)
}

// convertCompileError converts a compiler error to a LoadError with position info.
func convertCompileError(err error, path string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		return &LoadError{
			Code:    ErrCodeCompile,
			Message: compileErr.Message,
			Pos:     compileErr.Pos,
		}
	}
	var validationErrs compiler.ValidationErrors
	if errors.As(err, &validationErrs) {
		return &LoadError{
			Code:    ErrCodeInvalid,
			Message: fmt.Sprintf("%s: %d validation error(s)", path, len(validationErrs)),
			Details: []compiler.ValidationError(validationErrs),
		}
	}
	return &LoadError{
		Code:    ErrCodeGeneric,
		Message: fmt.Sprintf("%s: %v", path, err),
	}
}

// openStore opens the calibration database.
func openStore(path string) (*store.Store, error) {
	if path == "" {
		return nil, &LoadError{Code: ErrCodeDatabase, Message: "database path is required"}
	}
	st, err := store.Open(path)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeDatabase, Message: fmt.Sprintf("failed to open database: %v", err)}
	}
	return st, nil
}

// failLoad reports a load error through the formatter.
func failLoad(f *OutputFormatter, err error) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		exit := ExitCommandError
		if loadErr.Code == ErrCodeInvalid || loadErr.Code == ErrCodeCompile {
			exit = ExitFailure
		}
		return f.Fail(exit, loadErr.Code, loadErr.Error(), loadErr.Details)
	}
	return f.Fail(ExitCommandError, ErrCodeGeneric, err.Error(), nil)
}
