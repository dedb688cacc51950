package compiler

import (
	"fmt"
	"os"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/load"
)

// DeviceField is the top-level field holding the device description.
const DeviceField = "device"

// CompileSource compiles CUE source text and extracts its device.
// filename is used only for error positions.
func CompileSource(src []byte, filename string) (*Device, error) {
	v := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileChecked(v)
}

// CompileDir loads the CUE package in dir and extracts its device.
func CompileDir(dir string) (*Device, error) {
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, fmt.Errorf("no CUE instances in %s", dir)
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, fmt.Errorf("loading CUE files: %w", formatCUEError(inst.Err))
	}

	v := cuecontext.New().BuildInstance(inst)
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}
	return compileChecked(v)
}

// Load compiles a device from a .cue file or a directory of CUE files.
func Load(path string) (*Device, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return CompileDir(path)
	}
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return CompileSource(src, path)
}

// compileChecked compiles the device field and applies Validate.
func compileChecked(v cue.Value) (*Device, error) {
	d, err := CompileDevice(v.LookupPath(cue.ParsePath(DeviceField)))
	if err != nil {
		return nil, err
	}
	if errs := Validate(d); len(errs) > 0 {
		return nil, errs
	}
	return d, nil
}
