package ir

// Version constants for the data model and the kernel.
const (
	// IRVersion is the canonical data model version.
	IRVersion = "1"

	// SoftwareVersion is the pulsekern kernel version.
	SoftwareVersion = "0.1.0"
)
