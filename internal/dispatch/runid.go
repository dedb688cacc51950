package dispatch

import "github.com/google/uuid"

// RunIDGenerator mints run identifiers.
type RunIDGenerator interface {
	Generate() string
}

// UUIDv7Generator mints time-sortable UUIDv7 run IDs. It is stateless and
// safe for concurrent use.
type UUIDv7Generator struct{}

// Generate panics only if the system random source fails.
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
