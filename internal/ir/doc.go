// Package ir provides the canonical data model for pulsekern.
//
// This package contains type definitions and the canonical encoding used for
// content hashing. All other internal packages import ir; ir imports nothing
// internal, so it remains the foundational layer with no circular dependencies.
//
// Key design constraints:
//   - Canonical JSON (RFC 8785) is the ONLY encoding used for content hashes
//   - Floats never enter canonical JSON directly; Real() renders them as the
//     shortest round-trip decimal string so identical values hash identically
//   - All JSON tags use snake_case
//   - Drift history is ordered by logical seq, never by wall-clock timestamps
package ir
