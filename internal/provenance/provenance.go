// Package provenance derives content-addressed provenance for an execution.
//
// A provenance record is a small Merkle tree: one leaf per input category
// (calibration, pulse sequence, optimizer configuration, software version)
// and a root hash over the sorted leaves. Hashes are pure functions of
// content, so identical inputs always yield an identical root.
package provenance

import (
	"fmt"
	"slices"
	"strings"

	"github.com/roach88/pulsekern/internal/ir"
	"github.com/roach88/pulsekern/internal/sequence"
)

// Category names the kind of input a leaf attests to.
type Category string

const (
	Calibration     Category = "calibration"
	PulseSequence   Category = "pulse_sequence"
	OptimizerConfig Category = "optimizer_config"
	SoftwareVersion Category = "software_version"
)

var validCategories = map[Category]bool{
	Calibration:     true,
	PulseSequence:   true,
	OptimizerConfig: true,
	SoftwareVersion: true,
}

// Leaf is one hashed input.
type Leaf struct {
	Category Category `json:"category"`
	Hash     string   `json:"hash"`
}

func (l Leaf) String() string { return string(l.Category) + ":" + l.Hash }

// Record is a provenance root together with the leaves it commits to.
type Record struct {
	Root   string `json:"root"`
	Leaves []Leaf `json:"leaves"`
}

// CalibrationLeaf attests to the qubit parameters in effect.
func CalibrationLeaf(params []ir.QubitParams) Leaf {
	return Leaf{Category: Calibration, Hash: ir.Fingerprint(params)}
}

// SequenceLeaf attests to a frozen pulse sequence.
func SequenceLeaf(f *sequence.Frozen) Leaf {
	return Leaf{Category: PulseSequence, Hash: f.Hash()}
}

// OptimizerLeaf attests to the optimizer configurations that produced the
// pulses. Duplicate and empty hashes are ignored; order does not matter.
func OptimizerLeaf(configHashes ...string) Leaf {
	hs := slices.DeleteFunc(slices.Clone(configHashes), func(h string) bool { return h == "" })
	slices.Sort(hs)
	hs = slices.Compact(hs)
	return Leaf{Category: OptimizerConfig, Hash: ir.NodeHash(string(OptimizerConfig), hs...)}
}

// SoftwareLeaf attests to the kernel and data model versions.
func SoftwareLeaf(version string) Leaf {
	return Leaf{Category: SoftwareVersion, Hash: ir.MustContentHash(ir.DomainVersion, ir.IRObject{
		"software_version": ir.IRString(version),
		"ir_version":       ir.IRString(ir.IRVersion),
	})}
}

// Root combines leaves into a single hash. Leaves are sorted by category and
// then hash before combining, so the caller's ordering is irrelevant.
func Root(leaves []Leaf) (string, error) {
	if len(leaves) == 0 {
		return "", fmt.Errorf("provenance: no leaves")
	}
	sorted := slices.Clone(leaves)
	for _, l := range sorted {
		if !validCategories[l.Category] {
			return "", fmt.Errorf("provenance: unknown category %q", l.Category)
		}
		if l.Hash == "" {
			return "", fmt.Errorf("provenance: empty hash for %s", l.Category)
		}
	}
	slices.SortFunc(sorted, compareLeaves)

	children := make([]string, len(sorted))
	for i, l := range sorted {
		children[i] = l.String()
	}
	return ir.NodeHash("provenance", children...), nil
}

func compareLeaves(a, b Leaf) int {
	if c := strings.Compare(string(a.Category), string(b.Category)); c != 0 {
		return c
	}
	return strings.Compare(a.Hash, b.Hash)
}

// Build computes a record over the given leaves.
func Build(leaves ...Leaf) (*Record, error) {
	root, err := Root(leaves)
	if err != nil {
		return nil, err
	}
	sorted := slices.Clone(leaves)
	slices.SortFunc(sorted, compareLeaves)
	return &Record{Root: root, Leaves: sorted}, nil
}

// ForExecution builds the record for running a frozen sequence under the
// given calibration. Optimizer hashes are collected from the pulses.
func ForExecution(f *sequence.Frozen, calibration []ir.QubitParams) (*Record, error) {
	if f == nil {
		return nil, fmt.Errorf("provenance: nil sequence")
	}
	var opt []string
	for _, p := range f.Pulses() {
		opt = append(opt, p.OptimizerHash)
	}
	return Build(
		CalibrationLeaf(calibration),
		SequenceLeaf(f),
		OptimizerLeaf(opt...),
		SoftwareLeaf(ir.SoftwareVersion),
	)
}

// Verify recomputes the root and reports whether it matches.
func (r *Record) Verify() bool {
	root, err := Root(r.Leaves)
	return err == nil && root == r.Root
}
