package compiler

import (
	"cmp"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/roach88/pulsekern/internal/calibration"
)

// ScopeWarning flags a scope layout that leaves coupled qubits calibrated
// independently.
//
// Splits are warnings, not errors: a weak coupling may be deliberately
// ignored by the calibration schedule.
type ScopeWarning struct {
	Group   []int    `json:"group"`   // Coupling group that was split
	Scopes  []string `json:"scopes"`  // Scopes covering the group, "" for uncovered qubits
	Message string   `json:"message"` // Human-readable description
	Level   string   `json:"level"`   // "warning" or "info"
}

// CouplingGroups returns the connected components of the coupling graph.
//
// Every declared qubit appears in exactly one group; uncoupled qubits form
// singleton groups. Groups are sorted internally and ordered by their
// lowest qubit.
func CouplingGroups(d *Device) [][]int {
	graph := buildCouplingGraph(d)

	// Edges run both ways, so strongly connected components are the
	// connected components.
	groups := tarjanSCC(graph)
	for _, g := range groups {
		slices.Sort(g)
	}
	slices.SortFunc(groups, func(a, b []int) int { return cmp.Compare(a[0], b[0]) })
	return groups
}

// AnalyzeScopes reports coupling groups whose qubits are spread over more
// than one scope, or only partly covered.
//
// A device without scopes returns no warnings; DefaultScopes applies.
func AnalyzeScopes(d *Device) []ScopeWarning {
	if len(d.Scopes) == 0 {
		return []ScopeWarning{}
	}

	owner := make(map[int]string)
	for _, s := range d.Scopes {
		for _, q := range s.Qubits {
			if _, ok := owner[q]; !ok {
				owner[q] = s.Name
			}
		}
	}

	var warnings []ScopeWarning
	for _, group := range CouplingGroups(d) {
		if len(group) < 2 {
			continue
		}
		seen := make(map[string]bool)
		for _, q := range group {
			seen[owner[q]] = true
		}
		if len(seen) < 2 {
			continue
		}
		scopes := sortedKeys(seen)
		warnings = append(warnings, ScopeWarning{
			Group:   group,
			Scopes:  scopes,
			Message: fmt.Sprintf("Coupled qubits %v split across scopes %s", group, formatScopes(scopes)),
			Level:   "warning",
		})
	}
	return warnings
}

// DefaultScopes returns one scope per coupling group, named after the
// group's qubits.
func DefaultScopes(d *Device) []calibration.Scope {
	groups := CouplingGroups(d)
	scopes := make([]calibration.Scope, len(groups))
	for i, g := range groups {
		parts := make([]string, len(g))
		for j, q := range g {
			parts[j] = fmt.Sprintf("q%d", q)
		}
		scopes[i] = calibration.Scope{Name: strings.Join(parts, "-"), Qubits: g}
	}
	return scopes
}

// EffectiveScopes returns the declared scopes, or DefaultScopes when none are
// declared.
func (d *Device) EffectiveScopes() []calibration.Scope {
	if len(d.Scopes) > 0 {
		return d.Scopes
	}
	return DefaultScopes(d)
}

// couplingGraph maps qubit → coupled qubits.
type couplingGraph map[int][]int

// buildCouplingGraph adds every declared qubit as a node and every coupling
// as an edge in both directions. Couplings to undeclared qubits are skipped.
func buildCouplingGraph(d *Device) couplingGraph {
	graph := make(couplingGraph, len(d.Qubits))
	for _, q := range d.Qubits {
		// Initialize with empty slice if no edges (ensures node exists in graph)
		if graph[q.Qubit] == nil {
			graph[q.Qubit] = []int{}
		}
	}
	for _, c := range d.Couplings {
		_, okA := graph[c.A]
		_, okB := graph[c.B]
		if !okA || !okB || c.A == c.B {
			continue
		}
		graph[c.A] = append(graph[c.A], c.B)
		graph[c.B] = append(graph[c.B], c.A)
	}
	return graph
}

// tarjanSCC finds strongly connected components using Tarjan's algorithm.
// Nodes are visited in ascending order so the result is deterministic.
func tarjanSCC(graph couplingGraph) [][]int {
	var (
		index   = 0
		stack   []int
		indices = make(map[int]int)
		lowlink = make(map[int]int)
		onStack = make(map[int]bool)
		sccs    [][]int
	)

	var strongConnect func(int)
	strongConnect = func(v int) {
		indices[v] = index
		lowlink[v] = index
		index++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range graph[v] {
			if _, visited := indices[w]; !visited {
				strongConnect(w)
				lowlink[v] = min(lowlink[v], lowlink[w])
			} else if onStack[w] {
				lowlink[v] = min(lowlink[v], indices[w])
			}
		}

		// If v is a root node, pop the stack and create an SCC
		if lowlink[v] == indices[v] {
			var scc []int
			for {
				w := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				onStack[w] = false
				scc = append(scc, w)
				if w == v {
					break
				}
			}
			sccs = append(sccs, scc)
		}
	}

	for _, node := range slices.Sorted(maps.Keys(graph)) {
		if _, visited := indices[node]; !visited {
			strongConnect(node)
		}
	}

	return sccs
}

func formatScopes(scopes []string) string {
	out := make([]string, len(scopes))
	for i, s := range scopes {
		if s == "" {
			s = "(none)"
		}
		out[i] = s
	}
	return strings.Join(out, ", ")
}

func sortedKeys[V any](m map[string]V) []string {
	return slices.Sorted(maps.Keys(m))
}
