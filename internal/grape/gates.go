package grape

import (
	"fmt"
	"math"
	"sort"

	"github.com/roach88/pulsekern/internal/linalg"
)

var gates = map[string]func() *linalg.Matrix{
	"I": func() *linalg.Matrix { return linalg.Identity(2) },
	"X": func() *linalg.Matrix { return linalg.FromRows([][]complex128{{0, 1}, {1, 0}}) },
	"Y": func() *linalg.Matrix { return linalg.FromRows([][]complex128{{0, -1i}, {1i, 0}}) },
	"Z": func() *linalg.Matrix { return linalg.FromRows([][]complex128{{1, 0}, {0, -1}}) },
	"H": func() *linalg.Matrix {
		s := complex(1/math.Sqrt2, 0)
		return linalg.FromRows([][]complex128{{s, s}, {s, -s}})
	},
	"S": func() *linalg.Matrix { return linalg.FromRows([][]complex128{{1, 0}, {0, 1i}}) },
	"SX": func() *linalg.Matrix {
		return linalg.FromRows([][]complex128{
			{0.5 + 0.5i, 0.5 - 0.5i},
			{0.5 - 0.5i, 0.5 + 0.5i},
		})
	},
	"CNOT": func() *linalg.Matrix {
		return linalg.FromRows([][]complex128{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{0, 0, 0, 1},
			{0, 0, 1, 0},
		})
	},
	"CZ": func() *linalg.Matrix {
		return linalg.FromRows([][]complex128{
			{1, 0, 0, 0},
			{0, 1, 0, 0},
			{0, 0, 1, 0},
			{0, 0, 0, -1},
		})
	},
}

// Gate returns a standard target unitary by name.
func Gate(name string) (*linalg.Matrix, error) {
	g, ok := gates[name]
	if !ok {
		return nil, fmt.Errorf("unknown gate %q (known: %v)", name, GateNames())
	}
	return g(), nil
}

// GateNames lists the known gates in sorted order.
func GateNames() []string {
	names := make([]string, 0, len(gates))
	for n := range gates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
