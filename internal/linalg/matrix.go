// Package linalg provides the dense complex matrices used by the Hamiltonian
// model and the optimizer.
//
// Matrices are small (2^n for a handful of qubits) and row-major. Shape
// mismatches are programming errors and panic; numerical failures such as a
// singular system are returned as errors.
package linalg

import (
	"fmt"
	"math"
	"math/cmplx"
	"strings"
)

// Matrix is a dense row-major complex matrix.
type Matrix struct {
	Rows, Cols int
	Data       []complex128
}

// New returns a zero matrix.
func New(rows, cols int) *Matrix {
	if rows <= 0 || cols <= 0 {
		panic(fmt.Sprintf("linalg: invalid shape %dx%d", rows, cols))
	}
	return &Matrix{Rows: rows, Cols: cols, Data: make([]complex128, rows*cols)}
}

// Identity returns the n×n identity.
func Identity(n int) *Matrix {
	m := New(n, n)
	for i := 0; i < n; i++ {
		m.Data[i*n+i] = 1
	}
	return m
}

// FromRows builds a matrix from row slices. All rows must have equal length.
func FromRows(rows [][]complex128) *Matrix {
	if len(rows) == 0 {
		panic("linalg: FromRows with no rows")
	}
	m := New(len(rows), len(rows[0]))
	for i, r := range rows {
		if len(r) != m.Cols {
			panic(fmt.Sprintf("linalg: row %d has %d columns, want %d", i, len(r), m.Cols))
		}
		copy(m.Data[i*m.Cols:], r)
	}
	return m
}

// At returns element (i, j).
func (m *Matrix) At(i, j int) complex128 { return m.Data[i*m.Cols+j] }

// Set assigns element (i, j).
func (m *Matrix) Set(i, j int, v complex128) { m.Data[i*m.Cols+j] = v }

// IsSquare reports whether the matrix is square.
func (m *Matrix) IsSquare() bool { return m.Rows == m.Cols }

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	c := &Matrix{Rows: m.Rows, Cols: m.Cols, Data: make([]complex128, len(m.Data))}
	copy(c.Data, m.Data)
	return c
}

func mustSameShape(op string, a, b *Matrix) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		panic(fmt.Sprintf("linalg: %s shape mismatch %dx%d vs %dx%d", op, a.Rows, a.Cols, b.Rows, b.Cols))
	}
}

// Add returns a + b.
func Add(a, b *Matrix) *Matrix {
	mustSameShape("Add", a, b)
	out := a.Clone()
	for i, v := range b.Data {
		out.Data[i] += v
	}
	return out
}

// Sub returns a - b.
func Sub(a, b *Matrix) *Matrix {
	mustSameShape("Sub", a, b)
	out := a.Clone()
	for i, v := range b.Data {
		out.Data[i] -= v
	}
	return out
}

// Scale returns s·a.
func Scale(s complex128, a *Matrix) *Matrix {
	out := a.Clone()
	for i := range out.Data {
		out.Data[i] *= s
	}
	return out
}

// AddScaledInPlace sets dst = dst + s·a.
func (m *Matrix) AddScaledInPlace(s complex128, a *Matrix) {
	mustSameShape("AddScaled", m, a)
	for i, v := range a.Data {
		m.Data[i] += s * v
	}
}

// Mul returns the matrix product a·b.
func Mul(a, b *Matrix) *Matrix {
	if a.Cols != b.Rows {
		panic(fmt.Sprintf("linalg: Mul shape mismatch %dx%d · %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	out := New(a.Rows, b.Cols)
	for i := 0; i < a.Rows; i++ {
		for k := 0; k < a.Cols; k++ {
			aik := a.Data[i*a.Cols+k]
			if aik == 0 {
				continue
			}
			row := b.Data[k*b.Cols : (k+1)*b.Cols]
			dst := out.Data[i*out.Cols : (i+1)*out.Cols]
			for j, bkj := range row {
				dst[j] += aik * bkj
			}
		}
	}
	return out
}

// Dagger returns the conjugate transpose.
func Dagger(a *Matrix) *Matrix {
	out := New(a.Cols, a.Rows)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			out.Data[j*out.Cols+i] = cmplx.Conj(a.Data[i*a.Cols+j])
		}
	}
	return out
}

// Trace returns the sum of the diagonal.
func Trace(a *Matrix) complex128 {
	if !a.IsSquare() {
		panic("linalg: Trace of non-square matrix")
	}
	var t complex128
	for i := 0; i < a.Rows; i++ {
		t += a.Data[i*a.Cols+i]
	}
	return t
}

// Kron returns the Kronecker product a⊗b.
func Kron(a, b *Matrix) *Matrix {
	out := New(a.Rows*b.Rows, a.Cols*b.Cols)
	for i := 0; i < a.Rows; i++ {
		for j := 0; j < a.Cols; j++ {
			aij := a.Data[i*a.Cols+j]
			if aij == 0 {
				continue
			}
			for k := 0; k < b.Rows; k++ {
				for l := 0; l < b.Cols; l++ {
					out.Data[(i*b.Rows+k)*out.Cols+j*b.Cols+l] = aij * b.Data[k*b.Cols+l]
				}
			}
		}
	}
	return out
}

// Norm1 returns the maximum absolute column sum.
func Norm1(a *Matrix) float64 {
	var best float64
	for j := 0; j < a.Cols; j++ {
		var s float64
		for i := 0; i < a.Rows; i++ {
			s += cmplx.Abs(a.Data[i*a.Cols+j])
		}
		best = math.Max(best, s)
	}
	return best
}

// MaxAbsDiff returns the largest elementwise |a - b|.
func MaxAbsDiff(a, b *Matrix) float64 {
	mustSameShape("MaxAbsDiff", a, b)
	var d float64
	for i, v := range a.Data {
		d = math.Max(d, cmplx.Abs(v-b.Data[i]))
	}
	return d
}

// IsHermitian reports whether a equals its conjugate transpose within tol.
func IsHermitian(a *Matrix, tol float64) bool {
	if !a.IsSquare() {
		return false
	}
	return MaxAbsDiff(a, Dagger(a)) <= tol
}

// IsUnitary reports whether a†a equals the identity within tol.
func IsUnitary(a *Matrix, tol float64) bool {
	if !a.IsSquare() {
		return false
	}
	return MaxAbsDiff(Mul(Dagger(a), a), Identity(a.Rows)) <= tol
}

// HasNaN reports whether any element is NaN or infinite.
func HasNaN(a *Matrix) bool {
	for _, v := range a.Data {
		if cmplx.IsNaN(v) || cmplx.IsInf(v) {
			return true
		}
	}
	return false
}

func (m *Matrix) String() string {
	var sb strings.Builder
	for i := 0; i < m.Rows; i++ {
		sb.WriteByte('[')
		for j := 0; j < m.Cols; j++ {
			if j > 0 {
				sb.WriteByte(' ')
			}
			v := m.Data[i*m.Cols+j]
			fmt.Fprintf(&sb, "%.4g%+.4gi", real(v), imag(v))
		}
		sb.WriteString("]\n")
	}
	return sb.String()
}
