package linalg

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
)

// ErrSingular is returned when a linear system has no unique solution.
var ErrSingular = errors.New("linalg: singular matrix")

// padeDegree is the diagonal Padé order used by Expm.
const padeDegree = 6

// scaledNormLimit bounds ‖A/2^s‖₁ before the Padé step. At 0.5 the [6/6]
// truncation error is below double-precision epsilon.
const scaledNormLimit = 0.5

// padeCoefficients returns c_k = (2q-k)! q! / ((2q)! k! (q-k)!) for k = 0..q.
func padeCoefficients(q int) []float64 {
	c := make([]float64, q+1)
	c[0] = 1
	for k := 1; k <= q; k++ {
		c[k] = c[k-1] * float64(q-k+1) / float64(k*(2*q-k+1))
	}
	return c
}

var padeC = padeCoefficients(padeDegree)

// Expm computes the matrix exponential e^A by scaling and squaring with a
// diagonal Padé approximant.
func Expm(a *Matrix) (*Matrix, error) {
	if !a.IsSquare() {
		panic("linalg: Expm of non-square matrix")
	}
	if HasNaN(a) {
		return nil, fmt.Errorf("linalg: Expm input contains NaN or Inf")
	}

	n := a.Rows
	s := 0
	if norm := Norm1(a); norm > scaledNormLimit {
		s = int(math.Ceil(math.Log2(norm / scaledNormLimit)))
	}
	as := Scale(complex(math.Ldexp(1, -s), 0), a)

	// N = Σ c_k A^k, D = Σ (-1)^k c_k A^k
	num := Identity(n)
	den := Identity(n)
	pow := Identity(n)
	for k := 1; k <= padeDegree; k++ {
		pow = Mul(pow, as)
		num.AddScaledInPlace(complex(padeC[k], 0), pow)
		sign := 1.0
		if k%2 == 1 {
			sign = -1
		}
		den.AddScaledInPlace(complex(sign*padeC[k], 0), pow)
	}

	r, err := Solve(den, num)
	if err != nil {
		return nil, fmt.Errorf("linalg: Expm Padé denominator: %w", err)
	}
	for i := 0; i < s; i++ {
		r = Mul(r, r)
	}
	return r, nil
}

// ExpmFrechet returns e^A and the Fréchet derivative L(A, E) of the
// exponential at A in direction E, read off the block identity
//
//	exp([[A, E], [0, A]]) = [[e^A, L(A,E)], [0, e^A]].
func ExpmFrechet(a, e *Matrix) (expA, l *Matrix, err error) {
	mustSameShape("ExpmFrechet", a, e)
	if !a.IsSquare() {
		panic("linalg: ExpmFrechet of non-square matrix")
	}
	n := a.Rows
	block := New(2*n, 2*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			block.Set(i, j, a.At(i, j))
			block.Set(i, j+n, e.At(i, j))
			block.Set(i+n, j+n, a.At(i, j))
		}
	}
	full, err := Expm(block)
	if err != nil {
		return nil, nil, err
	}
	expA = New(n, n)
	l = New(n, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			expA.Set(i, j, full.At(i, j))
			l.Set(i, j, full.At(i, j+n))
		}
	}
	return expA, l, nil
}

// Solve returns X with A·X = B using LU decomposition with partial pivoting.
func Solve(a, b *Matrix) (*Matrix, error) {
	if !a.IsSquare() || a.Rows != b.Rows {
		panic(fmt.Sprintf("linalg: Solve shape mismatch %dx%d \\ %dx%d", a.Rows, a.Cols, b.Rows, b.Cols))
	}
	n := a.Rows
	lu := a.Clone()
	x := b.Clone()

	for col := 0; col < n; col++ {
		pivot := col
		best := cmplx.Abs(lu.At(col, col))
		for r := col + 1; r < n; r++ {
			if v := cmplx.Abs(lu.At(r, col)); v > best {
				pivot, best = r, v
			}
		}
		if best == 0 {
			return nil, ErrSingular
		}
		if pivot != col {
			swapRows(lu, pivot, col)
			swapRows(x, pivot, col)
		}

		p := lu.At(col, col)
		for r := col + 1; r < n; r++ {
			f := lu.At(r, col) / p
			if f == 0 {
				continue
			}
			for c := col; c < n; c++ {
				lu.Data[r*n+c] -= f * lu.Data[col*n+c]
			}
			for c := 0; c < x.Cols; c++ {
				x.Data[r*x.Cols+c] -= f * x.Data[col*x.Cols+c]
			}
		}
	}

	// back substitution
	for r := n - 1; r >= 0; r-- {
		p := lu.At(r, r)
		for c := 0; c < x.Cols; c++ {
			sum := x.At(r, c)
			for k := r + 1; k < n; k++ {
				sum -= lu.At(r, k) * x.At(k, c)
			}
			x.Set(r, c, sum/p)
		}
	}
	return x, nil
}

func swapRows(m *Matrix, i, j int) {
	ri := m.Data[i*m.Cols : (i+1)*m.Cols]
	rj := m.Data[j*m.Cols : (j+1)*m.Cols]
	for k := range ri {
		ri[k], rj[k] = rj[k], ri[k]
	}
}
