package gevd

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"
)

// Matrix is a small square complex matrix stored row-major. Spatial
// correlation matrices are channel-count sized, so all operations here are
// plain dense loops.
type Matrix struct {
	N    int
	Data []complex128
}

// ErrSingular reports a matrix that cannot be inverted or factorized.
var ErrSingular = errors.New("gevd: matrix is singular")

// NewMatrix returns a zero n-by-n matrix.
func NewMatrix(n int) *Matrix {
	return &Matrix{N: n, Data: make([]complex128, n*n)}
}

// Identity returns the n-by-n identity.
func Identity(n int) *Matrix {
	m := NewMatrix(n)
	for i := 0; i < n; i++ {
		m.Set(i, i, 1)
	}
	return m
}

// At returns the element at row i, column j.
func (m *Matrix) At(i, j int) complex128 { return m.Data[i*m.N+j] }

// Set assigns the element at row i, column j.
func (m *Matrix) Set(i, j int, v complex128) { m.Data[i*m.N+j] = v }

// Clone returns a deep copy.
func (m *Matrix) Clone() *Matrix {
	return &Matrix{N: m.N, Data: append([]complex128(nil), m.Data...)}
}

// AddScaled adds s times the identity to m in place.
func (m *Matrix) AddScaled(s float64) {
	for i := 0; i < m.N; i++ {
		m.Set(i, i, m.At(i, i)+complex(s, 0))
	}
}

// ForceHermitian enforces Hermitian symmetry in place: the diagonal is made
// real and the lower triangle mirrors the conjugated upper triangle.
func (m *Matrix) ForceHermitian() {
	for i := 0; i < m.N; i++ {
		m.Set(i, i, complex(real(m.At(i, i)), 0))
		for j := i + 1; j < m.N; j++ {
			m.Set(j, i, cmplx.Conj(m.At(i, j)))
		}
	}
}

// Mul returns the product a*b.
func Mul(a, b *Matrix) *Matrix {
	n := a.N
	out := NewMatrix(n)
	for i := 0; i < n; i++ {
		for k := 0; k < n; k++ {
			aik := a.At(i, k)
			if aik == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				out.Data[i*n+j] += aik * b.At(k, j)
			}
		}
	}
	return out
}

// ConjTranspose returns the conjugate transpose a'.
func ConjTranspose(a *Matrix) *Matrix {
	out := NewMatrix(a.N)
	for i := 0; i < a.N; i++ {
		for j := 0; j < a.N; j++ {
			out.Set(j, i, cmplx.Conj(a.At(i, j)))
		}
	}
	return out
}

// MulDiag returns a*diag(d).
func MulDiag(a *Matrix, d []float64) *Matrix {
	out := a.Clone()
	for i := 0; i < a.N; i++ {
		for j := 0; j < a.N; j++ {
			out.Set(i, j, a.At(i, j)*complex(d[j], 0))
		}
	}
	return out
}

// Inverse returns the inverse via Gauss-Jordan elimination with partial
// pivoting.
func Inverse(a *Matrix) (*Matrix, error) {
	n := a.N
	work := a.Clone()
	inv := Identity(n)
	for col := 0; col < n; col++ {
		pivot := col
		best := cmplx.Abs(work.At(col, col))
		for r := col + 1; r < n; r++ {
			if v := cmplx.Abs(work.At(r, col)); v > best {
				best = v
				pivot = r
			}
		}
		if best == 0 {
			return nil, fmt.Errorf("%w: zero pivot at column %d", ErrSingular, col)
		}
		if pivot != col {
			swapRows(work, pivot, col)
			swapRows(inv, pivot, col)
		}
		p := work.At(col, col)
		for j := 0; j < n; j++ {
			work.Set(col, j, work.At(col, j)/p)
			inv.Set(col, j, inv.At(col, j)/p)
		}
		for r := 0; r < n; r++ {
			if r == col {
				continue
			}
			f := work.At(r, col)
			if f == 0 {
				continue
			}
			for j := 0; j < n; j++ {
				work.Set(r, j, work.At(r, j)-f*work.At(col, j))
				inv.Set(r, j, inv.At(r, j)-f*inv.At(col, j))
			}
		}
	}
	return inv, nil
}

func swapRows(m *Matrix, a, b int) {
	for j := 0; j < m.N; j++ {
		va, vb := m.At(a, j), m.At(b, j)
		m.Set(a, j, vb)
		m.Set(b, j, va)
	}
}

// cholesky factorizes a Hermitian positive-definite matrix as L*L' with L
// lower triangular.
func cholesky(a *Matrix) (*Matrix, error) {
	n := a.N
	l := NewMatrix(n)
	for j := 0; j < n; j++ {
		sum := real(a.At(j, j))
		for k := 0; k < j; k++ {
			v := l.At(j, k)
			sum -= real(v)*real(v) + imag(v)*imag(v)
		}
		if sum <= 0 || math.IsNaN(sum) {
			return nil, fmt.Errorf("%w: non-positive pivot at column %d", ErrSingular, j)
		}
		d := math.Sqrt(sum)
		l.Set(j, j, complex(d, 0))
		for i := j + 1; i < n; i++ {
			s := a.At(i, j)
			for k := 0; k < j; k++ {
				s -= l.At(i, k) * cmplx.Conj(l.At(j, k))
			}
			l.Set(i, j, s/complex(d, 0))
		}
	}
	return l, nil
}

// forwardSolve solves L*x = b for lower-triangular L, column by column of b,
// returning L^{-1}*b.
func forwardSolve(l, b *Matrix) *Matrix {
	n := l.N
	x := NewMatrix(n)
	for col := 0; col < n; col++ {
		for i := 0; i < n; i++ {
			s := b.At(i, col)
			for k := 0; k < i; k++ {
				s -= l.At(i, k) * x.At(k, col)
			}
			x.Set(i, col, s/l.At(i, i))
		}
	}
	return x
}

// backSolveConj solves L'*x = b for lower-triangular L, returning L^{-H}*b.
func backSolveConj(l, b *Matrix) *Matrix {
	n := l.N
	x := NewMatrix(n)
	for col := 0; col < n; col++ {
		for i := n - 1; i >= 0; i-- {
			s := b.At(i, col)
			for k := i + 1; k < n; k++ {
				s -= cmplx.Conj(l.At(k, i)) * x.At(k, col)
			}
			x.Set(i, col, s/complex(real(l.At(i, i)), 0))
		}
	}
	return x
}

// jacobiEigen diagonalizes a Hermitian matrix with cyclic complex Jacobi
// rotations, returning the eigenvalues and the unitary eigenvector matrix
// (columns). The input is not modified.
func jacobiEigen(a *Matrix) ([]float64, *Matrix) {
	n := a.N
	work := a.Clone()
	vecs := Identity(n)

	const maxSweeps = 50
	for sweep := 0; sweep < maxSweeps; sweep++ {
		off := 0.0
		for p := 0; p < n; p++ {
			for q := p + 1; q < n; q++ {
				off += cmplx.Abs(work.At(p, q))
			}
		}
		if off < 1e-14*(1+offDiagScale(work)) {
			break
		}
		for p := 0; p < n; p++ {
			for q := p + 1; q < n; q++ {
				apq := work.At(p, q)
				r := cmplx.Abs(apq)
				if r < 1e-300 {
					continue
				}
				u := apq / complex(r, 0)
				app := real(work.At(p, p))
				aqq := real(work.At(q, q))
				tau := (aqq - app) / (2 * r)
				var t float64
				if tau >= 0 {
					t = 1 / (tau + math.Sqrt(1+tau*tau))
				} else {
					t = -1 / (-tau + math.Sqrt(1+tau*tau))
				}
				c := 1 / math.Sqrt(1+t*t)
				s := t * c

				for k := 0; k < n; k++ {
					if k == p || k == q {
						continue
					}
					akp := work.At(k, p)
					akq := work.At(k, q)
					newKP := complex(c, 0)*akp - complex(s, 0)*cmplx.Conj(u)*akq
					newKQ := complex(s, 0)*u*akp + complex(c, 0)*akq
					work.Set(k, p, newKP)
					work.Set(p, k, cmplx.Conj(newKP))
					work.Set(k, q, newKQ)
					work.Set(q, k, cmplx.Conj(newKQ))
				}
				work.Set(p, p, complex(app-t*r, 0))
				work.Set(q, q, complex(aqq+t*r, 0))
				work.Set(p, q, 0)
				work.Set(q, p, 0)

				for k := 0; k < n; k++ {
					vkp := vecs.At(k, p)
					vkq := vecs.At(k, q)
					vecs.Set(k, p, complex(c, 0)*vkp-complex(s, 0)*cmplx.Conj(u)*vkq)
					vecs.Set(k, q, complex(s, 0)*u*vkp+complex(c, 0)*vkq)
				}
			}
		}
	}

	vals := make([]float64, n)
	for i := 0; i < n; i++ {
		vals[i] = real(work.At(i, i))
	}
	return vals, vecs
}

func offDiagScale(m *Matrix) float64 {
	s := 0.0
	for i := 0; i < m.N; i++ {
		s += math.Abs(real(m.At(i, i)))
	}
	return s
}
