// Package gevd designs rank-constrained multichannel Wiener filters from a
// pair of voice-activity-gated spatial correlation matrices, one pair per
// frequency bin. The target and interference subspaces are separated with a
// generalized eigenvalue decomposition of (Rxx, Rnn).
package gevd

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/sirupsen/logrus"
)

// ErrDimension reports mismatched or empty correlation matrices.
var ErrDimension = errors.New("gevd: correlation matrix dimensions do not match")

// Decomposition holds the generalized eigenstructure of (Rxx, Rnn):
// eigenvectors V (columns, ordered by descending eigenvalue ratio), the
// inverse conjugate transpose Q = (V')^{-1}, and the raw generalized
// eigenvalues l1 = diag(V'RxxV), l2 = diag(V'RnnV).
type Decomposition struct {
	V  *Matrix
	Q  *Matrix
	L1 []float64
	L2 []float64
}

// Decompose solves Rxx v = lambda Rnn v. Both inputs are re-Hermitianized
// before factoring; Rnn is expected to be positive definite (the estimators
// seed their accumulators with a diagonal regularizer), with escalating
// diagonal loading used as a fallback when it is numerically indefinite.
func Decompose(rxx, rnn *Matrix) (*Decomposition, error) {
	if rxx.N == 0 || rxx.N != rnn.N {
		return nil, fmt.Errorf("%w: rxx %dx%d, rnn %dx%d", ErrDimension, rxx.N, rxx.N, rnn.N, rnn.N)
	}
	rxx = rxx.Clone()
	rnn = rnn.Clone()
	rxx.ForceHermitian()
	rnn.ForceHermitian()

	l, err := choleskyLoaded(rnn)
	if err != nil {
		return nil, err
	}

	// Whiten: A = L^{-1} Rxx L^{-H} is Hermitian with the same generalized
	// eigenvalues; its eigenvectors U give V = L^{-H} U.
	white := forwardSolve(l, ConjTranspose(forwardSolve(l, rxx)))
	white.ForceHermitian()
	_, u := jacobiEigen(white)
	v := backSolveConj(l, u)

	l1 := rayleighDiag(v, rxx)
	l2 := rayleighDiag(v, rnn)

	order := eigenOrder(l1, l2)
	v = permuteColumns(v, order)
	l1 = permute(l1, order)
	l2 = permute(l2, order)

	q, err := Inverse(ConjTranspose(v))
	if err != nil {
		return nil, fmt.Errorf("gevd: eigenvector matrix not invertible: %w", err)
	}
	return &Decomposition{V: v, Q: q, L1: l1, L2: l2}, nil
}

func choleskyLoaded(rnn *Matrix) (*Matrix, error) {
	trace := 0.0
	for i := 0; i < rnn.N; i++ {
		trace += math.Abs(real(rnn.At(i, i)))
	}
	if trace == 0 {
		trace = 1
	}
	var err error
	for _, load := range []float64{0, 1e-12, 1e-9, 1e-6} {
		work := rnn.Clone()
		work.AddScaled(load * trace)
		var l *Matrix
		if l, err = cholesky(work); err == nil {
			return l, nil
		}
	}
	return nil, fmt.Errorf("gevd: interference correlation is not positive definite: %w", err)
}

// rayleighDiag returns diag(V' R V).
func rayleighDiag(v, r *Matrix) []float64 {
	m := Mul(ConjTranspose(v), Mul(r, v))
	out := make([]float64, v.N)
	for i := range out {
		out[i] = real(m.At(i, i))
	}
	return out
}

// eigenOrder sorts indices by descending real ratio l1/l2 with non-finite
// ratios last, followed by the sign-correction pass: pairs whose ratio is
// positive only because both eigenvalues are negative are spurious and are
// moved to the end.
func eigenOrder(l1, l2 []float64) []int {
	n := len(l1)
	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	ratio := func(i int) float64 { return l1[i] / l2[i] }
	finite := func(i int) bool {
		r := ratio(i)
		return !math.IsNaN(r) && !math.IsInf(r, 0)
	}
	sort.SliceStable(order, func(a, b int) bool {
		ia, ib := order[a], order[b]
		fa, fb := finite(ia), finite(ib)
		if fa != fb {
			return fa
		}
		if !fa {
			return false
		}
		return ratio(ia) > ratio(ib)
	})

	kept := order[:0:len(order)]
	var spurious []int
	for _, i := range order {
		if finite(i) && ratio(i) > 0 && l1[i] < 0 && l2[i] < 0 {
			spurious = append(spurious, i)
			continue
		}
		kept = append(kept, i)
	}
	return append(kept, spurious...)
}

func permuteColumns(m *Matrix, order []int) *Matrix {
	out := NewMatrix(m.N)
	for j, src := range order {
		for i := 0; i < m.N; i++ {
			out.Set(i, j, m.At(i, src))
		}
	}
	return out
}

func permute(v []float64, order []int) []float64 {
	out := make([]float64, len(v))
	for i, src := range order {
		out[i] = v[src]
	}
	return out
}

// Filter is a rank-constrained multichannel Wiener filter for one bin,
// bundled with the target-correlation estimate and the diagonal gains used
// to build it.
type Filter struct {
	W          *Matrix   // maps observed channels to estimated target channels
	TargetCorr *Matrix   // rank-truncated estimate of the target correlation
	Gains      []float64 // per-mode Wiener gains
	Rank       int       // effective rank after clamping
	Clamped    bool      // requested rank exceeded the attainable rank
}

// Design computes the rank-constrained multichannel Wiener filter for one
// bin. A negative rank requests no constraint beyond positive semi-
// definiteness. An infeasible rank is clamped to the number of strictly
// positive eigenvalue differences and reported with a warning.
func Design(rxx, rnn *Matrix, rank int) (*Filter, error) {
	f, err := design(rxx, rnn, rank)
	if err != nil {
		return nil, err
	}
	if f.Clamped {
		logrus.WithFields(logrus.Fields{
			"requested": rank,
			"effective": f.Rank,
		}).Warn("gevd: requested rank not attainable, clamped")
	}
	return f, nil
}

// DesignBatch applies Design independently across frequency bins, preserving
// bin order. ranks supplies a per-bin target rank; a single-element slice is
// broadcast to every bin. Rank clamping is aggregated into one warning.
func DesignBatch(rxx, rnn []*Matrix, ranks []int) ([]*Filter, error) {
	if len(rxx) != len(rnn) {
		return nil, fmt.Errorf("%w: %d target bins, %d interference bins", ErrDimension, len(rxx), len(rnn))
	}
	out := make([]*Filter, len(rxx))
	clamped := 0
	firstBin := -1
	for b := range rxx {
		rank := ranks[0]
		if len(ranks) > 1 {
			rank = ranks[b]
		}
		f, err := design(rxx[b], rnn[b], rank)
		if err != nil {
			return nil, fmt.Errorf("gevd: bin %d: %w", b, err)
		}
		if f.Clamped {
			clamped++
			if firstBin < 0 {
				firstBin = b
			}
		}
		out[b] = f
	}
	if clamped > 0 {
		logrus.WithFields(logrus.Fields{
			"bins":      clamped,
			"first_bin": firstBin,
		}).Warn("gevd: requested rank not attainable in some bins, clamped")
	}
	return out, nil
}

func design(rxx, rnn *Matrix, rank int) (*Filter, error) {
	dec, err := Decompose(rxx, rnn)
	if err != nil {
		return nil, err
	}
	n := rxx.N

	// Target-correlation eigenvalues: clipped differences l1-l2.
	diff := make([]float64, n)
	positive := 0
	for i := range diff {
		d := dec.L1[i] - dec.L2[i]
		if d > 0 {
			diff[i] = d
			positive++
		}
	}

	eff := rank
	clamped := false
	if eff < 0 || eff > positive {
		clamped = eff > positive
		eff = positive
	}
	for i := eff; i < n; i++ {
		diff[i] = 0
	}

	target := Mul(MulDiag(dec.Q, diff), ConjTranspose(dec.Q))
	target.ForceHermitian()

	gains := make([]float64, n)
	for i := 0; i < eff; i++ {
		if dec.L1[i] != 0 {
			gains[i] = (dec.L1[i] - dec.L2[i]) / dec.L1[i]
		}
	}
	w := Mul(MulDiag(dec.V, gains), ConjTranspose(dec.Q))

	return &Filter{
		W:          w,
		TargetCorr: target,
		Gains:      gains,
		Rank:       eff,
		Clamped:    clamped,
	}, nil
}
