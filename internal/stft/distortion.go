package stft

import (
	"errors"
	"fmt"
	"math/cmplx"

	"github.com/mjibson/go-dsp/fft"
	"gonum.org/v1/gonum/mat"
)

// ErrColumnLength reports a per-bin filter column that does not match the
// transform's bin count.
var ErrColumnLength = errors.New("stft: filter column length does not match n/2+1")

// FIRLen returns the length 2n-1 of the equivalent time-domain filters.
func (t *Transform) FIRLen() int { return 2*t.n - 1 }

// GroupDelay returns the delay n-1 introduced by an equivalent filter.
func (t *Transform) GroupDelay() int { return t.n - 1 }

// DistortionFilter converts one complex per-bin filter column (bins 0..n/2)
// into the real time-domain FIR filter of length 2n-1 that is equivalent to
// applying the filter inside a full analysis-multiply-synthesis cycle. The
// column is conjugated (per-bin application is a conjugated inner product),
// extended to the full spectrum by conjugate symmetry and inverse
// transformed; the resulting kernel generates a circulant matrix which,
// framed by the synthesis/analysis window diagonals, yields the per-frame
// input/output map. Summing its diagonals and normalizing by the frame
// advance collapses the overlap-add of all frames into a single filter with
// group delay n-1. The overlap-added cycle is periodically time-varying
// with period n-shift; the returned filter is its exact average over the
// frame phases.
func (t *Transform) DistortionFilter(column []complex128) ([]float64, error) {
	if len(column) != t.Bins() {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrColumnLength, len(column), t.Bins())
	}
	n := t.n

	full := make([]complex128, n)
	for b, c := range column {
		full[b] = cmplx.Conj(c)
	}
	for b := 1; b < n/2; b++ {
		full[n-b] = cmplx.Conj(full[b])
	}
	kernelC := fft.IFFT(full)
	kernel := make([]float64, n)
	for i, c := range kernelC {
		kernel[i] = real(c)
	}

	// Circulant matrix of the kernel: entry (i,j) holds kernel[(i-j) mod n],
	// the circular convolution the per-frame spectral multiply performs.
	circ := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			circ.Set(i, j, kernel[((i-j)%n+n)%n])
		}
	}

	ws := mat.NewDiagDense(n, t.synthesis)
	wa := mat.NewDiagDense(n, t.analysis)
	var sc, frameMap mat.Dense
	sc.Mul(ws, circ)
	frameMap.Mul(&sc, wa)

	fir := make([]float64, t.FIRLen())
	for l := range fir {
		d := n - 1 - l // superdiagonal offset j-i
		var sum float64
		for i := 0; i < n; i++ {
			j := i + d
			if j < 0 || j >= n {
				continue
			}
			sum += frameMap.At(i, j)
		}
		fir[l] = sum / float64(t.hop)
	}
	return fir, nil
}
