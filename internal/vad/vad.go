// Package vad provides the energy-threshold voice-activity masks used to
// gate correlation accumulation and NLMS adaptation.
package vad

import (
	"errors"
	"fmt"
	"math"
	"math/cmplx"

	"gonum.org/v1/gonum/stat"
)

// ErrRefChannel reports a reference channel outside the tensor's range.
var ErrRefChannel = errors.New("vad: reference channel out of range")

// Mask classifies each (frame, bin) of a channel-major frame-frequency
// tensor as active when the reference-channel magnitude exceeds sensitivity
// times the standard deviation of that bin across frames.
func Mask(frames [][][]complex128, sensitivity float64, ref int) ([][]bool, error) {
	if ref < 0 || ref >= len(frames) {
		return nil, fmt.Errorf("%w: got %d with %d channels", ErrRefChannel, ref, len(frames))
	}
	x := frames[ref]
	k := len(x)
	mask := make([][]bool, k)
	for f := range mask {
		mask[f] = make([]bool, len(x[0]))
	}
	if k == 0 {
		return mask, nil
	}
	bins := len(x[0])
	for b := 0; b < bins; b++ {
		threshold := sensitivity * complexStdDev(x, b)
		for f := 0; f < k; f++ {
			mask[f][b] = cmplx.Abs(x[f][b]) > threshold
		}
	}
	return mask, nil
}

// complexStdDev is the standard deviation over frames of the complex values
// in one bin.
func complexStdDev(x [][]complex128, bin int) float64 {
	k := len(x)
	var mean complex128
	for f := 0; f < k; f++ {
		mean += x[f][bin]
	}
	mean /= complex(float64(k), 0)
	var ss float64
	for f := 0; f < k; f++ {
		d := x[f][bin] - mean
		ss += real(d)*real(d) + imag(d)*imag(d)
	}
	return math.Sqrt(ss / float64(k))
}

// TimeMask is the sample-domain analogue of Mask, used where a per-sample
// gate is needed (NLMS adaptation and metric trimming): a sample is active
// when the root-mean-square level over a window centered on it exceeds
// sensitivity times the signal's standard deviation. Gating on the local
// level rather than the raw sample keeps the zero crossings of an active
// stretch inside the mask.
func TimeMask(x []float64, sensitivity float64, window int) []bool {
	if window < 1 {
		window = 1
	}
	threshold := sensitivity * stat.StdDev(x, nil)
	cum := make([]float64, len(x)+1)
	for t, v := range x {
		cum[t+1] = cum[t] + v*v
	}
	mask := make([]bool, len(x))
	half := window / 2
	for t := range x {
		lo := t - half
		if lo < 0 {
			lo = 0
		}
		hi := t + half + 1
		if hi > len(x) {
			hi = len(x)
		}
		level := math.Sqrt((cum[hi] - cum[lo]) / float64(hi-lo))
		mask[t] = level > threshold
	}
	return mask
}

// And returns the elementwise conjunction of two masks of equal shape.
func And(a, b [][]bool) [][]bool {
	out := make([][]bool, len(a))
	for i := range a {
		out[i] = make([]bool, len(a[i]))
		for j := range a[i] {
			out[i][j] = a[i][j] && b[i][j]
		}
	}
	return out
}

// Nor returns the elementwise conjunction of the negations of two masks.
func Nor(a, b [][]bool) [][]bool {
	out := make([][]bool, len(a))
	for i := range a {
		out[i] = make([]bool, len(a[i]))
		for j := range a[i] {
			out[i][j] = !a[i][j] && !b[i][j]
		}
	}
	return out
}
