// Package stft implements the weighted overlap-add (WOLA) frame transform
// used by the noise-reduction stage: short-time analysis of multichannel
// time signals into per-bin complex frame matrices and the inverse
// synthesis, plus the conversion of per-bin filters into equivalent
// time-domain FIR filters.
package stft

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/fourier"
)

var (
	ErrShiftRange   = errors.New("stft: shift must satisfy 0 < shift < n")
	ErrOddSize      = errors.New("stft: DFT size must be even")
	ErrWindowLength = errors.New("stft: window length does not match DFT size")
	ErrBinCount     = errors.New("stft: frame bin count does not match n/2+1")
)

// Transform performs WOLA analysis and synthesis with an n-point DFT,
// paired analysis/synthesis windows and a fixed frame shift. Consecutive
// frames overlap by shift samples, so frame k starts at sample k*(n-shift).
type Transform struct {
	n         int
	shift     int
	hop       int
	analysis  []float64
	synthesis []float64
	fft       *fourier.FFT
}

// New validates the window pair and transform geometry. The windows must
// satisfy the WOLA completeness condition for exact reconstruction; that is
// the caller's choice and is not checked here.
func New(analysis, synthesis []float64, n, shift int) (*Transform, error) {
	if shift <= 0 || shift >= n {
		return nil, fmt.Errorf("%w: shift=%d n=%d", ErrShiftRange, shift, n)
	}
	if n%2 != 0 {
		return nil, fmt.Errorf("%w: n=%d", ErrOddSize, n)
	}
	if len(analysis) != n || len(synthesis) != n {
		return nil, fmt.Errorf("%w: analysis=%d synthesis=%d n=%d",
			ErrWindowLength, len(analysis), len(synthesis), n)
	}
	t := &Transform{
		n:         n,
		shift:     shift,
		hop:       n - shift,
		analysis:  append([]float64(nil), analysis...),
		synthesis: append([]float64(nil), synthesis...),
		fft:       fourier.NewFFT(n),
	}
	return t, nil
}

// SqrtHannPair returns matched analysis and synthesis square-root Hann
// windows of length n (periodic form), which satisfy the WOLA completeness
// condition at 50% overlap.
func SqrtHannPair(n int) (analysis, synthesis []float64) {
	analysis = make([]float64, n)
	synthesis = make([]float64, n)
	for i := 0; i < n; i++ {
		h := 0.5 * (1 - math.Cos(2*math.Pi*float64(i)/float64(n)))
		analysis[i] = math.Sqrt(h)
		synthesis[i] = analysis[i]
	}
	return analysis, synthesis
}

// N returns the DFT size.
func (t *Transform) N() int { return t.n }

// Shift returns the frame shift (overlap between consecutive frames).
func (t *Transform) Shift() int { return t.shift }

// Hop returns the frame advance n-shift.
func (t *Transform) Hop() int { return t.hop }

// Bins returns the number of retained non-negative frequency bins, n/2+1.
func (t *Transform) Bins() int { return t.n/2 + 1 }

// NumFrames returns the frame count K for a signal of length samples.
func (t *Transform) NumFrames(samples int) int {
	if samples < t.n {
		return 0
	}
	return (samples - t.shift) / t.hop
}

// OutputLen returns the synthesis output length K*(n-shift)+shift.
func (t *Transform) OutputLen(frames int) int {
	return frames*t.hop + t.shift
}

// FrameStart returns the first sample covered by analysis frame k.
func (t *Transform) FrameStart(k int) int { return k * t.hop }

// Analyze splits x into K overlapping frames, windows each, and returns the
// n-point DFT coefficients of bins 0..n/2 per frame.
func (t *Transform) Analyze(x []float64) [][]complex128 {
	frames := t.NumFrames(len(x))
	out := make([][]complex128, frames)
	buf := make([]float64, t.n)
	for k := 0; k < frames; k++ {
		start := k * t.hop
		for i := 0; i < t.n; i++ {
			buf[i] = x[start+i] * t.analysis[i]
		}
		out[k] = t.fft.Coefficients(nil, buf)
	}
	return out
}

// AnalyzeAll applies Analyze to every channel of a multichannel signal,
// returning the channel-major frame-frequency tensor.
func (t *Transform) AnalyzeAll(x [][]float64) [][][]complex128 {
	out := make([][][]complex128, len(x))
	for ch := range x {
		out[ch] = t.Analyze(x[ch])
	}
	return out
}

// Synthesize reconstructs a time signal from per-frame bin coefficients:
// the full spectrum is restored by conjugate symmetry, the inverse DFT is
// taken with a real-valued result, the synthesis window is applied and
// shifted frames are overlap-added. Bins 0 and n/2 are forced real so the
// restored spectrum is exactly Hermitian.
func (t *Transform) Synthesize(frames [][]complex128) ([]float64, error) {
	out := make([]float64, t.OutputLen(len(frames)))
	coeff := make([]complex128, t.Bins())
	seq := make([]float64, t.n)
	scale := 1 / float64(t.n)
	for k, frame := range frames {
		if len(frame) != t.Bins() {
			return nil, fmt.Errorf("%w: frame %d has %d bins, want %d",
				ErrBinCount, k, len(frame), t.Bins())
		}
		copy(coeff, frame)
		coeff[0] = complex(real(coeff[0]), 0)
		coeff[t.n/2] = complex(real(coeff[t.n/2]), 0)
		t.fft.Sequence(seq, coeff)
		start := k * t.hop
		for i := 0; i < t.n; i++ {
			out[start+i] += seq[i] * scale * t.synthesis[i]
		}
	}
	return out, nil
}
