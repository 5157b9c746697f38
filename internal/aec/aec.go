// Package aec estimates the acoustic echo path between loudspeakers and
// microphones with a normalized-LMS adaptive FIR filter, in a batch variant
// (one converged filter) and a sample-adaptive variant (filter trajectory
// applied without look-ahead).
package aec

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrParams reports a non-positive filter length or channel count.
	ErrParams = errors.New("aec: invalid estimator parameters")
	// ErrLength reports signals or gates with mismatched sample counts.
	ErrLength = errors.New("aec: signal lengths do not match")
)

// Params configures the NLMS echo-path estimator.
type Params struct {
	FilterLen           int     // taps per loudspeaker (Lfhat)
	Mu                  float64 // step size
	Alpha               float64 // energy regularizer
	RequireEchoActivity bool    // batch only: also gate updates on echo activity
}

// Filter holds one echo-path FIR estimate per microphone. Each row is the
// concatenation of per-loudspeaker segments of FilterLen taps, matching the
// unrolled loudspeaker history vector.
type Filter struct {
	Coeffs      [][]float64
	NumSpeakers int
	FilterLen   int
}

// NewFilter returns an all-zero echo-path filter.
func NewFilter(mics, speakers, filterLen int) *Filter {
	f := &Filter{
		Coeffs:      make([][]float64, mics),
		NumSpeakers: speakers,
		FilterLen:   filterLen,
	}
	for m := range f.Coeffs {
		f.Coeffs[m] = make([]float64, speakers*filterLen)
	}
	return f
}

// Clone returns a deep copy.
func (f *Filter) Clone() *Filter {
	out := &Filter{
		Coeffs:      make([][]float64, len(f.Coeffs)),
		NumSpeakers: f.NumSpeakers,
		FilterLen:   f.FilterLen,
	}
	for m := range f.Coeffs {
		out.Coeffs[m] = append([]float64(nil), f.Coeffs[m]...)
	}
	return out
}

// Center removes the per-loudspeaker mean from every microphone filter,
// eliminating the DC bias accumulated from regularized updates. Centering is
// idempotent.
func (f *Filter) Center() {
	for m := range f.Coeffs {
		for l := 0; l < f.NumSpeakers; l++ {
			seg := f.Coeffs[m][l*f.FilterLen : (l+1)*f.FilterLen]
			mean := stat.Mean(seg, nil)
			for i := range seg {
				seg[i] -= mean
			}
		}
	}
}

// Apply convolves the filter with a loudspeaker component signal, returning
// the echo estimate per microphone. The history is zero-padded before
// t < FilterLen.
func (f *Filter) Apply(speakers [][]float64) [][]float64 {
	samples := 0
	if len(speakers) > 0 {
		samples = len(speakers[0])
	}
	out := make([][]float64, len(f.Coeffs))
	for m := range out {
		out[m] = make([]float64, samples)
	}
	hist := newHistory(f.NumSpeakers, f.FilterLen)
	for t := 0; t < samples; t++ {
		hist.push(speakers, t)
		for m := range f.Coeffs {
			out[m][t] = floats.Dot(f.Coeffs[m], hist.vec)
		}
	}
	return out
}

// history maintains the unrolled loudspeaker sample vector: per loudspeaker,
// the most recent FilterLen samples in reverse chronological order.
type history struct {
	vec       []float64
	speakers  int
	filterLen int
}

func newHistory(speakers, filterLen int) *history {
	return &history{
		vec:       make([]float64, speakers*filterLen),
		speakers:  speakers,
		filterLen: filterLen,
	}
}

func (h *history) push(speakers [][]float64, t int) {
	for l := 0; l < h.speakers; l++ {
		seg := h.vec[l*h.filterLen : (l+1)*h.filterLen]
		copy(seg[1:], seg[:len(seg)-1])
		seg[0] = speakers[l][t]
	}
}

func validate(mics, speakers [][]float64, p Params) (samples int, err error) {
	if p.FilterLen <= 0 || len(mics) == 0 || len(speakers) == 0 {
		return 0, fmt.Errorf("%w: filterLen=%d mics=%d speakers=%d",
			ErrParams, p.FilterLen, len(mics), len(speakers))
	}
	samples = len(mics[0])
	for _, x := range append(append([][]float64{}, mics...), speakers...) {
		if len(x) != samples {
			return 0, fmt.Errorf("%w: got %d, want %d", ErrLength, len(x), samples)
		}
	}
	return samples, nil
}

// EstimateBatch runs one pass over all samples and returns the converged
// echo-path filter. Updates happen only where the desired-speech reference
// is inactive (speechActive false); with RequireEchoActivity set they also
// demand echo-energy activity, mirroring the adaptive variant's gate. The
// returned filter is mean-centered per loudspeaker.
func EstimateBatch(mics, speakers [][]float64, speechActive, echoActive []bool, p Params) (*Filter, error) {
	samples, err := validate(mics, speakers, p)
	if err != nil {
		return nil, err
	}
	if len(speechActive) != samples || (p.RequireEchoActivity && len(echoActive) != samples) {
		return nil, fmt.Errorf("%w: gate length does not match %d samples", ErrLength, samples)
	}

	f := NewFilter(len(mics), len(speakers), p.FilterLen)
	hist := newHistory(len(speakers), p.FilterLen)
	for t := 0; t < samples; t++ {
		hist.push(speakers, t)
		if speechActive[t] {
			continue
		}
		if p.RequireEchoActivity && !echoActive[t] {
			continue
		}
		norm := floats.Dot(hist.vec, hist.vec)
		for m := range mics {
			e := mics[m][t] - floats.Dot(f.Coeffs[m], hist.vec)
			floats.AddScaled(f.Coeffs[m], p.Mu/(p.Alpha+norm)*e, hist.vec)
		}
	}
	f.Center()
	return f, nil
}

// AdaptiveResult carries the per-sample echo estimates produced by the
// adaptive estimator and the final filter state. Echoes[s][m][t] is the
// estimate for far-end component set s at microphone m, computed with the
// filter adapted through sample t-1 (no look-ahead).
type AdaptiveResult struct {
	Echoes [][][]float64
	Final  *Filter
}

// EstimateAdaptive runs the sample-adaptive NLMS estimator. farEnds lists
// the loudspeaker component signal sets the evolving filter is applied to;
// set 0 is also the adaptation input. Updates require the desired-speech
// reference inactive and echo energy active (a near-zero loudspeaker
// correlation must not be inverted), continue from the previous-step filter
// and are re-centered per loudspeaker after every update.
func EstimateAdaptive(mics [][]float64, farEnds [][][]float64, speechActive, echoActive []bool, p Params) (*AdaptiveResult, error) {
	if len(farEnds) == 0 {
		return nil, fmt.Errorf("%w: no far-end signal sets", ErrParams)
	}
	samples, err := validate(mics, farEnds[0], p)
	if err != nil {
		return nil, err
	}
	if len(speechActive) != samples || len(echoActive) != samples {
		return nil, fmt.Errorf("%w: gate length does not match %d samples", ErrLength, samples)
	}
	speakers := len(farEnds[0])
	for _, set := range farEnds[1:] {
		if len(set) != speakers {
			return nil, fmt.Errorf("%w: far-end set has %d channels, want %d", ErrLength, len(set), speakers)
		}
	}

	f := NewFilter(len(mics), speakers, p.FilterLen)
	hists := make([]*history, len(farEnds))
	for s := range hists {
		hists[s] = newHistory(speakers, p.FilterLen)
	}
	res := &AdaptiveResult{
		Echoes: make([][][]float64, len(farEnds)),
		Final:  f,
	}
	for s := range res.Echoes {
		res.Echoes[s] = make([][]float64, len(mics))
		for m := range res.Echoes[s] {
			res.Echoes[s][m] = make([]float64, samples)
		}
	}

	for t := 0; t < samples; t++ {
		for s := range hists {
			hists[s].push(farEnds[s], t)
		}
		// Apply before updating: the estimate at t uses the filter
		// adapted through t-1.
		for s := range res.Echoes {
			for m := range mics {
				res.Echoes[s][m][t] = floats.Dot(f.Coeffs[m], hists[s].vec)
			}
		}
		if speechActive[t] || !echoActive[t] {
			continue
		}
		norm := floats.Dot(hists[0].vec, hists[0].vec)
		for m := range mics {
			e := mics[m][t] - floats.Dot(f.Coeffs[m], hists[0].vec)
			floats.AddScaled(f.Coeffs[m], p.Mu/(p.Alpha+norm)*e, hists[0].vec)
		}
		f.Center()
	}
	return res, nil
}
