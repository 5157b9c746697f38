// Package nr estimates the rank-constrained multichannel Wiener filters of
// the noise-reduction stage from voice-activity-gated spatial correlation
// matrices, in four variants: {base, extended} x {batch, adaptive}. The base
// variant observes the microphones; the extended variant observes the
// microphones and loudspeakers jointly, so its filter also synthesizes
// loudspeaker-side outputs.
package nr

import (
	"errors"
	"fmt"
	"math/cmplx"

	"nraec/internal/gevd"
	"nraec/internal/stft"
	"nraec/internal/vad"
	"nraec/pkg/types"
)

// corrSeed is the diagonal regularizer seeding every correlation
// accumulator, keeping unvisited bins positive definite.
const corrSeed = 1e-9

// ErrNoFrames reports a signal shorter than one analysis frame.
var ErrNoFrames = errors.New("nr: signal shorter than one analysis frame")

// FilterStack is the per-bin noise-reduction filter snapshot.
type FilterStack []*gevd.Filter

// Estimator accumulates VAD-gated correlation matrices in the
// frame-frequency domain and designs the per-bin filters.
type Estimator struct {
	t *stft.Transform
	p types.Parameters
}

// New returns an estimator bound to one transform and parameter record.
func New(t *stft.Transform, p types.Parameters) *Estimator {
	return &Estimator{t: t, p: p}
}

// correlations is the per-bin accumulator state: one running outer-product
// sum per activity class, seeded with a small diagonal regularizer. Sample
// averages are formed online instead of collecting gated frames.
type correlations struct {
	active    []*gevd.Matrix
	inactive  []*gevd.Matrix
	nActive   []int
	nInactive []int
}

func newCorrelations(bins, channels int) *correlations {
	c := &correlations{
		active:    make([]*gevd.Matrix, bins),
		inactive:  make([]*gevd.Matrix, bins),
		nActive:   make([]int, bins),
		nInactive: make([]int, bins),
	}
	for b := 0; b < bins; b++ {
		c.active[b] = seeded(channels)
		c.inactive[b] = seeded(channels)
	}
	return c
}

func seeded(channels int) *gevd.Matrix {
	m := gevd.NewMatrix(channels)
	m.AddScaled(corrSeed)
	return m
}

// addOuter accumulates y*y' into m.
func addOuter(m *gevd.Matrix, y []complex128) {
	for i := range y {
		for j := range y {
			m.Set(i, j, m.At(i, j)+y[i]*cmplx.Conj(y[j]))
		}
	}
}

// observation gathers the channel vector of one (frame, bin).
func observation(frames [][][]complex128, k, b int, dst []complex128) []complex128 {
	for ch := range frames {
		dst[ch] = frames[ch][k][b]
	}
	return dst
}

// averages converts the accumulated sums into sample-average matrices.
func (c *correlations) averages(b int) (rxx, rnn *gevd.Matrix) {
	rxx = averageOf(c.active[b], c.nActive[b])
	rnn = averageOf(c.inactive[b], c.nInactive[b])
	return rxx, rnn
}

func averageOf(sum *gevd.Matrix, n int) *gevd.Matrix {
	if n == 0 {
		return sum.Clone()
	}
	out := sum.Clone()
	inv := complex(1/float64(n), 0)
	for i := range out.Data {
		out.Data[i] *= inv
	}
	return out
}

// forget applies the exponentially-weighted recursive update to one class.
func forget(m *gevd.Matrix, y []complex128, lambda float64) {
	cl := complex(lambda, 0)
	for i := range m.Data {
		m.Data[i] *= cl
	}
	w := complex(1-lambda, 0)
	for i := range y {
		for j := range y {
			m.Set(i, j, m.At(i, j)+w*y[i]*cmplx.Conj(y[j]))
		}
	}
}

// Batch estimates one filter snapshot from the whole signal: per bin, sample
// averages of the observed outer products over speech-active and
// speech-inactive frames, fed to the GEVD design at RankS.
func (e *Estimator) Batch(mics, speech [][]float64) (FilterStack, error) {
	obs := e.t.AnalyzeAll(mics)
	mask, err := e.speechMask(speech)
	if err != nil {
		return nil, err
	}
	return e.batch(obs, mask, complement(mask), e.p.RankS)
}

// BatchExtended estimates the joint microphone/loudspeaker filter snapshot.
// The extended target spans both desired components, so a frame counts as
// active when the desired-speech mask and the far-end-speech mask agree it
// is, and as inactive when neither fires; frames in only one class are
// skipped.
func (e *Estimator) BatchExtended(mics, speakers, speech, echoSpeech [][]float64) (FilterStack, error) {
	obs := e.t.AnalyzeAll(append(copySignals(mics), speakers...))
	active, inactive, err := e.extendedMasks(speech, echoSpeech)
	if err != nil {
		return nil, err
	}
	return e.batch(obs, active, inactive, e.p.ExtendedRank())
}

func (e *Estimator) batch(obs [][][]complex128, active, inactive [][]bool, rank int) (FilterStack, error) {
	channels := len(obs)
	frames := len(obs[0])
	if frames == 0 {
		return nil, ErrNoFrames
	}
	bins := e.t.Bins()
	corr := newCorrelations(bins, channels)
	y := make([]complex128, channels)
	for k := 0; k < frames; k++ {
		for b := 0; b < bins; b++ {
			switch {
			case active[k][b]:
				addOuter(corr.active[b], observation(obs, k, b, y))
				corr.nActive[b]++
			case inactive[k][b]:
				addOuter(corr.inactive[b], observation(obs, k, b, y))
				corr.nInactive[b]++
			}
		}
	}
	rxx := make([]*gevd.Matrix, bins)
	rnn := make([]*gevd.Matrix, bins)
	for b := 0; b < bins; b++ {
		rxx[b], rnn[b] = corr.averages(b)
	}
	return gevd.DesignBatch(rxx, rnn, []int{rank})
}

// Adaptive re-estimates the filter after every frame: both accumulators are
// exponentially-forgetting state (factor lambda) and the full per-bin design
// runs at each frame index. The result holds one stack per analysis frame.
func (e *Estimator) Adaptive(mics, speech [][]float64) ([]FilterStack, error) {
	obs := e.t.AnalyzeAll(mics)
	mask, err := e.speechMask(speech)
	if err != nil {
		return nil, err
	}
	return e.adaptive(obs, mask, complement(mask), e.p.RankS)
}

// AdaptiveExtended is the frame-recursive form of BatchExtended.
func (e *Estimator) AdaptiveExtended(mics, speakers, speech, echoSpeech [][]float64) ([]FilterStack, error) {
	obs := e.t.AnalyzeAll(append(copySignals(mics), speakers...))
	active, inactive, err := e.extendedMasks(speech, echoSpeech)
	if err != nil {
		return nil, err
	}
	return e.adaptive(obs, active, inactive, e.p.ExtendedRank())
}

func (e *Estimator) adaptive(obs [][][]complex128, active, inactive [][]bool, rank int) ([]FilterStack, error) {
	channels := len(obs)
	frames := len(obs[0])
	if frames == 0 {
		return nil, ErrNoFrames
	}
	bins := e.t.Bins()
	rxx := make([]*gevd.Matrix, bins)
	rnn := make([]*gevd.Matrix, bins)
	for b := 0; b < bins; b++ {
		rxx[b] = seeded(channels)
		rnn[b] = seeded(channels)
	}
	y := make([]complex128, channels)
	out := make([]FilterStack, frames)
	for k := 0; k < frames; k++ {
		for b := 0; b < bins; b++ {
			switch {
			case active[k][b]:
				forget(rxx[b], observation(obs, k, b, y), e.p.Lambda)
			case inactive[k][b]:
				forget(rnn[b], observation(obs, k, b, y), e.p.Lambda)
			}
		}
		stack, err := gevd.DesignBatch(rxx, rnn, []int{rank})
		if err != nil {
			return nil, fmt.Errorf("nr: frame %d: %w", k, err)
		}
		out[k] = stack
	}
	return out, nil
}

func (e *Estimator) speechMask(speech [][]float64) ([][]bool, error) {
	sp := e.t.AnalyzeAll(speech)
	if len(sp) == 0 || len(sp[0]) == 0 {
		return nil, ErrNoFrames
	}
	return vad.Mask(sp, e.p.VADSensitivity, e.p.RefMic)
}

func (e *Estimator) extendedMasks(speech, echoSpeech [][]float64) (active, inactive [][]bool, err error) {
	speechMask, err := e.speechMask(speech)
	if err != nil {
		return nil, nil, err
	}
	echoF := e.t.AnalyzeAll(echoSpeech)
	echoMask, err := vad.Mask(echoF, e.p.VADSensitivity, e.p.RefMic)
	if err != nil {
		return nil, nil, err
	}
	return vad.And(speechMask, echoMask), vad.Nor(speechMask, echoMask), nil
}

func complement(mask [][]bool) [][]bool {
	out := make([][]bool, len(mask))
	for i := range mask {
		out[i] = make([]bool, len(mask[i]))
		for j := range mask[i] {
			out[i][j] = !mask[i][j]
		}
	}
	return out
}

func copySignals(x [][]float64) [][]float64 {
	return append([][]float64(nil), x...)
}
