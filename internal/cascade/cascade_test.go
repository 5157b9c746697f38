package cascade

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"nraec/pkg/types"
)

func testParams() types.Parameters {
	return types.Parameters{
		SampleRate:     16000,
		RefMic:         0,
		NumMics:        2,
		NumSpeakers:    1,
		RankS:          1,
		VADSensitivity: 1.0,
		N:              64,
		Shift:          32,
		Lambda:         0.95,
		Lfhat:          160,
		Mu:             0.5,
		Alpha:          1e-6,
		GateEchoBatch:  true,
	}
}

// zero-mean echo paths, one per microphone
var echoPaths = [][]float64{
	{0.4, -0.2, 0.1, -0.3, 0.2, -0.1, 0.05, -0.15, 0.1, -0.05, 0.02, -0.02, 0.03, -0.03, 0.01, -0.03},
	{0.3, -0.1, 0.2, -0.25, 0.1, -0.15, 0.1, -0.1, 0.05, -0.05, 0.03, -0.03, 0.02, -0.02, 0.01, -0.01},
}

func convolve(h, x []float64) []float64 {
	out := make([]float64, len(x))
	for t := range x {
		for l := 0; l < len(h) && l <= t; l++ {
			out[t] += h[l] * x[t-l]
		}
	}
	return out
}

// testBundle builds a two-microphone, one-loudspeaker scene cycling through
// four phases of the given length: near-end speech only, far-end only,
// double talk, silence. The near-end speech is a broadband burst coherent
// across the microphones; far-end bursts reach the microphones through
// short echo paths.
func testBundle(samples, phase int, seed int64) *types.SignalBundle {
	rng := rand.New(rand.NewSource(seed))
	b := &types.SignalBundle{
		Speech:        make([][]float64, 2),
		Noise:         make([][]float64, 2),
		EchoSpeech:    make([][]float64, 2),
		EchoNoise:     make([][]float64, 2),
		SpeakerSpeech: [][]float64{make([]float64, samples)},
		SpeakerNoise:  [][]float64{make([]float64, samples)},
	}
	for ch := 0; ch < 2; ch++ {
		b.Speech[ch] = make([]float64, samples)
		b.Noise[ch] = make([]float64, samples)
	}
	for t := 0; t < samples; t++ {
		cycle := (t / phase) % 4
		nearBurst := cycle == 0 || cycle == 2
		farBurst := cycle == 1 || cycle == 2
		s := rng.NormFloat64()
		for ch := 0; ch < 2; ch++ {
			if nearBurst {
				gain := 1.0
				if ch == 1 {
					gain = 0.8
				}
				b.Speech[ch][t] = gain * s
			}
			b.Noise[ch][t] = 0.02 * rng.NormFloat64()
		}
		if farBurst {
			b.SpeakerSpeech[0][t] = rng.NormFloat64()
		}
		b.SpeakerNoise[0][t] = 0.01 * rng.NormFloat64()
	}
	for ch := 0; ch < 2; ch++ {
		b.EchoSpeech[ch] = convolve(echoPaths[ch], b.SpeakerSpeech[0])
		b.EchoNoise[ch] = convolve(echoPaths[ch], b.SpeakerNoise[0])
	}
	b.DeriveMixtures()
	return b
}

func power(x []float64) float64 {
	var p float64
	for _, v := range x {
		p += v * v
	}
	return p / float64(len(x))
}

func residualEchoPower(b *types.SignalBundle, ref int) float64 {
	res := make([]float64, len(b.EchoSpeech[ref]))
	for t := range res {
		res[t] = b.EchoSpeech[ref][t] + b.EchoNoise[ref][t]
	}
	return power(res)
}

func requireShapes(t *testing.T, b *types.SignalBundle, mics, speakers, samples int) {
	t.Helper()
	require.Equal(t, mics, b.NumMics())
	require.Equal(t, speakers, b.NumSpeakers())
	require.NoError(t, b.Validate())
	require.Equal(t, samples, b.NumSamples())
}

func TestRunBatchBase(t *testing.T) {
	const samples = 4096
	p := testParams()
	bundle := testBundle(samples, 512, 1)

	res, err := Run(bundle, p, types.ModeBatch, types.VariantBase)
	require.NoError(t, err)

	requireShapes(t, &res.NR, 2, 1, samples)
	requireShapes(t, &res.Final, 2, 1, samples)

	require.NotNil(t, res.EchoPath)
	require.Len(t, res.EchoPath.Coeffs, 2)
	require.Len(t, res.EchoPath.Coeffs[0], p.Lfhat)

	// The canceller must remove a substantial share of the echo that
	// survives noise reduction.
	before := residualEchoPower(&res.NR, 0)
	after := residualEchoPower(&res.Final, 0)
	require.Less(t, after, 0.5*before)

	// Near-end speech passes through echo subtraction untouched.
	require.Equal(t, res.NR.Speech, res.Final.Speech)
}

func TestRunBatchExtended(t *testing.T) {
	const samples = 4096
	p := testParams()
	bundle := testBundle(samples, 512, 2)

	res, err := Run(bundle, p, types.ModeBatch, types.VariantExtended)
	require.NoError(t, err)

	requireShapes(t, &res.NR, 2, 1, samples)
	requireShapes(t, &res.Final, 2, 1, samples)

	before := residualEchoPower(&res.NR, 0)
	after := residualEchoPower(&res.Final, 0)
	require.Less(t, after, 0.6*before)
}

func TestRunAdaptiveBase(t *testing.T) {
	const samples = 4096
	p := testParams()
	bundle := testBundle(samples, 512, 3)

	res, err := Run(bundle, p, types.ModeAdaptive, types.VariantBase)
	require.NoError(t, err)

	requireShapes(t, &res.NR, 2, 1, samples)
	requireShapes(t, &res.Final, 2, 1, samples)
	require.NotNil(t, res.EchoPath)
}

func TestRunAdaptiveExtended(t *testing.T) {
	const samples = 2048
	p := testParams()
	bundle := testBundle(samples, 512, 4)

	res, err := Run(bundle, p, types.ModeAdaptive, types.VariantExtended)
	require.NoError(t, err)

	requireShapes(t, &res.NR, 2, 1, samples)
	requireShapes(t, &res.Final, 2, 1, samples)
}

func TestRunInvalidBundle(t *testing.T) {
	p := testParams()
	bundle := testBundle(1024, 512, 5)
	bundle.Noise = bundle.Noise[:1]

	_, err := Run(bundle, p, types.ModeBatch, types.VariantBase)
	require.Error(t, err)
}

// TestEndToEndCanonical runs both cascades at the full transform size with a
// long random echo path and checks the comparison the tool exists to make:
// both cascades improve the signal-to-echo ratio, and the extended cascade's
// signal-to-noise improvement meets or exceeds the base cascade's.
func TestEndToEndCanonical(t *testing.T) {
	if testing.Short() {
		t.Skip("full-size cascade comparison")
	}

	const samples = 32768
	p := testParams()
	p.N = 512
	p.Shift = 256
	p.Lfhat = 1024
	// Broadband bursts spread their energy over all bins; a lower
	// sensitivity keeps the burst frames inside both activity masks.
	p.VADSensitivity = 0.5

	// Zero-mean attenuating echo paths, total energy 0.25 per channel.
	rng := rand.New(rand.NewSource(42))
	paths := make([][]float64, 2)
	for ch := range paths {
		paths[ch] = make([]float64, 128)
		var mean float64
		for l := range paths[ch] {
			paths[ch][l] = rng.NormFloat64()
			mean += paths[ch][l]
		}
		mean /= float64(len(paths[ch]))
		var energy float64
		for l := range paths[ch] {
			paths[ch][l] -= mean
			energy += paths[ch][l] * paths[ch][l]
		}
		scale := math.Sqrt(0.25 / energy)
		for l := range paths[ch] {
			paths[ch][l] *= scale
		}
	}

	bundle := testBundle(samples, 1024, 7)
	for ch := 0; ch < 2; ch++ {
		bundle.EchoSpeech[ch] = convolve(paths[ch], bundle.SpeakerSpeech[0])
		bundle.EchoNoise[ch] = convolve(paths[ch], bundle.SpeakerNoise[0])
	}
	bundle.DeriveMixtures()

	snr := func(b *types.SignalBundle) float64 {
		return 10 * math.Log10(power(b.Speech[0])/power(b.Noise[0]))
	}
	ser := func(b *types.SignalBundle) float64 {
		return 10 * math.Log10(power(b.Speech[0])/residualEchoPower(b, 0))
	}

	base, err := Run(bundle, p, types.ModeBatch, types.VariantBase)
	require.NoError(t, err)
	ext, err := Run(bundle, p, types.ModeBatch, types.VariantExtended)
	require.NoError(t, err)

	baseSERGain := ser(&base.Final) - ser(bundle)
	extSERGain := ser(&ext.Final) - ser(bundle)
	require.Greater(t, baseSERGain, 0.0)
	require.Greater(t, extSERGain, 0.0)

	baseSNRGain := snr(&base.Final) - snr(bundle)
	extSNRGain := snr(&ext.Final) - snr(bundle)
	require.GreaterOrEqual(t, extSNRGain, baseSNRGain)
}

func TestNoiseReductionKeepsSpeech(t *testing.T) {
	const samples = 4096
	p := testParams()
	bundle := testBundle(samples, 512, 6)

	res, err := Run(bundle, p, types.ModeBatch, types.VariantBase)
	require.NoError(t, err)

	// The filtered speech component must retain most of the input
	// speech energy; a collapsing filter would zero it.
	require.Greater(t, power(res.NR.Speech[0]), 0.1*power(bundle.Speech[0]))
}
