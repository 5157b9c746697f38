package nr

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"nraec/internal/stft"
	"nraec/pkg/types"
)

func testParams() types.Parameters {
	return types.Parameters{
		RefMic:         0,
		NumMics:        2,
		NumSpeakers:    1,
		RankS:          1,
		VADSensitivity: 1.0,
		N:              32,
		Shift:          16,
		Lambda:         0.95,
	}
}

func testTransform(t *testing.T, p types.Parameters) *stft.Transform {
	t.Helper()
	wa, ws := stft.SqrtHannPair(p.N)
	tr, err := stft.New(wa, ws, p.N, p.Shift)
	require.NoError(t, err)
	return tr
}

// testSignals builds a two-microphone scene: a tone that is present only in
// bursts (the desired speech) over low-level noise.
func testSignals(samples int, seed int64) (mics, speech [][]float64) {
	rng := rand.New(rand.NewSource(seed))
	speech = make([][]float64, 2)
	mics = make([][]float64, 2)
	for ch := range speech {
		speech[ch] = make([]float64, samples)
		mics[ch] = make([]float64, samples)
	}
	for t := 0; t < samples; t++ {
		tone := math.Sin(2 * math.Pi * float64(t) / 8.0)
		burst := (t/256)%2 == 0
		for ch := range speech {
			var s float64
			if burst {
				s = tone
				if ch == 1 {
					s *= 0.8
				}
			}
			speech[ch][t] = s
			mics[ch][t] = s + 0.05*rng.NormFloat64()
		}
	}
	return mics, speech
}

func TestBatch(t *testing.T) {
	p := testParams()
	tr := testTransform(t, p)
	mics, speech := testSignals(2048, 1)

	stack, err := New(tr, p).Batch(mics, speech)
	require.NoError(t, err)
	require.Len(t, stack, tr.Bins())

	for b, f := range stack {
		require.Equal(t, 2, f.W.N, "bin %d", b)
		require.LessOrEqual(t, f.Rank, p.RankS, "bin %d", b)
		for _, g := range f.Gains {
			require.GreaterOrEqual(t, g, 0.0, "bin %d", b)
			require.LessOrEqual(t, g, 1.0, "bin %d", b)
		}
	}

	// The tone bin must carry a non-trivial filter; it dominates the
	// active frames by construction.
	toneBin := p.N / 8
	var norm float64
	for _, v := range stack[toneBin].W.Data {
		norm += real(v)*real(v) + imag(v)*imag(v)
	}
	require.Greater(t, norm, 0.01)
}

func TestBatchExtended(t *testing.T) {
	p := testParams()
	tr := testTransform(t, p)
	mics, speech := testSignals(2048, 2)

	// Far-end speech bursts offset from the near-end bursts.
	rng := rand.New(rand.NewSource(3))
	speakers := [][]float64{make([]float64, 2048)}
	echoSpeech := make([][]float64, 2)
	for ch := range echoSpeech {
		echoSpeech[ch] = make([]float64, 2048)
	}
	for ts := 0; ts < 2048; ts++ {
		if (ts/256)%2 == 0 {
			v := rng.NormFloat64()
			speakers[0][ts] = v
			echoSpeech[0][ts] = 0.5 * v
			echoSpeech[1][ts] = 0.4 * v
		}
	}

	stack, err := New(tr, p).BatchExtended(mics, speakers, speech, echoSpeech)
	require.NoError(t, err)
	require.Len(t, stack, tr.Bins())

	// Joint filters span microphones plus loudspeakers.
	for b, f := range stack {
		require.Equal(t, 3, f.W.N, "bin %d", b)
		require.LessOrEqual(t, f.Rank, p.ExtendedRank(), "bin %d", b)
	}
}

func TestAdaptive(t *testing.T) {
	p := testParams()
	tr := testTransform(t, p)
	mics, speech := testSignals(1024, 4)

	stacks, err := New(tr, p).Adaptive(mics, speech)
	require.NoError(t, err)
	require.Len(t, stacks, tr.NumFrames(1024))
	for k, stack := range stacks {
		require.Len(t, stack, tr.Bins(), "frame %d", k)
	}

	// Snapshots are independent: later frames must not alias earlier
	// filter state.
	require.NotSame(t, stacks[0][0], stacks[len(stacks)-1][0])
}

func TestShortSignal(t *testing.T) {
	p := testParams()
	tr := testTransform(t, p)
	short := [][]float64{make([]float64, p.N-1), make([]float64, p.N-1)}

	_, err := New(tr, p).Batch(short, short)
	require.ErrorIs(t, err, ErrNoFrames)
}
