package metrics

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func constant(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func activeAll(n int) []bool {
	out := make([]bool, n)
	for i := range out {
		out[i] = true
	}
	return out
}

func TestSNR(t *testing.T) {
	speech := constant(1, 100)
	noise := constant(0.1, 100)

	snr, err := SNR(speech, noise, activeAll(100))
	require.NoError(t, err)
	require.InDelta(t, 20.0, snr, 1e-9)
}

func TestSNRActiveOnly(t *testing.T) {
	// Inactive samples carry huge values that must not contribute.
	speech := []float64{1, 100, 1, 100}
	noise := []float64{0.1, 100, 0.1, 100}
	active := []bool{true, false, true, false}

	snr, err := SNR(speech, noise, active)
	require.NoError(t, err)
	require.InDelta(t, 20.0, snr, 1e-9)
}

func TestSER(t *testing.T) {
	speech := constant(2, 50)
	echo := constant(0.2, 50)

	ser, err := SER(speech, echo, activeAll(50))
	require.NoError(t, err)
	require.InDelta(t, 20.0, ser, 1e-9)
}

func TestSD(t *testing.T) {
	ref := constant(1, 100)

	// An exact copy has vanishing distortion.
	sd, err := SD(ref, ref, activeAll(100))
	require.NoError(t, err)
	require.Less(t, sd, -100.0)

	// A 10% amplitude error gives 20 log10(0.1) = -20 dB.
	scaled := constant(1.1, 100)
	sd, err = SD(scaled, ref, activeAll(100))
	require.NoError(t, err)
	require.InDelta(t, -20.0, sd, 1e-6)
}

func TestLengthMismatch(t *testing.T) {
	_, err := SNR(constant(1, 4), constant(1, 5), activeAll(4))
	require.ErrorIs(t, err, ErrLength)

	_, err = SD(constant(1, 4), constant(1, 4), activeAll(3))
	require.ErrorIs(t, err, ErrLength)
}

func TestAlignTrim(t *testing.T) {
	processed := []float64{0, 0, 1, 2, 3}
	reference := []float64{1, 2, 3, 9, 9}
	active := []bool{true, true, true, false, false}

	proc, ref, act, err := AlignTrim(processed, reference, active, 2)
	require.NoError(t, err)
	require.Equal(t, []float64{1, 2, 3}, proc)
	require.Equal(t, []float64{1, 2, 3}, ref)
	require.Equal(t, []bool{true, true, true}, act)

	_, _, _, err = AlignTrim(processed, reference, active, 7)
	require.Error(t, err)
}
