// Package cascade composes the processing pipelines compared by the tool:
// a noise-reduction stage designed in the frame-frequency domain, converted
// to time-domain FIR filters and applied to every tracked signal component,
// followed by an NLMS echo canceller working on the noise-reduction output.
// Four pipelines share this structure: {base, extended} x {batch, adaptive}.
package cascade

import (
	"fmt"

	"nraec/internal/aec"
	"nraec/internal/nr"
	"nraec/internal/stft"
	"nraec/internal/vad"
	"nraec/pkg/types"
)

// Result carries the noise-reduction intermediates, the final cascade
// outputs and the echo-path filter (the converged filter in batch mode, the
// final adapted state in adaptive mode). All components stay time-aligned
// with the inputs up to the distortion filters' group delay N-1.
type Result struct {
	NR       types.SignalBundle
	Final    types.SignalBundle
	EchoPath *aec.Filter
}

// Run executes the selected pipeline on a complete signal bundle.
func Run(bundle *types.SignalBundle, p types.Parameters, mode types.Mode, variant types.Variant) (*Result, error) {
	if err := bundle.Validate(); err != nil {
		return nil, fmt.Errorf("cascade: %w", err)
	}
	analysis, synthesis := stft.SqrtHannPair(p.N)
	t, err := stft.New(analysis, synthesis, p.N, p.Shift)
	if err != nil {
		return nil, err
	}

	var nrOut types.SignalBundle
	switch variant {
	case types.VariantBase:
		nrOut, err = runBaseNR(bundle, p, t, mode)
	case types.VariantExtended:
		nrOut, err = runExtendedNR(bundle, p, t, mode)
	default:
		return nil, fmt.Errorf("cascade: unknown variant %v", variant)
	}
	if err != nil {
		return nil, err
	}

	final, path, err := echoStage(&nrOut, p, mode)
	if err != nil {
		return nil, err
	}
	return &Result{NR: nrOut, Final: final, EchoPath: path}, nil
}

// runBaseNR filters the microphone-side components with the base estimator;
// the loudspeaker components pass through unmodified.
func runBaseNR(bundle *types.SignalBundle, p types.Parameters, t *stft.Transform, mode types.Mode) (types.SignalBundle, error) {
	est := nr.New(t, p)
	apply, err := bankApplier(t, mode, func() (nr.FilterStack, error) {
		return est.Batch(bundle.Mixture, bundle.Speech)
	}, func() ([]nr.FilterStack, error) {
		return est.Adaptive(bundle.Mixture, bundle.Speech)
	})
	if err != nil {
		return types.SignalBundle{}, err
	}
	return types.SignalBundle{
		Mixture:       apply(bundle.Mixture),
		Speech:        apply(bundle.Speech),
		Noise:         apply(bundle.Noise),
		EchoSpeech:    apply(bundle.EchoSpeech),
		EchoNoise:     apply(bundle.EchoNoise),
		Speakers:      copySignals(bundle.Speakers),
		SpeakerSpeech: copySignals(bundle.SpeakerSpeech),
		SpeakerNoise:  copySignals(bundle.SpeakerNoise),
	}, nil
}

// runExtendedNR filters stacked microphone/loudspeaker components with the
// extended estimator; the loudspeaker-side rows of each filtered stack are
// the synthesized loudspeaker outputs.
func runExtendedNR(bundle *types.SignalBundle, p types.Parameters, t *stft.Transform, mode types.Mode) (types.SignalBundle, error) {
	est := nr.New(t, p)
	apply, err := bankApplier(t, mode, func() (nr.FilterStack, error) {
		return est.BatchExtended(bundle.Mixture, bundle.Speakers, bundle.Speech, bundle.EchoSpeech)
	}, func() ([]nr.FilterStack, error) {
		return est.AdaptiveExtended(bundle.Mixture, bundle.Speakers, bundle.Speech, bundle.EchoSpeech)
	})
	if err != nil {
		return types.SignalBundle{}, err
	}

	mics := bundle.NumMics()
	samples := bundle.NumSamples()
	zero := zeroSignals(bundle.NumSpeakers(), samples)

	mixture := apply(stacked(bundle.Mixture, bundle.Speakers))
	speech := apply(stacked(bundle.Speech, zero))
	noise := apply(stacked(bundle.Noise, zero))
	echoSpeech := apply(stacked(bundle.EchoSpeech, bundle.SpeakerSpeech))
	echoNoise := apply(stacked(bundle.EchoNoise, bundle.SpeakerNoise))

	return types.SignalBundle{
		Mixture:       mixture[:mics],
		Speech:        speech[:mics],
		Noise:         noise[:mics],
		EchoSpeech:    echoSpeech[:mics],
		EchoNoise:     echoNoise[:mics],
		Speakers:      mixture[mics:],
		SpeakerSpeech: echoSpeech[mics:],
		SpeakerNoise:  echoNoise[mics:],
	}, nil
}

// bankApplier turns the selected estimator output into a component filter:
// one FIR bank for batch mode, or per-frame banks held between analysis
// frame boundaries for adaptive mode.
func bankApplier(t *stft.Transform, mode types.Mode,
	batch func() (nr.FilterStack, error),
	adaptive func() ([]nr.FilterStack, error)) (func([][]float64) [][]float64, error) {

	if mode == types.ModeBatch {
		stack, err := batch()
		if err != nil {
			return nil, err
		}
		bank, err := firBank(t, stack)
		if err != nil {
			return nil, err
		}
		return func(x [][]float64) [][]float64 {
			return applyBank(bank, x)
		}, nil
	}

	stacks, err := adaptive()
	if err != nil {
		return nil, err
	}
	banks := make([][][][]float64, len(stacks))
	for k := range stacks {
		if banks[k], err = firBank(t, stacks[k]); err != nil {
			return nil, fmt.Errorf("cascade: frame %d: %w", k, err)
		}
	}
	hop := t.Hop()
	return func(x [][]float64) [][]float64 {
		return applyBanksHeld(banks, x, hop)
	}, nil
}

// firBank converts the per-bin filter stack into time-domain FIR filters,
// one per (output channel, input channel) pair: the column of W belonging
// to each output channel is handed to the distortion converter.
func firBank(t *stft.Transform, stack nr.FilterStack) ([][][]float64, error) {
	channels := stack[0].W.N
	column := make([]complex128, len(stack))
	bank := make([][][]float64, channels)
	for out := 0; out < channels; out++ {
		bank[out] = make([][]float64, channels)
		for in := 0; in < channels; in++ {
			for b := range stack {
				column[b] = stack[b].W.At(in, out)
			}
			fir, err := t.DistortionFilter(column)
			if err != nil {
				return nil, err
			}
			bank[out][in] = fir
		}
	}
	return bank, nil
}

// applyBank filters a multichannel component through the FIR bank with
// causal convolution, keeping the input length. The outputs carry the
// filters' group delay.
func applyBank(bank [][][]float64, x [][]float64) [][]float64 {
	samples := 0
	if len(x) > 0 {
		samples = len(x[0])
	}
	out := make([][]float64, len(bank))
	for o := range bank {
		out[o] = make([]float64, samples)
		for in := range bank[o] {
			convolveInto(out[o], bank[o][in], x[in])
		}
	}
	return out
}

func convolveInto(dst, fir, x []float64) {
	for t := range dst {
		var s float64
		lmax := len(fir) - 1
		if t < lmax {
			lmax = t
		}
		for l := 0; l <= lmax; l++ {
			s += fir[l] * x[t-l]
		}
		dst[t] += s
	}
}

// applyBanksHeld filters with the per-frame FIR banks: each sample uses the
// bank produced by the analysis frame starting at or before it.
func applyBanksHeld(banks [][][][]float64, x [][]float64, hop int) [][]float64 {
	samples := 0
	if len(x) > 0 {
		samples = len(x[0])
	}
	channels := len(banks[0])
	out := make([][]float64, channels)
	for o := range out {
		out[o] = make([]float64, samples)
	}
	for t := 0; t < samples; t++ {
		k := t / hop
		if k >= len(banks) {
			k = len(banks) - 1
		}
		bank := banks[k]
		for o := 0; o < channels; o++ {
			var s float64
			for in := range bank[o] {
				fir := bank[o][in]
				lmax := len(fir) - 1
				if t < lmax {
					lmax = t
				}
				for l := 0; l <= lmax; l++ {
					s += fir[l] * x[in][t-l]
				}
			}
			out[o][t] = s
		}
	}
	return out
}

// echoStage estimates the echo path on the noise-reduction output and
// subtracts the estimated echo contribution from the mixture and from the
// echo components. Activity gates come from the noise-reduction output's
// own speech and echo components, which are time-aligned with its mixture.
func echoStage(nrOut *types.SignalBundle, p types.Parameters, mode types.Mode) (types.SignalBundle, *aec.Filter, error) {
	ref := p.RefMic
	speechActive := vad.TimeMask(nrOut.Speech[ref], p.VADSensitivity, p.N)
	echoRef := make([]float64, len(nrOut.EchoSpeech[ref]))
	for t := range echoRef {
		echoRef[t] = nrOut.EchoSpeech[ref][t] + nrOut.EchoNoise[ref][t]
	}
	echoActive := vad.TimeMask(echoRef, p.VADSensitivity, p.N)

	params := aec.Params{
		FilterLen:           p.Lfhat,
		Mu:                  p.Mu,
		Alpha:               p.Alpha,
		RequireEchoActivity: p.GateEchoBatch,
	}

	final := cloneBundle(nrOut)
	if mode == types.ModeBatch {
		f, err := aec.EstimateBatch(nrOut.Mixture, nrOut.Speakers, speechActive, echoActive, params)
		if err != nil {
			return types.SignalBundle{}, nil, err
		}
		subtract(final.Mixture, f.Apply(nrOut.Speakers))
		subtract(final.EchoSpeech, f.Apply(nrOut.SpeakerSpeech))
		subtract(final.EchoNoise, f.Apply(nrOut.SpeakerNoise))
		return final, f, nil
	}

	farEnds := [][][]float64{nrOut.Speakers, nrOut.SpeakerSpeech, nrOut.SpeakerNoise}
	res, err := aec.EstimateAdaptive(nrOut.Mixture, farEnds, speechActive, echoActive, params)
	if err != nil {
		return types.SignalBundle{}, nil, err
	}
	subtract(final.Mixture, res.Echoes[0])
	subtract(final.EchoSpeech, res.Echoes[1])
	subtract(final.EchoNoise, res.Echoes[2])
	return final, res.Final, nil
}

func subtract(dst, est [][]float64) {
	for ch := range dst {
		for t := range dst[ch] {
			dst[ch][t] -= est[ch][t]
		}
	}
}

func stacked(mics, speakers [][]float64) [][]float64 {
	out := make([][]float64, 0, len(mics)+len(speakers))
	out = append(out, mics...)
	return append(out, speakers...)
}

func zeroSignals(channels, samples int) [][]float64 {
	out := make([][]float64, channels)
	for ch := range out {
		out[ch] = make([]float64, samples)
	}
	return out
}

func copySignals(x [][]float64) [][]float64 {
	out := make([][]float64, len(x))
	for ch := range x {
		out[ch] = append([]float64(nil), x[ch]...)
	}
	return out
}

func cloneBundle(b *types.SignalBundle) types.SignalBundle {
	return types.SignalBundle{
		Mixture:       copySignals(b.Mixture),
		Speech:        copySignals(b.Speech),
		Noise:         copySignals(b.Noise),
		EchoSpeech:    copySignals(b.EchoSpeech),
		EchoNoise:     copySignals(b.EchoNoise),
		Speakers:      copySignals(b.Speakers),
		SpeakerSpeech: copySignals(b.SpeakerSpeech),
		SpeakerNoise:  copySignals(b.SpeakerNoise),
	}
}
