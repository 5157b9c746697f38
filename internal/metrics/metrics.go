// Package metrics computes the signal quality figures reported per cascade
// stage: signal-to-noise ratio, signal-to-echo ratio and speech distortion,
// all as decibel power ratios over the speech-active samples of a channel.
package metrics

import (
	"errors"
	"math"
)

var ErrLength = errors.New("metrics: signal lengths differ")

// floor keeps the log arguments finite when a component is exactly zero.
const floor = 1e-30

// SNR is the speech-to-noise power ratio in dB over the active samples.
func SNR(speech, noise []float64, active []bool) (float64, error) {
	return powerRatioDB(speech, noise, active)
}

// SER is the speech-to-echo power ratio in dB over the active samples.
// The echo argument is the sum of the residual echo components.
func SER(speech, echo []float64, active []bool) (float64, error) {
	return powerRatioDB(speech, echo, active)
}

// SD is the speech distortion in dB: the power of the difference between
// the processed and reference speech relative to the reference power, over
// the active samples. Lower is better; an undistorted copy gives -inf.
func SD(processed, reference []float64, active []bool) (float64, error) {
	if len(processed) != len(reference) || len(active) != len(reference) {
		return 0, ErrLength
	}
	var diff, ref float64
	for t := range reference {
		if !active[t] {
			continue
		}
		d := processed[t] - reference[t]
		diff += d * d
		ref += reference[t] * reference[t]
	}
	return 10 * math.Log10((diff+floor)/(ref+floor)), nil
}

func powerRatioDB(num, den []float64, active []bool) (float64, error) {
	if len(num) != len(den) || len(active) != len(num) {
		return 0, ErrLength
	}
	var pn, pd float64
	for t := range num {
		if !active[t] {
			continue
		}
		pn += num[t] * num[t]
		pd += den[t] * den[t]
	}
	return 10 * math.Log10((pn+floor)/(pd+floor)), nil
}

// AlignTrim compensates the processing chain's group delay before a metric
// comparison: the processed signal is shifted back by delay samples and
// both signals are cut to the overlapping region, together with the
// activity mask evaluated on the reference timeline.
func AlignTrim(processed, reference []float64, active []bool, delay int) ([]float64, []float64, []bool, error) {
	if len(processed) != len(reference) || len(active) != len(reference) {
		return nil, nil, nil, ErrLength
	}
	if delay < 0 || delay >= len(processed) {
		return nil, nil, nil, errors.New("metrics: delay out of range")
	}
	n := len(processed) - delay
	return processed[delay:], reference[:n], active[:n], nil
}
