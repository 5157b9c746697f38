package types

import "fmt"

// Mode selects batch or sample-adaptive operation of the cascades.
type Mode int

const (
	ModeBatch Mode = iota
	ModeAdaptive
)

// String returns the string representation of Mode
func (m Mode) String() string {
	switch m {
	case ModeBatch:
		return "batch"
	case ModeAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// Variant selects which noise-reduction front end feeds the echo canceller.
type Variant int

const (
	// VariantBase runs the microphone-only noise reduction (NR-AEC).
	VariantBase Variant = iota
	// VariantExtended runs the joint microphone/loudspeaker noise
	// reduction (NRext-AEC).
	VariantExtended
)

// String returns the string representation of Variant
func (v Variant) String() string {
	switch v {
	case VariantBase:
		return "NR-AEC"
	case VariantExtended:
		return "NRext-AEC"
	default:
		return "unknown"
	}
}

// Parameters holds the processing parameters consumed by the filter-design
// and adaptive-filtering core. It is filled once and never mutated by the
// pipeline stages.
type Parameters struct {
	SampleRate  int
	RefMic      int // reference channel for VAD gating and metrics
	NumMics     int
	NumSpeakers int

	// Noise-reduction filter design
	RankS          int     // target rank for the base variant
	RankSES        int     // target rank for the extended variant; 0 means NumSpeakers+1
	VADSensitivity float64 // activity threshold in units of per-bin standard deviation
	N              int     // DFT size
	Shift          int     // frame overlap in samples; the hop is N-Shift
	Lambda         float64 // forgetting factor for adaptive correlation updates

	// Echo-path estimation (NLMS)
	Lfhat         int     // echo filter taps per loudspeaker
	Mu            float64 // NLMS step size
	Alpha         float64 // NLMS energy regularizer
	GateEchoBatch bool    // also require echo activity for batch NLMS updates
}

// ExtendedRank returns the target rank for the extended variant, defaulting
// to the loudspeaker count plus one when unset.
func (p Parameters) ExtendedRank() int {
	if p.RankSES > 0 {
		return p.RankSES
	}
	return p.NumSpeakers + 1
}

// SignalBundle carries the tracked signal components of one recording,
// channel-major (component[channel][sample]). Mixture is the sum of the four
// microphone-side components; Speakers is the sum of the loudspeaker-side
// components.
type SignalBundle struct {
	Mixture    [][]float64
	Speech     [][]float64
	Noise      [][]float64
	EchoSpeech [][]float64
	EchoNoise  [][]float64

	Speakers      [][]float64
	SpeakerSpeech [][]float64
	SpeakerNoise  [][]float64
}

// NumMics returns the microphone channel count.
func (b *SignalBundle) NumMics() int {
	return len(b.Speech)
}

// NumSpeakers returns the loudspeaker channel count.
func (b *SignalBundle) NumSpeakers() int {
	return len(b.SpeakerSpeech)
}

// NumSamples returns the per-channel signal length.
func (b *SignalBundle) NumSamples() int {
	if len(b.Speech) == 0 {
		return 0
	}
	return len(b.Speech[0])
}

// DeriveMixtures fills Mixture and Speakers from the component sums.
func (b *SignalBundle) DeriveMixtures() {
	b.Mixture = sumComponents(b.Speech, b.Noise, b.EchoSpeech, b.EchoNoise)
	b.Speakers = sumComponents(b.SpeakerSpeech, b.SpeakerNoise)
}

// Validate checks that every component has consistent channel counts and
// sample lengths.
func (b *SignalBundle) Validate() error {
	mics := [][][]float64{b.Mixture, b.Speech, b.Noise, b.EchoSpeech, b.EchoNoise}
	micNames := []string{"mixture", "speech", "noise", "echo-speech", "echo-noise"}
	for i, c := range mics {
		if len(c) != b.NumMics() {
			return fmt.Errorf("component %s has %d channels, want %d", micNames[i], len(c), b.NumMics())
		}
	}
	spk := [][][]float64{b.Speakers, b.SpeakerSpeech, b.SpeakerNoise}
	spkNames := []string{"speakers", "speaker-speech", "speaker-noise"}
	for i, c := range spk {
		if len(c) != b.NumSpeakers() {
			return fmt.Errorf("component %s has %d channels, want %d", spkNames[i], len(c), b.NumSpeakers())
		}
	}
	names := append(micNames, spkNames...)
	t := b.NumSamples()
	for i, c := range append(mics, spk...) {
		for ch := range c {
			if len(c[ch]) != t {
				return fmt.Errorf("component %s channel %d has %d samples, want %d", names[i], ch, len(c[ch]), t)
			}
		}
	}
	return nil
}

func sumComponents(components ...[][]float64) [][]float64 {
	if len(components) == 0 || len(components[0]) == 0 {
		return nil
	}
	channels := len(components[0])
	samples := len(components[0][0])
	out := make([][]float64, channels)
	for ch := 0; ch < channels; ch++ {
		out[ch] = make([]float64, samples)
		for _, c := range components {
			for t, v := range c[ch] {
				out[ch][t] += v
			}
		}
	}
	return out
}

// Config holds the complete tool configuration: input component files, the
// output location, the cascade selection, and the core parameters.
type Config struct {
	// Input component files (WAV)
	SpeechFile        string
	NoiseFile         string
	EchoSpeechFile    string
	EchoNoiseFile     string
	SpeakerSpeechFile string
	SpeakerNoiseFile  string

	OutputDir string

	Mode    Mode
	Variant Variant
	Compare bool // run both variants and report the improvement deltas

	ProgressSec float64

	Params Parameters
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		OutputDir:   "out",
		Mode:        ModeBatch,
		Variant:     VariantBase,
		ProgressSec: 16.0,
		Params: Parameters{
			SampleRate:     16000,
			RefMic:         0,
			RankS:          1,
			RankSES:        0, // NumSpeakers+1
			VADSensitivity: 1.0,
			N:              512,
			Shift:          256,
			Lambda:         0.995,
			Lfhat:          1024,
			Mu:             0.5,
			Alpha:          1e-6,
			GateEchoBatch:  true,
		},
	}
}
