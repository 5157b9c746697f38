package config

import (
	"flag"
	"fmt"
	"os"

	"nraec/pkg/types"
)

// ParseFlags parses command line flags and returns configuration
func ParseFlags() (*types.Config, error) {
	config := types.DefaultConfig()

	var (
		speechFile       = flag.String("speech", "", "Path to desired speech component WAV (one channel per microphone)")
		noiseFile        = flag.String("noise", "", "Path to noise component WAV (one channel per microphone)")
		echoSpeechFile   = flag.String("echo-speech", "", "Path to far-end speech echo component WAV (one channel per microphone)")
		echoNoiseFile    = flag.String("echo-noise", "", "Path to far-end noise echo component WAV (one channel per microphone)")
		speakerSpeechFil = flag.String("speaker-speech", "", "Path to loudspeaker speech component WAV (one channel per loudspeaker)")
		speakerNoiseFil  = flag.String("speaker-noise", "", "Path to loudspeaker noise component WAV (one channel per loudspeaker)")
		outputDir        = flag.String("out", config.OutputDir, "Directory for output WAV files")

		adaptive = flag.Bool("adaptive", false, "Adaptive processing (recursive correlation estimates, per-frame filters)")
		extended = flag.Bool("extended", false, "Extended cascade: stack loudspeaker signals with the microphones (NRext-AEC)")
		compare  = flag.Bool("compare", false, "Run both cascades and report metrics side by side")

		// Processing parameters (override defaults)
		refMic         = flag.Int("ref-mic", config.Params.RefMic, "Reference microphone index")
		rankS          = flag.Int("rank-s", config.Params.RankS, "Speech correlation rank for the base filter")
		rankSES        = flag.Int("rank-ses", 0, "Speech+echo correlation rank for the extended filter (default: speakers+1)")
		vadSensitivity = flag.Float64("vad-sensitivity", config.Params.VADSensitivity, "VAD threshold as a multiple of the per-bin standard deviation")
		dftSize        = flag.Int("dft-size", config.Params.N, "DFT size N in samples (even)")
		shift          = flag.Int("shift", config.Params.Shift, "Frame overlap in samples (0 < shift < N)")
		lambda         = flag.Float64("lambda", config.Params.Lambda, "Forgetting factor for adaptive correlation estimates (0 < lambda < 1)")
		lfhat          = flag.Int("lfhat", config.Params.Lfhat, "Echo path filter length per loudspeaker in samples")
		mu             = flag.Float64("mu", config.Params.Mu, "NLMS step size")
		alpha          = flag.Float64("alpha", config.Params.Alpha, "NLMS regularization constant")
		gateEchoBatch  = flag.Bool("gate-echo-batch", config.Params.GateEchoBatch, "Require echo activity for batch echo path updates")
		progressSec    = flag.Float64("progress-sec", config.ProgressSec, "Progress log interval in seconds (0 disables)")

		help = flag.Bool("help", false, "Show help")
	)

	flag.Parse()

	// Set file paths
	config.SpeechFile = *speechFile
	config.NoiseFile = *noiseFile
	config.EchoSpeechFile = *echoSpeechFile
	config.EchoNoiseFile = *echoNoiseFile
	config.SpeakerSpeechFile = *speakerSpeechFil
	config.SpeakerNoiseFile = *speakerNoiseFil
	config.OutputDir = *outputDir

	// Determine processing mode and cascade variant
	if *adaptive {
		config.Mode = types.ModeAdaptive
	}
	if *extended {
		config.Variant = types.VariantExtended
	}
	config.Compare = *compare
	if config.Compare && *extended {
		return nil, fmt.Errorf("-compare already runs both cascades; -extended is redundant")
	}

	// Set processing parameters
	config.Params.RefMic = *refMic
	config.Params.RankS = *rankS
	config.Params.RankSES = *rankSES
	config.Params.VADSensitivity = *vadSensitivity
	config.Params.N = *dftSize
	config.Params.Shift = *shift
	config.Params.Lambda = *lambda
	config.Params.Lfhat = *lfhat
	config.Params.Mu = *mu
	config.Params.Alpha = *alpha
	config.Params.GateEchoBatch = *gateEchoBatch
	config.ProgressSec = *progressSec

	// Validate configuration
	if err := validateConfig(&config, *help); err != nil {
		return nil, err
	}

	return &config, nil
}

// validateConfig validates the configuration
func validateConfig(config *types.Config, help bool) error {
	missing := config.SpeechFile == "" || config.NoiseFile == "" ||
		config.EchoSpeechFile == "" || config.EchoNoiseFile == "" ||
		config.SpeakerSpeechFile == "" || config.SpeakerNoiseFile == ""

	if help || missing {
		printHelp(config)
		return fmt.Errorf("missing required parameters")
	}

	p := config.Params
	if p.N <= 0 || p.N%2 != 0 {
		return fmt.Errorf("dft-size must be positive and even, got %d", p.N)
	}
	if p.Shift <= 0 || p.Shift >= p.N {
		return fmt.Errorf("shift must be in (0, %d), got %d", p.N, p.Shift)
	}
	if p.Lambda <= 0 || p.Lambda >= 1 {
		return fmt.Errorf("lambda must be in (0, 1), got %g", p.Lambda)
	}
	if p.Lfhat <= 0 {
		return fmt.Errorf("lfhat must be positive, got %d", p.Lfhat)
	}
	if p.Mu <= 0 {
		return fmt.Errorf("mu must be positive, got %g", p.Mu)
	}
	if p.Alpha <= 0 {
		return fmt.Errorf("alpha must be positive, got %g", p.Alpha)
	}
	if p.RankS < 0 {
		return fmt.Errorf("rank-s must be non-negative, got %d", p.RankS)
	}
	if p.RankSES < 0 {
		return fmt.Errorf("rank-ses must be non-negative, got %d", p.RankSES)
	}
	if p.VADSensitivity <= 0 {
		return fmt.Errorf("vad-sensitivity must be positive, got %g", p.VADSensitivity)
	}
	if p.RefMic < 0 {
		return fmt.Errorf("ref-mic must be non-negative, got %d", p.RefMic)
	}

	return nil
}

// printHelp prints the help message
func printHelp(config *types.Config) {
	fmt.Fprintf(os.Stderr, "Multichannel Noise Reduction + Echo Cancellation\n\n")
	fmt.Fprintf(os.Stderr, "Usage: %s -speech <wav> -noise <wav> -echo-speech <wav> -echo-noise <wav> -speaker-speech <wav> -speaker-noise <wav> [options]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "Signal components (the microphone mixture is their sample-wise sum):\n")
	fmt.Fprintf(os.Stderr, "  -speech           Desired speech at the microphones (multichannel WAV)\n")
	fmt.Fprintf(os.Stderr, "  -noise            Noise at the microphones (multichannel WAV)\n")
	fmt.Fprintf(os.Stderr, "  -echo-speech      Far-end speech echo at the microphones (multichannel WAV)\n")
	fmt.Fprintf(os.Stderr, "  -echo-noise       Far-end noise echo at the microphones (multichannel WAV)\n")
	fmt.Fprintf(os.Stderr, "  -speaker-speech   Far-end speech at the loudspeakers (multichannel WAV)\n")
	fmt.Fprintf(os.Stderr, "  -speaker-noise    Far-end noise at the loudspeakers (multichannel WAV)\n")
	fmt.Fprintf(os.Stderr, "  -out              Output directory (default: %s)\n\n", config.OutputDir)
	fmt.Fprintf(os.Stderr, "Cascade selection:\n")
	fmt.Fprintf(os.Stderr, "  -adaptive         Recursive correlation estimates with per-frame filters\n")
	fmt.Fprintf(os.Stderr, "  -extended         Stack loudspeaker signals with the microphones (NRext-AEC)\n")
	fmt.Fprintf(os.Stderr, "  -compare          Run both cascades and report metrics side by side\n\n")
	fmt.Fprintf(os.Stderr, "Processing Parameters:\n")
	fmt.Fprintf(os.Stderr, "  -ref-mic          Reference microphone index (default: %d)\n", config.Params.RefMic)
	fmt.Fprintf(os.Stderr, "  -rank-s           Speech correlation rank, base filter (default: %d)\n", config.Params.RankS)
	fmt.Fprintf(os.Stderr, "  -rank-ses         Speech+echo correlation rank, extended filter (default: speakers+1)\n")
	fmt.Fprintf(os.Stderr, "  -vad-sensitivity  VAD threshold multiplier (default: %.1f)\n", config.Params.VADSensitivity)
	fmt.Fprintf(os.Stderr, "  -dft-size         DFT size N in samples (default: %d)\n", config.Params.N)
	fmt.Fprintf(os.Stderr, "  -shift            Frame overlap in samples (default: %d)\n", config.Params.Shift)
	fmt.Fprintf(os.Stderr, "  -lambda           Forgetting factor, adaptive mode (default: %g)\n", config.Params.Lambda)
	fmt.Fprintf(os.Stderr, "  -lfhat            Echo path length per loudspeaker (default: %d)\n", config.Params.Lfhat)
	fmt.Fprintf(os.Stderr, "  -mu               NLMS step size (default: %g)\n", config.Params.Mu)
	fmt.Fprintf(os.Stderr, "  -alpha            NLMS regularization (default: %g)\n", config.Params.Alpha)
	fmt.Fprintf(os.Stderr, "  -gate-echo-batch  Require echo activity for batch echo path updates\n")
	fmt.Fprintf(os.Stderr, "  -progress-sec     Progress log interval in seconds (default: %.1f; 0 disables)\n\n", config.ProgressSec)
	fmt.Fprintf(os.Stderr, "  -help             Show this help\n")
}
