package processor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"nraec/internal/audio"
	"nraec/internal/cascade"
	"nraec/internal/metrics"
	"nraec/internal/vad"
	"nraec/pkg/types"
)

// Processor drives the full tool run: load the signal components, execute
// the selected cascade(s), report per-stage metrics and write the outputs.
type Processor struct {
	config *types.Config
	log    *logrus.Logger
}

// NewProcessor creates a new processor
func NewProcessor(config *types.Config) *Processor {
	return &Processor{
		config: config,
		log:    logrus.StandardLogger(),
	}
}

// StageMetrics holds the quality figures of one pipeline stage, evaluated
// at the reference microphone over the speech-active samples.
type StageMetrics struct {
	SNR float64 // speech to noise, dB
	SER float64 // speech to residual echo, dB
	SD  float64 // speech distortion relative to the input speech, dB
}

// Process performs the processing based on the configuration
func (p *Processor) Process() error {
	bundle, err := p.loadBundle()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(p.config.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	variants := []types.Variant{p.config.Variant}
	if p.config.Compare {
		variants = []types.Variant{types.VariantBase, types.VariantExtended}
	}

	gains := make(map[types.Variant]StageMetrics, len(variants))
	for _, variant := range variants {
		g, err := p.runVariant(bundle, variant)
		if err != nil {
			return err
		}
		gains[variant] = g
	}

	if p.config.Compare {
		base, ext := gains[types.VariantBase], gains[types.VariantExtended]
		p.log.WithFields(logrus.Fields{
			"snr_delta": fmt.Sprintf("%.2f dB", ext.SNR-base.SNR),
			"ser_delta": fmt.Sprintf("%.2f dB", ext.SER-base.SER),
		}).Info("extended improvement over base")
	}
	return nil
}

// loadBundle reads the six component files, derives the mixtures and fills
// the channel counts into the parameters.
func (p *Processor) loadBundle() (*types.SignalBundle, error) {
	var bundle types.SignalBundle
	components := []struct {
		path string
		dst  *[][]float64
	}{
		{p.config.SpeechFile, &bundle.Speech},
		{p.config.NoiseFile, &bundle.Noise},
		{p.config.EchoSpeechFile, &bundle.EchoSpeech},
		{p.config.EchoNoiseFile, &bundle.EchoNoise},
		{p.config.SpeakerSpeechFile, &bundle.SpeakerSpeech},
		{p.config.SpeakerNoiseFile, &bundle.SpeakerNoise},
	}

	rate := 0
	for _, c := range components {
		signals, r, err := audio.ReadWAV(c.path)
		if err != nil {
			return nil, err
		}
		if rate == 0 {
			rate = r
		} else if r != rate {
			return nil, fmt.Errorf("sample rate of %s is %d Hz, other components use %d Hz", c.path, r, rate)
		}
		*c.dst = signals
	}

	bundle.DeriveMixtures()
	if err := bundle.Validate(); err != nil {
		return nil, err
	}

	p.config.Params.SampleRate = rate
	p.config.Params.NumMics = bundle.NumMics()
	p.config.Params.NumSpeakers = bundle.NumSpeakers()
	if p.config.Params.RefMic >= bundle.NumMics() {
		return nil, fmt.Errorf("ref-mic %d out of range for %d microphones", p.config.Params.RefMic, bundle.NumMics())
	}

	p.log.WithFields(logrus.Fields{
		"mics":        bundle.NumMics(),
		"speakers":    bundle.NumSpeakers(),
		"samples":     bundle.NumSamples(),
		"sample_rate": rate,
	}).Info("loaded signal components")
	return &bundle, nil
}

// runVariant executes one cascade variant, logs the metric progression and
// writes its output files. It returns the overall improvements of the final
// stage over the input so variants can be compared.
func (p *Processor) runVariant(bundle *types.SignalBundle, variant types.Variant) (StageMetrics, error) {
	params := p.config.Params
	p.log.WithFields(logrus.Fields{
		"variant": variant.String(),
		"mode":    p.config.Mode.String(),
	}).Info("running cascade")

	stop := p.heartbeat(variant)
	start := time.Now()
	result, err := cascade.Run(bundle, params, p.config.Mode, variant)
	stop()
	if err != nil {
		return StageMetrics{}, fmt.Errorf("%s cascade: %w", variant, err)
	}
	p.log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Info("cascade finished")

	input, err := p.stageMetrics(bundle, bundle, 0)
	if err != nil {
		return StageMetrics{}, err
	}
	delay := params.N - 1
	nrStage, err := p.stageMetrics(&result.NR, bundle, delay)
	if err != nil {
		return StageMetrics{}, err
	}
	final, err := p.stageMetrics(&result.Final, bundle, delay)
	if err != nil {
		return StageMetrics{}, err
	}
	p.logStage(variant, "input", input)
	p.logStage(variant, "noise reduction", nrStage)
	p.logStage(variant, "echo cancellation", final)
	gains := StageMetrics{
		SNR: final.SNR - input.SNR,
		SER: final.SER - input.SER,
		SD:  final.SD,
	}
	p.log.WithFields(logrus.Fields{
		"variant":  variant.String(),
		"snr_gain": fmt.Sprintf("%.2f dB", gains.SNR),
		"ser_gain": fmt.Sprintf("%.2f dB", gains.SER),
	}).Info("overall improvement")

	return gains, p.writeOutputs(result, variant)
}

// stageMetrics evaluates SNR, SER and SD for one bundle against the input
// reference, compensating the processing delay accumulated at that stage.
func (p *Processor) stageMetrics(stage, input *types.SignalBundle, delay int) (StageMetrics, error) {
	ref := p.config.Params.RefMic
	active := vad.TimeMask(input.Speech[ref], p.config.Params.VADSensitivity, p.config.Params.N)

	// SNR and SER compare components of the same stage, which share the
	// stage's delay, but the activity mask lives on the input timeline.
	stageActive := active
	if delay > 0 {
		stageActive = make([]bool, len(active))
		copy(stageActive[delay:], active[:len(active)-delay])
	}

	echo := make([]float64, len(stage.EchoSpeech[ref]))
	for t := range echo {
		echo[t] = stage.EchoSpeech[ref][t] + stage.EchoNoise[ref][t]
	}

	var m StageMetrics
	var err error
	if m.SNR, err = metrics.SNR(stage.Speech[ref], stage.Noise[ref], stageActive); err != nil {
		return m, err
	}
	if m.SER, err = metrics.SER(stage.Speech[ref], echo, stageActive); err != nil {
		return m, err
	}

	proc, refSig, trimmed := stage.Speech[ref], input.Speech[ref], active
	if delay > 0 {
		if proc, refSig, trimmed, err = metrics.AlignTrim(proc, refSig, active, delay); err != nil {
			return m, err
		}
	}
	if m.SD, err = metrics.SD(proc, refSig, trimmed); err != nil {
		return m, err
	}
	return m, nil
}

func (p *Processor) logStage(variant types.Variant, stage string, m StageMetrics) {
	p.log.WithFields(logrus.Fields{
		"variant": variant.String(),
		"stage":   stage,
		"snr":     fmt.Sprintf("%.2f dB", m.SNR),
		"ser":     fmt.Sprintf("%.2f dB", m.SER),
		"sd":      fmt.Sprintf("%.2f dB", m.SD),
	}).Info("stage metrics")
}

// writeOutputs stores the noise-reduction intermediate, the final output
// mixture and the final per-component signals as WAV files in the output
// directory.
func (p *Processor) writeOutputs(result *cascade.Result, variant types.Variant) error {
	rate := p.config.Params.SampleRate
	prefix := strings.ToLower(variant.String()) + "_" + p.config.Mode.String()

	outputs := []struct {
		name    string
		signals [][]float64
	}{
		{prefix + "_nr.wav", result.NR.Mixture},
		{prefix + "_out.wav", result.Final.Mixture},
		{prefix + "_out_speech.wav", result.Final.Speech},
		{prefix + "_out_noise.wav", result.Final.Noise},
		{prefix + "_out_echo_speech.wav", result.Final.EchoSpeech},
		{prefix + "_out_echo_noise.wav", result.Final.EchoNoise},
	}
	for _, o := range outputs {
		path := filepath.Join(p.config.OutputDir, o.name)
		if err := audio.WriteWAV(path, o.signals, rate); err != nil {
			return err
		}
		p.log.WithField("file", path).Info("wrote output")
	}
	return nil
}

// heartbeat logs a liveness message while a cascade runs. The returned stop
// function must be called when the run finishes.
func (p *Processor) heartbeat(variant types.Variant) func() {
	if p.config.ProgressSec <= 0 {
		return func() {}
	}
	ticker := time.NewTicker(time.Duration(p.config.ProgressSec * float64(time.Second)))
	done := make(chan struct{})
	start := time.Now()
	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p.log.WithFields(logrus.Fields{
					"variant": variant.String(),
					"elapsed": time.Since(start).Round(time.Second),
				}).Info("processing")
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
