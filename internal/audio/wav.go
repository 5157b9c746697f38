// Package audio reads and writes the WAV files the tool exchanges with
// disk. Samples are held channel-major as float64 in [-1, 1).
package audio

import (
	"errors"
	"fmt"
	"os"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

var ErrEmpty = errors.New("audio: no samples")

// ReadWAV decodes a PCM WAV file into one float64 slice per channel.
func ReadWAV(path string) ([][]float64, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, fmt.Errorf("audio: open %s: %w", path, err)
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("audio: decode %s: %w", path, err)
	}
	if buf == nil || buf.NumFrames() == 0 {
		return nil, 0, fmt.Errorf("audio: %s: %w", path, ErrEmpty)
	}

	channels := buf.Format.NumChannels
	frames := buf.NumFrames()
	scale := 1.0 / float64(int(1)<<(dec.BitDepth-1))

	out := make([][]float64, channels)
	for ch := range out {
		out[ch] = make([]float64, frames)
	}
	for t := 0; t < frames; t++ {
		for ch := 0; ch < channels; ch++ {
			out[ch][t] = float64(buf.Data[t*channels+ch]) * scale
		}
	}
	return out, buf.Format.SampleRate, nil
}

// WriteWAV encodes channel-major float64 samples as 16-bit PCM. Samples
// outside [-1, 1) are clipped.
func WriteWAV(path string, signals [][]float64, sampleRate int) error {
	if len(signals) == 0 || len(signals[0]) == 0 {
		return fmt.Errorf("audio: write %s: %w", path, ErrEmpty)
	}
	channels := len(signals)
	frames := len(signals[0])
	for ch := 1; ch < channels; ch++ {
		if len(signals[ch]) != frames {
			return fmt.Errorf("audio: write %s: channel lengths differ", path)
		}
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("audio: create %s: %w", path, err)
	}
	defer f.Close()

	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: channels, SampleRate: sampleRate},
		SourceBitDepth: 16,
		Data:           make([]int, frames*channels),
	}
	for t := 0; t < frames; t++ {
		for ch := 0; ch < channels; ch++ {
			buf.Data[t*channels+ch] = clip16(signals[ch][t])
		}
	}

	enc := wav.NewEncoder(f, sampleRate, 16, channels, 1)
	if err := enc.Write(buf); err != nil {
		return fmt.Errorf("audio: encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("audio: finalize %s: %w", path, err)
	}
	return nil
}

func clip16(v float64) int {
	s := int(v * 32768)
	if s > 32767 {
		return 32767
	}
	if s < -32768 {
		return -32768
	}
	return s
}
