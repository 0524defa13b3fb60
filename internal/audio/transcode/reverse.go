package transcode

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/RJ/birdbox/internal/audio/resampler"
	"github.com/RJ/birdbox/internal/codec/g711"
)

// ReverseTranscoder converts browser Opus audio to device μ-law frames
// (spec.md §4.3). No source file for this direction survived in
// original_source (only referenced as ReverseAudioTranscoder from
// webrtc.rs); it is built by symmetry with ForwardTranscoder per spec.md.
type ReverseTranscoder struct {
	decoder   *opus.Decoder
	resampler *resampler.SincResampler
	inputBuf  []float32
	outputBuf []float32
	scratch   []float32
}

// NewReverseTranscoder builds a reverse transcoder: Opus decoder (48kHz,
// mono) and a 48kHz->8kHz sinc resampler with the fixed 960-sample input
// frame spec.md §4.3 specifies.
func NewReverseTranscoder() (*ReverseTranscoder, error) {
	dec, err := opus.NewDecoder(SampleRate48kHz, 1)
	if err != nil {
		return nil, fmt.Errorf("create opus decoder: %w", err)
	}
	return &ReverseTranscoder{
		decoder:   dec,
		resampler: resampler.New(reverseRatio, OutputFrameSize48kHz),
		inputBuf:  make([]float32, 0, OutputFrameSize48kHz),
		outputBuf: make([]float32, 0, InputFrameSize8kHz),
		scratch:   make([]float32, maxOpusDecodeSamples),
	}, nil
}

// ProcessPacket decodes an Opus packet, resamples to 8kHz, and μ-law
// encodes, returning zero or more complete 160-byte frames.
func (t *ReverseTranscoder) ProcessPacket(opusData []byte) ([]byte, error) {
	n, err := t.decoder.DecodeFloat32(opusData, t.scratch)
	if err != nil {
		return nil, fmt.Errorf("opus decode: %w", err)
	}

	t.inputBuf = append(t.inputBuf, t.scratch[:n]...)

	for len(t.inputBuf) >= OutputFrameSize48kHz {
		frame := t.inputBuf[:OutputFrameSize48kHz]
		t.inputBuf = append([]float32{}, t.inputBuf[OutputFrameSize48kHz:]...)

		resampled := t.resampler.Process(frame)
		t.outputBuf = append(t.outputBuf, resampled...)
	}

	var out []byte
	for len(t.outputBuf) >= InputFrameSize8kHz {
		chunk := t.outputBuf[:InputFrameSize8kHz]
		t.outputBuf = append([]float32{}, t.outputBuf[InputFrameSize8kHz:]...)

		pcm := make([]int16, InputFrameSize8kHz)
		for i, s := range chunk {
			pcm[i] = clampToInt16(s * 32768.0)
		}
		out = append(out, g711.EncodeBuffer(pcm)...)
	}

	return out, nil
}

// Flush pads any partial tail with silence and emits the remaining bytes.
func (t *ReverseTranscoder) Flush() []byte {
	if len(t.inputBuf) > 0 && len(t.inputBuf) < OutputFrameSize48kHz {
		padded := make([]float32, OutputFrameSize48kHz)
		copy(padded, t.inputBuf)
		t.inputBuf = padded
	}
	if len(t.inputBuf) > 0 {
		resampled := t.resampler.Process(t.inputBuf)
		t.outputBuf = append(t.outputBuf, resampled...)
		t.inputBuf = t.inputBuf[:0]
	}

	var out []byte
	if rem := len(t.outputBuf) % InputFrameSize8kHz; rem != 0 {
		padded := make([]float32, len(t.outputBuf)+InputFrameSize8kHz-rem)
		copy(padded, t.outputBuf)
		t.outputBuf = padded
	}
	for len(t.outputBuf) >= InputFrameSize8kHz {
		pcm := make([]int16, InputFrameSize8kHz)
		for i, s := range t.outputBuf[:InputFrameSize8kHz] {
			pcm[i] = clampToInt16(s * 32768.0)
		}
		out = append(out, g711.EncodeBuffer(pcm)...)
		t.outputBuf = t.outputBuf[InputFrameSize8kHz:]
	}
	t.outputBuf = t.outputBuf[:0]

	return out
}

func clampToInt16(v float32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
