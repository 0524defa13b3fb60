// Package transcode implements the bidirectional audio pipeline between the
// device's G.711 μ-law and WebRTC's Opus, per spec.md §4.2/§4.3.
package transcode

import (
	"fmt"

	"gopkg.in/hraban/opus.v2"

	"github.com/RJ/birdbox/internal/audio/resampler"
	"github.com/RJ/birdbox/internal/codec/g711"
)

const (
	// SampleRate8kHz is the device's native audio rate.
	SampleRate8kHz = 8000
	// SampleRate48kHz is WebRTC's Opus rate.
	SampleRate48kHz = 48000

	// InputFrameSize8kHz is 20ms of audio at 8kHz.
	InputFrameSize8kHz = 160
	// OutputFrameSize48kHz is 20ms of audio at 48kHz.
	OutputFrameSize48kHz = 960

	forwardRatio = float64(SampleRate48kHz) / float64(SampleRate8kHz)
	reverseRatio = float64(SampleRate8kHz) / float64(SampleRate48kHz)

	// maxOpusPacketBytes bounds an encoded Opus frame; matches the 4000-byte
	// scratch buffer audio_transcode.rs allocates for opus_encoder.encode_float.
	maxOpusPacketBytes = 4000

	// maxOpusDecodeSamples is the maximum number of samples a single Opus
	// packet can decode to (spec.md §4.3 step 1).
	maxOpusDecodeSamples = 5760
)

// ForwardTranscoder converts device μ-law audio to Opus frames (spec.md §4.2).
type ForwardTranscoder struct {
	encoder    *opus.Encoder
	resampler  *resampler.SincResampler
	inputBuf   []float32
	outputBuf  []float32
}

// NewForwardTranscoder builds a forward transcoder: Opus encoder (48kHz,
// mono, VoIP application) and an 8kHz->48kHz sinc resampler with the fixed
// 160-sample input frame audio_transcode.rs uses.
func NewForwardTranscoder() (*ForwardTranscoder, error) {
	enc, err := opus.NewEncoder(SampleRate48kHz, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("create opus encoder: %w", err)
	}
	return &ForwardTranscoder{
		encoder:   enc,
		resampler: resampler.New(forwardRatio, InputFrameSize8kHz),
		inputBuf:  make([]float32, 0, InputFrameSize8kHz),
		outputBuf: make([]float32, 0, OutputFrameSize48kHz),
	}, nil
}

// ProcessChunk decodes, resamples, and Opus-encodes a chunk of μ-law bytes,
// returning zero or more complete 20ms Opus frames.
func (t *ForwardTranscoder) ProcessChunk(ulaw []byte) ([][]byte, error) {
	for _, b := range ulaw {
		sample := g711.Decode(b)
		t.inputBuf = append(t.inputBuf, float32(sample)/32768.0)
	}

	for len(t.inputBuf) >= InputFrameSize8kHz {
		frame := t.inputBuf[:InputFrameSize8kHz]
		t.inputBuf = append([]float32{}, t.inputBuf[InputFrameSize8kHz:]...)

		resampled := t.resampler.Process(frame)
		t.outputBuf = append(t.outputBuf, resampled...)
	}

	var frames [][]byte
	for len(t.outputBuf) >= OutputFrameSize48kHz {
		chunk := t.outputBuf[:OutputFrameSize48kHz]
		t.outputBuf = append([]float32{}, t.outputBuf[OutputFrameSize48kHz:]...)

		encoded := make([]byte, maxOpusPacketBytes)
		n, err := t.encoder.EncodeFloat32(chunk, encoded)
		if err != nil {
			return frames, fmt.Errorf("opus encode: %w", err)
		}
		frames = append(frames, encoded[:n])
	}

	return frames, nil
}

// Flush pads any partial tail with silence and emits the remaining frames,
// matching spec.md §4.2's flush discipline.
func (t *ForwardTranscoder) Flush() ([][]byte, error) {
	if len(t.inputBuf) > 0 && len(t.inputBuf) < InputFrameSize8kHz {
		padded := make([]float32, InputFrameSize8kHz)
		copy(padded, t.inputBuf)
		t.inputBuf = padded
	}
	if len(t.inputBuf) > 0 {
		resampled := t.resampler.Process(t.inputBuf)
		t.outputBuf = append(t.outputBuf, resampled...)
		t.inputBuf = t.inputBuf[:0]
	}

	var frames [][]byte
	if rem := len(t.outputBuf) % OutputFrameSize48kHz; rem != 0 {
		padded := make([]float32, len(t.outputBuf)+OutputFrameSize48kHz-rem)
		copy(padded, t.outputBuf)
		t.outputBuf = padded
	}
	for len(t.outputBuf) >= OutputFrameSize48kHz {
		encoded := make([]byte, maxOpusPacketBytes)
		n, err := t.encoder.EncodeFloat32(t.outputBuf[:OutputFrameSize48kHz], encoded)
		if err == nil {
			frames = append(frames, encoded[:n])
		}
		t.outputBuf = t.outputBuf[OutputFrameSize48kHz:]
	}
	t.outputBuf = t.outputBuf[:0]

	return frames, nil
}
