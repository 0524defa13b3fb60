// Package resampler implements the fixed-parameter sinc resampler used by
// both audio transcoder directions (internal/audio/transcode).
//
// Parameters are not configurable beyond ratio and input frame size: they
// are pinned to the values original_source/src/audio_transcode.rs passes to
// rubato's SincFixedIn (sinc length 256, cutoff 0.95, linear interpolation,
// 256x oversampling, Blackman-Harris window) because spec.md treats these as
// fixed system constants, not runtime configuration.
package resampler

import "math"

const (
	sincLen             = 256
	fCutoff             = 0.95
	oversamplingFactor  = 256
	halfSincLen         = sincLen / 2
)

// SincResampler converts a fixed-size block of samples from one sample rate
// to another, driven by a single ratio (outputRate / inputRate).
//
// It keeps an internal sliding history of the last sincLen input samples
// so that each Process call produces a continuous, click-free output
// (equivalent to rubato's internal buffering across calls).
type SincResampler struct {
	ratio          float64
	inputFrameSize int

	// table[phase][tap] holds the windowed sinc kernel for each of the
	// oversamplingFactor fractional phases between two input samples.
	table [oversamplingFactor + 1][2 * halfSincLen]float64

	// history holds the trailing sincLen samples from the previous
	// call, zero-initialized at construction (silence before first input).
	history []float64
}

// New builds a resampler for the given ratio (outputRate/inputRate) and
// fixed input frame size (samples consumed per Process call).
func New(ratio float64, inputFrameSize int) *SincResampler {
	r := &SincResampler{
		ratio:          ratio,
		inputFrameSize: inputFrameSize,
		history:        make([]float64, halfSincLen*2),
	}
	r.buildTable()
	return r
}

// buildTable precomputes the windowed-sinc kernel at each oversampled
// fractional phase, matching rubato's SincInterpolationType::Linear +
// WindowFunction::BlackmanHarris2 combination: the continuous kernel is
// sampled at oversamplingFactor points between taps and linearly
// interpolated at use time between the two nearest phases.
func (r *SincResampler) buildTable() {
	// Lowpass cutoff relative to the smaller of the two rates so that
	// anti-aliasing is preserved in either direction (upsample or
	// downsample), matching rubato's f_cutoff semantics.
	cutoff := fCutoff
	if r.ratio < 1.0 {
		cutoff *= r.ratio
	}

	for phase := 0; phase <= oversamplingFactor; phase++ {
		frac := float64(phase) / float64(oversamplingFactor)
		for tap := 0; tap < 2*halfSincLen; tap++ {
			x := float64(tap-halfSincLen) + frac
			r.table[phase][tap] = sincValue(x, cutoff) * blackmanHarris2(tap, 2*halfSincLen)
		}
	}
}

func sincValue(x, cutoff float64) float64 {
	if x == 0 {
		return cutoff
	}
	arg := math.Pi * x * cutoff
	return math.Sin(arg) / (math.Pi * x)
}

// blackmanHarris2 is the squared 4-term Blackman-Harris window used by
// rubato's WindowFunction::BlackmanHarris2.
func blackmanHarris2(i, n int) float64 {
	const a0, a1, a2, a3 = 0.35875, 0.48829, 0.14128, 0.01168
	x := 2 * math.Pi * float64(i) / float64(n-1)
	w := a0 - a1*math.Cos(x) + a2*math.Cos(2*x) - a3*math.Cos(3*x)
	return w * w
}

// Process resamples exactly inputFrameSize samples and returns the
// resampled output (length approximately inputFrameSize * ratio).
// Process is safe only when called with a slice of exactly the configured
// input frame size, matching both transcoder directions' fixed-frame
// buffering discipline (spec.md §4.2/§4.3).
func (r *SincResampler) Process(input []float32) []float32 {
	extended := make([]float64, len(r.history)+len(input))
	copy(extended, r.history)
	for i, s := range input {
		extended[len(r.history)+i] = float64(s)
	}

	outLen := int(float64(len(input)) * r.ratio)
	out := make([]float32, outLen)

	for n := 0; n < outLen; n++ {
		// Position of this output sample in input-sample units, offset so
		// that the sliding history supplies the needed left context.
		srcPos := float64(n)/r.ratio + float64(halfSincLen)
		base := int(math.Floor(srcPos))
		frac := srcPos - float64(base)

		phaseF := frac * float64(oversamplingFactor)
		phaseLo := int(phaseF)
		phaseHi := phaseLo + 1
		if phaseHi > oversamplingFactor {
			phaseHi = oversamplingFactor
		}
		phaseFrac := phaseF - float64(phaseLo)

		var acc float64
		for tap := 0; tap < 2*halfSincLen; tap++ {
			idx := base - halfSincLen + tap
			if idx < 0 || idx >= len(extended) {
				continue
			}
			kLo := r.table[phaseLo][tap]
			kHi := r.table[phaseHi][tap]
			k := kLo + (kHi-kLo)*phaseFrac
			acc += extended[idx] * k
		}
		out[n] = float32(acc)
	}

	// Carry the trailing sincLen samples forward as history for the
	// next call, preserving continuity across frame boundaries.
	if len(extended) >= len(r.history) {
		copy(r.history, extended[len(extended)-len(r.history):])
	}

	return out
}
