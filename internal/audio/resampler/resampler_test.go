package resampler

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestForwardRatioProducesExpectedLength(t *testing.T) {
	r := New(48000.0/8000.0, 160)
	input := make([]float32, 160)
	out := r.Process(input)
	assert.InDelta(t, 960, len(out), 1)
}

func TestReverseRatioProducesExpectedLength(t *testing.T) {
	r := New(8000.0/48000.0, 960)
	input := make([]float32, 960)
	out := r.Process(input)
	assert.InDelta(t, 160, len(out), 1)
}

func TestSilenceInSilenceOut(t *testing.T) {
	r := New(48000.0/8000.0, 160)
	input := make([]float32, 160)
	for i := 0; i < 5; i++ {
		out := r.Process(input)
		for _, s := range out {
			assert.InDelta(t, 0, s, 1e-6)
		}
	}
}
