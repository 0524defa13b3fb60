package g711

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestSilence covers P2: decode(0xFF) = 0 and encode(0) = 0xFF.
func TestSilence(t *testing.T) {
	assert.Equal(t, int16(0), Decode(0xFF))
	assert.Equal(t, byte(0xFF), Encode(0))
}

func TestDecodeExtremes(t *testing.T) {
	// Standard μ-law table: 0x80 decodes to the most positive sample,
	// 0x00 to the most negative, symmetric around zero.
	assert.Greater(t, Decode(0x80), int16(32000))
	assert.Less(t, Decode(0x00), int16(-32000))
}

// TestRoundTrip covers P1: |decode(encode(x)) - x| <= |x|/10 + 100.
func TestRoundTrip(t *testing.T) {
	samples := []int16{0, 1, -1, 100, -100, 1000, -1000, 16000, -16000, 32000, -32000, 32767, -32768}
	for _, x := range samples {
		got := Decode(Encode(x))
		diff := int32(got) - int32(x)
		if diff < 0 {
			diff = -diff
		}
		bound := int32(x) / 10
		if bound < 0 {
			bound = -bound
		}
		bound += 100
		assert.LessOrEqualf(t, diff, bound, "round trip of %d produced %d (diff %d > bound %d)", x, got, diff, bound)
	}
}

func TestBufferHelpers(t *testing.T) {
	pcm := []int16{0, 100, -100, 32000}
	encoded := EncodeBuffer(pcm)
	assert.Len(t, encoded, len(pcm))
	decoded := DecodeBuffer(encoded)
	assert.Len(t, decoded, len(pcm))
}

func TestSymmetricEncodeAroundZero(t *testing.T) {
	// Encoding should be symmetric: encode(-x) and encode(x) should decode
	// to values of opposite sign (except at the extremes of quantization).
	for _, x := range []int16{500, 5000, 20000} {
		pos := Decode(Encode(x))
		neg := Decode(Encode(-x))
		assert.Equal(t, pos, -neg)
	}
}
