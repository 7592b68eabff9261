package audio

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMulawRoundTrip(t *testing.T) {
	for _, s := range []int16{0, 100, -100, 1000, -1000, 8000, -8000, 32000, -32000} {
		got := MulawToLinear(LinearToMulaw(s))
		tolerance := math.Max(16, math.Abs(float64(s))*0.07)
		assert.InDelta(t, float64(s), float64(got), tolerance, "sample %d", s)
	}
	assert.Equal(t, int16(0), MulawToLinear(Silence))
}

func TestEnergy(t *testing.T) {
	silence := make([]byte, 160)
	for i := range silence {
		silence[i] = Silence
	}
	assert.Equal(t, 0.0, Energy(silence))

	loud := EncodeMulaw(func() []int16 {
		s := make([]int16, 160)
		for i := range s {
			if i%2 == 0 {
				s[i] = 4000
			} else {
				s[i] = -4000
			}
		}
		return s
	}())
	assert.InDelta(t, 4000, Energy(loud), 300)
	assert.Equal(t, 0.0, Energy(nil))
}

func TestFrameBytes(t *testing.T) {
	assert.Equal(t, 160, FrameBytes(20*time.Millisecond))
	assert.Equal(t, 80, FrameBytes(10*time.Millisecond))
}

func TestSplitPadsLastFrame(t *testing.T) {
	frames := Split(make([]byte, 350), 160)
	require.Len(t, frames, 3)
	assert.Len(t, frames[2], 160)
	assert.Equal(t, Silence, frames[2][159])
	assert.Equal(t, byte(0), frames[2][29])
}

func TestFramer(t *testing.T) {
	f := NewFramer(4)
	assert.Empty(t, f.Push([]byte{1, 2, 3}))
	frames := f.Push([]byte{4, 5, 6, 7, 8, 9})
	require.Len(t, frames, 2)
	assert.Equal(t, []byte{1, 2, 3, 4}, frames[0])
	assert.Equal(t, []byte{5, 6, 7, 8}, frames[1])
	assert.Equal(t, []byte{9, Silence, Silence, Silence}, f.Flush())
	assert.Nil(t, f.Flush())
}

func TestPCM16LEToMulaw(t *testing.T) {
	pcm := []byte{0x00, 0x00, 0xA0, 0x0F, 0x01}
	out := PCM16LEToMulaw(pcm)
	require.Len(t, out, 2)
	assert.Equal(t, LinearToMulaw(0), out[0])
	assert.Equal(t, LinearToMulaw(4000), out[1])
}
