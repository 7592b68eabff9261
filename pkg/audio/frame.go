package audio

import (
	"math"
	"time"
)

// FrameBytes is the mu-law payload size for d at 8 kHz.
func FrameBytes(d time.Duration) int {
	n := int(d * SampleRate / time.Second)
	if n <= 0 {
		return 160
	}
	return n
}

// Energy is the RMS of a mu-law frame in 16-bit linear units.
func Energy(frame []byte) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, b := range frame {
		v := float64(MulawToLinear(b))
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(frame)))
}

// Split cuts audio into frames of size n. The last frame is padded with
// mu-law silence so every frame plays for the same time.
func Split(data []byte, n int) [][]byte {
	if n <= 0 || len(data) == 0 {
		return nil
	}
	frames := make([][]byte, 0, (len(data)+n-1)/n)
	for i := 0; i < len(data); i += n {
		end := i + n
		if end <= len(data) {
			frames = append(frames, data[i:end])
			continue
		}
		last := make([]byte, n)
		copy(last, data[i:])
		for j := len(data) - i; j < n; j++ {
			last[j] = Silence
		}
		frames = append(frames, last)
	}
	return frames
}

// Silence is the mu-law code for a zero sample.
const Silence byte = 0xFF

// Framer accumulates streamed audio and releases whole frames.
type Framer struct {
	size int
	buf  []byte
}

func NewFramer(size int) *Framer {
	return &Framer{size: size}
}

// Push appends data and returns the complete frames now available.
func (f *Framer) Push(data []byte) [][]byte {
	f.buf = append(f.buf, data...)
	var out [][]byte
	for len(f.buf) >= f.size {
		frame := make([]byte, f.size)
		copy(frame, f.buf[:f.size])
		out = append(out, frame)
		f.buf = f.buf[f.size:]
	}
	return out
}

// Flush returns the remainder padded to a full frame, or nil.
func (f *Framer) Flush() []byte {
	if len(f.buf) == 0 {
		return nil
	}
	frames := Split(f.buf, f.size)
	f.buf = nil
	return frames[0]
}
