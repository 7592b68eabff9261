package audio

// G.711 mu-law, 8 kHz mono. One byte per sample.

const (
	SampleRate = 8000

	mulawBias = 0x84
	mulawClip = 32635
)

// MulawToLinear decodes one mu-law byte into a 16-bit sample.
func MulawToLinear(u byte) int16 {
	u = ^u
	sign := u & 0x80
	exponent := (u >> 4) & 0x07
	mantissa := u & 0x0F
	sample := ((int32(mantissa) << 3) + mulawBias) << exponent
	sample -= mulawBias
	if sign != 0 {
		return int16(-sample)
	}
	return int16(sample)
}

// LinearToMulaw encodes one 16-bit sample.
func LinearToMulaw(sample int16) byte {
	s := int32(sample)
	sign := byte(0)
	if s < 0 {
		sign = 0x80
		s = -s
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias
	exponent := byte(7)
	for mask := int32(0x4000); s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := byte((s >> (uint(exponent) + 3)) & 0x0F)
	return ^(sign | exponent<<4 | mantissa)
}

// DecodeMulaw converts a mu-law payload to PCM samples.
func DecodeMulaw(payload []byte) []int16 {
	out := make([]int16, len(payload))
	for i, b := range payload {
		out[i] = MulawToLinear(b)
	}
	return out
}

// EncodeMulaw converts PCM samples to mu-law.
func EncodeMulaw(samples []int16) []byte {
	out := make([]byte, len(samples))
	for i, s := range samples {
		out[i] = LinearToMulaw(s)
	}
	return out
}

// PCM16LEToMulaw converts little-endian 16-bit PCM bytes to mu-law. A trailing odd byte is dropped.
func PCM16LEToMulaw(pcm []byte) []byte {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = LinearToMulaw(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
	}
	return out
}
