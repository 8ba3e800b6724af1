package audio

const (
	mulawBias = 0x84
	mulawClip = 32635

	// MulawSilence is the encoded value of a zero sample.
	MulawSilence byte = 0xff
)

// EncodeMulaw converts samples in [-1, 1] to G.711 mu-law, appending to dst.
func EncodeMulaw(dst []byte, src []float32) []byte {
	for _, s := range src {
		dst = append(dst, linearToMulaw(floatToPCM16(s)))
	}
	return dst
}

// DecodeMulaw converts G.711 mu-law bytes back to samples in [-1, 1].
func DecodeMulaw(dst []float32, src []byte) []float32 {
	for _, b := range src {
		dst = append(dst, float32(mulawToLinear(b))/32768)
	}
	return dst
}

func floatToPCM16(s float32) int16 {
	switch {
	case s >= 1:
		return 32767
	case s <= -1:
		return -32768
	}
	return int16(s * 32767)
}

func linearToMulaw(sample int16) byte {
	s := int(sample)
	var sign byte
	if s < 0 {
		s = -s
		sign = 0x80
	}
	if s > mulawClip {
		s = mulawClip
	}
	s += mulawBias

	exponent := 7
	for mask := 0x4000; s&mask == 0 && exponent > 0; mask >>= 1 {
		exponent--
	}
	mantissa := (s >> (exponent + 3)) & 0x0f
	return ^(sign | byte(exponent<<4) | byte(mantissa))
}

func mulawToLinear(u byte) int16 {
	u = ^u
	exponent := (u >> 4) & 0x07
	mantissa := int(u & 0x0f)
	s := ((mantissa << 3) + mulawBias) << exponent
	s -= mulawBias
	if u&0x80 != 0 {
		return int16(-s)
	}
	return int16(s)
}
