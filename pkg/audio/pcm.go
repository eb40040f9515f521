package audio

// Helpers for raw little-endian 16-bit PCM, the format of streamed audio.

func sample(pcm []byte, i int) int32 {
	return int32(int16(uint16(pcm[2*i]) | uint16(pcm[2*i+1])<<8))
}

func putSample(pcm []byte, i int, v int32) {
	v = min(max(v, -32768), 32767)
	pcm[2*i] = byte(v)
	pcm[2*i+1] = byte(v >> 8)
}

// Downmix averages the interleaved channels of each frame into one mono
// sample. A trailing partial frame is dropped. Mono input is returned as is.
func Downmix(pcm []byte, channels int) []byte {
	if channels <= 1 {
		return pcm
	}
	frames := len(pcm) / (2 * channels)
	out := make([]byte, 2*frames)
	for f := range frames {
		var sum int32
		for c := range channels {
			sum += sample(pcm, f*channels+c)
		}
		putSample(out, f, sum/int32(channels))
	}
	return out
}

// Resample converts mono PCM from srcRate to dstRate by linear
// interpolation. Equal or invalid rates return pcm unchanged.
func Resample(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	n := len(pcm) / 2
	m := int(int64(n) * int64(dstRate) / int64(srcRate))
	out := make([]byte, 2*m)
	step := float64(srcRate) / float64(dstRate)
	for i := range m {
		pos := float64(i) * step
		j := int(pos)
		frac := pos - float64(j)
		a := sample(pcm, j)
		b := a
		if j+1 < n {
			b = sample(pcm, j+1)
		}
		putSample(out, i, int32(float64(a)+(float64(b-a))*frac))
	}
	return out
}

// ToMono downmixes pcm and resamples it to dstRate. A zero dstRate keeps the
// source rate.
func ToMono(pcm []byte, srcRate, channels, dstRate int) []byte {
	if dstRate <= 0 {
		dstRate = srcRate
	}
	return Resample(Downmix(pcm, channels), srcRate, dstRate)
}
