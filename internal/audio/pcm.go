package audio

import "encoding/binary"

// Clip limits v to [-1, 1].
func Clip(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}

// PCM16ToFloat decodes little-endian signed 16-bit samples, appending to dst.
func PCM16ToFloat(dst []float64, pcm []byte) []float64 {
	for i := 0; i+1 < len(pcm); i += 2 {
		dst = append(dst, float64(int16(binary.LittleEndian.Uint16(pcm[i:])))/32768.0)
	}
	return dst
}

// Int16ToFloat converts samples, appending to dst.
func Int16ToFloat(dst []float64, samples []int16) []float64 {
	for _, s := range samples {
		dst = append(dst, float64(s)/32768.0)
	}
	return dst
}

// FloatToInt16 clips and converts samples, appending to dst.
func FloatToInt16(dst []int16, samples []float64) []int16 {
	for _, s := range samples {
		dst = append(dst, floatToInt16(s))
	}
	return dst
}

// FloatToPCM16 clips and encodes samples as little-endian 16-bit PCM.
func FloatToPCM16(samples []float64) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(floatToInt16(s)))
	}
	return out
}

func floatToInt16(s float64) int16 {
	s = Clip(s)
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// Downmix averages interleaved channels into mono. Mono input is returned as is.
func Downmix(samples []float64, channels int) []float64 {
	if channels <= 1 {
		return samples
	}
	out := make([]float64, len(samples)/channels)
	for i := range out {
		var sum float64
		for c := 0; c < channels; c++ {
			sum += samples[i*channels+c]
		}
		out[i] = sum / float64(channels)
	}
	return out
}
