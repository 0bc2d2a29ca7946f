// Package audio holds the PCM16 conversions shared by capture and playback.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// SampleRate is the fixed rate for both directions of a call.
	SampleRate = 16000
	// WindowSize is the number of samples per outbound frame (~256ms at 16kHz).
	WindowSize = 4096
)

// FloatToPCM16 clamps s to [-1, 1] and scales it to int16. Negative samples
// scale by 32768 and non-negative by 32767 so +1.0 does not overflow.
func FloatToPCM16(s float32) int16 {
	if math.IsNaN(float64(s)) {
		return 0
	}
	if s > 1 {
		s = 1
	} else if s < -1 {
		s = -1
	}
	if s < 0 {
		return int16(s * 32768)
	}
	return int16(s * 32767)
}

// PCM16ToFloat is the inverse of FloatToPCM16.
func PCM16ToFloat(v int16) float32 {
	if v < 0 {
		return float32(v) / 32768
	}
	return float32(v) / 32767
}

// EncodePCM16LE converts float samples to little-endian PCM16 bytes.
func EncodePCM16LE(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[i*2:], uint16(FloatToPCM16(s)))
	}
	return out
}

// DecodePCM16LE converts little-endian PCM16 bytes to float samples. A trailing
// odd byte is ignored.
func DecodePCM16LE(pcm []byte) []float32 {
	n := len(pcm) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = PCM16ToFloat(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return out
}

// Duration returns the play time of n samples at rate, rounded up to the
// next nanosecond so that Samples(Duration(n, rate), rate) == n.
func Duration(samples, rate int) time.Duration {
	if rate <= 0 || samples <= 0 {
		return 0
	}
	n := int64(samples) * int64(time.Second)
	r := int64(rate)
	return time.Duration((n + r - 1) / r)
}

// Samples returns the number of whole samples that fit in d at rate.
func Samples(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return int64(d) * int64(rate) / int64(time.Second)
}

// Level returns the RMS energy of samples in [0, 1].
func Level(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s)
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}
