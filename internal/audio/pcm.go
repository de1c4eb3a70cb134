// Package audio converts between native float samples and the wire formats used
// by the voice bridge: 16-bit signed PCM towards the agent, and raw float32
// little-endian frames towards devices.
package audio

import (
	"encoding/binary"
	"math"
)

const (
	// SampleRate is the rate used for both capture and playback.
	SampleRate = 16000

	// Channels is the channel count used for both capture and playback.
	Channels = 1

	// ChunkSize is the number of samples delivered per capture tap callback.
	ChunkSize = 4096

	negScale = 0x8000
	posScale = 0x7FFF
)

// EncodePCM16 converts samples in [-1, 1] to 16-bit signed little-endian PCM.
// Values outside the range are clamped; NaN encodes as silence.
func EncodePCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := float64(s)
		if math.IsNaN(v) {
			v = 0
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}

		var sample int16
		if v < 0 {
			sample = int16(v * negScale)
		} else {
			sample = int16(v * posScale)
		}
		out[i*2] = byte(sample)
		out[i*2+1] = byte(sample >> 8)
	}
	return out
}

// DecodePCM16 converts 16-bit signed little-endian PCM to float samples.
// A trailing odd byte is ignored.
func DecodePCM16(buf []byte) []float32 {
	n := len(buf) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		sample := int16(buf[i*2]) | int16(buf[i*2+1])<<8
		if sample < 0 {
			out[i] = float32(sample) / negScale
		} else {
			out[i] = float32(sample) / posScale
		}
	}
	return out
}

// PackFloat32 serializes samples as IEEE-754 float32 little-endian.
func PackFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*4)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(s))
	}
	return out
}

// UnpackFloat32 parses IEEE-754 float32 little-endian samples.
// Trailing bytes that do not form a whole sample are ignored.
func UnpackFloat32(buf []byte) []float32 {
	n := len(buf) / 4
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return out
}
