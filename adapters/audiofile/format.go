// Package audiofile provides capture and output devices backed by raw sample
// files, so a voice session can run without a browser or sound card.
package audiofile

import (
	"fmt"
	"strings"

	"github.com/satriahrh/voicebridge/internal/audio"
)

// Format is a headerless sample encoding at 16 kHz mono
type Format string

const (
	// FormatS16LE is signed 16-bit little-endian PCM.
	FormatS16LE Format = "s16le"
	// FormatF32LE is IEEE-754 float32 little-endian.
	FormatF32LE Format = "f32le"
)

// ParseFormat parses a format name, accepting the common aliases
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "s16le", "pcm16", "pcm":
		return FormatS16LE, nil
	case "f32le", "float32":
		return FormatF32LE, nil
	default:
		return "", fmt.Errorf("unsupported sample format %q", s)
	}
}

// BytesPerSample returns the encoded size of one sample
func (f Format) BytesPerSample() int {
	if f == FormatF32LE {
		return 4
	}
	return 2
}

func (f Format) decode(buf []byte) []float32 {
	if f == FormatF32LE {
		return audio.UnpackFloat32(buf)
	}
	return audio.DecodePCM16(buf)
}

func (f Format) encode(samples []float32) []byte {
	if f == FormatF32LE {
		return audio.PackFloat32(samples)
	}
	return audio.EncodePCM16(samples)
}

func checkFormat(sampleRate, channels int) error {
	if sampleRate != audio.SampleRate || channels != audio.Channels {
		return fmt.Errorf("unsupported audio format %d Hz / %d channels, want %d Hz mono",
			sampleRate, channels, audio.SampleRate)
	}
	return nil
}
