// Package pcm reads and writes the 16 kHz mono s16le waveform produced by
// the decoder.
package pcm

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"time"
)

const (
	SampleRate    = 16000
	Channels      = 1
	BitsPerSample = 16

	scale = 32768.0
)

// Load reads a decoded chunk into samples in [-1, 1). An empty file is
// silence, not an error.
func Load(path string) ([]float32, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read waveform: %w", err)
	}
	return Decode(data), nil
}

// Decode converts little-endian signed 16-bit samples. A trailing odd byte
// is dropped.
func Decode(data []byte) []float32 {
	samples := make([]float32, len(data)/2)
	for i := range samples {
		v := int16(binary.LittleEndian.Uint16(data[2*i:]))
		samples[i] = float32(v) / scale
	}
	return samples
}

func Duration(n int) time.Duration {
	return time.Duration(n) * time.Second / SampleRate
}

// Encode is the inverse of Decode, clamping out-of-range samples.
func Encode(samples []float32) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(quantize(s)))
	}
	return out
}

func quantize(s float32) int16 {
	v := math.Round(float64(s) * scale)
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	case math.IsNaN(v):
		return 0
	}
	return int16(v)
}

// EncodeWAV wraps samples in a canonical 44 byte RIFF header.
func EncodeWAV(samples []float32) []byte {
	data := Encode(samples)

	const (
		byteRate   = SampleRate * Channels * BitsPerSample / 8
		blockAlign = Channels * BitsPerSample / 8
	)

	header := make([]byte, 44)
	copy(header[0:4], "RIFF")
	binary.LittleEndian.PutUint32(header[4:8], uint32(36+len(data)))
	copy(header[8:12], "WAVE")

	copy(header[12:16], "fmt ")
	binary.LittleEndian.PutUint32(header[16:20], 16)
	binary.LittleEndian.PutUint16(header[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(header[22:24], Channels)
	binary.LittleEndian.PutUint32(header[24:28], SampleRate)
	binary.LittleEndian.PutUint32(header[28:32], byteRate)
	binary.LittleEndian.PutUint16(header[32:34], blockAlign)
	binary.LittleEndian.PutUint16(header[34:36], BitsPerSample)

	copy(header[36:40], "data")
	binary.LittleEndian.PutUint32(header[40:44], uint32(len(data)))

	return append(header, data...)
}

// WriteWAV writes samples to path as a WAV file.
func WriteWAV(path string, samples []float32) error {
	if err := os.WriteFile(path, EncodeWAV(samples), 0o644); err != nil {
		return fmt.Errorf("write wav: %w", err)
	}
	return nil
}
