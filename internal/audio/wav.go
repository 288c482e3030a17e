// Package audio provides byte-level WAV encoding and header inspection.
package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// ErrNotWAV is returned when a file does not carry a usable RIFF/WAVE header.
var ErrNotWAV = errors.New("not a RIFF/WAVE file")

const (
	headerSize     = 44
	bytesPerSample = 2
)

// Info describes the format of a WAV file.
type Info struct {
	Channels      int
	SampleRate    int
	BitsPerSample int
}

// EncodePCM16LE renders normalized mono samples as a complete 16-bit
// little-endian PCM WAV file. Samples outside [-1, 1] are clamped.
func EncodePCM16LE(samples []float64, sampleRate int) []byte {
	dataLen := len(samples) * bytesPerSample
	out := make([]byte, 0, headerSize+dataLen)

	out = append(out, "RIFF"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(36+dataLen))
	out = append(out, "WAVE"...)

	out = append(out, "fmt "...)
	out = binary.LittleEndian.AppendUint32(out, 16) // PCM fmt chunk size
	out = binary.LittleEndian.AppendUint16(out, 1)  // PCM format tag
	out = binary.LittleEndian.AppendUint16(out, 1)  // mono
	out = binary.LittleEndian.AppendUint32(out, uint32(sampleRate))
	out = binary.LittleEndian.AppendUint32(out, uint32(sampleRate*bytesPerSample)) // byte rate
	out = binary.LittleEndian.AppendUint16(out, bytesPerSample)                    // block align
	out = binary.LittleEndian.AppendUint16(out, 16)                                // bits per sample

	out = append(out, "data"...)
	out = binary.LittleEndian.AppendUint32(out, uint32(dataLen))

	for _, sample := range samples {
		if sample > 1 {
			sample = 1
		} else if sample < -1 {
			sample = -1
		}
		out = binary.LittleEndian.AppendUint16(out, uint16(int16(sample*32767)))
	}

	return out
}

// ReadInfo parses the RIFF header of the WAV file at path and returns its
// channel count, sample rate and bit depth.
func ReadInfo(path string) (Info, error) {
	f, err := os.Open(path) // #nosec G304 - path is provided by trusted internal code
	if err != nil {
		return Info{}, fmt.Errorf("open wav: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := readInfo(f)
	if err != nil {
		return Info{}, fmt.Errorf("inspect %s: %w", path, err)
	}
	return info, nil
}

// readInfo walks RIFF chunks until it finds "fmt " and decodes it.
func readInfo(r io.Reader) (Info, error) {
	var riff [12]byte
	if _, err := io.ReadFull(r, riff[:]); err != nil {
		return Info{}, ErrNotWAV
	}
	if string(riff[0:4]) != "RIFF" || string(riff[8:12]) != "WAVE" {
		return Info{}, ErrNotWAV
	}

	for {
		var chunk [8]byte
		if _, err := io.ReadFull(r, chunk[:]); err != nil {
			return Info{}, ErrNotWAV
		}
		size := binary.LittleEndian.Uint32(chunk[4:8])

		if string(chunk[0:4]) == "fmt " {
			if size < 16 {
				return Info{}, ErrNotWAV
			}
			body := make([]byte, size)
			if _, err := io.ReadFull(r, body); err != nil {
				return Info{}, ErrNotWAV
			}
			return Info{
				Channels:      int(binary.LittleEndian.Uint16(body[2:4])),
				SampleRate:    int(binary.LittleEndian.Uint32(body[4:8])),
				BitsPerSample: int(binary.LittleEndian.Uint16(body[14:16])),
			}, nil
		}

		// RIFF chunks are word aligned.
		skip := int64(size)
		if size%2 == 1 {
			skip++
		}
		if _, err := io.CopyN(io.Discard, r, skip); err != nil {
			return Info{}, ErrNotWAV
		}
	}
}
