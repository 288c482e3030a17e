// Package media provides audio assembly capabilities.
package media

import "context"

// Processor defines the interface for audio assembly operations.
// Implementations should use ffmpeg or similar tools for media manipulation.
type Processor interface {
	// ConcatWithSilence joins WAV chunks into a single WAV file, inserting
	// silenceSec seconds of silence between consecutive chunks. All inputs
	// must share one sample rate, channel count and sample width; the
	// output keeps that format.
	ConcatWithSilence(ctx context.Context, inputs []string, output string, silenceSec float64) error

	// Transcode converts a WAV file into the format named by the output
	// file's extension. mp3 and ogg are supported; anything else stays
	// PCM WAV.
	Transcode(ctx context.Context, input, output string) error
}
