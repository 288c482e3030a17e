package synth

import (
	"context"
	"fmt"
	"math"
	"unicode"
	"unicode/utf8"

	"github.com/jijae92/LocalKoreanTTS/internal/audio"
)

const (
	toneRuneSeconds = 0.06
	toneAmplitude   = 0.25
)

// ToneEngine renders each rune as a short sine tone whose pitch is derived
// from the codepoint, with silence for whitespace. The output is useless as
// speech but fully deterministic, which makes it the backend for smoke
// testing the whole pipeline (chunking, caching, concat, sidecars) on
// machines without a voice model.
type ToneEngine struct {
	sampleRate int
}

// NewToneEngine creates a tone engine at the given sample rate.
func NewToneEngine(sampleRate int) *ToneEngine {
	if sampleRate <= 0 {
		sampleRate = 22050
	}
	return &ToneEngine{sampleRate: sampleRate}
}

// Synthesize implements Engine.
func (e *ToneEngine) Synthesize(ctx context.Context, text string, speed float64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("synth: cancelled: %w", err)
	}
	if speed <= 0 {
		speed = 1.0
	}

	perRune := int(float64(e.sampleRate) * toneRuneSeconds / speed)
	if perRune < 1 {
		perRune = 1
	}

	samples := make([]float64, 0, perRune*utf8.RuneCountInString(text))
	for _, r := range text {
		if unicode.IsSpace(r) {
			samples = append(samples, make([]float64, perRune)...)
			continue
		}
		freq := 200 + float64(r%600)
		for i := 0; i < perRune; i++ {
			t := float64(i) / float64(e.sampleRate)
			samples = append(samples, toneAmplitude*math.Sin(2*math.Pi*freq*t))
		}
	}
	if len(samples) == 0 {
		samples = make([]float64, perRune)
	}

	return audio.EncodePCM16LE(samples, e.sampleRate), nil
}

// SampleRate implements Engine.
func (e *ToneEngine) SampleRate() int {
	return e.sampleRate
}

// Verify interface implementation at compile time.
var _ Engine = (*ToneEngine)(nil)
