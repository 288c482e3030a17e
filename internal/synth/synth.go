// Package synth provides the speech synthesis engines used by the pipeline.
// Engines turn a chunk of text into a complete WAV payload; the pipeline
// never cares which backend produced the audio.
package synth

import (
	"context"
	"errors"
	"fmt"
)

// Static errors for synthesis operations.
var (
	// ErrModelPathRequired is returned when no model directory is configured.
	ErrModelPathRequired = errors.New("synth: model path is required")
	// ErrModelConfigMissing is returned when the model directory has no config.json.
	ErrModelConfigMissing = errors.New("synth: model config.json not found")
	// ErrModelWeightsMissing is returned when the model directory has no weight files.
	ErrModelWeightsMissing = errors.New("synth: no model weights (*.pth or *.pt) found")
	// ErrBinaryRequired is returned when the process backend has no binary configured.
	ErrBinaryRequired = errors.New("synth: synthesizer binary is required")
	// ErrBaseURLRequired is returned when the http backend has no server URL configured.
	ErrBaseURLRequired = errors.New("synth: synthesis server URL is required")
	// ErrRequestFailed is returned when the synthesis server answers with a non-2xx status.
	ErrRequestFailed = errors.New("synth: request failed")
	// ErrEmptyAudio is returned when an engine produces no audio bytes.
	ErrEmptyAudio = errors.New("synth: engine produced no audio")
)

// Engine defines the interface for speech synthesis backends.
type Engine interface {
	// Synthesize renders text at the given speed and returns a complete
	// WAV payload. Cancellation is observed through ctx; there is no
	// internal timeout, long chunks take as long as they take.
	Synthesize(ctx context.Context, text string, speed float64) ([]byte, error)

	// SampleRate reports the effective output rate of the engine.
	SampleRate() int
}

// Provider lazily constructs an engine. The pipeline invokes it only when at
// least one chunk misses the cache, so cache-complete runs never pay the
// model load.
type Provider func(ctx context.Context) (Engine, error)

// SynthesisError reports a failed synthesis attempt and the backend that
// produced it.
type SynthesisError struct {
	Engine string
	Err    error
}

func (e *SynthesisError) Error() string {
	return fmt.Sprintf("synth: %s engine: %v", e.Engine, e.Err)
}

func (e *SynthesisError) Unwrap() error {
	return e.Err
}
