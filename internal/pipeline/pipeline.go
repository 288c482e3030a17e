// Package pipeline implements the long-form synthesis run: load and chunk
// the input, serve each chunk from cache or synthesize it, assemble the
// chunks with silence in between and finalize the artifact with its
// metadata and checksum sidecars.
package pipeline

import (
	"context"
	"errors"

	"github.com/jijae92/LocalKoreanTTS/internal/synth"
)

// Stage identifies a phase of a synthesis run.
type Stage string

// Pipeline stages in execution order, plus the three terminal stages.
const (
	StageLoadingInput    Stage = "loading_input"
	StageChunking        Stage = "chunking"
	StageCacheCheck      Stage = "chunk_cache_check"
	StageLoadingModel    Stage = "loading_model"
	StageChunkSynth      Stage = "chunk_synth"
	StageChunkRetry      Stage = "chunk_retry"
	StagePreparingOutput Stage = "preparing_output"
	StageConcatenating   Stage = "concatenating"
	StageFinalising      Stage = "finalising"
	StageCompleted       Stage = "completed"
	StageCancelled       Stage = "cancelled"
	StageError           Stage = "error"
)

// Static errors for pipeline runs.
var (
	// ErrEmptyText is returned when a run has no text to synthesize.
	ErrEmptyText = errors.New("no text to synthesize")
	// ErrInvalidSpeed is returned when the speed multiplier is not positive.
	ErrInvalidSpeed = errors.New("speed must be positive")
	// ErrInvalidSampleRate is returned when the sample rate is not positive.
	ErrInvalidSampleRate = errors.New("sample rate must be positive")
	// ErrUnsupportedFormat is returned for output formats other than wav, ogg and mp3.
	ErrUnsupportedFormat = errors.New("unsupported output format")
	// ErrEngineRequired is returned when a run has no engine provider.
	ErrEngineRequired = errors.New("engine provider is required")
	// ErrCancelled is returned when a run is stopped by its cancel flag or context.
	ErrCancelled = errors.New("job cancelled")
)

// Config describes one synthesis run. Values arrive already resolved; the
// pipeline applies no defaults beyond treating an empty format as wav.
type Config struct {
	// JobTag tags fallback output names for this run.
	JobTag string
	// Text is the inline input. When empty, InputPath is read instead.
	Text string
	// InputPath is the UTF-8 text file to synthesize when Text is empty.
	InputPath string
	// OutputDir receives the final artifact and its sidecars.
	OutputDir string
	// Format is the output format: wav, ogg or mp3.
	Format string
	// ModelPath identifies the voice. It is part of every cache key.
	ModelPath string
	// Speed is the speaking rate multiplier.
	Speed float64
	// SampleRate is the requested output rate. Cache keys always use this
	// value even when the engine speaks at a different effective rate.
	SampleRate int
	// Silence is the gap inserted between chunks, in seconds.
	Silence float64
	// Engine lazily provides the synthesis engine. It is only invoked when
	// at least one chunk misses the cache.
	Engine synth.Provider
}

// Hooks let the caller observe and steer a run. Every field is optional.
type Hooks struct {
	// ShouldCancel is polled at stage boundaries and before every synthesis
	// attempt. Returning true stops the run with ErrCancelled.
	ShouldCancel func() bool
	// OnStage fires whenever the run enters a new stage.
	OnStage func(stage Stage, detail string)
	// OnProgress reports chunk completion as done out of total.
	OnProgress func(done, total int)
	// OnLog receives human-readable progress lines.
	OnLog func(msg string)
	// OnChunkDone fires after each chunk is produced, with its cache outcome.
	OnChunkDone func(index int, fromCache bool)
}

func (h Hooks) stage(s Stage, detail string) {
	if h.OnStage != nil {
		h.OnStage(s, detail)
	}
}

func (h Hooks) progress(done, total int) {
	if h.OnProgress != nil {
		h.OnProgress(done, total)
	}
}

func (h Hooks) log(msg string) {
	if h.OnLog != nil {
		h.OnLog(msg)
	}
}

func (h Hooks) chunkDone(index int, fromCache bool) {
	if h.OnChunkDone != nil {
		h.OnChunkDone(index, fromCache)
	}
}

func (h Hooks) cancelled() bool {
	return h.ShouldCancel != nil && h.ShouldCancel()
}

// Result describes a completed run.
type Result struct {
	OutputPath          string
	MetaPath            string
	ShaPath             string
	ChunkCount          int
	CacheHits           int
	CacheMisses         int
	EffectiveSampleRate int
}

// IsCancellation reports whether err represents a stop request rather than
// a failure. Both the polled flag and context cancellation count.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
