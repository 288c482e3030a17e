// Package job provides the Job aggregate for managing text-to-speech jobs.
// It includes the Job entity with state machine transitions,
// as well as repository interfaces for persistence.
package job

import (
	"errors"
	"sync"
	"time"

	"github.com/jijae92/LocalKoreanTTS/internal/job/id"
	"github.com/jijae92/LocalKoreanTTS/internal/pipeline"
)

// Backend represents the synthesis backend for the job.
type Backend string

const (
	// BackendProcess shells out to a local synthesizer binary.
	BackendProcess Backend = "process"
	// BackendHTTP talks to a synthesis HTTP service.
	BackendHTTP Backend = "http"
	// BackendTone generates placeholder tone audio without a model.
	BackendTone Backend = "tone"
)

// IsValid returns true if the backend is valid.
func (b Backend) IsValid() bool {
	return b == BackendProcess || b == BackendHTTP || b == BackendTone
}

// Status represents the current state of a Job.
type Status string

const (
	// StatusInQueue indicates the job is waiting to be picked up.
	StatusInQueue Status = "IN_QUEUE"
	// StatusRunning indicates the job is being processed.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the job finished successfully.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the job encountered an error during execution.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the job was manually cancelled.
	StatusCancelled Status = "CANCELLED"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusInQueue:   {StatusRunning, StatusCancelled},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
}

// canTransition checks if a transition from one status to another is valid.
func canTransition(from, to Status) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// Job represents a text-to-speech job aggregate.
// It contains all state related to one synthesis request.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Backend is the synthesis backend (process, http or tone).
	Backend Backend
	// Status is the current job state.
	Status Status
	// Stage is the pipeline stage the job last reported.
	Stage pipeline.Stage
	// Progress is the percentage of completion (0-100).
	Progress int
	// ChunksDone is the number of chunks produced so far.
	ChunksDone int
	// ChunkCount is the total number of chunks in this job.
	ChunkCount int
	// CacheHits counts chunks served from the cache.
	CacheHits int
	// CacheMisses counts chunks that required synthesis.
	CacheMisses int
	// Error contains any error message if the job failed.
	Error string
	// InputPath is the path to the source text file.
	InputPath string
	// SpoolPath is the temp file holding spooled inline text.
	// Empty when the input came from a caller-supplied file.
	SpoolPath string
	// OutputDir is the directory the artifact is written to.
	OutputDir string
	// Format is the output audio format (wav, ogg or mp3).
	Format string
	// Speed is the synthesis speed multiplier.
	Speed float64
	// SampleRate is the requested output sample rate in Hz.
	SampleRate int
	// SilenceMS is the inter-chunk silence in milliseconds.
	SilenceMS int
	// PushToS3 indicates whether to upload the artifact to S3.
	PushToS3 bool
	// OutputPath is the path to the final audio artifact.
	OutputPath string
	// MetaPath is the path to the metadata sidecar.
	MetaPath string
	// ShaPath is the path to the checksum sidecar.
	ShaPath string
	// ArtifactURL is the S3 URL if PushToS3 was true.
	ArtifactURL string
	// CreatedAt is when the job was created.
	CreatedAt time.Time
	// UpdatedAt is when the job was last updated.
	UpdatedAt time.Time
	// StartedAt is when processing started.
	StartedAt time.Time
	// CompletedAt is when processing finished.
	CompletedAt time.Time
}

// New creates a new Job with a generated ID and initial IN_QUEUE status.
// Backend defaults to the local process backend.
func New() *Job {
	now := time.Now()
	return &Job{
		ID:        id.Generate(),
		Backend:   BackendProcess,
		Status:    StatusInQueue,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// NewWithID creates a new Job with the specified ID and initial IN_QUEUE status.
// Useful for testing or when ID needs to be externally generated.
// Backend defaults to the local process backend.
func NewWithID(jobID string) *Job {
	now := time.Now()
	return &Job{
		ID:        jobID,
		Backend:   BackendProcess,
		Status:    StatusInQueue,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo attempts to change the job status to the specified state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	// Set timestamps based on state
	switch status {
	case StatusRunning:
		j.StartedAt = j.UpdatedAt
	case StatusCompleted, StatusFailed, StatusCancelled:
		j.CompletedAt = j.UpdatedAt
	}

	return nil
}

// Start transitions the job from IN_QUEUE to RUNNING.
// Returns ErrInvalidTransition if the job is not in IN_QUEUE state.
func (j *Job) Start() error {
	return j.TransitionTo(StatusRunning)
}

// Complete transitions the job to COMPLETED state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) Complete() error {
	return j.TransitionTo(StatusCompleted)
}

// Fail transitions the job to FAILED state with an error message.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) Fail(errMsg string) error {
	j.mu.Lock()
	j.Error = errMsg
	j.mu.Unlock()
	return j.TransitionTo(StatusFailed)
}

// Cancel transitions the job to CANCELLED state.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) Cancel() error {
	return j.TransitionTo(StatusCancelled)
}

// GetStatus returns the current job status (thread-safe).
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// SetStage records the pipeline stage the job last reported.
func (j *Job) SetStage(stage pipeline.Stage) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Stage = stage
	j.UpdatedAt = time.Now()
}

// SetProgress records chunk completion and derives the percentage.
func (j *Job) SetProgress(done, total int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ChunksDone = done
	j.ChunkCount = total
	if total > 0 {
		j.Progress = done * 100 / total
	}
	j.UpdatedAt = time.Now()
}

// RecordChunk counts one produced chunk against the cache statistics.
func (j *Job) RecordChunk(fromCache bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if fromCache {
		j.CacheHits++
	} else {
		j.CacheMisses++
	}
	j.UpdatedAt = time.Now()
}

// SetOutput sets the artifact and sidecar paths.
func (j *Job) SetOutput(outputPath, metaPath, shaPath string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.OutputPath = outputPath
	j.MetaPath = metaPath
	j.ShaPath = shaPath
	j.UpdatedAt = time.Now()
}

// SetArtifactURL sets the published S3 URL.
func (j *Job) SetArtifactURL(url string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.ArtifactURL = url
	j.UpdatedAt = time.Now()
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status == StatusCompleted ||
		j.Status == StatusFailed ||
		j.Status == StatusCancelled
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return &Job{
		ID:          j.ID,
		Backend:     j.Backend,
		Status:      j.Status,
		Stage:       j.Stage,
		Progress:    j.Progress,
		ChunksDone:  j.ChunksDone,
		ChunkCount:  j.ChunkCount,
		CacheHits:   j.CacheHits,
		CacheMisses: j.CacheMisses,
		Error:       j.Error,
		InputPath:   j.InputPath,
		SpoolPath:   j.SpoolPath,
		OutputDir:   j.OutputDir,
		Format:      j.Format,
		Speed:       j.Speed,
		SampleRate:  j.SampleRate,
		SilenceMS:   j.SilenceMS,
		PushToS3:    j.PushToS3,
		OutputPath:  j.OutputPath,
		MetaPath:    j.MetaPath,
		ShaPath:     j.ShaPath,
		ArtifactURL: j.ArtifactURL,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}
