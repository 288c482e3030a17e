// Package server provides the HTTP server for the synthesis API.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// CreateJobRequest is the HTTP request body for creating a new job.
type CreateJobRequest struct {
	// Text is the inline source text to synthesize. Required unless
	// InputPath is given; when both are present Text wins.
	Text string `json:"text" validate:"required_without=InputPath"`
	// InputPath is a server-local text or markdown file to synthesize.
	InputPath string `json:"input_path" validate:"required_without=Text"`
	// OutputDir overrides the configured output directory.
	OutputDir string `json:"output_dir"`
	// Format is the output audio format.
	Format string `json:"format" validate:"omitempty,oneof=wav ogg mp3"`
	// Speed is the speech rate multiplier.
	Speed float64 `json:"speed" validate:"omitempty,gt=0,lte=3"`
	// SampleRate is the requested output rate in Hz.
	SampleRate int `json:"sample_rate" validate:"omitempty,min=8000,max=48000"`
	// SilenceMS is the pause inserted between chunks, in milliseconds.
	// Omitted means the configured default; zero means no pause.
	SilenceMS *int `json:"silence_ms" validate:"omitempty,min=0,max=10000"`
	// Backend selects the synthesis engine for this job.
	Backend string `json:"backend" validate:"omitempty,oneof=process http tone"`
	// PushToS3 indicates whether to upload the final audio to S3.
	PushToS3 bool `json:"push_to_s3"`
}

// CreateJobResponse is the HTTP response after creating a job.
type CreateJobResponse struct {
	// ID is the unique identifier for the created job.
	ID string `json:"id"`
	// Status is the initial job status.
	Status string `json:"status"`
}

// JobResponse is the HTTP response for getting job details.
type JobResponse struct {
	// ID is the unique identifier for the job.
	ID string `json:"id"`
	// Status is the current job status.
	Status string `json:"status"`
	// Backend is the synthesis engine the job runs on.
	Backend string `json:"backend"`
	// Stage is the pipeline stage the job last reported.
	Stage string `json:"stage,omitempty"`
	// Progress is the percentage of completion (0-100).
	Progress int `json:"progress"`
	// ChunksDone and ChunkCount give chunk-granular progress.
	ChunksDone int `json:"chunks_done"`
	ChunkCount int `json:"chunk_count"`
	// CacheHits and CacheMisses count chunks served from or added to the cache.
	CacheHits   int `json:"cache_hits"`
	CacheMisses int `json:"cache_misses"`
	// Format is the output audio format.
	Format string `json:"format"`
	// Error contains any error message if the job failed.
	Error string `json:"error,omitempty"`
	// OutputPath is the final artifact on the server (if completed).
	OutputPath string `json:"output_path,omitempty"`
	// MetaPath and ShaPath are the artifact sidecars (if completed).
	MetaPath string `json:"meta_path,omitempty"`
	ShaPath  string `json:"sha_path,omitempty"`
	// ArtifactURL is the published S3 URL (if push_to_s3=true and uploaded).
	ArtifactURL string `json:"artifact_url,omitempty"`
	// CreatedAt and UpdatedAt are job lifecycle timestamps.
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ListJobsResponse is the HTTP response for listing jobs.
type ListJobsResponse struct {
	// Jobs holds one entry per known job.
	Jobs []JobResponse `json:"jobs"`
	// Count is the number of jobs returned.
	Count int `json:"count"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is the health status of the service.
	Status string `json:"status"`
	// FFmpeg reports whether the configured ffmpeg binary is on PATH.
	// A missing binary does not fail the endpoint; jobs needing it will
	// error individually.
	FFmpeg bool `json:"ffmpeg"`
}
