// Package storage handles the files a job touches outside the audio cache:
// spooled input text, leftover intermediates and published artifacts. The
// Storage port keeps the job service unaware of whether artifacts end up on
// local disk only or also in an S3 bucket.
package storage

import (
	"context"
	"io"
)

// Storage is the file-handling port used by the job service.
type Storage interface {
	// SaveTemp spools data into the temp directory under a name derived
	// from the given hint and returns the resulting path.
	SaveTemp(ctx context.Context, name string, data io.Reader) (path string, err error)

	// LoadTemp opens a previously spooled file for reading. Closing the
	// returned reader is the caller's job.
	LoadTemp(ctx context.Context, path string) (io.ReadCloser, error)

	// CleanupTemp removes the given files, skipping ones already gone.
	// It keeps going past failures and reports them together.
	CleanupTemp(ctx context.Context, paths []string) error

	// Publish uploads an artifact under the given key and returns its
	// public URL, or ErrS3NotConfigured when no bucket is configured.
	Publish(ctx context.Context, key string, data io.Reader) (url string, err error)
}
