package job

import (
	"context"
	"errors"
)

// ErrJobNotFound is returned when no job exists under the requested ID.
var ErrJobNotFound = errors.New("job not found")

// Repository is the persistence port for synthesis jobs. The service keeps
// jobs here across their whole lifecycle, from submission through terminal
// state, so status polling and resume-after-cancel work without the
// pipeline holding state of its own.
type Repository interface {
	// Save stores a job snapshot, replacing any existing one with the
	// same ID.
	Save(ctx context.Context, job *Job) error

	// FindByID returns the job stored under id, or ErrJobNotFound.
	FindByID(ctx context.Context, id string) (*Job, error)

	// List returns all stored jobs in submission order.
	List(ctx context.Context) ([]*Job, error)

	// Delete removes the job stored under id, or returns ErrJobNotFound.
	Delete(ctx context.Context, id string) error
}
