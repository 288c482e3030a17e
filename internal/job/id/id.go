// Package id generates identifiers for synthesis jobs.
package id

import "github.com/google/uuid"

// Generate returns a fresh job ID of the form "job-<uuid4>". The prefix
// keeps job IDs recognisable in logs next to request IDs and cache keys.
func Generate() string {
	return "job-" + uuid.NewString()
}
